package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var ErrValidation = fmt.Errorf("validation error")
var ErrNotFound = fmt.Errorf("not found")
var ErrConflict = fmt.Errorf("conflict")
var ErrPreconditionFailed = fmt.Errorf("precondition failed")
var ErrUnsupported = fmt.Errorf("not implemented")
var ErrOverload = fmt.Errorf("overloaded")
var ErrTimeout = fmt.Errorf("timed out")
var ErrReadOnly = fmt.Errorf("read only")
var ErrUnauthenticated = fmt.Errorf("unauthenticated")
var ErrForbidden = fmt.Errorf("forbidden")
var ErrInternal = fmt.Errorf("internal error")

// Stable machine readable error codes. Clients branch on these, never on messages.
const (
	CodeEntityAlreadyExists        string = "OData.EntityAlreadyExists"
	CodeUniqueKeyConflict          string = "OData.UniqueKeyConflict"
	CodeNoSuchEntity               string = "OData.NoSuchEntity"
	CodeNoSuchEntitySet            string = "OData.NoSuchEntitySet"
	CodeNoSuchNavigationProperty   string = "OData.NoSuchNavigationProperty"
	CodeNoSuchAssociation          string = "OData.NoSuchAssociation"
	CodeLinkAlreadyExists          string = "OData.ConflictLinkExists"
	CodeLinkLimitExceeded          string = "OData.LinkUpperLimitExceeded"
	CodeHasRelatedObject           string = "OData.ConflictHasRelatedObject"
	CodeDuplicatedLinkInRequest    string = "OData.ConflictDuplicatedLinkInRequest"
	CodeETagMismatch               string = "OData.ETagNotMatch"
	CodeInvalidKey                 string = "OData.EntityKeyParseError"
	CodeRequestBodyInvalid         string = "OData.RequestBodyFieldFormatError"
	CodeFilterParseError           string = "OData.FilterParseError"
	CodeQueryParseError            string = "OData.QueryParseError"
	CodeOperandTypeMismatch        string = "OData.OperandTypeMismatch"
	CodeUnknownProperty            string = "OData.UnknownProperty"
	CodeUnsupportedOperator        string = "OData.UnsupportedOperator"
	CodeNotImplemented             string = "OData.NotImplemented"
	CodeBatchTooManyParts          string = "OData.BatchTooManyParts"
	CodeBatchBodyParseError        string = "OData.BatchBodyParseError"
	CodeTooManyConcurrentRequests  string = "Server.TooManyConcurrentRequests"
	CodeBatchTimeout               string = "Server.BatchTimeout"
	CodeReadOnly                   string = "Server.ReadOnlyMode"
	CodeUnauthenticated            string = "Auth.Unauthenticated"
	CodeForbidden                  string = "Auth.Forbidden"
	CodeInternal                   string = "Server.Unknown"
	CodeStoreFailure               string = "Server.DataStoreFailure"
)

type myError struct {
	code   string
	msg    string
	target error
}

func (m myError) Error() string        { return m.msg }
func (m myError) Is(target error) bool { return target == m.target }
func (m myError) Code() string         { return m.code }

func newError(target error, code, msg string) error {
	return &myError{code: code, msg: msg, target: target}
}

func NewValidationError(code, msg string) error {
	return newError(ErrValidation, code, msg)
}

func NewNotFoundError(code, msg string) error {
	return newError(ErrNotFound, code, msg)
}

func NewConflictError(code, msg string) error {
	return newError(ErrConflict, code, msg)
}

func NewPreconditionFailedError(msg string) error {
	return newError(ErrPreconditionFailed, CodeETagMismatch, msg)
}

func NewUnsupportedError(code, msg string) error {
	return newError(ErrUnsupported, code, msg)
}

func NewOverloadError(msg string) error {
	return newError(ErrOverload, CodeTooManyConcurrentRequests, msg)
}

func NewTimeoutError(msg string) error {
	return newError(ErrTimeout, CodeBatchTimeout, msg)
}

func NewReadOnlyError(msg string) error {
	return newError(ErrReadOnly, CodeReadOnly, msg)
}

func NewUnauthenticatedError(msg string) error {
	return newError(ErrUnauthenticated, CodeUnauthenticated, msg)
}

func NewForbiddenError(msg string) error {
	return newError(ErrForbidden, CodeForbidden, msg)
}

func NewInternalError(code, msg string) error {
	return newError(ErrInternal, code, msg)
}

// EntityAlreadyExists is the conflict reported for primary key collisions,
// both against the store and within a single batch.
func EntityAlreadyExists(entitySet, key string) error {
	return NewConflictError(CodeEntityAlreadyExists, fmt.Sprintf("entity %s(%s) already exists", entitySet, key))
}

func NoSuchEntity(entitySet, key string) error {
	return NewNotFoundError(CodeNoSuchEntity, fmt.Sprintf("entity %s(%s) not found", entitySet, key))
}

// IsStorageError reports whether err belongs to the taxonomy above, as opposed to
// a programming error that should abort a whole batch.
func IsStorageError(err error) bool {
	var c interface{ Code() string }
	return errors.As(err, &c)
}

// Code returns the stable code carried by err, or CodeInternal.
func Code(err error) string {
	var c interface{ Code() string }
	if errors.As(err, &c) {
		return c.Code()
	}
	return CodeInternal
}

// StatusCode maps an error to the HTTP status used for it on the wire
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrPreconditionFailed):
		return http.StatusPreconditionFailed
	case errors.Is(err, ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, ErrOverload), errors.Is(err, ErrTimeout), errors.Is(err, ErrReadOnly):
		return http.StatusServiceUnavailable
	}

	return http.StatusInternalServerError
}

const ErrorContentType string = "application/json"

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message struct {
			Lang  string `json:"lang"`
			Value string `json:"value"`
		} `json:"message"`
	} `json:"error"`
}

// Body renders err as an OData error document
func Body(err error) []byte {
	eb := errorBody{}
	eb.Error.Code = Code(err)
	eb.Error.Message.Lang = "en"
	eb.Error.Message.Value = err.Error()

	b, _ := json.Marshal(eb)
	return b
}

// WriteResponse writes the status code and error document for err to w
func WriteResponse(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", ErrorContentType)
	w.Header().Set("Content-Language", "en")
	w.WriteHeader(StatusCode(err))
	w.Write(Body(err))
}

// NewErrorFromBody reconstructs an error from a status code and an OData error document
func NewErrorFromBody(code int, body []byte) error {
	eb := errorBody{}

	err := json.Unmarshal(body, &eb)
	if err != nil {
		return fmt.Errorf("failed to process error body (status %d): %s", code, err.Error())
	}

	msg := eb.Error.Message.Value
	errCode := eb.Error.Code

	switch code {
	case http.StatusBadRequest:
		return NewValidationError(errCode, msg)
	case http.StatusUnauthorized:
		return NewUnauthenticatedError(msg)
	case http.StatusForbidden:
		return NewForbiddenError(msg)
	case http.StatusNotFound:
		return NewNotFoundError(errCode, msg)
	case http.StatusConflict:
		return NewConflictError(errCode, msg)
	case http.StatusPreconditionFailed:
		return NewPreconditionFailedError(msg)
	case http.StatusNotImplemented:
		return NewUnsupportedError(errCode, msg)
	case http.StatusServiceUnavailable:
		switch errCode {
		case CodeBatchTimeout:
			return NewTimeoutError(msg)
		case CodeReadOnly:
			return NewReadOnlyError(msg)
		}
		return NewOverloadError(msg)
	}

	return NewInternalError(errCode, fmt.Sprintf("[code: %d] %s", code, msg))
}
