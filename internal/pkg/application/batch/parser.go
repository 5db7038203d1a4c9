package batch

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/diwise/odata-broker/pkg/odata/errors"
	"github.com/diwise/odata-broker/pkg/odata/types"
)

// Part is one sub request of a batch
type Part struct {
	Method   string
	Resource Resource
	Query    url.Values
	Header   http.Header
	Body     []byte

	// Err is set when the target of the part could not be understood. The part then fails
	// on its own without affecting the rest of the batch.
	Err error

	// set on the first and last part of a changeset, a single part changeset has both
	ChangesetStart bool
	ChangesetEnd   bool
	InChangeset    bool
}

// IsMutating reports whether the part would change stored data
func (p *Part) IsMutating() bool {
	return p.Method != http.MethodGet
}

// Resource is the target of a request, relative to the service root
type Resource struct {
	Set string
	Key types.EntityKey
	Nav string

	// Links is set for $links requests, where LinkKey may address the related entity
	Links   bool
	LinkKey types.EntityKey
	Count   bool
}

func (r Resource) HasKey() bool {
	return !r.Key.IsZero()
}

func parseError(msg string) error {
	return errors.NewValidationError(errors.CodeBatchBodyParseError, msg)
}

// Parse reads a multipart/mixed batch body. root is the path of the service the batch was
// posted to and is stripped from absolute request paths.
func Parse(body io.Reader, contentType, root string, maxParts int) ([]*Part, error) {
	boundary, err := boundaryOf(contentType)
	if err != nil {
		return nil, err
	}

	parts := []*Part{}

	reader := multipart.NewReader(body, boundary)
	for {
		mp, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, parseError(fmt.Sprintf("malformed batch body: %s", err.Error()))
		}

		if strings.HasPrefix(mp.Header.Get("Content-Type"), "multipart/mixed") {
			changeset, err := parseChangeset(mp, root)
			if err != nil {
				return nil, err
			}
			parts = append(parts, changeset...)
		} else {
			p, err := parsePart(mp, root)
			if err != nil {
				return nil, err
			}
			parts = append(parts, p)
		}

		if maxParts > 0 && len(parts) > maxParts {
			return nil, errors.NewValidationError(errors.CodeBatchTooManyParts, fmt.Sprintf("a batch may contain at most %d parts", maxParts))
		}
	}

	return parts, nil
}

func boundaryOf(contentType string) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return "", parseError("batch requests must be multipart/mixed")
	}

	boundary, ok := params["boundary"]
	if !ok || boundary == "" {
		return "", parseError("batch content type lacks a boundary")
	}

	return boundary, nil
}

func parseChangeset(mp *multipart.Part, root string) ([]*Part, error) {
	boundary, err := boundaryOf(mp.Header.Get("Content-Type"))
	if err != nil {
		return nil, err
	}

	parts := []*Part{}

	reader := multipart.NewReader(mp, boundary)
	for {
		inner, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, parseError(fmt.Sprintf("malformed changeset: %s", err.Error()))
		}

		p, err := parsePart(inner, root)
		if err != nil {
			return nil, err
		}

		if !p.IsMutating() {
			return nil, parseError("a changeset may only contain modifying requests")
		}

		p.InChangeset = true
		parts = append(parts, p)
	}

	if len(parts) > 0 {
		parts[0].ChangesetStart = true
		parts[len(parts)-1].ChangesetEnd = true
	}

	return parts, nil
}

// parsePart reads an application/http part: a request line, headers and the body
func parsePart(mp *multipart.Part, root string) (*Part, error) {
	r := textproto.NewReader(bufio.NewReader(mp))

	line, err := r.ReadLine()
	for err == nil && strings.TrimSpace(line) == "" {
		line, err = r.ReadLine()
	}
	if err != nil {
		return nil, parseError("batch part without a request line")
	}

	fields := strings.Fields(line)
	if len(fields) != 3 || !strings.HasPrefix(fields[2], "HTTP/") {
		return nil, parseError(fmt.Sprintf("malformed request line %q", line))
	}

	header, err := r.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, parseError(fmt.Sprintf("malformed headers in part %q", line))
	}

	body, err := io.ReadAll(r.R)
	if err != nil {
		return nil, parseError(fmt.Sprintf("unreadable body in part %q", line))
	}

	p := &Part{
		Method: strings.ToUpper(fields[0]),
		Header: http.Header(header),
		Body:   bytes.TrimRight(body, "\r\n"),
	}

	if override := p.Header.Get("X-HTTP-Method"); override != "" && p.Method == http.MethodPost {
		p.Method = strings.ToUpper(override)
	}

	target, err := url.Parse(fields[1])
	if err != nil {
		return nil, parseError(fmt.Sprintf("malformed request uri %q", fields[1]))
	}

	p.Query = target.Query()
	p.Resource, p.Err = ParseResource(relativePath(target.Path, root))

	return p, nil
}

func relativePath(path, root string) string {
	root = strings.TrimSuffix(root, "/")
	if root != "" {
		if idx := strings.Index(path, root+"/"); idx >= 0 {
			path = path[idx+len(root)+1:]
		}
	}
	return strings.TrimPrefix(path, "/")
}

// ParseResource parses a resource path like Widgets('w1')/$links/Gadgets('g1')
func ParseResource(path string) (Resource, error) {
	res := Resource{}

	segments := splitPath(path)
	if len(segments) == 0 || segments[0] == "" {
		return res, parseError("request does not address an entity set")
	}

	var err error
	res.Set, res.Key, err = splitKey(segments[0])
	if err != nil {
		return res, err
	}

	rest := segments[1:]

	if len(rest) > 0 && rest[0] == "$count" {
		if res.HasKey() || len(rest) > 1 {
			return res, parseError("$count must follow an entity set")
		}
		res.Count = true
		return res, nil
	}

	if len(rest) > 0 && !res.HasKey() {
		return res, parseError(fmt.Sprintf("%s must be addressed by key before navigating", res.Set))
	}

	if len(rest) > 0 && rest[0] == "$links" {
		res.Links = true
		rest = rest[1:]
		if len(rest) == 0 {
			return res, parseError("$links must name a navigation property")
		}
	}

	switch len(rest) {
	case 0:
	case 1:
		res.Nav, res.LinkKey, err = splitKey(rest[0])
		if err != nil {
			return res, err
		}
		if !res.LinkKey.IsZero() && !res.Links {
			return res, errors.NewUnsupportedError(errors.CodeNotImplemented, "addressing a related entity by key is not supported")
		}
	default:
		return res, errors.NewUnsupportedError(errors.CodeNotImplemented, fmt.Sprintf("navigation path %s is not supported", path))
	}

	return res, nil
}

// splitPath splits on slashes outside of quoted key literals
func splitPath(path string) []string {
	segments := []string{}
	quoted := false
	start := 0

	for i := 0; i < len(path); i++ {
		switch path[i] {
		case '\'':
			quoted = !quoted
		case '/':
			if !quoted {
				segments = append(segments, path[start:i])
				start = i + 1
			}
		}
	}

	if start < len(path) {
		segments = append(segments, path[start:])
	}

	return segments
}

func splitKey(segment string) (string, types.EntityKey, error) {
	idx := strings.Index(segment, "(")
	if idx < 0 {
		return segment, types.EntityKey{}, nil
	}

	key, err := types.ParseKeyPredicate(segment[idx:])
	if err != nil {
		return "", types.EntityKey{}, errors.NewValidationError(errors.CodeInvalidKey, fmt.Sprintf("malformed key in %s: %s", segment, err.Error()))
	}

	return segment[:idx], key, nil
}
