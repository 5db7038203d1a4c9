package batch

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"

	"github.com/google/uuid"
)

// Response is a rendered multipart/mixed batch response body
type Response struct {
	ContentType string
	Body        []byte
}

// Render frames the part responses into a batch response. Parts that were sent within a
// changeset are framed within a changeset of their own.
func Render(responses []*PartResponse) (*Response, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	if err := w.SetBoundary("batch_" + uuid.NewString()); err != nil {
		return nil, err
	}

	var changeset *multipart.Writer
	var changesetBody *bytes.Buffer

	for _, resp := range responses {
		part := resp.Part

		if part != nil && part.InChangeset {
			if part.ChangesetStart || changeset == nil {
				changesetBody = &bytes.Buffer{}
				changeset = multipart.NewWriter(changesetBody)
				if err := changeset.SetBoundary("changeset_" + uuid.NewString()); err != nil {
					return nil, err
				}
			}

			if err := writePart(changeset, resp); err != nil {
				return nil, err
			}

			if part.ChangesetEnd {
				if err := closeChangeset(w, changeset, changesetBody); err != nil {
					return nil, err
				}
				changeset = nil
			}
			continue
		}

		if err := writePart(w, resp); err != nil {
			return nil, err
		}
	}

	if changeset != nil {
		if err := closeChangeset(w, changeset, changesetBody); err != nil {
			return nil, err
		}
	}

	if err := w.Close(); err != nil {
		return nil, err
	}

	return &Response{
		ContentType: "multipart/mixed; boundary=" + w.Boundary(),
		Body:        buf.Bytes(),
	}, nil
}

func closeChangeset(w, changeset *multipart.Writer, body *bytes.Buffer) error {
	if err := changeset.Close(); err != nil {
		return err
	}

	h := textproto.MIMEHeader{}
	h.Set("Content-Type", "multipart/mixed; boundary="+changeset.Boundary())

	pw, err := w.CreatePart(h)
	if err != nil {
		return err
	}

	_, err = io.Copy(pw, body)
	return err
}

func writePart(w *multipart.Writer, resp *PartResponse) error {
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", "application/http")
	h.Set("Content-Transfer-Encoding", "binary")

	pw, err := w.CreatePart(h)
	if err != nil {
		return err
	}

	fmt.Fprintf(pw, "HTTP/1.1 %d %s\r\n", resp.Status, http.StatusText(resp.Status))

	header := resp.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if len(resp.Body) > 0 {
		header.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	}
	header.Set("DataServiceVersion", "2.0")

	if err = header.Write(pw); err != nil {
		return err
	}

	if _, err = io.WriteString(pw, "\r\n"); err != nil {
		return err
	}

	_, err = pw.Write(resp.Body)
	return err
}
