package partstore

import (
	"fmt"
	"io"
	"net/http"

	stasherr "github.com/partstash/partstash/internal/errors"
)

// httpRange renders an HTTP Range header value for (offset, length), where
// length -1 means to the end.
func httpRange(offset, length int64) string {
	if length < 0 {
		return fmt.Sprintf("bytes=%d-", offset)
	}
	return fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
}

// classifyHTTPStatus maps a backend HTTP status onto the taxonomy: 404 is
// NotFound, 416 RangeNotSatisfiable, 413 PayloadTooLarge, 408/429/5xx
// Transient, any other 4xx Fatal.
func classifyHTTPStatus(status int, err error) error {
	switch {
	case status == http.StatusNotFound:
		return stasherr.ErrNotFound.WithCause(err)
	case status == http.StatusRequestedRangeNotSatisfiable:
		return stasherr.ErrRangeNotSatisfiable.WithCause(err)
	case status == http.StatusRequestEntityTooLarge:
		return stasherr.ErrPayloadTooLarge.WithCause(err)
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return stasherr.ErrTransient.WithCause(err)
	case status >= 400:
		return stasherr.ErrFatal.WithCause(err)
	}
	return stasherr.ErrInternal.WithCause(err)
}

// eofReader is an empty stream.
type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
