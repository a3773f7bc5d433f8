// Package handlers implements the partstash HTTP endpoints: streaming upload
// and ranged download on the chi router, and the JSON file API on huma.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"

	stasherr "github.com/partstash/partstash/internal/errors"
)

// ErrorBody is the JSON error envelope of the streaming endpoints.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// statusOf maps err to the HTTP status it is answered with.
func statusOf(err error) int {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return http.StatusRequestEntityTooLarge
	}
	return stasherr.HTTPStatus(err)
}

// describe returns the stable code and the client-facing message for err.
func describe(err error) (code, message string) {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return "PayloadTooLarge", fmt.Sprintf("upload exceeds the %d byte limit", mbe.Limit)
	}
	var se *stasherr.Error
	if errors.As(err, &se) {
		if se.Kind == stasherr.KindInternal {
			return se.Code, stasherr.ErrInternal.Message
		}
		return se.Code, se.Message
	}
	return stasherr.ErrInternal.Code, stasherr.ErrInternal.Message
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing response body", "error", err)
	}
}

// writeError answers a streaming endpoint with the JSON error envelope.
// Headers describing a body that will not be sent are dropped.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	code, msg := describe(err)
	if status >= 500 {
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
	}

	h := w.Header()
	h.Del("Content-Length")
	h.Del("Content-Disposition")
	h.Del("Last-Modified")
	h.Del("ETag")
	if status != http.StatusRequestedRangeNotSatisfiable {
		h.Del("Content-Range")
	}
	if d := stasherr.RetryAfterOf(err); d > 0 {
		h.Set("Retry-After", strconv.Itoa(int(d.Round(time.Second)/time.Second)))
	}
	writeJSON(w, status, ErrorBody{Code: code, Message: msg, RequestID: h.Get("X-Request-Id")})
}

// apiError converts err into a huma status error so the JSON API reports
// the same status and code as the streaming endpoints.
func apiError(err error) error {
	status := statusOf(err)
	code, msg := describe(err)
	if status >= 500 {
		slog.Error("api request failed", "status", status, "error", err)
	}
	return huma.NewError(status, fmt.Sprintf("%s: %s", code, msg))
}

// contentDisposition builds an attachment header for name, using the RFC
// 2231 encoding for names that are not plain ASCII tokens.
func contentDisposition(name string) string {
	if name == "" {
		return "attachment"
	}
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": name}); v != "" {
		return v
	}
	return "attachment"
}
