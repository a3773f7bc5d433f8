package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	stasherr "github.com/partstash/partstash/internal/errors"
	"github.com/partstash/partstash/internal/manifest"
	"github.com/partstash/partstash/internal/reader"
)

// copyBufferSize is the chunk size of response body writes.
const copyBufferSize = 256 << 10

// Download implements GET and HEAD /download/{id}. A Range header selects a
// single byte range and yields 206. Errors that occur before the first body
// byte are answered with a status; after that the connection is aborted so
// the client sees a truncated response instead of wrong data.
func (h *FileHandler) Download(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	f, err := h.stash.StatComplete(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	spec, err := reader.ParseRange(r.Header.Get("Range"))
	if err == nil {
		var rr reader.ResolvedRange
		if rr, err = reader.Resolve(spec, f.TotalSize); err == nil {
			h.serveRange(w, r, f, rr)
			return
		}
	}
	if errors.Is(err, stasherr.ErrRangeNotSatisfiable) {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", f.TotalSize))
	}
	writeError(w, r, err)
}

func (h *FileHandler) serveRange(w http.ResponseWriter, r *http.Request, f *manifest.LogicalFile, rr reader.ResolvedRange) {
	hdr := w.Header()
	hdr.Set("Content-Type", f.ContentType)
	hdr.Set("Accept-Ranges", "bytes")
	hdr.Set("Content-Disposition", contentDisposition(f.DisplayName))
	hdr.Set("ETag", strconv.Quote(f.ID))
	if !f.CompletedAt.IsZero() {
		hdr.Set("Last-Modified", f.CompletedAt.UTC().Format(http.TimeFormat))
	}
	hdr.Set("Content-Length", strconv.FormatInt(rr.Length(), 10))
	status := http.StatusOK
	if rr.Partial {
		hdr.Set("Content-Range", rr.ContentRange())
		status = http.StatusPartialContent
	}

	if r.Method == http.MethodHead || rr.Length() == 0 {
		w.WriteHeader(status)
		return
	}

	body := h.stash.OpenManifest(r.Context(), f, rr)
	defer body.Close()

	// The stream is lazy; read until the first bytes arrive so that a
	// failing first part still gets a proper status.
	buf := make([]byte, copyBufferSize)
	n, err := readSome(body, buf)
	if n == 0 && err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, err)
		return
	}

	w.WriteHeader(status)
	sent := int64(n)
	if _, werr := w.Write(buf[:n]); werr != nil {
		err = werr
	} else if err == nil {
		var written int64
		written, err = io.CopyBuffer(w, body, buf)
		sent += written
	}
	if err != nil && !errors.Is(err, io.EOF) {
		slog.Warn("download interrupted",
			"file_id", f.ID,
			"start", rr.Start,
			"sent", sent,
			"length", rr.Length(),
			"error", err,
		)
		panic(http.ErrAbortHandler)
	}
}

// readSome reads into buf until it gets at least one byte or an error.
func readSome(r io.Reader, buf []byte) (int, error) {
	for {
		n, err := r.Read(buf)
		if n > 0 || err != nil {
			return n, err
		}
	}
}
