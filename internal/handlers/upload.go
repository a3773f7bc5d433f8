package handlers

import (
	"errors"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/partstash/partstash/internal/chunker"
	stasherr "github.com/partstash/partstash/internal/errors"
	"github.com/partstash/partstash/internal/stash"
)

// maxFormFieldSize bounds the small text fields of a multipart upload.
const maxFormFieldSize = 4 << 10

// FileHandler serves the streaming upload and download endpoints and the
// JSON file API.
type FileHandler struct {
	stash *stash.Stash
	// maxUpload caps a single upload body. Zero means unlimited.
	maxUpload int64
}

// NewFileHandler creates a FileHandler over s.
func NewFileHandler(s *stash.Stash, maxUpload int64) *FileHandler {
	return &FileHandler{stash: s, maxUpload: maxUpload}
}

// upload is one inbound file stream, extracted from either a raw body or a
// multipart form.
type upload struct {
	body        io.Reader
	name        string
	contentType string
	size        int64
}

// Upload implements POST /upload. The body is either the raw file, named by
// the name query parameter, or a multipart/form-data form whose "file"
// field carries it. The stream is chunked as it arrives.
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if h.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	}

	q := r.URL.Query()
	up, err := readUpload(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if name := q.Get("name"); name != "" {
		up.name = name
	}
	if up.name == "" {
		writeError(w, r, stasherr.ErrInvalidArgument.WithMessage("a file name is required"))
		return
	}

	f, err := h.stash.Ingest(r.Context(), up.name, up.body, chunker.IngestOptions{
		ID:           q.Get("id"),
		ContentType:  up.contentType,
		ExpectedSize: up.size,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Location", "/download/"+f.ID)
	writeJSON(w, http.StatusCreated, f.Summary())
}

// readUpload locates the file stream in r without buffering it.
func readUpload(r *http.Request) (*upload, error) {
	ct := r.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(ct)
	if err != nil || mediaType != "multipart/form-data" {
		return &upload{body: r.Body, contentType: ct, size: r.ContentLength}, nil
	}

	boundary := params["boundary"]
	if boundary == "" {
		return nil, stasherr.ErrInvalidArgument.WithMessage("multipart upload without a boundary")
	}
	mr := multipart.NewReader(r.Body, boundary)
	var formName string
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, stasherr.ErrInvalidArgument.WithMessage("multipart upload has no file field")
		}
		if err != nil {
			return nil, stasherr.ErrInvalidArgument.WithMessage("reading multipart upload").WithCause(err)
		}

		switch p.FormName() {
		case "file":
			name := formName
			if name == "" {
				name = p.FileName()
			}
			// Fields after the file are never read.
			return &upload{
				body:        p,
				name:        name,
				contentType: p.Header.Get("Content-Type"),
				size:        -1,
			}, nil
		case "name":
			b, err := io.ReadAll(io.LimitReader(p, maxFormFieldSize))
			if err != nil {
				return nil, stasherr.ErrInvalidArgument.WithMessage("reading name field").WithCause(err)
			}
			formName = strings.TrimSpace(string(b))
		default:
			slog.Debug("ignoring multipart field", "field", p.FormName())
		}
		p.Close()
	}
}
