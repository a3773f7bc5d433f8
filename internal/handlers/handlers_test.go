package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/partstash/partstash/internal/chunker"
	stasherr "github.com/partstash/partstash/internal/errors"
	"github.com/partstash/partstash/internal/manifest"
	"github.com/partstash/partstash/internal/partstore"
	"github.com/partstash/partstash/internal/retry"
	"github.com/partstash/partstash/internal/stash"
)

type testEnv struct {
	stash   *stash.Stash
	handler http.Handler
}

// newTestEnv mounts a FileHandler over an in-memory stash with 10-byte
// parts. A nil parts store uses a fresh memory backend.
func newTestEnv(t *testing.T, parts partstore.PartStore, maxUpload int64) *testEnv {
	t.Helper()
	if parts == nil {
		parts = partstore.NewMemoryBackend(0)
	}
	s, err := stash.New(parts, manifest.NewMemoryStore(), stash.Options{
		Ingest: chunker.Options{
			MaxPartSize:       10,
			MaxConcurrentJobs: 4,
			Retry:             retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		},
	})
	if err != nil {
		t.Fatalf("stash.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	h := NewFileHandler(s, maxUpload)
	router := chi.NewMux()
	api := humachi.New(router, huma.DefaultConfig("partstash test", "1.0.0"))
	router.Post("/upload", h.Upload)
	router.Get("/download/{id}", h.Download)
	router.Head("/download/{id}", h.Download)
	h.RegisterAPI(api)
	return &testEnv{stash: s, handler: router}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) upload(t *testing.T, name string, data []byte) manifest.FileSummary {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/upload?name="+name, bytes.NewReader(data))
	req.Header.Set("Content-Type", "text/plain")
	rec := e.do(t, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload %s: status %d: %s", name, rec.Code, rec.Body.String())
	}
	var sum manifest.FileSummary
	decode(t, rec, &sum)
	return sum
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return b
}

func TestUploadThenDownload(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	data := payload(25)
	sum := env.upload(t, "letters.txt", data)

	if sum.TotalSize != 25 || sum.PartCount != 3 || sum.State != manifest.StateComplete {
		t.Fatalf("summary = %+v", sum)
	}

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/download/"+sum.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d: %s", rec.Code, rec.Body.String())
	}
	if !bytes.Equal(rec.Body.Bytes(), data) {
		t.Errorf("body = %q", rec.Body.Bytes())
	}
	h := rec.Header()
	checks := map[string]string{
		"Content-Length":      "25",
		"Content-Type":        "text/plain",
		"Accept-Ranges":       "bytes",
		"Content-Disposition": "attachment; filename=letters.txt",
	}
	for k, want := range checks {
		if got := h.Get(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
	if h.Get("Last-Modified") == "" {
		t.Error("missing Last-Modified")
	}
	if h.Get("Content-Range") != "" {
		t.Errorf("whole-file response has Content-Range %q", h.Get("Content-Range"))
	}
}

func TestDownloadRanges(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	data := payload(25)
	id := env.upload(t, "r.bin", data).ID

	tests := []struct {
		rng          string
		status       int
		contentRange string
		body         []byte
	}{
		{"bytes=8-16", http.StatusPartialContent, "bytes 8-16/25", data[8:17]},
		{"bytes=0-0", http.StatusPartialContent, "bytes 0-0/25", data[:1]},
		{"bytes=20-", http.StatusPartialContent, "bytes 20-24/25", data[20:]},
		{"bytes=-5", http.StatusPartialContent, "bytes 20-24/25", data[20:]},
		{"bytes=-100", http.StatusPartialContent, "bytes 0-24/25", data},
		{"bytes=10-100", http.StatusPartialContent, "bytes 10-24/25", data[10:]},
		{"bytes=25-", http.StatusRequestedRangeNotSatisfiable, "bytes */25", nil},
		{"bytes=5-2", http.StatusRequestedRangeNotSatisfiable, "bytes */25", nil},
		{"bytes=0-1,4-5", http.StatusRequestedRangeNotSatisfiable, "bytes */25", nil},
	}
	for _, tt := range tests {
		t.Run(tt.rng, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/download/"+id, nil)
			req.Header.Set("Range", tt.rng)
			rec := env.do(t, req)

			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body.String())
			}
			if got := rec.Header().Get("Content-Range"); got != tt.contentRange {
				t.Errorf("Content-Range = %q, want %q", got, tt.contentRange)
			}
			if tt.body != nil && !bytes.Equal(rec.Body.Bytes(), tt.body) {
				t.Errorf("body = %q, want %q", rec.Body.Bytes(), tt.body)
			}
		})
	}
}

func TestHeadDownload(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	id := env.upload(t, "h.bin", payload(25)).ID

	req := httptest.NewRequest(http.MethodHead, "/download/"+id, nil)
	req.Header.Set("Range", "bytes=0-3")
	rec := env.do(t, req)

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Content-Length") != "4" {
		t.Errorf("Content-Length = %q", rec.Header().Get("Content-Length"))
	}
	if rec.Body.Len() != 0 {
		t.Errorf("HEAD wrote %d body bytes", rec.Body.Len())
	}
}

func TestDownloadEmptyFile(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	id := env.upload(t, "empty", nil).ID

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/download/"+id, nil))
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 || rec.Header().Get("Content-Length") != "0" {
		t.Errorf("empty download: status %d, %d bytes, length %q", rec.Code, rec.Body.Len(), rec.Header().Get("Content-Length"))
	}
}

func TestDownloadNotFound(t *testing.T) {
	env := newTestEnv(t, nil, 0)

	j, err := env.stash.BeginIngest(context.Background(), "partial", chunker.IngestOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer j.Abort("test done")
	if _, err := j.Write(payload(15)); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"unknown", j.ID()} {
		rec := env.do(t, httptest.NewRequest(http.MethodGet, "/download/"+id, nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("GET %s: status = %d, want 404", id, rec.Code)
			continue
		}
		var body ErrorBody
		decode(t, rec, &body)
		if body.Code != stasherr.ErrNotFound.Code {
			t.Errorf("GET %s: code = %q", id, body.Code)
		}
	}
}

// brokenParts fails every open of one ref.
type brokenParts struct {
	*partstore.MemoryBackend
	broken partstore.PartRef
}

func (b *brokenParts) OpenRange(ctx context.Context, ref partstore.PartRef, offset, length int64) (io.ReadCloser, error) {
	if ref == b.broken {
		return nil, stasherr.ErrFatal.WithMessage("part is gone")
	}
	return b.MemoryBackend.OpenRange(ctx, ref, offset, length)
}

func TestDownloadFirstPartFailure(t *testing.T) {
	parts := &brokenParts{MemoryBackend: partstore.NewMemoryBackend(0)}
	env := newTestEnv(t, parts, 0)
	id := env.upload(t, "f.bin", payload(25)).ID

	f, err := env.stash.Stat(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	parts.broken = partstore.PartRef(f.Parts[0].Ref)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/download/"+id, nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Length") == "25" {
		t.Error("error response kept the file Content-Length")
	}
}

func TestDownloadAbortsMidStream(t *testing.T) {
	parts := &brokenParts{MemoryBackend: partstore.NewMemoryBackend(0)}
	env := newTestEnv(t, parts, 0)
	id := env.upload(t, "m.bin", payload(25)).ID

	f, err := env.stash.Stat(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	parts.broken = partstore.PartRef(f.Parts[1].Ref)

	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/download/" + id)
	if err == nil {
		_, err = io.ReadAll(resp.Body)
		resp.Body.Close()
	}
	if err == nil {
		t.Error("truncated download read without error")
	}
}

func TestUploadMultipart(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	data := payload(23)

	tests := []struct {
		field string
		want  string
	}{
		{"", "orig.bin"},
		{"renamed.bin", "renamed.bin"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		if tt.field != "" {
			mw.WriteField("name", tt.field)
		}
		fw, err := mw.CreateFormFile("file", "orig.bin")
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(data)
		mw.Close()

		req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		rec := env.do(t, req)
		if rec.Code != http.StatusCreated {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
		}
		var sum manifest.FileSummary
		decode(t, rec, &sum)
		if sum.DisplayName != tt.want || sum.TotalSize != 23 || sum.ContentType != "application/octet-stream" {
			t.Errorf("summary = %+v, want name %q", sum, tt.want)
		}
	}
}

func TestUploadMultipartWithoutFile(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("name", "x")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if rec := env.do(t, req); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestUploadRequiresName(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	rec := env.do(t, httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("abc")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestUploadTooLarge(t *testing.T) {
	env := newTestEnv(t, nil, 16)
	req := httptest.NewRequest(http.MethodPost, "/upload?name=big", bytes.NewReader(payload(25)))
	rec := env.do(t, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413: %s", rec.Code, rec.Body.String())
	}

	files, err := manifest.Collect(env.stash.ListFiles(context.Background(), manifest.Query{}))
	if err != nil || len(files) != 0 {
		t.Errorf("rejected upload listed: %+v, %v", files, err)
	}
}

func TestListFiles(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	for _, name := range []string{"alpha.txt", "beta.txt", "alphabet.txt"} {
		env.upload(t, name, payload(5))
	}

	var list FileList
	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/files?q=ALPHA", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	decode(t, rec, &list)
	if len(list.Files) != 2 || list.Truncated {
		t.Errorf("q=ALPHA = %+v", list)
	}

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/files?limit=1", nil))
	list = FileList{}
	decode(t, rec, &list)
	if len(list.Files) != 1 || !list.Truncated {
		t.Errorf("limit=1 = %+v", list)
	}

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/files?q=none", nil))
	list = FileList{}
	decode(t, rec, &list)
	if list.Files == nil || len(list.Files) != 0 {
		t.Errorf("empty listing = %+v", list)
	}
}

func TestGetAndDeleteFile(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	id := env.upload(t, "gone.bin", payload(25)).ID

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/files/"+id, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d", rec.Code)
	}
	var f manifest.LogicalFile
	decode(t, rec, &f)
	if len(f.Parts) != 3 || f.Parts[2].Size != 5 || f.Parts[0].Checksum == "" {
		t.Errorf("manifest = %+v", f)
	}

	rec = env.do(t, httptest.NewRequest(http.MethodDelete, "/api/files/"+id+"?purge=true", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("DELETE status = %d: %s", rec.Code, rec.Body.String())
	}
	var res stash.DeleteResult
	decode(t, rec, &res)
	if res.PartsDeleted != 3 {
		t.Errorf("delete result = %+v", res)
	}

	if rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/files/"+id, nil)); rec.Code != http.StatusNotFound {
		t.Errorf("GET after delete = %d", rec.Code)
	}
	if rec := env.do(t, httptest.NewRequest(http.MethodDelete, "/api/files/"+id, nil)); rec.Code != http.StatusNotFound {
		t.Errorf("second DELETE = %d", rec.Code)
	}
}

func TestVerifyFile(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	id := env.upload(t, "v.bin", payload(25)).ID

	rec := env.do(t, httptest.NewRequest(http.MethodPost, "/api/files/"+id+"/verify?jobs=2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var report stash.VerifyReport
	decode(t, rec, &report)
	if report.Verified != 3 || len(report.Problems) != 0 {
		t.Errorf("report = %+v", report)
	}
}

func TestFetchURL(t *testing.T) {
	data := payload(31)
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write(data)
	}))
	defer src.Close()

	env := newTestEnv(t, nil, 0)
	body := strings.NewReader(`{"url":"` + src.URL + `/docs/report.pdf"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/files/fetch", body)
	req.Header.Set("Content-Type", "application/json")
	rec := env.do(t, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var accepted FetchAccepted
	decode(t, rec, &accepted)
	if rec.Header().Get("Location") != accepted.StatusURL {
		t.Errorf("Location = %q, status_url = %q", rec.Header().Get("Location"), accepted.StatusURL)
	}

	var st FetchState
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec = env.do(t, httptest.NewRequest(http.MethodGet, accepted.StatusURL, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status poll = %d: %s", rec.Code, rec.Body.String())
		}
		st = FetchState{}
		decode(t, rec, &st)
		if st.Done || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !st.Done || st.Error != "" || st.File == nil {
		t.Fatalf("fetch state = %+v", st)
	}
	if st.File.DisplayName != "report.pdf" || st.File.TotalSize != 31 || st.File.ContentType != "application/pdf" {
		t.Errorf("fetched file = %+v", st.File)
	}

	if rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/files/fetch/unknown", nil)); rec.Code != http.StatusNotFound {
		t.Errorf("unknown fetch = %d", rec.Code)
	}
}

func TestRegisterManifest(t *testing.T) {
	parts := partstore.NewMemoryBackend(0)
	env := newTestEnv(t, parts, 0)
	ctx := context.Background()

	var refs []partstore.PartRef
	for _, chunk := range []string{"0123456789", "abc"} {
		ref, err := parts.Upload(ctx, "ext", strings.NewReader(chunk), int64(len(chunk)))
		if err != nil {
			t.Fatal(err)
		}
		refs = append(refs, ref)
	}

	reqBody, _ := json.Marshal(RegisterRequest{
		DisplayName: "external.txt",
		TotalSize:   13,
		Parts: []manifest.Part{
			{Index: 0, Ref: string(refs[0]), Size: 10},
			{Index: 1, Ref: string(refs[1]), Size: 3},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/manifests", bytes.NewReader(reqBody))
	req.Header.Set("Content-Type", "application/json")
	rec := env.do(t, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var sum manifest.FileSummary
	decode(t, rec, &sum)
	if sum.State != manifest.StateComplete || sum.PartCount != 2 {
		t.Errorf("summary = %+v", sum)
	}

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/download/"+sum.ID, nil))
	if got := rec.Body.String(); got != "0123456789abc" {
		t.Errorf("download = %q", got)
	}

	reqBody, _ = json.Marshal(RegisterRequest{
		DisplayName: "bad.txt",
		TotalSize:   99,
		Parts:       []manifest.Part{{Index: 0, Ref: string(refs[0]), Size: 10}},
	})
	req = httptest.NewRequest(http.MethodPost, "/api/manifests", bytes.NewReader(reqBody))
	req.Header.Set("Content-Type", "application/json")
	if rec := env.do(t, req); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("mismatched total = %d, want 422", rec.Code)
	}
}
