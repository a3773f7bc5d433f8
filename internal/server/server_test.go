package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/partstash/partstash/internal/chunker"
	"github.com/partstash/partstash/internal/config"
	"github.com/partstash/partstash/internal/manifest"
	"github.com/partstash/partstash/internal/metrics"
	"github.com/partstash/partstash/internal/partstore"
	"github.com/partstash/partstash/internal/stash"
)

func init() {
	// Register metrics once for the entire test binary so that tests
	// checking /metrics output see the expected collectors.
	metrics.Register()
}

// sickParts is a backend whose health check fails.
type sickParts struct {
	*partstore.MemoryBackend
}

func (sickParts) HealthCheck(ctx context.Context) error {
	return errors.New("backend unreachable")
}

// newTestServer creates a Server over an in-memory stash. Metrics are
// enabled unless cfg says otherwise.
func newTestServer(t *testing.T, cfg *config.Config, parts partstore.PartStore) *Server {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
		cfg.Observability.Metrics = true
	}
	if parts == nil {
		parts = partstore.NewMemoryBackend(0)
	}
	s, err := stash.New(parts, manifest.NewMemoryStore(), stash.Options{
		Ingest: chunker.Options{MaxPartSize: 8, MaxConcurrentJobs: 2},
	})
	if err != nil {
		t.Fatalf("stash.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	srv, err := New(cfg, s)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return srv
}

// testRequest performs an HTTP request against the full middleware chain.
func testRequest(t *testing.T, srv *Server, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	rec := testRequest(t, srv, "GET", "/health", nil)

	if rec.Code != http.StatusOK {
		t.Errorf("GET /health status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Errorf("GET /health Content-Type = %q, want application/json", ct)
	}

	var body HealthBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("GET /health body unmarshal error: %v", err)
	}
	if body.Status != "ok" || body.Checks["manifest"].Status != "ok" {
		t.Errorf("GET /health body = %+v", body)
	}
}

func TestHealthReportsFailingBackend(t *testing.T) {
	parts := partstore.Instrument(sickParts{partstore.NewMemoryBackend(0)}, "sick")
	srv := newTestServer(t, nil, parts)

	rec := testRequest(t, srv, "GET", "/health", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("GET /health status = %d, want 503", rec.Code)
	}
	var body HealthBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "error" || body.Checks["partstore"].Error == "" || body.Checks["manifest"].Status != "ok" {
		t.Errorf("GET /health body = %+v", body)
	}

	if rec := testRequest(t, srv, "GET", "/readyz", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /readyz status = %d, want 503", rec.Code)
	}
	if rec := testRequest(t, srv, "HEAD", "/health", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("HEAD /health status = %d, want 503", rec.Code)
	}
	// Liveness does not depend on the backend.
	if rec := testRequest(t, srv, "GET", "/healthz", nil); rec.Code != http.StatusOK {
		t.Errorf("GET /healthz status = %d, want 200", rec.Code)
	}
}

func TestHealthHeadEndpoint(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	rec := testRequest(t, srv, "HEAD", "/health", nil)

	if rec.Code != http.StatusOK {
		t.Errorf("HEAD /health status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestDocsEndpoint(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	rec := testRequest(t, srv, "GET", "/docs", nil)

	// Huma may return 200 directly or redirect to /docs/.
	if rec.Code == http.StatusMovedPermanently || rec.Code == http.StatusTemporaryRedirect {
		loc := rec.Header().Get("Location")
		if loc == "" {
			t.Fatal("GET /docs returned redirect but no Location header")
		}
		rec = testRequest(t, srv, "GET", loc, nil)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /docs status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/html") {
		t.Errorf("GET /docs Content-Type = %q, want text/html", ct)
	}
}

func TestOpenAPIEndpoint(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	rec := testRequest(t, srv, "GET", "/openapi.json", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("GET /openapi.json status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body struct {
		OpenAPI string                     `json:"openapi"`
		Paths   map[string]json.RawMessage `json:"paths"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("GET /openapi.json body is not valid JSON: %v", err)
	}
	if body.OpenAPI == "" {
		t.Error("GET /openapi.json response does not contain 'openapi' key")
	}
	for _, p := range []string{"/health", "/api/files", "/api/files/{id}", "/api/files/fetch", "/api/manifests"} {
		if _, ok := body.Paths[p]; !ok {
			t.Errorf("OpenAPI document is missing %s", p)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	// Vectors only appear in the exposition after an observation.
	testRequest(t, srv, "GET", "/health", nil)
	rec := testRequest(t, srv, "POST", "/upload?name=m.bin", strings.NewReader("0123456789abcdef!"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = testRequest(t, srv, "GET", "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics status = %d, want %d", rec.Code, http.StatusOK)
	}

	body := rec.Body.String()
	for _, name := range []string{
		"partstash_http_requests_total",
		"partstash_http_request_duration_seconds",
		"partstash_ingest_jobs_total",
		"partstash_ingest_bytes_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("GET /metrics does not contain %s", name)
		}
	}
	if !strings.Contains(body, `path="/upload"`) {
		t.Error("upload request not labelled with its route")
	}
}

func TestMetricsDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.Observability.Metrics = false
	srv := newTestServer(t, cfg, nil)

	if rec := testRequest(t, srv, "GET", "/metrics", nil); rec.Code != http.StatusNotFound {
		t.Errorf("GET /metrics with metrics disabled = %d, want 404", rec.Code)
	}
}

func TestCommonHeaders(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	rec := testRequest(t, srv, "GET", "/health", nil)

	if reqID := rec.Header().Get("X-Request-Id"); len(reqID) != 16 {
		t.Errorf("X-Request-Id = %q, want 16 hex characters", reqID)
	}
	if rec.Header().Get("Date") == "" {
		t.Error("Missing Date header")
	}
	if rec.Header().Get("Server") != "partstash" {
		t.Errorf("Server header = %q, want %q", rec.Header().Get("Server"), "partstash")
	}
}

func TestUploadAndDownloadThroughServer(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	data := bytes.Repeat([]byte("partstash "), 5)

	rec := testRequest(t, srv, "POST", "/upload?name=notes.txt", bytes.NewReader(data))
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d: %s", rec.Code, rec.Body.String())
	}
	var sum manifest.FileSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &sum); err != nil {
		t.Fatal(err)
	}
	if sum.PartCount != 7 {
		t.Errorf("part count = %d, want 7", sum.PartCount)
	}

	req := httptest.NewRequest("GET", "/download/"+sum.ID, nil)
	req.Header.Set("Range", "bytes=6-17")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("download status = %d", rec.Code)
	}
	if got := rec.Body.String(); got != string(data[6:18]) {
		t.Errorf("range body = %q, want %q", got, data[6:18])
	}
}

func TestShutdownWithoutListen(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown before ListenAndServe = %v", err)
	}
}
