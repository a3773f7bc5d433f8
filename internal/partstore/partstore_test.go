package partstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	stasherr "github.com/partstash/partstash/internal/errors"
)

// backendFactories builds each self-contained backend.
func backendFactories(t *testing.T) map[string]PartStore {
	t.Helper()
	local, err := NewLocalBackend(filepath.Join(t.TempDir(), "parts"))
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}
	sqliteBackend, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "parts.db"))
	if err != nil {
		t.Fatalf("NewSQLiteBackend: %v", err)
	}
	t.Cleanup(func() { sqliteBackend.Close() })

	return map[string]PartStore{
		"memory": NewMemoryBackend(0),
		"local":  local,
		"sqlite": sqliteBackend,
	}
}

func readAll(t *testing.T, rc io.ReadCloser) []byte {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading stream: %v", err)
	}
	return data
}

func TestBackendsRoundTrip(t *testing.T) {
	ctx := context.Background()
	payload := []byte("0123456789abcdefghij")

	for name, ps := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			ref, err := ps.Upload(ctx, "movie.mkv.part000000", bytes.NewReader(payload), int64(len(payload)))
			if err != nil {
				t.Fatalf("Upload: %v", err)
			}
			if ref == "" {
				t.Fatal("Upload returned empty ref")
			}

			tests := []struct {
				offset, length int64
				want           string
			}{
				{0, -1, string(payload)},
				{0, 20, string(payload)},
				{5, 3, "567"},
				{10, -1, "abcdefghij"},
				{19, 1, "j"},
				{20, 0, ""},
			}
			for _, tt := range tests {
				rc, err := ps.OpenRange(ctx, ref, tt.offset, tt.length)
				if err != nil {
					t.Fatalf("OpenRange(%d, %d): %v", tt.offset, tt.length, err)
				}
				if got := string(readAll(t, rc)); got != tt.want {
					t.Errorf("OpenRange(%d, %d) = %q, want %q", tt.offset, tt.length, got, tt.want)
				}
			}
		})
	}
}

func TestBackendsRangeErrors(t *testing.T) {
	ctx := context.Background()
	payload := []byte("hello")

	for name, ps := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			ref, err := ps.Upload(ctx, "p", bytes.NewReader(payload), 5)
			if err != nil {
				t.Fatalf("Upload: %v", err)
			}

			if _, err := ps.OpenRange(ctx, ref, 3, 5); !errors.Is(err, stasherr.ErrRangeNotSatisfiable) {
				t.Errorf("range past end: expected RangeNotSatisfiable, got %v", err)
			}
			if _, err := ps.OpenRange(ctx, ref, -1, 2); !errors.Is(err, stasherr.ErrInvalidArgument) {
				t.Errorf("negative offset: expected InvalidArgument, got %v", err)
			}
			if _, err := ps.OpenRange(ctx, "0123456789abcdef0123456789abcdef", 0, -1); !errors.Is(err, stasherr.ErrNotFound) {
				t.Errorf("unknown ref: expected NotFound, got %v", err)
			}
		})
	}
}

func TestBackendsDistinctRefs(t *testing.T) {
	ctx := context.Background()
	for name, ps := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			a, err := ps.Upload(ctx, "same-name", strings.NewReader("aaa"), 3)
			if err != nil {
				t.Fatal(err)
			}
			b, err := ps.Upload(ctx, "same-name", strings.NewReader("bbb"), 3)
			if err != nil {
				t.Fatal(err)
			}
			if a == b {
				t.Fatalf("two payloads received the same ref %q", a)
			}
			rc, err := ps.OpenRange(ctx, a, 0, -1)
			if err != nil {
				t.Fatal(err)
			}
			if got := string(readAll(t, rc)); got != "aaa" {
				t.Errorf("first part = %q, want aaa", got)
			}
		})
	}
}

func TestBackendsUploadRewindsPayload(t *testing.T) {
	ctx := context.Background()
	for name, ps := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			r := strings.NewReader("payload")
			// Simulate a failed attempt that consumed the reader.
			io.Copy(io.Discard, r)

			ref, err := ps.Upload(ctx, "p", r, 7)
			if err != nil {
				t.Fatalf("Upload: %v", err)
			}
			rc, err := ps.OpenRange(ctx, ref, 0, -1)
			if err != nil {
				t.Fatal(err)
			}
			if got := string(readAll(t, rc)); got != "payload" {
				t.Errorf("got %q, want payload", got)
			}
		})
	}
}

func TestBackendsShortPayload(t *testing.T) {
	ctx := context.Background()
	for name, ps := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			_, err := ps.Upload(ctx, "p", strings.NewReader("abc"), 10)
			if !errors.Is(err, stasherr.ErrSizeMismatch) {
				t.Errorf("expected SizeMismatch for short payload, got %v", err)
			}
		})
	}
}

func TestMemoryBackendLimit(t *testing.T) {
	b := NewMemoryBackend(4)
	_, err := b.Upload(context.Background(), "big", strings.NewReader("12345"), 5)
	if !errors.Is(err, stasherr.ErrFatal) {
		t.Fatalf("expected Fatal, got %v", err)
	}
	if b.Len() != 0 {
		t.Errorf("rejected upload must not be stored")
	}
}

func TestLocalBackendCleanTempFiles(t *testing.T) {
	b, err := NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	leftover := filepath.Join(b.RootDir, ".tmp", "tmp-crashed")
	if err := writeFile(leftover, "partial"); err != nil {
		t.Fatal(err)
	}
	if err := b.CleanTempFiles(); err != nil {
		t.Fatalf("CleanTempFiles: %v", err)
	}
	if fileExists(leftover) {
		t.Error("temp file survived CleanTempFiles")
	}
}

func TestLocalBackendRejectsTraversal(t *testing.T) {
	b, err := NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.OpenRange(context.Background(), "../../etc/passwd", 0, -1); !errors.Is(err, stasherr.ErrNotFound) {
		t.Errorf("expected NotFound for traversal ref, got %v", err)
	}
}

func TestClampRange(t *testing.T) {
	tests := []struct {
		offset, length, size int64
		want                 int64
		kind                 stasherr.Kind
	}{
		{0, -1, 10, 10, 0},
		{4, -1, 10, 6, 0},
		{4, 6, 10, 6, 0},
		{10, -1, 10, 0, 0},
		{4, 7, 10, 0, stasherr.KindRangeNotSatisfiable},
		{11, -1, 10, 0, stasherr.KindRangeNotSatisfiable},
		{-1, 1, 10, 0, stasherr.KindInvalidArgument},
		{0, -2, 10, 0, stasherr.KindInvalidArgument},
	}
	for _, tt := range tests {
		got, err := ClampRange(tt.offset, tt.length, tt.size)
		if tt.kind != 0 {
			if stasherr.KindOf(err) != tt.kind {
				t.Errorf("ClampRange(%d,%d,%d) err = %v, want kind %v", tt.offset, tt.length, tt.size, err, tt.kind)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ClampRange(%d,%d,%d) = %d, %v; want %d", tt.offset, tt.length, tt.size, got, err, tt.want)
		}
	}
}

func TestSliceReader(t *testing.T) {
	whole := io.NopCloser(strings.NewReader("0123456789"))
	rc, err := SliceReader(whole, 3, 4)
	if err != nil {
		t.Fatalf("SliceReader: %v", err)
	}
	if got := string(readAll(t, rc)); got != "3456" {
		t.Errorf("got %q, want 3456", got)
	}

	rc, err = SliceReader(io.NopCloser(strings.NewReader("0123456789")), 7, -1)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(readAll(t, rc)); got != "789" {
		t.Errorf("got %q, want 789", got)
	}

	if _, err := SliceReader(io.NopCloser(strings.NewReader("0123")), 9, 1); !errors.Is(err, stasherr.ErrRangeNotSatisfiable) {
		t.Errorf("expected RangeNotSatisfiable, got %v", err)
	}
}

func TestExactReaderShortStream(t *testing.T) {
	rc := ExactReader(io.NopCloser(strings.NewReader("abc")), 5)
	_, err := io.ReadAll(rc)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}

	rc = ExactReader(io.NopCloser(strings.NewReader("abcdef")), 4)
	if got := string(readAll(t, rc)); got != "abcd" {
		t.Errorf("got %q, want abcd", got)
	}
}

func TestInstrumentedForwards(t *testing.T) {
	inner := NewMemoryBackend(8)
	ps := Instrument(inner, "memory")
	ref, err := ps.Upload(context.Background(), "p", strings.NewReader("abc"), 3)
	if err != nil {
		t.Fatal(err)
	}
	rc, err := ps.OpenRange(context.Background(), ref, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(readAll(t, rc)); got != "bc" {
		t.Errorf("got %q, want bc", got)
	}
	if ps.MaxPartSize() != 8 {
		t.Errorf("MaxPartSize = %d, want 8", ps.MaxPartSize())
	}
	if ps.Unwrap() != PartStore(inner) {
		t.Error("Unwrap must return the inner store")
	}
	if err := ps.Delete(context.Background(), ref); err != nil {
		t.Fatal(err)
	}
	if _, err := ps.OpenRange(context.Background(), ref, 0, -1); err == nil {
		t.Error("part still readable after Delete")
	}
}

type failingBody struct{ err error }

func (f failingBody) Read([]byte) (int, error) { return 0, f.err }
func (failingBody) Close() error                { return nil }

func TestRemoteBodyClassifiesReadErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"short body", io.ErrUnexpectedEOF, true},
		{"eof", io.EOF, false},
		{"cancelled", context.Canceled, false},
		{"already fatal", stasherr.ErrFatal.WithMessage("rejected"), false},
	}
	for _, tt := range tests {
		_, err := RemoteBody(failingBody{tt.err}).Read(make([]byte, 4))
		if got := stasherr.IsTransient(err); got != tt.transient {
			t.Errorf("%s: IsTransient(%v) = %v, want %v", tt.name, err, got, tt.transient)
		}
		if !errors.Is(err, tt.err) {
			t.Errorf("%s: cause lost: %v", tt.name, err)
		}
	}
}
