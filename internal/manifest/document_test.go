package manifest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/partstash/partstash/internal/config"
	stasherr "github.com/partstash/partstash/internal/errors"
	"github.com/partstash/partstash/internal/uid"
)

// mockDocuments implements documentAPI in memory. Update holds the lock for
// the whole read-modify-write, as a database transaction would.
type mockDocuments struct {
	mu        sync.Mutex
	docs      map[string]*LogicalFile
	listCalls int
}

func newMockDocuments() *mockDocuments {
	return &mockDocuments{docs: make(map[string]*LogicalFile)}
}

func (m *mockDocuments) Create(ctx context.Context, f *LogicalFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[f.ID]; ok {
		return conflict(f.ID)
	}
	m.docs[f.ID] = f.Clone()
	return nil
}

func (m *mockDocuments) Get(ctx context.Context, id string) (*LogicalFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.docs[id]
	if !ok {
		return nil, notFound(id)
	}
	return f.Clone(), nil
}

func (m *mockDocuments) Update(ctx context.Context, id string, fn func(*LogicalFile) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.docs[id]
	if !ok {
		return notFound(id)
	}
	next := f.Clone()
	if err := fn(next); err != nil {
		return err
	}
	m.docs[id] = next
	return nil
}

func (m *mockDocuments) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return notFound(id)
	}
	delete(m.docs, id)
	return nil
}

func (m *mockDocuments) List(ctx context.Context, after cursor, limit int) ([]*LogicalFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	var out []*LogicalFile
	for _, f := range m.docs {
		if after.before(f.Summary()) {
			out = append(out, f.Clone())
		}
	}
	return truncateListing(out, limit), nil
}

func (m *mockDocuments) Ping(ctx context.Context) error { return nil }
func (m *mockDocuments) Close() error                   { return nil }

func TestDocumentListingRefillsFilteredPages(t *testing.T) {
	docs := newMockDocuments()
	s := newDocumentStore(docs)
	ctx := context.Background()
	for i := range 5 {
		s.CreateFile(ctx, CreateRequest{ID: fmt.Sprintf("open%d", i)})
	}
	seedComplete(t, s, "done1", "a", 1)
	seedComplete(t, s, "done2", "b", 1)

	docs.listCalls = 0
	got, err := Collect(s.ListFiles(ctx, Query{PageSize: 2}))
	if err != nil {
		t.Fatal(err)
	}
	if ids := summaryIDs(got); ids != "done1,done2" {
		t.Errorf("listing = %s", ids)
	}
	if docs.listCalls < 4 {
		t.Errorf("list calls = %d, expected the page to be refilled", docs.listCalls)
	}
}

func TestTruncateListingBreaksTiesByID(t *testing.T) {
	at := time.UnixMilli(1000).UTC()
	docs := []*LogicalFile{
		{ID: "c", CreatedAt: at},
		{ID: "z", CreatedAt: at.Add(time.Millisecond)},
		{ID: "a", CreatedAt: at},
		{ID: "b", CreatedAt: at},
	}
	got := truncateListing(docs, 3)
	var ids []string
	for _, f := range got {
		ids = append(ids, f.ID)
	}
	if fmt.Sprint(ids) != "[a b c]" {
		t.Errorf("order = %v", ids)
	}
}

func TestFirestoreErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want *stasherr.Error
	}{
		{"not found", status.Error(codes.NotFound, "no doc"), stasherr.ErrNotFound},
		{"exists", status.Error(codes.AlreadyExists, "dup"), stasherr.ErrConflict},
		{"aborted", status.Error(codes.Aborted, "contention"), stasherr.ErrTransient},
		{"unavailable", status.Error(codes.Unavailable, "down"), stasherr.ErrTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := firestoreErr("get", "f", tt.err); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want kind %v", err, tt.want)
			}
		})
	}
	if err := firestoreErr("get", "f", nil); err != nil {
		t.Errorf("nil error mapped to %v", err)
	}
	if err := firestoreErr("get", "f", context.Canceled); !errors.Is(err, context.Canceled) {
		t.Errorf("context error lost: %v", err)
	}
}

func TestCosmosErr(t *testing.T) {
	tests := []struct {
		status int
		want   *stasherr.Error
	}{
		{http.StatusNotFound, stasherr.ErrNotFound},
		{http.StatusConflict, stasherr.ErrConflict},
		{http.StatusTooManyRequests, stasherr.ErrTransient},
		{http.StatusServiceUnavailable, stasherr.ErrTransient},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := cosmosErr("read", "f", &azcore.ResponseError{StatusCode: tt.status})
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want kind %v", err, tt.want)
			}
		})
	}
	if got := cosmosStatus(fmt.Errorf("wrapped: %w", &azcore.ResponseError{StatusCode: 412})); got != 412 {
		t.Errorf("cosmosStatus = %d, want 412", got)
	}
}

func TestDocumentEncodingKeepsMillisecondTimes(t *testing.T) {
	f := &LogicalFile{
		ID:          "f",
		State:       StateComplete,
		CreatedAt:   time.UnixMilli(1700000000123).UTC(),
		CompletedAt: time.UnixMilli(1700000000456).UTC(),
		Parts:       []Part{part(0, 3)},
		TotalSize:   3,
	}
	fromFirestore := toFirestoreDoc(f).file()
	fromCosmos := toCosmosItem(f).file()
	for name, got := range map[string]*LogicalFile{"firestore": fromFirestore, "cosmos": fromCosmos} {
		if !got.CreatedAt.Equal(f.CreatedAt) || !got.CompletedAt.Equal(f.CompletedAt) || got.Parts[0] != f.Parts[0] {
			t.Errorf("%s: decoded %+v", name, got)
		}
	}

	open := toFirestoreDoc(&LogicalFile{ID: "g", CreatedAt: f.CreatedAt}).file()
	if !open.CompletedAt.IsZero() || open.Parts == nil {
		t.Errorf("open file decoded as %+v", open)
	}
}

// TestFirestoreEmulator runs against a local emulator when
// FIRESTORE_EMULATOR_HOST is set.
func TestFirestoreEmulator(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	ctx := context.Background()
	s, err := NewFirestoreStore(ctx, config.FirestoreConfig{Project: "partstash-test", Collection: "t" + uid.New()})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	seedComplete(t, s, "f1", "one", 5, 3)
	if err := s.AppendPart(ctx, "f1", part(2, 1)); !errors.Is(err, stasherr.ErrAlreadyComplete) {
		t.Errorf("append after complete: %v", err)
	}
	f, err := s.GetManifest(ctx, "f1")
	if err != nil {
		t.Fatal(err)
	}
	if f.TotalSize != 8 || len(f.Parts) != 2 {
		t.Errorf("manifest = %+v", f)
	}
	got, err := Collect(s.ListFiles(ctx, Query{PageSize: 1}))
	if err != nil || len(got) != 1 {
		t.Errorf("listing = %v, %v", summaryIDs(got), err)
	}
}
