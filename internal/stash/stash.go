// Package stash is the boundary the HTTP layer and the operator CLI talk
// to. It owns the PartStore, the manifest store, the chunker and the range
// reader, and runs background URL ingests.
package stash

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"

	"github.com/partstash/partstash/internal/chunker"
	"github.com/partstash/partstash/internal/config"
	stasherr "github.com/partstash/partstash/internal/errors"
	"github.com/partstash/partstash/internal/manifest"
	"github.com/partstash/partstash/internal/partstore"
	"github.com/partstash/partstash/internal/reader"
	"github.com/partstash/partstash/internal/retry"
	"github.com/partstash/partstash/internal/source"
	"github.com/partstash/partstash/internal/uid"
)

// Options configures a Stash built from already opened engines.
type Options struct {
	Ingest chunker.Options
	// Fetcher opens URL sources. Nil uses a default HTTP fetcher.
	Fetcher *source.Fetcher
	// Closers are released by Close after the manifest store.
	Closers []io.Closer
}

// Stash wires ingest and read paths over one PartStore and manifest Store.
type Stash struct {
	parts   partstore.PartStore
	store   manifest.Store
	chunker *chunker.Chunker
	reader  *reader.Reader
	fetcher *source.Fetcher
	policy  retry.Policy
	closers []io.Closer

	bgCtx    context.Context
	bgCancel context.CancelFunc
	jobs     sync.WaitGroup

	mu      sync.Mutex
	fetches map[string]*FetchStatus

	closeOnce sync.Once
	closeErr  error
}

// New builds a Stash. It takes ownership of store and opts.Closers.
func New(parts partstore.PartStore, store manifest.Store, opts Options) (*Stash, error) {
	c, err := chunker.New(parts, store, opts.Ingest)
	if err != nil {
		return nil, err
	}
	policy := opts.Ingest.Retry
	if policy.MaxAttempts < 1 {
		policy = retry.DefaultPolicy()
	}
	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = source.NewFetcher(nil, policy)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &Stash{
		parts:    parts,
		store:    store,
		chunker:  c,
		reader:   reader.New(parts, store, policy),
		fetcher:  fetcher,
		policy:   policy,
		closers:  opts.Closers,
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
		fetches:  make(map[string]*FetchStatus),
	}, nil
}

// Open constructs the PartStore and manifest engine selected by cfg and
// returns a Stash over them.
func Open(ctx context.Context, cfg *config.Config) (*Stash, error) {
	parts, partsCloser, err := partstore.Open(ctx, cfg.PartStore)
	if err != nil {
		return nil, fmt.Errorf("opening part store: %w", err)
	}
	store, err := manifest.Open(ctx, cfg.Manifest)
	if err != nil {
		partsCloser.Close()
		return nil, fmt.Errorf("opening manifest store: %w", err)
	}

	s, err := New(parts, store, Options{
		Ingest:  chunker.OptionsFromConfig(cfg.Ingest),
		Closers: []io.Closer{partsCloser},
	})
	if err != nil {
		store.Close()
		partsCloser.Close()
		return nil, err
	}
	return s, nil
}

// MaxPartSize is the configured part size.
func (s *Stash) MaxPartSize() int64 {
	return s.chunker.MaxPartSize()
}

// Store exposes the manifest store for export and import.
func (s *Stash) Store() manifest.Store {
	return s.store
}

// BeginIngest starts a streaming ingest. The caller writes to the job and
// then calls Finish or Abort.
func (s *Stash) BeginIngest(ctx context.Context, name string, opts chunker.IngestOptions) (*chunker.Job, error) {
	return s.chunker.Begin(ctx, name, opts)
}

// Ingest stores everything read from r as a new file.
func (s *Stash) Ingest(ctx context.Context, name string, r io.Reader, opts chunker.IngestOptions) (*manifest.LogicalFile, error) {
	return s.chunker.Ingest(ctx, name, r, opts)
}

// IngestURL downloads rawURL into a new file. An empty name uses the name
// suggested by the source.
func (s *Stash) IngestURL(ctx context.Context, rawURL, name string, opts chunker.IngestOptions) (*manifest.LogicalFile, error) {
	src, err := s.fetcher.Open(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer src.Body.Close()

	if name == "" {
		name = src.Name
	}
	if opts.ContentType == "" {
		opts.ContentType = src.ContentType
	}
	if opts.ExpectedSize <= 0 && src.Size > 0 {
		opts.ExpectedSize = src.Size
	}
	return s.chunker.Ingest(ctx, name, src.Body, opts)
}

// FetchStatus reports a background URL ingest.
type FetchStatus struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Done bool   `json:"done"`
	// Error is set when the fetch failed, including before the file
	// record was created.
	Error string `json:"error,omitempty"`
}

// StartURLIngest runs IngestURL in the background and returns the id the
// file will have. The job survives the caller's context and stops at Close.
func (s *Stash) StartURLIngest(rawURL, name string) (string, error) {
	if err := s.bgCtx.Err(); err != nil {
		return "", stasherr.ErrInternal.WithMessage("stash is closed")
	}
	id := uid.New()
	st := &FetchStatus{ID: id, URL: rawURL}
	s.mu.Lock()
	s.fetches[id] = st
	s.mu.Unlock()

	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		_, err := s.IngestURL(s.bgCtx, rawURL, name, chunker.IngestOptions{ID: id})

		s.mu.Lock()
		st.Done = true
		if err != nil {
			st.Error = err.Error()
		}
		s.mu.Unlock()
		if err != nil {
			slog.Warn("background fetch failed", "file_id", id, "url", rawURL, "error", err)
		}
	}()
	return id, nil
}

// Fetch returns a snapshot of a background URL ingest started by this
// process.
func (s *Stash) Fetch(id string) (FetchStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.fetches[id]
	if !ok {
		return FetchStatus{}, false
	}
	return *st, true
}

// OpenForRead opens a byte range of a complete file.
func (s *Stash) OpenForRead(ctx context.Context, fileID string, spec reader.RangeSpec) (io.ReadCloser, reader.ResolvedRange, error) {
	return s.reader.OpenRange(ctx, fileID, spec)
}

// StatComplete returns the manifest of a readable file.
func (s *Stash) StatComplete(ctx context.Context, fileID string) (*manifest.LogicalFile, error) {
	return s.reader.Stat(ctx, fileID)
}

// OpenManifest streams a range of a manifest returned by StatComplete.
func (s *Stash) OpenManifest(ctx context.Context, f *manifest.LogicalFile, rr reader.ResolvedRange) io.ReadCloser {
	return s.reader.OpenManifest(ctx, f, rr)
}

// Stat returns the manifest of a file in any state.
func (s *Stash) Stat(ctx context.Context, fileID string) (*manifest.LogicalFile, error) {
	return s.store.GetManifest(ctx, fileID)
}

// ListFiles lists file summaries.
func (s *Stash) ListFiles(ctx context.Context, q manifest.Query) iter.Seq2[manifest.FileSummary, error] {
	return s.store.ListFiles(ctx, q)
}

// Register records an externally uploaded, complete manifest after
// checking it against the configured part size.
func (s *Stash) Register(ctx context.Context, f *manifest.LogicalFile) error {
	if err := manifest.Validate(f, s.MaxPartSize()); err != nil {
		return err
	}
	return s.store.Register(ctx, f)
}

// FailInterrupted marks every in-progress file failed. It runs when the
// server starts, since no ingest survives a restart; it must not run while
// another process is ingesting into the same manifest store.
func (s *Stash) FailInterrupted(ctx context.Context) (int, error) {
	var stale []string
	for f, err := range s.store.ListFiles(ctx, manifest.Query{IncludeIncomplete: true}) {
		if err != nil {
			return 0, err
		}
		if f.State == manifest.StateInProgress {
			stale = append(stale, f.ID)
		}
	}
	for _, id := range stale {
		if err := s.store.FailFile(ctx, id, "ingest interrupted by restart"); err != nil {
			return 0, fmt.Errorf("failing interrupted file %q: %w", id, err)
		}
		slog.Info("marked interrupted ingest failed", "file_id", id)
	}
	return len(stale), nil
}

// DeleteResult reports what Delete removed.
type DeleteResult struct {
	PartsDeleted int `json:"parts_deleted"`
	// PartsKept counts parts left on the backend, because it cannot
	// delete or the delete failed.
	PartsKept int `json:"parts_kept"`
}

// Delete removes a file record. With purge set, it also deletes the
// file's parts from backends that support it; part delete failures are
// logged and counted, not returned.
func (s *Stash) Delete(ctx context.Context, fileID string, purge bool) (*DeleteResult, error) {
	f, err := s.store.GetManifest(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if err := s.store.DeleteFile(ctx, fileID); err != nil {
		return nil, err
	}

	res := &DeleteResult{PartsKept: len(f.Parts)}
	if !purge || len(f.Parts) == 0 {
		return res, nil
	}
	d, ok := deleterOf(s.parts)
	if !ok {
		slog.Info("backend cannot delete parts, leaving them in place", "file_id", fileID, "parts", len(f.Parts))
		return res, nil
	}
	for _, p := range f.Parts {
		if err := d.Delete(ctx, partstore.PartRef(p.Ref)); err != nil {
			slog.Warn("deleting part", "file_id", fileID, "part", p.Index, "error", err)
			continue
		}
		res.PartsDeleted++
		res.PartsKept--
	}
	return res, nil
}

func deleterOf(ps partstore.PartStore) (partstore.Deleter, bool) {
	if in, ok := ps.(*partstore.Instrumented); ok {
		if _, ok := in.Unwrap().(partstore.Deleter); !ok {
			return nil, false
		}
		return in, true
	}
	d, ok := ps.(partstore.Deleter)
	return d, ok
}

// Check is the outcome of one dependency health check.
type Check struct {
	Name string
	Err  error
}

// Checks pings the manifest engine and, when it supports it, the backend.
func (s *Stash) Checks(ctx context.Context) []Check {
	checks := []Check{{Name: "manifest", Err: s.store.Ping(ctx)}}
	if h, ok := s.parts.(partstore.HealthChecker); ok {
		checks = append(checks, Check{Name: "partstore", Err: h.HealthCheck(ctx)})
	}
	return checks
}

// Health returns the first failing check.
func (s *Stash) Health(ctx context.Context) error {
	for _, c := range s.Checks(ctx) {
		if c.Err != nil {
			return fmt.Errorf("%s: %w", c.Name, c.Err)
		}
	}
	return nil
}

// Close stops background fetches, waits for them and releases the
// engines.
func (s *Stash) Close() error {
	s.closeOnce.Do(func() {
		s.bgCancel()
		s.jobs.Wait()

		errs := []error{s.store.Close()}
		for _, c := range s.closers {
			errs = append(errs, c.Close())
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
