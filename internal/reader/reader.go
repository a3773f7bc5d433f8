// Package reader serves byte ranges of complete logical files by mapping
// them onto the parts that hold them and streaming those parts in order.
package reader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	stasherr "github.com/partstash/partstash/internal/errors"
	"github.com/partstash/partstash/internal/manifest"
	"github.com/partstash/partstash/internal/metrics"
	"github.com/partstash/partstash/internal/partstore"
	"github.com/partstash/partstash/internal/retry"
)

// Reader resolves file ranges against the manifest store and reads them
// from the PartStore.
type Reader struct {
	parts  partstore.PartStore
	store  manifest.Store
	policy retry.Policy
}

// New returns a Reader. policy bounds retries of part opens and of
// mid-stream read failures.
func New(parts partstore.PartStore, store manifest.Store, policy retry.Policy) *Reader {
	if policy.MaxAttempts < 1 {
		policy = retry.DefaultPolicy()
	}
	return &Reader{parts: parts, store: store, policy: policy}
}

// Stat returns the manifest of a complete file, or NotFound.
func (r *Reader) Stat(ctx context.Context, fileID string) (*manifest.LogicalFile, error) {
	f, err := r.store.GetManifest(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if !f.Complete() {
		return nil, stasherr.ErrNotFound.WithMessage("file %q is not complete", fileID)
	}
	if sum := f.PartsSize(); sum != f.TotalSize {
		return nil, stasherr.ErrSizeMismatch.WithMessage(
			"file %q parts sum to %d, total size is %d", fileID, sum, f.TotalSize)
	}
	return f, nil
}

// OpenRange opens the requested range of a complete file. Nothing is
// fetched until the first Read. The stream yields exactly
// ResolvedRange.Length() bytes or fails; closing it cancels any fetch in
// progress.
func (r *Reader) OpenRange(ctx context.Context, fileID string, spec RangeSpec) (io.ReadCloser, ResolvedRange, error) {
	f, err := r.Stat(ctx, fileID)
	if err != nil {
		return nil, ResolvedRange{}, err
	}
	rr, err := Resolve(spec, f.TotalSize)
	if err != nil {
		return nil, rr, err
	}
	return r.openResolved(ctx, f, rr), rr, nil
}

// OpenManifest streams a range of an already loaded manifest.
func (r *Reader) OpenManifest(ctx context.Context, f *manifest.LogicalFile, rr ResolvedRange) io.ReadCloser {
	return r.openResolved(ctx, f, rr)
}

func (r *Reader) openResolved(ctx context.Context, f *manifest.LogicalFile, rr ResolvedRange) io.ReadCloser {
	sctx, cancel := context.WithCancel(ctx)
	s := &stream{
		ctx:     sctx,
		cancel:  cancel,
		parts:   r.parts,
		policy:  r.policy,
		fileID:  f.ID,
		fetches: PlanFetches(f.Parts, rr.Start, rr.End),
	}
	slog.Debug("read stream opened",
		"file_id", f.ID,
		"start", rr.Start,
		"end", rr.End,
		"fetches", len(s.fetches),
	)
	return s
}

// stream reads its fetches one at a time, reopening the current part at
// the first unread byte after a failed read.
type stream struct {
	ctx    context.Context
	cancel context.CancelFunc
	parts  partstore.PartStore
	policy retry.Policy
	fileID string

	fetches  []Fetch
	cur      int
	consumed int64
	rc       io.ReadCloser
	failures int
	err      error
	closed   bool
}

func (s *stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if s.err != nil {
			return 0, s.err
		}
		if s.cur >= len(s.fetches) {
			return 0, io.EOF
		}
		f := s.fetches[s.cur]

		if s.rc == nil {
			if err := s.open(f); err != nil {
				s.err = err
				return 0, err
			}
		}

		want := f.Length - s.consumed
		if int64(len(p)) > want {
			p = p[:want]
		}
		n, err := s.rc.Read(p)
		s.consumed += int64(n)
		metrics.BytesServedTotal.Add(float64(n))
		if n > 0 {
			s.failures = 0
		}

		if s.consumed == f.Length {
			s.closeCurrent()
			s.cur++
			s.consumed = 0
		} else if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			if rerr := s.recover(f, err); rerr != nil {
				s.err = rerr
				if n > 0 {
					return n, nil
				}
				return 0, rerr
			}
		}
		if n > 0 {
			return n, nil
		}
	}
}

// open opens the unread remainder of f, retrying transient failures.
func (s *stream) open(f Fetch) error {
	offset := f.Offset + s.consumed
	length := f.Length - s.consumed
	err := s.policy.Do(s.ctx, "fetch", func(ctx context.Context, attempt int) error {
		rc, err := s.parts.OpenRange(ctx, f.Ref, offset, length)
		if err != nil {
			return err
		}
		s.rc = rc
		return nil
	})
	if err != nil {
		return fmt.Errorf("opening part %d of %q: %w", f.PartIndex, s.fileID, err)
	}
	return nil
}

// recover handles a failed read of the current part. It returns nil if the
// stream should reopen the part and continue. Only Transient errors are
// retried, as on the open path; network backends classify broken response
// bodies through partstore.RemoteBody.
func (s *stream) recover(f Fetch, err error) error {
	s.closeCurrent()
	if cerr := s.ctx.Err(); cerr != nil {
		return cerr
	}
	if !stasherr.IsTransient(err) {
		return fmt.Errorf("reading part %d of %q: %w", f.PartIndex, s.fileID, err)
	}

	s.failures++
	if s.failures >= s.policy.MaxAttempts {
		return stasherr.ErrTransient.WithMessage(
			"reading part %d of %q failed after %d attempts", f.PartIndex, s.fileID, s.failures).WithCause(err)
	}
	metrics.RetriesTotal.WithLabelValues("read").Inc()
	slog.Warn("part read failed, reopening",
		"file_id", s.fileID,
		"part", f.PartIndex,
		"offset", f.Offset+s.consumed,
		"attempt", s.failures,
		"error", err,
	)
	return retry.Wait(s.ctx, s.policy.Backoff(s.failures+1))
}

func (s *stream) closeCurrent() {
	if s.rc != nil {
		s.rc.Close()
		s.rc = nil
	}
}

// Close stops the stream and records how it ended.
func (s *stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	s.closeCurrent()

	result := "complete"
	switch {
	case s.err != nil && !errors.Is(s.err, context.Canceled):
		result = "failed"
	case s.cur < len(s.fetches):
		result = "aborted"
	}
	metrics.ReadStreamsTotal.WithLabelValues(result).Inc()
	return nil
}
