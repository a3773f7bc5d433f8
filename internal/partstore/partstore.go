// Package partstore defines the contract between the chunked storage engine
// and the remote object backend that holds part payloads, plus the backend
// implementations (memory, local filesystem, SQLite, S3, GCS, Azure Blob and
// the Telegram Bot API).
package partstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	stasherr "github.com/partstash/partstash/internal/errors"
)

// PartRef is the opaque, immutable handle a backend issues for an uploaded
// part. A backend never issues the same PartRef for two distinct payloads.
type PartRef string

// PartStore uploads part payloads and reads them back by range. All methods
// must be safe for concurrent use.
type PartStore interface {
	// Upload stores size bytes from payload under a human-readable name and
	// returns the handle for it. Errors are classified Transient (network,
	// 5xx, rate limit) or Fatal (payload rejected). Upload may seek payload
	// back to the start, so a retried call re-sends the same bytes.
	Upload(ctx context.Context, name string, payload io.ReadSeeker, size int64) (PartRef, error)

	// OpenRange opens length bytes of the part starting at offset. A length
	// of -1 reads to the end of the part, so (0, -1) is the whole part. The
	// caller must close the returned stream.
	OpenRange(ctx context.Context, ref PartRef, offset, length int64) (io.ReadCloser, error)
}

// Deleter is implemented by backends that can remove a part.
type Deleter interface {
	Delete(ctx context.Context, ref PartRef) error
}

// Limiter is implemented by backends with a per-object size ceiling.
type Limiter interface {
	MaxPartSize() int64
}

// HealthChecker is implemented by backends that can check connectivity.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckRangeArgs rejects negative offsets and lengths below -1.
func CheckRangeArgs(offset, length int64) error {
	if offset < 0 {
		return stasherr.ErrInvalidArgument.WithMessage("negative part offset %d", offset)
	}
	if length < -1 {
		return stasherr.ErrInvalidArgument.WithMessage("invalid part length %d", length)
	}
	return nil
}

// ClampRange resolves (offset, length) against a part of known size and
// returns the concrete length to read. It fails with RangeNotSatisfiable if
// the range extends past the end of the part.
func ClampRange(offset, length, size int64) (int64, error) {
	if err := CheckRangeArgs(offset, length); err != nil {
		return 0, err
	}
	if offset > size {
		return 0, stasherr.ErrRangeNotSatisfiable.WithMessage("offset %d beyond part size %d", offset, size)
	}
	if length == -1 {
		return size - offset, nil
	}
	if offset+length > size {
		return 0, stasherr.ErrRangeNotSatisfiable.WithMessage("range %d+%d beyond part size %d", offset, length, size)
	}
	return length, nil
}

// readCloser pairs a Reader with the Closer of the stream it reads from.
type readCloser struct {
	io.Reader
	io.Closer
}

// SliceReader turns a stream of the whole part into a stream of
// [offset, offset+length). It is the fallback for backends or responses
// without partial fetch: the skipped prefix is read and discarded. A length
// of -1 keeps everything after offset.
func SliceReader(rc io.ReadCloser, offset, length int64) (io.ReadCloser, error) {
	if offset > 0 {
		n, err := io.CopyN(io.Discard, rc, offset)
		if err != nil {
			rc.Close()
			if err == io.EOF {
				return nil, stasherr.ErrRangeNotSatisfiable.WithMessage("offset %d beyond part size %d", offset, n)
			}
			return nil, stasherr.ErrTransient.WithCause(fmt.Errorf("skipping to offset %d: %w", offset, err))
		}
	}
	if length < 0 {
		return rc, nil
	}
	return ExactReader(rc, length), nil
}

// ExactReader limits rc to n bytes and reports io.ErrUnexpectedEOF if the
// underlying stream ends before n bytes were read.
func ExactReader(rc io.ReadCloser, n int64) io.ReadCloser {
	return &exactReader{rc: rc, remaining: n}
}

type exactReader struct {
	rc        io.ReadCloser
	remaining int64
}

func (r *exactReader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := r.rc.Read(p)
	r.remaining -= int64(n)
	if err == io.EOF && r.remaining > 0 {
		return n, io.ErrUnexpectedEOF
	}
	if r.remaining == 0 && err == io.EOF {
		err = nil
	}
	return n, err
}

func (r *exactReader) Close() error {
	return r.rc.Close()
}

// RemoteBody wraps a response body from a network backend so that a failed
// read is reported as Transient: the connection broke, and reopening the
// range at the same offset may succeed. io.EOF, context errors and errors
// that are already classified pass through unchanged.
func RemoteBody(rc io.ReadCloser) io.ReadCloser {
	return &remoteBody{rc: rc}
}

type remoteBody struct {
	rc io.ReadCloser
}

func (r *remoteBody) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if err == nil || err == io.EOF {
		return n, err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return n, err
	}
	var se *stasherr.Error
	if errors.As(err, &se) {
		return n, err
	}
	return n, stasherr.ErrTransient.WithMessage("reading part body: %v", err).WithCause(err)
}

func (r *remoteBody) Close() error {
	return r.rc.Close()
}
