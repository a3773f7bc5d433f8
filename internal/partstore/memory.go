package partstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	stasherr "github.com/partstash/partstash/internal/errors"
	"github.com/partstash/partstash/internal/uid"
)

// MemoryBackend keeps part payloads in a map. It is intended for tests and
// ephemeral deployments; nothing survives a restart.
type MemoryBackend struct {
	mu      sync.RWMutex
	parts   map[PartRef][]byte
	maxSize int64
}

// NewMemoryBackend creates an empty MemoryBackend. maxPartSize of zero means
// no per-part ceiling.
func NewMemoryBackend(maxPartSize int64) *MemoryBackend {
	return &MemoryBackend{
		parts:   make(map[PartRef][]byte),
		maxSize: maxPartSize,
	}
}

// Upload copies the payload into memory under a fresh ref.
func (b *MemoryBackend) Upload(ctx context.Context, name string, payload io.ReadSeeker, size int64) (PartRef, error) {
	if b.maxSize > 0 && size > b.maxSize {
		return "", stasherr.ErrPayloadTooLarge.WithMessage("part %q is %d bytes, limit %d", name, size, b.maxSize)
	}
	if _, err := payload.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewinding payload: %w", err)
	}
	data, err := io.ReadAll(io.LimitReader(payload, size))
	if err != nil {
		return "", fmt.Errorf("reading payload: %w", err)
	}
	if int64(len(data)) != size {
		return "", stasherr.ErrSizeMismatch.WithMessage("payload has %d bytes, declared %d", len(data), size)
	}

	ref := PartRef("mem-" + uid.New())
	b.mu.Lock()
	b.parts[ref] = data
	b.mu.Unlock()
	return ref, nil
}

// OpenRange returns a reader over a copy-free view of the stored payload.
func (b *MemoryBackend) OpenRange(ctx context.Context, ref PartRef, offset, length int64) (io.ReadCloser, error) {
	b.mu.RLock()
	data, ok := b.parts[ref]
	b.mu.RUnlock()
	if !ok {
		return nil, stasherr.ErrNotFound.WithMessage("part %q not found", ref)
	}
	n, err := ClampRange(offset, length, int64(len(data)))
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data[offset : offset+n])), nil
}

// Delete removes a part. Unknown refs are ignored.
func (b *MemoryBackend) Delete(ctx context.Context, ref PartRef) error {
	b.mu.Lock()
	delete(b.parts, ref)
	b.mu.Unlock()
	return nil
}

// MaxPartSize returns the configured ceiling, or zero for none.
func (b *MemoryBackend) MaxPartSize() int64 {
	return b.maxSize
}

// Len returns the number of stored parts.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.parts)
}
