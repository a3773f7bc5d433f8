package partstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	stasherr "github.com/partstash/partstash/internal/errors"
	"github.com/partstash/partstash/internal/uid"
)

// LocalBackend stores each part as one file under RootDir, sharded by the
// first two characters of its ref. Writes follow the crash-only pattern:
// temp file, fsync, rename.
type LocalBackend struct {
	// RootDir is the base directory for part files.
	RootDir string
}

// NewLocalBackend creates a LocalBackend rooted at rootDir, creating the root
// and its .tmp directory if needed.
func NewLocalBackend(rootDir string) (*LocalBackend, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating part root directory %q: %w", rootDir, err)
	}
	tmpDir := filepath.Join(rootDir, ".tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory %q: %w", tmpDir, err)
	}
	return &LocalBackend{RootDir: rootDir}, nil
}

// CleanTempFiles removes leftovers of writes interrupted by a crash. It is
// called once at startup.
func (b *LocalBackend) CleanTempFiles() error {
	tmpDir := filepath.Join(b.RootDir, ".tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(tmpDir, entry.Name()))
		}
	}
	return nil
}

func (b *LocalBackend) partPath(ref PartRef) (string, error) {
	s := string(ref)
	if len(s) < 3 || !uid.Valid(s) {
		return "", stasherr.ErrNotFound.WithMessage("malformed local part ref %q", ref)
	}
	return filepath.Join(b.RootDir, s[:2], s), nil
}

// Upload writes the payload to a new part file.
func (b *LocalBackend) Upload(ctx context.Context, name string, payload io.ReadSeeker, size int64) (PartRef, error) {
	if _, err := payload.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewinding payload: %w", err)
	}

	ref := PartRef(uid.New())
	finalPath, err := b.partPath(ref)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return "", fmt.Errorf("creating shard directory: %w", err)
	}

	tmpPath := filepath.Join(b.RootDir, ".tmp", "tmp-"+uid.New())
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}

	written, err := io.Copy(tmpFile, io.LimitReader(payload, size))
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("writing part %q: %w", name, err)
	}
	if written != size {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", stasherr.ErrSizeMismatch.WithMessage("payload has %d bytes, declared %d", written, size)
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("renaming temp file to final path: %w", err)
	}
	return ref, nil
}

// OpenRange opens the part file and returns a section reader over the range.
func (b *LocalBackend) OpenRange(ctx context.Context, ref PartRef, offset, length int64) (io.ReadCloser, error) {
	path, err := b.partPath(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, stasherr.ErrNotFound.WithMessage("part %q not found", ref)
		}
		return nil, fmt.Errorf("opening part %q: %w", ref, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat part %q: %w", ref, err)
	}
	n, err := ClampRange(offset, length, info.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	return readCloser{Reader: io.NewSectionReader(f, offset, n), Closer: f}, nil
}

// Delete removes the part file. Missing files are not an error.
func (b *LocalBackend) Delete(ctx context.Context, ref PartRef) error {
	path, err := b.partPath(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing part %q: %w", ref, err)
	}
	return nil
}

// HealthCheck verifies the root directory is reachable.
func (b *LocalBackend) HealthCheck(ctx context.Context) error {
	if _, err := os.Stat(b.RootDir); err != nil {
		return fmt.Errorf("part root directory: %w", err)
	}
	return nil
}
