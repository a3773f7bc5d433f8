package chunker

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// spool accumulates one part's payload. It stays in memory up to
// memLimit bytes and moves to a temp file beyond that, so a part near the
// backend ceiling never has to fit in RAM. The BLAKE3 checksum is computed
// as bytes arrive.
type spool struct {
	memLimit int64
	dir      string

	mem    []byte
	file   *os.File
	size   int64
	hasher *blake3.Hasher
}

func newSpool(memLimit int64, dir string) *spool {
	return &spool{
		memLimit: memLimit,
		dir:      dir,
		hasher:   blake3.New(),
	}
}

func (s *spool) Len() int64 {
	return s.size
}

func (s *spool) Write(p []byte) (int, error) {
	if s.file == nil && s.size+int64(len(p)) > s.memLimit {
		if err := s.moveToFile(); err != nil {
			return 0, err
		}
	}

	var (
		n   int
		err error
	)
	if s.file != nil {
		n, err = s.file.Write(p)
	} else {
		s.mem = append(s.mem, p...)
		n = len(p)
	}
	s.hasher.Write(p[:n])
	s.size += int64(n)
	return n, err
}

func (s *spool) moveToFile() error {
	f, err := os.CreateTemp(s.dir, "partstash-spool-*")
	if err != nil {
		return fmt.Errorf("creating spool file: %w", err)
	}
	if _, err := f.Write(s.mem); err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("writing spool file: %w", err)
	}
	s.file = f
	s.mem = nil
	return nil
}

// Reader returns a rewindable view of the buffered payload.
func (s *spool) Reader() io.ReadSeeker {
	if s.file != nil {
		return io.NewSectionReader(s.file, 0, s.size)
	}
	return bytes.NewReader(s.mem)
}

// Sum returns the lowercase hex BLAKE3-256 of the buffered payload.
func (s *spool) Sum() string {
	return hex.EncodeToString(s.hasher.Sum(nil))
}

// Reset empties the spool for the next part, keeping its allocation.
func (s *spool) Reset() error {
	s.size = 0
	s.hasher.Reset()
	if s.file != nil {
		if err := s.file.Truncate(0); err != nil {
			return fmt.Errorf("truncating spool file: %w", err)
		}
		if _, err := s.file.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewinding spool file: %w", err)
		}
		return nil
	}
	s.mem = s.mem[:0]
	return nil
}

// Close releases the buffer and removes the temp file, if any.
func (s *spool) Close() error {
	s.mem = nil
	if s.file == nil {
		return nil
	}
	name := s.file.Name()
	err := s.file.Close()
	s.file = nil
	if rerr := os.Remove(name); rerr != nil && err == nil {
		err = rerr
	}
	return err
}
