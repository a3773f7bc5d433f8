package manifest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/partstash/partstash/internal/config"
)

const localLogFile = "files.jsonl"

// jsonlEntry is one line of the manifest log. The last entry for an id
// wins; a deleted entry removes the record.
type jsonlEntry struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Data    json.RawMessage `json:"data,omitempty"`
	Deleted bool            `json:"_deleted,omitempty"`

	file *LogicalFile
}

// LocalStore persists manifests as an append-only JSONL log under a root
// directory, replayed into memory at startup. Every mutation appends the
// full updated record and fsyncs before it becomes visible.
type LocalStore struct {
	*MemoryStore

	logMu     sync.Mutex
	rootDir   string
	compactOn bool
	file      *os.File
	// size is the log length after the last successful append.
	size int64
}

// NewLocalStore opens (or creates) the log under cfg.RootDir and replays it.
// A torn final line left by a crash is cut off before new entries are
// appended.
func NewLocalStore(cfg config.LocalManifestConfig) (*LocalStore, error) {
	if cfg.RootDir == "" {
		cfg.RootDir = "./data/manifest"
	}
	if err := os.MkdirAll(cfg.RootDir, 0755); err != nil {
		return nil, fmt.Errorf("creating manifest directory: %w", err)
	}

	s := &LocalStore{
		MemoryStore: NewMemoryStore(),
		rootDir:     cfg.RootDir,
		compactOn:   cfg.CompactOnStartup,
	}

	logPath := filepath.Join(s.rootDir, localLogFile)
	good, err := s.loadJSONLFile(logPath)
	if err != nil {
		return nil, fmt.Errorf("loading manifest log: %w", err)
	}
	if s.compactOn {
		if err := s.compact(); err != nil {
			return nil, fmt.Errorf("compacting manifest log: %w", err)
		}
	}

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening manifest log: %w", err)
	}
	if err := s.repairTail(f, good); err != nil {
		f.Close()
		return nil, fmt.Errorf("repairing manifest log: %w", err)
	}
	s.file = f
	s.MemoryStore.persist = s.appendEntry

	slog.Info("local manifest store opened", "dir", s.rootDir, "files", s.Len())
	return s, nil
}

// logTail describes the end of a replayed log.
type logTail struct {
	// end is the offset just past the last entry that was applied.
	end int64
	// unterminated is set when that entry has no trailing newline.
	unterminated bool
}

// loadJSONLFile replays the log at path. Only the final line may be
// unreadable; anything before it is corruption and fails the load.
func (s *LocalStore) loadJSONLFile(path string) (logTail, error) {
	var tail logTail
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return tail, nil
	}
	if err != nil {
		return tail, err
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	var offset int64
	lineNo := 0
	for {
		raw, readErr := r.ReadBytes('\n')
		if len(raw) == 0 && readErr != nil {
			if readErr == io.EOF {
				return tail, nil
			}
			return tail, readErr
		}
		lineNo++
		offset += int64(len(raw))
		terminated := raw[len(raw)-1] == '\n'

		line := bytes.TrimSpace(raw)
		if len(line) == 0 {
			tail = logTail{end: offset, unterminated: !terminated}
			continue
		}
		entry, err := decodeEntry(line)
		if err != nil {
			if _, peekErr := r.Peek(1); peekErr == io.EOF {
				// A write torn by a crash; everything before it is intact.
				slog.Warn("dropping torn manifest log tail", "line", lineNo, "error", err)
				return tail, nil
			}
			return tail, fmt.Errorf("line %d: %w", lineNo, err)
		}
		s.apply(entry)
		tail = logTail{end: offset, unterminated: !terminated}

		if readErr == io.EOF {
			return tail, nil
		}
		if readErr != nil {
			return tail, readErr
		}
	}
}

// decodeEntry parses one log line, including the embedded record.
func decodeEntry(line []byte) (*jsonlEntry, error) {
	var entry jsonlEntry
	if err := json.Unmarshal(line, &entry); err != nil {
		return nil, err
	}
	if entry.ID == "" {
		return nil, fmt.Errorf("entry without id")
	}
	if entry.Deleted {
		return &entry, nil
	}
	var file LogicalFile
	if err := json.Unmarshal(entry.Data, &file); err != nil {
		return nil, fmt.Errorf("record %q: %w", entry.ID, err)
	}
	if file.Parts == nil {
		file.Parts = []Part{}
	}
	entry.file = &file
	return &entry, nil
}

func (s *LocalStore) apply(entry *jsonlEntry) {
	if entry.Deleted {
		delete(s.files, entry.ID)
		return
	}
	s.load(entry.file)
}

// repairTail cuts f back to the end of the last applied entry and makes
// sure it ends with a newline. After compaction the log is already clean.
func (s *LocalStore) repairTail(f *os.File, tail logTail) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if !s.compactOn {
		if size > tail.end {
			slog.Warn("truncating manifest log", "from", size, "to", tail.end)
			if err := f.Truncate(tail.end); err != nil {
				return err
			}
			size = tail.end
		}
		if tail.unterminated && size > 0 {
			if _, err := f.Write([]byte{'\n'}); err != nil {
				return err
			}
			size++
		}
		if err := f.Sync(); err != nil {
			return err
		}
	}
	s.size = size
	return nil
}

// appendEntry writes one record to the log and fsyncs it. f is nil for a
// deletion of deletedID. A failed write is truncated away so the next
// entry starts on a clean line.
func (s *LocalStore) appendEntry(f *LogicalFile, deletedID string) error {
	entry := jsonlEntry{Type: "file"}
	if f == nil {
		entry.ID = deletedID
		entry.Deleted = true
	} else {
		entry.ID = f.ID
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		entry.Data = data
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	s.logMu.Lock()
	defer s.logMu.Unlock()
	if s.file == nil {
		return fmt.Errorf("manifest log is closed")
	}
	if _, err := s.file.Write(line); err != nil {
		s.rollback()
		return fmt.Errorf("appending manifest log: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		s.rollback()
		return fmt.Errorf("syncing manifest log: %w", err)
	}
	s.size += int64(len(line))
	return nil
}

// rollback drops a partially written entry. The caller holds s.logMu.
func (s *LocalStore) rollback() {
	if err := s.file.Truncate(s.size); err != nil {
		slog.Error("truncating manifest log after failed write", "error", err)
	}
}

// compact rewrites the log with one entry per live record.
func (s *LocalStore) compact() error {
	s.mu.RLock()
	files := make([]*LogicalFile, 0, len(s.files))
	for _, f := range s.files {
		files = append(files, f)
	}
	s.mu.RUnlock()

	slices.SortFunc(files, func(a, b *LogicalFile) int {
		return lessSummary(a.Summary(), b.Summary())
	})

	return s.writeCompactFile(localLogFile, func(w *bufio.Writer) error {
		for _, f := range files {
			data, err := json.Marshal(f)
			if err != nil {
				return err
			}
			if err := writeJSONLLine(w, jsonlEntry{Type: "file", ID: f.ID, Data: data}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *LocalStore) writeCompactFile(filename string, writeFunc func(*bufio.Writer) error) error {
	path := filepath.Join(s.rootDir, filename)
	tmpPath := path + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	err = writeFunc(w)
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = f.Sync()
	}
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	f.Close()

	return os.Rename(tmpPath, path)
}

func writeJSONLLine(w *bufio.Writer, entry jsonlEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

// Ping checks the log is still open.
func (s *LocalStore) Ping(ctx context.Context) error {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	if s.file == nil {
		return fmt.Errorf("manifest log is closed")
	}
	return nil
}

// Close closes the log. Mutations after Close fail.
func (s *LocalStore) Close() error {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
