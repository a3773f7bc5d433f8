package manifest

import (
	"context"
	"iter"
	"slices"
	"sync"
	"time"
)

// MemoryStore keeps manifests in a map. It is the engine for tests and the
// in-memory table behind LocalStore.
type MemoryStore struct {
	mu    sync.RWMutex
	files map[string]*LogicalFile
	now   func() time.Time

	// persist, when set, is called with the updated record (or the deleted
	// id) before a mutation is applied; an error aborts the mutation.
	persist func(f *LogicalFile, deletedID string) error
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files: make(map[string]*LogicalFile),
		now:   time.Now,
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) CreateFile(ctx context.Context, req CreateRequest) (string, error) {
	f, err := newFile(req, s.now())
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.files[f.ID]; exists {
		return "", conflict(f.ID)
	}
	if err := s.commit(f); err != nil {
		return "", err
	}
	return f.ID, nil
}

func (s *MemoryStore) AppendPart(ctx context.Context, fileID string, part Part) error {
	return s.mutate(fileID, func(f *LogicalFile) error {
		return applyAppend(f, part)
	})
}

func (s *MemoryStore) CompleteFile(ctx context.Context, fileID string, totalSize int64) error {
	return s.mutate(fileID, func(f *LogicalFile) error {
		return applyComplete(f, totalSize, s.now())
	})
}

func (s *MemoryStore) FailFile(ctx context.Context, fileID, reason string) error {
	return s.mutate(fileID, func(f *LogicalFile) error {
		return applyFail(f, reason)
	})
}

func (s *MemoryStore) GetManifest(ctx context.Context, fileID string) (*LogicalFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, exists := s.files[fileID]
	if !exists {
		return nil, notFound(fileID)
	}
	return f.Clone(), nil
}

func (s *MemoryStore) ListFiles(ctx context.Context, q Query) iter.Seq2[FileSummary, error] {
	return paginate(ctx, q, func(ctx context.Context, after cursor, limit int) ([]FileSummary, error) {
		s.mu.RLock()
		var page []FileSummary
		for _, f := range s.files {
			sum := f.Summary()
			if q.matches(sum) && after.before(sum) {
				page = append(page, sum)
			}
		}
		s.mu.RUnlock()

		slices.SortFunc(page, lessSummary)
		if len(page) > limit {
			page = page[:limit]
		}
		return page, nil
	})
}

func (s *MemoryStore) DeleteFile(ctx context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.files[fileID]; !exists {
		return notFound(fileID)
	}
	if s.persist != nil {
		if err := s.persist(nil, fileID); err != nil {
			return err
		}
	}
	delete(s.files, fileID)
	return nil
}

func (s *MemoryStore) Register(ctx context.Context, file *LogicalFile) error {
	f, err := prepareRegister(file, s.now())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.files[f.ID]; exists {
		return conflict(f.ID)
	}
	return s.commit(f)
}

// mutate applies fn to a copy of the record and commits it if fn succeeds,
// so a rejected mutation leaves the stored manifest unchanged.
func (s *MemoryStore) mutate(fileID string, fn func(*LogicalFile) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.files[fileID]
	if !exists {
		return notFound(fileID)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return err
	}
	return s.commit(next)
}

// commit persists and installs f. The caller holds s.mu.
func (s *MemoryStore) commit(f *LogicalFile) error {
	if s.persist != nil {
		if err := s.persist(f, ""); err != nil {
			return err
		}
	}
	s.files[f.ID] = f
	return nil
}

// load installs f without persisting. Used while replaying a log.
func (s *MemoryStore) load(f *LogicalFile) {
	s.files[f.ID] = f
}

// Len returns the number of stored manifests.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.files)
}
