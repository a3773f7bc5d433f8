package manifest

import (
	"context"
	"iter"
	"time"
)

// documentAPI is a document database holding one document per file, parts
// embedded. Firestore and Cosmos DB implement it.
type documentAPI interface {
	// Create stores a new document, or fails with Conflict.
	Create(ctx context.Context, f *LogicalFile) error
	// Get returns the document, or NotFound.
	Get(ctx context.Context, id string) (*LogicalFile, error)
	// Update reads the document, applies fn and writes the result back
	// atomically. Nothing is written when fn fails; its error is returned.
	Update(ctx context.Context, id string, fn func(*LogicalFile) error) error
	// Delete removes the document, or fails with NotFound.
	Delete(ctx context.Context, id string) error
	// List returns up to limit documents ordered by creation time then id,
	// strictly after the cursor when it is valid.
	List(ctx context.Context, after cursor, limit int) ([]*LogicalFile, error)
	Ping(ctx context.Context) error
	Close() error
}

// DocumentStore implements Store over a documentAPI.
type DocumentStore struct {
	docs documentAPI
}

func newDocumentStore(docs documentAPI) *DocumentStore {
	return &DocumentStore{docs: docs}
}

func (s *DocumentStore) Ping(ctx context.Context) error {
	return s.docs.Ping(ctx)
}

func (s *DocumentStore) Close() error {
	return s.docs.Close()
}

func (s *DocumentStore) CreateFile(ctx context.Context, req CreateRequest) (string, error) {
	f, err := newFile(req, time.Now())
	if err != nil {
		return "", err
	}
	if err := s.docs.Create(ctx, f); err != nil {
		return "", err
	}
	return f.ID, nil
}

func (s *DocumentStore) AppendPart(ctx context.Context, fileID string, part Part) error {
	return s.docs.Update(ctx, fileID, func(f *LogicalFile) error {
		return applyAppend(f, part)
	})
}

func (s *DocumentStore) CompleteFile(ctx context.Context, fileID string, totalSize int64) error {
	return s.docs.Update(ctx, fileID, func(f *LogicalFile) error {
		return applyComplete(f, totalSize, time.Now())
	})
}

func (s *DocumentStore) FailFile(ctx context.Context, fileID, reason string) error {
	return s.docs.Update(ctx, fileID, func(f *LogicalFile) error {
		return applyFail(f, reason)
	})
}

func (s *DocumentStore) GetManifest(ctx context.Context, fileID string) (*LogicalFile, error) {
	return s.docs.Get(ctx, fileID)
}

// ListFiles filters client side, so one page may take several List calls.
func (s *DocumentStore) ListFiles(ctx context.Context, q Query) iter.Seq2[FileSummary, error] {
	return paginate(ctx, q, func(ctx context.Context, after cursor, limit int) ([]FileSummary, error) {
		var page []FileSummary
		for {
			docs, err := s.docs.List(ctx, after, limit)
			if err != nil {
				return nil, err
			}
			for _, f := range docs {
				if sum := f.Summary(); q.matches(sum) {
					page = append(page, sum)
					if len(page) == limit {
						return page, nil
					}
				}
			}
			if len(docs) < limit {
				return page, nil
			}
			last := docs[len(docs)-1]
			after = cursor{createdAt: last.CreatedAt, id: last.ID, valid: true}
		}
	})
}

func (s *DocumentStore) DeleteFile(ctx context.Context, fileID string) error {
	return s.docs.Delete(ctx, fileID)
}

func (s *DocumentStore) Register(ctx context.Context, file *LogicalFile) error {
	f, err := prepareRegister(file, time.Now())
	if err != nil {
		return err
	}
	return s.docs.Create(ctx, f)
}
