package manifest

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/fxamacker/cbor/v2"

	stasherr "github.com/partstash/partstash/internal/errors"
)

var (
	prefixFile    = []byte("f:")
	prefixCreated = []byte("c:")
)

// pebbleRecord is the CBOR encoding of a LogicalFile. Timestamps are Unix
// milliseconds; zero means unset.
type pebbleRecord struct {
	ID            string       `cbor:"1,keyasint"`
	DisplayName   string       `cbor:"2,keyasint"`
	ContentType   string       `cbor:"3,keyasint"`
	TotalSize     int64        `cbor:"4,keyasint"`
	State         string       `cbor:"5,keyasint"`
	FailureReason string       `cbor:"6,keyasint,omitempty"`
	CreatedAt     int64        `cbor:"7,keyasint"`
	CompletedAt   int64        `cbor:"8,keyasint,omitempty"`
	Parts         []pebblePart `cbor:"9,keyasint"`
}

type pebblePart struct {
	Index    int    `cbor:"1,keyasint"`
	Ref      string `cbor:"2,keyasint"`
	Size     int64  `cbor:"3,keyasint"`
	Checksum string `cbor:"4,keyasint,omitempty"`
}

// PebbleStore persists manifests in a Pebble database. Each file is one
// CBOR record under f:<id>, plus an ordering key c:<created ms><id>.
// Mutations are read-modify-write under a mutex and committed with a synced
// batch.
type PebbleStore struct {
	mu      sync.Mutex
	db      *pebble.DB
	encMode cbor.EncMode
}

// NewPebbleStore opens (or creates) the database in dir.
func NewPebbleStore(dir string) (*PebbleStore, error) {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("building CBOR encoder: %w", err)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}
	return &PebbleStore{db: db, encMode: em}, nil
}

func (s *PebbleStore) Ping(ctx context.Context) error {
	_, closer, err := s.db.Get([]byte("ping"))
	if err == nil {
		closer.Close()
	}
	if err != nil && !errors.Is(err, pebble.ErrNotFound) {
		return err
	}
	return nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

func fileKey(id string) []byte {
	return append(append([]byte(nil), prefixFile...), id...)
}

func createdKey(createdAt time.Time, id string) []byte {
	k := make([]byte, 0, len(prefixCreated)+8+len(id))
	k = append(k, prefixCreated...)
	k = binary.BigEndian.AppendUint64(k, uint64(createdAt.UnixMilli()))
	return append(k, id...)
}

func (s *PebbleStore) encode(f *LogicalFile) ([]byte, error) {
	rec := pebbleRecord{
		ID:            f.ID,
		DisplayName:   f.DisplayName,
		ContentType:   f.ContentType,
		TotalSize:     f.TotalSize,
		State:         string(f.State),
		FailureReason: f.FailureReason,
		CreatedAt:     f.CreatedAt.UnixMilli(),
		Parts:         make([]pebblePart, len(f.Parts)),
	}
	if !f.CompletedAt.IsZero() {
		rec.CompletedAt = f.CompletedAt.UnixMilli()
	}
	for i, p := range f.Parts {
		rec.Parts[i] = pebblePart{Index: p.Index, Ref: p.Ref, Size: p.Size, Checksum: p.Checksum}
	}
	return s.encMode.Marshal(&rec)
}

func decodeRecord(b []byte) (*LogicalFile, error) {
	var rec pebbleRecord
	if err := cbor.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("decoding manifest record: %w", err)
	}
	f := &LogicalFile{
		ID:            rec.ID,
		DisplayName:   rec.DisplayName,
		ContentType:   rec.ContentType,
		TotalSize:     rec.TotalSize,
		State:         State(rec.State),
		FailureReason: rec.FailureReason,
		CreatedAt:     time.UnixMilli(rec.CreatedAt).UTC(),
		Parts:         make([]Part, len(rec.Parts)),
	}
	if rec.CompletedAt != 0 {
		f.CompletedAt = time.UnixMilli(rec.CompletedAt).UTC()
	}
	for i, p := range rec.Parts {
		f.Parts[i] = Part{Index: p.Index, Ref: p.Ref, Size: p.Size, Checksum: p.Checksum}
	}
	return f, nil
}

// get loads a record, or returns NotFound.
func (s *PebbleStore) get(fileID string) (*LogicalFile, error) {
	val, closer, err := s.db.Get(fileKey(fileID))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, notFound(fileID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading manifest %q: %w", fileID, err)
	}
	defer closer.Close()
	return decodeRecord(val)
}

// insert writes a new record and its ordering key in one synced batch.
func (s *PebbleStore) insert(f *LogicalFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.get(f.ID); err == nil {
		return conflict(f.ID)
	} else if !errors.Is(err, stasherr.ErrNotFound) {
		return err
	}

	val, err := s.encode(f)
	if err != nil {
		return err
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(fileKey(f.ID), val, nil); err != nil {
		return err
	}
	if err := batch.Set(createdKey(f.CreatedAt, f.ID), nil, nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (s *PebbleStore) mutate(fileID string, fn func(*LogicalFile) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.get(fileID)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		return err
	}
	val, err := s.encode(f)
	if err != nil {
		return err
	}
	return s.db.Set(fileKey(fileID), val, pebble.Sync)
}

func (s *PebbleStore) CreateFile(ctx context.Context, req CreateRequest) (string, error) {
	f, err := newFile(req, time.Now())
	if err != nil {
		return "", err
	}
	if err := s.insert(f); err != nil {
		return "", err
	}
	return f.ID, nil
}

func (s *PebbleStore) AppendPart(ctx context.Context, fileID string, part Part) error {
	return s.mutate(fileID, func(f *LogicalFile) error {
		return applyAppend(f, part)
	})
}

func (s *PebbleStore) CompleteFile(ctx context.Context, fileID string, totalSize int64) error {
	return s.mutate(fileID, func(f *LogicalFile) error {
		return applyComplete(f, totalSize, time.Now())
	})
}

func (s *PebbleStore) FailFile(ctx context.Context, fileID, reason string) error {
	return s.mutate(fileID, func(f *LogicalFile) error {
		return applyFail(f, reason)
	})
}

func (s *PebbleStore) GetManifest(ctx context.Context, fileID string) (*LogicalFile, error) {
	return s.get(fileID)
}

func (s *PebbleStore) ListFiles(ctx context.Context, q Query) iter.Seq2[FileSummary, error] {
	return paginate(ctx, q, func(ctx context.Context, after cursor, limit int) ([]FileSummary, error) {
		it, err := s.db.NewIter(&pebble.IterOptions{
			LowerBound: prefixCreated,
			UpperBound: incrementByte(prefixCreated),
		})
		if err != nil {
			return nil, fmt.Errorf("listing manifests: %w", err)
		}
		defer it.Close()

		valid := it.First()
		if after.valid {
			start := createdKey(after.createdAt, after.id)
			valid = it.SeekGE(start)
			if valid && bytes.Equal(it.Key(), start) {
				valid = it.Next()
			}
		}

		var page []FileSummary
		for ; valid && len(page) < limit; valid = it.Next() {
			id := string(it.Key()[len(prefixCreated)+8:])
			f, err := s.get(id)
			if errors.Is(err, stasherr.ErrNotFound) {
				// Deleted between the index scan and the read.
				continue
			}
			if err != nil {
				return nil, err
			}
			if sum := f.Summary(); q.matches(sum) {
				page = append(page, sum)
			}
		}
		return page, it.Error()
	})
}

func (s *PebbleStore) DeleteFile(ctx context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.get(fileID)
	if err != nil {
		return err
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(fileKey(fileID), nil); err != nil {
		return err
	}
	if err := batch.Delete(createdKey(f.CreatedAt, fileID), nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (s *PebbleStore) Register(ctx context.Context, file *LogicalFile) error {
	f, err := prepareRegister(file, time.Now())
	if err != nil {
		return err
	}
	return s.insert(f)
}

func incrementByte(b []byte) []byte {
	res := make([]byte, len(b))
	copy(res, b)
	for i := len(res) - 1; i >= 0; i-- {
		res[i]++
		if res[i] != 0 {
			return res
		}
	}
	return nil
}
