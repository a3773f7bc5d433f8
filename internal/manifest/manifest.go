// Package manifest defines the durable record of a logical file's ordered
// parts and the storage engines that persist it: SQLite, Pebble, a local
// JSONL log, memory, DynamoDB, Firestore and Cosmos DB.
package manifest

import (
	"context"
	"iter"
	"strings"
	"time"

	stasherr "github.com/partstash/partstash/internal/errors"
	"github.com/partstash/partstash/internal/uid"
)

// State is the lifecycle state of a logical file.
type State string

const (
	StateInProgress State = "in_progress"
	StateComplete   State = "complete"
	StateFailed     State = "failed"
)

// DefaultContentType is recorded when a file is created without one.
const DefaultContentType = "application/octet-stream"

// DefaultPageSize is the number of summaries ListFiles fetches per page.
const DefaultPageSize = 100

// Part is one uploaded slice of a logical file.
type Part struct {
	// Index is the zero-based position of the part.
	Index int `json:"index"`
	// Ref is the opaque backend handle for the payload.
	Ref string `json:"ref"`
	// Size is the exact payload length in bytes.
	Size int64 `json:"size"`
	// Checksum is the lowercase hex BLAKE3-256 of the payload, if known.
	Checksum string `json:"checksum,omitempty"`
}

// LogicalFile is the manifest of one stored file.
type LogicalFile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	ContentType string `json:"content_type"`
	// TotalSize is the number of bytes committed so far while in progress,
	// and the verified sum of part sizes once complete.
	TotalSize     int64     `json:"total_size"`
	State         State     `json:"state"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	CompletedAt   time.Time `json:"completed_at,omitzero"`
	Parts         []Part    `json:"parts"`
}

// Complete reports whether the file has been finalized.
func (f *LogicalFile) Complete() bool {
	return f.State == StateComplete
}

// PartsSize returns the sum of the recorded part sizes.
func (f *LogicalFile) PartsSize() int64 {
	var n int64
	for _, p := range f.Parts {
		n += p.Size
	}
	return n
}

// Clone returns a deep copy of f.
func (f *LogicalFile) Clone() *LogicalFile {
	cp := *f
	cp.Parts = append([]Part(nil), f.Parts...)
	return &cp
}

// Summary returns the listing view of f.
func (f *LogicalFile) Summary() FileSummary {
	return FileSummary{
		ID:          f.ID,
		DisplayName: f.DisplayName,
		ContentType: f.ContentType,
		TotalSize:   f.TotalSize,
		State:       f.State,
		PartCount:   len(f.Parts),
		CreatedAt:   f.CreatedAt,
		CompletedAt: f.CompletedAt,
	}
}

// FileSummary is the listing view of a logical file, without its parts.
type FileSummary struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	ContentType string    `json:"content_type"`
	TotalSize   int64     `json:"total_size"`
	State       State     `json:"state"`
	PartCount   int       `json:"part_count"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// CreateRequest describes a new file shell.
type CreateRequest struct {
	// ID is the caller-assigned identifier; empty generates one.
	ID          string
	DisplayName string
	ContentType string
}

// Query filters ListFiles.
type Query struct {
	// NameContains is a case-insensitive substring of the display name.
	NameContains string
	// IncludeIncomplete also lists in-progress and failed files.
	IncludeIncomplete bool
	// PageSize is the number of rows fetched per round trip; zero means
	// DefaultPageSize.
	PageSize int
}

// Store is the durable mapping from file id to manifest. Implementations
// are safe for concurrent use. AppendPart requires external serialization
// per file: exactly one ingest job owns a file while it is in progress.
type Store interface {
	// CreateFile records an empty in-progress file and returns its id.
	CreateFile(ctx context.Context, req CreateRequest) (string, error)
	// AppendPart appends the next part. It fails with OutOfOrder unless
	// part.Index equals the current part count, NotFound for an unknown
	// file, and AlreadyComplete once the file is finalized or failed.
	AppendPart(ctx context.Context, fileID string, part Part) error
	// CompleteFile finalizes the file. It fails with SizeMismatch, leaving
	// the file in progress, if totalSize is not the sum of part sizes.
	CompleteFile(ctx context.Context, fileID string, totalSize int64) error
	// FailFile marks an in-progress file failed.
	FailFile(ctx context.Context, fileID, reason string) error
	// GetManifest returns a copy of the file's manifest.
	GetManifest(ctx context.Context, fileID string) (*LogicalFile, error)
	// ListFiles lazily yields summaries ordered by creation time then id.
	// The sequence may be iterated again to restart the listing.
	ListFiles(ctx context.Context, q Query) iter.Seq2[FileSummary, error]
	// DeleteFile removes the record. Remote parts are left in place.
	DeleteFile(ctx context.Context, fileID string) error
	// Register stores a complete, externally built manifest.
	Register(ctx context.Context, file *LogicalFile) error
	// Ping checks the engine is reachable.
	Ping(ctx context.Context) error
	// Close releases the engine's resources.
	Close() error
}

// newFile builds the shell recorded by CreateFile.
func newFile(req CreateRequest, now time.Time) (*LogicalFile, error) {
	id := req.ID
	if id == "" {
		id = uid.New()
	} else if !uid.Valid(id) {
		return nil, stasherr.ErrInvalidArgument.WithMessage("invalid file id %q", id)
	}
	ct := req.ContentType
	if ct == "" {
		ct = DefaultContentType
	}
	return &LogicalFile{
		ID:          id,
		DisplayName: req.DisplayName,
		ContentType: ct,
		State:       StateInProgress,
		CreatedAt:   stamp(now),
		Parts:       []Part{},
	}, nil
}

// stamp normalizes a timestamp to the millisecond UTC precision every
// engine can store and compare exactly.
func stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

func notFound(fileID string) error {
	return stasherr.ErrNotFound.WithMessage("file %q does not exist", fileID)
}

func conflict(fileID string) error {
	return stasherr.ErrConflict.WithMessage("file %q already exists", fileID)
}

// checkMutable rejects mutations of finalized or failed files.
func checkMutable(f *LogicalFile) error {
	switch f.State {
	case StateComplete:
		return stasherr.ErrAlreadyComplete.WithMessage("file %q is already complete", f.ID)
	case StateFailed:
		return stasherr.ErrAlreadyComplete.WithMessage("file %q has failed: %s", f.ID, f.FailureReason)
	}
	return nil
}

// applyAppend validates part against f and appends it in place.
func applyAppend(f *LogicalFile, part Part) error {
	if err := checkAppend(f, len(f.Parts), part); err != nil {
		return err
	}
	f.Parts = append(f.Parts, part)
	f.TotalSize += part.Size
	return nil
}

// checkAppend validates part as the next part of f, which has partCount
// parts so far.
func checkAppend(f *LogicalFile, partCount int, part Part) error {
	if err := checkMutable(f); err != nil {
		return err
	}
	if part.Index != partCount {
		return stasherr.ErrOutOfOrder.WithMessage("file %q: got part index %d, expected %d", f.ID, part.Index, partCount)
	}
	if part.Size <= 0 {
		return stasherr.ErrInvalidArgument.WithMessage("file %q: part %d has size %d", f.ID, part.Index, part.Size)
	}
	if part.Ref == "" {
		return stasherr.ErrInvalidArgument.WithMessage("file %q: part %d has no ref", f.ID, part.Index)
	}
	return nil
}

// applyComplete finalizes f in place.
func applyComplete(f *LogicalFile, totalSize int64, now time.Time) error {
	return completeWithSum(f, f.PartsSize(), totalSize, now)
}

// completeWithSum finalizes f given the sum of its recorded part sizes.
func completeWithSum(f *LogicalFile, sum, totalSize int64, now time.Time) error {
	if err := checkMutable(f); err != nil {
		return err
	}
	if sum != totalSize {
		return stasherr.ErrSizeMismatch.WithMessage("file %q: total size %d does not match part sizes sum %d", f.ID, totalSize, sum)
	}
	f.TotalSize = totalSize
	f.State = StateComplete
	f.CompletedAt = stamp(now)
	return nil
}

// applyFail marks f failed in place.
func applyFail(f *LogicalFile, reason string) error {
	if err := checkMutable(f); err != nil {
		return err
	}
	f.State = StateFailed
	f.FailureReason = reason
	return nil
}

// prepareRegister validates an external manifest and returns the copy to
// store.
func prepareRegister(file *LogicalFile, now time.Time) (*LogicalFile, error) {
	if file == nil {
		return nil, stasherr.ErrInvalidArgument.WithMessage("nil manifest")
	}
	if err := Validate(file, 0); err != nil {
		return nil, err
	}
	f := file.Clone()
	f.State = StateComplete
	f.FailureReason = ""
	if f.ContentType == "" {
		f.ContentType = DefaultContentType
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	if f.CompletedAt.IsZero() {
		f.CompletedAt = now
	}
	f.CreatedAt = stamp(f.CreatedAt)
	f.CompletedAt = stamp(f.CompletedAt)
	return f, nil
}

// matches reports whether s passes the filter of q.
func (q Query) matches(s FileSummary) bool {
	if !q.IncludeIncomplete && s.State != StateComplete {
		return false
	}
	if q.NameContains != "" && !strings.Contains(strings.ToLower(s.DisplayName), strings.ToLower(q.NameContains)) {
		return false
	}
	return true
}

func (q Query) pageSize() int {
	if q.PageSize <= 0 {
		return DefaultPageSize
	}
	return q.PageSize
}

// cursor is the keyset position of the last summary yielded.
type cursor struct {
	createdAt time.Time
	id        string
	valid     bool
}

func (c cursor) before(s FileSummary) bool {
	if !c.valid {
		return true
	}
	if !s.CreatedAt.Equal(c.createdAt) {
		return s.CreatedAt.After(c.createdAt)
	}
	return s.ID > c.id
}

func lessSummary(a, b FileSummary) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// paginate turns a page fetcher into a lazy listing. Each page is fetched
// only when the previous one is exhausted, so a consumer that stops early
// never pays for the rest. Iterating the result again restarts from the
// first page.
func paginate(ctx context.Context, q Query, fetch func(ctx context.Context, after cursor, limit int) ([]FileSummary, error)) iter.Seq2[FileSummary, error] {
	return func(yield func(FileSummary, error) bool) {
		limit := q.pageSize()
		var after cursor
		for {
			if err := ctx.Err(); err != nil {
				yield(FileSummary{}, err)
				return
			}
			page, err := fetch(ctx, after, limit)
			if err != nil {
				yield(FileSummary{}, err)
				return
			}
			for _, s := range page {
				if !yield(s, nil) {
					return
				}
			}
			if len(page) < limit {
				return
			}
			last := page[len(page)-1]
			after = cursor{createdAt: last.CreatedAt, id: last.ID, valid: true}
		}
	}
}

// Collect drains a listing into a slice.
func Collect(seq iter.Seq2[FileSummary, error]) ([]FileSummary, error) {
	var out []FileSummary
	for s, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, s)
	}
	return out, nil
}
