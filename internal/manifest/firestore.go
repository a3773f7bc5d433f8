package manifest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/partstash/partstash/internal/config"
	stasherr "github.com/partstash/partstash/internal/errors"
)

// firestoreDoc is the stored form of a LogicalFile. Timestamps are Unix
// milliseconds so the listing order is exact.
type firestoreDoc struct {
	ID            string          `firestore:"id"`
	DisplayName   string          `firestore:"display_name"`
	ContentType   string          `firestore:"content_type"`
	TotalSize     int64           `firestore:"total_size"`
	State         string          `firestore:"state"`
	FailureReason string          `firestore:"failure_reason,omitempty"`
	CreatedAt     int64           `firestore:"created_at"`
	CompletedAt   int64           `firestore:"completed_at,omitempty"`
	Parts         []firestorePart `firestore:"parts"`
}

type firestorePart struct {
	Index    int    `firestore:"index"`
	Ref      string `firestore:"ref"`
	Size     int64  `firestore:"size"`
	Checksum string `firestore:"checksum,omitempty"`
}

func toFirestoreDoc(f *LogicalFile) *firestoreDoc {
	d := &firestoreDoc{
		ID:            f.ID,
		DisplayName:   f.DisplayName,
		ContentType:   f.ContentType,
		TotalSize:     f.TotalSize,
		State:         string(f.State),
		FailureReason: f.FailureReason,
		CreatedAt:     f.CreatedAt.UnixMilli(),
		Parts:         make([]firestorePart, len(f.Parts)),
	}
	if !f.CompletedAt.IsZero() {
		d.CompletedAt = f.CompletedAt.UnixMilli()
	}
	for i, p := range f.Parts {
		d.Parts[i] = firestorePart{Index: p.Index, Ref: p.Ref, Size: p.Size, Checksum: p.Checksum}
	}
	return d
}

func (d *firestoreDoc) file() *LogicalFile {
	f := &LogicalFile{
		ID:            d.ID,
		DisplayName:   d.DisplayName,
		ContentType:   d.ContentType,
		TotalSize:     d.TotalSize,
		State:         State(d.State),
		FailureReason: d.FailureReason,
		CreatedAt:     time.UnixMilli(d.CreatedAt).UTC(),
		Parts:         make([]Part, len(d.Parts)),
	}
	if d.CompletedAt != 0 {
		f.CompletedAt = time.UnixMilli(d.CompletedAt).UTC()
	}
	for i, p := range d.Parts {
		f.Parts[i] = Part{Index: p.Index, Ref: p.Ref, Size: p.Size, Checksum: p.Checksum}
	}
	return f
}

// firestoreDocs keeps one document per file in a collection, keyed by file
// id. Mutations run in a Firestore transaction.
type firestoreDocs struct {
	client *firestore.Client
	coll   *firestore.CollectionRef
}

// NewFirestoreStore opens a Firestore-backed manifest store. The client
// honors FIRESTORE_EMULATOR_HOST.
func NewFirestoreStore(ctx context.Context, cfg config.FirestoreConfig) (*DocumentStore, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := firestore.NewClient(ctx, cfg.Project, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}
	return newDocumentStore(&firestoreDocs{client: client, coll: client.Collection(cfg.Collection)}), nil
}

// firestoreErr maps gRPC status codes onto stasherr kinds.
func firestoreErr(op, id string, err error) error {
	switch status.Code(err) {
	case codes.OK:
		return nil
	case codes.NotFound:
		return notFound(id)
	case codes.AlreadyExists:
		return conflict(id)
	case codes.Unavailable, codes.Aborted, codes.DeadlineExceeded, codes.ResourceExhausted:
		return stasherr.ErrTransient.WithMessage("firestore %s %q: %v", op, id, err).WithCause(err)
	}
	return fmt.Errorf("firestore %s %q: %w", op, id, err)
}

func (d *firestoreDocs) Create(ctx context.Context, f *LogicalFile) error {
	_, err := d.coll.Doc(f.ID).Create(ctx, toFirestoreDoc(f))
	return firestoreErr("create", f.ID, err)
}

func (d *firestoreDocs) Get(ctx context.Context, id string) (*LogicalFile, error) {
	snap, err := d.coll.Doc(id).Get(ctx)
	if err != nil {
		return nil, firestoreErr("get", id, err)
	}
	var doc firestoreDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("decoding manifest %q: %w", id, err)
	}
	return doc.file(), nil
}

func (d *firestoreDocs) Update(ctx context.Context, id string, fn func(*LogicalFile) error) error {
	ref := d.coll.Doc(id)
	err := d.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return firestoreErr("get", id, err)
		}
		var doc firestoreDoc
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decoding manifest %q: %w", id, err)
		}
		f := doc.file()
		if err := fn(f); err != nil {
			return err
		}
		return tx.Set(ref, toFirestoreDoc(f))
	})
	var serr *stasherr.Error
	if err == nil || errors.As(err, &serr) {
		return err
	}
	return firestoreErr("update", id, err)
}

func (d *firestoreDocs) Delete(ctx context.Context, id string) error {
	_, err := d.coll.Doc(id).Delete(ctx, firestore.Exists)
	return firestoreErr("delete", id, err)
}

// List orders on created_at then the document id, which Firestore serves
// from its automatic single-field indexes.
func (d *firestoreDocs) List(ctx context.Context, after cursor, limit int) ([]*LogicalFile, error) {
	q := d.coll.OrderBy("created_at", firestore.Asc).OrderBy(firestore.DocumentID, firestore.Asc).Limit(limit)
	if after.valid {
		q = q.StartAfter(after.createdAt.UnixMilli(), after.id)
	}
	snaps, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("listing manifests: %w", err)
	}
	out := make([]*LogicalFile, 0, len(snaps))
	for _, snap := range snaps {
		var doc firestoreDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decoding manifest %q: %w", snap.Ref.ID, err)
		}
		out = append(out, doc.file())
	}
	return out, nil
}

func (d *firestoreDocs) Ping(ctx context.Context) error {
	it := d.coll.Limit(1).Documents(ctx)
	defer it.Stop()
	if _, err := it.Next(); err != nil && err != iterator.Done {
		return err
	}
	return nil
}

func (d *firestoreDocs) Close() error {
	return d.client.Close()
}
