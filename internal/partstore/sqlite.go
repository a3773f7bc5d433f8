package partstore

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	stasherr "github.com/partstash/partstash/internal/errors"
	"github.com/partstash/partstash/internal/uid"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteBackend stores part payloads as BLOBs in a SQLite database. Ranges
// are served with substr() so only the requested bytes leave the database.
// Suitable for small parts in single-node or embedded deployments.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (or creates) the database at dbPath, applies
// performance PRAGMAs, and creates the part table.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite part database: %w", err)
	}

	b := &SQLiteBackend{db: db}
	if err := b.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite part database: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := b.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS part_data (
			ref  TEXT    PRIMARY KEY,
			name TEXT    NOT NULL,
			size INTEGER NOT NULL,
			data BLOB    NOT NULL
		);
	`
	if _, err := b.db.Exec(schema); err != nil {
		return fmt.Errorf("creating part schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (b *SQLiteBackend) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

// Upload reads the payload and inserts it as a new row.
func (b *SQLiteBackend) Upload(ctx context.Context, name string, payload io.ReadSeeker, size int64) (PartRef, error) {
	if _, err := payload.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewinding payload: %w", err)
	}
	var buf bytes.Buffer
	if size > 0 {
		buf.Grow(int(size))
	}
	if _, err := io.Copy(&buf, io.LimitReader(payload, size)); err != nil {
		return "", fmt.Errorf("reading payload: %w", err)
	}
	if int64(buf.Len()) != size {
		return "", stasherr.ErrSizeMismatch.WithMessage("payload has %d bytes, declared %d", buf.Len(), size)
	}

	ref := PartRef(uid.New())
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO part_data (ref, name, size, data) VALUES (?, ?, ?, ?)`,
		string(ref), name, size, buf.Bytes())
	if err != nil {
		return "", stasherr.ErrTransient.WithCause(fmt.Errorf("inserting part %q: %w", name, err))
	}
	return ref, nil
}

// OpenRange selects only the requested slice of the BLOB.
func (b *SQLiteBackend) OpenRange(ctx context.Context, ref PartRef, offset, length int64) (io.ReadCloser, error) {
	if err := CheckRangeArgs(offset, length); err != nil {
		return nil, err
	}

	var size int64
	err := b.db.QueryRowContext(ctx, `SELECT size FROM part_data WHERE ref = ?`, string(ref)).Scan(&size)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stasherr.ErrNotFound.WithMessage("part %q not found", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up part %q: %w", ref, err)
	}
	n, err := ClampRange(offset, length, size)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}

	// substr on a BLOB counts bytes and is 1-based.
	var data []byte
	err = b.db.QueryRowContext(ctx,
		`SELECT substr(data, ?, ?) FROM part_data WHERE ref = ?`,
		offset+1, n, string(ref)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stasherr.ErrNotFound.WithMessage("part %q not found", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("reading part %q: %w", ref, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes the part row.
func (b *SQLiteBackend) Delete(ctx context.Context, ref PartRef) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM part_data WHERE ref = ?`, string(ref)); err != nil {
		return fmt.Errorf("deleting part %q: %w", ref, err)
	}
	return nil
}

// HealthCheck pings the database.
func (b *SQLiteBackend) HealthCheck(ctx context.Context) error {
	return b.db.PingContext(ctx)
}
