package manifest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	stasherr "github.com/partstash/partstash/internal/errors"
)

const (
	// timeFormat is the ISO 8601 format used for all timestamps in SQLite.
	// Fixed width, so text order is time order.
	timeFormat = "2006-01-02T15:04:05.000Z"
)

// SQLiteStore persists manifests in SQLite. Every mutation runs in a
// transaction.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database at dsn and initializes the schema.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}

	// One connection serializes writers, so transactions never race on a
	// snapshot upgrade. Listing pages are drained before they are yielded.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite database: %w", err)
	}
	return s, nil
}

// initDB applies PRAGMAs and creates the tables. Idempotent.
func (s *SQLiteStore) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS files (
			id             TEXT PRIMARY KEY,
			display_name   TEXT NOT NULL DEFAULT '',
			content_type   TEXT NOT NULL DEFAULT 'application/octet-stream',
			total_size     INTEGER NOT NULL DEFAULT 0,
			state          TEXT NOT NULL,
			failure_reason TEXT NOT NULL DEFAULT '',
			part_count     INTEGER NOT NULL DEFAULT 0,
			created_at     TEXT NOT NULL,
			completed_at   TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_files_created ON files(created_at, id);

		CREATE TABLE IF NOT EXISTS parts (
			file_id   TEXT NOT NULL,
			idx       INTEGER NOT NULL,
			ref       TEXT NOT NULL,
			size      INTEGER NOT NULL,
			checksum  TEXT NOT NULL DEFAULT '',

			PRIMARY KEY (file_id, idx),
			FOREIGN KEY (file_id) REFERENCES files(id) ON DELETE CASCADE
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (?, ?)`,
		1, time.Now().UTC().Format(timeFormat),
	)
	return err
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateFile(ctx context.Context, req CreateRequest) (string, error) {
	f, err := newFile(req, time.Now())
	if err != nil {
		return "", err
	}
	if err := s.insertFile(ctx, s.db, f); err != nil {
		return "", err
	}
	return f.ID, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) insertFile(ctx context.Context, db execer, f *LogicalFile) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO files
			(id, display_name, content_type, total_size, state, failure_reason, part_count, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.DisplayName, f.ContentType, f.TotalSize, string(f.State), f.FailureReason,
		len(f.Parts), f.CreatedAt.Format(timeFormat), nullTime(f.CompletedAt),
	)
	if isConstraint(err) {
		return conflict(f.ID)
	}
	if err != nil {
		return fmt.Errorf("inserting file %q: %w", f.ID, err)
	}
	return nil
}

// loadHeader reads the file row, without parts, inside tx.
func (s *SQLiteStore) loadHeader(ctx context.Context, tx *sql.Tx, fileID string) (*LogicalFile, int, error) {
	var (
		f          LogicalFile
		state      string
		partCount  int
		createdAt  string
		completeAt sql.NullString
	)
	err := tx.QueryRowContext(ctx,
		`SELECT id, display_name, content_type, total_size, state, failure_reason, part_count, created_at, completed_at
		 FROM files WHERE id = ?`, fileID,
	).Scan(&f.ID, &f.DisplayName, &f.ContentType, &f.TotalSize, &state, &f.FailureReason, &partCount, &createdAt, &completeAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, notFound(fileID)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("loading file %q: %w", fileID, err)
	}
	f.State = State(state)
	f.CreatedAt = parseTime(createdAt)
	if completeAt.Valid {
		f.CompletedAt = parseTime(completeAt.String)
	}
	return &f, partCount, nil
}

func (s *SQLiteStore) AppendPart(ctx context.Context, fileID string, part Part) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	f, partCount, err := s.loadHeader(ctx, tx, fileID)
	if err != nil {
		return err
	}
	if err := checkAppend(f, partCount, part); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO parts (file_id, idx, ref, size, checksum) VALUES (?, ?, ?, ?, ?)`,
		fileID, part.Index, part.Ref, part.Size, part.Checksum,
	)
	if isConstraint(err) {
		// A concurrent append won the index.
		return outOfOrderRace(fileID, part.Index)
	}
	if err != nil {
		return fmt.Errorf("inserting part %d of %q: %w", part.Index, fileID, err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE files SET part_count = part_count + 1, total_size = total_size + ?
		 WHERE id = ? AND part_count = ?`,
		part.Size, fileID, partCount,
	)
	if err != nil {
		return fmt.Errorf("updating file %q: %w", fileID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return outOfOrderRace(fileID, part.Index)
	}
	return tx.Commit()
}

func (s *SQLiteStore) CompleteFile(ctx context.Context, fileID string, totalSize int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	f, _, err := s.loadHeader(ctx, tx, fileID)
	if err != nil {
		return err
	}
	var sum int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM parts WHERE file_id = ?`, fileID).Scan(&sum); err != nil {
		return fmt.Errorf("summing parts of %q: %w", fileID, err)
	}
	if err := completeWithSum(f, sum, totalSize, time.Now()); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE files SET state = ?, total_size = ?, completed_at = ? WHERE id = ?`,
		string(f.State), f.TotalSize, f.CompletedAt.Format(timeFormat), fileID,
	)
	if err != nil {
		return fmt.Errorf("completing file %q: %w", fileID, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) FailFile(ctx context.Context, fileID, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	f, _, err := s.loadHeader(ctx, tx, fileID)
	if err != nil {
		return err
	}
	if err := applyFail(f, reason); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE files SET state = ?, failure_reason = ? WHERE id = ?`,
		string(f.State), f.FailureReason, fileID,
	)
	if err != nil {
		return fmt.Errorf("failing file %q: %w", fileID, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetManifest(ctx context.Context, fileID string) (*LogicalFile, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	f, _, err := s.loadHeader(ctx, tx, fileID)
	if err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT idx, ref, size, checksum FROM parts WHERE file_id = ? ORDER BY idx`, fileID,
	)
	if err != nil {
		return nil, fmt.Errorf("loading parts of %q: %w", fileID, err)
	}
	defer rows.Close()

	f.Parts = []Part{}
	for rows.Next() {
		var p Part
		if err := rows.Scan(&p.Index, &p.Ref, &p.Size, &p.Checksum); err != nil {
			return nil, fmt.Errorf("scanning part of %q: %w", fileID, err)
		}
		f.Parts = append(f.Parts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return f, nil
}

func (s *SQLiteStore) ListFiles(ctx context.Context, q Query) iter.Seq2[FileSummary, error] {
	return paginate(ctx, q, func(ctx context.Context, after cursor, limit int) ([]FileSummary, error) {
		var (
			where []string
			args  []any
		)
		if !q.IncludeIncomplete {
			where = append(where, "state = ?")
			args = append(args, string(StateComplete))
		}
		if q.NameContains != "" {
			where = append(where, "instr(lower(display_name), lower(?)) > 0")
			args = append(args, q.NameContains)
		}
		if after.valid {
			ts := after.createdAt.Format(timeFormat)
			where = append(where, "(created_at > ? OR (created_at = ? AND id > ?))")
			args = append(args, ts, ts, after.id)
		}

		query := `SELECT id, display_name, content_type, total_size, state, part_count, created_at, completed_at FROM files`
		if len(where) > 0 {
			query += " WHERE " + strings.Join(where, " AND ")
		}
		query += " ORDER BY created_at, id LIMIT ?"
		args = append(args, limit)

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("listing files: %w", err)
		}
		defer rows.Close()

		var page []FileSummary
		for rows.Next() {
			var (
				sum        FileSummary
				state      string
				createdAt  string
				completeAt sql.NullString
			)
			if err := rows.Scan(&sum.ID, &sum.DisplayName, &sum.ContentType, &sum.TotalSize, &state, &sum.PartCount, &createdAt, &completeAt); err != nil {
				return nil, fmt.Errorf("scanning file: %w", err)
			}
			sum.State = State(state)
			sum.CreatedAt = parseTime(createdAt)
			if completeAt.Valid {
				sum.CompletedAt = parseTime(completeAt.String)
			}
			page = append(page, sum)
		}
		return page, rows.Err()
	})
}

func (s *SQLiteStore) DeleteFile(ctx context.Context, fileID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, fileID)
	if err != nil {
		return fmt.Errorf("deleting file %q: %w", fileID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(fileID)
	}
	return nil
}

func (s *SQLiteStore) Register(ctx context.Context, file *LogicalFile) error {
	f, err := prepareRegister(file, time.Now())
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.insertFile(ctx, tx, f); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO parts (file_id, idx, ref, size, checksum) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing part insert: %w", err)
	}
	defer stmt.Close()
	for _, p := range f.Parts {
		if _, err := stmt.ExecContext(ctx, f.ID, p.Index, p.Ref, p.Size, p.Checksum); err != nil {
			return fmt.Errorf("inserting part %d of %q: %w", p.Index, f.ID, err)
		}
	}
	return tx.Commit()
}

func outOfOrderRace(fileID string, index int) error {
	return stasherr.ErrOutOfOrder.WithMessage("file %q: part index %d was appended concurrently", fileID, index)
}

// isConstraint reports whether err is a SQLite constraint violation, under
// either the primary or an extended result code.
func isConstraint(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeFormat), Valid: true}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
