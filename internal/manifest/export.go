package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	stasherr "github.com/partstash/partstash/internal/errors"
)

const (
	Version       = "0.1.0"
	ExportVersion = 1
)

// ExportHeader identifies an export document.
type ExportHeader struct {
	Version     int       `json:"version"`
	ExportedAt  time.Time `json:"exported_at"`
	ToolVersion string    `json:"tool_version"`
}

// ExportDocument is the JSON document written by Export.
type ExportDocument struct {
	Header ExportHeader   `json:"partstash_export"`
	Files  []*LogicalFile `json:"files"`
}

// ExportOptions configures what to export.
type ExportOptions struct {
	// IncludeIncomplete also exports in-progress and failed files. They are
	// skipped again on import.
	IncludeIncomplete bool
}

// ImportOptions configures how to import.
type ImportOptions struct {
	// Replace overwrites manifests whose id already exists instead of
	// skipping them.
	Replace bool
	// MaxPartSize bounds part sizes during validation; zero disables it.
	MaxPartSize int64
}

// ImportResult holds the result of an import operation.
type ImportResult struct {
	Imported int
	Replaced int
	Skipped  int
	Warnings []string
}

// Export writes every manifest in store to w as an indented JSON document
// and returns the number of files written.
func Export(ctx context.Context, store Store, w io.Writer, opts ExportOptions) (int, error) {
	doc := ExportDocument{
		Header: ExportHeader{
			Version:     ExportVersion,
			ExportedAt:  stamp(time.Now()),
			ToolVersion: Version,
		},
		Files: []*LogicalFile{},
	}

	for sum, err := range store.ListFiles(ctx, Query{IncludeIncomplete: opts.IncludeIncomplete}) {
		if err != nil {
			return 0, fmt.Errorf("listing manifests: %w", err)
		}
		f, err := store.GetManifest(ctx, sum.ID)
		if errors.Is(err, stasherr.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("loading manifest %q: %w", sum.ID, err)
		}
		doc.Files = append(doc.Files, f)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&doc); err != nil {
		return 0, fmt.Errorf("writing export: %w", err)
	}
	return len(doc.Files), nil
}

// Import reads an export document from r and registers its complete
// manifests in store. Invalid or incomplete manifests are skipped with a
// warning rather than failing the whole import.
func Import(ctx context.Context, store Store, r io.Reader, opts ImportOptions) (*ImportResult, error) {
	var doc ExportDocument
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, stasherr.ErrInvalidArgument.WithMessage("parsing export document").WithCause(err)
	}
	if doc.Header.Version != ExportVersion {
		return nil, stasherr.ErrInvalidArgument.WithMessage("unsupported export version %d", doc.Header.Version)
	}

	res := &ImportResult{}
	for i, f := range doc.Files {
		if f == nil {
			res.Skipped++
			res.Warnings = append(res.Warnings, fmt.Sprintf("files[%d]: empty entry", i))
			continue
		}
		if f.State != StateComplete {
			res.Skipped++
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: skipped %s file", f.ID, f.State))
			continue
		}
		if err := Validate(f, opts.MaxPartSize); err != nil {
			res.Skipped++
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %v", f.ID, err))
			continue
		}

		err := store.Register(ctx, f)
		if errors.Is(err, stasherr.ErrConflict) {
			if !opts.Replace {
				res.Skipped++
				res.Warnings = append(res.Warnings, fmt.Sprintf("%s: already exists", f.ID))
				continue
			}
			if err := store.DeleteFile(ctx, f.ID); err != nil && !errors.Is(err, stasherr.ErrNotFound) {
				return res, fmt.Errorf("replacing %q: %w", f.ID, err)
			}
			if err := store.Register(ctx, f); err != nil {
				return res, fmt.Errorf("replacing %q: %w", f.ID, err)
			}
			res.Replaced++
			continue
		}
		if err != nil {
			return res, fmt.Errorf("registering %q: %w", f.ID, err)
		}
		res.Imported++
	}
	return res, nil
}
