package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/partstash/partstash/internal/chunker"
	"github.com/partstash/partstash/internal/manifest"
	"github.com/partstash/partstash/internal/reader"
	"github.com/partstash/partstash/internal/stash"
)

// progress returns a byte progress bar on stderr, or nil when disabled. A
// size of -1 renders a spinner.
func (g *globals) progress(size int64, description string) *progressbar.ProgressBar {
	if g.noProgress {
		return nil
	}
	return progressbar.DefaultBytes(size, description)
}

// observer feeds ingest progress into bar.
func observer(bar *progressbar.ProgressBar) chunker.Observer {
	if bar == nil {
		return nil
	}
	return chunker.ObserverFunc(func(done, total int64) {
		bar.Set64(done)
	})
}

func finish(bar *progressbar.ProgressBar) {
	if bar != nil {
		bar.Finish()
		fmt.Fprintln(os.Stderr)
	}
}

func printSummary(w io.Writer, f *manifest.LogicalFile) {
	fmt.Fprintf(w, "%s\t%s\t%s in %d parts\n", f.ID, f.DisplayName, humanize.IBytes(uint64(f.TotalSize)), len(f.Parts))
}

func newUploadCmd(g *globals) *cobra.Command {
	var name, contentType, id string
	cmd := &cobra.Command{
		Use:   "upload <path>",
		Short: "Upload a local file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withStash(cmd, func(ctx context.Context, st *stash.Stash) error {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				info, err := f.Stat()
				if err != nil {
					return err
				}
				if name == "" {
					name = filepath.Base(args[0])
				}
				if contentType == "" {
					contentType = mime.TypeByExtension(filepath.Ext(name))
				}

				bar := g.progress(info.Size(), "uploading "+name)
				lf, err := st.Ingest(ctx, name, f, chunker.IngestOptions{
					ID:           id,
					ContentType:  contentType,
					ExpectedSize: info.Size(),
					Observer:     observer(bar),
				})
				finish(bar)
				if err != nil {
					return err
				}
				printSummary(cmd.OutOrStdout(), lf)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name (default: the file's base name)")
	cmd.Flags().StringVar(&contentType, "content-type", "", "content type (default: from the extension)")
	cmd.Flags().StringVar(&id, "id", "", "file id (default: generated)")
	return cmd
}

func newFetchCmd(g *globals) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Download a URL into a new file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withStash(cmd, func(ctx context.Context, st *stash.Stash) error {
				bar := g.progress(-1, "fetching "+args[0])
				lf, err := st.IngestURL(ctx, args[0], name, chunker.IngestOptions{Observer: observer(bar)})
				finish(bar)
				if err != nil {
					return err
				}
				printSummary(cmd.OutOrStdout(), lf)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name (default: suggested by the source)")
	return cmd
}

func newLsCmd(g *globals) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "ls [query]",
		Short: "List files, optionally filtered by a name substring",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := manifest.Query{IncludeIncomplete: all}
			if len(args) == 1 {
				q.NameContains = args[0]
			}
			return g.withStash(cmd, func(ctx context.Context, st *stash.Stash) error {
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTATE\tSIZE\tPARTS\tCREATED\tNAME")
				for s, err := range st.ListFiles(ctx, q) {
					if err != nil {
						return err
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
						s.ID, s.State, humanize.IBytes(uint64(s.TotalSize)), s.PartCount,
						humanize.Time(s.CreatedAt), s.DisplayName)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include in-progress and failed files")
	return cmd
}

func newStatCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "stat <id>",
		Short: "Print a file manifest as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withStash(cmd, func(ctx context.Context, st *stash.Stash) error {
				f, err := st.Stat(ctx, args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(f)
			})
		},
	}
}

// parseRangeFlag accepts "a-b", "a-", "-n" or a full "bytes=" header.
func parseRangeFlag(v string) (reader.RangeSpec, error) {
	if v == "" {
		return reader.Whole(), nil
	}
	if !strings.HasPrefix(v, "bytes=") {
		v = "bytes=" + v
	}
	return reader.ParseRange(v)
}

func newGetCmd(g *globals) *cobra.Command {
	var output, rng string
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Write a file, or a byte range of it, to stdout or a path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := parseRangeFlag(rng)
			if err != nil {
				return err
			}
			return g.withStash(cmd, func(ctx context.Context, st *stash.Stash) error {
				rc, rr, err := st.OpenForRead(ctx, args[0], spec)
				if err != nil {
					return err
				}
				defer rc.Close()

				w := cmd.OutOrStdout()
				var out *os.File
				var bar *progressbar.ProgressBar
				if output != "" && output != "-" {
					if out, err = os.Create(output); err != nil {
						return err
					}
					defer out.Close()
					w = out
					if bar = g.progress(rr.Length(), "downloading "+args[0]); bar != nil {
						w = io.MultiWriter(out, bar)
					}
				}

				n, err := io.Copy(w, rc)
				finish(bar)
				if err != nil {
					return fmt.Errorf("copied %d of %d bytes: %w", n, rr.Length(), err)
				}
				if out != nil {
					return out.Close()
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output path (default: stdout)")
	cmd.Flags().StringVar(&rng, "range", "", `byte range such as "0-1023", "4096-" or "-512"`)
	return cmd
}

func newVerifyCmd(g *globals) *cobra.Command {
	var jobs int
	cmd := &cobra.Command{
		Use:   "verify <id>",
		Short: "Read every part back and check sizes and checksums",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withStash(cmd, func(ctx context.Context, st *stash.Stash) error {
				report, err := st.Verify(ctx, args[0], jobs)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, p := range report.Problems {
					fmt.Fprintf(out, "part %d: %s\n", p.Index, p.Error)
				}
				fmt.Fprintf(out, "%s: %d/%d parts verified\n", report.FileID, report.Verified, report.Parts)
				if !report.OK() {
					return errors.New("verification failed")
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&jobs, "jobs", "j", 4, "parts checked in parallel")
	return cmd
}

func newRmCmd(g *globals) *cobra.Command {
	var purge bool
	cmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a file record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withStash(cmd, func(ctx context.Context, st *stash.Stash) error {
				res, err := st.Delete(ctx, args[0], purge)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s (%d parts removed, %d kept)\n",
					args[0], res.PartsDeleted, res.PartsKept)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&purge, "purge", false, "also delete the parts from the backend")
	return cmd
}

func newExportCmd(g *globals) *cobra.Command {
	var output string
	var all bool
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export every manifest as a JSON document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withStash(cmd, func(ctx context.Context, st *stash.Stash) error {
				w := cmd.OutOrStdout()
				if output != "" && output != "-" {
					f, err := os.Create(output)
					if err != nil {
						return err
					}
					defer f.Close()
					w = f
				}
				n, err := manifest.Export(ctx, st.Store(), w, manifest.ExportOptions{IncludeIncomplete: all})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "exported %d files\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output path (default: stdout)")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include in-progress and failed files")
	return cmd
}

func newImportCmd(g *globals) *cobra.Command {
	var replace bool
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import manifests from an export document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withStash(cmd, func(ctx context.Context, st *stash.Stash) error {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()

				res, err := manifest.Import(ctx, st.Store(), f, manifest.ImportOptions{
					Replace:     replace,
					MaxPartSize: st.MaxPartSize(),
				})
				if err != nil {
					return err
				}
				for _, w := range res.Warnings {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d, replaced %d, skipped %d\n",
					res.Imported, res.Replaced, res.Skipped)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&replace, "replace", false, "overwrite manifests whose id already exists")
	return cmd
}
