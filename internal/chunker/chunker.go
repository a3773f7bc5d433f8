// Package chunker splits an input byte stream into parts no larger than
// the configured part size, uploads each part to the PartStore and records
// it in the manifest, finalizing the file once the input is exhausted.
//
// Each ingest is a Job driven by a single writer. A Job moves through
// Created, Streaming, then Buffering/Uploading/Appended once per part, then
// Finalizing and Completed. Any error moves it to Failed, which is sticky.
package chunker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/partstash/partstash/internal/config"
	stasherr "github.com/partstash/partstash/internal/errors"
	"github.com/partstash/partstash/internal/manifest"
	"github.com/partstash/partstash/internal/metrics"
	"github.com/partstash/partstash/internal/partstore"
	"github.com/partstash/partstash/internal/retry"
)

// readBufferSize is the chunk size ReadFrom pulls from its source.
const readBufferSize = 256 << 10

// failTimeout bounds the best-effort FailFile call made after a job fails.
const failTimeout = 10 * time.Second

// State is the lifecycle state of an ingest job.
type State int32

const (
	StateCreated State = iota
	StateStreaming
	StateBuffering
	StateUploading
	StateAppended
	StateFinalizing
	StateCompleted
	StateFailed
)

var stateNames = [...]string{
	StateCreated:    "created",
	StateStreaming:  "streaming",
	StateBuffering:  "buffering",
	StateUploading:  "uploading",
	StateAppended:   "appended",
	StateFinalizing: "finalizing",
	StateCompleted:  "completed",
	StateFailed:     "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Observer receives ingest progress. totalKnown is -1 when the input size
// was not declared.
type Observer interface {
	OnProgress(bytesDone, totalKnown int64)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(bytesDone, totalKnown int64)

func (f ObserverFunc) OnProgress(bytesDone, totalKnown int64) {
	f(bytesDone, totalKnown)
}

// Options configures a Chunker.
type Options struct {
	// MaxPartSize is the largest payload uploaded as one part.
	MaxPartSize int64
	// MemorySpoolLimit is the buffered size beyond which a part is spooled
	// to a temp file.
	MemorySpoolLimit int64
	// SpoolDir holds temp spool files. Empty means os.TempDir().
	SpoolDir string
	// MaxConcurrentJobs caps running jobs. Begin blocks for a free slot.
	MaxConcurrentJobs int
	// ProgressInterval is the minimum gap between progress callbacks.
	// Zero reports after every write.
	ProgressInterval time.Duration
	Retry            retry.Policy
}

// OptionsFromConfig maps the ingest configuration section to Options.
func OptionsFromConfig(cfg config.IngestConfig) Options {
	return Options{
		MaxPartSize:       cfg.MaxPartSize.Int64(),
		MemorySpoolLimit:  cfg.MemorySpoolLimit.Int64(),
		SpoolDir:          cfg.SpoolDir,
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		ProgressInterval:  cfg.ProgressInterval,
		Retry: retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
		},
	}
}

// Chunker runs ingest jobs against one PartStore and manifest Store.
type Chunker struct {
	parts partstore.PartStore
	store manifest.Store
	opts  Options
	sem   *semaphore.Weighted
}

// New validates opts against the backend and returns a Chunker. It fails
// if MaxPartSize exceeds the backend's per-object ceiling.
func New(parts partstore.PartStore, store manifest.Store, opts Options) (*Chunker, error) {
	if opts.MaxPartSize <= 0 {
		return nil, stasherr.ErrInvalidArgument.WithMessage("max part size must be positive, got %d", opts.MaxPartSize)
	}
	if l, ok := parts.(partstore.Limiter); ok {
		if limit := l.MaxPartSize(); limit > 0 && opts.MaxPartSize > limit {
			return nil, stasherr.ErrInvalidArgument.WithMessage(
				"max part size %d exceeds the backend limit %d", opts.MaxPartSize, limit)
		}
	}
	if opts.MemorySpoolLimit <= 0 || opts.MemorySpoolLimit > opts.MaxPartSize {
		opts.MemorySpoolLimit = opts.MaxPartSize
	}
	if opts.MaxConcurrentJobs < 1 {
		opts.MaxConcurrentJobs = 1
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry = retry.DefaultPolicy()
	}
	return &Chunker{
		parts: parts,
		store: store,
		opts:  opts,
		sem:   semaphore.NewWeighted(int64(opts.MaxConcurrentJobs)),
	}, nil
}

// MaxPartSize returns the configured part size.
func (c *Chunker) MaxPartSize() int64 {
	return c.opts.MaxPartSize
}

// IngestOptions configures a single job.
type IngestOptions struct {
	// ID requests a caller-assigned file id. Empty generates one.
	ID          string
	ContentType string
	// ExpectedSize is the declared input length. Zero or negative means
	// unknown; otherwise a different final total fails the job.
	ExpectedSize int64
	Observer     Observer
}

// Begin waits for a job slot, records an in-progress file and returns the
// job that streams into it. ctx governs the whole job: cancelling it stops
// further uploads and fails the file.
func (c *Chunker) Begin(ctx context.Context, name string, opts IngestOptions) (*Job, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for an ingest slot: %w", err)
	}

	id, err := c.store.CreateFile(ctx, manifest.CreateRequest{
		ID:          opts.ID,
		DisplayName: name,
		ContentType: opts.ContentType,
	})
	if err != nil {
		c.sem.Release(1)
		return nil, fmt.Errorf("creating file: %w", err)
	}

	jctx, cancel := context.WithCancel(ctx)
	j := &Job{
		c:        c,
		ctx:      jctx,
		cancel:   cancel,
		id:       id,
		base:     partBase(name, id),
		expected: -1,
		observer: opts.Observer,
		spool:    newSpool(c.opts.MemorySpoolLimit, c.opts.SpoolDir),
		started:  time.Now(),
	}
	if opts.ExpectedSize > 0 {
		j.expected = opts.ExpectedSize
	}
	if c.opts.ProgressInterval > 0 {
		j.progress.Interval = c.opts.ProgressInterval
	} else {
		j.progress.Every = 1
	}
	j.setState(StateStreaming)

	metrics.IngestJobsActive.Inc()
	slog.Info("ingest started", "file_id", id, "name", name, "expected_size", j.expected)
	return j, nil
}

// Ingest streams r into a new file and returns its complete manifest.
func (c *Chunker) Ingest(ctx context.Context, name string, r io.Reader, opts IngestOptions) (*manifest.LogicalFile, error) {
	j, err := c.Begin(ctx, name, opts)
	if err != nil {
		return nil, err
	}
	if _, err := j.ReadFrom(r); err != nil {
		return nil, err
	}
	return j.Finish()
}

// Job is one ingest in flight. It is not safe for concurrent use: exactly
// one goroutine writes to it and then calls Finish or Abort.
type Job struct {
	c      *Chunker
	ctx    context.Context
	cancel context.CancelFunc

	id       string
	base     string
	expected int64
	observer Observer
	progress rate.Sometimes
	spool    *spool
	started  time.Time

	state     atomic.Int32
	written   int64
	nextIndex int
	err       error

	releaseOnce sync.Once
}

// ID returns the file id being written.
func (j *Job) ID() string { return j.id }

// State returns the current lifecycle state.
func (j *Job) State() State { return State(j.state.Load()) }

// Written returns the number of input bytes accepted so far.
func (j *Job) Written() int64 { return j.written }

// Err returns the error that failed the job, if any.
func (j *Job) Err() error { return j.err }

func (j *Job) setState(s State) {
	j.state.Store(int32(s))
}

// Write buffers p, uploading every part that fills up. A short return is
// always accompanied by the error that failed the job.
func (j *Job) Write(p []byte) (int, error) {
	if err := j.checkWritable(); err != nil {
		return 0, err
	}
	if j.expected >= 0 && j.written+int64(len(p)) > j.expected {
		return 0, j.fail(stasherr.ErrSizeMismatch.WithMessage(
			"input exceeds the declared size of %d bytes", j.expected))
	}

	var n int
	for len(p) > 0 {
		room := j.c.opts.MaxPartSize - j.spool.Len()
		chunk := p
		if int64(len(chunk)) > room {
			chunk = chunk[:room]
		}
		j.setState(StateBuffering)
		w, err := j.spool.Write(chunk)
		n += w
		j.written += int64(w)
		if err != nil {
			return n, j.fail(fmt.Errorf("buffering part %d: %w", j.nextIndex, err))
		}
		p = p[w:]
		if j.spool.Len() == j.c.opts.MaxPartSize {
			if err := j.flush(); err != nil {
				return n, err
			}
		}
	}

	metrics.IngestBytesTotal.Add(float64(n))
	j.progress.Do(j.notify)
	return n, nil
}

// ReadFrom drains r into the job until EOF. Short reads are absorbed; a
// read error fails the job.
func (j *Job) ReadFrom(r io.Reader) (int64, error) {
	if err := j.checkWritable(); err != nil {
		return 0, err
	}
	buf := make([]byte, readBufferSize)
	var total int64
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			w, err := j.Write(buf[:n])
			total += int64(w)
			if err != nil {
				return total, err
			}
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, j.fail(fmt.Errorf("reading input: %w", rerr))
		}
	}
}

func (j *Job) checkWritable() error {
	if j.err != nil {
		return j.err
	}
	if s := j.State(); s == StateFinalizing || s == StateCompleted {
		return stasherr.ErrAlreadyComplete.WithMessage("ingest of %q already finished", j.id)
	}
	if err := context.Cause(j.ctx); j.ctx.Err() != nil {
		return j.fail(fmt.Errorf("ingest cancelled: %w", err))
	}
	return nil
}

// Finish uploads the final partial part, finalizes the file and returns
// its manifest.
func (j *Job) Finish() (*manifest.LogicalFile, error) {
	if err := j.checkWritable(); err != nil {
		return nil, err
	}
	if j.spool.Len() > 0 {
		if err := j.flush(); err != nil {
			return nil, err
		}
	}
	if j.expected >= 0 && j.written != j.expected {
		return nil, j.fail(stasherr.ErrSizeMismatch.WithMessage(
			"received %d bytes, declared %d", j.written, j.expected))
	}

	j.setState(StateFinalizing)
	if err := j.c.store.CompleteFile(j.ctx, j.id, j.written); err != nil {
		return nil, j.fail(fmt.Errorf("completing file: %w", err))
	}
	j.setState(StateCompleted)
	j.notify()
	j.release()

	metrics.IngestJobsTotal.WithLabelValues("completed").Inc()
	slog.Info("ingest completed",
		"file_id", j.id,
		"size", j.written,
		"parts", j.nextIndex,
		"duration", time.Since(j.started).Round(time.Millisecond),
	)

	f, err := j.c.store.GetManifest(context.WithoutCancel(j.ctx), j.id)
	if err != nil {
		return nil, fmt.Errorf("loading completed manifest: %w", err)
	}
	return f, nil
}

// Abort fails the job with reason. It is a no-op once the job finished.
func (j *Job) Abort(reason string) {
	if j.err != nil || j.State() == StateCompleted {
		return
	}
	j.fail(stasherr.ErrInternal.WithMessage("ingest aborted: %s", reason))
}

// flush uploads the buffered part and appends it to the manifest.
func (j *Job) flush() error {
	index := j.nextIndex
	size := j.spool.Len()
	sum := j.spool.Sum()
	name := partName(j.base, index)

	j.setState(StateUploading)
	var ref partstore.PartRef
	err := j.c.opts.Retry.Do(j.ctx, "upload", func(ctx context.Context, attempt int) error {
		var err error
		ref, err = j.c.parts.Upload(ctx, name, j.spool.Reader(), size)
		return err
	})
	if err != nil {
		return j.fail(fmt.Errorf("uploading part %d: %w", index, err))
	}

	part := manifest.Part{Index: index, Ref: string(ref), Size: size, Checksum: sum}
	if err := j.c.store.AppendPart(j.ctx, j.id, part); err != nil {
		return j.fail(fmt.Errorf("recording part %d: %w", index, err))
	}
	j.nextIndex++
	j.setState(StateAppended)
	slog.Debug("part stored", "file_id", j.id, "part", index, "size", size, "ref", ref)

	if err := j.spool.Reset(); err != nil {
		return j.fail(err)
	}
	return nil
}

// fail records err as the job's terminal error, marks the file failed and
// releases the job's resources. It returns err.
func (j *Job) fail(err error) error {
	if j.err != nil {
		return j.err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("ingest of %q: %w", j.id, err)
	}
	j.err = err
	j.setState(StateFailed)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(j.ctx), failTimeout)
	if ferr := j.c.store.FailFile(ctx, j.id, err.Error()); ferr != nil {
		slog.Warn("marking file failed", "file_id", j.id, "error", ferr)
	}
	cancel()
	j.release()

	metrics.IngestJobsTotal.WithLabelValues("failed").Inc()
	slog.Warn("ingest failed",
		"file_id", j.id,
		"written", j.written,
		"parts", j.nextIndex,
		"error", err,
	)
	return err
}

func (j *Job) release() {
	j.releaseOnce.Do(func() {
		if err := j.spool.Close(); err != nil {
			slog.Warn("releasing spool", "file_id", j.id, "error", err)
		}
		j.cancel()
		j.c.sem.Release(1)
		metrics.IngestJobsActive.Dec()
	})
}

func (j *Job) notify() {
	if j.observer != nil {
		j.observer.OnProgress(j.written, j.expected)
	}
}

// partBase derives the readable prefix of uploaded part names from the
// display name, falling back to the file id.
func partBase(name, id string) string {
	const maxLen = 64
	b := make([]byte, 0, min(len(name), maxLen))
	for i := 0; i < len(name) && len(b) < maxLen; i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '-', c == '_':
			b = append(b, c)
		default:
			b = append(b, '_')
		}
	}
	if len(b) == 0 {
		return id
	}
	return string(b)
}

func partName(base string, index int) string {
	return fmt.Sprintf("%s.part%06d", base, index)
}
