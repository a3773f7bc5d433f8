package partstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	stasherr "github.com/partstash/partstash/internal/errors"
	"github.com/partstash/partstash/internal/uid"
)

// GCSAPI is the subset of the GCS client the backend uses, so tests can
// substitute a mock.
type GCSAPI interface {
	// NewWriter returns a writer creating the given object.
	NewWriter(ctx context.Context, bucket, object string) io.WriteCloser
	// NewRangeReader reads length bytes from offset; length -1 reads to the end.
	NewRangeReader(ctx context.Context, bucket, object string, offset, length int64) (io.ReadCloser, error)
	// Delete deletes the given object.
	Delete(ctx context.Context, bucket, object string) error
	// BucketExists checks the bucket is reachable.
	BucketExists(ctx context.Context, bucket string) error
}

// realGCSClient wraps the official GCS client to satisfy GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object string) io.WriteCloser {
	w := c.client.Bucket(bucket).Object(object).If(gcs.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	return w
}

func (c *realGCSClient) NewRangeReader(ctx context.Context, bucket, object string, offset, length int64) (io.ReadCloser, error) {
	return c.client.Bucket(bucket).Object(object).NewRangeReader(ctx, offset, length)
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) BucketExists(ctx context.Context, bucket string) error {
	_, err := c.client.Bucket(bucket).Attrs(ctx)
	return err
}

// GCPBackend stores each part as one GCS object keyed
// {prefix}{random id}/{part name}. The object name is the PartRef.
type GCPBackend struct {
	Bucket string
	Prefix string
	client GCSAPI
}

// GCPOptions configures NewGCPBackend.
type GCPOptions struct {
	Bucket          string
	Project         string
	Prefix          string
	GRPC            bool
	CredentialsFile string
}

// NewGCPBackend creates a GCS client using Application Default Credentials
// (or the given key file), optionally over gRPC, and verifies the bucket.
func NewGCPBackend(ctx context.Context, opts GCPOptions) (*GCPBackend, error) {
	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}

	var (
		client *gcs.Client
		err    error
	)
	if opts.GRPC {
		client, err = gcs.NewGRPCClient(ctx, clientOpts...)
	} else {
		client, err = gcs.NewClient(ctx, clientOpts...)
	}
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	b := NewGCPBackendWithClient(opts.Bucket, opts.Prefix, &realGCSClient{client: client})
	if err := b.HealthCheck(ctx); err != nil {
		client.Close()
		return nil, err
	}

	slog.Info("GCS part backend initialized", "bucket", opts.Bucket, "project", opts.Project, "grpc", opts.GRPC)
	return b, nil
}

// NewGCPBackendWithClient wraps a pre-configured client, typically a mock.
func NewGCPBackendWithClient(bucket, prefix string, client GCSAPI) *GCPBackend {
	return &GCPBackend{Bucket: bucket, Prefix: prefix, client: client}
}

// Upload streams the payload into a new object.
func (b *GCPBackend) Upload(ctx context.Context, name string, payload io.ReadSeeker, size int64) (PartRef, error) {
	if _, err := payload.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewinding payload: %w", err)
	}

	object := b.Prefix + uid.New() + "/" + name
	// Cancelling the writer's context aborts the upload.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := b.client.NewWriter(wctx, b.Bucket, object)
	written, err := io.Copy(w, io.LimitReader(payload, size))
	if err != nil {
		cancel()
		w.Close()
		return "", classifyGCSError(err, "uploading part "+name)
	}
	if written != size {
		cancel()
		w.Close()
		return "", stasherr.ErrSizeMismatch.WithMessage("payload has %d bytes, declared %d", written, size)
	}
	if err := w.Close(); err != nil {
		return "", classifyGCSError(err, "uploading part "+name)
	}
	return PartRef(object), nil
}

// OpenRange issues a ranged read.
func (b *GCPBackend) OpenRange(ctx context.Context, ref PartRef, offset, length int64) (io.ReadCloser, error) {
	if err := CheckRangeArgs(offset, length); err != nil {
		return nil, err
	}
	if length == 0 {
		return io.NopCloser(eofReader{}), nil
	}
	rc, err := b.client.NewRangeReader(ctx, b.Bucket, string(ref), offset, length)
	if err != nil {
		return nil, classifyGCSError(err, "fetching part "+string(ref))
	}
	if length > 0 {
		return RemoteBody(ExactReader(rc, length)), nil
	}
	return RemoteBody(rc), nil
}

// Delete removes the object. Missing objects are not an error.
func (b *GCPBackend) Delete(ctx context.Context, ref PartRef) error {
	err := b.client.Delete(ctx, b.Bucket, string(ref))
	if err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return classifyGCSError(err, "deleting part "+string(ref))
	}
	return nil
}

// HealthCheck verifies the bucket is accessible.
func (b *GCPBackend) HealthCheck(ctx context.Context) error {
	if err := b.client.BucketExists(ctx, b.Bucket); err != nil {
		return fmt.Errorf("cannot access GCS bucket %q: %w", b.Bucket, err)
	}
	return nil
}

// classifyGCSError maps JSON API and gRPC errors onto the taxonomy.
func classifyGCSError(err error, op string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	wrapped := fmt.Errorf("%s: %w", op, err)

	if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
		return stasherr.ErrNotFound.WithCause(wrapped)
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == http.StatusPreconditionFailed {
			// DoesNotExist precondition: the random object name collided.
			return stasherr.ErrTransient.WithCause(wrapped)
		}
		return classifyHTTPStatus(gerr.Code, wrapped)
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		switch st.Code() {
		case codes.NotFound:
			return stasherr.ErrNotFound.WithCause(wrapped)
		case codes.OutOfRange:
			return stasherr.ErrRangeNotSatisfiable.WithCause(wrapped)
		case codes.Unavailable, codes.ResourceExhausted, codes.Aborted, codes.Internal, codes.DeadlineExceeded:
			return stasherr.ErrTransient.WithCause(wrapped)
		default:
			return stasherr.ErrFatal.WithCause(wrapped)
		}
	}

	if gcs.ShouldRetry(err) {
		return stasherr.ErrTransient.WithCause(wrapped)
	}
	return stasherr.ErrFatal.WithCause(wrapped)
}
