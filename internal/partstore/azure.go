package partstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	stasherr "github.com/partstash/partstash/internal/errors"
	"github.com/partstash/partstash/internal/uid"
)

// AzureBlobAPI is the subset of the Azure Blob client the backend uses, so
// tests can substitute a mock.
type AzureBlobAPI interface {
	// UploadStream creates a block blob from body.
	UploadStream(ctx context.Context, containerName, blobName string, body io.Reader) error
	// DownloadRange reads count bytes from offset; count 0 reads to the end.
	DownloadRange(ctx context.Context, containerName, blobName string, offset, count int64) (io.ReadCloser, error)
	// DeleteBlob deletes a blob.
	DeleteBlob(ctx context.Context, containerName, blobName string) error
	// ContainerExists checks the container is reachable.
	ContainerExists(ctx context.Context, containerName string) error
}

// AzureBackend stores each part as one block blob named
// {prefix}{random id}/{part name}. The blob name is the PartRef.
type AzureBackend struct {
	Container string
	Prefix    string
	client    AzureBlobAPI
}

// AzureOptions configures NewAzureBackend.
type AzureOptions struct {
	Container          string
	AccountURL         string
	ConnectionString   string
	Prefix             string
	UseManagedIdentity bool
}

// NewAzureBackend creates an Azure Blob client and verifies the container.
func NewAzureBackend(ctx context.Context, opts AzureOptions) (*AzureBackend, error) {
	client, err := newRealAzureClient(opts.AccountURL, opts.ConnectionString, opts.UseManagedIdentity)
	if err != nil {
		return nil, err
	}
	b := NewAzureBackendWithClient(opts.Container, opts.Prefix, client)
	if err := b.HealthCheck(ctx); err != nil {
		return nil, err
	}
	slog.Info("Azure part backend initialized", "container", opts.Container, "account_url", opts.AccountURL)
	return b, nil
}

// NewAzureBackendWithClient wraps a pre-configured client, typically a mock.
func NewAzureBackendWithClient(container, prefix string, client AzureBlobAPI) *AzureBackend {
	return &AzureBackend{Container: container, Prefix: prefix, client: client}
}

// Upload streams the payload into a new block blob.
func (b *AzureBackend) Upload(ctx context.Context, name string, payload io.ReadSeeker, size int64) (PartRef, error) {
	if _, err := payload.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewinding payload: %w", err)
	}
	blob := b.Prefix + uid.New() + "/" + name
	if err := b.client.UploadStream(ctx, b.Container, blob, io.LimitReader(payload, size)); err != nil {
		return "", classifyAzureError(err, "uploading part "+name)
	}
	return PartRef(blob), nil
}

// OpenRange downloads the requested range of the blob.
func (b *AzureBackend) OpenRange(ctx context.Context, ref PartRef, offset, length int64) (io.ReadCloser, error) {
	if err := CheckRangeArgs(offset, length); err != nil {
		return nil, err
	}
	if length == 0 {
		return io.NopCloser(eofReader{}), nil
	}
	count := length
	if count < 0 {
		count = 0
	}
	rc, err := b.client.DownloadRange(ctx, b.Container, string(ref), offset, count)
	if err != nil {
		return nil, classifyAzureError(err, "fetching part "+string(ref))
	}
	if length > 0 {
		return RemoteBody(ExactReader(rc, length)), nil
	}
	return RemoteBody(rc), nil
}

// Delete removes the blob. Missing blobs are not an error.
func (b *AzureBackend) Delete(ctx context.Context, ref PartRef) error {
	err := b.client.DeleteBlob(ctx, b.Container, string(ref))
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return classifyAzureError(err, "deleting part "+string(ref))
	}
	return nil
}

// HealthCheck verifies the container is accessible.
func (b *AzureBackend) HealthCheck(ctx context.Context) error {
	if err := b.client.ContainerExists(ctx, b.Container); err != nil {
		return fmt.Errorf("cannot access Azure container %q: %w", b.Container, err)
	}
	return nil
}

// classifyAzureError maps azcore response errors onto the taxonomy.
func classifyAzureError(err error, op string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	wrapped := fmt.Errorf("%s: %w", op, err)

	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return stasherr.ErrNotFound.WithCause(wrapped)
	}
	if bloberror.HasCode(err, bloberror.InvalidRange) {
		return stasherr.ErrRangeNotSatisfiable.WithCause(wrapped)
	}
	if bloberror.HasCode(err, bloberror.ServerBusy, bloberror.OperationTimedOut, bloberror.InternalError) {
		return stasherr.ErrTransient.WithCause(wrapped)
	}

	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return classifyHTTPStatus(respErr.StatusCode, wrapped)
	}
	// Transport failures carry no response.
	return stasherr.ErrTransient.WithCause(wrapped)
}
