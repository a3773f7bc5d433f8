package partstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	stasherr "github.com/partstash/partstash/internal/errors"
	"github.com/partstash/partstash/internal/uid"
)

// S3API is the subset of the S3 client the backend uses, so tests can
// substitute a mock.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// s3MaxPutSize is the single-request PutObject ceiling.
const s3MaxPutSize = 5 << 30

// AWSBackend stores each part as one S3 object keyed
// {prefix}{random id}/{part name}. The key is the PartRef.
type AWSBackend struct {
	Bucket string
	Prefix string
	client S3API
}

// AWSOptions configures NewAWSBackend.
type AWSOptions struct {
	Bucket          string
	Region          string
	Prefix          string
	Endpoint        string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
}

// NewAWSBackend builds an S3 client from the default credential chain (with
// optional static credentials and endpoint override) and verifies the bucket
// is reachable.
func NewAWSBackend(ctx context.Context, opts AWSOptions) (*AWSBackend, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if opts.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		})
	}
	if opts.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	client := s3.NewFromConfig(cfg, s3Opts...)

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(opts.Bucket)}); err != nil {
		return nil, fmt.Errorf("cannot access S3 bucket %q: %w", opts.Bucket, err)
	}

	slog.Info("S3 part backend initialized", "bucket", opts.Bucket, "region", opts.Region, "prefix", opts.Prefix)
	return NewAWSBackendWithClient(opts.Bucket, opts.Prefix, client), nil
}

// NewAWSBackendWithClient wraps a pre-configured client, typically a mock.
func NewAWSBackendWithClient(bucket, prefix string, client S3API) *AWSBackend {
	return &AWSBackend{Bucket: bucket, Prefix: prefix, client: client}
}

// Upload puts the payload as a new object.
func (b *AWSBackend) Upload(ctx context.Context, name string, payload io.ReadSeeker, size int64) (PartRef, error) {
	if size > s3MaxPutSize {
		return "", stasherr.ErrPayloadTooLarge.WithMessage("part %q is %d bytes, S3 limit %d", name, size, int64(s3MaxPutSize))
	}
	if _, err := payload.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewinding payload: %w", err)
	}

	key := b.Prefix + uid.New() + "/" + name
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.Bucket),
		Key:           aws.String(key),
		Body:          io.LimitReader(payload, size),
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", classifyAWSError(err, "uploading part "+name)
	}
	return PartRef(key), nil
}

// OpenRange issues a ranged GetObject.
func (b *AWSBackend) OpenRange(ctx context.Context, ref PartRef, offset, length int64) (io.ReadCloser, error) {
	if err := CheckRangeArgs(offset, length); err != nil {
		return nil, err
	}
	if length == 0 {
		return io.NopCloser(eofReader{}), nil
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(string(ref)),
	}
	if offset > 0 || length > 0 {
		input.Range = aws.String(httpRange(offset, length))
	}

	resp, err := b.client.GetObject(ctx, input)
	if err != nil {
		return nil, classifyAWSError(err, "fetching part "+string(ref))
	}
	if length > 0 {
		return RemoteBody(ExactReader(resp.Body, length)), nil
	}
	return RemoteBody(resp.Body), nil
}

// Delete removes the object. S3 does not error on missing keys.
func (b *AWSBackend) Delete(ctx context.Context, ref PartRef) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(string(ref)),
	})
	if err != nil {
		return classifyAWSError(err, "deleting part "+string(ref))
	}
	return nil
}

// MaxPartSize returns the single PutObject ceiling.
func (b *AWSBackend) MaxPartSize() int64 {
	return s3MaxPutSize
}

// HealthCheck verifies the bucket is accessible.
func (b *AWSBackend) HealthCheck(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.Bucket)})
	if err != nil {
		return fmt.Errorf("S3 health check failed: %w", err)
	}
	return nil
}

// classifyAWSError maps SDK errors onto the partstash taxonomy.
func classifyAWSError(err error, op string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	wrapped := fmt.Errorf("%s: %w", op, err)

	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return stasherr.ErrNotFound.WithMessage("%s: no such key", op).WithCause(err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return stasherr.ErrNotFound.WithMessage("%s: no such key", op).WithCause(err)
		case "InvalidRange":
			return stasherr.ErrRangeNotSatisfiable.WithCause(wrapped)
		case "EntityTooLarge":
			return stasherr.ErrPayloadTooLarge.WithCause(wrapped)
		case "SlowDown", "RequestTimeout", "RequestTimeTooSkewed", "InternalError", "ServiceUnavailable", "Throttling", "ThrottlingException":
			return stasherr.ErrTransient.WithCause(wrapped)
		}
	}

	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		return classifyHTTPStatus(respErr.HTTPStatusCode(), wrapped)
	}

	if apiErr != nil && apiErr.ErrorFault() == smithy.FaultServer {
		return stasherr.ErrTransient.WithCause(wrapped)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return stasherr.ErrTransient.WithCause(wrapped)
	}
	if apiErr != nil {
		return stasherr.ErrFatal.WithCause(wrapped)
	}
	return stasherr.ErrTransient.WithCause(wrapped)
}
