// Package s3 wraps the AWS SDK S3 client in the narrow surface the blob
// store needs: object puts and a bucket health probe. Callers build an
// SDK client, pass it to New and receive an interface tests can stub
// without AWS.
package s3

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	s3sdk "github.com/aws/aws-sdk-go-v2/service/s3"
)

type (
	// API is the SDK subset the wrapper uses. *s3sdk.Client satisfies it.
	API interface {
		PutObject(ctx context.Context, params *s3sdk.PutObjectInput, optFns ...func(*s3sdk.Options)) (*s3sdk.PutObjectOutput, error)
		HeadBucket(ctx context.Context, params *s3sdk.HeadBucketInput, optFns ...func(*s3sdk.Options)) (*s3sdk.HeadBucketOutput, error)
	}

	// Options configures the client wrapper.
	Options struct {
		// API is the underlying SDK client. Required.
		API API
		// Bucket receives every object. Required.
		Bucket string
		// OperationTimeout bounds individual calls. Zero means 30 seconds.
		OperationTimeout time.Duration
	}

	// Client is the typed handle the blob store uses.
	Client interface {
		// Put stores body at key with the given content type and length.
		Put(ctx context.Context, key, contentType string, size int64, body io.Reader) error
		// Ping verifies the bucket is reachable.
		Ping(ctx context.Context) error
		// Name identifies the dependency in health reports.
		Name() string
	}
)

type client struct {
	api     API
	bucket  string
	timeout time.Duration
}

// New validates the options and constructs a Client.
func New(opts Options) (Client, error) {
	if opts.API == nil {
		return nil, errors.New("s3 api client is required")
	}
	if opts.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	timeout := opts.OperationTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &client{api: opts.API, bucket: opts.Bucket, timeout: timeout}, nil
}

func (c *client) Put(ctx context.Context, key, contentType string, size int64, body io.Reader) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	_, err := c.api.PutObject(ctx, &s3sdk.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(size),
	})
	return err
}

func (c *client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	_, err := c.api.HeadBucket(ctx, &s3sdk.HeadBucketInput{Bucket: aws.String(c.bucket)})
	return err
}

func (c *client) Name() string {
	return "blob-s3"
}
