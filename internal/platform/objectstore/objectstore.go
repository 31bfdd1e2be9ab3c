// Package objectstore wraps an S3-compatible bucket (MinIO) used for task
// inputs and outputs such as image variants.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/kronk/taskengine/internal/config"
)

var (
	// ErrObjectNotFound is returned when the requested key does not exist.
	ErrObjectNotFound = errors.New("object not found")
	// ErrObjectTooLarge is returned by Get for objects above the size limit.
	ErrObjectTooLarge = errors.New("object too large")
)

const (
	// defaultRegion avoids a bucket-location round trip on every request.
	defaultRegion = "us-east-1"

	// DefaultMaxObjectSize bounds what Get reads into memory.
	DefaultMaxObjectSize int64 = 32 << 20
)

// Client reads and writes objects in a single bucket.
type Client struct {
	mc      *minio.Client
	bucket  string
	maxSize int64
	logger  *slog.Logger
}

// New creates a Client for cfg. No request is made until the first call.
func New(cfg config.ObjectStoreConfig, logger *slog.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("object store endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("object store bucket is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: defaultRegion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	maxSize := cfg.MaxObjectSize
	if maxSize <= 0 {
		maxSize = DefaultMaxObjectSize
	}

	return &Client{
		mc:      mc,
		bucket:  cfg.Bucket,
		maxSize: maxSize,
		logger:  logger.With("component", "objectstore", "bucket", cfg.Bucket),
	}, nil
}

// Bucket returns the bucket name.
func (c *Client) Bucket() string {
	return c.bucket
}

// EnsureBucket creates the bucket when it does not exist yet.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", c.bucket, err)
	}
	if exists {
		return nil
	}
	if err := c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{Region: defaultRegion}); err != nil {
		return fmt.Errorf("create bucket %s: %w", c.bucket, err)
	}
	c.logger.Info("created bucket")
	return nil
}

// Get returns the object's content and content type.
func (c *Client) Get(ctx context.Context, key string) ([]byte, string, error) {
	obj, err := c.mc.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", fmt.Errorf("get object %s: %w", key, err)
	}
	defer func() { _ = obj.Close() }()

	info, err := obj.Stat()
	if err != nil {
		return nil, "", c.mapError(key, err)
	}

	if info.Size > c.maxSize {
		return nil, "", fmt.Errorf("%w: %s is %d bytes, limit %d", ErrObjectTooLarge, key, info.Size, c.maxSize)
	}

	// The stated size is not trusted; reading stops one byte past the limit.
	data, err := io.ReadAll(io.LimitReader(obj, c.maxSize+1))
	if err != nil {
		return nil, "", c.mapError(key, err)
	}
	if int64(len(data)) > c.maxSize {
		return nil, "", fmt.Errorf("%w: %s exceeds %d bytes", ErrObjectTooLarge, key, c.maxSize)
	}
	return data, info.ContentType, nil
}

// Put stores data under key.
func (c *Client) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := c.mc.PutObject(ctx, c.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	c.logger.Debug("stored object", "key", key, "size", len(data))
	return nil
}

func (c *Client) mapError(key string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return fmt.Errorf("read object %s: %w", key, err)
}
