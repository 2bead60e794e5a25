// Package objectstore wraps a generic S3-compatible object store behind
// the capability set the event store needs: exists, get-properties (entity
// tag), get-object, put-object with If-Match/If-None-Match, and
// list-objects-v2 with prefix and continuation.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config configures a Client's connection to an S3-compatible endpoint.
type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
}

// Client wraps *minio.Client; New validates the configuration before
// dialing, and EnsureBucket rejects an uninitialized client.
type Client struct {
	raw *minio.Client
}

// New creates a Client. Fail-fast: validates configuration before dialing.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("objectstore: endpoint is required")
	}
	raw, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: failed to create client: %w", err)
	}
	return &Client{raw: raw}, nil
}

// EnsureBucket creates the bucket if it doesn't exist and autoCreate is
// true; otherwise it verifies the bucket exists.
func (c *Client) EnsureBucket(ctx context.Context, bucket string, autoCreate bool) error {
	if c == nil || c.raw == nil {
		return fmt.Errorf("objectstore: client not initialized")
	}
	exists, err := c.raw.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("objectstore: BucketExists(%s): %w", bucket, err)
	}
	if exists {
		return nil
	}
	if !autoCreate {
		return fmt.Errorf("objectstore: bucket %s does not exist and auto-create is disabled", bucket)
	}
	if err := c.raw.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		// Idempotent against a concurrent creator.
		exists, existsErr := c.raw.BucketExists(ctx, bucket)
		if existsErr == nil && exists {
			return nil
		}
		return fmt.Errorf("objectstore: MakeBucket(%s): %w", bucket, err)
	}
	return nil
}

// Exists reports whether an object is present.
func (c *Client) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := c.raw.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("objectstore: StatObject(%s/%s): %w", bucket, key, err)
	}
	return true, nil
}

// GetProperties returns the current ETag for an object.
func (c *Client) GetProperties(ctx context.Context, bucket, key string) (etag string, err error) {
	info, err := c.raw.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("objectstore: StatObject(%s/%s): %w", bucket, key, err)
	}
	return info.ETag, nil
}

// GetObject downloads the full object body along with its ETag.
func (c *Client) GetObject(ctx context.Context, bucket, key string) ([]byte, string, error) {
	obj, err := c.raw.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", fmt.Errorf("objectstore: GetObject(%s/%s): %w", bucket, key, err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		if isNotFound(err) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("objectstore: Stat(%s/%s): %w", bucket, key, err)
	}
	body, err := io.ReadAll(obj)
	if err != nil {
		return nil, "", fmt.Errorf("objectstore: read body(%s/%s): %w", bucket, key, err)
	}
	return body, info.ETag, nil
}

// GetObjectRange downloads a byte range [start, end) of an object. end<0
// means "to the end of the object".
func (c *Client) GetObjectRange(ctx context.Context, bucket, key string, start, end int64) ([]byte, error) {
	opts := minio.GetObjectOptions{}
	var setErr error
	if end >= 0 {
		setErr = opts.SetRange(start, end-1)
	} else {
		setErr = opts.SetRange(start, -1)
	}
	if setErr != nil {
		return nil, fmt.Errorf("objectstore: invalid range: %w", setErr)
	}
	obj, err := c.raw.GetObject(ctx, bucket, key, opts)
	if err != nil {
		return nil, fmt.Errorf("objectstore: GetObject range(%s/%s): %w", bucket, key, err)
	}
	defer obj.Close()
	body, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("objectstore: read range body(%s/%s): %w", bucket, key, err)
	}
	return body, nil
}

// PutObject writes body under an optimistic-concurrency precondition:
// ifMatch (non-empty) requires the object's current ETag to equal it;
// ifNoneMatchAny requires the object to not exist at all. Exactly one of
// these should be meaningful per call, mirroring If-Match / If-None-Match.
func (c *Client) PutObject(ctx context.Context, bucket, key string, body []byte, ifMatch string, ifNoneMatchAny bool) (newETag string, err error) {
	if ifMatch != "" || ifNoneMatchAny {
		if err := c.checkPrecondition(ctx, bucket, key, ifMatch, ifNoneMatchAny); err != nil {
			return "", err
		}
	}
	info, err := c.raw.PutObject(ctx, bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("objectstore: PutObject(%s/%s): %w", bucket, key, err)
	}
	return info.ETag, nil
}

// checkPrecondition emulates If-Match/If-None-Match since the S3 API this
// client targets doesn't universally support conditional PUT headers. The
// check and the put are separate requests, so a writer that lands between
// them is not detected here.
func (c *Client) checkPrecondition(ctx context.Context, bucket, key, ifMatch string, ifNoneMatchAny bool) error {
	info, err := c.raw.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	switch {
	case err != nil && isNotFound(err):
		if ifNoneMatchAny {
			return nil
		}
		return ErrPreconditionFailed
	case err != nil:
		return fmt.Errorf("objectstore: StatObject(%s/%s): %w", bucket, key, err)
	default:
		if ifNoneMatchAny {
			return ErrPreconditionFailed
		}
		if ifMatch != "" && info.ETag != ifMatch {
			return ErrPreconditionFailed
		}
		return nil
	}
}

// ListObjectsV2 lists keys under prefix, paging via continuation token.
func (c *Client) ListObjectsV2(ctx context.Context, bucket, prefix, continuationToken string, maxKeys int) (keys []string, nextToken string, err error) {
	opts := minio.ListObjectsOptions{
		Prefix:     prefix,
		Recursive:  true,
		MaxKeys:    maxKeys,
		StartAfter: continuationToken,
	}
	for obj := range c.raw.ListObjects(ctx, bucket, opts) {
		if obj.Err != nil {
			return nil, "", fmt.Errorf("objectstore: ListObjects(%s): %w", bucket, obj.Err)
		}
		keys = append(keys, obj.Key)
		if maxKeys > 0 && len(keys) >= maxKeys {
			nextToken = obj.Key
			break
		}
	}
	return keys, nextToken, nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NotFound" || resp.StatusCode == 404
}

// Sentinel errors.
var (
	ErrNotFound           = fmt.Errorf("objectstore: object not found")
	ErrPreconditionFailed = fmt.Errorf("objectstore: precondition failed")
)
