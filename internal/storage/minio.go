package storage

import (
	"context"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

// MinIOClient reaches backup artifacts in any S3 compatible store
type MinIOClient struct {
	client *minio.Client
}

// NewMinIOClient creates a client for cfg.Endpoint
func NewMinIOClient(cfg Config) (*MinIOClient, error) {
	host, secure, err := parseEndpoint(cfg.Endpoint, cfg.Secure)
	if err != nil {
		return nil, err
	}
	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create object storage client for %s", host)
	}
	return &MinIOClient{client: client}, nil
}

// parseEndpoint splits an endpoint into the host:port minio-go expects and
// whether TLS is used. Paths are rejected since buckets are addressed separately.
func parseEndpoint(endpoint string, secure bool) (string, bool, error) {
	if endpoint == "" {
		return "", false, errors.New("storage endpoint is empty")
	}
	if !strings.Contains(endpoint, "://") {
		if strings.Contains(endpoint, "/") {
			return "", false, errors.Errorf("storage endpoint %q has a path, use host:port", endpoint)
		}
		return endpoint, secure, nil
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, errors.Wrapf(err, "invalid storage endpoint %q", endpoint)
	}
	switch u.Scheme {
	case "http":
		secure = false
	case "https":
		secure = true
	default:
		return "", false, errors.Errorf("storage endpoint %q has unsupported scheme %s", endpoint, u.Scheme)
	}
	if strings.Trim(u.Path, "/") != "" {
		return "", false, errors.Errorf("storage endpoint %q has a path, use host:port", endpoint)
	}
	return u.Host, secure, nil
}

// ListObjects streams every object under prefix. At most one error is sent.
func (c *MinIOClient) ListObjects(ctx context.Context, bucket, prefix string) (<-chan ObjectInfo, <-chan error) {
	objCh := make(chan ObjectInfo)
	errCh := make(chan error, 1)

	go func() {
		defer close(objCh)
		defer close(errCh)

		opts := minio.ListObjectsOptions{Prefix: prefix, Recursive: true}
		for obj := range c.client.ListObjects(ctx, bucket, opts) {
			if obj.Err != nil {
				errCh <- errors.Wrapf(obj.Err, "list %s/%s", bucket, prefix)
				return
			}
			select {
			case objCh <- ObjectInfo{Key: obj.Key, Size: obj.Size}:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()

	return objCh, errCh
}

// RemoveObject deletes one object
func (c *MinIOClient) RemoveObject(ctx context.Context, bucket, key string) error {
	return c.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
}
