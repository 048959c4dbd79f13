package storage

import "context"

// Client lists and removes backup artifacts in object storage
type Client interface {
	ListObjects(ctx context.Context, bucket, prefix string) (<-chan ObjectInfo, <-chan error)
	RemoveObject(ctx context.Context, bucket, key string) error
}

// ObjectInfo is one stored artifact
type ObjectInfo struct {
	Key  string
	Size int64
}

// Config locates the object store. An http:// or https:// endpoint also
// decides Secure; a bare host:port uses Secure as given.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
}
