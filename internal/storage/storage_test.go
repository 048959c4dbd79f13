package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryClient struct {
	mu      sync.Mutex
	objects map[string]int64
	listErr error
}

func (c *memoryClient) ListObjects(ctx context.Context, bucket, prefix string) (<-chan ObjectInfo, <-chan error) {
	c.mu.Lock()
	var infos []ObjectInfo
	for k, size := range c.objects {
		if strings.HasPrefix(k, prefix) {
			infos = append(infos, ObjectInfo{Key: k, Size: size})
		}
	}
	listErr := c.listErr
	c.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })

	objCh := make(chan ObjectInfo)
	errCh := make(chan error, 1)
	go func() {
		defer close(objCh)
		defer close(errCh)
		if listErr != nil {
			errCh <- listErr
			return
		}
		for _, info := range infos {
			objCh <- info
		}
	}()
	return objCh, errCh
}

func (c *memoryClient) RemoveObject(ctx context.Context, bucket, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.objects, key)
	return nil
}

func TestUsage(t *testing.T) {
	client := &memoryClient{objects: map[string]int64{
		"backups/u1/b1/part-0": 100,
		"backups/u1/b1/part-1": 50,
		"backups/u1/b2/part-0": 7,
	}}

	count, size, err := Usage(context.Background(), client, "bucket", "backups/u1/b1/")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.Equal(t, int64(150), size)

	client.listErr = errors.New("access denied")
	_, _, err = Usage(context.Background(), client, "bucket", "backups/")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

func TestRemovePrefix(t *testing.T) {
	client := &memoryClient{objects: map[string]int64{
		"backups/u1/b1/part-0": 100,
		"backups/u1/b1/part-1": 50,
		"backups/u1/b2/part-0": 7,
	}}

	removed, err := RemovePrefix(context.Background(), client, "bucket", "backups/u1/b1/")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Len(t, client.objects, 1)

	_, err = RemovePrefix(context.Background(), client, "bucket", "")
	assert.Error(t, err)
}

func TestParseEndpoint(t *testing.T) {
	cases := []struct {
		endpoint string
		secure   bool
		host     string
		tls      bool
	}{
		{"localhost:9000", false, "localhost:9000", false},
		{"localhost:9000", true, "localhost:9000", true},
		{"http://minio:9000", true, "minio:9000", false},
		{"https://s3.example.com/", false, "s3.example.com", true},
	}
	for _, c := range cases {
		host, tls, err := parseEndpoint(c.endpoint, c.secure)
		require.NoError(t, err, c.endpoint)
		assert.Equal(t, c.host, host, c.endpoint)
		assert.Equal(t, c.tls, tls, c.endpoint)
	}

	for _, bad := range []string{"", "minio:9000/path", "http://minio:9000/bucket", "ftp://minio:9000"} {
		_, _, err := parseEndpoint(bad, false)
		assert.Error(t, err, bad)
	}
}
