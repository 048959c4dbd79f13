package storage

import (
	"context"

	"github.com/pkg/errors"
)

// Usage counts the objects and bytes stored under prefix
func Usage(ctx context.Context, client Client, bucket, prefix string) (int64, int64, error) {
	objCh, errCh := client.ListObjects(ctx, bucket, prefix)

	var totalObjects int64
	var totalSize int64

	for {
		select {
		case obj, ok := <-objCh:
			if !ok {
				return totalObjects, totalSize, drainError(errCh)
			}
			totalObjects++
			totalSize += obj.Size

		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return totalObjects, totalSize, errors.Wrap(err, "error listing objects")
			}

		case <-ctx.Done():
			return totalObjects, totalSize, ctx.Err()
		}
	}
}

// RemovePrefix deletes every object under prefix and returns how many were removed
func RemovePrefix(ctx context.Context, client Client, bucket, prefix string) (int, error) {
	if prefix == "" {
		return 0, errors.New("refusing to remove an empty prefix")
	}

	var keys []string
	objCh, errCh := client.ListObjects(ctx, bucket, prefix)
	for obj := range objCh {
		keys = append(keys, obj.Key)
	}
	if err := drainError(errCh); err != nil {
		return 0, err
	}

	removed := 0
	for _, key := range keys {
		if err := client.RemoveObject(ctx, bucket, key); err != nil {
			return removed, errors.Wrapf(err, "failed to remove %s", key)
		}
		removed++
	}
	return removed, nil
}

func drainError(errCh <-chan error) error {
	if errCh == nil {
		return nil
	}
	if err, ok := <-errCh; ok && err != nil {
		return errors.Wrap(err, "error listing objects")
	}
	return nil
}
