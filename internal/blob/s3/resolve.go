package s3blob

import (
	"context"
	"fmt"
	"strings"

	"github.com/alanyoungcy/elephantbot/internal/domain"
)

// ResolveKey turns a configured replay key into an object path. A key
// ending in "/" is a prefix and resolves to the most recently modified
// object under it; any other key must exist as given.
func ResolveKey(ctx context.Context, r domain.BlobReader, key string) (string, error) {
	if !strings.HasSuffix(key, "/") {
		ok, err := r.Exists(ctx, key)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("s3blob: %s: %w", key, domain.ErrNotFound)
		}
		return key, nil
	}

	infos, err := r.List(ctx, key)
	if err != nil {
		return "", err
	}
	var newest domain.BlobInfo
	for _, info := range infos {
		if strings.HasSuffix(info.Path, "/") {
			continue
		}
		if newest.Path == "" || info.LastModified.After(newest.LastModified) ||
			(info.LastModified.Equal(newest.LastModified) && info.Path > newest.Path) {
			newest = info
		}
	}
	if newest.Path == "" {
		return "", fmt.Errorf("s3blob: no objects under %s: %w", key, domain.ErrNotFound)
	}
	return newest.Path, nil
}
