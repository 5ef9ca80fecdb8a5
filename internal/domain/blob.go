package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes a stored object, such as an archived cycle file or a
// recorded day of snapshots.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// BlobWriter uploads archives and recordings.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	// PutMultipart streams data of unknown length in parts of at least
	// partSize bytes.
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader fetches recordings for replay. Get returns ErrNotFound for a
// missing path.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver copies one trading day's finished cycles to cold storage and
// prunes what the retention window no longer covers.
type Archiver interface {
	ArchiveCycles(ctx context.Context, day time.Time) (int64, error)
}
