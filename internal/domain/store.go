package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// CycleStore persists finished trade cycles.
type CycleStore interface {
	Insert(ctx context.Context, rec CycleRecord) error
	GetByID(ctx context.Context, id string) (CycleRecord, error)
	List(ctx context.Context, opts ListOpts) ([]CycleRecord, error)
	ListBetween(ctx context.Context, from, to time.Time) ([]CycleRecord, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
