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

// OrderStore persists signed orders keyed by their EIP-712 hash.
type OrderStore interface {
	Create(ctx context.Context, rec OrderRecord) error
	UpdateStatus(ctx context.Context, hash string, status OrderStatus, orderID, reason string) error
	GetByHash(ctx context.Context, hash string) (OrderRecord, error)
	GetByOrderID(ctx context.Context, orderID string) (OrderRecord, error)
	List(ctx context.Context, opts ListOpts) ([]OrderRecord, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditFilter narrows an audit listing. Event matches exactly, or as a
// prefix when it ends in a dot ("order."). Hash matches the order hash
// recorded in the entry detail.
type AuditFilter struct {
	ListOpts
	Event string
	Hash  string
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}
