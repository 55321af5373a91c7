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

// MarketStore persists market parameters and the status projection.
type MarketStore interface {
	Create(ctx context.Context, m Market) error
	Get(ctx context.Context, id string) (Market, error)
	List(ctx context.Context, opts ListOpts) ([]Market, error)
	ListByStatus(ctx context.Context, statuses ...Status) ([]Market, error)
}

// EventStore persists each market's append-only event log.
type EventStore interface {
	// Append writes events atomically. It fails with ErrVersionConflict unless
	// the market's current sequence equals expectedSeq, and updates the
	// market's status projection to status in the same transaction.
	Append(ctx context.Context, marketID string, expectedSeq uint64, status Status, events []Event) error
	// Load returns events with Seq > afterSeq in order.
	Load(ctx context.Context, marketID string, afterSeq uint64) ([]Event, error)
}

// Store is the full persistence port.
type Store interface {
	MarketStore
	EventStore
	AuditStore
	Close() error
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
	ListAudit(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
