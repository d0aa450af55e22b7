package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// SignalStore persists admitted signals.
type SignalStore interface {
	Create(ctx context.Context, sig Signal) error
	GetByID(ctx context.Context, id string) (Signal, error)
}

// DecisionStore persists decisions.
type DecisionStore interface {
	Create(ctx context.Context, d Decision) error
	GetByID(ctx context.Context, id string) (Decision, error)
	ListRecent(ctx context.Context, opts ListOpts) ([]Decision, error)
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]Decision, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PositionStore persists positions.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	Update(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	// GetOpenBySymbol returns the single non-terminal position for the symbol,
	// or ErrNotFound.
	GetOpenBySymbol(ctx context.Context, symbol string) (Position, error)
	ListOpen(ctx context.Context) ([]Position, error)
	CountOpen(ctx context.Context) (int, error)
	ListHistory(ctx context.Context, opts ListOpts) ([]Position, error)
	ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]Position, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}
