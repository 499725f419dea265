package audit

import (
	"context"
	"time"
)

// Store is the audit-store contract. PostgresStore is the production
// implementation; MemoryStore backs unit tests and degraded_mode.
type Store interface {
	// Insert appends a new record (status open or escalated) and returns
	// its generated id.
	Insert(ctx context.Context, r *Record) (string, error)

	// Resolve atomically transitions an escalated record to resolved,
	// recording the reviewer and notes exactly once.
	Resolve(ctx context.Context, id string, res Resolution) error

	// ByRequestID returns every record for a request_id, newest first.
	ByRequestID(ctx context.Context, requestID string) ([]*Record, error)

	// ByUserID returns a user's records within [since, now), newest first.
	ByUserID(ctx context.Context, userID string, since time.Time, limit int) ([]*Record, error)

	// Healthy reports the store's reachability, observed by the
	// middleware's fail-closed gate.
	Healthy(ctx context.Context) bool

	Close() error
}
