package dbbus

import "context"

// Store opens short-lived sessions against the persistence target.
// The dispatcher is the sole caller; one session per dispatch attempt,
// never shared across concurrent operations.
type Store interface {
	Session(ctx context.Context) (Session, error)
}

// Session is a scoped storage handle. Mutating operations run inside a
// transaction committed on success; Rollback aborts any transaction
// still open after a failure and is a no-op otherwise. Close releases
// the underlying connection and must be called on every exit path.
type Session interface {
	// Insert persists fields as a new row and returns the created
	// record including its generated identifier.
	Insert(ctx context.Context, table string, fields map[string]any) (Record, error)

	// Query returns rows matching filters, projected to columns when
	// columns is non-empty.
	Query(ctx context.Context, table string, columns []string, filters []Filter) ([]Record, error)

	// Update applies the assignments to every row matching filters and
	// returns the mutated row count.
	Update(ctx context.Context, table string, updates []Update, filters []Filter) (int64, error)

	// Delete removes every row matching filters and returns the
	// removed row count.
	Delete(ctx context.Context, table string, filters []Filter) (int64, error)

	Rollback() error
	Close() error
}
