// Package dbx wraps a pgxpool.Pool with the deadline and connection
// accounting behavior this system needs: every database call carries a
// deadline (5s default for reads, 5 minutes for lifecycle operations),
// and a connection acquired for one logical operation is released before
// that operation reports completion regardless of outcome. pgxpool
// already releases connections back to the pool as soon as a Query/Exec's
// result is consumed, so this wrapper's job is purely to attach the right
// deadline before delegating.
package dbx

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ReadTimeout is the default deadline for query-path and ingest-path
// database calls.
const ReadTimeout = 5 * time.Second

// LifecycleTimeout is the default deadline for partition catalog and
// archive operations, which can involve a VACUUM FULL or pg_dump.
const LifecycleTimeout = 5 * time.Minute

// Pool wraps *pgxpool.Pool, exposing the Executor/DB-shaped methods the
// rest of the codebase depends on. It keeps no connection counts of its
// own.
type Pool struct {
	*pgxpool.Pool
}

// Open connects to Postgres using dsn, validating the connection with a
// Ping before returning, failing fast at construction time rather than
// on first use.
func Open(ctx context.Context, dsn string) (*Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("dbx: connecting: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, ReadTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("dbx: ping failed: %w", err)
	}
	return &Pool{Pool: pool}, nil
}

// WithReadDeadline returns a context bounded by ReadTimeout, for query-path
// and ingest-path calls.
func WithReadDeadline(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, ReadTimeout)
}

// WithLifecycleDeadline returns a context bounded by LifecycleTimeout, for
// partition catalog and archive calls.
func WithLifecycleDeadline(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, LifecycleTimeout)
}
