package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Retry policy for the row-locking transactions (UpdateRunStatus,
// ClaimDispatchEntries). Writers racing on overlapping rows can deadlock or
// lose a serialization race; both resolve by replaying the transaction.
const (
	txMaxRetries = 3
	txRetryBase  = 50 * time.Millisecond
)

// Postgres codes 40001 (serialization_failure) and 40P01 (deadlock_detected)
// mean the transaction lost a concurrency race and can be replayed verbatim.
func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01")
}

// WithRetry runs fn, replaying it up to maxRetries extra times when it fails
// with a retriable Postgres error. Waits between attempts grow exponentially
// from base, with full jitter so a herd of conflicting writers does not
// re-collide in lockstep. Any other error, the store's sentinels included,
// returns immediately.
func WithRetry(ctx context.Context, maxRetries int, base time.Duration, fn func() error) error {
	delay := base
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !isRetriable(err) || attempt == maxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + time.Duration(rand.Int64N(int64(delay)))):
		}
		delay *= 2
	}
}
