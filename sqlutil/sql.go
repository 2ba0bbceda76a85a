package sqlutil

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// MaxTransactionAttempts bounds how often WithTransaction runs a block that keeps failing with
// a transient error.
var MaxTransactionAttempts = 3

// postgres error codes which mean the transaction lost a race and may succeed if retried
var transientCodes = map[pq.ErrorCode]struct{}{
	"40001": {}, // serialization_failure
	"40P01": {}, // deadlock_detected
}

// IsTransient returns true if err came from postgres aborting the transaction because of a
// concurrent one.
func IsTransient(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	_, ok := transientCodes[pqErr.Code]
	return ok
}

// WithTransaction runs fn inside an SQL transaction which is committed if fn returns nil and
// rolled back if fn returns an error or panics. A transaction aborted by postgres because of a
// concurrent one is run again from the start, so fn must not have side effects outside txn.
func WithTransaction(ctx context.Context, db *sqlx.DB, fn func(txn *sqlx.Tx) error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(&backoff.ExponentialBackOff{
		InitialInterval:     10 * time.Millisecond,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         200 * time.Millisecond,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}, uint64(MaxTransactionAttempts-1)), ctx)
	return backoff.Retry(func() error {
		err := runTransaction(ctx, db, fn)
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

func runTransaction(ctx context.Context, db *sqlx.DB, fn func(txn *sqlx.Tx) error) (err error) {
	txn, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("WithTransaction.Begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil && err == nil {
			err = fmt.Errorf("panic: %v", p)
		}
		if err != nil {
			// the block's error is the interesting one
			_ = txn.Rollback()
			return
		}
		if cerr := txn.Commit(); cerr != nil {
			err = fmt.Errorf("WithTransaction.Commit: %w", cerr)
		}
	}()
	return fn(txn)
}
