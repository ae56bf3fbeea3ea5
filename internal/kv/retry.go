package kv

import (
	"context"
	"math/rand"
	"time"
)

const (
	retryBackoffBase = 10 * time.Millisecond
	retryBackoffCap  = 1 * time.Second
)

// RunTx runs fn inside a transaction, committing on success. Retryable
// conflicts (1020) restart the transaction from scratch with exponential
// backoff; there is no attempt bound. Any other error aborts and is
// returned to the caller.
func RunTx(ctx context.Context, db DB, fn func(ctx context.Context, tx Tx) error) error {
	backoff := retryBackoffBase
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		tx, err := db.Begin(ctx)
		if err != nil {
			return NewFatal("cannot open transaction", err)
		}

		err = fn(ctx, tx)
		if err == nil {
			err = tx.Commit(ctx)
		}
		if err == nil {
			return nil
		}
		tx.Cancel()

		if !IsRetryable(err) {
			return err
		}

		// Jittered exponential backoff so concurrent conflicting writers
		// do not retry in lockstep.
		delay := backoff/2 + time.Duration(rand.Int63n(int64(backoff/2)+1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		backoff *= 2
		if backoff > retryBackoffCap {
			backoff = retryBackoffCap
		}
	}
}

// ReadTx runs fn inside a transaction without committing, for read-only
// work. The transaction still tracks read conflict ranges but they are
// discarded.
func ReadTx(ctx context.Context, db DB, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return NewFatal("cannot open transaction", err)
	}
	defer tx.Cancel()
	return fn(ctx, tx)
}
