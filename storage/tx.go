package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"gorm.io/gorm"
)

// txTimeout bounds every transaction; past it the context aborts the
// transaction as if interrupted.
const txTimeout = 10 * time.Second

// ErrRollback is the interrupt sentinel. Returning it from an interruptible
// transaction discards the transaction's writes without surfacing a failure:
// a business-rule dead end, not an infrastructure fault. The callback
// communicates its outcome through values it captured; the caller just sees
// a clean rollback.
var ErrRollback = errors.New("storage: rollback")

// RunInterruptible executes fn inside a transaction at the repository's
// isolation level. Returning nil commits; returning ErrRollback rolls back
// and yields nil to the caller; any other error rolls back and propagates.
//
// The callback receives the deadline-bound context and must use it for every
// statement it issues, so the timeout covers the whole transaction and not
// just begin/commit.
//
// Repeatable-read keeps revocation and token minting for the same
// (user, client) pair serialized, so a refresh in flight cannot survive a
// concurrent revoke.
func (r *Repository) RunInterruptible(ctx context.Context, fn func(ctx context.Context, tx *Repository) error) error {
	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &Repository{db: tx, isolation: r.isolation})
	}, &sql.TxOptions{Isolation: r.isolation})

	if errors.Is(err, ErrRollback) {
		return nil
	}
	return err
}
