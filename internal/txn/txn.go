// Package txn owns transaction acquisition for the gauge core. Repositories
// never open connections of their own: every read and write goes through the
// Tx handed to them by Runner.Run.
package txn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"gauge-tracking-backend/internal/apperr"
	"gauge-tracking-backend/internal/logger"
)

// PostgreSQL SQLSTATE codes that mean "gave up waiting, nothing was applied".
const (
	sqlStateLockNotAvailable     = "55P03"
	sqlStateQueryCanceled        = "57014"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateSerializationFailure = "40001"
)

// Tx is a handle on an open transaction.
type Tx struct {
	db *gorm.DB
}

// DB returns the transaction-bound gorm handle. A zero Tx panics: it can only
// come from code that bypassed Runner.Run.
func (t Tx) DB() *gorm.DB {
	if t.db == nil {
		panic("txn: zero Tx used outside Runner.Run")
	}
	return t.db
}

// Context returns the context the transaction was opened with.
func (t Tx) Context() context.Context {
	return t.DB().Statement.Context
}

// Runner opens one transaction per call.
type Runner struct {
	db          *gorm.DB
	lockTimeout time.Duration
	log         *logger.Logger
}

// NewRunner creates a Runner. lockTimeout bounds row-lock waits when the
// caller's context carries no deadline.
func NewRunner(db *gorm.DB, lockTimeout time.Duration, log *logger.Logger) *Runner {
	return &Runner{
		db:          db,
		lockTimeout: lockTimeout,
		log:         log.With("component", "txn"),
	}
}

// Run executes fn inside a single transaction. Any error returned by fn, or a
// panic, rolls the whole transaction back. Deadline and lock-wait failures
// come back as apperr timeouts.
func (r *Runner) Run(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return classify(ctx, err)
	}

	err := r.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		if gtx.Dialector.Name() == "postgres" {
			if err := r.setLockTimeout(ctx, gtx); err != nil {
				return err
			}
		}
		return fn(Tx{db: gtx})
	})
	if err != nil {
		classified := classify(ctx, err)
		if apperr.KindOf(classified) == apperr.KindTimeout {
			r.log.Warn("transaction rolled back on timeout", "error", err)
		}
		return classified
	}
	return nil
}

// setLockTimeout scopes lock_timeout to the transaction: the remaining caller
// deadline when there is one, the configured default otherwise.
func (r *Runner) setLockTimeout(ctx context.Context, gtx *gorm.DB) error {
	timeout := r.lockTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		return nil
	}
	ms := timeout.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	if err := gtx.Exec(fmt.Sprintf("SET LOCAL lock_timeout = %d", ms)).Error; err != nil {
		return fmt.Errorf("set lock_timeout: %w", err)
	}
	return nil
}

func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if apperr.KindOf(err) != "" {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateLockNotAvailable:
			return apperr.Timeout("lock_not_available").Wrap(err)
		case sqlStateQueryCanceled:
			return apperr.Timeout("statement_cancelled").Wrap(err)
		case sqlStateDeadlockDetected:
			return apperr.Timeout("deadlock_detected").Wrap(err)
		case sqlStateSerializationFailure:
			return apperr.Timeout("serialization_failure").Wrap(err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperr.Timeout("deadline_exceeded").Wrap(err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return apperr.Timeout("cancelled").Wrap(err)
	}
	return err
}
