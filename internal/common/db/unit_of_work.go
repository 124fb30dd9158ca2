package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrUnitOfWorkClosed is returned when a finished unit of work is reused.
var ErrUnitOfWorkClosed = errors.New("unit of work already finished")

// UnitOfWork wraps one transaction and the hooks that must run once it commits.
// Hooks never run on rollback.
type UnitOfWork struct {
	tx Transaction

	mu     sync.Mutex
	hooks  []func(ctx context.Context)
	closed bool
}

// BeginUnitOfWork opens a transaction on database with opts.
func BeginUnitOfWork(ctx context.Context, database Database, opts *TxOptions) (*UnitOfWork, error) {
	if database == nil {
		return nil, fmt.Errorf("database is nil")
	}
	tx, err := database.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &UnitOfWork{tx: tx}, nil
}

// Tx returns the underlying transaction.
func (u *UnitOfWork) Tx() Transaction {
	return u.tx
}

// AfterCommit registers fn to run after a successful Commit, in registration order.
func (u *UnitOfWork) AfterCommit(fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	u.mu.Lock()
	u.hooks = append(u.hooks, fn)
	u.mu.Unlock()
}

// Commit commits the transaction and then runs the registered hooks.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ErrUnitOfWorkClosed
	}
	u.closed = true
	hooks := u.hooks
	u.hooks = nil
	u.mu.Unlock()

	if err := u.tx.Commit(); err != nil {
		return err
	}
	for _, hook := range hooks {
		hook(ctx)
	}
	return nil
}

// Rollback aborts the transaction. Calling it after Commit is a no-op.
func (u *UnitOfWork) Rollback() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	u.hooks = nil
	u.mu.Unlock()
	return u.tx.Rollback()
}

// RunInUnitOfWork runs fn inside a unit of work. A nil return commits and fires the
// after-commit hooks; any error or panic rolls back.
func RunInUnitOfWork(ctx context.Context, database Database, opts *TxOptions, fn func(uow *UnitOfWork) error) (err error) {
	uow, err := BeginUnitOfWork(ctx, database, opts)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = uow.Rollback()
			panic(p)
		}
	}()

	if err := fn(uow); err != nil {
		if rbErr := uow.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	return uow.Commit(ctx)
}

// RunInTransaction is RunInUnitOfWork for callers that only need the transaction.
func RunInTransaction(ctx context.Context, database Database, opts *TxOptions, fn func(tx Transaction) error) error {
	return RunInUnitOfWork(ctx, database, opts, func(uow *UnitOfWork) error {
		return fn(uow.Tx())
	})
}
