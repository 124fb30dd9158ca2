package db

import (
	"context"
	"database/sql"
)

// Database is the connection-level handle shared by repositories.
type Database interface {
	Querier

	// BeginTx starts a transaction with the given options (nil means driver defaults)
	BeginTx(ctx context.Context, opts *TxOptions) (Transaction, error)

	// Transaction runs fn inside a transaction, committing on nil and rolling back otherwise
	Transaction(ctx context.Context, fn func(tx Transaction) error) error

	Ping(ctx context.Context) error
	Close() error
}

// Transaction is an open database transaction.
type Transaction interface {
	Querier
	Commit() error
	Rollback() error
}

// Rows is the result of a query.
type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close() error
	Err() error
}

// Row is the result of QueryRow.
type Row interface {
	Scan(dest ...interface{}) error
}

// Result summarizes an executed statement.
type Result interface {
	LastInsertId() (int64, error)
	RowsAffected() (int64, error)
}

// IsolationLevel mirrors sql.IsolationLevel without leaking database/sql into callers.
type IsolationLevel int

const (
	IsolationDefault IsolationLevel = iota
	IsolationReadCommitted
	IsolationRepeatableRead
	IsolationSerializable
)

// TxOptions holds transaction options
type TxOptions struct {
	Isolation IsolationLevel
	ReadOnly  bool
}

// ConvertTxOptions maps TxOptions to database/sql options.
func ConvertTxOptions(opts *TxOptions) *sql.TxOptions {
	if opts == nil {
		return nil
	}
	sqlOpts := &sql.TxOptions{ReadOnly: opts.ReadOnly}
	switch opts.Isolation {
	case IsolationReadCommitted:
		sqlOpts.Isolation = sql.LevelReadCommitted
	case IsolationRepeatableRead:
		sqlOpts.Isolation = sql.LevelRepeatableRead
	case IsolationSerializable:
		sqlOpts.Isolation = sql.LevelSerializable
	default:
		sqlOpts.Isolation = sql.LevelDefault
	}
	return sqlOpts
}
