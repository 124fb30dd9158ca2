package db

import (
	"context"
	"database/sql"
	"errors"
)

// Querier is the query surface shared by Database and Transaction.
type Querier interface {
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) Row
	Exec(ctx context.Context, query string, args ...interface{}) (Result, error)
}

// GetQuerier returns tx when a repository call joins a transaction, else database.
func GetQuerier(database Database, tx Transaction) Querier {
	if tx != nil {
		return tx
	}
	return database
}

func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
