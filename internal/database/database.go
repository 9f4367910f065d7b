package database

import (
	"context"
	"time"
)

// Querier is the subset of operations shared by a pooled connection and an
// open transaction. Repositories accept a Querier so the same method works
// inside and outside a transactional scope.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) Row
}

// DB defines the interface for database operations
type DB interface {
	Querier

	// Transaction management
	Begin(ctx context.Context) (Tx, error)

	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Stats and metrics
	Stats() *Stats
}

// Tx represents a database transaction. Callbacks registered with
// AfterCommit run after a successful Commit, in registration order; they are
// dropped on Rollback. The callback list lives on the transaction handle,
// never on ambient state.
type Tx interface {
	Querier

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	AfterCommit(fn func())
}

// Row represents a single database row
type Row interface {
	Scan(dest ...interface{}) error
}

// Rows represents multiple database rows
type Rows interface {
	Close()
	Err() error
	Next() bool
	Scan(dest ...interface{}) error
}

// CommandTag represents the results of an Exec command
type CommandTag interface {
	RowsAffected() int64
}

// Stats provides database statistics
type Stats struct {
	MaxOpenConnections int
	OpenConnections    int
	InUse              int
	Idle               int
}

// Options contains database configuration options
type Options struct {
	Host        string
	Port        int
	User        string
	Password    string
	Database    string
	MaxConns    int32
	MinConns    int32
	MaxIdleTime time.Duration
	DialTimeout time.Duration
}

// WithTx runs fn inside a transaction. The transaction is rolled back when fn
// returns an error and committed otherwise; after-commit callbacks fire only
// on successful commit.
func WithTx(ctx context.Context, db DB, fn func(tx Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}
