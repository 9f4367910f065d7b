package database

import (
	"context"
	"errors"
	"sync"
)

// ErrStubQuery is returned by StubDB when SQL is actually executed
var ErrStubQuery = errors.New("stub database does not execute SQL")

// StubDB is a no-op DB for offline testing with in-memory repositories. It
// provides real transaction scoping semantics — commit fires after-commit
// callbacks, rollback drops them — without touching SQL. Repositories that
// ignore their Querier compose with it directly.
type StubDB struct {
	mu        sync.Mutex
	began     int
	committed int
	rolled    int
}

// NewStubDB creates a new stub database
func NewStubDB() *StubDB {
	return &StubDB{}
}

func (db *StubDB) Exec(ctx context.Context, sql string, arguments ...interface{}) (CommandTag, error) {
	return nil, ErrStubQuery
}

func (db *StubDB) Query(ctx context.Context, sql string, args ...interface{}) (Rows, error) {
	return nil, ErrStubQuery
}

func (db *StubDB) QueryRow(ctx context.Context, sql string, args ...interface{}) Row {
	return stubRow{}
}

func (db *StubDB) Begin(ctx context.Context) (Tx, error) {
	db.mu.Lock()
	db.began++
	db.mu.Unlock()
	return &stubTx{db: db}, nil
}

func (db *StubDB) Close() {}

func (db *StubDB) Ping(ctx context.Context) error { return nil }

func (db *StubDB) Stats() *Stats { return &Stats{} }

// Committed reports how many transactions committed, for tests
func (db *StubDB) Committed() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.committed
}

// RolledBack reports how many transactions rolled back, for tests
func (db *StubDB) RolledBack() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.rolled
}

type stubTx struct {
	db          *StubDB
	afterCommit []func()
}

func (tx *stubTx) Exec(ctx context.Context, sql string, arguments ...interface{}) (CommandTag, error) {
	return nil, ErrStubQuery
}

func (tx *stubTx) Query(ctx context.Context, sql string, args ...interface{}) (Rows, error) {
	return nil, ErrStubQuery
}

func (tx *stubTx) QueryRow(ctx context.Context, sql string, args ...interface{}) Row {
	return stubRow{}
}

func (tx *stubTx) AfterCommit(fn func()) {
	tx.afterCommit = append(tx.afterCommit, fn)
}

func (tx *stubTx) Commit(ctx context.Context) error {
	tx.db.mu.Lock()
	tx.db.committed++
	tx.db.mu.Unlock()

	for _, fn := range tx.afterCommit {
		fn()
	}
	tx.afterCommit = nil
	return nil
}

func (tx *stubTx) Rollback(ctx context.Context) error {
	tx.db.mu.Lock()
	tx.db.rolled++
	tx.db.mu.Unlock()

	tx.afterCommit = nil
	return nil
}

type stubRow struct{}

func (stubRow) Scan(dest ...interface{}) error { return ErrStubQuery }
