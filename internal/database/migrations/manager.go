package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/FreeSideNomad/messaging-platform/pkg/logger"
	"go.uber.org/zap"
)

//go:embed schema/*.sql
var migrationFiles embed.FS

// Manager handles database migrations
type Manager struct {
	migrate *migrate.Migrate
	logger  *logger.Logger
}

// NewManager creates a new migration manager over an open database handle
func NewManager(db *sql.DB, log *logger.Logger) (*Manager, error) {
	// Create driver for embedded files
	d, err := iofs.New(migrationFiles, "schema")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance(
		"iofs", d,
		"postgres", driver,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return &Manager{
		migrate: m,
		logger:  log,
	}, nil
}

// Up runs all pending migrations
func (m *Manager) Up() error {
	start := time.Now()
	m.logger.Info("Running database migrations")

	if err := m.migrate.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	m.logger.Info("Migrations completed",
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// Down rolls back all migrations
func (m *Manager) Down() error {
	if err := m.migrate.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to rollback migrations: %w", err)
	}
	return nil
}

// Version returns the current migration version
func (m *Manager) Version() (uint, bool, error) {
	return m.migrate.Version()
}
