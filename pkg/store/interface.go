package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/psantana5/slotem-chrono/pkg/models"
	"github.com/psantana5/slotem-chrono/pkg/retry"
)

// ErrCrossingNotFound is returned when a crossing ID is unknown.
var ErrCrossingNotFound = errors.New("crossing not found")

// Store keeps the relay's log of reported crossings.
// Memory, SQLite and PostgreSQL implement this interface.
type Store interface {
	RecordCrossing(c *models.Crossing) error
	GetCrossing(id string) (*models.Crossing, error)
	// ListCrossings returns crossings newest first.
	ListCrossings(filter models.CrossingFilter) ([]*models.Crossing, error)
	CountCrossings() (int, error)
	HealthCheck() error
	Close() error
}

// Config holds store configuration
type Config struct {
	Type string // "memory", "sqlite" or "postgres"
	DSN  string // file path for sqlite, connection string for postgres

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "memory", "":
		return NewMemoryStore(), nil
	case "sqlite", "sqlite3":
		return NewSQLiteStore(config.DSN)
	case "postgres", "postgresql":
		return NewPostgreSQLStore(config)
	default:
		return nil, fmt.Errorf("unknown store type: %s", config.Type)
	}
}

// OpenWithRetry calls NewStore until it succeeds, so the relay can start
// before its database accepts connections. Configuration errors fail at once.
func OpenWithRetry(ctx context.Context, config Config, rc retry.Config) (Store, error) {
	var s Store
	err := retry.Do(ctx, rc, func() error {
		var err error
		s, err = NewStore(config)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}
