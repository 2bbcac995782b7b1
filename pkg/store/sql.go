package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/psantana5/slotem-chrono/pkg/models"
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL stores.
// Queries are written with ? placeholders and rebound per driver.
type sqlStore struct {
	db      *sql.DB
	dollars bool // PostgreSQL uses $1, $2...
}

const crossingColumns = "id, lane, reported_time, received_at, images, source"

func (s *sqlStore) rebind(query string) string {
	if !s.dollars {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) RecordCrossing(c *models.Crossing) error {
	images, err := json.Marshal(c.Images)
	if err != nil {
		return fmt.Errorf("failed to encode images: %w", err)
	}
	_, err = s.db.Exec(s.rebind(`
		INSERT INTO crossings (`+crossingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)`),
		c.ID, int(c.Lane), c.ReportedTime, c.ReceivedAt.UTC(), string(images), c.Source,
	)
	if err != nil {
		return fmt.Errorf("failed to insert crossing: %w", err)
	}
	return nil
}

func (s *sqlStore) GetCrossing(id string) (*models.Crossing, error) {
	row := s.db.QueryRow(s.rebind(`SELECT `+crossingColumns+` FROM crossings WHERE id = ?`), id)
	c, err := scanCrossing(row)
	if err == sql.ErrNoRows {
		return nil, ErrCrossingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get crossing: %w", err)
	}
	return c, nil
}

func (s *sqlStore) ListCrossings(filter models.CrossingFilter) ([]*models.Crossing, error) {
	query := `SELECT ` + crossingColumns + ` FROM crossings`
	var args []interface{}
	if filter.Lane != 0 {
		query += ` WHERE lane = ?`
		args = append(args, int(filter.Lane))
	}
	query += ` ORDER BY seq DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list crossings: %w", err)
	}
	defer rows.Close()

	out := make([]*models.Crossing, 0)
	for rows.Next() {
		c, err := scanCrossing(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan crossing: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqlStore) CountCrossings() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM crossings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count crossings: %w", err)
	}
	return n, nil
}

func (s *sqlStore) HealthCheck() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCrossing(row scanner) (*models.Crossing, error) {
	var (
		c          models.Crossing
		lane       int
		receivedAt time.Time
		images     sql.NullString
	)
	if err := row.Scan(&c.ID, &lane, &c.ReportedTime, &receivedAt, &images, &c.Source); err != nil {
		return nil, err
	}
	c.Lane = models.Lane(lane)
	c.ReceivedAt = receivedAt
	if images.Valid && images.String != "" && images.String != "null" {
		if err := json.Unmarshal([]byte(images.String), &c.Images); err != nil {
			return nil, fmt.Errorf("failed to decode images: %w", err)
		}
	}
	return &c, nil
}
