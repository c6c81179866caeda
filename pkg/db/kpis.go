package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertKPISnapshot stores a JSON-encoded KPI snapshot.
func (d *Database) InsertKPISnapshot(ctx context.Context, takenAt time.Time, payload []byte) error {
	if _, err := d.DB.ExecContext(ctx, `INSERT INTO kpis (taken_at, payload) VALUES (?, ?)`, nanos(takenAt), string(payload)); err != nil {
		return fmt.Errorf("insert kpi snapshot: %w", err)
	}
	return nil
}

// LatestKPISnapshot returns the most recent snapshot payload.
func (d *Database) LatestKPISnapshot(ctx context.Context) (time.Time, []byte, error) {
	var (
		at      int64
		payload string
	)
	err := d.DB.QueryRowContext(ctx, `SELECT taken_at, payload FROM kpis ORDER BY id DESC LIMIT 1`).Scan(&at, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil, ErrNotFound
	}
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("latest kpi snapshot: %w", err)
	}
	return fromNanos(at), []byte(payload), nil
}
