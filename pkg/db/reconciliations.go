package db

import (
	"context"
	"fmt"
	"time"
)

// ReconciliationRow is one stored reconciliation report.
type ReconciliationRow struct {
	ID         int64
	Kind       string // orders | holdings
	TakenAt    time.Time
	Mismatches int
	Payload    []byte
}

// InsertReconciliation stores a JSON-encoded reconciliation report.
func (d *Database) InsertReconciliation(ctx context.Context, r ReconciliationRow) error {
	_, err := d.DB.ExecContext(ctx,
		`INSERT INTO reconciliations (kind, taken_at, mismatches, payload) VALUES (?, ?, ?, ?)`,
		r.Kind, nanos(r.TakenAt), r.Mismatches, string(r.Payload))
	if err != nil {
		return fmt.Errorf("insert reconciliation: %w", err)
	}
	return nil
}

// ListReconciliations returns the newest reports first.
func (d *Database) ListReconciliations(ctx context.Context, limit int) ([]ReconciliationRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.DB.QueryContext(ctx,
		`SELECT id, kind, taken_at, mismatches, payload FROM reconciliations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list reconciliations: %w", err)
	}
	defer rows.Close()

	var out []ReconciliationRow
	for rows.Next() {
		var (
			r       ReconciliationRow
			at      int64
			payload string
		)
		if err := rows.Scan(&r.ID, &r.Kind, &at, &r.Mismatches, &payload); err != nil {
			return nil, err
		}
		r.TakenAt = fromNanos(at)
		r.Payload = []byte(payload)
		out = append(out, r)
	}
	return out, rows.Err()
}
