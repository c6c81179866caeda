package db

import (
	"context"
	"fmt"
	"time"
)

// HaltRow records an asset on which automated trading was stopped.
type HaltRow struct {
	Asset          string
	Kind           string
	Reason         string
	OrderID        string
	LastState      string
	HaltedAt       time.Time
	AcknowledgedAt time.Time
	AcknowledgedBy string
}

// Active reports whether the halt still blocks trading.
func (h HaltRow) Active() bool { return h.AcknowledgedAt.IsZero() }

// UpsertHalt records or re-arms a halt for an asset.
func (d *Database) UpsertHalt(ctx context.Context, h HaltRow) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO halts (asset, kind, reason, order_id, last_state, halted_at, acknowledged_at, acknowledged_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(asset) DO UPDATE SET
			kind = excluded.kind,
			reason = excluded.reason,
			order_id = excluded.order_id,
			last_state = excluded.last_state,
			halted_at = excluded.halted_at,
			acknowledged_at = excluded.acknowledged_at,
			acknowledged_by = excluded.acknowledged_by`,
		h.Asset, h.Kind, h.Reason, h.OrderID, h.LastState, nanos(h.HaltedAt), nanos(h.AcknowledgedAt), h.AcknowledgedBy,
	)
	if err != nil {
		return fmt.Errorf("upsert halt %s: %w", h.Asset, err)
	}
	return nil
}

// ListHalts returns every recorded halt, newest first.
func (d *Database) ListHalts(ctx context.Context) ([]HaltRow, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT asset, kind, reason, order_id, last_state, halted_at, acknowledged_at, acknowledged_by
		FROM halts ORDER BY halted_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list halts: %w", err)
	}
	defer rows.Close()

	var out []HaltRow
	for rows.Next() {
		var (
			h             HaltRow
			halted, acked int64
		)
		if err := rows.Scan(&h.Asset, &h.Kind, &h.Reason, &h.OrderID, &h.LastState, &halted, &acked, &h.AcknowledgedBy); err != nil {
			return nil, err
		}
		h.HaltedAt = fromNanos(halted)
		h.AcknowledgedAt = fromNanos(acked)
		out = append(out, h)
	}
	return out, rows.Err()
}
