package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderRow is the persisted form of an order.
type OrderRow struct {
	ClientOrderID   string
	ExchangeOrderID string
	Symbol          string
	Asset           string
	Side            string
	Type            string
	Qty             decimal.Decimal
	LimitPrice      decimal.Decimal
	Status          string
	Reason          string
	FilledQty       decimal.Decimal
	AvgFillPrice    decimal.Decimal
	StrategyTag     string
	Attempts        int
	Deadline        time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OrderFilter narrows ListOrders.
type OrderFilter struct {
	Statuses []string
	Symbol   string
	Limit    int
}

const orderColumns = `client_order_id, exchange_order_id, symbol, asset, side, type, qty, limit_price,
	status, reason, filled_qty, avg_fill_price, strategy_tag, attempts, deadline, created_at, updated_at`

// UpsertOrder inserts or replaces the mutable fields of an order.
func (d *Database) UpsertOrder(ctx context.Context, o OrderRow) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_order_id) DO UPDATE SET
			exchange_order_id = excluded.exchange_order_id,
			status = excluded.status,
			reason = excluded.reason,
			filled_qty = excluded.filled_qty,
			avg_fill_price = excluded.avg_fill_price,
			attempts = excluded.attempts,
			deadline = excluded.deadline,
			updated_at = excluded.updated_at
	`,
		o.ClientOrderID, o.ExchangeOrderID, o.Symbol, o.Asset, o.Side, o.Type,
		o.Qty.String(), o.LimitPrice.String(), o.Status, o.Reason,
		o.FilledQty.String(), o.AvgFillPrice.String(), o.StrategyTag, o.Attempts,
		nanos(o.Deadline), nanos(o.CreatedAt), nanos(o.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert order %s: %w", o.ClientOrderID, err)
	}
	return nil
}

// GetOrder loads one order by client order id.
func (d *Database) GetOrder(ctx context.Context, clientOrderID string) (*OrderRow, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE client_order_id = ?`, clientOrderID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", clientOrderID, err)
	}
	return o, nil
}

// ListOrders returns orders newest first.
func (d *Database) ListOrders(ctx context.Context, f OrderFilter) ([]OrderRow, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		where = append(where, "status IN (?"+strings.Repeat(", ?", len(f.Statuses)-1)+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	if f.Symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, f.Symbol)
	}
	q := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := d.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []OrderRow
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(s scanner) (*OrderRow, error) {
	var (
		o                          OrderRow
		deadline, created, updated int64
	)
	if err := s.Scan(&o.ClientOrderID, &o.ExchangeOrderID, &o.Symbol, &o.Asset, &o.Side, &o.Type,
		&o.Qty, &o.LimitPrice, &o.Status, &o.Reason, &o.FilledQty, &o.AvgFillPrice,
		&o.StrategyTag, &o.Attempts, &deadline, &created, &updated); err != nil {
		return nil, err
	}
	o.Deadline = fromNanos(deadline)
	o.CreatedAt = fromNanos(created)
	o.UpdatedAt = fromNanos(updated)
	return &o, nil
}

// OrderEventInsert is the statement used to audit order state transitions.
const OrderEventInsert = `INSERT INTO order_events (client_order_id, from_status, to_status, reason, at) VALUES (?, ?, ?, ?, ?)`

// OrderEvent is one audited transition.
type OrderEvent struct {
	ClientOrderID string    `json:"client_order_id"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	Reason        string    `json:"reason,omitempty"`
	At            time.Time `json:"at"`
}

// OrderEventArgs returns the OrderEventInsert arguments for e.
func OrderEventArgs(e OrderEvent) []any {
	return []any{e.ClientOrderID, e.From, e.To, e.Reason, nanos(e.At)}
}

// OrderEvents lists the audited transitions of one order in order.
func (d *Database) OrderEvents(ctx context.Context, clientOrderID string) ([]OrderEvent, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT client_order_id, from_status, to_status, reason, at
		FROM order_events WHERE client_order_id = ? ORDER BY id`, clientOrderID)
	if err != nil {
		return nil, fmt.Errorf("order events: %w", err)
	}
	defer rows.Close()

	var out []OrderEvent
	for rows.Next() {
		var (
			e  OrderEvent
			at int64
		)
		if err := rows.Scan(&e.ClientOrderID, &e.From, &e.To, &e.Reason, &at); err != nil {
			return nil, err
		}
		e.At = fromNanos(at)
		out = append(out, e)
	}
	return out, rows.Err()
}
