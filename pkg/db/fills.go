package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// FillRow is one applied execution.
type FillRow struct {
	FillID          string
	Seq             uint64
	ClientOrderID   string
	ExchangeOrderID string
	Symbol          string
	Asset           string
	Side            string
	Qty             decimal.Decimal
	Price           decimal.Decimal
	Fee             decimal.Decimal
	FeeAsset        string
	FilledAt        time.Time
	AppliedAt       time.Time
}

// LotRow is one open FIFO lot; Position orders lots within an asset.
type LotRow struct {
	Asset         string
	Position      int
	Qty           decimal.Decimal
	UnitCost      decimal.Decimal
	AcquiredAt    time.Time
	SourceOrderID string
}

// RealizedRow is one realized P&L entry.
type RealizedRow struct {
	ID          int64
	Asset       string
	Qty         decimal.Decimal
	CostBasis   decimal.Decimal
	Proceeds    decimal.Decimal
	Fee         decimal.Decimal
	RealizedAt  time.Time
	SellOrderID string
	FillID      string
	LotOrderID  string
}

// CommitFill records a fill together with the resulting lot set of its asset
// and any realized entries, atomically. A fill id that was already recorded
// yields ErrDuplicateFill and changes nothing.
func (d *Database) CommitFill(ctx context.Context, f FillRow, lots []LotRow, realized []RealizedRow) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit fill: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO fills (fill_id, seq, client_order_id, exchange_order_id, symbol, asset, side,
			qty, price, fee, fee_asset, filled_at, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fill_id) DO NOTHING`,
		f.FillID, int64(f.Seq), f.ClientOrderID, f.ExchangeOrderID, f.Symbol, f.Asset, f.Side,
		f.Qty.String(), f.Price.String(), f.Fee.String(), f.FeeAsset, nanos(f.FilledAt), nanos(f.AppliedAt),
	)
	if err != nil {
		return fmt.Errorf("insert fill %s: %w", f.FillID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicateFill
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM lots WHERE asset = ?`, f.Asset); err != nil {
		return fmt.Errorf("clear lots %s: %w", f.Asset, err)
	}
	for i, l := range lots {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO lots (asset, position, qty, unit_cost, acquired_at, source_order_id)
			VALUES (?, ?, ?, ?, ?, ?)`,
			f.Asset, i, l.Qty.String(), l.UnitCost.String(), nanos(l.AcquiredAt), l.SourceOrderID,
		); err != nil {
			return fmt.Errorf("insert lot %s/%d: %w", f.Asset, i, err)
		}
	}
	for _, r := range realized {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO realized_pnl (asset, qty, cost_basis, proceeds, fee, realized_at, sell_order_id, fill_id, lot_order_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.Asset, r.Qty.String(), r.CostBasis.String(), r.Proceeds.String(), r.Fee.String(),
			nanos(r.RealizedAt), r.SellOrderID, r.FillID, r.LotOrderID,
		); err != nil {
			return fmt.Errorf("insert realized %s: %w", r.Asset, err)
		}
	}
	return tx.Commit()
}

// LoadLots returns every open lot ordered by asset and queue position.
func (d *Database) LoadLots(ctx context.Context) ([]LotRow, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT asset, position, qty, unit_cost, acquired_at, source_order_id
		FROM lots ORDER BY asset, position`)
	if err != nil {
		return nil, fmt.Errorf("load lots: %w", err)
	}
	defer rows.Close()

	var out []LotRow
	for rows.Next() {
		var (
			l  LotRow
			at int64
		)
		if err := rows.Scan(&l.Asset, &l.Position, &l.Qty, &l.UnitCost, &at, &l.SourceOrderID); err != nil {
			return nil, err
		}
		l.AcquiredAt = fromNanos(at)
		out = append(out, l)
	}
	return out, rows.Err()
}

// LoadRealized returns all realized entries in insertion order.
func (d *Database) LoadRealized(ctx context.Context) ([]RealizedRow, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, asset, qty, cost_basis, proceeds, fee, realized_at, sell_order_id, fill_id, lot_order_id
		FROM realized_pnl ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load realized: %w", err)
	}
	defer rows.Close()

	var out []RealizedRow
	for rows.Next() {
		var (
			r  RealizedRow
			at int64
		)
		if err := rows.Scan(&r.ID, &r.Asset, &r.Qty, &r.CostBasis, &r.Proceeds, &r.Fee, &at,
			&r.SellOrderID, &r.FillID, &r.LotOrderID); err != nil {
			return nil, err
		}
		r.RealizedAt = fromNanos(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// FillsForOrder returns the applied fills of one order in sequence order.
func (d *Database) FillsForOrder(ctx context.Context, clientOrderID string) ([]FillRow, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT fill_id, seq, client_order_id, exchange_order_id, symbol, asset, side,
			qty, price, fee, fee_asset, filled_at, applied_at
		FROM fills WHERE client_order_id = ? ORDER BY seq`, clientOrderID)
	if err != nil {
		return nil, fmt.Errorf("fills for %s: %w", clientOrderID, err)
	}
	defer rows.Close()

	var out []FillRow
	for rows.Next() {
		var (
			f               FillRow
			seq             int64
			filled, applied int64
		)
		if err := rows.Scan(&f.FillID, &seq, &f.ClientOrderID, &f.ExchangeOrderID, &f.Symbol, &f.Asset,
			&f.Side, &f.Qty, &f.Price, &f.Fee, &f.FeeAsset, &filled, &applied); err != nil {
			return nil, err
		}
		f.Seq = uint64(seq)
		f.FilledAt = fromNanos(filled)
		f.AppliedAt = fromNanos(applied)
		out = append(out, f)
	}
	return out, rows.Err()
}

// MaxFillSeq returns the highest applied sequence number for symbol, or 0.
func (d *Database) MaxFillSeq(ctx context.Context, symbol string) (uint64, error) {
	var seq sql.NullInt64
	if err := d.DB.QueryRowContext(ctx, `SELECT MAX(seq) FROM fills WHERE symbol = ?`, symbol).Scan(&seq); err != nil {
		return 0, fmt.Errorf("max fill seq %s: %w", symbol, err)
	}
	return uint64(seq.Int64), nil
}
