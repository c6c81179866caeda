package risk

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"tradebot/internal/events"
	"tradebot/pkg/db"
)

// HaltKind says what stopped trading on an asset.
type HaltKind string

const (
	HaltInsufficientLots HaltKind = "insufficient_lots"
	HaltAmbiguousOrder   HaltKind = "ambiguous_order"
	HaltHoldingsMismatch HaltKind = "holdings_mismatch"
)

// ErrNotHalted is returned when acknowledging an asset that is not halted.
var ErrNotHalted = errors.New("asset is not halted")

// Halt is a user-visible record of why an asset stopped trading.
type Halt struct {
	Asset          string    `json:"asset"`
	Kind           HaltKind  `json:"kind"`
	Reason         string    `json:"reason"`
	OrderID        string    `json:"order_id,omitempty"`
	LastState      string    `json:"last_state,omitempty"` // last consistent state, e.g. held quantity
	HaltedAt       time.Time `json:"halted_at"`
	AcknowledgedAt time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string    `json:"acknowledged_by,omitempty"`
}

// HaltStore persists halts. *db.Database satisfies it.
type HaltStore interface {
	UpsertHalt(ctx context.Context, h db.HaltRow) error
	ListHalts(ctx context.Context) ([]db.HaltRow, error)
}

// Halts is the registry of halted assets. A halt survives restarts and is
// only cleared by an operator acknowledgment.
type Halts struct {
	mu     sync.RWMutex
	active map[string]Halt
	store  HaltStore
	bus    *events.Bus
	log    *zap.Logger
	now    func() time.Time
}

// NewHalts creates the registry. store and bus may be nil.
func NewHalts(store HaltStore, bus *events.Bus, log *zap.Logger) *Halts {
	return &Halts{
		active: make(map[string]Halt),
		store:  store,
		bus:    bus,
		log:    log,
		now:    time.Now,
	}
}

// Load restores unacknowledged halts from the store.
func (h *Halts) Load(ctx context.Context) error {
	if h.store == nil {
		return nil
	}
	rows, err := h.store.ListHalts(ctx)
	if err != nil {
		return fmt.Errorf("load halts: %w", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range rows {
		if r.Active() {
			h.active[r.Asset] = fromRow(r)
		}
	}
	return nil
}

// Halt stops trading on an asset. An asset that is already halted keeps its
// first record.
func (h *Halts) Halt(ctx context.Context, halt Halt) error {
	if halt.HaltedAt.IsZero() {
		halt.HaltedAt = h.now()
	}

	h.mu.Lock()
	if _, ok := h.active[halt.Asset]; ok {
		h.mu.Unlock()
		h.log.Warn("asset already halted", zap.String("asset", halt.Asset), zap.String("kind", string(halt.Kind)), zap.String("reason", halt.Reason))
		return nil
	}
	h.active[halt.Asset] = halt
	h.mu.Unlock()

	h.log.Error("asset halted",
		zap.String("asset", halt.Asset),
		zap.String("kind", string(halt.Kind)),
		zap.String("reason", halt.Reason),
		zap.String("order_id", halt.OrderID),
		zap.String("last_state", halt.LastState),
	)
	if h.bus != nil {
		h.bus.Publish(events.EventHalt, halt)
	}
	if h.store != nil {
		if err := h.store.UpsertHalt(ctx, toRow(halt)); err != nil {
			return err
		}
	}
	return nil
}

// Acknowledge clears a halt on behalf of an operator.
func (h *Halts) Acknowledge(ctx context.Context, asset, by string) (Halt, error) {
	h.mu.Lock()
	halt, ok := h.active[asset]
	if !ok {
		h.mu.Unlock()
		return Halt{}, ErrNotHalted
	}
	halt.AcknowledgedAt = h.now()
	halt.AcknowledgedBy = by
	if h.store != nil {
		if err := h.store.UpsertHalt(ctx, toRow(halt)); err != nil {
			h.mu.Unlock()
			return Halt{}, err
		}
	}
	delete(h.active, asset)
	h.mu.Unlock()

	h.log.Info("halt acknowledged", zap.String("asset", asset), zap.String("by", by))
	if h.bus != nil {
		h.bus.Publish(events.EventHaltCleared, halt)
	}
	return halt, nil
}

// IsHalted implements HaltChecker.
func (h *Halts) IsHalted(asset string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.active[asset]
	return ok
}

// Active lists current halts sorted by asset.
func (h *Halts) Active() []Halt {
	h.mu.RLock()
	out := make([]Halt, 0, len(h.active))
	for _, v := range h.active {
		out = append(out, v)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

func toRow(h Halt) db.HaltRow {
	return db.HaltRow{
		Asset:          h.Asset,
		Kind:           string(h.Kind),
		Reason:         h.Reason,
		OrderID:        h.OrderID,
		LastState:      h.LastState,
		HaltedAt:       h.HaltedAt,
		AcknowledgedAt: h.AcknowledgedAt,
		AcknowledgedBy: h.AcknowledgedBy,
	}
}

func fromRow(r db.HaltRow) Halt {
	return Halt{
		Asset:          r.Asset,
		Kind:           HaltKind(r.Kind),
		Reason:         r.Reason,
		OrderID:        r.OrderID,
		LastState:      r.LastState,
		HaltedAt:       r.HaltedAt,
		AcknowledgedAt: r.AcknowledgedAt,
		AcknowledgedBy: r.AcknowledgedBy,
	}
}
