package balance

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradebot/internal/order"
	"tradebot/pkg/exchanges/common"
)

// Source reports total balances per asset. Both gateways satisfy it.
type Source interface {
	Holdings(ctx context.Context) (map[string]decimal.Decimal, error)
}

// Balance is a snapshot of the tracked balances.
type Balance struct {
	Assets   map[string]decimal.Decimal `json:"assets"`
	Quote    string                     `json:"quote"`
	LastSync time.Time                  `json:"last_sync"`
}

// Manager tracks account balances. Between syncs the balances move with
// applied fills; a sync replaces them with what the exchange reports.
type Manager struct {
	source       Source
	quote        string
	syncInterval time.Duration
	log          *zap.Logger

	mu       sync.RWMutex
	assets   map[string]decimal.Decimal
	lastSync time.Time
}

// NewManager creates a balance manager. source may be nil.
func NewManager(source Source, quote string, syncInterval time.Duration, log *zap.Logger) *Manager {
	return &Manager{
		source:       source,
		quote:        quote,
		syncInterval: syncInterval,
		log:          log,
		assets:       make(map[string]decimal.Decimal),
	}
}

// Start begins periodic balance sync
func (m *Manager) Start(ctx context.Context) {
	if err := m.Sync(ctx); err != nil {
		m.log.Warn("initial balance sync failed", zap.Error(err))
	}
	if m.syncInterval <= 0 {
		return
	}

	ticker := time.NewTicker(m.syncInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.Sync(ctx); err != nil {
					m.log.Warn("balance sync failed", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Sync fetches latest balances from the exchange.
func (m *Manager) Sync(ctx context.Context) error {
	if m.source == nil {
		return nil
	}
	holdings, err := m.source.Holdings(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.assets = make(map[string]decimal.Decimal, len(holdings))
	for k, v := range holdings {
		m.assets[k] = v
	}
	m.lastSync = time.Now()
	quote := m.assets[m.quote]
	m.mu.Unlock()

	m.log.Debug("balance synced", zap.String("asset", m.quote), zap.String("total", quote.String()))
	return nil
}

// SetInitialBalance seeds the quote balance when there is no exchange to sync from.
func (m *Manager) SetInitialBalance(amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assets[m.quote] = amount
}

// Quote returns the quote asset balance.
func (m *Manager) Quote() decimal.Decimal {
	return m.Get(m.quote)
}

// Get returns the balance of asset.
func (m *Manager) Get(asset string) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.assets[asset]
}

// OnFill moves balances by one applied fill. Registered with the order manager.
func (m *Manager) OnFill(af order.AppliedFill) {
	f := af.Fill
	notional := f.Qty.Mul(f.Price)

	m.mu.Lock()
	defer m.mu.Unlock()
	switch f.Side {
	case common.SideBuy:
		m.assets[af.Pair.Quote] = m.assets[af.Pair.Quote].Sub(notional)
		m.assets[af.Pair.Base] = m.assets[af.Pair.Base].Add(f.Qty)
	case common.SideSell:
		m.assets[af.Pair.Quote] = m.assets[af.Pair.Quote].Add(notional)
		m.assets[af.Pair.Base] = m.assets[af.Pair.Base].Sub(f.Qty)
	}
	if f.FeeAsset != "" && f.Fee.IsPositive() {
		m.assets[f.FeeAsset] = m.assets[f.FeeAsset].Sub(f.Fee)
	}
}

// GetBalance returns current balance snapshot
func (m *Manager) GetBalance() Balance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	assets := make(map[string]decimal.Decimal, len(m.assets))
	for k, v := range m.assets {
		assets[k] = v
	}
	return Balance{Assets: assets, Quote: m.quote, LastSync: m.lastSync}
}
