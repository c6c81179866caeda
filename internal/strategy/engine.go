package strategy

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"tradebot/internal/ledger"
	"tradebot/internal/market"
)

type instance struct {
	cfg      Config
	strategy Strategy
}

// Info describes a loaded strategy.
type Info struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
}

// Engine holds exactly one active strategy per pair. Evaluation runs under
// the read lock and Load swaps the whole set under the write lock, so no
// signal is produced while a reload is in progress.
type Engine struct {
	mu      sync.RWMutex
	active  map[string]*instance
	symbols map[string]bool
	log     *zap.Logger
}

// NewEngine creates an engine that accepts strategies for the given symbols.
func NewEngine(symbols []string, log *zap.Logger) *Engine {
	allowed := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		allowed[s] = true
	}
	return &Engine{
		active:  make(map[string]*instance),
		symbols: allowed,
		log:     log,
	}
}

// Load builds the active entries of cfgs and replaces the current set. On
// error the current set is kept.
func (e *Engine) Load(cfgs []Config) error {
	next := make(map[string]*instance)
	for _, cfg := range cfgs {
		if !cfg.IsActive {
			continue
		}
		if !e.symbols[cfg.Symbol] {
			return fmt.Errorf("strategy %s: symbol %s is not a configured pair", cfg.ID, cfg.Symbol)
		}
		if prev, dup := next[cfg.Symbol]; dup {
			return fmt.Errorf("strategies %s and %s both target %s", prev.cfg.ID, cfg.ID, cfg.Symbol)
		}
		s, err := Build(cfg)
		if err != nil {
			return err
		}
		next[cfg.Symbol] = &instance{cfg: cfg, strategy: s}
	}

	e.mu.Lock()
	e.active = next
	e.mu.Unlock()

	for sym, in := range next {
		e.log.Info("strategy loaded", zap.String("symbol", sym), zap.String("id", in.cfg.ID), zap.String("name", in.strategy.Name()))
	}
	return nil
}

// Reload re-reads the YAML file and swaps the strategy set.
func (e *Engine) Reload(path string) error {
	cfgs, err := LoadConfig(path)
	if err != nil {
		return fmt.Errorf("load strategies: %w", err)
	}
	return e.Load(cfgs)
}

// Evaluate runs the pair's strategy. ok is false when no strategy is active
// for the tick's symbol.
func (e *Engine) Evaluate(t market.Tick, pos ledger.Position) (sig Signal, ok bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	in, ok := e.active[t.Symbol]
	if !ok {
		return Hold(t), false
	}
	sig = in.strategy.Evaluate(t, pos)
	sig.Symbol = t.Symbol
	sig.Tag = in.cfg.ID
	return sig, true
}

// Strategies lists the active strategies sorted by symbol.
func (e *Engine) Strategies() []Info {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Info, 0, len(e.active))
	for sym, in := range e.active {
		out = append(out, Info{ID: in.cfg.ID, Type: in.cfg.Type, Name: in.strategy.Name(), Symbol: sym})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
