package strategy

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Config represents a strategy configuration entry in YAML.
type Config struct {
	ID         string `yaml:"id"`
	Type       string `yaml:"type"`
	Symbol     string `yaml:"symbol"`
	Parameters Params `yaml:"parameters"`
	IsActive   bool   `yaml:"is_active"`
}

// ConfigFile represents the top-level YAML structure.
type ConfigFile struct {
	Strategies []Config `yaml:"strategies"`
}

// LoadConfig reads strategies from a YAML file.
func LoadConfig(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig decodes a strategies document.
func ParseConfig(data []byte) ([]Config, error) {
	var file ConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	for i := range file.Strategies {
		c := &file.Strategies[i]
		c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
		if c.ID == "" {
			c.ID = fmt.Sprintf("%s-%s", c.Type, strings.ToLower(c.Symbol))
		}
		if c.Parameters == nil {
			c.Parameters = Params{}
		}
	}
	return file.Strategies, nil
}

// Factory builds a strategy from its YAML entry.
type Factory func(cfg Config) (Strategy, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{
		"price_trend": newPriceTrend,
		"ma_cross":    newMACross,
		"bollinger":   newBollinger,
		"rsi":         newRSI,
	}
)

// Register adds or replaces a strategy type.
func Register(typ string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[typ] = f
}

// Types lists registered strategy types.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Build instantiates the strategy named by cfg.Type.
func Build(cfg Config) (Strategy, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy type: %s", cfg.Type)
	}
	s, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("strategy %s (%s): %w", cfg.ID, cfg.Type, err)
	}
	return s, nil
}
