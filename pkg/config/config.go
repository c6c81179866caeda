package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Mode selects which exchange gateway backs the order manager.
type Mode string

const (
	ModeSimulated Mode = "sim"
	ModeLive      Mode = "live"
)

// Pair describes a tradable market and the asset it accumulates.
type Pair struct {
	Symbol   string          // e.g. BTCUSDT
	Base     string          // ledger asset, e.g. BTC
	Quote    string          // settlement asset, e.g. USDT
	StepSize decimal.Decimal // lot step size; quantities are rounded down to it
}

// RiskLimits are process-wide limits, read-only after Load.
type RiskLimits struct {
	MaxPositionPerAsset        decimal.Decimal
	MaxPositionOverrides       map[string]decimal.Decimal // per asset, optional
	MaxAccountExposureFraction decimal.Decimal
	MaxOrderNotional           decimal.Decimal
}

// MaxPosition returns the position cap for asset.
func (l RiskLimits) MaxPosition(asset string) decimal.Decimal {
	if v, ok := l.MaxPositionOverrides[asset]; ok {
		return v
	}
	return l.MaxPositionPerAsset
}

// OrderPolicy controls retries and timeouts of the order manager.
type OrderPolicy struct {
	SubmitMaxAttempts int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	SubmitTimeout     time.Duration // per gateway call
	FillTimeout       time.Duration // order deadline before EXPIRED
	ReorderWindow     time.Duration // how long an out-of-sequence fill is held
	WatchdogInterval  time.Duration
}

// SimConfig parameterizes the deterministic simulated exchange.
type SimConfig struct {
	InitialQuote  decimal.Decimal
	FeeRate       decimal.Decimal // e.g. 0.001 = 10 bps
	SlippageBps   decimal.Decimal
	Participation decimal.Decimal // max share of tick volume per fill, 0 = unlimited
}

// Config holds environment-driven settings for the trading bot.
type Config struct {
	Port string
	Mode Mode

	QuoteAsset string
	Pairs      []Pair

	// Binance
	BinanceTestnet   bool
	BinanceAPIKey    string
	BinanceAPISecret string
	UseMockFeed      bool
	FeedInterval     string // kline interval for the live feed
	ReplayFrom       time.Time
	ReplayTo         time.Time

	Risk   RiskLimits
	Orders OrderPolicy
	Sim    SimConfig

	StrategiesPath string
	DBPath         string
	LogPath        string

	ReconcileInterval   time.Duration
	HoldingsTolerance   decimal.Decimal
	BalanceSyncInterval time.Duration
	KPIInterval         time.Duration

	// Auth
	JWTSecret            string
	OperatorPasswordHash string // bcrypt

	GRPCHealthAddr  string
	PyroscopeServer string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	quote := strings.ToUpper(getEnv("QUOTE_ASSET", "USDT"))
	steps, err := parseDecimalMap(getEnv("PAIR_STEP_SIZES", ""))
	if err != nil {
		return nil, fmt.Errorf("PAIR_STEP_SIZES: %w", err)
	}
	pairs, err := parsePairs(splitAndTrim(getEnv("BINANCE_SYMBOLS", "BTCUSDT,ETHUSDT")), quote, steps)
	if err != nil {
		return nil, err
	}
	overrides, err := parseDecimalMap(getEnv("RISK_MAX_POSITION_OVERRIDES", ""))
	if err != nil {
		return nil, fmt.Errorf("RISK_MAX_POSITION_OVERRIDES: %w", err)
	}

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		Mode:             Mode(strings.ToLower(getEnv("MODE", string(ModeSimulated)))),
		QuoteAsset:       quote,
		Pairs:            pairs,
		BinanceTestnet:   getEnv("BINANCE_TESTNET", "false") == "true",
		BinanceAPIKey:    os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret: os.Getenv("BINANCE_API_SECRET"),
		UseMockFeed:      getEnv("USE_MOCK_FEED", "true") == "true",
		FeedInterval:     getEnv("FEED_INTERVAL", "1m"),
		ReplayFrom:       getEnvTime("REPLAY_FROM"),
		ReplayTo:         getEnvTime("REPLAY_TO"),
		Risk: RiskLimits{
			MaxPositionPerAsset:        getEnvDecimal("RISK_MAX_POSITION_PER_ASSET", "1"),
			MaxPositionOverrides:       overrides,
			MaxAccountExposureFraction: getEnvDecimal("RISK_MAX_ACCOUNT_EXPOSURE", "0.8"),
			MaxOrderNotional:           getEnvDecimal("RISK_MAX_ORDER_NOTIONAL", "1000"),
		},
		Orders: OrderPolicy{
			SubmitMaxAttempts: getEnvInt("ORDER_SUBMIT_MAX_ATTEMPTS", 5),
			BackoffBase:       getEnvDuration("ORDER_BACKOFF_BASE", 200*time.Millisecond),
			BackoffMax:        getEnvDuration("ORDER_BACKOFF_MAX", 5*time.Second),
			SubmitTimeout:     getEnvDuration("ORDER_SUBMIT_TIMEOUT", 10*time.Second),
			FillTimeout:       getEnvDuration("ORDER_FILL_TIMEOUT", 2*time.Minute),
			ReorderWindow:     getEnvDuration("FILL_REORDER_WINDOW", 250*time.Millisecond),
			WatchdogInterval:  getEnvDuration("ORDER_WATCHDOG_INTERVAL", time.Second),
		},
		Sim: SimConfig{
			InitialQuote:  getEnvDecimal("SIM_INITIAL_QUOTE", "10000"),
			FeeRate:       getEnvDecimal("SIM_FEE_RATE", "0.001"),
			SlippageBps:   getEnvDecimal("SIM_SLIPPAGE_BPS", "0"),
			Participation: getEnvDecimal("SIM_PARTICIPATION", "0"),
		},
		StrategiesPath:       getEnv("STRATEGIES_PATH", "./strategies.yaml"),
		DBPath:               getEnv("DB_PATH", "./data/tradebot.db"),
		LogPath:              getEnv("LOG_PATH", ""),
		ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
		HoldingsTolerance:    getEnvDecimal("HOLDINGS_TOLERANCE", "0.00000001"),
		BalanceSyncInterval:  getEnvDuration("BALANCE_SYNC_INTERVAL", time.Minute),
		KPIInterval:          getEnvDuration("KPI_INTERVAL", time.Hour),
		JWTSecret:            getEnv("JWT_SECRET", "dev-secret"),
		OperatorPasswordHash: os.Getenv("OPERATOR_PASSWORD_HASH"),
		GRPCHealthAddr:       getEnv("GRPC_HEALTH_ADDR", ""),
		PyroscopeServer:      getEnv("PYROSCOPE_SERVER", ""),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeSimulated, ModeLive:
	default:
		return fmt.Errorf("unknown MODE %q (want sim or live)", c.Mode)
	}
	if len(c.Pairs) == 0 {
		return errors.New("no trading pairs configured")
	}
	if c.Mode == ModeLive && (c.BinanceAPIKey == "" || c.BinanceAPISecret == "") {
		return errors.New("live mode requires BINANCE_API_KEY and BINANCE_API_SECRET")
	}
	if !c.Risk.MaxPositionPerAsset.IsPositive() || !c.Risk.MaxOrderNotional.IsPositive() {
		return errors.New("risk limits must be positive")
	}
	f := c.Risk.MaxAccountExposureFraction
	if !f.IsPositive() || f.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("RISK_MAX_ACCOUNT_EXPOSURE must be in (0,1], got %s", f)
	}
	if c.Orders.SubmitMaxAttempts < 1 {
		return errors.New("ORDER_SUBMIT_MAX_ATTEMPTS must be >= 1")
	}
	return nil
}

// Pair returns the configured pair for symbol.
func (c *Config) Pair(symbol string) (Pair, bool) {
	for _, p := range c.Pairs {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return Pair{}, false
}

// Symbols lists configured pair symbols.
func (c *Config) Symbols() []string {
	out := make([]string, 0, len(c.Pairs))
	for _, p := range c.Pairs {
		out = append(out, p.Symbol)
	}
	return out
}

func parsePairs(symbols []string, quote string, steps map[string]decimal.Decimal) ([]Pair, error) {
	defaultStep := decimal.New(1, -8)
	out := make([]Pair, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(s)
		if !strings.HasSuffix(s, quote) || len(s) == len(quote) {
			return nil, fmt.Errorf("symbol %s is not quoted in %s", s, quote)
		}
		step, ok := steps[s]
		if !ok {
			step = defaultStep
		}
		out = append(out, Pair{
			Symbol:   s,
			Base:     strings.TrimSuffix(s, quote),
			Quote:    quote,
			StepSize: step,
		})
	}
	return out, nil
}

// parseDecimalMap parses "KEY:1.5,OTHER:2".
func parseDecimalMap(val string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal)
	for _, item := range splitAndTrim(val) {
		k, v, ok := strings.Cut(item, ":")
		if !ok {
			return nil, fmt.Errorf("malformed entry %q", item)
		}
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", item, err)
		}
		out[strings.ToUpper(strings.TrimSpace(k))] = d
	}
	return out, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvDecimal(key, def string) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return decimal.RequireFromString(def)
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvTime(key string) time.Time {
	if v := os.Getenv(key); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	}
	return time.Time{}
}
