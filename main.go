package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grafana/pyroscope-go"
	"go.uber.org/zap"

	"tradebot/internal/api"
	"tradebot/internal/balance"
	"tradebot/internal/engine"
	"tradebot/internal/events"
	"tradebot/internal/health"
	"tradebot/internal/kpi"
	"tradebot/internal/ledger"
	"tradebot/internal/market"
	"tradebot/internal/monitor"
	"tradebot/internal/order"
	"tradebot/internal/persistence"
	"tradebot/internal/reconciliation"
	"tradebot/internal/risk"
	"tradebot/internal/strategy"
	"tradebot/pkg/config"
	"tradebot/pkg/db"
	"tradebot/pkg/exchanges/binance/spot"
	"tradebot/pkg/exchanges/common"
	"tradebot/pkg/exchanges/sim"
	"tradebot/pkg/logging"
	marketbinance "tradebot/pkg/market/binance"
)

func main() {
	hashPassword := flag.String("hash-password", "", "print the bcrypt hash for OPERATOR_PASSWORD_HASH and exit")
	flag.Parse()
	if *hashPassword != "" {
		hash, err := api.HashPassword(*hashPassword)
		if err != nil {
			log.Fatalf("hash password: %v", err)
		}
		fmt.Println(hash)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.LogPath)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("tradebot stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	version := os.Getenv("APP_VERSION")
	if version == "" {
		version = "dev"
	}
	logger.Info("starting tradebot", zap.String("mode", string(cfg.Mode)), zap.Strings("symbols", cfg.Symbols()), zap.String("version", version))

	if cfg.PyroscopeServer != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "tradebot",
			ServerAddress:   cfg.PyroscopeServer,
			Tags:            map[string]string{"mode": string(cfg.Mode)},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			logger.Warn("pyroscope start failed", zap.Error(err))
		} else {
			defer func() { _ = profiler.Stop() }()
		}
	}

	marketREST := marketbinance.NewClient(cfg.BinanceTestnet)
	if cfg.Mode == config.ModeLive {
		refreshStepSizes(ctx, cfg, marketREST, logger)
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("migrate db: %w", err)
	}

	bus := events.NewBus()

	led := ledger.New(database)
	if err := led.Restore(ctx); err != nil {
		return fmt.Errorf("restore ledger: %w", err)
	}
	halts := risk.NewHalts(database, bus, logger.Named("halts"))
	if err := halts.Load(ctx); err != nil {
		return err
	}

	// The mode switch: everything below talks to common.Gateway.
	var (
		gateway  common.Gateway
		holdings reconciliation.ExchangeClient
		simGW    *sim.Gateway
		venue    string
		balSync  time.Duration
	)
	switch cfg.Mode {
	case config.ModeLive:
		live := spot.NewGateway(spot.Config{
			APIKey:    cfg.BinanceAPIKey,
			APISecret: cfg.BinanceAPISecret,
			Testnet:   cfg.BinanceTestnet,
		}, logger.Named("binance"))
		live.Start(ctx)
		gateway, holdings, venue, balSync = live, live, "binance-spot", cfg.BalanceSyncInterval
	default:
		simGW = sim.New(sim.Config{
			Pairs:         cfg.Pairs,
			InitialQuote:  cfg.Sim.InitialQuote,
			FeeRate:       cfg.Sim.FeeRate,
			SlippageBps:   cfg.Sim.SlippageBps,
			Participation: cfg.Sim.Participation,
			Seed:          led.Holdings(),
		})
		gateway, holdings, venue = simGW, simGW, "sim"
	}

	audit := persistence.NewBatchWriter(database.DB, 100, time.Second, logger.Named("audit"))
	defer func() { _ = audit.Close() }()

	orders := order.NewManager(gateway, led, database, cfg.Orders, cfg.Pairs, logger.Named("orders"))
	orders.SetBus(bus)
	orders.SetHalts(halts)
	orders.SetAuditor(audit)
	if err := orders.Restore(ctx); err != nil {
		return fmt.Errorf("restore orders: %w", err)
	}

	balances := balance.NewManager(holdings, cfg.QuoteAsset, balSync, logger.Named("balance"))
	orders.OnFill(balances.OnFill)

	strategies := strategy.NewEngine(cfg.Symbols(), logger.Named("strategy"))
	stratCfgs, err := strategy.LoadConfig(cfg.StrategiesPath)
	if err != nil {
		return fmt.Errorf("load strategies: %w", err)
	}
	if err := strategies.Load(stratCfgs); err != nil {
		return fmt.Errorf("load strategies: %w", err)
	}

	controller := risk.NewController(cfg.Risk, cfg.Pairs, halts)
	metrics := monitor.NewSystemMetrics()
	orders.OnFill(func(af order.AppliedFill) { metrics.FillCommitted(af.Fill.Time) })
	queue := order.NewQueue(256)
	defer queue.Close()

	trader := engine.NewTrader(engine.TraderConfig{
		Pairs:      cfg.Pairs,
		Strategies: strategies,
		Risk:       controller,
		Ledger:     led,
		Balances:   balances,
		Orders:     orders,
		Queue:      queue,
		Bus:        bus,
		Metrics:    metrics,
		Log:        logger.Named("trader"),
	})
	if simGW != nil {
		trader.AddObserver(simGW)
	}

	assets := make([]string, 0, len(cfg.Pairs))
	for _, p := range cfg.Pairs {
		assets = append(assets, p.Base)
	}
	recon := reconciliation.NewService(reconciliation.Config{
		Exchange:  holdings,
		Ledger:    led,
		Orders:    orders,
		Halts:     halts,
		Store:     database,
		Bus:       bus,
		Assets:    assets,
		Tolerance: cfg.HoldingsTolerance,
		Interval:  cfg.ReconcileInterval,
		Log:       logger.Named("reconcile"),
	})

	// Fills must flow before orders are reconciled against the exchange.
	go orders.Run(ctx)
	if err := recon.Startup(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}
	recon.Start(ctx)
	balances.Start(ctx)

	kpis := kpi.NewReporter(led, trader, database, bus, cfg.KPIInterval, logger.Named("kpi"))
	kpis.Start(ctx)

	(&monitor.Monitor{Bus: bus, Sink: monitor.LogSink{Log: logger.Named("alerts")}, Log: logger}).Start(ctx)

	go queue.Drain(ctx, func(req risk.OrderRequest) { trader.SubmitQueued(ctx, req) })

	src, feedName, err := tickSource(ctx, cfg, marketREST, logger)
	if err != nil {
		return err
	}
	go func() {
		if err := trader.Run(ctx, src); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("trader stopped", zap.Error(err))
		}
	}()

	svc := engine.NewImpl(engine.Config{
		Trader:         trader,
		Strategies:     strategies,
		StrategiesPath: cfg.StrategiesPath,
		Ledger:         led,
		Orders:         orders,
		Queue:          queue,
		Halts:          halts,
		Risk:           controller,
		Balances:       balances,
		KPIs:           kpis,
		Metrics:        metrics,
		Bus:            bus,
		DB:             database,
		Audit:          audit,
		Meta: engine.SystemStatus{
			Mode:    string(cfg.Mode),
			Venue:   venue,
			Symbols: cfg.Symbols(),
			Feed:    feedName,
			Version: version,
		},
	})

	if cfg.GRPCHealthAddr != "" {
		hs := health.NewServer(halts, bus, logger.Named("health"))
		go func() {
			if err := hs.ListenAndServe(ctx, cfg.GRPCHealthAddr); err != nil {
				logger.Error("grpc health server stopped", zap.Error(err))
			}
		}()
	}

	server := api.NewServer(api.Options{
		Engine:               svc,
		Bus:                  bus,
		JWTSecret:            cfg.JWTSecret,
		OperatorPasswordHash: cfg.OperatorPasswordHash,
		Log:                  logger.Named("api"),
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("api listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := kpis.Record(shutdownCtx); err != nil {
		logger.Warn("final kpi snapshot failed", zap.Error(err))
	}
	return httpServer.Shutdown(shutdownCtx)
}

// tickSource picks replay, mock or live klines.
func tickSource(ctx context.Context, cfg *config.Config, rest *marketbinance.Client, logger *zap.Logger) (market.Source, string, error) {
	switch {
	case !cfg.ReplayFrom.IsZero():
		to := cfg.ReplayTo
		if to.IsZero() {
			to = time.Now()
		}
		klines, err := market.LoadHistory(ctx, rest, cfg.Symbols(), cfg.FeedInterval, cfg.ReplayFrom, to)
		if err != nil {
			return nil, "", fmt.Errorf("load replay history: %w", err)
		}
		logger.Info("replaying history", zap.Int("klines", len(klines)), zap.Time("from", cfg.ReplayFrom), zap.Time("to", to))
		return &market.Replay{Klines: klines}, "replay", nil
	case cfg.UseMockFeed:
		return &market.MockFeed{Symbols: cfg.Symbols(), Interval: time.Second, Seed: time.Now().UnixNano()}, "mock", nil
	default:
		return &market.Feed{
			Client:   rest,
			Klines:   marketbinance.NewStreamClient(cfg.BinanceTestnet, logger.Named("feed")),
			Symbols:  cfg.Symbols(),
			Interval: cfg.FeedInterval,
			Log:      logger.Named("feed"),
		}, "binance", nil
	}
}

// refreshStepSizes replaces configured step sizes with the exchange's
// LOT_SIZE filters. Failures keep the configured value.
func refreshStepSizes(ctx context.Context, cfg *config.Config, rest *marketbinance.Client, logger *zap.Logger) {
	for i, p := range cfg.Pairs {
		step, err := rest.LotStepSize(ctx, p.Symbol)
		if err != nil {
			logger.Warn("lot size lookup failed, keeping configured step", zap.String("symbol", p.Symbol), zap.Error(err))
			continue
		}
		cfg.Pairs[i].StepSize = step
	}
}
