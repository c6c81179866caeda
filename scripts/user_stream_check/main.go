package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"

	"tradebot/pkg/config"
	"tradebot/pkg/exchanges/binance/spot"
	"tradebot/pkg/logging"
)

// user_stream_check connects the spot gateway with the configured keys,
// prints the account holdings and then every fill the user data stream
// decodes. Nothing is submitted; place orders by hand to see fills.
//
// Usage:
//   go run ./scripts/user_stream_check -for 10m

func main() {
	wait := flag.Duration("for", 10*time.Minute, "how long to listen")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config error: %v", err)
	}
	if cfg.BinanceAPIKey == "" || cfg.BinanceAPISecret == "" {
		log.Fatalf("BINANCE_API_KEY and BINANCE_API_SECRET are required")
	}
	logger, err := logging.New("")
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *wait)
	defer cancel()

	gw := spot.NewGateway(spot.Config{
		APIKey:    cfg.BinanceAPIKey,
		APISecret: cfg.BinanceAPISecret,
		Testnet:   cfg.BinanceTestnet,
	}, logger.Named("binance"))
	gw.Start(ctx)

	holdings, err := gw.Holdings(ctx)
	if err != nil {
		logger.Fatal("holdings", zap.Error(err))
	}
	for asset, qty := range holdings {
		logger.Info("holding", zap.String("asset", asset), zap.String("qty", qty.String()))
	}

	logger.Info("listening for fills", zap.Bool("testnet", cfg.BinanceTestnet), zap.Duration("for", *wait))
	for {
		select {
		case <-ctx.Done():
			logger.Info("user stream check finished")
			return
		case f := <-gw.Fills():
			logger.Info("fill",
				zap.String("fill_id", f.FillID),
				zap.String("order_id", f.ClientOrderID),
				zap.String("symbol", f.Symbol),
				zap.String("side", string(f.Side)),
				zap.String("qty", f.Qty.String()),
				zap.String("price", f.Price.String()),
				zap.String("fee", f.Fee.String()+" "+f.FeeAsset),
			)
		}
	}
}
