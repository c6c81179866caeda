package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"tradebot/pkg/db"
)

// verify_schema applies migrations to a database file and reports the row
// count of every table, e.g. to sanity check a copy of a production db.
//
// Usage:
//   go run ./scripts/verify_schema -db tradebot.db

var tables = []string{"orders", "order_events", "fills", "lots", "realized_pnl", "halts", "kpis", "reconciliations"}

func main() {
	path := flag.String("db", "tradebot.db", "sqlite database path")
	flag.Parse()

	fmt.Printf("Verifying database at: %s\n", *path)
	database, err := db.New(*path)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	ctx := context.Background()
	missing := 0
	for _, table := range tables {
		var n int
		if err := database.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			fmt.Printf("  %-16s MISSING (%v)\n", table, err)
			missing++
			continue
		}
		fmt.Printf("  %-16s %d rows\n", table, n)
	}

	lots, err := database.LoadLots(ctx)
	if err != nil {
		log.Fatalf("load lots: %v", err)
	}
	fmt.Printf("open lots: %d\n", len(lots))
	if missing > 0 {
		os.Exit(1)
	}
}
