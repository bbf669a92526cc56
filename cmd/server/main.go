/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loyalty points server. Handles
  configuration, dependency injection, crash recovery, and graceful
  shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load TOML config
  2. Initialize SQLite store
  3. Wire services (balance, vouchers, reconciliation, queries)
  4. Run reconciliation crash recovery
  5. Start voucher expiry sweeper
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  TOML config file path (default: config.toml, may be absent)
  -port    HTTP server port (overrides config)
  -db      SQLite database path (overrides config)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the voucher sweeper
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/loyalty.db"

  # Run with in-memory database
  ./server -db=":memory:"

  # Run on different port
  ./server -port=3000

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - internal/config/config.go: Config file format
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/loyalty-core/api"
	"github.com/warp/loyalty-core/internal/config"
	"github.com/warp/loyalty-core/loyalty"
	"github.com/warp/loyalty-core/store/sqlite"
)

func main() {
	// Flags
	configPath := flag.String("config", "config.toml", "TOML config file path")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Wire services
	bus := loyalty.NewEventBus()
	balances := loyalty.NewBalanceService(store.Ledger(), bus)
	vouchers := loyalty.NewVoucherService(store.Vouchers(), bus)
	reports := loyalty.NewReconciliationService(store.Reports(), store.Ledger(), balances, bus)
	queries := loyalty.NewQueries(store.Ledger(), store.Vouchers(), store.Reports())

	bus.Subscribe(loyalty.EventReportResolved, func(ctx context.Context, e loyalty.Event) {
		if data, ok := e.Data.(loyalty.ReportResolvedData); ok {
			log.Printf("Report %s resolved (approved=%v)", data.Report.ID, data.Approved)
		}
	})

	// Heal resolutions interrupted by a previous crash before serving.
	recovered, err := reports.Recover(context.Background())
	if err != nil {
		log.Fatalf("Failed to recover reconciliation state: %v", err)
	}
	if recovered > 0 {
		log.Printf("Recovered %d interrupted report resolutions", recovered)
	}

	// Voucher expiry sweeper
	sweepInterval, err := cfg.SweepInterval()
	if err != nil {
		log.Fatalf("Invalid sweep interval: %v", err)
	}
	sweeper := api.NewVoucherSweeper(vouchers)
	sweeper.CheckInterval = sweepInterval
	sweeper.Start()
	defer sweeper.Stop()

	// Create router
	handler := api.NewHandler(balances, vouchers, reports, queries)
	router := api.NewRouter(handler, cfg.Server.CORSOrigins)

	// Create server
	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server starting on http://%s", cfg.Addr())
		log.Printf("API available at http://%s/api", cfg.Addr())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
