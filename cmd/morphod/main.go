package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HilliamT/morpho-v1/morpho"
	"github.com/HilliamT/morpho-v1/observability"
	"github.com/HilliamT/morpho-v1/observability/logging"
	"github.com/HilliamT/morpho-v1/oracle"
	"github.com/HilliamT/morpho-v1/pool"
	"github.com/HilliamT/morpho-v1/server"
	"github.com/HilliamT/morpho-v1/store"
)

func main() {
	var (
		protocolPath string
		serverPath   string
		dbPath       string
	)
	flag.StringVar(&protocolPath, "protocol", "", "path to protocol TOML config (markets, risk parameters)")
	flag.StringVar(&serverPath, "config", "", "path to server YAML config")
	flag.StringVar(&dbPath, "db", "", "path to the LevelDB state directory (in-memory when empty)")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("MORPHO_ENV"))
	logger := logging.Setup("morphod", env)

	protocolCfg := morpho.DefaultConfig()
	if protocolPath != "" {
		loaded, err := morpho.LoadConfig(protocolPath)
		if err != nil {
			log.Fatalf("load protocol config: %v", err)
		}
		protocolCfg = loaded
	}
	serverCfg, err := server.LoadConfig(serverPath)
	if err != nil {
		log.Fatalf("load server config: %v", err)
	}

	var db store.Database
	if dbPath != "" {
		leveldb, err := store.NewLevelDB(dbPath)
		if err != nil {
			log.Fatalf("open state database: %v", err)
		}
		defer leveldb.Close()
		db = leveldb
	} else {
		db = store.NewMemDB()
	}
	snapshots := store.NewSnapshotStore(db)

	simPool := pool.NewSimulatedPool()
	staticOracle := oracle.NewStaticOracle()

	engine := morpho.NewEngine(simPool, staticOracle, protocolCfg.RiskParameters())
	engine.SetLogger(logger)
	engine.SetInsertScanDepth(protocolCfg.InsertScanDepth)
	engine.SetEventSink(observability.NewEventSink(logger))

	restored, err := snapshots.Load()
	if err != nil {
		log.Fatalf("load state snapshot: %v", err)
	}
	if err := seedBackends(simPool, staticOracle, protocolCfg, restored); err != nil {
		log.Fatalf("seed pool backends: %v", err)
	}
	if len(restored) > 0 {
		if err := engine.ImportState(restored); err != nil {
			log.Fatalf("restore state snapshot: %v", err)
		}
		logger.Info("state restored", "markets", len(restored))
	}
	if err := createMissingMarkets(engine, protocolCfg, restored); err != nil {
		log.Fatalf("create markets: %v", err)
	}

	srv := server.New(engine, snapshots, serverCfg, logger)
	srv.SetMatchingBudget(protocolCfg.DefaultMatchingBudget)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", srv.Router())

	httpServer := &http.Server{
		Addr:              serverCfg.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("morphod listening", "address", serverCfg.ListenAddress)
		serverErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "error", err.Error())
		}
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve: %v", err)
		}
	}
}

// seedBackends registers every configured and previously persisted market with
// the simulated pool and gives each a unit oracle price. Prices can be moved at
// runtime once a real feed replaces the static oracle.
func seedBackends(simPool *pool.SimulatedPool, staticOracle *oracle.StaticOracle, cfg morpho.Config, restored []morpho.MarketSnapshot) error {
	wad, _ := new(big.Int).SetString("1000000000000000000", 10)
	seen := make(map[common.Address]bool)
	seed := func(market common.Address) error {
		if seen[market] {
			return nil
		}
		seen[market] = true
		if err := simPool.CreateMarket(market, pool.MarketConfig{}); err != nil {
			return err
		}
		return staticOracle.SetPrice(market, wad)
	}
	for _, market := range cfg.Markets {
		address, _ := market.Params()
		if err := seed(address); err != nil {
			return err
		}
	}
	for _, snapshot := range restored {
		if err := seed(snapshot.Market); err != nil {
			return err
		}
	}
	return nil
}

// createMissingMarkets creates the configured markets that the restored
// snapshot did not already carry.
func createMissingMarkets(engine *morpho.Engine, cfg morpho.Config, restored []morpho.MarketSnapshot) error {
	existing := make(map[common.Address]bool, len(restored))
	for _, snapshot := range restored {
		existing[snapshot.Market] = true
	}
	for _, market := range cfg.Markets {
		address, params := market.Params()
		if existing[address] {
			continue
		}
		if err := engine.CreateMarket(address, params); err != nil {
			return err
		}
	}
	return nil
}
