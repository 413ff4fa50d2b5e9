package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/time/rate"

	"harbor/config"
	"harbor/core/state"
	"harbor/crypto"
	"harbor/native/bridge"
	nativecommon "harbor/native/common"
	"harbor/native/loanpool"
	"harbor/native/oracle"
	"harbor/observability/logging"
	"harbor/rpc"
	"harbor/storage"
)

const operatorPassEnv = "HARBOR_OPERATOR_PASS"

// moduleAddress derives a deterministic custody address from a module label.
// Nothing holds the private key for these addresses; funds only move through
// engine code.
func moduleAddress(label string) crypto.Address {
	digest := ethcrypto.Keccak256([]byte("harbor/module/" + label))
	return crypto.MustNewAddress(crypto.HarborPrefix, digest[12:])
}

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger := logging.Setup("harbord", cfg.Environment, logging.Options{
		FilePath:   cfg.Log.FilePath,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})

	operatorKey, err := crypto.LoadFromKeystore(cfg.OperatorKeystorePath, os.Getenv(operatorPassEnv))
	if err != nil {
		logger.Error("Failed to unlock operator keystore", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("operator key loaded", "address", operatorKey.PubKey().Address().String())

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	manager, err := state.Open(db)
	if err != nil {
		logger.Error("Failed to open state", slog.Any("error", err))
		os.Exit(1)
	}

	pauses := nativecommon.NewPauseSet()
	for _, module := range cfg.PausedModules {
		pauses.SetPaused(module, true)
	}

	depositLimit, err := cfg.DepositLimitWei()
	if err != nil {
		logger.Error("Invalid deposit limit", slog.Any("error", err))
		os.Exit(1)
	}

	agg := oracle.NewAggregator([]string{"coingecko", "manual"}, time.Duration(cfg.Oracle.MaxQuoteAgeSeconds)*time.Second)
	agg.SetTWAPWindow(time.Duration(cfg.Oracle.TwapWindowSeconds) * time.Second)
	agg.SetUpstreamLimit(rate.NewLimiter(rate.Every(time.Second), 5))
	agg.Register("coingecko", oracle.NewCoinGeckoOracle(&http.Client{Timeout: 10 * time.Second}, "", nil))
	agg.Register("manual", oracle.NewManualOracle())

	fees := oracle.NewFeeAdapter(agg, cfg.Oracle.QuoteSymbol, cfg.LoanPool.FeeBps, cfg.LoanPool.MaxDeviationBps, time.Duration(cfg.Oracle.TwapWindowSeconds)*time.Second)

	emitter := newLogEmitter(logger)

	bridgeEngine := bridge.NewEngine(moduleAddress("bridge-vault"), cfg.Asset, cfg.ChainID)
	bridgeEngine.SetDepositLimit(depositLimit)
	bridgeEngine.SetPauses(pauses)
	bridgeEngine.SetEmitter(emitter)
	bridgeEngine.SetSettlement(newLogSettlement(logger))

	poolEngine := loanpool.NewEngine(moduleAddress("loan-pool"), fees)
	poolEngine.SetPauses(pauses)
	poolEngine.SetEmitter(emitter)

	server := rpc.NewServer(logger, manager, bridgeEngine, poolEngine, agg, cfg.ChainID)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http server listening", "address", cfg.ListenAddress, "asset", cfg.Asset)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
	}
}
