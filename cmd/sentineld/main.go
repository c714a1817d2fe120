// Package main provides sentineld - the slot-lock coordination daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sova-labs/sentinel/internal/chain"
	"github.com/sova-labs/sentinel/internal/config"
	"github.com/sova-labs/sentinel/internal/lockengine"
	"github.com/sova-labs/sentinel/internal/oracle"
	"github.com/sova-labs/sentinel/internal/rpc"
	"github.com/sova-labs/sentinel/internal/store"
	"github.com/sova-labs/sentinel/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var showVersion = flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	log := logging.New(&logging.Config{Level: "info", TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("sentineld %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", "error", err)
	}

	log = logging.New(&logging.Config{Level: cfg.LogLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := store.New(store.Config{Path: cfg.DBPath})
	if err != nil {
		log.Fatal("failed to initialize store", "error", err)
	}
	defer s.Close()
	log.Info("store initialized", "path", cfg.DBPath)

	confirmationOracle, err := buildOracle(cfg)
	if err != nil {
		log.Fatal("failed to initialize confirmation oracle", "error", err)
	}
	log.Info("confirmation oracle initialized", "connection_type", cfg.BitcoinRPCConnectionType)

	engine := lockengine.New(s, confirmationOracle, lockengine.Config{RevertThreshold: cfg.RevertThreshold})

	server := rpc.NewServer(engine)
	if err := server.Start(rpc.Config{Host: cfg.Host, Port: cfg.Port}); err != nil {
		log.Fatal("failed to start rpc server", "error", err)
	}
	log.Info("sentineld started", "host", cfg.Host, "port", cfg.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("error stopping rpc server", "error", err)
	}

	log.Info("shutdown complete")
}

func buildOracle(cfg *config.Config) (oracle.ConfirmationOracle, error) {
	if _, err := chain.Params(cfg.BitcoinNetwork); err != nil {
		return nil, err
	}

	retry := oracle.RetryConfig{MaxRetries: cfg.RPCMaxRetries, BaseDelay: 100 * time.Millisecond}

	switch cfg.BitcoinRPCConnectionType {
	case config.ConnectionBitcoinCore:
		return oracle.NewBitcoinCoreOracle(oracle.BitcoinCoreConfig{
			Host:                  cfg.BitcoinRPCURL,
			User:                  cfg.BitcoinRPCUser,
			Pass:                  cfg.BitcoinRPCPass,
			DisableTLS:            true,
			Network:               cfg.BitcoinNetwork,
			ConfirmationThreshold: cfg.ConfirmationThreshold,
			Retry:                 retry,
		})
	case config.ConnectionExternal:
		return oracle.NewExternalJSONRPCOracle(oracle.ExternalJSONRPCConfig{
			URL:                   cfg.BitcoinRPCURL,
			User:                  cfg.BitcoinRPCUser,
			Pass:                  cfg.BitcoinRPCPass,
			ConfirmationThreshold: cfg.ConfirmationThreshold,
			Retry:                 retry,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported bitcoin rpc connection type %q", cfg.BitcoinRPCConnectionType)
	}
}
