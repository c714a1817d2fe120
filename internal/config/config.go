// Package config loads Sentinel's configuration from environment variables.
// Every process parameter is read here; no component should call os.Getenv
// directly outside this package.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ConnectionType selects which ConfirmationOracle adapter to construct.
type ConnectionType string

const (
	ConnectionBitcoinCore ConnectionType = "bitcoincore"
	ConnectionExternal    ConnectionType = "external"
)

// Config holds every environment-driven parameter Sentinel needs to start.
type Config struct {
	Host string
	Port int

	DBPath string

	BitcoinRPCURL            string
	BitcoinRPCUser           string
	BitcoinRPCPass           string
	BitcoinRPCConnectionType ConnectionType
	BitcoinNetwork           string

	ConfirmationThreshold uint32
	RevertThreshold       uint64
	RPCMaxRetries         int

	LogLevel string
}

// DefaultConfig returns a Config with the same defaults the process falls
// back to when an environment variable is unset.
func DefaultConfig() *Config {
	return &Config{
		Host:                     "0.0.0.0",
		Port:                     50051,
		DBPath:                   "slot_locks.db",
		BitcoinRPCURL:            "http://localhost:18443",
		BitcoinRPCUser:           "user",
		BitcoinRPCPass:           "pass",
		BitcoinRPCConnectionType: ConnectionBitcoinCore,
		BitcoinNetwork:           "regtest",
		ConfirmationThreshold:    6,
		RevertThreshold:          18,
		RPCMaxRetries:            5,
		LogLevel:                 "info",
	}
}

// Load reads the environment and returns a validated Config, starting from
// DefaultConfig and overriding each field whose environment variable is
// set. It fails fast on any value that doesn't parse, rather than falling
// back silently.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("SENTINEL_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("SENTINEL_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: SENTINEL_PORT must be an integer: %w", err)
		}
		cfg.Port = port
	}
	if v := os.Getenv("SENTINEL_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("BITCOIN_RPC_URL"); v != "" {
		cfg.BitcoinRPCURL = v
	}
	if v := os.Getenv("BITCOIN_RPC_USER"); v != "" {
		cfg.BitcoinRPCUser = v
	}
	if v := os.Getenv("BITCOIN_RPC_PASS"); v != "" {
		cfg.BitcoinRPCPass = v
	}
	if v := os.Getenv("BITCOIN_RPC_CONNECTION_TYPE"); v != "" {
		switch ConnectionType(strings.ToLower(v)) {
		case ConnectionBitcoinCore, ConnectionExternal:
			cfg.BitcoinRPCConnectionType = ConnectionType(strings.ToLower(v))
		default:
			return nil, fmt.Errorf("config: unsupported BITCOIN_RPC_CONNECTION_TYPE %q (want %q or %q)", v, ConnectionBitcoinCore, ConnectionExternal)
		}
	}
	if v := os.Getenv("BITCOIN_NETWORK"); v != "" {
		cfg.BitcoinNetwork = v
	}
	if v := os.Getenv("BITCOIN_CONFIRMATION_THRESHOLD"); v != "" {
		threshold, err := parsePositiveUint32(v)
		if err != nil {
			return nil, fmt.Errorf("config: BITCOIN_CONFIRMATION_THRESHOLD: %w", err)
		}
		cfg.ConfirmationThreshold = threshold
	}
	if v := os.Getenv("BITCOIN_REVERT_THRESHOLD"); v != "" {
		threshold, err := parsePositiveUint64(v)
		if err != nil {
			return nil, fmt.Errorf("config: BITCOIN_REVERT_THRESHOLD: %w", err)
		}
		cfg.RevertThreshold = threshold
	}
	if v := os.Getenv("BITCOIN_RPC_MAX_RETRIES"); v != "" {
		retries, err := strconv.Atoi(v)
		if err != nil || retries <= 0 {
			return nil, fmt.Errorf("config: BITCOIN_RPC_MAX_RETRIES must be a positive integer, got %q", v)
		}
		cfg.RPCMaxRetries = retries
	}
	if v := os.Getenv("SENTINEL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}

func parsePositiveUint32(v string) (uint32, error) {
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("must be a positive integer, got %q", v)
	}
	return uint32(n), nil
}

func parsePositiveUint64(v string) (uint64, error) {
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("must be a positive integer, got %q", v)
	}
	return n, nil
}
