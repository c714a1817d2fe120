package config

import "testing"

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Port != 50051 {
		t.Errorf("expected port 50051, got %d", cfg.Port)
	}
	if cfg.BitcoinRPCConnectionType != ConnectionBitcoinCore {
		t.Errorf("expected bitcoincore connection type, got %s", cfg.BitcoinRPCConnectionType)
	}
	if cfg.ConfirmationThreshold != 6 {
		t.Errorf("expected confirmation threshold 6, got %d", cfg.ConfirmationThreshold)
	}
	if cfg.RevertThreshold != 18 {
		t.Errorf("expected revert threshold 18, got %d", cfg.RevertThreshold)
	}
	if cfg.RPCMaxRetries != 5 {
		t.Errorf("expected 5 max retries, got %d", cfg.RPCMaxRetries)
	}
}

func TestLoadOverridesFromEnvironment(t *testing.T) {
	env := map[string]string{
		"SENTINEL_HOST":                   "127.0.0.1",
		"SENTINEL_PORT":                   "9000",
		"BITCOIN_RPC_CONNECTION_TYPE":     "external",
		"BITCOIN_CONFIRMATION_THRESHOLD":  "3",
		"BITCOIN_REVERT_THRESHOLD":        "12",
		"BITCOIN_RPC_MAX_RETRIES":         "2",
	}
	for k, v := range env {
		t.Setenv(k, v)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Host != "127.0.0.1" {
		t.Errorf("Host = %q, want 127.0.0.1", cfg.Host)
	}
	if cfg.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Port)
	}
	if cfg.BitcoinRPCConnectionType != ConnectionExternal {
		t.Errorf("BitcoinRPCConnectionType = %q, want external", cfg.BitcoinRPCConnectionType)
	}
	if cfg.ConfirmationThreshold != 3 {
		t.Errorf("ConfirmationThreshold = %d, want 3", cfg.ConfirmationThreshold)
	}
	if cfg.RevertThreshold != 12 {
		t.Errorf("RevertThreshold = %d, want 12", cfg.RevertThreshold)
	}
	if cfg.RPCMaxRetries != 2 {
		t.Errorf("RPCMaxRetries = %d, want 2", cfg.RPCMaxRetries)
	}
}

func TestLoadRejectsUnsupportedConnectionType(t *testing.T) {
	t.Setenv("BITCOIN_RPC_CONNECTION_TYPE", "carrier-pigeon")
	if _, err := Load(); err == nil {
		t.Fatal("expected an error for an unsupported connection type")
	}
}

func TestLoadRejectsNonPositiveThresholds(t *testing.T) {
	tests := []string{
		"BITCOIN_CONFIRMATION_THRESHOLD",
		"BITCOIN_REVERT_THRESHOLD",
		"BITCOIN_RPC_MAX_RETRIES",
	}

	for _, envVar := range tests {
		t.Run(envVar, func(t *testing.T) {
			t.Setenv(envVar, "0")
			if _, err := Load(); err == nil {
				t.Fatalf("expected %s=0 to be rejected", envVar)
			}
		})
	}
}
