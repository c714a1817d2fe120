// Package chain resolves the Bitcoin network parameters Sentinel validates
// its configured node against. All values are hardcoded here - no external
// configuration needed.
package chain

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network identifies which Bitcoin network Sentinel is coordinating locks
// against.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Regtest Network = "regtest"
)

// Params returns the chaincfg.Params for the given network name, accepting
// the common aliases a BITCOIN_NETWORK environment variable might carry.
func Params(network string) (*chaincfg.Params, error) {
	switch Network(strings.ToLower(network)) {
	case Mainnet, "":
		return &chaincfg.MainNetParams, nil
	case Testnet, "testnet3":
		return &chaincfg.TestNet3Params, nil
	case Regtest:
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("chain: unsupported bitcoin network %q", network)
	}
}
