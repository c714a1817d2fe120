package oracle

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"

	"github.com/sova-labs/sentinel/internal/chain"
	"github.com/sova-labs/sentinel/pkg/logging"
)

// txNotFoundRPCCode is Bitcoin Core's JSON-RPC error code for "No such
// mempool or blockchain transaction" - treated as unconfirmed, not an error.
const txNotFoundRPCCode = -5

// BitcoinCoreConfig configures a BitcoinCoreOracle.
type BitcoinCoreConfig struct {
	Host                  string
	User                  string
	Pass                  string
	DisableTLS            bool
	Network               string
	ConfirmationThreshold uint32
	Retry                 RetryConfig
}

// BitcoinCoreOracle answers confirmation queries against a real Bitcoin
// Core node (or Sova's embedded bitcoind) via its RPC interface.
type BitcoinCoreOracle struct {
	client                *rpcclient.Client
	params                *chaincfg.Params
	confirmationThreshold uint32
	retry                 RetryConfig
	log                   *logging.Logger
}

// NewBitcoinCoreOracle dials the configured Bitcoin Core node. The client
// connects lazily on first use; construction only validates configuration,
// including that cfg.Network names a Bitcoin network Sentinel recognizes.
func NewBitcoinCoreOracle(cfg BitcoinCoreConfig) (*BitcoinCoreOracle, error) {
	params, err := chain.Params(cfg.Network)
	if err != nil {
		return nil, fmt.Errorf("oracle: %w", err)
	}

	connCfg := &rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   cfg.DisableTLS,
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, err
	}

	return &BitcoinCoreOracle{
		client:                client,
		params:                params,
		confirmationThreshold: cfg.ConfirmationThreshold,
		retry:                 cfg.Retry,
		log:                   logging.GetDefault().Component("oracle.bitcoincore").With("network", params.Name),
	}, nil
}

// IsConfirmed reports whether txid has reached the configured confirmation
// threshold.
func (o *BitcoinCoreOracle) IsConfirmed(ctx context.Context, txid string) (bool, error) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return false, err
	}

	return withRetry(ctx, o.retry, o.log, func(ctx context.Context) (bool, error) {
		info, err := o.client.GetRawTransactionVerbose(hash)
		if err != nil {
			if isTxNotFound(err) {
				return false, nil
			}
			var rpcErr *btcjson.RPCError
			if errors.As(err, &rpcErr) {
				return false, err
			}
			return false, markConnectivityError(err)
		}
		return uint32(info.Confirmations) >= o.confirmationThreshold, nil
	})
}

// Shutdown releases the underlying RPC client's resources.
func (o *BitcoinCoreOracle) Shutdown() {
	o.client.Shutdown()
}

func isTxNotFound(err error) bool {
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code == txNotFoundRPCCode
	}
	return false
}
