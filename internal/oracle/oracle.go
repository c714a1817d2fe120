// Package oracle abstracts "is this Bitcoin transaction confirmed" behind a
// single interface, with adapters for talking to a Bitcoin Core node
// directly or to a generic external JSON-RPC indexer, and a shared retry
// decorator applied to both.
package oracle

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/sova-labs/sentinel/pkg/logging"
)

// ConfirmationOracle reports whether a Bitcoin transaction has reached the
// configured confirmation threshold.
type ConfirmationOracle interface {
	IsConfirmed(ctx context.Context, txid string) (bool, error)
}

// NodeUnreachable is returned once the retry budget is exhausted against a
// connectivity-class error.
type NodeUnreachable struct {
	Attempts int
	Cause    error
}

func (e *NodeUnreachable) Error() string {
	return fmt.Sprintf("oracle: bitcoin node unreachable after %d attempts: %v", e.Attempts, e.Cause)
}

func (e *NodeUnreachable) Unwrap() error { return e.Cause }

// connectivityError marks an error as transport-class (connection refused,
// timeout, DNS failure) as opposed to a well-formed RPC error response.
// Only connectivity errors are retried.
type connectivityError struct {
	err error
}

func (e *connectivityError) Error() string { return e.err.Error() }
func (e *connectivityError) Unwrap() error { return e.err }

// markConnectivityError wraps err so the retry decorator recognizes it as
// transport-class.
func markConnectivityError(err error) error {
	if err == nil {
		return nil
	}
	return &connectivityError{err: err}
}

func isConnectivityError(err error) bool {
	var ce *connectivityError
	return err != nil && (asConnectivityError(err, &ce))
}

func asConnectivityError(err error, target **connectivityError) bool {
	for err != nil {
		if ce, ok := err.(*connectivityError); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// RetryConfig configures the exponential backoff applied around an oracle's
// underlying call.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultRetryConfig mirrors the reference implementation's defaults: five
// attempts with a 100ms base delay.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 5, BaseDelay: 100 * time.Millisecond}
}

// withRetry runs fn, retrying with exponential backoff and jitter only when
// fn returns a connectivity-class error. Any other error - including a
// well-formed RPC error response - is returned immediately without retry.
func withRetry[T any](ctx context.Context, cfg RetryConfig, log *logging.Logger, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		zero     T
		lastErr  error
		attempts int
	)

	maxRetries := cfg.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	for attempts = 1; attempts <= maxRetries; attempts++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !isConnectivityError(err) {
			return zero, err
		}

		if attempts == maxRetries {
			break
		}

		delay := backoffWithJitter(cfg.BaseDelay, attempts)
		log.Debug("retrying bitcoin rpc call after connectivity error", "attempt", attempts, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}

	return zero, &NodeUnreachable{Attempts: maxRetries, Cause: lastErr}
}

func backoffWithJitter(base time.Duration, attempt int) time.Duration {
	d := base << uint(attempt-1)
	jitter := time.Duration(rand.Int63n(int64(d) + 1))
	return d + jitter
}
