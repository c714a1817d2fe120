package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sova-labs/sentinel/pkg/logging"
)

func testRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond}
}

func TestWithRetrySucceedsOnRetry(t *testing.T) {
	tests := []struct {
		name         string
		succeedAt    int
		maxRetries   int
		wantSuccess  bool
		wantAttempts int
	}{
		{"succeeds first try", 1, 3, true, 1},
		{"succeeds second try", 2, 3, true, 2},
		{"succeeds on last retry", 3, 3, true, 3},
		{"exhausts retries", 5, 3, false, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			cfg := RetryConfig{MaxRetries: tt.maxRetries, BaseDelay: time.Millisecond}
			log := logging.GetDefault().Component("test")

			result, err := withRetry(context.Background(), cfg, log, func(ctx context.Context) (bool, error) {
				attempts++
				if attempts >= tt.succeedAt {
					return true, nil
				}
				return false, markConnectivityError(errors.New("connection refused"))
			})

			if tt.wantSuccess {
				if err != nil {
					t.Fatalf("expected success, got error: %v", err)
				}
				if !result {
					t.Errorf("expected result true")
				}
				if attempts != tt.wantAttempts {
					t.Errorf("attempts = %d, want %d", attempts, tt.wantAttempts)
				}
				return
			}

			var unreachable *NodeUnreachable
			if !errors.As(err, &unreachable) {
				t.Fatalf("expected NodeUnreachable, got %v", err)
			}
			if unreachable.Attempts != tt.maxRetries {
				t.Errorf("unreachable.Attempts = %d, want %d", unreachable.Attempts, tt.maxRetries)
			}
		})
	}
}

func TestWithRetryDoesNotRetryNonConnectivityError(t *testing.T) {
	attempts := 0
	cfg := testRetryConfig()
	log := logging.GetDefault().Component("test")

	nonConnErr := &rpcProtocolError{code: -5, message: "not found"}

	_, err := withRetry(context.Background(), cfg, log, func(ctx context.Context) (bool, error) {
		attempts++
		return false, nonConnErr
	})

	if attempts != 1 {
		t.Errorf("expected exactly 1 attempt for a non-connectivity error, got %d", attempts)
	}
	if !errors.Is(err, nonConnErr) && err != nonConnErr {
		t.Errorf("expected the original non-connectivity error to propagate, got %v", err)
	}
}

func TestWithRetryRespectsContextCancellation(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 5, BaseDelay: 50 * time.Millisecond}
	log := logging.GetDefault().Component("test")

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0

	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	_, err := withRetry(ctx, cfg, log, func(ctx context.Context) (bool, error) {
		attempts++
		return false, markConnectivityError(errors.New("timeout"))
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
