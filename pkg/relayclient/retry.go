package relayclient

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryConfig bounds how hard the gateway leans on the media-relay daemon
// before giving up, grounded on the teacher's RetryConfig
// (pkg/dialog/retry.go). Spec §4.E calls for "at most 3 attempts, bounded
// by a short deadline" — we keep the teacher's exponential-backoff-with-
// jitter shape but tune the numbers down to that bound instead of the
// teacher's network-retry defaults, which are tuned for SIP peers, not a
// colocated control-plane daemon.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64
}

// DefaultRetryConfig matches spec §4.E's relay RPC retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	}
}

// httpStatusError wraps a non-200 relay response; 5xx is treated as a
// transient daemon hiccup worth retrying, 4xx is not.
type httpStatusError struct {
	Code int
	Body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("relayclient: relay returned status %d: %s", e.Code, e.Body)
}

type retryableFunc func() error

func withRetry(ctx context.Context, cfg RetryConfig, log *logrus.Entry, op string, fn retryableFunc) error {
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetriableError(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := backoffDelay(attempt, cfg)
		log.WithError(err).WithFields(logrus.Fields{"op": op, "attempt": attempt, "delay_ms": delay.Milliseconds()}).
			Warn("relay rpc failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func backoffDelay(attempt int, cfg RetryConfig) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.JitterFactor > 0 {
		jitter := delay * cfg.JitterFactor * (rand.Float64()*2 - 1)
		delay += jitter
		if delay < 0 {
			delay = 0
		}
	}
	return time.Duration(delay)
}

func isRetriableError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500
	}
	lower := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection refused", "connection reset", "eof", "broken pipe"} {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
