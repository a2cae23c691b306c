package events

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/warp/allocation-engine/allocation"
)

const maxBackoff = 30 * time.Second

// Listener keeps a consumer connection alive, redialing with exponential
// backoff when the broker goes away.
type Listener struct {
	URL        string
	Exchange   string
	InstanceID string
	Target     allocation.Invalidator
	Logger     *zap.Logger

	// dial is swapped in tests.
	dial func(url, exchange, instanceID string, logger *zap.Logger) (consumer, error)
}

type consumer interface {
	Consume(ctx context.Context, inv allocation.Invalidator) error
	Close() error
}

// Run blocks until ctx is done.
func (l *Listener) Run(ctx context.Context) error {
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dial := l.dial
	if dial == nil {
		dial = func(url, exchange, instanceID string, logger *zap.Logger) (consumer, error) {
			return Dial(url, exchange, instanceID, logger)
		}
	}

	attempt := 0
	for {
		c, err := dial(l.URL, l.Exchange, l.InstanceID, logger)
		if err == nil {
			attempt = 0
			err = c.Consume(ctx, l.Target)
			c.Close()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := exponentialBackoff(attempt)
		logger.Warn("override event listener disconnected",
			zap.Error(err),
			zap.Bool("connection_error", isConnectionError(err)),
			zap.Duration("retry_in", wait))
		attempt++

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// exponentialBackoff returns 1s, 2s, 4s... capped at 30s.
func exponentialBackoff(attempt int) time.Duration {
	if attempt > 5 {
		return maxBackoff
	}
	d := time.Second << attempt
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection", "eof", "channel closed", "broken pipe"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
