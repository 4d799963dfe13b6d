package chain

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vbonduro/lendchain/internal/domain"
)

// RetryConfig bounds the retries of transient gateway failures.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryConfig is used for zero fields of a RetryConfig.
var DefaultRetryConfig = RetryConfig{
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	MaxElapsedTime:  10 * time.Second,
}

type retrying struct {
	next   Gateway
	cfg    RetryConfig
	logger *slog.Logger
}

// WithRetry wraps g so that calls failing with domain.ErrGatewayUnavailable
// are retried with exponential backoff. Any other error, and any Submit
// failure wrapping ErrBroadcastUncertain, is returned at once.
// When retries are exhausted the last error is returned and still matches
// domain.ErrGatewayUnavailable.
func WithRetry(g Gateway, cfg RetryConfig, logger *slog.Logger) Gateway {
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultRetryConfig.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = DefaultRetryConfig.MaxInterval
	}
	if cfg.MaxElapsedTime <= 0 {
		cfg.MaxElapsedTime = DefaultRetryConfig.MaxElapsedTime
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &retrying{next: g, cfg: cfg, logger: logger.With("component", "gateway_retry")}
}

func (r *retrying) Submit(ctx context.Context, call Call) (domain.TxRecord, error) {
	return retry(ctx, r, "submit", func() (domain.TxRecord, error) {
		return r.next.Submit(ctx, call)
	})
}

func (r *retrying) PollReceipt(ctx context.Context, tx domain.TxRecord) (Receipt, error) {
	return retry(ctx, r, "poll_receipt", func() (Receipt, error) {
		return r.next.PollReceipt(ctx, tx)
	})
}

func (r *retrying) ReadCustody(ctx context.Context, itemID string) (Custody, error) {
	return retry(ctx, r, "read_custody", func() (Custody, error) {
		return r.next.ReadCustody(ctx, itemID)
	})
}

func retry[T any](ctx context.Context, r *retrying, op string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval
	b.MaxElapsedTime = r.cfg.MaxElapsedTime

	var result T
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		v, err := fn()
		if err == nil {
			result = v
			return nil
		}
		if !errors.Is(err, domain.ErrGatewayUnavailable) || errors.Is(err, ErrBroadcastUncertain) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		r.logger.Warn("gateway unavailable, retrying",
			"op", op,
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
	})
	return result, err
}
