package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryConfig bounds retries of transient store failures.
type RetryConfig struct {
	// MaxTries is the total number of attempts, including the first.
	// Default: 4
	MaxTries uint

	// InitialInterval is the first backoff delay.
	// Default: 50ms
	InitialInterval time.Duration

	// MaxInterval caps a single backoff delay.
	// Default: 2s
	MaxInterval time.Duration

	// QueryTimeout bounds each attempt. Zero disables the per-attempt timeout.
	QueryTimeout time.Duration
}

// Retrying wraps a Store and retries transient failures with exponential
// backoff. Not-found, duplicate-port, closed-store and context errors are
// returned immediately.
type Retrying struct {
	next   Store
	cfg    RetryConfig
	logger *slog.Logger
}

// NewRetrying wraps next.
func NewRetrying(next Store, cfg RetryConfig) *Retrying {
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 4
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 50 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 2 * time.Second
	}
	return &Retrying{
		next:   next,
		cfg:    cfg,
		logger: slog.Default().With("component", "store"),
	}
}

// Unwrap returns the wrapped store.
func (r *Retrying) Unwrap() Store { return r.next }

func retry[T any](ctx context.Context, r *Retrying, op string, fn func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval

	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		callCtx := ctx
		if r.cfg.QueryTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.cfg.QueryTimeout)
			defer cancel()
		}
		v, err := fn(callCtx)
		if err == nil {
			return v, nil
		}
		if isPermanent(err) || ctx.Err() != nil {
			return v, backoff.Permanent(err)
		}
		r.logger.Debug("store call failed, retrying",
			"op", op,
			"attempt", attempt,
			"error", err,
		)
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(r.cfg.MaxTries))
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrDuplicatePort) ||
		errors.Is(err, ErrClosed) ||
		errors.Is(err, context.Canceled)
}

func retryErr(ctx context.Context, r *Retrying, op string, fn func(context.Context) error) error {
	_, err := retry(ctx, r, op, func(c context.Context) (struct{}, error) {
		return struct{}{}, fn(c)
	})
	return err
}

// FindUser implements Store.
func (r *Retrying) FindUser(ctx context.Context, id int64) (*User, error) {
	return retry(ctx, r, "find_user", func(c context.Context) (*User, error) {
		return r.next.FindUser(c, id)
	})
}

// FindAllUsers implements Store.
func (r *Retrying) FindAllUsers(ctx context.Context, filter UserFilter) ([]User, error) {
	return retry(ctx, r, "find_all_users", func(c context.Context) ([]User, error) {
		return r.next.FindAllUsers(c, filter)
	})
}

// FindRule implements Store.
func (r *Retrying) FindRule(ctx context.Context, sourcePort int) (*ForwardRule, error) {
	return retry(ctx, r, "find_rule", func(c context.Context) (*ForwardRule, error) {
		return r.next.FindRule(c, sourcePort)
	})
}

// FindAllRules implements Store.
func (r *Retrying) FindAllRules(ctx context.Context, withOwner bool) ([]ForwardRule, error) {
	return retry(ctx, r, "find_all_rules", func(c context.Context) ([]ForwardRule, error) {
		return r.next.FindAllRules(c, withOwner)
	})
}

// FindRulesByOwner implements Store.
func (r *Retrying) FindRulesByOwner(ctx context.Context, userID int64) ([]ForwardRule, error) {
	return retry(ctx, r, "find_rules_by_owner", func(c context.Context) ([]ForwardRule, error) {
		return r.next.FindRulesByOwner(c, userID)
	})
}

// UpdateUser implements Store.
func (r *Retrying) UpdateUser(ctx context.Context, id int64, update UserUpdate) error {
	return retryErr(ctx, r, "update_user", func(c context.Context) error {
		return r.next.UpdateUser(c, id, update)
	})
}

// UpdateRule implements Store.
func (r *Retrying) UpdateRule(ctx context.Context, id int64, update RuleUpdate) error {
	return retryErr(ctx, r, "update_rule", func(c context.Context) error {
		return r.next.UpdateRule(c, id, update)
	})
}

// AddTraffic implements Store. The increment is not idempotent, so it is
// attempted once; a lost increment under-reports rather than double counts.
func (r *Retrying) AddTraffic(ctx context.Context, userID, ruleID int64, bytes int64) error {
	callCtx := ctx
	if r.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.cfg.QueryTimeout)
		defer cancel()
	}
	return r.next.AddTraffic(callCtx, userID, ruleID, bytes)
}

// Ping implements Store without retries so health checks see failures.
func (r *Retrying) Ping(ctx context.Context) error {
	return r.next.Ping(ctx)
}

// Close implements Store.
func (r *Retrying) Close() error {
	return r.next.Close()
}
