package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"help2earn/observability/logging"
	"help2earn/services/rewardd/locationhash"
	"help2earn/services/rewardd/models"
)

const (
	defaultMaxAttempts    = 5
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
	defaultMaxElapsed     = 2 * time.Minute
)

// Config tunes the distributor retry schedule and pacing.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxElapsed     time.Duration
	RatePerSecond  float64
	Burst          int
	FallbackMint   bool
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.MaxElapsed <= 0 {
		c.MaxElapsed = defaultMaxElapsed
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
}

// Request describes one reward to settle.
type Request struct {
	Recipient common.Address
	Key       locationhash.Hash
	Amount    *big.Int
	// Unconfirmed reports whether the local record is still unsettled. It is
	// consulted before the direct-mint fallback.
	Unconfirmed func(ctx context.Context) (bool, error)
	// BeforeMint persists the intent to mint. The fallback is refused when it
	// returns an error.
	BeforeMint func(ctx context.Context) error
	// OnRetry, when set, runs after each transient failure that will be retried.
	OnRetry RetryHook
}

// Result captures how a request was settled.
type Result struct {
	Outcome  Outcome
	TxRef    string
	Path     models.IssuancePath
	Attempts int
	Err      error
}

// RetryHook observes each failed transient attempt before the backoff sleep.
type RetryHook func(attempt int, outcome Outcome, err error)

// Option customises the Distributor.
type Option func(*Distributor)

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Distributor) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithRetryHook registers a callback invoked after each transient failure.
func WithRetryHook(hook RetryHook) Option {
	return func(d *Distributor) {
		d.onRetry = hook
	}
}

// WithAttemptObserver registers a callback invoked with every classified attempt.
func WithAttemptObserver(observe func(Outcome)) Option {
	return func(d *Distributor) {
		d.observe = observe
	}
}

// Distributor drives the reward contract with bounded retries.
type Distributor struct {
	contract RewardContract
	cfg      Config
	limiter  *rate.Limiter
	logger   *slog.Logger
	onRetry  RetryHook
	observe  func(Outcome)
}

// NewDistributor wraps contract with the configured retry policy.
func NewDistributor(contract RewardContract, cfg Config, opts ...Option) (*Distributor, error) {
	if contract == nil {
		return nil, errors.New("chain: contract required")
	}
	cfg.applyDefaults()
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	d := &Distributor{
		contract: contract,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, cfg.Burst),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d, nil
}

// Contract exposes the underlying port for verification lookups.
func (d *Distributor) Contract() RewardContract { return d.contract }

// IsVerified consults the on-chain verification map.
func (d *Distributor) IsVerified(ctx context.Context, key locationhash.Hash) (bool, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return false, err
	}
	return d.contract.IsVerified(ctx, key)
}

// Distribute settles the request. Transient failures are retried with
// exponential backoff until MaxAttempts or MaxElapsed is reached; the
// direct-mint fallback runs afterwards when enabled.
func (d *Distributor) Distribute(ctx context.Context, req Request) Result {
	ctx, span := otel.Tracer("rewardd/chain").Start(ctx, "distributor.Distribute")
	defer span.End()
	span.SetAttributes(attribute.String("reward.key", req.Key.Hex()))

	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return d.finish(span, Result{Outcome: OutcomeInvalidAmount, Err: fmt.Errorf("%w: non-positive amount", ErrInvalidAmount)})
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = d.cfg.InitialBackoff
	expo.MaxInterval = d.cfg.MaxBackoff
	expo.MaxElapsedTime = d.cfg.MaxElapsed
	schedule := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(d.cfg.MaxAttempts-1)), ctx)
	schedule.Reset()

	var (
		attempts int
		lastErr  error
	)
	for {
		if err := d.limiter.Wait(ctx); err != nil {
			lastErr = err
			break
		}
		attempts++
		txRef, err := d.contract.DistributeReward(ctx, req.Recipient, req.Key, req.Amount)
		outcome := Classify(err)
		if d.observe != nil {
			d.observe(outcome)
		}
		switch outcome {
		case OutcomeConfirmed:
			return d.finish(span, Result{Outcome: outcome, TxRef: txRef, Path: models.PathDistributor, Attempts: attempts})
		case OutcomeAlreadyVerified:
			return d.finish(span, Result{Outcome: outcome, Path: models.PathAlreadyVerified, Attempts: attempts})
		case OutcomeInvalidAmount, OutcomeAuthorization:
			return d.finish(span, Result{Outcome: outcome, Attempts: attempts, Err: err})
		}

		lastErr = err
		wait := schedule.NextBackOff()
		d.logger.Warn("reward distribution attempt failed",
			slog.String("key", req.Key.Hex()),
			slog.Int("attempt", attempts),
			slog.Duration("retry_in", wait),
			logging.Error("error", err))
		if wait == backoff.Stop {
			break
		}
		if d.onRetry != nil {
			d.onRetry(attempts, outcome, err)
		}
		if req.OnRetry != nil {
			req.OnRetry(attempts, outcome, err)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			lastErr = errors.Join(lastErr, ctx.Err())
		case <-timer.C:
		}
		if ctx.Err() != nil {
			break
		}
	}

	if d.cfg.FallbackMint && ctx.Err() == nil {
		return d.finish(span, d.fallback(ctx, req, attempts, lastErr))
	}
	return d.finish(span, Result{Outcome: OutcomeTransient, Attempts: attempts, Err: lastErr})
}

// fallback mints directly only when the record is still unsettled locally
// and the chain has not marked the key.
func (d *Distributor) fallback(ctx context.Context, req Request, attempts int, lastErr error) Result {
	if req.Unconfirmed != nil {
		unsettled, err := req.Unconfirmed(ctx)
		if err != nil {
			return Result{Outcome: OutcomeTransient, Attempts: attempts, Err: errors.Join(lastErr, err)}
		}
		if !unsettled {
			return Result{Outcome: OutcomeAlreadyVerified, Path: models.PathAlreadyVerified, Attempts: attempts}
		}
	}
	verified, err := d.IsVerified(ctx, req.Key)
	if err != nil {
		return Result{Outcome: OutcomeTransient, Attempts: attempts, Err: errors.Join(lastErr, err)}
	}
	if verified {
		return Result{Outcome: OutcomeAlreadyVerified, Path: models.PathAlreadyVerified, Attempts: attempts}
	}
	if req.BeforeMint != nil {
		if err := req.BeforeMint(ctx); err != nil {
			return Result{Outcome: OutcomeTransient, Attempts: attempts, Err: errors.Join(lastErr, fmt.Errorf("%w: %w", ErrMintRefused, err))}
		}
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return Result{Outcome: OutcomeTransient, Attempts: attempts, Err: errors.Join(lastErr, err)}
	}
	attempts++
	txRef, err := d.contract.Mint(ctx, req.Key, req.Recipient, req.Amount)
	outcome := Classify(err)
	if d.observe != nil {
		d.observe(outcome)
	}
	d.logger.Info("direct mint fallback",
		slog.String("key", req.Key.Hex()),
		slog.String("outcome", string(outcome)))
	switch outcome {
	case OutcomeConfirmed:
		return Result{Outcome: outcome, TxRef: txRef, Path: models.PathDirectMint, Attempts: attempts}
	case OutcomeInvalidAmount, OutcomeAuthorization:
		return Result{Outcome: outcome, Attempts: attempts, Err: err}
	default:
		return Result{Outcome: OutcomeTransient, Attempts: attempts, Err: errors.Join(lastErr, err)}
	}
}

func (d *Distributor) finish(span trace.Span, res Result) Result {
	span.SetAttributes(
		attribute.String("reward.outcome", string(res.Outcome)),
		attribute.Int("reward.attempts", res.Attempts),
	)
	if res.Err != nil && res.Outcome != OutcomeAlreadyVerified {
		span.SetStatus(codes.Error, res.Err.Error())
	}
	return res
}
