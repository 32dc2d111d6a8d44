package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trade-guard/internal/clock"
	"trade-guard/internal/config"
)

// Limiter is the admission gate consulted before every attempt.
type Limiter interface {
	Wait(ctx context.Context, key, venue string) (time.Duration, error)
}

// Options label one retryable operation and optionally override defaults.
type Options struct {
	Venue     string
	Endpoint  string
	Operation string

	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	JitterRange     time.Duration
}

// Params are the fully resolved retry parameters for one operation.
type Params struct {
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	JitterRange     time.Duration
}

// Attempt records one failed try for diagnostics.
type Attempt struct {
	Attempt  int
	Error    string
	Delay    time.Duration
	At       time.Time
	Venue    string
	Endpoint string
}

// ExhaustedError reports that an operation failed after all retries.
type ExhaustedError struct {
	Operation string
	Attempts  int
	LastErr   error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("operation %q failed after %d attempts: %v", e.Operation, e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// Service wraps operations with bounded retries and jittered backoff.
type Service struct {
	defaults config.RetryConfig
	venues   map[string]config.VenueRetryConfig
	limiter  Limiter
	clk      clock.Clock
	logger   zerolog.Logger

	mu              sync.Mutex
	history         map[string][]Attempt
	retriesByOp     map[string]int64
	totalOperations int64
	retriedOps      int64
	totalRetries    int64
}

// Stats summarises observed retry behaviour.
type Stats struct {
	TotalOperations   int64
	OperationsRetried int64
	TotalRetries      int64
	AverageRetries    float64
	MostRetried       []OperationRetries
}

// OperationRetries pairs an operation name with its cumulative retry count.
type OperationRetries struct {
	Operation string
	Retries   int64
}

// NewService constructs the retry service.
func NewService(defaults config.RetryConfig, venues map[string]config.VenueRetryConfig, limiter Limiter, clk clock.Clock, logger zerolog.Logger) *Service {
	if defaults.MaxRetries <= 0 {
		defaults.MaxRetries = 3
	}
	if defaults.BaseDelay <= 0 {
		defaults.BaseDelay = time.Second
	}
	if defaults.MaxDelay <= 0 {
		defaults.MaxDelay = 30 * time.Second
	}
	if defaults.ExponentialBase <= 1 {
		defaults.ExponentialBase = 2
	}
	if defaults.HistorySize <= 0 {
		defaults.HistorySize = 20
	}
	if clk == nil {
		clk = clock.System()
	}

	return &Service{
		defaults:    defaults,
		venues:      venues,
		limiter:     limiter,
		clk:         clk,
		logger:      logger.With().Str("component", "retry").Logger(),
		history:     make(map[string][]Attempt),
		retriesByOp: make(map[string]int64),
	}
}

// Do runs fn with bounded retries, waiting on the rate limiter before every
// attempt. It returns nil on success, ctx.Err() if cancelled mid-wait, or an
// *ExhaustedError once retries run out.
func (s *Service) Do(ctx context.Context, opts Options, fn func(context.Context) error) error {
	params := s.paramsFor(opts)
	key := operationKey(opts)

	s.mu.Lock()
	s.totalOperations++
	s.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= params.MaxRetries; attempt++ {
		if s.limiter != nil {
			if _, err := s.limiter.Wait(ctx, opts.Endpoint, opts.Venue); err != nil {
				return err
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		quota := IsQuotaError(err)
		delay := BackoffDelay(params, attempt, quota, rand.Float64())
		willRetry := attempt < params.MaxRetries
		s.recordAttempt(key, opts, attempt, err, delay, willRetry)

		s.logger.Warn().
			Str("operation", key).
			Str("venue", opts.Venue).
			Int("attempt", attempt).
			Int("max_retries", params.MaxRetries).
			Bool("quota_error", quota).
			Dur("delay", delay).
			Err(err).
			Msg("operation attempt failed")

		if attempt == params.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clk.After(delay):
		}
	}

	return &ExhaustedError{Operation: key, Attempts: params.MaxRetries, LastErr: lastErr}
}

// DoValue is Do for operations that produce a result.
func DoValue[T any](ctx context.Context, s *Service, opts Options, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := s.Do(ctx, opts, func(ctx context.Context) error {
		value, err := fn(ctx)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	return result, err
}

// BackoffDelay computes the pre-retry delay for a failed attempt. jitter must
// be in [0,1); quota errors back off on a steeper pure-exponential curve.
func BackoffDelay(params Params, attempt int, quotaError bool, jitter float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration
	if quotaError {
		delay = time.Duration(float64(params.BaseDelay) * math.Pow(2, float64(attempt)))
	} else {
		backoff := float64(params.BaseDelay) * math.Pow(params.ExponentialBase, float64(attempt-1))
		delay = time.Duration(backoff + jitter*float64(params.JitterRange))
	}

	if delay > params.MaxDelay {
		delay = params.MaxDelay
	}
	return delay
}

// IsQuotaError reports whether the error looks like a venue rate-limit
// response rather than a generic transient failure.
func IsQuotaError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests")
}

// GetStats summarises retry activity since construction.
func (s *Service) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		TotalOperations:   s.totalOperations,
		OperationsRetried: s.retriedOps,
		TotalRetries:      s.totalRetries,
	}
	if s.totalOperations > 0 {
		stats.AverageRetries = float64(s.totalRetries) / float64(s.totalOperations)
	}

	for op, count := range s.retriesByOp {
		stats.MostRetried = append(stats.MostRetried, OperationRetries{Operation: op, Retries: count})
	}
	sort.Slice(stats.MostRetried, func(i, j int) bool {
		if stats.MostRetried[i].Retries == stats.MostRetried[j].Retries {
			return stats.MostRetried[i].Operation < stats.MostRetried[j].Operation
		}
		return stats.MostRetried[i].Retries > stats.MostRetried[j].Retries
	})
	if len(stats.MostRetried) > 5 {
		stats.MostRetried = stats.MostRetried[:5]
	}
	return stats
}

// History returns the bounded most-recent-first attempt log for one operation.
func (s *Service) History(operation string) []Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempts := s.history[operation]
	return append(attempts[:0:0], attempts...)
}

func (s *Service) paramsFor(opts Options) Params {
	params := Params{
		MaxRetries:      s.defaults.MaxRetries,
		BaseDelay:       s.defaults.BaseDelay,
		MaxDelay:        s.defaults.MaxDelay,
		ExponentialBase: s.defaults.ExponentialBase,
		JitterRange:     s.defaults.JitterRange,
	}

	if override, ok := s.venues[strings.ToLower(opts.Venue)]; ok {
		if override.MaxRetries > 0 {
			params.MaxRetries = override.MaxRetries
		}
		if override.BaseDelay > 0 {
			params.BaseDelay = override.BaseDelay
		}
	}

	if opts.MaxRetries > 0 {
		params.MaxRetries = opts.MaxRetries
	}
	if opts.BaseDelay > 0 {
		params.BaseDelay = opts.BaseDelay
	}
	if opts.MaxDelay > 0 {
		params.MaxDelay = opts.MaxDelay
	}
	if opts.ExponentialBase > 1 {
		params.ExponentialBase = opts.ExponentialBase
	}
	if opts.JitterRange > 0 {
		params.JitterRange = opts.JitterRange
	}
	return params
}

// recordAttempt logs the failure into the history; only attempts that a
// retry actually follows count toward the retry statistics.
func (s *Service) recordAttempt(key string, opts Options, attempt int, err error, delay time.Duration, willRetry bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if willRetry {
		s.totalRetries++
		s.retriesByOp[key]++
		if attempt == 1 {
			s.retriedOps++
		}
	}

	entry := Attempt{
		Attempt:  attempt,
		Error:    err.Error(),
		Delay:    delay,
		At:       s.clk.Now(),
		Venue:    opts.Venue,
		Endpoint: opts.Endpoint,
	}
	attempts := append([]Attempt{entry}, s.history[key]...)
	if len(attempts) > s.defaults.HistorySize {
		attempts = attempts[:s.defaults.HistorySize]
	}
	s.history[key] = attempts
}

func operationKey(opts Options) string {
	if opts.Operation != "" {
		return opts.Operation
	}
	if opts.Venue != "" {
		return opts.Venue + ":" + opts.Endpoint
	}
	return opts.Endpoint
}
