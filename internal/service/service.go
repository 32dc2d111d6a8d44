package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trade-guard/internal/breaker"
	"trade-guard/internal/clock"
	"trade-guard/internal/config"
	"trade-guard/internal/journal"
	"trade-guard/internal/metrics"
	"trade-guard/internal/ratelimit"
	"trade-guard/internal/retry"
	"trade-guard/internal/risk"
	"trade-guard/internal/scheduler"
	"trade-guard/internal/state"
	"trade-guard/internal/venue"
)

// TradeIntent is a caller's request to trade, pre-admission.
type TradeIntent struct {
	TokenID string
	Side    risk.TradeType
	Amount  float64
	Price   float64
}

// TradeOutcome reports a completed (or failed) guarded trade.
type TradeOutcome struct {
	OperationID string
	TxRef       string
	Price       float64
	Profit      float64
}

// Status aggregates the posture of every guard for operator surfaces.
type Status struct {
	Breaker   breaker.State
	Risk      risk.Status
	RateLimit ratelimit.Stats
	Retry     retry.Stats
	Recovery  state.RecoveryInfo
}

// Deps collects the engine's collaborators. Journal, locker, metrics and
// pinger are optional; everything else is required.
type Deps struct {
	Limiter   *ratelimit.Limiter
	Retrier   *retry.Service
	Breaker   *breaker.Breaker
	Risk      *risk.Manager
	State     *state.Service
	Quoter    venue.Quoter
	Executor  venue.Executor
	Pinger    venue.Pinger
	Journal   journal.TradeJournal
	Locker    journal.AdvisoryLocker
	Metrics   *metrics.Metrics
	Scheduler *scheduler.Scheduler
	Clock     clock.Clock
}

// Engine funnels every trade through the guard pipeline: circuit breaker,
// risk admission, rate limiting and retry-wrapped venue calls, with each
// outcome fed back into the guards and the durable state.
type Engine struct {
	cfg       *config.Config
	deps      Deps
	clk       clock.Clock
	logger    zerolog.Logger
	venueName string
	lockKey   int64
}

// New constructs the engine.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Engine {
	clk := deps.Clock
	if clk == nil {
		clk = clock.System()
	}
	venueName := cfg.Venue.Name
	if venueName == "" {
		venueName = "default"
	}
	return &Engine{
		cfg:       cfg,
		deps:      deps,
		clk:       clk,
		logger:    logger.With().Str("component", "engine").Logger(),
		venueName: venueName,
		lockKey:   cfg.Scheduler.AdvisoryLockKey,
	}
}

// UseExecutor swaps the venue executor. Dry-run surfaces install a local
// fill here; not safe to call once the engine is running.
func (e *Engine) UseExecutor(executor venue.Executor) {
	e.deps.Executor = executor
}

// ExecuteTrade runs one trade through the full guard pipeline. A pre-submission
// rejection returns an error without touching venue or positions; a venue
// failure after retries is recorded as a zero-loss failure since no funds
// moved.
func (e *Engine) ExecuteTrade(ctx context.Context, intent TradeIntent) (TradeOutcome, error) {
	started := e.clk.Now()

	// Risk runs first so a rejected trade cannot consume a half-open
	// breaker transition.
	if decision := e.deps.Risk.CanExecuteTrade(intent.Amount, intent.TokenID); !decision.Allowed {
		reason := strings.Join(decision.Errors, "; ")
		e.rejectTrade(ctx, intent, "risk", reason)
		return TradeOutcome{}, fmt.Errorf("trade rejected: %s", reason)
	}
	if decision := e.deps.Breaker.CanTrade(); !decision.Allowed {
		e.rejectTrade(ctx, intent, "breaker", decision.Reason)
		return TradeOutcome{}, fmt.Errorf("trade blocked: %s", decision.Reason)
	}

	opID := e.deps.State.StartOperation(string(intent.Side))
	e.deps.State.UpdateOperationStatus(opID, state.StatusExecuting, "")

	if e.deps.Limiter != nil {
		if err := e.deps.Limiter.AcquireSlot(ctx); err != nil {
			e.deps.State.UpdateOperationStatus(opID, state.StatusFailed, err.Error())
			return TradeOutcome{OperationID: opID}, err
		}
		defer e.deps.Limiter.ReleaseSlot()
	}

	req := venue.TradeRequest{
		Venue:   e.venueName,
		TokenID: intent.TokenID,
		Side:    string(intent.Side),
		Amount:  decimal.NewFromFloat(intent.Amount),
		Price:   decimal.NewFromFloat(intent.Price),
	}
	attempts := 0
	execution, err := retry.DoValue(ctx, e.deps.Retrier, retry.Options{
		Venue:     e.venueName,
		Endpoint:  "orders",
		Operation: "execute_trade",
	}, func(ctx context.Context) (venue.Execution, error) {
		attempts++
		return e.deps.Executor.ExecuteTrade(ctx, req)
	})
	e.countRetries("execute_trade", attempts)
	if err != nil {
		return e.failTrade(ctx, intent, opID, err)
	}

	execPrice, _ := execution.Price.Float64()
	profit, riskErr := e.deps.Risk.RecordTrade(intent.Side, intent.TokenID, intent.Amount, execPrice, execution.TxRef)
	if riskErr != nil {
		// Order went through but bookkeeping disagrees; keep going, the
		// journal still captures what happened.
		e.logger.Warn().Err(riskErr).Str("token", intent.TokenID).Msg("risk bookkeeping rejected executed trade")
	}

	e.deps.Breaker.RecordTrade(breaker.TradeResult{
		Success:    true,
		ProfitLoss: &profit,
		Amount:     intent.Amount,
		TokenID:    intent.TokenID,
	})
	e.deps.State.RecordSuccess()
	e.deps.State.RecordTradeOutcome(profit, intent.Amount*execPrice)
	e.deps.State.UpdateOperationStatus(opID, state.StatusCompleted, execution.TxRef)

	e.journalTrade(ctx, journal.TradeRecord{
		OperationID: opID,
		Venue:       e.venueName,
		TokenID:     intent.TokenID,
		Side:        string(intent.Side),
		Amount:      decimal.NewFromFloat(intent.Amount),
		Price:       execution.Price,
		ProfitLoss:  decimalPtr(profit),
		Status:      journal.TradeExecuted,
		TxRef:       &execution.TxRef,
		Attempts:    attempts,
	})

	if m := e.deps.Metrics; m != nil {
		m.TradesTotal.WithLabelValues(e.venueName, "executed").Inc()
		m.TradeDuration.Observe(e.clk.Now().Sub(started).Seconds())
	}
	e.refreshGauges()

	e.logger.Info().
		Str("op_id", opID).
		Str("token", intent.TokenID).
		Str("side", string(intent.Side)).
		Str("tx", execution.TxRef).
		Float64("profit", profit).
		Msg("trade executed")

	return TradeOutcome{
		OperationID: opID,
		TxRef:       execution.TxRef,
		Price:       execPrice,
		Profit:      profit,
	}, nil
}

// rejectTrade records a pre-submission denial: no operation is created and
// no loss accrues.
func (e *Engine) rejectTrade(ctx context.Context, intent TradeIntent, guard, reason string) {
	if m := e.deps.Metrics; m != nil {
		m.RejectionsTotal.WithLabelValues(guard).Inc()
	}
	e.journalTrade(ctx, journal.TradeRecord{
		OperationID: "",
		Venue:       e.venueName,
		TokenID:     intent.TokenID,
		Side:        string(intent.Side),
		Amount:      decimal.NewFromFloat(intent.Amount),
		Price:       decimal.NewFromFloat(intent.Price),
		Status:      journal.TradeRejected,
		Error:       &reason,
	})
	e.logger.Warn().
		Str("guard", guard).
		Str("token", intent.TokenID).
		Str("reason", reason).
		Msg("trade rejected before submission")
}

// failTrade records a venue failure after retries were exhausted. The order
// never executed, so the breaker sees an explicit zero loss.
func (e *Engine) failTrade(ctx context.Context, intent TradeIntent, opID string, err error) (TradeOutcome, error) {
	noLoss := 0.0
	e.deps.Breaker.RecordTrade(breaker.TradeResult{
		Success:    false,
		ProfitLoss: &noLoss,
		Amount:     intent.Amount,
		TokenID:    intent.TokenID,
		Err:        err,
	})
	e.deps.State.RecordError(classifyError(err), e.venueName)
	e.deps.State.UpdateOperationStatus(opID, state.StatusFailed, err.Error())

	errMsg := err.Error()
	e.journalTrade(ctx, journal.TradeRecord{
		OperationID: opID,
		Venue:       e.venueName,
		TokenID:     intent.TokenID,
		Side:        string(intent.Side),
		Amount:      decimal.NewFromFloat(intent.Amount),
		Price:       decimal.NewFromFloat(intent.Price),
		Status:      journal.TradeFailed,
		Error:       &errMsg,
		Attempts:    attemptCount(err),
	})

	if m := e.deps.Metrics; m != nil {
		m.TradesTotal.WithLabelValues(e.venueName, "failed").Inc()
	}
	e.refreshGauges()

	return TradeOutcome{OperationID: opID}, err
}

// Run drives the supervision loop until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if e.deps.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return e.deps.Scheduler.Run(ctx, e.ProcessTick)
}

// ProcessTick 执行单个监督周期: 连通性检查、参考报价采样、仪表刷新。
func (e *Engine) ProcessTick(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := e.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		e.logger.Debug().Time("bucket", bucket).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return e.superviseTick(ctx, bucket)
}

func (e *Engine) superviseTick(ctx context.Context, bucket time.Time) error {
	if e.deps.Pinger != nil {
		err := e.deps.Pinger.Ping(ctx)
		e.deps.State.SetConnectionAlive(e.venueName, err == nil)
		if err != nil {
			e.deps.State.RecordError("connectivity", e.venueName)
			e.logger.Warn().Err(err).Msg("venue ping failed")
		}
	}

	if e.deps.Quoter != nil && e.cfg.Venue.NotionalAmount > 0 {
		tokenID := e.cfg.Venue.BaseToken
		attempts := 0
		quote, err := retry.DoValue(ctx, e.deps.Retrier, retry.Options{
			Venue:     e.venueName,
			Endpoint:  "quote",
			Operation: "sample_quote",
		}, func(ctx context.Context) (venue.Quote, error) {
			attempts++
			return e.deps.Quoter.Quote(ctx, tokenID, decimal.NewFromFloat(e.cfg.Venue.NotionalAmount))
		})
		e.countRetries("sample_quote", attempts)
		if err != nil {
			e.deps.State.RecordError(classifyError(err), e.venueName)
			e.logger.Error().Err(err).Time("bucket", bucket).Msg("reference quote sampling failed")
		} else {
			e.deps.State.RecordSuccess()
			if len(quote.Raw) > 0 {
				e.deps.State.CacheDiscovery(e.venueName+":"+tokenID, quote.Raw)
			}
			e.logger.Info().
				Time("bucket", bucket).
				Str("token", tokenID).
				Str("price", quote.Price.String()).
				Msg("reference quote sampled")
		}
	}

	e.deps.State.Heartbeat()
	e.refreshGauges()
	return nil
}

// GetStatus aggregates every guard's posture.
func (e *Engine) GetStatus() Status {
	return Status{
		Breaker:   e.deps.Breaker.GetStatus(),
		Risk:      e.deps.Risk.GetRiskStatus(),
		RateLimit: e.limiterStats(),
		Retry:     e.deps.Retrier.GetStats(),
		Recovery:  e.deps.State.GetRecoveryInfo(),
	}
}

func (e *Engine) limiterStats() ratelimit.Stats {
	if e.deps.Limiter == nil {
		return ratelimit.Stats{}
	}
	return e.deps.Limiter.GetStats()
}

// countRetries feeds the retry counter with the attempts beyond the first.
func (e *Engine) countRetries(operation string, attempts int) {
	if m := e.deps.Metrics; m != nil && attempts > 1 {
		m.RetriesTotal.WithLabelValues(operation).Add(float64(attempts - 1))
	}
}

func (e *Engine) refreshGauges() {
	m := e.deps.Metrics
	if m == nil {
		return
	}
	guardState := e.deps.Breaker.GetStatus()
	m.SetBreakerState(string(guardState.Kind()))
	m.DailyLoss.Set(guardState.DailyLoss)
	m.OpenPositions.Set(float64(e.deps.Risk.GetRiskStatus().OpenPositions))
}

// journalTrade writes best-effort: losing an audit row must not fail a trade.
func (e *Engine) journalTrade(ctx context.Context, rec journal.TradeRecord) {
	if e.deps.Journal == nil {
		return
	}
	if _, err := e.deps.Journal.InsertTrade(ctx, rec); err != nil {
		e.logger.Error().Err(err).Str("token", rec.TokenID).Msg("failed to journal trade")
	}
}

func (e *Engine) acquireLock(ctx context.Context) (func(), bool, error) {
	if e.lockKey == 0 || e.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := e.deps.Locker.TryAdvisoryLock(ctx, e.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func classifyError(err error) string {
	switch {
	case retry.IsQuotaError(err):
		return "quota"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "venue"
	}
}

func attemptCount(err error) int {
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return exhausted.Attempts
	}
	return 1
}

func decimalPtr(v float64) *decimal.Decimal {
	d := decimal.NewFromFloat(v)
	return &d
}
