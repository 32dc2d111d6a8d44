package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trade-guard/internal/clock"
	"trade-guard/internal/config"
)

// dailyWindow is the rolling period after which daily counters reset.
const dailyWindow = 24 * time.Hour

// Decision is the structured answer to a trade-admission query.
type Decision struct {
	Allowed bool
	Reason  string
}

// TradeResult reports a completed trade attempt. ProfitLoss is optional: when
// nil on a failed trade the full Amount is assumed lost.
type TradeResult struct {
	Success    bool
	ProfitLoss *float64
	Amount     float64
	TokenID    string
	Err        error
}

// Breaker disables trading entirely once loss or error thresholds are
// breached. All mutations run under one mutex; state is persisted after every
// change so a restart resumes where it left off.
type Breaker struct {
	cfg      config.CircuitBreakerConfig
	store    StateStore
	clk      clock.Clock
	logger   zerolog.Logger
	onChange func(StateChange)

	mu    sync.Mutex
	state State
}

// New loads persisted state (falling back to closed) and builds a Breaker.
// onChange may be nil; it is invoked outside internal locking concerns but
// within the mutating call, so it must not call back into the breaker.
func New(cfg config.CircuitBreakerConfig, store StateStore, clk clock.Clock, logger zerolog.Logger, onChange func(StateChange)) *Breaker {
	if clk == nil {
		clk = clock.System()
	}
	b := &Breaker{
		cfg:      cfg,
		store:    store,
		clk:      clk,
		logger:   logger.With().Str("component", "breaker").Logger(),
		onChange: onChange,
	}

	now := clk.Now()
	b.state = State{Version: SchemaVersion, LastResetTime: now}

	if store != nil {
		loaded, ok, err := store.Load()
		if err != nil {
			b.logger.Warn().Err(err).Msg("failed to load breaker state; starting closed")
		} else if ok {
			if loaded.IsOpen && loaded.IsHalfOpen {
				loaded.IsHalfOpen = false
			}
			if loaded.DailyLoss < 0 {
				loaded.DailyLoss = 0
			}
			if loaded.LastResetTime.IsZero() {
				loaded.LastResetTime = now
			}
			b.state = loaded
			b.logger.Info().
				Str("state", string(loaded.Kind())).
				Float64("daily_loss", loaded.DailyLoss).
				Msg("restored breaker state")
		}
	}
	return b
}

// CanTrade reports whether trading is currently permitted, transitioning to
// half-open when the recovery deadline has elapsed.
func (b *Breaker) CanTrade() Decision {
	if !b.cfg.Enabled {
		return Decision{Allowed: true}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.Now()
	b.maybeResetDailyLocked(now)

	if b.state.IsOpen {
		if now.Before(b.state.NextAttemptTime) {
			remaining := b.state.NextAttemptTime.Sub(now).Round(time.Second)
			return Decision{Allowed: false, Reason: fmt.Sprintf("circuit breaker open (%s); retry in %s", b.state.LastOpenReason, remaining)}
		}
		b.transitionLocked(StateHalfOpen, "recovery deadline elapsed; allowing probe trade", now)
		b.persistLocked()
		return Decision{Allowed: true, Reason: "half-open probe"}
	}

	if b.state.IsHalfOpen {
		return Decision{Allowed: true, Reason: "half-open probe"}
	}

	if b.cfg.DailyLossThreshold > 0 && b.state.DailyLoss >= b.cfg.DailyLossThreshold {
		reason := fmt.Sprintf("daily loss %.4f reached threshold %.4f", b.state.DailyLoss, b.cfg.DailyLossThreshold)
		b.openLocked(reason, now)
		b.persistLocked()
		return Decision{Allowed: false, Reason: reason}
	}
	if b.cfg.ErrorThreshold > 0 && b.state.ConsecutiveFailures >= b.cfg.ErrorThreshold {
		reason := fmt.Sprintf("%d consecutive failures reached threshold %d", b.state.ConsecutiveFailures, b.cfg.ErrorThreshold)
		b.openLocked(reason, now)
		b.persistLocked()
		return Decision{Allowed: false, Reason: reason}
	}

	return Decision{Allowed: true}
}

// RecordTrade folds a trade outcome into the breaker counters and drives
// state transitions.
func (b *Breaker) RecordTrade(result TradeResult) {
	if !b.cfg.Enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.Now()
	b.maybeResetDailyLocked(now)
	b.state.DailyTrades++

	if result.Success {
		b.state.ConsecutiveFailures = 0
		b.state.LastSuccessTime = now
		var loss float64
		if pl := result.ProfitLoss; pl != nil {
			if *pl > 0 {
				b.state.DailyLoss -= *pl
				if b.state.DailyLoss < 0 {
					b.state.DailyLoss = 0
				}
			} else if *pl < 0 {
				loss = -*pl
				b.state.DailyLoss += loss
			}
		}
		// A trade can execute cleanly and still realize a loss large
		// enough to trip the thresholds.
		switch {
		case b.cfg.SingleLossThreshold > 0 && loss >= b.cfg.SingleLossThreshold:
			b.openLocked(fmt.Sprintf("single trade loss %.4f reached threshold %.4f", loss, b.cfg.SingleLossThreshold), now)
		case b.cfg.DailyLossThreshold > 0 && b.state.DailyLoss >= b.cfg.DailyLossThreshold:
			b.openLocked(fmt.Sprintf("daily loss %.4f reached threshold %.4f", b.state.DailyLoss, b.cfg.DailyLossThreshold), now)
		case b.state.IsHalfOpen:
			b.transitionLocked(StateClosed, "probe trade succeeded", now)
		}
		b.persistLocked()
		return
	}

	b.state.FailureCount++
	b.state.ConsecutiveFailures++
	b.state.LastFailureTime = now

	loss := result.Amount
	if pl := result.ProfitLoss; pl != nil {
		if *pl < 0 {
			loss = -*pl
		} else {
			// Explicit non-negative P&L on a failure means no funds moved.
			loss = 0
		}
	}
	b.state.DailyLoss += loss

	wasHalfOpen := b.state.IsHalfOpen
	switch {
	case wasHalfOpen:
		b.openLocked("probe trade failed", now)
	case b.cfg.SingleLossThreshold > 0 && loss >= b.cfg.SingleLossThreshold:
		b.openLocked(fmt.Sprintf("single trade loss %.4f reached threshold %.4f", loss, b.cfg.SingleLossThreshold), now)
	case b.cfg.DailyLossThreshold > 0 && b.state.DailyLoss >= b.cfg.DailyLossThreshold:
		b.openLocked(fmt.Sprintf("daily loss %.4f reached threshold %.4f", b.state.DailyLoss, b.cfg.DailyLossThreshold), now)
	case b.cfg.ErrorThreshold > 0 && b.state.ConsecutiveFailures >= b.cfg.ErrorThreshold:
		b.openLocked(fmt.Sprintf("%d consecutive failures reached threshold %d", b.state.ConsecutiveFailures, b.cfg.ErrorThreshold), now)
	}

	b.persistLocked()
}

// Reset forces the breaker back to closed with all counters zeroed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.Now()
	from := b.state.Kind()
	b.state = State{Version: SchemaVersion, LastResetTime: now}
	if from != StateClosed {
		b.emit(StateChange{From: from, To: StateClosed, Reason: "manual reset", At: now})
	}
	b.persistLocked()
}

// GetStatus returns a copy of the current state.
func (b *Breaker) GetStatus() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) openLocked(reason string, now time.Time) {
	b.state.NextAttemptTime = now.Add(b.cfg.RecoveryTime)
	b.state.LastOpenReason = reason
	b.transitionLocked(StateOpen, reason, now)
}

func (b *Breaker) transitionLocked(to StateKind, reason string, now time.Time) {
	from := b.state.Kind()
	if from == to {
		return
	}

	b.state.IsOpen = to == StateOpen
	b.state.IsHalfOpen = to == StateHalfOpen

	b.logger.Warn().
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("circuit breaker state change")

	b.emit(StateChange{From: from, To: to, Reason: reason, At: now})
}

func (b *Breaker) emit(change StateChange) {
	if b.onChange != nil {
		b.onChange(change)
	}
}

// maybeResetDailyLocked clears daily counters once per rolling 24h window.
// Checked lazily on every call so an idle process cannot drift.
func (b *Breaker) maybeResetDailyLocked(now time.Time) {
	if now.Sub(b.state.LastResetTime) < dailyWindow {
		return
	}
	b.state.DailyLoss = 0
	b.state.DailyTrades = 0
	b.state.LastResetTime = now
	b.logger.Info().Msg("daily breaker counters reset")
}

// persistLocked saves best-effort; a failed write must never block trading.
func (b *Breaker) persistLocked() {
	if b.store == nil {
		return
	}
	if err := b.store.Save(b.state); err != nil {
		b.logger.Error().Err(err).Msg("failed to persist breaker state")
	}
}
