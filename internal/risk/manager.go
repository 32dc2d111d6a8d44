package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trade-guard/internal/clock"
	"trade-guard/internal/config"
)

// TradeType distinguishes position-opening from position-closing trades.
type TradeType string

const (
	TradeBuy  TradeType = "buy"
	TradeSell TradeType = "sell"
)

// Position is one open trade, scoped from recorded buy to matching sell.
// At most one open position exists per token.
type Position struct {
	TokenID     string
	EntryPrice  float64
	EntryAmount float64
	EntryTime   time.Time
	EntryValue  float64
}

// DailyStats aggregates realized performance since the last calendar reset.
type DailyStats struct {
	TotalTrades      int
	ProfitableTrades int
	LosingTrades     int
	TotalProfit      float64
	TotalLoss        float64
	NetPnL           float64
	StartTime        time.Time
}

// Decision carries the admission verdict with every collected violation.
type Decision struct {
	Allowed bool
	Errors  []string
}

// Status is the operator-facing view of current risk posture.
type Status struct {
	OpenPositions int
	Positions     []Position
	Daily         DailyStats
	LastTradeTime time.Time
	TradingHalted bool
}

// Manager performs pre-trade admission control and tracks realized P&L.
type Manager struct {
	cfg    config.RiskConfig
	clk    clock.Clock
	logger zerolog.Logger

	mu            sync.Mutex
	positions     map[string]*Position
	stats         DailyStats
	lastTradeTime time.Time
}

// NewManager builds a risk manager with empty books.
func NewManager(cfg config.RiskConfig, clk clock.Clock, logger zerolog.Logger) *Manager {
	if clk == nil {
		clk = clock.System()
	}
	m := &Manager{
		cfg:       cfg,
		clk:       clk,
		logger:    logger.With().Str("component", "risk").Logger(),
		positions: make(map[string]*Position),
	}
	m.stats.StartTime = clk.Now()
	return m
}

// CanExecuteTrade checks every admission rule and collects all violations
// rather than stopping at the first.
func (m *Manager) CanExecuteTrade(amount float64, tokenID string) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	var errs []string

	if m.cfg.MaxDailyLoss > 0 && m.stats.NetPnL <= -m.cfg.MaxDailyLoss {
		errs = append(errs, fmt.Sprintf("daily loss limit reached: net P&L %.4f at floor -%.4f", m.stats.NetPnL, m.cfg.MaxDailyLoss))
	}
	if m.cfg.MaxTradeAmount > 0 && amount > m.cfg.MaxTradeAmount {
		errs = append(errs, fmt.Sprintf("trade amount %.4f exceeds maximum %.4f", amount, m.cfg.MaxTradeAmount))
	}
	if len(m.positions) >= m.cfg.MaxOpenPositions {
		errs = append(errs, fmt.Sprintf("maximum open positions reached (%d)", m.cfg.MaxOpenPositions))
	}
	if m.cfg.TradeCooldown > 0 && !m.lastTradeTime.IsZero() {
		if elapsed := now.Sub(m.lastTradeTime); elapsed < m.cfg.TradeCooldown {
			errs = append(errs, fmt.Sprintf("trade cooldown active: %s remaining", (m.cfg.TradeCooldown - elapsed).Round(time.Millisecond)))
		}
	}
	if _, open := m.positions[tokenID]; open {
		errs = append(errs, fmt.Sprintf("duplicate open position for token %s", tokenID))
	}

	if len(errs) > 0 {
		m.logger.Debug().Strs("violations", errs).Str("token", tokenID).Msg("trade rejected by risk checks")
		return Decision{Allowed: false, Errors: errs}
	}
	return Decision{Allowed: true}
}

// RecordTrade opens a Position on buy and realizes P&L on sell. The returned
// value is the realized profit, zero for buys.
func (m *Manager) RecordTrade(tradeType TradeType, tokenID string, amount, price float64, txRef string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()

	switch tradeType {
	case TradeBuy:
		if _, open := m.positions[tokenID]; open {
			return 0, fmt.Errorf("risk: position already open for token %s", tokenID)
		}
		m.positions[tokenID] = &Position{
			TokenID:     tokenID,
			EntryPrice:  price,
			EntryAmount: amount,
			EntryTime:   now,
			EntryValue:  amount * price,
		}
		m.stats.TotalTrades++
		m.lastTradeTime = now
		m.logger.Info().
			Str("token", tokenID).
			Float64("amount", amount).
			Float64("price", price).
			Str("tx", txRef).
			Msg("position opened")
		return 0, nil

	case TradeSell:
		position, open := m.positions[tokenID]
		if !open {
			return 0, fmt.Errorf("risk: no open position for token %s", tokenID)
		}

		profit := (price - position.EntryPrice) * amount
		m.stats.NetPnL += profit
		switch {
		case profit > 0:
			m.stats.ProfitableTrades++
			m.stats.TotalProfit += profit
		case profit < 0:
			m.stats.LosingTrades++
			m.stats.TotalLoss += -profit
		}
		delete(m.positions, tokenID)
		m.stats.TotalTrades++
		m.lastTradeTime = now

		m.logger.Info().
			Str("token", tokenID).
			Float64("profit", profit).
			Float64("net_pnl", m.stats.NetPnL).
			Str("tx", txRef).
			Msg("position closed")
		return profit, nil

	default:
		return 0, fmt.Errorf("risk: unknown trade type %q", tradeType)
	}
}

// GetRiskStatus reports open positions and current limits posture.
func (m *Manager) GetRiskStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	positions := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		positions = append(positions, *p)
	}

	return Status{
		OpenPositions: len(m.positions),
		Positions:     positions,
		Daily:         m.stats,
		LastTradeTime: m.lastTradeTime,
		TradingHalted: m.cfg.MaxDailyLoss > 0 && m.stats.NetPnL <= -m.cfg.MaxDailyLoss,
	}
}

// GetDailyStats returns a copy of today's aggregates.
func (m *Manager) GetDailyStats() DailyStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// ResetDailyStats zeroes the day aggregates; open positions survive.
func (m *Manager) ResetDailyStats() {
	m.mu.Lock()
	defer m.mu.Unlock()
	previous := m.stats
	m.stats = DailyStats{StartTime: m.clk.Now()}
	m.logger.Info().
		Int("trades", previous.TotalTrades).
		Float64("net_pnl", previous.NetPnL).
		Msg("daily risk stats reset")
}

// RunDailyReset resets stats at each local midnight until ctx is cancelled.
// The calendar alignment is deliberate: daily stats report day-over-day
// performance, unlike the breaker's rolling safety window.
func (m *Manager) RunDailyReset(ctx context.Context) {
	for {
		now := m.clk.Now()
		next := nextMidnight(now)
		select {
		case <-ctx.Done():
			return
		case <-m.clk.After(next.Sub(now)):
			m.ResetDailyStats()
		}
	}
}

func nextMidnight(now time.Time) time.Time {
	year, month, day := now.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
}
