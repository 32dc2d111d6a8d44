package breaker

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trade-guard/internal/clock"
	"trade-guard/internal/config"
)

func testCfg() config.CircuitBreakerConfig {
	return config.CircuitBreakerConfig{
		Enabled:             true,
		DailyLossThreshold:  1.0,
		SingleLossThreshold: 0.5,
		ErrorThreshold:      5,
		RecoveryTime:        5 * time.Minute,
	}
}

func newTestBreaker(cfg config.CircuitBreakerConfig, store StateStore, onChange func(StateChange)) (*Breaker, *clock.Fake) {
	fake := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return New(cfg, store, fake, zerolog.Nop(), onChange), fake
}

func pl(v float64) *float64 { return &v }

func TestDailyLossOpensOnExactThresholdCross(t *testing.T) {
	cfg := testCfg()
	cfg.SingleLossThreshold = 0 // isolate the daily threshold
	b, _ := newTestBreaker(cfg, NewMemoryStore(), nil)

	b.RecordTrade(TradeResult{Success: false, ProfitLoss: pl(-0.5), Amount: 0.5, TokenID: "tok"})
	if status := b.GetStatus(); status.IsOpen {
		t.Fatalf("累计亏损 0.5 不应触发熔断: %+v", status)
	}
	if d := b.CanTrade(); !d.Allowed {
		t.Fatalf("未达阈值时应允许交易: %s", d.Reason)
	}

	b.RecordTrade(TradeResult{Success: false, ProfitLoss: pl(-0.5), Amount: 0.5, TokenID: "tok"})
	status := b.GetStatus()
	if !status.IsOpen {
		t.Fatal("累计亏损恰好达到 1.0 的那次记录应触发熔断")
	}
	if status.DailyLoss != 1.0 {
		t.Fatalf("期望 dailyLoss=1.0, 实际 %f", status.DailyLoss)
	}
}

func TestSingleLossThresholdEndToEnd(t *testing.T) {
	b, fake := newTestBreaker(testCfg(), NewMemoryStore(), nil)

	b.RecordTrade(TradeResult{Success: false, ProfitLoss: pl(-0.6), Amount: 1.0, TokenID: "tok"})

	decision := b.CanTrade()
	if decision.Allowed {
		t.Fatal("单笔亏损超过阈值后应禁止交易")
	}
	if !strings.Contains(decision.Reason, "single trade loss") {
		t.Fatalf("原因应提及单笔亏损阈值: %q", decision.Reason)
	}

	fake.Advance(5*time.Minute + time.Second)
	decision = b.CanTrade()
	if !decision.Allowed {
		t.Fatalf("恢复期过后应允许探测交易: %s", decision.Reason)
	}
	if status := b.GetStatus(); !status.IsHalfOpen || status.IsOpen {
		t.Fatalf("应处于半开状态: %+v", status)
	}
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	b, fake := newTestBreaker(testCfg(), NewMemoryStore(), nil)

	b.RecordTrade(TradeResult{Success: false, ProfitLoss: pl(-0.6), Amount: 1.0})
	fake.Advance(6 * time.Minute)
	if d := b.CanTrade(); !d.Allowed {
		t.Fatalf("应进入半开: %s", d.Reason)
	}

	before := b.GetStatus().NextAttemptTime
	fake.Advance(time.Second)
	b.RecordTrade(TradeResult{Success: false, ProfitLoss: pl(0), Amount: 0.1})

	status := b.GetStatus()
	if !status.IsOpen || status.IsHalfOpen {
		t.Fatalf("探测失败应立即重新熔断: %+v", status)
	}
	if !status.NextAttemptTime.After(before) {
		t.Fatal("重新熔断应推进 nextAttemptTime")
	}
}

func TestHalfOpenProbeSuccessCloses(t *testing.T) {
	var changes []StateChange
	b, fake := newTestBreaker(testCfg(), NewMemoryStore(), func(c StateChange) {
		changes = append(changes, c)
	})

	b.RecordTrade(TradeResult{Success: false, ProfitLoss: pl(-0.6), Amount: 1.0})
	fake.Advance(6 * time.Minute)
	b.CanTrade()
	b.RecordTrade(TradeResult{Success: true, ProfitLoss: pl(0.1), Amount: 0.1})

	if status := b.GetStatus(); status.Kind() != StateClosed {
		t.Fatalf("探测成功应关闭熔断器: %+v", status)
	}
	if len(changes) != 3 {
		t.Fatalf("期望 open→half_open→closed 三次状态变化, 实际 %d", len(changes))
	}
	if changes[2].To != StateClosed {
		t.Fatalf("最后一次变化应为 closed: %+v", changes[2])
	}
}

func TestSuccessfulTradeWithLargeLossOpens(t *testing.T) {
	b, _ := newTestBreaker(testCfg(), NewMemoryStore(), nil)

	// Executed cleanly, but realized -0.6 on close.
	b.RecordTrade(TradeResult{Success: true, ProfitLoss: pl(-0.6), Amount: 1.0, TokenID: "tok"})

	decision := b.CanTrade()
	if decision.Allowed {
		t.Fatal("成功但亏损超过单笔阈值的交易应触发熔断")
	}
	if !strings.Contains(decision.Reason, "single trade loss") {
		t.Fatalf("原因应提及单笔亏损阈值: %q", decision.Reason)
	}
}

func TestConsecutiveFailuresOpen(t *testing.T) {
	cfg := testCfg()
	cfg.SingleLossThreshold = 0
	cfg.DailyLossThreshold = 1000
	cfg.ErrorThreshold = 3
	b, _ := newTestBreaker(cfg, NewMemoryStore(), nil)

	for i := 0; i < 2; i++ {
		b.RecordTrade(TradeResult{Success: false, ProfitLoss: pl(0), Amount: 0.1})
	}
	if b.GetStatus().IsOpen {
		t.Fatal("两次连续失败不应熔断")
	}
	b.RecordTrade(TradeResult{Success: false, ProfitLoss: pl(0), Amount: 0.1})
	if !b.GetStatus().IsOpen {
		t.Fatal("第三次连续失败应熔断")
	}
}

func TestSuccessProfitReducesDailyLossFlooredAtZero(t *testing.T) {
	cfg := testCfg()
	cfg.SingleLossThreshold = 0
	b, _ := newTestBreaker(cfg, NewMemoryStore(), nil)

	b.RecordTrade(TradeResult{Success: false, ProfitLoss: pl(-0.3), Amount: 0.3})
	b.RecordTrade(TradeResult{Success: true, ProfitLoss: pl(0.5), Amount: 0.2})

	status := b.GetStatus()
	if status.DailyLoss != 0 {
		t.Fatalf("盈利应将 dailyLoss 下调且不低于 0, 实际 %f", status.DailyLoss)
	}
	if status.ConsecutiveFailures != 0 {
		t.Fatalf("成功应清零连续失败计数, 实际 %d", status.ConsecutiveFailures)
	}
}

func TestUnfundedFailureContributesNoLoss(t *testing.T) {
	b, _ := newTestBreaker(testCfg(), NewMemoryStore(), nil)

	// Explicit zero P&L marks a rejected-before-funds-moved attempt.
	b.RecordTrade(TradeResult{Success: false, ProfitLoss: pl(0), Amount: 10})
	if got := b.GetStatus().DailyLoss; got != 0 {
		t.Fatalf("未动用资金的失败不应计入亏损, 实际 %f", got)
	}

	// Without explicit P&L the full amount is assumed lost.
	b.RecordTrade(TradeResult{Success: false, Amount: 0.2})
	if got := b.GetStatus().DailyLoss; got != 0.2 {
		t.Fatalf("缺省情况下应按全额计损, 实际 %f", got)
	}
}

func TestDailyCountersResetAfterRollingDay(t *testing.T) {
	cfg := testCfg()
	cfg.SingleLossThreshold = 0
	b, fake := newTestBreaker(cfg, NewMemoryStore(), nil)

	b.RecordTrade(TradeResult{Success: false, ProfitLoss: pl(-0.4), Amount: 0.4})
	fake.Advance(25 * time.Hour)
	b.CanTrade()

	status := b.GetStatus()
	if status.DailyLoss != 0 || status.DailyTrades != 0 {
		t.Fatalf("滚动 24 小时后应重置日计数: %+v", status)
	}
}

func TestStatePersistedAndRestored(t *testing.T) {
	store := NewMemoryStore()
	b, _ := newTestBreaker(testCfg(), store, nil)

	b.RecordTrade(TradeResult{Success: false, ProfitLoss: pl(-0.6), Amount: 1.0})
	if store.Saves == 0 {
		t.Fatal("每次变更后都应持久化")
	}

	restored, _ := newTestBreaker(testCfg(), store, nil)
	if d := restored.CanTrade(); d.Allowed {
		t.Fatal("重启后应恢复为熔断状态而非默认关闭")
	}
}

func TestResetForcesClosed(t *testing.T) {
	b, _ := newTestBreaker(testCfg(), NewMemoryStore(), nil)

	b.RecordTrade(TradeResult{Success: false, ProfitLoss: pl(-0.6), Amount: 1.0})
	b.Reset()

	status := b.GetStatus()
	if status.Kind() != StateClosed || status.DailyLoss != 0 || status.FailureCount != 0 {
		t.Fatalf("Reset 应清空所有计数并关闭: %+v", status)
	}
	if d := b.CanTrade(); !d.Allowed {
		t.Fatalf("Reset 后应允许交易: %s", d.Reason)
	}
}

func TestDisabledBreakerAlwaysAllows(t *testing.T) {
	cfg := testCfg()
	cfg.Enabled = false
	b, _ := newTestBreaker(cfg, NewMemoryStore(), nil)

	b.RecordTrade(TradeResult{Success: false, Amount: 100})
	if d := b.CanTrade(); !d.Allowed {
		t.Fatal("禁用状态下应始终允许交易")
	}
}
