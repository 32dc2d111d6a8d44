package risk

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trade-guard/internal/clock"
	"trade-guard/internal/config"
)

func testCfg() config.RiskConfig {
	return config.RiskConfig{
		MaxDailyLoss:     1.0,
		MaxTradeAmount:   0.5,
		MaxOpenPositions: 2,
		TradeCooldown:    30 * time.Second,
	}
}

func newTestManager() (*Manager, *clock.Fake) {
	fake := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewManager(testCfg(), fake, zerolog.Nop()), fake
}

func TestDuplicatePositionRejected(t *testing.T) {
	m, fake := newTestManager()

	if _, err := m.RecordTrade(TradeBuy, "tokenX", 0.1, 2.0, "tx1"); err != nil {
		t.Fatalf("开仓不应失败: %v", err)
	}
	fake.Advance(time.Minute)

	decision := m.CanExecuteTrade(0.1, "tokenX")
	if decision.Allowed {
		t.Fatal("同一 token 已有持仓时应拒绝")
	}
	found := false
	for _, msg := range decision.Errors {
		if strings.Contains(msg, "duplicate open position") {
			found = true
		}
	}
	if !found {
		t.Fatalf("错误列表应包含重复持仓原因: %v", decision.Errors)
	}
}

func TestAllViolationsCollected(t *testing.T) {
	m, _ := newTestManager()

	// Simulate a bad day: hit the loss floor, then trip every other rule.
	if _, err := m.RecordTrade(TradeBuy, "tokenA", 0.2, 10, "tx1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.RecordTrade(TradeSell, "tokenA", 0.2, 4, "tx2"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.RecordTrade(TradeBuy, "tokenB", 0.1, 1, "tx3"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.RecordTrade(TradeBuy, "tokenC", 0.1, 1, "tx4"); err != nil {
		t.Fatal(err)
	}

	decision := m.CanExecuteTrade(0.9, "tokenB")
	if decision.Allowed {
		t.Fatal("多项违规时应拒绝")
	}
	if len(decision.Errors) < 4 {
		t.Fatalf("应收集全部违规而非短路: %v", decision.Errors)
	}
}

func TestCooldownEnforced(t *testing.T) {
	m, fake := newTestManager()

	if _, err := m.RecordTrade(TradeBuy, "tokenA", 0.1, 1, "tx1"); err != nil {
		t.Fatal(err)
	}

	decision := m.CanExecuteTrade(0.1, "tokenB")
	if decision.Allowed {
		t.Fatal("冷却期内应拒绝")
	}

	fake.Advance(31 * time.Second)
	decision = m.CanExecuteTrade(0.1, "tokenB")
	if !decision.Allowed {
		t.Fatalf("冷却期过后应允许: %v", decision.Errors)
	}
}

func TestSellRealizesProfit(t *testing.T) {
	m, fake := newTestManager()

	if _, err := m.RecordTrade(TradeBuy, "tokenA", 2, 1.5, "tx1"); err != nil {
		t.Fatal(err)
	}
	fake.Advance(time.Minute)
	profit, err := m.RecordTrade(TradeSell, "tokenA", 2, 2.0, "tx2")
	if err != nil {
		t.Fatal(err)
	}
	if profit != 1.0 {
		t.Fatalf("卖出应返回实现盈亏 1.0, 实际 %f", profit)
	}

	stats := m.GetDailyStats()
	if stats.NetPnL != 1.0 {
		t.Fatalf("期望实现盈亏 (2.0-1.5)*2 = 1.0, 实际 %f", stats.NetPnL)
	}
	if stats.ProfitableTrades != 1 || stats.LosingTrades != 0 {
		t.Fatalf("盈亏分类错误: %+v", stats)
	}
	if status := m.GetRiskStatus(); status.OpenPositions != 0 {
		t.Fatalf("卖出后持仓应被移除: %+v", status)
	}
}

func TestSellWithoutPositionFails(t *testing.T) {
	m, _ := newTestManager()
	if _, err := m.RecordTrade(TradeSell, "ghost", 1, 1, "tx"); err == nil {
		t.Fatal("无持仓时卖出应报错")
	}
}

func TestBuyDuplicateDefensivelyRejected(t *testing.T) {
	m, fake := newTestManager()
	if _, err := m.RecordTrade(TradeBuy, "tokenA", 0.1, 1, "tx1"); err != nil {
		t.Fatal(err)
	}
	fake.Advance(time.Minute)
	if _, err := m.RecordTrade(TradeBuy, "tokenA", 0.1, 1, "tx2"); err == nil {
		t.Fatal("重复开仓应被防御性拒绝")
	}
}

func TestDailyLossFloorHaltsTrading(t *testing.T) {
	m, fake := newTestManager()

	if _, err := m.RecordTrade(TradeBuy, "tokenA", 0.3, 10, "tx1"); err != nil {
		t.Fatal(err)
	}
	fake.Advance(time.Minute)
	if _, err := m.RecordTrade(TradeSell, "tokenA", 0.3, 5, "tx2"); err != nil {
		t.Fatal(err)
	}
	fake.Advance(time.Minute)

	if !m.GetRiskStatus().TradingHalted {
		t.Fatal("净亏损达到上限后应停止交易")
	}
	decision := m.CanExecuteTrade(0.1, "tokenB")
	if decision.Allowed {
		t.Fatal("亏损触底后应拒绝新交易")
	}

	m.ResetDailyStats()
	decision = m.CanExecuteTrade(0.1, "tokenB")
	if !decision.Allowed {
		t.Fatalf("日重置后应恢复交易: %v", decision.Errors)
	}
}

func TestResetPreservesOpenPositions(t *testing.T) {
	m, _ := newTestManager()
	if _, err := m.RecordTrade(TradeBuy, "tokenA", 0.1, 1, "tx1"); err != nil {
		t.Fatal(err)
	}
	m.ResetDailyStats()

	status := m.GetRiskStatus()
	if status.OpenPositions != 1 {
		t.Fatal("日重置不应平掉持仓")
	}
	if status.Daily.TotalTrades != 0 {
		t.Fatalf("日统计应清零: %+v", status.Daily)
	}
}
