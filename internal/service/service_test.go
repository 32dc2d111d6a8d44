package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trade-guard/internal/breaker"
	"trade-guard/internal/config"
	"trade-guard/internal/journal"
	"trade-guard/internal/metrics"
	"trade-guard/internal/ratelimit"
	"trade-guard/internal/retry"
	"trade-guard/internal/risk"
	"trade-guard/internal/state"
	"trade-guard/internal/venue"
)

// fakeExecutor scripts venue behaviour per call. fail makes every call fail;
// failTimes makes only the first N calls fail.
type fakeExecutor struct {
	mu        sync.Mutex
	calls     int
	fail      bool
	failTimes int
	failErr   error
	prices    []string
	priceIdx  int
}

func (f *fakeExecutor) ExecuteTrade(_ context.Context, req venue.TradeRequest) (venue.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail || f.calls <= f.failTimes {
		return venue.Execution{}, f.failErr
	}
	price := req.Price
	if f.priceIdx < len(f.prices) {
		price = decimal.RequireFromString(f.prices[f.priceIdx])
		f.priceIdx++
	}
	return venue.Execution{TxRef: "0xfeed", Price: price, Filled: req.Amount}, nil
}

// memJournal captures journaled trades in memory.
type memJournal struct {
	mu      sync.Mutex
	records []journal.TradeRecord
}

func (m *memJournal) InsertTrade(_ context.Context, rec journal.TradeRecord) (journal.TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return rec, nil
}

func (m *memJournal) ListRecentTrades(context.Context, int) ([]journal.TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]journal.TradeRecord, len(m.records))
	copy(out, m.records)
	return out, nil
}

func (m *memJournal) ListTradesBetween(context.Context, time.Time, time.Time) ([]journal.TradeRecord, error) {
	return m.ListRecentTrades(context.Background(), 0)
}

func (m *memJournal) CountTrades(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.records)), nil
}

func testConfig() *config.Config {
	return &config.Config{
		Venue: config.VenueConfig{Name: "dexA", BaseToken: "WETH", NotionalAmount: 1},
		Retry: config.RetryConfig{
			MaxRetries:  3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			JitterRange: 0,
		},
		RateLimit: config.RateLimitConfig{
			Window:        time.Second,
			GlobalLimit:   100,
			PerKeyLimit:   40,
			MaxConcurrent: 4,
		},
		CircuitBreaker: config.CircuitBreakerConfig{
			Enabled:             true,
			DailyLossThreshold:  10,
			SingleLossThreshold: 0.5,
			ErrorThreshold:      50,
			RecoveryTime:        5 * time.Minute,
		},
		State: config.StateConfig{
			Enabled:            true,
			SaveInterval:       time.Minute,
			OperationGrace:     time.Minute,
			DiscoveryCacheSize: 8,
		},
		Risk: config.RiskConfig{
			MaxDailyLoss:     100,
			MaxTradeAmount:   50,
			MaxOpenPositions: 10,
			TradeCooldown:    0,
		},
	}
}

func newTestEngine(t *testing.T, cfg *config.Config, executor venue.Executor) (*Engine, *memJournal, *breaker.Breaker) {
	t.Helper()
	logger := zerolog.Nop()

	limiter := ratelimit.New(ratelimit.Options{
		Window:        cfg.RateLimit.Window,
		GlobalLimit:   cfg.RateLimit.GlobalLimit,
		PerKeyLimit:   cfg.RateLimit.PerKeyLimit,
		MaxConcurrent: cfg.RateLimit.MaxConcurrent,
	}, nil, logger)
	retrier := retry.NewService(cfg.Retry, cfg.Venues, limiter, nil, logger)
	guard := breaker.New(cfg.CircuitBreaker, breaker.NewMemoryStore(), nil, logger, nil)
	riskMgr := risk.NewManager(cfg.Risk, nil, logger)
	stateSvc := state.NewService(cfg.State, state.NewMemoryStore(), nil, logger)
	trades := &memJournal{}

	engine := New(cfg, Deps{
		Limiter:  limiter,
		Retrier:  retrier,
		Breaker:  guard,
		Risk:     riskMgr,
		State:    stateSvc,
		Executor: executor,
		Journal:  trades,
		Metrics:  metrics.New(),
	}, logger)
	return engine, trades, guard
}

func TestExhaustedRetriesRecordZeroLossFailure(t *testing.T) {
	executor := &fakeExecutor{fail: true, failErr: errors.New("boom")}
	engine, trades, guard := newTestEngine(t, testConfig(), executor)

	_, err := engine.ExecuteTrade(context.Background(), TradeIntent{
		TokenID: "tokenX",
		Side:    risk.TradeBuy,
		Amount:  1,
		Price:   1,
	})
	if err == nil {
		t.Fatal("重试耗尽后应返回错误")
	}
	if !strings.Contains(err.Error(), "3 attempts") {
		t.Fatalf("错误应提及 3 次尝试: %v", err)
	}
	if executor.calls != 3 {
		t.Fatalf("期望调用 venue 3 次, 实际 %d", executor.calls)
	}

	// Pre-submission failure: no funds moved, breaker sees zero loss.
	if status := guard.GetStatus(); status.DailyLoss != 0 {
		t.Fatalf("未成交的失败不应计损: %f", status.DailyLoss)
	}

	recs, _ := trades.ListRecentTrades(context.Background(), 0)
	if len(recs) != 1 || recs[0].Status != journal.TradeFailed {
		t.Fatalf("应记录一条失败流水: %+v", recs)
	}
	if recs[0].Attempts != 3 {
		t.Fatalf("流水应记录 3 次尝试, 实际 %d", recs[0].Attempts)
	}
}

func TestLargeRealizedLossTripsBreakerAndBlocksNextTrade(t *testing.T) {
	executor := &fakeExecutor{prices: []string{"1.0", "0.4"}}
	engine, trades, guard := newTestEngine(t, testConfig(), executor)
	ctx := context.Background()

	if _, err := engine.ExecuteTrade(ctx, TradeIntent{TokenID: "tokenX", Side: risk.TradeBuy, Amount: 1, Price: 1}); err != nil {
		t.Fatalf("开仓应成功: %v", err)
	}

	outcome, err := engine.ExecuteTrade(ctx, TradeIntent{TokenID: "tokenX", Side: risk.TradeSell, Amount: 1, Price: 0.4})
	if err != nil {
		t.Fatalf("平仓本身应成功: %v", err)
	}
	if outcome.Profit != -0.6 {
		t.Fatalf("期望实现亏损 -0.6, 实际 %f", outcome.Profit)
	}

	if status := guard.GetStatus(); !status.IsOpen {
		t.Fatal("单笔亏损超过阈值后熔断器应打开")
	}

	_, err = engine.ExecuteTrade(ctx, TradeIntent{TokenID: "tokenY", Side: risk.TradeBuy, Amount: 1, Price: 1})
	if err == nil {
		t.Fatal("熔断打开后应拒绝新交易")
	}
	if !strings.Contains(err.Error(), "single trade loss") {
		t.Fatalf("拒绝原因应提及单笔亏损阈值: %v", err)
	}

	recs, _ := trades.ListRecentTrades(context.Background(), 0)
	var rejected int
	for _, rec := range recs {
		if rec.Status == journal.TradeRejected {
			rejected++
		}
	}
	if rejected != 1 {
		t.Fatalf("应记录一条拒绝流水: %+v", recs)
	}
}

func TestRetriedSuccessReportsActualAttempts(t *testing.T) {
	executor := &fakeExecutor{failTimes: 2, failErr: errors.New("flaky venue"), prices: []string{"1.0"}}
	engine, trades, _ := newTestEngine(t, testConfig(), executor)

	_, err := engine.ExecuteTrade(context.Background(), TradeIntent{
		TokenID: "tokenX",
		Side:    risk.TradeBuy,
		Amount:  1,
		Price:   1,
	})
	if err != nil {
		t.Fatalf("第三次尝试成功后交易不应失败: %v", err)
	}
	if executor.calls != 3 {
		t.Fatalf("期望 3 次 venue 调用, 实际 %d", executor.calls)
	}

	recs, _ := trades.ListRecentTrades(context.Background(), 0)
	if len(recs) != 1 || recs[0].Attempts != 3 {
		t.Fatalf("成交流水应记录真实尝试次数: %+v", recs)
	}

	if got := testutil.ToFloat64(engine.deps.Metrics.RetriesTotal.WithLabelValues("execute_trade")); got != 2 {
		t.Fatalf("重试指标应为 2, 实际 %f", got)
	}
}

func TestRiskRejectionDoesNotConsultBreaker(t *testing.T) {
	cfg := testConfig()
	cfg.CircuitBreaker.SingleLossThreshold = 0.2
	executor := &fakeExecutor{prices: []string{"1.0", "0.4"}}
	engine, _, guard := newTestEngine(t, cfg, executor)
	ctx := context.Background()

	if _, err := engine.ExecuteTrade(ctx, TradeIntent{TokenID: "tokenX", Side: risk.TradeBuy, Amount: 0.4, Price: 1}); err != nil {
		t.Fatalf("开仓应成功: %v", err)
	}
	if _, err := engine.ExecuteTrade(ctx, TradeIntent{TokenID: "tokenX", Side: risk.TradeSell, Amount: 0.4, Price: 0.4}); err != nil {
		t.Fatalf("平仓本身应成功: %v", err)
	}
	if !guard.GetStatus().IsOpen {
		t.Fatal("实现亏损超过阈值后熔断器应打开")
	}

	// 风险检查先于熔断: 超限交易应报风险违规而非熔断原因。
	_, err := engine.ExecuteTrade(ctx, TradeIntent{TokenID: "tokenY", Side: risk.TradeBuy, Amount: 60, Price: 1})
	if err == nil {
		t.Fatal("超过单笔限额应被拒绝")
	}
	if !strings.Contains(err.Error(), "exceeds maximum") {
		t.Fatalf("拒绝原因应来自风险检查: %v", err)
	}
	if strings.Contains(err.Error(), "single trade loss") {
		t.Fatalf("风险拒绝不应暴露熔断原因: %v", err)
	}
}

func TestRiskViolationsRejectBeforeVenueCall(t *testing.T) {
	cfg := testConfig()
	cfg.Risk.MaxTradeAmount = 0.5
	executor := &fakeExecutor{}
	engine, _, _ := newTestEngine(t, cfg, executor)

	_, err := engine.ExecuteTrade(context.Background(), TradeIntent{
		TokenID: "tokenX",
		Side:    risk.TradeBuy,
		Amount:  0.9,
		Price:   1,
	})
	if err == nil {
		t.Fatal("超过单笔限额应被拒绝")
	}
	if !strings.Contains(err.Error(), "exceeds maximum") {
		t.Fatalf("错误应包含限额违规: %v", err)
	}
	if executor.calls != 0 {
		t.Fatal("预检拒绝不应触达 venue")
	}
}

func TestExecutedTradeUpdatesStateAndPositions(t *testing.T) {
	executor := &fakeExecutor{prices: []string{"2.0"}}
	engine, _, _ := newTestEngine(t, testConfig(), executor)

	outcome, err := engine.ExecuteTrade(context.Background(), TradeIntent{
		TokenID: "tokenX",
		Side:    risk.TradeBuy,
		Amount:  2,
		Price:   2,
	})
	if err != nil {
		t.Fatalf("交易应成功: %v", err)
	}
	if outcome.TxRef != "0xfeed" {
		t.Fatalf("应返回 venue 交易引用: %+v", outcome)
	}

	status := engine.GetStatus()
	if status.Risk.OpenPositions != 1 {
		t.Fatalf("应有一个持仓: %+v", status.Risk)
	}
	ops := engine.deps.State.ActiveOperations()
	if len(ops) != 1 || ops[0].Status != state.StatusCompleted {
		t.Fatalf("操作应标记为完成: %+v", ops)
	}
}

func TestSuperviseTickSamplesQuoteAndTracksLiveness(t *testing.T) {
	cfg := testConfig()
	engine, _, _ := newTestEngine(t, cfg, &fakeExecutor{})
	engine.deps.Quoter = quoterFunc(func(_ context.Context, tokenID string, _ decimal.Decimal) (venue.Quote, error) {
		return venue.Quote{Venue: "dexA", TokenID: tokenID, Price: decimal.NewFromInt(3), Raw: []byte(`{"price":"3"}`)}, nil
	})
	engine.deps.Pinger = pingerFunc(func(context.Context) error { return nil })

	if err := engine.ProcessTick(context.Background(), time.Now()); err != nil {
		t.Fatalf("监督周期不应失败: %v", err)
	}

	snap := engine.deps.State.Snapshot()
	if conn, ok := snap.Runtime.Connections["dexA"]; !ok || !conn.Alive {
		t.Fatalf("应记录连接存活: %+v", snap.Runtime.Connections)
	}
	if _, ok := engine.deps.State.Discovery("dexA:WETH"); !ok {
		t.Fatal("采样报价应写入发现缓存")
	}
}

type quoterFunc func(context.Context, string, decimal.Decimal) (venue.Quote, error)

func (f quoterFunc) Quote(ctx context.Context, tokenID string, amount decimal.Decimal) (venue.Quote, error) {
	return f(ctx, tokenID, amount)
}

type pingerFunc func(context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }
