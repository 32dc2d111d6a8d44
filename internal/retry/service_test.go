package retry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trade-guard/internal/clock"
	"trade-guard/internal/config"
)

type fakeLimiter struct {
	calls int64
}

func (f *fakeLimiter) Wait(ctx context.Context, key, venue string) (time.Duration, error) {
	atomic.AddInt64(&f.calls, 1)
	return 0, nil
}

func testConfig() config.RetryConfig {
	return config.RetryConfig{
		MaxRetries:      3,
		BaseDelay:       time.Millisecond,
		MaxDelay:        50 * time.Millisecond,
		ExponentialBase: 2,
		JitterRange:     time.Millisecond,
		HistorySize:     5,
	}
}

func newTestService(limiter Limiter, venues map[string]config.VenueRetryConfig) *Service {
	return NewService(testConfig(), venues, limiter, clock.System(), zerolog.Nop())
}

func TestBackoffDelayWithinBounds(t *testing.T) {
	params := Params{
		MaxRetries:      5,
		BaseDelay:       100 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		ExponentialBase: 2,
		JitterRange:     time.Second,
	}

	for attempt := 1; attempt <= 5; attempt++ {
		floor := time.Duration(float64(params.BaseDelay) * pow(params.ExponentialBase, attempt-1))
		ceil := floor + params.JitterRange

		low := BackoffDelay(params, attempt, false, 0)
		high := BackoffDelay(params, attempt, false, 0.999999)

		if low < floor || low > ceil {
			t.Fatalf("attempt %d: 无抖动延迟 %v 超出 [%v, %v]", attempt, low, floor, ceil)
		}
		if high < floor || high > ceil {
			t.Fatalf("attempt %d: 最大抖动延迟 %v 超出 [%v, %v]", attempt, high, floor, ceil)
		}
	}
}

func TestBackoffDelayClampedToMax(t *testing.T) {
	params := Params{
		BaseDelay:       time.Second,
		MaxDelay:        3 * time.Second,
		ExponentialBase: 2,
		JitterRange:     time.Second,
	}
	if got := BackoffDelay(params, 10, false, 0.5); got != params.MaxDelay {
		t.Fatalf("应被钳制到 MaxDelay, 实际 %v", got)
	}
}

func TestQuotaErrorsBackOffSteeper(t *testing.T) {
	params := Params{
		BaseDelay:       100 * time.Millisecond,
		MaxDelay:        time.Minute,
		ExponentialBase: 2,
		JitterRange:     time.Second,
	}

	// 2^attempt vs 2^(attempt-1): quota delays are one doubling ahead.
	for attempt := 1; attempt <= 4; attempt++ {
		quota := BackoffDelay(params, attempt, true, 0)
		expected := time.Duration(float64(params.BaseDelay) * pow(2, attempt))
		if quota != expected {
			t.Fatalf("attempt %d: 期望 %v, 实际 %v", attempt, expected, quota)
		}
	}
}

func TestIsQuotaError(t *testing.T) {
	cases := []struct {
		err   error
		quota bool
	}{
		{errors.New("HTTP 429 Too Many Requests"), true},
		{errors.New("venue rate limit exceeded"), true},
		{errors.New("connection reset by peer"), false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := IsQuotaError(tc.err); got != tc.quota {
			t.Fatalf("IsQuotaError(%v) = %v, 期望 %v", tc.err, got, tc.quota)
		}
	}
}

func TestDoExhaustsRetries(t *testing.T) {
	limiter := &fakeLimiter{}
	svc := newTestService(limiter, nil)

	var attempts int
	err := svc.Do(context.Background(), Options{Venue: "cow", Endpoint: "quote", Operation: "fetch_quote"}, func(ctx context.Context) error {
		attempts++
		return fmt.Errorf("boom %d", attempts)
	})

	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("应返回 ExhaustedError, 实际 %T: %v", err, err)
	}
	if exhausted.Attempts != 3 {
		t.Fatalf("期望 3 次尝试, 实际 %d", exhausted.Attempts)
	}
	if attempts != 3 {
		t.Fatalf("操作应被调用 3 次, 实际 %d", attempts)
	}
	if got := atomic.LoadInt64(&limiter.calls); got != 3 {
		t.Fatalf("每次尝试前都应经过限流器, 实际 %d 次", got)
	}
	if exhausted.LastErr == nil || exhausted.LastErr.Error() != "boom 3" {
		t.Fatalf("应携带最后一个错误, 实际 %v", exhausted.LastErr)
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	svc := newTestService(&fakeLimiter{}, nil)

	var attempts int
	err := svc.Do(context.Background(), Options{Endpoint: "order"}, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("timeout")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("第三次尝试成功后不应报错: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("期望 3 次尝试, 实际 %d", attempts)
	}
}

func TestVenueOverrideApplies(t *testing.T) {
	venues := map[string]config.VenueRetryConfig{
		"flaky": {MaxRetries: 5, BaseDelay: time.Millisecond},
	}
	svc := newTestService(&fakeLimiter{}, venues)

	var attempts int
	err := svc.Do(context.Background(), Options{Venue: "flaky", Endpoint: "swap"}, func(ctx context.Context) error {
		attempts++
		return errors.New("boom")
	})
	if attempts != 5 {
		t.Fatalf("场馆级覆盖应生效: 期望 5 次尝试, 实际 %d", attempts)
	}
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) || exhausted.Attempts != 5 {
		t.Fatalf("ExhaustedError 应记录 5 次尝试: %v", err)
	}
}

func TestDoCancelledMidBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.BaseDelay = time.Second
	cfg.MaxDelay = time.Minute
	svc := NewService(cfg, nil, &fakeLimiter{}, clock.System(), zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := svc.Do(ctx, Options{Endpoint: "quote"}, func(ctx context.Context) error {
		return errors.New("boom")
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("等待期间取消应返回上下文错误, 实际 %v", err)
	}
}

func TestSingleAttemptFailureIsNotARetry(t *testing.T) {
	svc := newTestService(&fakeLimiter{}, nil)

	err := svc.Do(context.Background(), Options{Operation: "one_shot", MaxRetries: 1}, func(ctx context.Context) error {
		return errors.New("boom")
	})
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) || exhausted.Attempts != 1 {
		t.Fatalf("应返回 1 次尝试的 ExhaustedError: %v", err)
	}

	stats := svc.GetStats()
	if stats.TotalRetries != 0 || stats.OperationsRetried != 0 {
		t.Fatalf("从未重试的操作不应计入重试统计: %+v", stats)
	}
	if history := svc.History("one_shot"); len(history) != 1 {
		t.Fatalf("失败本身仍应写入历史, 实际 %d 条", len(history))
	}
}

func TestStatsAndHistory(t *testing.T) {
	svc := newTestService(&fakeLimiter{}, nil)
	ctx := context.Background()

	_ = svc.Do(ctx, Options{Operation: "always_fails"}, func(ctx context.Context) error {
		return errors.New("boom")
	})
	if err := svc.Do(ctx, Options{Operation: "always_works"}, func(ctx context.Context) error {
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	stats := svc.GetStats()
	if stats.TotalOperations != 2 {
		t.Fatalf("期望 2 个操作, 实际 %d", stats.TotalOperations)
	}
	if stats.OperationsRetried != 1 {
		t.Fatalf("期望 1 个操作经历重试, 实际 %d", stats.OperationsRetried)
	}
	// 3 次尝试中只有前 2 次后面真的发生了重试。
	if stats.TotalRetries != 2 {
		t.Fatalf("期望 2 次重试, 实际 %d", stats.TotalRetries)
	}
	if len(stats.MostRetried) == 0 || stats.MostRetried[0].Operation != "always_fails" {
		t.Fatalf("重试最多的操作应为 always_fails: %+v", stats.MostRetried)
	}

	history := svc.History("always_fails")
	if len(history) != 3 {
		t.Fatalf("期望 3 条尝试记录, 实际 %d", len(history))
	}
	if history[0].Attempt != 3 {
		t.Fatalf("历史应为最近优先, 首条 attempt=%d", history[0].Attempt)
	}
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}
