package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trade-guard/internal/clock"
)

// waitBuffer pads computed waits so the re-check after sleeping usually
// passes on the first try.
const waitBuffer = 50 * time.Millisecond

// Options tune the sliding-window limiter.
type Options struct {
	Window        time.Duration
	GlobalLimit   int
	PerKeyLimit   int
	MaxConcurrent int
	WarnCooldown  time.Duration

	// OnDelay, when set, observes every sleep the limiter imposes.
	OnDelay func(wait time.Duration)
}

// Limiter bounds request frequency per logical key and globally, and caps
// the number of simultaneous in-flight operations.
type Limiter struct {
	opts   Options
	clk    clock.Clock
	logger zerolog.Logger

	mu       sync.Mutex
	global   []time.Time
	perKey   map[string][]time.Time
	lastWarn map[string]time.Time

	totalRequests   int64
	delayedRequests int64
	totalWaitTime   time.Duration

	slots chan struct{}
}

// Stats is a point-in-time view of limiter activity.
type Stats struct {
	TotalRequests   int64
	DelayedRequests int64
	TotalWaitTime   time.Duration
	GlobalInWindow  int
	KeysTracked     int
	SlotsInUse      int
	SlotCapacity    int
}

// New constructs a Limiter with the given options.
func New(opts Options, clk clock.Clock, logger zerolog.Logger) *Limiter {
	if opts.Window <= 0 {
		opts.Window = 10 * time.Second
	}
	if opts.GlobalLimit <= 0 {
		opts.GlobalLimit = 100
	}
	if opts.PerKeyLimit <= 0 {
		opts.PerKeyLimit = 40
	}
	if opts.WarnCooldown <= 0 {
		opts.WarnCooldown = 30 * time.Second
	}
	if clk == nil {
		clk = clock.System()
	}

	l := &Limiter{
		opts:     opts,
		clk:      clk,
		logger:   logger.With().Str("component", "ratelimit").Logger(),
		perKey:   make(map[string][]time.Time),
		lastWarn: make(map[string]time.Time),
	}
	if opts.MaxConcurrent > 0 {
		l.slots = make(chan struct{}, opts.MaxConcurrent)
	}
	return l
}

// Key composes the venue-qualified window key.
func Key(key, venue string) string {
	if venue == "" {
		return key
	}
	return venue + ":" + key
}

// Wait suspends the caller until both the per-key and the global window have a
// free slot, then records the new request. The window is re-evaluated after
// every sleep inside the same critical section that records, so concurrent
// waiters woken by a single expired slot cannot overfill the window. It
// returns the total time spent waiting.
func (l *Limiter) Wait(ctx context.Context, key, venue string) (time.Duration, error) {
	scoped := Key(key, venue)

	l.mu.Lock()
	l.totalRequests++

	var waited time.Duration
	for {
		now := l.clk.Now()
		l.pruneLocked(now)

		wait := l.requiredWaitLocked(scoped, now)
		if wait <= 0 {
			l.recordLocked(scoped, now)
			l.mu.Unlock()
			return waited, nil
		}

		if waited == 0 {
			l.delayedRequests++
		}
		l.totalWaitTime += wait
		l.warnLocked(scoped, now, wait)
		l.mu.Unlock()

		if l.opts.OnDelay != nil {
			l.opts.OnDelay(wait)
		}

		waited += wait
		select {
		case <-ctx.Done():
			return waited, ctx.Err()
		case <-l.clk.After(wait):
		}
		l.mu.Lock()
	}
}

// IsRateLimited reports whether a request for the key would be delayed now,
// without recording anything.
func (l *Limiter) IsRateLimited(key, venue string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clk.Now()
	l.pruneLocked(now)
	return l.requiredWaitLocked(Key(key, venue), now) > 0
}

// AcquireSlot blocks until an in-flight slot is free. Waiters are served in
// arrival order. A nil slot channel means concurrency is unbounded.
func (l *Limiter) AcquireSlot(ctx context.Context) error {
	if l.slots == nil {
		return nil
	}
	select {
	case l.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReleaseSlot frees an in-flight slot acquired earlier.
func (l *Limiter) ReleaseSlot() {
	if l.slots == nil {
		return
	}
	select {
	case <-l.slots:
	default:
	}
}

// GetStats snapshots limiter counters.
func (l *Limiter) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.clk.Now())

	stats := Stats{
		TotalRequests:   l.totalRequests,
		DelayedRequests: l.delayedRequests,
		TotalWaitTime:   l.totalWaitTime,
		GlobalInWindow:  len(l.global),
		KeysTracked:     len(l.perKey),
		SlotCapacity:    l.opts.MaxConcurrent,
	}
	if l.slots != nil {
		stats.SlotsInUse = len(l.slots)
	}
	return stats
}

// requiredWaitLocked returns how long the caller must sleep before both
// windows have room, or zero if they already do.
func (l *Limiter) requiredWaitLocked(scoped string, now time.Time) time.Duration {
	var wait time.Duration
	if timestamps := l.perKey[scoped]; len(timestamps) >= l.opts.PerKeyLimit {
		wait = l.waitFromOldest(timestamps[0], now)
	}
	if len(l.global) >= l.opts.GlobalLimit {
		if w := l.waitFromOldest(l.global[0], now); w > wait {
			wait = w
		}
	}
	return wait
}

func (l *Limiter) waitFromOldest(oldest, now time.Time) time.Duration {
	wait := l.opts.Window - now.Sub(oldest) + waitBuffer
	if wait < waitBuffer {
		wait = waitBuffer
	}
	return wait
}

func (l *Limiter) recordLocked(scoped string, now time.Time) {
	l.perKey[scoped] = append(l.perKey[scoped], now)
	l.global = append(l.global, now)
}

func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.opts.Window)
	l.global = pruneBefore(l.global, cutoff)
	for key, timestamps := range l.perKey {
		pruned := pruneBefore(timestamps, cutoff)
		if len(pruned) == 0 {
			delete(l.perKey, key)
			continue
		}
		l.perKey[key] = pruned
	}
}

// warnLocked emits a rate-limited warning at most once per cooldown per key.
func (l *Limiter) warnLocked(scoped string, now time.Time, wait time.Duration) {
	if last, ok := l.lastWarn[scoped]; ok && now.Sub(last) < l.opts.WarnCooldown {
		return
	}
	l.lastWarn[scoped] = now
	l.logger.Warn().
		Str("key", scoped).
		Dur("wait", wait).
		Msg("rate limit reached; delaying request")
}

func pruneBefore(timestamps []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(timestamps) && !timestamps[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return timestamps
	}
	return append(timestamps[:0:0], timestamps[idx:]...)
}
