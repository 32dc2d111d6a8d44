package state

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trade-guard/internal/clock"
	"trade-guard/internal/config"
)

// RecoveryInfo summarizes what a restarted process inherited.
type RecoveryInfo struct {
	Recovered         bool
	InterruptedOps    []ActiveOperation
	ReloadCount       int
	ConsecutiveErrors int
	LastSavedAt       time.Time
}

// Service owns the durable runtime snapshot: operation tracking, error and
// profit counters, discovery cache and connection liveness. All mutators are
// safe for concurrent use; durability is periodic plus a final save on
// shutdown, so at most one save interval of updates can be lost.
type Service struct {
	cfg    config.StateConfig
	store  Store
	clk    clock.Clock
	logger zerolog.Logger

	mu       sync.Mutex
	state    PersistedState
	recovery RecoveryInfo
}

// NewService loads the previous snapshot (merging it field-by-field with
// defaults so older or partially corrupt files degrade gracefully) and
// captures recovery info before mutating anything.
func NewService(cfg config.StateConfig, store Store, clk clock.Clock, logger zerolog.Logger) *Service {
	if clk == nil {
		clk = clock.System()
	}
	s := &Service{
		cfg:    cfg,
		store:  store,
		clk:    clk,
		logger: logger.With().Str("component", "state").Logger(),
	}

	now := clk.Now()
	defaults := Defaults(now)
	s.state = defaults

	if store != nil {
		loaded, ok, err := store.Load()
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to load persisted state; starting fresh")
		}
		if ok {
			s.state = MergeWithDefaults(loaded, defaults)
			s.state.Runtime.ReloadCount++
			interrupted := interruptedOps(s.state.ActiveOperations)
			// Recovered means unflushed work was inherited, not merely
			// that a snapshot existed: a clean shutdown leaves nothing
			// in flight and no error streak.
			s.recovery = RecoveryInfo{
				Recovered:         len(interrupted) > 0 || s.state.Errors.Consecutive > 0,
				InterruptedOps:    interrupted,
				ReloadCount:       s.state.Runtime.ReloadCount,
				ConsecutiveErrors: s.state.Errors.Consecutive,
				LastSavedAt:       loaded.SavedAt,
			}
			s.logger.Info().
				Int("reload_count", s.state.Runtime.ReloadCount).
				Int("interrupted_ops", len(s.recovery.InterruptedOps)).
				Msg("restored persisted state")
		}
	}
	return s
}

func interruptedOps(ops []ActiveOperation) []ActiveOperation {
	var out []ActiveOperation
	for _, op := range ops {
		if !op.Status.Terminal() {
			out = append(out, op)
		}
	}
	return out
}

// GetRecoveryInfo reports what was inherited from the previous run.
func (s *Service) GetRecoveryInfo() RecoveryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recovery
}

// StartOperation registers a new pending operation and returns its id.
func (s *Service) StartOperation(kind string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	s.pruneLocked(now)
	op := ActiveOperation{
		ID:        uuid.NewString(),
		Kind:      kind,
		StartTime: now,
		Status:    StatusPending,
	}
	s.state.ActiveOperations = append(s.state.ActiveOperations, op)
	return op.ID
}

// UpdateOperationStatus advances an operation. Terminal statuses stay
// visible for the configured grace period, then expire on the next access.
func (s *Service) UpdateOperationStatus(id string, status OperationStatus, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	s.pruneLocked(now)
	for i := range s.state.ActiveOperations {
		op := &s.state.ActiveOperations[i]
		if op.ID != id {
			continue
		}
		op.Status = status
		switch status {
		case StatusCompleted:
			op.Result = detail
		case StatusFailed:
			op.Error = detail
		}
		if status.Terminal() {
			op.RemoveAfter = now.Add(s.cfg.OperationGrace)
		}
		return
	}
	s.logger.Debug().Str("op_id", id).Msg("status update for unknown operation")
}

// RemoveOperation drops an operation immediately, bypassing the grace period.
func (s *Service) RemoveOperation(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ops := s.state.ActiveOperations[:0]
	for _, op := range s.state.ActiveOperations {
		if op.ID != id {
			ops = append(ops, op)
		}
	}
	s.state.ActiveOperations = ops
}

// ActiveOperations returns the live operation list with expired entries pruned.
func (s *Service) ActiveOperations() []ActiveOperation {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.clk.Now())
	return append([]ActiveOperation{}, s.state.ActiveOperations...)
}

// RecordError bumps the failure counters for a class of error at a venue.
func (s *Service) RecordError(errType, venue string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Errors.Total++
	s.state.Errors.Consecutive++
	s.state.Errors.LastErrorTime = s.clk.Now()
	if errType != "" {
		s.state.Errors.ByType[errType]++
	}
	if venue != "" {
		s.state.Errors.ByVenue[venue]++
	}
}

// RecordSuccess clears the consecutive-error streak.
func (s *Service) RecordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Errors.Consecutive = 0
}

// RecordTradeOutcome folds one realized trade into the profit aggregates.
func (s *Service) RecordTradeOutcome(profit, volume float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := &s.state.Profit
	p.TotalTrades++
	if profit > 0 {
		p.TotalProfit += profit
	} else if profit < 0 {
		p.TotalLoss += -profit
	}
	if p.TotalTrades == 1 || profit > p.BestTrade {
		p.BestTrade = profit
	}
	if p.TotalTrades == 1 || profit < p.WorstTrade {
		p.WorstTrade = profit
	}
	p.TotalVolume += volume
	p.AverageTradeSize = p.TotalVolume / float64(p.TotalTrades)
}

// CacheDiscovery upserts an entry at the front of the discovery cache and
// evicts the least recently touched entries past the configured size.
func (s *Service) CacheDiscovery(key string, payload json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := DiscoveryEntry{Key: key, Payload: payload, UpdatedAt: s.clk.Now()}
	cache := make([]DiscoveryEntry, 0, len(s.state.DiscoveryCache)+1)
	cache = append(cache, entry)
	for _, existing := range s.state.DiscoveryCache {
		if existing.Key != key {
			cache = append(cache, existing)
		}
	}
	if max := s.cfg.DiscoveryCacheSize; max > 0 && len(cache) > max {
		cache = cache[:max]
	}
	s.state.DiscoveryCache = cache
}

// Discovery looks up a cached entry and refreshes its recency on hit.
func (s *Service) Discovery(key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, entry := range s.state.DiscoveryCache {
		if entry.Key != key {
			continue
		}
		if i > 0 {
			cache := append([]DiscoveryEntry{entry}, s.state.DiscoveryCache[:i]...)
			s.state.DiscoveryCache = append(cache, s.state.DiscoveryCache[i+1:]...)
		}
		return entry.Payload, true
	}
	return nil, false
}

// SetConnectionAlive records upstream connection liveness.
func (s *Service) SetConnectionAlive(name string, alive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Runtime.Connections[name] = ConnectionStatus{Alive: alive, LastSeen: s.clk.Now()}
}

// Heartbeat refreshes the health-check timestamp and uptime.
func (s *Service) Heartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	s.state.Runtime.LastHealthCheck = now
	s.state.Runtime.UptimeSeconds = now.Sub(s.state.Runtime.StartTime).Seconds()
}

// Snapshot returns a deep-enough copy of the current state for reporting.
func (s *Service) Snapshot() PersistedState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(s.clk.Now())
}

func (s *Service) snapshotLocked(now time.Time) PersistedState {
	s.pruneLocked(now)

	snap := s.state
	snap.SavedAt = now
	snap.Runtime.UptimeSeconds = now.Sub(s.state.Runtime.StartTime).Seconds()
	snap.ActiveOperations = append([]ActiveOperation{}, s.state.ActiveOperations...)
	snap.DiscoveryCache = append([]DiscoveryEntry{}, s.state.DiscoveryCache...)
	snap.Errors.ByType = copyCounts(s.state.Errors.ByType)
	snap.Errors.ByVenue = copyCounts(s.state.Errors.ByVenue)
	snap.Runtime.Connections = make(map[string]ConnectionStatus, len(s.state.Runtime.Connections))
	for name, status := range s.state.Runtime.Connections {
		snap.Runtime.Connections[name] = status
	}
	return snap
}

// Save writes the current snapshot to the store.
func (s *Service) Save() error {
	if s.store == nil {
		return nil
	}
	s.mu.Lock()
	snap := s.snapshotLocked(s.clk.Now())
	s.mu.Unlock()
	return s.store.Save(snap)
}

// Run saves the snapshot every SaveInterval and once more on shutdown.
func (s *Service) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		<-ctx.Done()
		return
	}
	for {
		select {
		case <-ctx.Done():
			if err := s.Save(); err != nil {
				s.logger.Error().Err(err).Msg("final state save failed")
			} else {
				s.logger.Info().Msg("final state snapshot saved")
			}
			return
		case <-s.clk.After(s.cfg.SaveInterval):
			s.Heartbeat()
			if err := s.Save(); err != nil {
				s.logger.Error().Err(err).Msg("periodic state save failed")
			}
		}
	}
}

// pruneLocked drops terminal operations whose grace period expired. Lazy
// pruning on access keeps removal deterministic without per-op timers.
func (s *Service) pruneLocked(now time.Time) {
	ops := s.state.ActiveOperations[:0]
	for _, op := range s.state.ActiveOperations {
		if op.Status.Terminal() && !op.RemoveAfter.IsZero() && !now.Before(op.RemoveAfter) {
			continue
		}
		ops = append(ops, op)
	}
	s.state.ActiveOperations = ops
}
