package state

import (
	"encoding/json"
	"time"
)

// SchemaVersion tags the snapshot layout for forward compatibility.
const SchemaVersion = 1

// OperationStatus tracks an in-flight operation through its lifecycle.
type OperationStatus string

const (
	StatusPending   OperationStatus = "pending"
	StatusExecuting OperationStatus = "executing"
	StatusCompleted OperationStatus = "completed"
	StatusFailed    OperationStatus = "failed"
)

// Terminal reports whether the status is final.
func (s OperationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ActiveOperation is one tracked operation in the durable snapshot.
type ActiveOperation struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	StartTime   time.Time       `json:"start_time"`
	Status      OperationStatus `json:"status"`
	Result      string          `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	RemoveAfter time.Time       `json:"remove_after,omitempty"`
}

// ErrorCounters aggregates failures by type and venue.
type ErrorCounters struct {
	Total         int64            `json:"total"`
	ByType        map[string]int64 `json:"by_type"`
	ByVenue       map[string]int64 `json:"by_venue"`
	Consecutive   int              `json:"consecutive"`
	LastErrorTime time.Time        `json:"last_error_time"`
}

// DiscoveryEntry is one cached discovery record, most recently used first.
type DiscoveryEntry struct {
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ProfitStats accumulates realized trade outcomes across restarts.
type ProfitStats struct {
	TotalTrades      int64   `json:"total_trades"`
	TotalProfit      float64 `json:"total_profit"`
	TotalLoss        float64 `json:"total_loss"`
	BestTrade        float64 `json:"best_trade"`
	WorstTrade       float64 `json:"worst_trade"`
	TotalVolume      float64 `json:"total_volume"`
	AverageTradeSize float64 `json:"average_trade_size"`
}

// ConnectionStatus records the liveness of one upstream connection.
type ConnectionStatus struct {
	Alive    bool      `json:"alive"`
	LastSeen time.Time `json:"last_seen"`
}

// RuntimeStats holds process-scoped bookkeeping. StartTime and
// LastHealthCheck are transient: reset on load.
type RuntimeStats struct {
	StartTime       time.Time                   `json:"start_time"`
	UptimeSeconds   float64                     `json:"uptime_seconds"`
	LastHealthCheck time.Time                   `json:"last_health_check"`
	Connections     map[string]ConnectionStatus `json:"connections"`
	ReloadCount     int                         `json:"reload_count"`
}

// PersistedState is the full durable snapshot.
type PersistedState struct {
	Version          int               `json:"version"`
	ActiveOperations []ActiveOperation `json:"active_operations"`
	Errors           ErrorCounters     `json:"errors"`
	DiscoveryCache   []DiscoveryEntry  `json:"discovery_cache"`
	Profit           ProfitStats       `json:"profit"`
	Runtime          RuntimeStats      `json:"runtime"`
	SavedAt          time.Time         `json:"saved_at"`
}

// Defaults returns a fresh snapshot anchored at now.
func Defaults(now time.Time) PersistedState {
	return PersistedState{
		Version:          SchemaVersion,
		ActiveOperations: []ActiveOperation{},
		Errors: ErrorCounters{
			ByType:  make(map[string]int64),
			ByVenue: make(map[string]int64),
		},
		DiscoveryCache: []DiscoveryEntry{},
		Runtime: RuntimeStats{
			StartTime:   now,
			Connections: make(map[string]ConnectionStatus),
		},
	}
}

// MergeWithDefaults overlays a loaded snapshot onto defaults so that missing
// or malformed fields from older schema versions fall back silently. Pure:
// neither argument is mutated.
func MergeWithDefaults(loaded, defaults PersistedState) PersistedState {
	merged := defaults

	if loaded.Version > 0 {
		merged.Version = loaded.Version
	}

	if loaded.ActiveOperations != nil {
		merged.ActiveOperations = append([]ActiveOperation{}, loaded.ActiveOperations...)
	}
	if loaded.DiscoveryCache != nil {
		merged.DiscoveryCache = append([]DiscoveryEntry{}, loaded.DiscoveryCache...)
	}

	merged.Errors = loaded.Errors
	if merged.Errors.Total < 0 {
		merged.Errors.Total = 0
	}
	if merged.Errors.Consecutive < 0 {
		merged.Errors.Consecutive = 0
	}
	merged.Errors.ByType = copyCounts(loaded.Errors.ByType)
	merged.Errors.ByVenue = copyCounts(loaded.Errors.ByVenue)

	merged.Profit = loaded.Profit
	if merged.Profit.TotalTrades < 0 {
		merged.Profit.TotalTrades = 0
	}

	// Runtime fields are process-scoped: keep the fresh start time and
	// health-check clock, carry over only durable counters and liveness.
	merged.Runtime.ReloadCount = loaded.Runtime.ReloadCount
	merged.Runtime.Connections = make(map[string]ConnectionStatus, len(loaded.Runtime.Connections))
	for name, status := range loaded.Runtime.Connections {
		merged.Runtime.Connections[name] = status
	}

	return merged
}

func copyCounts(src map[string]int64) map[string]int64 {
	dst := make(map[string]int64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
