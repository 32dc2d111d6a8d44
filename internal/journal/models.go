package journal

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeRecord is one journaled trade attempt, successful or not.
type TradeRecord struct {
	ID          int64
	OperationID string
	Venue       string
	TokenID     string
	Side        string
	Amount      decimal.Decimal
	Price       decimal.Decimal
	ProfitLoss  *decimal.Decimal
	Status      string
	TxRef       *string
	Error       *string
	Attempts    int
	CreatedAt   time.Time
}

// Trade status values.
const (
	TradeExecuted = "executed"
	TradeFailed   = "failed"
	TradeRejected = "rejected"
)

// BreakerEventRecord audits a circuit breaker state transition.
type BreakerEventRecord struct {
	ID        int64
	FromState string
	ToState   string
	Reason    string
	DailyLoss decimal.Decimal
	At        time.Time
	CreatedAt time.Time
}
