package venue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is one venue price answer for a token.
type Quote struct {
	Venue   string
	TokenID string
	Price   decimal.Decimal
	Raw     json.RawMessage
	At      time.Time
}

// TradeRequest describes an order to submit.
type TradeRequest struct {
	Venue   string
	TokenID string
	Side    string
	Amount  decimal.Decimal
	Price   decimal.Decimal
}

// Execution reports a submitted order.
type Execution struct {
	TxRef  string
	Price  decimal.Decimal
	Filled decimal.Decimal
}

// Quoter retrieves a current price for a token.
type Quoter interface {
	Quote(ctx context.Context, tokenID string, amount decimal.Decimal) (Quote, error)
}

// Executor submits orders to a venue.
type Executor interface {
	ExecuteTrade(ctx context.Context, req TradeRequest) (Execution, error)
}

// Pinger reports venue connectivity for liveness tracking.
type Pinger interface {
	Ping(ctx context.Context) error
}
