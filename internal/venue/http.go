package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trade-guard/internal/config"
)

const (
	quotePath = "/quote"
	orderPath = "/orders"
	pingPath  = "/ping"
)

// HTTPClient talks to a REST trading venue.
type HTTPClient struct {
	name    string
	cfg     config.VenueConfig
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewHTTPClient constructs a REST venue client.
func NewHTTPClient(name string, cfg config.VenueConfig, logger zerolog.Logger) *HTTPClient {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &HTTPClient{
		name:    name,
		cfg:     cfg,
		logger:  logger.With().Str("component", "venue_http").Str("venue", name).Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
	}
}

// Quote asks the venue for the current price of amount units of tokenID.
func (c *HTTPClient) Quote(ctx context.Context, tokenID string, amount decimal.Decimal) (Quote, error) {
	if c.baseURL == "" {
		return Quote{}, errors.New("venue base url not configured")
	}
	if amount.IsZero() {
		return Quote{}, errors.New("quote amount must be greater than zero")
	}

	payload := quoteRequest{
		TokenID:    tokenID,
		BaseToken:  c.cfg.BaseToken,
		QuoteToken: c.cfg.QuoteToken,
		Amount:     amount.String(),
	}
	res, err := c.post(ctx, quotePath, payload)
	if err != nil {
		return Quote{}, err
	}

	var parsed quoteResponse
	if err := json.Unmarshal(res, &parsed); err != nil {
		return Quote{}, fmt.Errorf("decode quote: %w", err)
	}
	price, err := decimal.NewFromString(parsed.Price)
	if err != nil {
		return Quote{}, fmt.Errorf("parse quote price: %w", err)
	}
	if price.IsZero() {
		return Quote{}, errors.New("venue returned zero price")
	}

	return Quote{
		Venue:   c.name,
		TokenID: tokenID,
		Price:   price,
		Raw:     json.RawMessage(res),
		At:      time.Now(),
	}, nil
}

// ExecuteTrade submits an order and returns the venue's execution report.
func (c *HTTPClient) ExecuteTrade(ctx context.Context, req TradeRequest) (Execution, error) {
	if c.baseURL == "" {
		return Execution{}, errors.New("venue base url not configured")
	}

	payload := orderRequest{
		TokenID: req.TokenID,
		Side:    req.Side,
		Amount:  req.Amount.String(),
		Price:   req.Price.String(),
	}
	res, err := c.post(ctx, orderPath, payload)
	if err != nil {
		return Execution{}, err
	}

	var parsed orderResponse
	if err := json.Unmarshal(res, &parsed); err != nil {
		return Execution{}, fmt.Errorf("decode order response: %w", err)
	}
	if parsed.TxRef == "" {
		return Execution{}, errors.New("venue returned empty tx reference")
	}

	price, err := decimal.NewFromString(parsed.Price)
	if err != nil {
		return Execution{}, fmt.Errorf("parse execution price: %w", err)
	}
	filled, err := decimal.NewFromString(parsed.Filled)
	if err != nil {
		return Execution{}, fmt.Errorf("parse filled amount: %w", err)
	}

	c.logger.Info().
		Str("token", req.TokenID).
		Str("side", req.Side).
		Str("tx", parsed.TxRef).
		Msg("order submitted")

	return Execution{TxRef: parsed.TxRef, Price: price, Filled: filled}, nil
}

// Ping checks venue reachability.
func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+pingPath, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("venue ping failed (%d)", resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) post(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	res, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, parseHTTPError(c.name, resp.StatusCode, res)
	}
	return res, nil
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.cfg.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "tradeguard/1.0")
	}
}

type quoteRequest struct {
	TokenID    string `json:"tokenId"`
	BaseToken  string `json:"baseToken,omitempty"`
	QuoteToken string `json:"quoteToken,omitempty"`
	Amount     string `json:"amount"`
}

type quoteResponse struct {
	Price string `json:"price"`
}

type orderRequest struct {
	TokenID string `json:"tokenId"`
	Side    string `json:"side"`
	Amount  string `json:"amount"`
	Price   string `json:"price"`
}

type orderResponse struct {
	TxRef  string `json:"txRef"`
	Price  string `json:"price"`
	Filled string `json:"filled"`
}

type errorResponse struct {
	ErrorType   string `json:"errorType"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

// parseHTTPError keeps the status code in the message so retry
// classification can recognise quota responses.
func parseHTTPError(venueName string, status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Description != "" {
			return fmt.Errorf("%s api error (%d): %s", venueName, status, apiErr.Description)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("%s api error (%d): %s", venueName, status, apiErr.Message)
		}
		if apiErr.ErrorType != "" {
			return fmt.Errorf("%s api error (%d): %s", venueName, status, apiErr.ErrorType)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("%s api error (%d): %s", venueName, status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("%s api error (%d)", venueName, status)
}

var (
	_ Quoter   = (*HTTPClient)(nil)
	_ Executor = (*HTTPClient)(nil)
	_ Pinger   = (*HTTPClient)(nil)
)
