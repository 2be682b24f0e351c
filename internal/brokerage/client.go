package brokerage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/biequity/reconciler/internal/fault"
)

const (
	// DefaultBaseURL is the paper-trading endpoint.
	DefaultBaseURL = "https://paper-api.alpaca.markets"
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 64 << 10
)

// Options configures a Client.
type Options struct {
	BaseURL    string
	KeyID      string
	SecretKey  string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to the brokerage trading REST API.
type Client struct {
	baseURL string
	keyID   string
	secret  string
	http    *http.Client
	log     *slog.Logger
}

// NewClient builds a brokerage client authenticated with the two static key headers.
func NewClient(opts Options) (*Client, error) {
	if opts.KeyID == "" || opts.SecretKey == "" {
		return nil, errors.New("brokerage api key and secret are required")
	}
	base := opts.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse brokerage base url: %w", err)
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		keyID:   opts.KeyID,
		secret:  opts.SecretKey,
		http:    hc,
		log:     log,
	}, nil
}

// GetAccount returns the trading account.
func (c *Client) GetAccount(ctx context.Context) (*Account, error) {
	var acct Account
	if err := c.do(ctx, "get account", http.MethodGet, "/v2/account", nil, nil, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

// CheckEligibility rejects accounts that cannot trade or have no buying power.
func (a *Account) CheckEligibility() error {
	switch {
	case a.AccountBlocked:
		return fault.Terminal("account eligibility", errors.New("account is blocked"))
	case a.TradingBlocked:
		return fault.Terminal("account eligibility", errors.New("trading is blocked"))
	case a.TradeSuspendedByUser:
		return fault.Terminal("account eligibility", errors.New("trading suspended by user"))
	case !a.BuyingPower.IsPositive():
		return fault.Terminal("account eligibility", fmt.Errorf("buying power is %s", a.BuyingPower))
	}
	return nil
}

// PlaceMarketOrder submits a market order. Inputs are validated before any network call.
func (c *Client) PlaceMarketOrder(ctx context.Context, req MarketOrderRequest) (*Order, error) {
	const op = "place order"
	if strings.TrimSpace(req.Symbol) == "" {
		return nil, fault.Validation(op, "symbol is required")
	}
	if !req.Qty.IsPositive() {
		return nil, fault.Validation(op, "quantity must be positive, got %s", req.Qty)
	}
	if req.Side != SideBuy && req.Side != SideSell {
		return nil, fault.Validation(op, "side must be buy or sell, got %q", req.Side)
	}
	if req.TimeInForce == "" {
		req.TimeInForce = TimeInForceDay
	}
	payload := orderPayload{
		Symbol:        req.Symbol,
		Qty:           req.Qty.String(),
		Side:          req.Side,
		Type:          "market",
		TimeInForce:   req.TimeInForce,
		ExtendedHours: req.ExtendedHours,
		ClientOrderID: req.ClientOrderID,
	}
	var order Order
	if err := c.do(ctx, op, http.MethodPost, "/v2/orders", nil, payload, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByClientID looks up an order by its client order id. A 404 returns nil, nil.
func (c *Client) GetOrderByClientID(ctx context.Context, clientOrderID string) (*Order, error) {
	q := url.Values{"client_order_id": {clientOrderID}}
	var order Order
	err := c.do(ctx, "get order", http.MethodGet, "/v2/orders:by_client_order_id", q, nil, &order)
	if StatusCodeOf(err) == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetPosition returns the open position for symbol. A 404 returns nil, nil.
func (c *Client) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	if strings.TrimSpace(symbol) == "" {
		return nil, fault.Validation("get position", "symbol is required")
	}
	var pos Position
	err := c.do(ctx, "get position", http.MethodGet, "/v2/positions/"+url.PathEscape(symbol), nil, nil, &pos)
	if StatusCodeOf(err) == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

// ListAssets returns the asset listing filtered by q.
func (c *Client) ListAssets(ctx context.Context, q AssetQuery) ([]Asset, error) {
	params := url.Values{}
	if q.Status != "" {
		params.Set("status", q.Status)
	}
	if q.AssetClass != "" {
		params.Set("asset_class", q.AssetClass)
	}
	if q.Exchange != "" {
		params.Set("exchange", q.Exchange)
	}
	var assets []Asset
	if err := c.do(ctx, "list assets", http.MethodGet, "/v2/assets", params, nil, &assets); err != nil {
		return nil, err
	}
	return assets, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fault.Terminal(op, fmt.Errorf("marshal request: %w", err))
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fault.Terminal(op, fmt.Errorf("build request: %w", err)).WithCode("REQUEST_SETUP_ERROR")
	}
	req.Header.Set("APCA-API-KEY-ID", c.keyID)
	req.Header.Set("APCA-API-SECRET-KEY", c.secret)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("brokerage request failed", "op", op, "method", method, "path", path, "error", err)
		apiErr := &APIError{Code: "NO_RESPONSE", Message: fmt.Sprintf("no response from brokerage: %v", err)}
		return fault.Transient(op, apiErr).WithCode(apiErr.Code)
	}
	defer resp.Body.Close()

	c.log.Debug("brokerage response", "op", op, "method", method, "path", path,
		"status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := parseAPIError(resp.StatusCode, raw)
		if resp.StatusCode != http.StatusNotFound {
			c.log.Warn("brokerage error response", "op", op, "status", apiErr.StatusCode,
				"code", apiErr.Code, "message", apiErr.Message)
		}
		return classify(op, apiErr)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fault.Transient(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
