package brokerage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/biequity/reconciler/internal/fault"
	"github.com/shopspring/decimal"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Options{BaseURL: srv.URL, KeyID: "kid", SecretKey: "sec"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestPlaceMarketOrderSendsPayloadAndHeaders(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v2/orders" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("APCA-API-KEY-ID") != "kid" || r.Header.Get("APCA-API-SECRET-KEY") != "sec" {
			t.Errorf("missing auth headers")
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["qty"] != "2" || body["side"] != "buy" || body["type"] != "market" || body["time_in_force"] != "day" {
			t.Errorf("unexpected body: %v", body)
		}
		if body["client_order_id"] != "coid-1" {
			t.Errorf("client_order_id not forwarded: %v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"ord-1","client_order_id":"coid-1","symbol":"AAPL","qty":"2","side":"buy","status":"accepted","filled_avg_price":null}`))
	})

	order, err := c.PlaceMarketOrder(context.Background(), MarketOrderRequest{
		Symbol:        "AAPL",
		Qty:           decimal.NewFromInt(2),
		Side:          SideBuy,
		ClientOrderID: "coid-1",
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if order.ID != "ord-1" || !order.Qty.Equal(decimal.NewFromInt(2)) || order.FilledAvgPrice.Valid {
		t.Fatalf("unexpected order: %+v", order)
	}
}

func TestPlaceMarketOrderValidatesBeforeNetwork(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	})

	tests := []struct {
		name string
		req  MarketOrderRequest
	}{
		{"empty_symbol", MarketOrderRequest{Qty: decimal.NewFromInt(1), Side: SideBuy}},
		{"zero_qty", MarketOrderRequest{Symbol: "AAPL", Qty: decimal.Zero, Side: SideBuy}},
		{"negative_qty", MarketOrderRequest{Symbol: "AAPL", Qty: decimal.NewFromInt(-1), Side: SideSell}},
		{"bad_side", MarketOrderRequest{Symbol: "AAPL", Qty: decimal.NewFromInt(1), Side: "hold"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.PlaceMarketOrder(context.Background(), tt.req)
			if fault.KindOf(err) != fault.KindValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("expected no network calls, got %d", calls)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind fault.Kind
		wantCode string
	}{
		{"rate_limited", http.StatusTooManyRequests, `{"code":42910000,"message":"rate limit exceeded"}`, fault.KindTransient, "42910000"},
		{"server_error", http.StatusBadGateway, `upstream down`, fault.KindTransient, "UNKNOWN_ERROR"},
		{"forbidden", http.StatusForbidden, `{"code":40310000,"message":"insufficient buying power"}`, fault.KindTerminal, "40310000"},
		{"unprocessable", http.StatusUnprocessableEntity, `{"message":"qty must be > 0"}`, fault.KindTerminal, "UNKNOWN_ERROR"},
		{"bad_request", http.StatusBadRequest, `{"error":"bad"}`, fault.KindTerminal, "UNKNOWN_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := c.GetAccount(context.Background())
			if err == nil {
				t.Fatalf("expected error")
			}
			if got := fault.KindOf(err); got != tt.wantKind {
				t.Fatalf("kind = %s, want %s (%v)", got, tt.wantKind, err)
			}
			var fe *fault.Error
			if !asFault(err, &fe) || fe.Code != tt.wantCode {
				t.Fatalf("code = %v, want %s", fe, tt.wantCode)
			}
			if StatusCodeOf(err) != tt.status {
				t.Fatalf("status = %d, want %d", StatusCodeOf(err), tt.status)
			}
		})
	}
}

func TestGetPositionNotFoundIsNil(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/positions/TSLA" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":40410000,"message":"position does not exist"}`))
	})
	pos, err := c.GetPosition(context.Background(), "TSLA")
	if err != nil || pos != nil {
		t.Fatalf("expected nil position and nil error, got %v %v", pos, err)
	}
}

func TestGetOrderByClientID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("client_order_id") == "missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"id":"ord-9","client_order_id":"known","status":"filled","qty":"1"}`))
	})
	order, err := c.GetOrderByClientID(context.Background(), "known")
	if err != nil || order == nil || order.ID != "ord-9" {
		t.Fatalf("unexpected lookup result %+v %v", order, err)
	}
	order, err = c.GetOrderByClientID(context.Background(), "missing")
	if err != nil || order != nil {
		t.Fatalf("expected nil for missing order, got %+v %v", order, err)
	}
}

func TestAccountEligibility(t *testing.T) {
	tests := []struct {
		name string
		acct Account
		ok   bool
	}{
		{"eligible", Account{BuyingPower: decimal.NewFromInt(100)}, true},
		{"trading_blocked", Account{BuyingPower: decimal.NewFromInt(100), TradingBlocked: true}, false},
		{"account_blocked", Account{BuyingPower: decimal.NewFromInt(100), AccountBlocked: true}, false},
		{"no_buying_power", Account{BuyingPower: decimal.Zero}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.acct.CheckEligibility()
			if (err == nil) != tt.ok {
				t.Fatalf("eligibility err=%v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestListAssetsQuery(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("status") != "active" || q.Get("asset_class") != "us_equity" {
			t.Errorf("unexpected query %v", q)
		}
		_, _ = w.Write([]byte(`[{"id":"a1","symbol":"AAPL","tradable":true},{"id":"a2","symbol":"GME","tradable":true}]`))
	})
	assets, err := c.ListAssets(context.Background(), AssetQuery{Status: "active", AssetClass: "us_equity"})
	if err != nil {
		t.Fatalf("list assets: %v", err)
	}
	if len(assets) != 2 || assets[0].Symbol != "AAPL" {
		t.Fatalf("unexpected assets %+v", assets)
	}
}

func TestDuplicateClientOrderID(t *testing.T) {
	err := classify("place order", &APIError{StatusCode: 422, Message: "client_order_id must be unique"})
	if !IsDuplicateClientOrderID(err) {
		t.Fatalf("expected duplicate client order id detection")
	}
}

func asFault(err error, target **fault.Error) bool {
	fe, ok := err.(*fault.Error)
	if ok {
		*target = fe
	}
	return ok
}
