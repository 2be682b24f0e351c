package brokerage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// TimeInForce values accepted by the brokerage.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceGTC TimeInForce = "gtc"
	TimeInForceOPG TimeInForce = "opg"
	TimeInForceCLS TimeInForce = "cls"
	TimeInForceIOC TimeInForce = "ioc"
	TimeInForceFOK TimeInForce = "fok"
)

// ParseTimeInForce validates a configured time-in-force value.
func ParseTimeInForce(s string) (TimeInForce, bool) {
	switch tif := TimeInForce(s); tif {
	case TimeInForceDay, TimeInForceGTC, TimeInForceOPG, TimeInForceCLS, TimeInForceIOC, TimeInForceFOK:
		return tif, true
	}
	return "", false
}

// Account is the subset of the account resource used for eligibility checks.
type Account struct {
	ID                   string          `json:"id"`
	AccountNumber        string          `json:"account_number"`
	Status               string          `json:"status"`
	Currency             string          `json:"currency"`
	BuyingPower          decimal.Decimal `json:"buying_power"`
	Cash                 decimal.Decimal `json:"cash"`
	PortfolioValue       decimal.Decimal `json:"portfolio_value"`
	TradingBlocked       bool            `json:"trading_blocked"`
	AccountBlocked       bool            `json:"account_blocked"`
	TradeSuspendedByUser bool            `json:"trade_suspended_by_user"`
}

// Order mirrors the brokerage order resource.
type Order struct {
	ID             string              `json:"id"`
	ClientOrderID  string              `json:"client_order_id"`
	CreatedAt      time.Time           `json:"created_at"`
	SubmittedAt    time.Time           `json:"submitted_at"`
	FilledAt       *time.Time          `json:"filled_at"`
	AssetID        string              `json:"asset_id"`
	Symbol         string              `json:"symbol"`
	Qty            decimal.Decimal     `json:"qty"`
	FilledQty      decimal.Decimal     `json:"filled_qty"`
	FilledAvgPrice decimal.NullDecimal `json:"filled_avg_price"`
	Type           string              `json:"type"`
	Side           Side                `json:"side"`
	TimeInForce    TimeInForce         `json:"time_in_force"`
	Status         string              `json:"status"`
	ExtendedHours  bool                `json:"extended_hours"`
}

// Position is an open position for one symbol.
type Position struct {
	AssetID       string          `json:"asset_id"`
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"`
	QtyAvailable  decimal.Decimal `json:"qty_available"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	Side          string          `json:"side"`
}

// Asset is an entry of the brokerage asset listing.
type Asset struct {
	ID           string `json:"id"`
	Class        string `json:"class"`
	Exchange     string `json:"exchange"`
	Symbol       string `json:"symbol"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	Tradable     bool   `json:"tradable"`
	Fractionable bool   `json:"fractionable"`
}

// AssetQuery filters the asset listing.
type AssetQuery struct {
	Status     string
	AssetClass string
	Exchange   string
}

// MarketOrderRequest describes a market order to place.
type MarketOrderRequest struct {
	Symbol        string
	Qty           decimal.Decimal
	Side          Side
	TimeInForce   TimeInForce
	ExtendedHours bool
	ClientOrderID string
}

type orderPayload struct {
	Symbol        string      `json:"symbol"`
	Qty           string      `json:"qty"`
	Side          Side        `json:"side"`
	Type          string      `json:"type"`
	TimeInForce   TimeInForce `json:"time_in_force"`
	ExtendedHours bool        `json:"extended_hours,omitempty"`
	ClientOrderID string      `json:"client_order_id,omitempty"`
}
