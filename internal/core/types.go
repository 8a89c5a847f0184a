package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type OrderType string

type OrderState string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

const (
	Limit  OrderType = "LIMIT"
	Market OrderType = "MARKET"
)

const (
	// OrderPending means the order was submitted locally but the exchange
	// has not acknowledged it yet.
	OrderPending OrderState = "PENDING"
	// OrderAcked means the exchange assigned an order id.
	OrderAcked           OrderState = "ACKED"
	OrderPartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderFilled          OrderState = "FILLED"
	OrderCanceled        OrderState = "CANCELED"
	OrderRejected        OrderState = "REJECTED"
)

// Terminal reports whether the state can never change again.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected:
		return true
	}
	return false
}

// OrderRecord is the tracker's view of one submission. ClientID is the
// idempotency key; ExchangeID is empty until the exchange acknowledges.
type OrderRecord struct {
	ClientID    string          `json:"client_id"`
	ExchangeID  string          `json:"exchange_id,omitempty"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Type        OrderType       `json:"type"`
	Qty         decimal.Decimal `json:"qty"`
	Price       decimal.Decimal `json:"price"`
	State       OrderState      `json:"state"`
	FilledQty   decimal.Decimal `json:"filled_qty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	ConfirmedAt time.Time       `json:"confirmed_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
}

// StatusUpdate is an exchange-reported order status, either from a
// reconciliation query or from the user-data stream.
type StatusUpdate struct {
	ClientID   string
	ExchangeID string
	Symbol     string
	State      OrderState
	FilledQty  decimal.Decimal
	Time       time.Time
}

// Balance is a read-through snapshot for one asset. It must not be cached
// past the query that produced it.
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// OpenOrder is the exchange's view of a live order, as returned by the
// open-orders listing.
type OpenOrder struct {
	ExchangeID string          `json:"exchange_id"`
	ClientID   string          `json:"client_id"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Type       OrderType       `json:"type"`
	Price      decimal.Decimal `json:"price"`
	Qty        decimal.Decimal `json:"qty"`
	FilledQty  decimal.Decimal `json:"filled_qty"`
	State      OrderState      `json:"state"`
	CreatedAt  time.Time       `json:"created_at"`
}

type PriceQuote struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	Time   time.Time       `json:"time"`
}
