package binance

import (
	"errors"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"futures-bot/internal/core"
)

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type APIError struct {
	Code int
	Msg  string
}

func (e APIError) Error() string {
	return "binance api error " + strconv.Itoa(e.Code) + ": " + e.Msg
}

type orderResponse struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	Status        string `json:"status"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Time          int64  `json:"time"`
	UpdateTime    int64  `json:"updateTime"`
}

func (r orderResponse) statusUpdate() core.StatusUpdate {
	executedQty, _ := decimal.NewFromString(r.ExecutedQty)
	update := core.StatusUpdate{
		ClientID:   r.ClientOrderID,
		ExchangeID: strconv.FormatInt(r.OrderID, 10),
		Symbol:     r.Symbol,
		State:      mapOrderStatus(r.Status),
		FilledQty:  executedQty,
	}
	switch {
	case r.UpdateTime > 0:
		update.Time = time.UnixMilli(r.UpdateTime)
	case r.Time > 0:
		update.Time = time.UnixMilli(r.Time)
	}
	return update
}

func (r orderResponse) openOrder() core.OpenOrder {
	price, _ := decimal.NewFromString(r.Price)
	qty, _ := decimal.NewFromString(r.OrigQty)
	executedQty, _ := decimal.NewFromString(r.ExecutedQty)
	order := core.OpenOrder{
		ExchangeID: strconv.FormatInt(r.OrderID, 10),
		ClientID:   r.ClientOrderID,
		Symbol:     r.Symbol,
		Side:       core.Side(r.Side),
		Type:       core.OrderType(r.Type),
		Price:      price,
		Qty:        qty,
		FilledQty:  executedQty,
		State:      mapOrderStatus(r.Status),
	}
	if r.Time > 0 {
		order.CreatedAt = time.UnixMilli(r.Time)
	}
	return order
}

// mapOrderStatus folds Binance order statuses into the local lifecycle. A
// fresh NEW order is an acknowledgment; EXPIRED orders were canceled by the
// exchange.
func mapOrderStatus(status string) core.OrderState {
	switch status {
	case "NEW":
		return core.OrderAcked
	case "PARTIALLY_FILLED":
		return core.OrderPartiallyFilled
	case "FILLED":
		return core.OrderFilled
	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH":
		return core.OrderCanceled
	case "REJECTED":
		return core.OrderRejected
	default:
		return core.OrderPending
	}
}

type balanceResponse struct {
	Asset            string `json:"asset"`
	Balance          string `json:"balance"`
	AvailableBalance string `json:"availableBalance"`
}

func (r balanceResponse) balance() core.Balance {
	total, _ := decimal.NewFromString(r.Balance)
	free, _ := decimal.NewFromString(r.AvailableBalance)
	locked := total.Sub(free)
	if locked.IsNegative() {
		locked = decimal.Zero
	}
	return core.Balance{Asset: r.Asset, Free: free, Locked: locked}
}

type tickerPriceResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
	Time   int64  `json:"time"`
}

func (r tickerPriceResponse) price() (core.PriceQuote, error) {
	price, err := decimal.NewFromString(r.Price)
	if err != nil {
		return core.PriceQuote{}, err
	}
	quote := core.PriceQuote{Symbol: r.Symbol, Price: price, Time: time.Now().UTC()}
	if r.Time > 0 {
		quote.Time = time.UnixMilli(r.Time)
	}
	return quote, nil
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// SymbolRules are the exchange's trading filters for one symbol.
type SymbolRules struct {
	Symbol      string
	PriceTick   decimal.Decimal
	QtyStep     decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
}

type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Filters []struct {
			FilterType string `json:"filterType"`
			TickSize   string `json:"tickSize"`
			StepSize   string `json:"stepSize"`
			MinQty     string `json:"minQty"`
			Notional   string `json:"notional"`
		} `json:"filters"`
	} `json:"symbols"`
}

func (r exchangeInfoResponse) rulesFor(symbol string) (SymbolRules, error) {
	for _, s := range r.Symbols {
		if s.Symbol != symbol {
			continue
		}
		rules := SymbolRules{Symbol: symbol}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				rules.PriceTick, _ = decimal.NewFromString(f.TickSize)
			case "LOT_SIZE":
				rules.QtyStep, _ = decimal.NewFromString(f.StepSize)
				rules.MinQty, _ = decimal.NewFromString(f.MinQty)
			case "MIN_NOTIONAL":
				rules.MinNotional, _ = decimal.NewFromString(f.Notional)
			}
		}
		return rules, nil
	}
	return SymbolRules{}, errors.New("symbol not found in exchangeInfo: " + symbol)
}
