package core

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// OrderRequest is an immutable submission intent. Build one through
// NewMarketOrder or NewLimitOrder; both reject malformed shapes before
// anything touches the network.
type OrderRequest struct {
	Symbol   string
	Side     Side
	Type     OrderType
	Qty      decimal.Decimal
	Price    decimal.Decimal
	ClientID string
}

func NewMarketOrder(symbol string, side Side, qty decimal.Decimal, clientID string) (OrderRequest, error) {
	req := OrderRequest{
		Symbol:   normalizeSymbol(symbol),
		Side:     side,
		Type:     Market,
		Qty:      qty,
		ClientID: strings.TrimSpace(clientID),
	}
	if err := req.Validate(); err != nil {
		return OrderRequest{}, err
	}
	return req, nil
}

func NewLimitOrder(symbol string, side Side, qty, price decimal.Decimal, clientID string) (OrderRequest, error) {
	req := OrderRequest{
		Symbol:   normalizeSymbol(symbol),
		Side:     side,
		Type:     Limit,
		Qty:      qty,
		Price:    price,
		ClientID: strings.TrimSpace(clientID),
	}
	if err := req.Validate(); err != nil {
		return OrderRequest{}, err
	}
	return req, nil
}

func (r OrderRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("%w: symbol required", ErrInvalidRequest)
	}
	if r.Side != Buy && r.Side != Sell {
		return fmt.Errorf("%w: side must be BUY or SELL, got %q", ErrInvalidRequest, string(r.Side))
	}
	if r.ClientID == "" {
		return fmt.Errorf("%w: client order id required", ErrInvalidRequest)
	}
	if r.Qty.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("%w: quantity must be positive, got %s", ErrInvalidRequest, r.Qty)
	}
	switch r.Type {
	case Market:
		if !r.Price.IsZero() {
			return fmt.Errorf("%w: market order must not carry a price", ErrInvalidRequest)
		}
	case Limit:
		if r.Price.Cmp(decimal.Zero) <= 0 {
			return fmt.Errorf("%w: limit order requires a positive price", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: type must be MARKET or LIMIT, got %q", ErrInvalidRequest, string(r.Type))
	}
	return nil
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
