package exchange

import (
	"context"

	"futures-bot/internal/core"
)

// Client is the stateless request/response boundary to the exchange. Each
// method performs one logical exchange plus internal retry for transient
// failures; business rejections surface immediately. Implementations must
// carry the request's ClientID as an exchange-recognized client-order-id so
// the exchange itself deduplicates retried placements.
type Client interface {
	Name() string

	PlaceOrder(ctx context.Context, req core.OrderRequest) (core.StatusUpdate, error)
	CancelOrder(ctx context.Context, symbol, clientID string) (core.StatusUpdate, error)
	QueryOrder(ctx context.Context, symbol, clientID string) (core.StatusUpdate, error)
	OpenOrders(ctx context.Context, symbol string) ([]core.OpenOrder, error)
	Balances(ctx context.Context) ([]core.Balance, error)
	TickerPrice(ctx context.Context, symbol string) (core.PriceQuote, error)
}
