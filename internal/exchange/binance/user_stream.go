package binance

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"futures-bot/internal/core"
)

// UserStream is one long-lived user-data websocket session. The caller owns
// reconnection; a stream that errors is dead and must be replaced via
// NewUserStream.
type UserStream struct {
	client    *Client
	conn      *websocket.Conn
	keepalive time.Duration
}

// orderTradeUpdate is the ORDER_TRADE_UPDATE event of the futures user-data
// stream.
type orderTradeUpdate struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol        string `json:"s"`
		ClientOrderID string `json:"c"`
		Side          string `json:"S"`
		OrderType     string `json:"o"`
		OrigQty       string `json:"q"`
		Price         string `json:"p"`
		ExecutionType string `json:"x"`
		OrderStatus   string `json:"X"`
		OrderID       int64  `json:"i"`
		CumFilledQty  string `json:"z"`
		TradeTime     int64  `json:"T"`
	} `json:"o"`
}

// NewUserStream obtains a listen key and dials the user-data stream.
func (c *Client) NewUserStream(ctx context.Context, keepalive time.Duration) (*UserStream, error) {
	listenKey, err := c.createListenKey(ctx)
	if err != nil {
		return nil, err
	}
	if c.wsBaseURL == "" {
		return nil, errors.New("ws base url required")
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsBaseURL+"/ws/"+listenKey, nil)
	if err != nil {
		return nil, err
	}
	if keepalive <= 0 {
		keepalive = 30 * time.Minute
	}
	return &UserStream{client: c, conn: conn, keepalive: keepalive}, nil
}

// Updates reads order events until ctx ends or the connection drops. The
// error channel reports the reason the stream died; the update channel is
// closed afterwards.
func (u *UserStream) Updates(ctx context.Context) (<-chan core.StatusUpdate, <-chan error) {
	updates := make(chan core.StatusUpdate)
	errCh := make(chan error, 4)
	done := make(chan struct{})

	reportErr := func(err error) {
		if err == nil {
			return
		}
		select {
		case errCh <- err:
		default:
		}
	}

	readTimeout := 3 * time.Minute

	go func() {
		ticker := time.NewTicker(u.keepalive)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				kaCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				err := u.client.keepAliveListenKey(kaCtx)
				cancel()
				if err != nil {
					reportErr(err)
				}
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = u.conn.Close()
		case <-done:
			// Reader already exited; nothing left to unblock.
		}
	}()

	go func() {
		defer close(updates)
		defer close(done)
		for {
			_ = u.conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, data, err := u.conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil {
					reportErr(ctx.Err())
				} else {
					reportErr(err)
				}
				return
			}
			update, ok := parseOrderTradeUpdate(data)
			if !ok {
				continue
			}
			select {
			case updates <- update:
			case <-ctx.Done():
				reportErr(ctx.Err())
				return
			}
		}
	}()

	return updates, errCh
}

func (u *UserStream) Close() error {
	return u.conn.Close()
}

func parseOrderTradeUpdate(data []byte) (core.StatusUpdate, bool) {
	var event orderTradeUpdate
	if err := json.Unmarshal(data, &event); err != nil {
		return core.StatusUpdate{}, false
	}
	if event.EventType != "ORDER_TRADE_UPDATE" {
		return core.StatusUpdate{}, false
	}
	filled, _ := decimal.NewFromString(event.Order.CumFilledQty)
	update := core.StatusUpdate{
		ClientID:   event.Order.ClientOrderID,
		ExchangeID: formatOrderID(event.Order.OrderID),
		Symbol:     event.Order.Symbol,
		State:      mapOrderStatus(event.Order.OrderStatus),
		FilledQty:  filled,
	}
	if event.Order.TradeTime > 0 {
		update.Time = time.UnixMilli(event.Order.TradeTime)
	} else if event.EventTime > 0 {
		update.Time = time.UnixMilli(event.EventTime)
	}
	return update, true
}

func formatOrderID(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}
