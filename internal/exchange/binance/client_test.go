package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"futures-bot/internal/core"
)

func testClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(Options{
		APIKey:      "k",
		APISecret:   "s",
		RestBaseURL: baseURL,
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	c.retryCfg.InitialDelay = time.Millisecond
	c.retryCfg.MaxDelay = 2 * time.Millisecond
	return c
}

func marketReq(t *testing.T, key string) core.OrderRequest {
	t.Helper()
	req, err := core.NewMarketOrder("BTCUSDT", core.Buy, decimal.RequireFromString("0.001"), key)
	if err != nil {
		t.Fatalf("NewMarketOrder: %v", err)
	}
	return req
}

func TestPlaceOrderSendsClientOrderID(t *testing.T) {
	var gotClientID, gotSignature string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/order" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm: %v", err)
		}
		gotClientID = r.PostForm.Get("newClientOrderId")
		gotSignature = r.PostForm.Get("signature")
		w.Write([]byte(`{"symbol":"BTCUSDT","orderId":42,"clientOrderId":"k1","status":"NEW","executedQty":"0","updateTime":1700000000000}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	update, err := c.PlaceOrder(context.Background(), marketReq(t, "k1"))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if gotClientID != "k1" {
		t.Fatalf("newClientOrderId = %q, want k1", gotClientID)
	}
	if gotSignature == "" {
		t.Fatal("request not signed")
	}
	if update.ExchangeID != "42" || update.State != core.OrderAcked {
		t.Fatalf("update = %+v", update)
	}
}

func TestPlaceOrderRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"orderId":7,"clientOrderId":"k1","status":"NEW","executedQty":"0"}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	update, err := c.PlaceOrder(context.Background(), marketReq(t, "k1"))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if update.ExchangeID != "7" {
		t.Fatalf("update = %+v", update)
	}
}

func TestPlaceOrderDoesNotRetryRejection(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-2019,"msg":"Margin is insufficient."}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	_, err := c.PlaceOrder(context.Background(), marketReq(t, "k1"))
	if !errors.Is(err, core.ErrRejectedByExchange) {
		t.Fatalf("want ErrRejectedByExchange, got %v", err)
	}
	if !errors.Is(err, core.ErrInsufficientBalance) {
		t.Fatalf("want ErrInsufficientBalance refinement, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, rejections must not be retried", calls)
	}
}

func TestPlaceOrderResolvesDuplicateOnRetry(t *testing.T) {
	// First attempt reaches the exchange but the response is lost (503 after
	// accept is simulated by: attempt 1 -> 503, attempt 2 -> duplicate, then
	// the client must query the order back).
	var placeCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/fapi/v1/order":
			if atomic.AddInt32(&placeCalls, 1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"code":-2010,"msg":"Duplicate order sent."}`))
		case r.Method == http.MethodGet && r.URL.Path == "/fapi/v1/order":
			if got := r.URL.Query().Get("origClientOrderId"); got != "k1" {
				t.Errorf("origClientOrderId = %q", got)
			}
			w.Write([]byte(`{"orderId":99,"clientOrderId":"k1","status":"NEW","executedQty":"0"}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	update, err := c.PlaceOrder(context.Background(), marketReq(t, "k1"))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if update.ExchangeID != "99" || update.State != core.OrderAcked {
		t.Fatalf("update = %+v", update)
	}
}

func TestPlaceOrderAmbiguousOnPersistentTransportFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	_, err := c.PlaceOrder(context.Background(), marketReq(t, "k1"))
	if !errors.Is(err, core.ErrAmbiguousOutcome) {
		t.Fatalf("want ErrAmbiguousOutcome, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want all attempts used", calls)
	}
}

func TestQueryOrderNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-2013,"msg":"Order does not exist."}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	_, err := c.QueryOrder(context.Background(), "BTCUSDT", "ghost")
	if !errors.Is(err, core.ErrOrderNotFound) {
		t.Fatalf("want ErrOrderNotFound, got %v", err)
	}
}

func TestRateLimitResponseNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	_, err := c.TickerPrice(context.Background(), "BTCUSDT")
	if !errors.Is(err, core.ErrRateExceeded) {
		t.Fatalf("want ErrRateExceeded, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestBalances(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v2/balance" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`[{"asset":"USDT","balance":"1000.5","availableBalance":"900.5"},{"asset":"BTC","balance":"0","availableBalance":"0"}]`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	balances, err := c.Balances(context.Background())
	if err != nil {
		t.Fatalf("Balances: %v", err)
	}
	if len(balances) != 2 {
		t.Fatalf("len = %d", len(balances))
	}
	if balances[0].Asset != "USDT" || !balances[0].Free.Equal(decimal.RequireFromString("900.5")) {
		t.Fatalf("balance = %+v", balances[0])
	}
	if !balances[0].Locked.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("locked = %s, want 100", balances[0].Locked)
	}
}

func TestTickerPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("symbol"); got != "BTCUSDT" {
			t.Errorf("symbol = %q", got)
		}
		w.Write([]byte(`{"symbol":"BTCUSDT","price":"64250.10","time":1700000000000}`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	quote, err := c.TickerPrice(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("TickerPrice: %v", err)
	}
	if !quote.Price.Equal(decimal.RequireFromString("64250.10")) {
		t.Fatalf("price = %s", quote.Price)
	}
	if quote.Time.IsZero() {
		t.Fatal("quote time not set")
	}
}

func TestOpenOrdersMapsStatuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"orderId":1,"clientOrderId":"a","symbol":"BTCUSDT","side":"BUY","type":"LIMIT","price":"64000","origQty":"0.01","executedQty":"0.002","status":"PARTIALLY_FILLED","time":1700000000000}]`))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	orders, err := c.OpenOrders(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("OpenOrders: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("len = %d", len(orders))
	}
	if orders[0].State != core.OrderPartiallyFilled {
		t.Fatalf("state = %s", orders[0].State)
	}
	if !orders[0].FilledQty.Equal(decimal.RequireFromString("0.002")) {
		t.Fatalf("filled = %s", orders[0].FilledQty)
	}
}

func TestMapOrderStatus(t *testing.T) {
	cases := map[string]core.OrderState{
		"NEW":              core.OrderAcked,
		"PARTIALLY_FILLED": core.OrderPartiallyFilled,
		"FILLED":           core.OrderFilled,
		"CANCELED":         core.OrderCanceled,
		"EXPIRED":          core.OrderCanceled,
		"REJECTED":         core.OrderRejected,
	}
	for status, want := range cases {
		if got := mapOrderStatus(status); got != want {
			t.Fatalf("mapOrderStatus(%s) = %s, want %s", status, got, want)
		}
	}
}

func TestParseAPIErrorFallback(t *testing.T) {
	err := parseAPIError(http.StatusBadGateway, []byte("bad gateway"))
	if !strings.Contains(err.Error(), "http error 502") {
		t.Fatalf("parseAPIError(non-json) = %v, want http error", err)
	}
}

func TestParseOrderTradeUpdate(t *testing.T) {
	data := []byte(`{"e":"ORDER_TRADE_UPDATE","E":1700000000100,"o":{"s":"BTCUSDT","c":"k1","S":"BUY","o":"MARKET","q":"0.001","x":"TRADE","X":"FILLED","i":42,"z":"0.001","T":1700000000050}}`)
	update, ok := parseOrderTradeUpdate(data)
	if !ok {
		t.Fatal("event not parsed")
	}
	if update.ClientID != "k1" || update.ExchangeID != "42" {
		t.Fatalf("update = %+v", update)
	}
	if update.State != core.OrderFilled {
		t.Fatalf("state = %s", update.State)
	}
	if !update.FilledQty.Equal(decimal.RequireFromString("0.001")) {
		t.Fatalf("filled = %s", update.FilledQty)
	}

	if _, ok := parseOrderTradeUpdate([]byte(`{"e":"ACCOUNT_UPDATE"}`)); ok {
		t.Fatal("non-order event should be skipped")
	}
}

func TestSymbolRulesParsesFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/exchangeInfo" {
			t.Errorf("path = %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"symbols":[{"symbol":"BTCUSDT","filters":[
			{"filterType":"PRICE_FILTER","tickSize":"0.10"},
			{"filterType":"LOT_SIZE","stepSize":"0.001","minQty":"0.001"},
			{"filterType":"MIN_NOTIONAL","notional":"100"}]}]}`)
	}))
	defer srv.Close()

	rules, err := testClient(t, srv.URL).SymbolRules(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("SymbolRules: %v", err)
	}
	if !rules.PriceTick.Equal(decimal.RequireFromString("0.10")) {
		t.Fatalf("price tick = %s", rules.PriceTick)
	}
	if !rules.QtyStep.Equal(decimal.RequireFromString("0.001")) {
		t.Fatalf("qty step = %s", rules.QtyStep)
	}
	if !rules.MinNotional.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("min notional = %s", rules.MinNotional)
	}
}

func TestSymbolRulesUnknownSymbol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"symbols":[]}`)
	}))
	defer srv.Close()

	if _, err := testClient(t, srv.URL).SymbolRules(context.Background(), "NOPEUSDT"); err == nil {
		t.Fatal("expected error for unknown symbol")
	}
}
