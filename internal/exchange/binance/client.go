// Package binance implements the exchange client against the Binance USDⓈ-M
// Futures REST API and user-data stream, targeting the testnet by default.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"futures-bot/internal/core"
	"futures-bot/internal/retry"
)

const (
	DefaultRestBaseURL = "https://testnet.binancefuture.com"
	DefaultWSBaseURL   = "wss://stream.binancefuture.com"
)

type AuthType int

const (
	AuthNone AuthType = iota
	AuthAPIKey
	AuthSigned
)

type Client struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	wsBaseURL  string
	recvWindow time.Duration
	httpClient *http.Client
	retryCfg   retry.Config
}

type Options struct {
	APIKey         string
	APISecret      string
	RestBaseURL    string
	WSBaseURL      string
	RecvWindowMs   int64
	HTTPTimeoutSec int64
	// MaxAttempts bounds internal retries of transient failures per call.
	MaxAttempts int
}

func NewClient(opts Options) (*Client, error) {
	if opts.APIKey == "" || opts.APISecret == "" {
		return nil, errors.New("api_key/api_secret required")
	}
	baseURL := opts.RestBaseURL
	if baseURL == "" {
		baseURL = DefaultRestBaseURL
	}
	wsBaseURL := opts.WSBaseURL
	if wsBaseURL == "" {
		wsBaseURL = DefaultWSBaseURL
	}
	timeout := 15 * time.Second
	if opts.HTTPTimeoutSec > 0 {
		timeout = time.Duration(opts.HTTPTimeoutSec) * time.Second
	}
	retryCfg := retry.DefaultConfig()
	if opts.MaxAttempts > 0 {
		retryCfg.MaxAttempts = opts.MaxAttempts
	}
	return &Client{
		apiKey:     opts.APIKey,
		apiSecret:  opts.APISecret,
		baseURL:    strings.TrimRight(baseURL, "/"),
		wsBaseURL:  strings.TrimRight(wsBaseURL, "/"),
		recvWindow: time.Duration(opts.RecvWindowMs) * time.Millisecond,
		httpClient: &http.Client{Timeout: timeout},
		retryCfg:   retryCfg,
	}, nil
}

func (c *Client) Name() string { return "binance-futures" }

// PlaceOrder submits the order with the request's ClientID as
// newClientOrderId. Transient failures are retried with the same id, so an
// attempt that actually reached the exchange surfaces as a duplicate; the
// duplicate is resolved by querying the order back instead of failing. A
// transport failure that survives all attempts is ambiguous: the order may or
// may not exist on the exchange, and only reconciliation can settle it.
func (c *Client) PlaceOrder(ctx context.Context, req core.OrderRequest) (core.StatusUpdate, error) {
	if err := req.Validate(); err != nil {
		return core.StatusUpdate{}, err
	}
	attempt := 0
	update, err := retry.DoWithResult(ctx, c.retryCfg, func() (core.StatusUpdate, error) {
		attempt++
		params := url.Values{}
		params.Set("symbol", req.Symbol)
		params.Set("side", string(req.Side))
		params.Set("type", string(req.Type))
		params.Set("quantity", req.Qty.String())
		params.Set("newClientOrderId", req.ClientID)
		if req.Type == core.Limit {
			params.Set("price", req.Price.String())
			params.Set("timeInForce", "GTC")
		}
		body, err := c.doRequest(ctx, http.MethodPost, "/fapi/v1/order", params, AuthSigned)
		if err != nil {
			if attempt > 1 && errors.Is(err, core.ErrDuplicateOrder) {
				// A prior attempt reached the exchange; fetch the real ack.
				return c.QueryOrder(ctx, req.Symbol, req.ClientID)
			}
			return core.StatusUpdate{}, err
		}
		var resp orderResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return core.StatusUpdate{}, retry.Permanent(err)
		}
		return resp.statusUpdate(), nil
	})
	if err != nil && errors.Is(err, core.ErrTransientNetwork) {
		return core.StatusUpdate{}, fmt.Errorf("%w: %v", core.ErrAmbiguousOutcome, err)
	}
	return update, err
}

func (c *Client) CancelOrder(ctx context.Context, symbol, clientID string) (core.StatusUpdate, error) {
	return retry.DoWithResult(ctx, c.retryCfg, func() (core.StatusUpdate, error) {
		params := url.Values{}
		params.Set("symbol", symbol)
		params.Set("origClientOrderId", clientID)
		body, err := c.doRequest(ctx, http.MethodDelete, "/fapi/v1/order", params, AuthSigned)
		if err != nil {
			return core.StatusUpdate{}, err
		}
		var resp orderResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return core.StatusUpdate{}, retry.Permanent(err)
		}
		return resp.statusUpdate(), nil
	})
}

func (c *Client) QueryOrder(ctx context.Context, symbol, clientID string) (core.StatusUpdate, error) {
	return retry.DoWithResult(ctx, c.retryCfg, func() (core.StatusUpdate, error) {
		params := url.Values{}
		params.Set("symbol", symbol)
		params.Set("origClientOrderId", clientID)
		body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/order", params, AuthSigned)
		if err != nil {
			return core.StatusUpdate{}, err
		}
		var resp orderResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return core.StatusUpdate{}, retry.Permanent(err)
		}
		return resp.statusUpdate(), nil
	})
}

func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]core.OpenOrder, error) {
	return retry.DoWithResult(ctx, c.retryCfg, func() ([]core.OpenOrder, error) {
		params := url.Values{}
		if symbol != "" {
			params.Set("symbol", symbol)
		}
		body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/openOrders", params, AuthSigned)
		if err != nil {
			return nil, err
		}
		var resp []orderResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, retry.Permanent(err)
		}
		orders := make([]core.OpenOrder, 0, len(resp))
		for _, ord := range resp {
			orders = append(orders, ord.openOrder())
		}
		return orders, nil
	})
}

func (c *Client) Balances(ctx context.Context) ([]core.Balance, error) {
	return retry.DoWithResult(ctx, c.retryCfg, func() ([]core.Balance, error) {
		body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v2/balance", url.Values{}, AuthSigned)
		if err != nil {
			return nil, err
		}
		var resp []balanceResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, retry.Permanent(err)
		}
		balances := make([]core.Balance, 0, len(resp))
		for _, b := range resp {
			balances = append(balances, b.balance())
		}
		return balances, nil
	})
}

func (c *Client) TickerPrice(ctx context.Context, symbol string) (core.PriceQuote, error) {
	return retry.DoWithResult(ctx, c.retryCfg, func() (core.PriceQuote, error) {
		params := url.Values{}
		params.Set("symbol", symbol)
		body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/ticker/price", params, AuthNone)
		if err != nil {
			return core.PriceQuote{}, err
		}
		var resp tickerPriceResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return core.PriceQuote{}, retry.Permanent(err)
		}
		price, err := resp.price()
		if err != nil {
			return core.PriceQuote{}, retry.Permanent(err)
		}
		return price, nil
	})
}

// SymbolRules fetches the trading filters for one symbol from exchangeInfo.
func (c *Client) SymbolRules(ctx context.Context, symbol string) (SymbolRules, error) {
	return retry.DoWithResult(ctx, c.retryCfg, func() (SymbolRules, error) {
		params := url.Values{}
		params.Set("symbol", symbol)
		body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", params, AuthNone)
		if err != nil {
			return SymbolRules{}, err
		}
		var resp exchangeInfoResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return SymbolRules{}, retry.Permanent(err)
		}
		rules, err := resp.rulesFor(symbol)
		if err != nil {
			return SymbolRules{}, retry.Permanent(err)
		}
		return rules, nil
	})
}

// ServerTime is a cheap connectivity and clock-skew probe.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	return retry.DoWithResult(ctx, c.retryCfg, func() (time.Time, error) {
		body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/time", url.Values{}, AuthNone)
		if err != nil {
			return time.Time{}, err
		}
		var resp struct {
			ServerTime int64 `json:"serverTime"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return time.Time{}, retry.Permanent(err)
		}
		return time.UnixMilli(resp.ServerTime), nil
	})
}

func (c *Client) createListenKey(ctx context.Context) (string, error) {
	return retry.DoWithResult(ctx, c.retryCfg, func() (string, error) {
		body, err := c.doRequest(ctx, http.MethodPost, "/fapi/v1/listenKey", url.Values{}, AuthAPIKey)
		if err != nil {
			return "", err
		}
		var resp listenKeyResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", retry.Permanent(err)
		}
		if resp.ListenKey == "" {
			return "", retry.Permanent(errors.New("empty listen key"))
		}
		return resp.ListenKey, nil
	})
}

func (c *Client) keepAliveListenKey(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodPut, "/fapi/v1/listenKey", url.Values{}, AuthAPIKey)
	return err
}

// doRequest performs one HTTP exchange. Transport failures and 5xx responses
// come back wrapped in core.ErrTransientNetwork so the retry layer tries
// again; API-level errors are classified and marked permanent.
func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, auth AuthType) ([]byte, error) {
	if auth == AuthSigned {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		if c.recvWindow > 0 {
			params.Set("recvWindow", strconv.FormatInt(c.recvWindow.Milliseconds(), 10))
		}
		params.Set("signature", sign(c.apiSecret, params.Encode()))
	}
	var (
		req *http.Request
		err error
	)
	urlStr := c.baseURL + path
	if method == http.MethodPost {
		req, err = http.NewRequestWithContext(ctx, method, urlStr, strings.NewReader(params.Encode()))
	} else {
		if encoded := params.Encode(); encoded != "" {
			urlStr += "?" + encoded
		}
		req, err = http.NewRequestWithContext(ctx, method, urlStr, nil)
	}
	if err != nil {
		return nil, retry.Permanent(err)
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if auth == AuthAPIKey || auth == AuthSigned {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrTransientNetwork, err)
	}
	if resp.StatusCode/100 == 5 {
		return nil, fmt.Errorf("%w: binance http error %d: %s",
			core.ErrTransientNetwork, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot {
		return nil, retry.Permanent(fmt.Errorf("%w: binance http error %d", core.ErrRateExceeded, resp.StatusCode))
	}
	if resp.StatusCode/100 != 2 {
		return nil, retry.Permanent(parseAPIError(resp.StatusCode, body))
	}
	return body, nil
}

func parseAPIError(status int, body []byte) error {
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Msg != "" {
		return classifyAPIError(APIError{Code: apiErr.Code, Msg: apiErr.Msg})
	}
	return fmt.Errorf("binance http error %d: %s", status, strings.TrimSpace(string(body)))
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
