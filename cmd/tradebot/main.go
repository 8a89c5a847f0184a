package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"futures-bot/internal/alert"
	"futures-bot/internal/config"
	"futures-bot/internal/core"
	"futures-bot/internal/engine"
	"futures-bot/internal/exchange/binance"
	"futures-bot/internal/journal"
	"futures-bot/internal/obs"
	"futures-bot/internal/ratelimit"
	"futures-bot/internal/safety"
	"futures-bot/internal/tracker"
)

const usage = `usage: tradebot -config <path> <command> [flags]

commands:
  run         consume the user-data stream and keep tracked orders reconciled
  place       place one order (-side, -type, -qty, -price, -id)
  cancel      cancel a tracked order (-id)
  status      print a tracked order's record (-id)
  reconcile   query the exchange for one order's state (-id)
  orders      list open orders on the exchange (-all for every symbol)
  balance     print asset balances
  price       print the current mark price
  check       probe connectivity against the exchange
`

func main() {
	var configPath, envPath string
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.StringVar(&envPath, "env", ".env", "dotenv file with credentials")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	if err := config.LoadEnvFile(envPath); err != nil {
		fatal(err.Error())
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}

	level, err := zapcore.ParseLevel(cfg.Observability.LogLevel)
	if err != nil {
		fatal(err.Error())
	}
	logger, err := buildLogger(cfg, level)
	if err != nil {
		fatal(err.Error())
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := buildApp(cfg, logger)
	if err != nil {
		fatal(err.Error())
	}
	defer cleanup()

	if err := app.dispatch(ctx, flag.Arg(0), flag.Args()[1:]); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fatal(err.Error())
	}
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

type app struct {
	cfg    config.Config
	client *binance.Client
	engine *engine.Engine
	logger *zap.Logger
}

func buildLogger(cfg config.Config, level zapcore.Level) (*zap.Logger, error) {
	if cfg.Observability.LogFile != "" {
		return obs.NewLoggerWithFile(level, cfg.Observability.LogFile)
	}
	return obs.NewLogger(level)
}

func buildApp(cfg config.Config, logger *zap.Logger) (*app, func(), error) {
	cleanups := []func(){}
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	client, err := binance.NewClient(binance.Options{
		APIKey:         cfg.Exchange.APIKey,
		APISecret:      cfg.Exchange.APISecret,
		RestBaseURL:    cfg.Exchange.RestBaseURL,
		WSBaseURL:      cfg.Exchange.WSBaseURL,
		RecvWindowMs:   cfg.Exchange.RecvWindowMs,
		HTTPTimeoutSec: cfg.Exchange.HTTPTimeoutSec,
		MaxAttempts:    cfg.Exchange.MaxAttempts,
	})
	if err != nil {
		return nil, cleanup, err
	}

	alerts := buildAlertManager(cfg, logger)
	if alerts != nil {
		cleanups = append(cleanups, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := alerts.Close(closeCtx); err != nil {
				logger.Warn("close alert manager failed", zap.Error(err))
			}
		})
	}

	journalDir := filepath.Join(cfg.Journal.Dir, cfg.Symbol, cfg.InstanceID)
	jnl, err := journal.New(journalDir)
	if err != nil {
		return nil, cleanup, err
	}
	takeover := cfg.Journal.LockTakeover == nil || *cfg.Journal.LockTakeover
	lock, err := journal.AcquireInstanceLockWithOptions(journalDir, journal.LockOptions{
		TakeoverEnabled: takeover,
	})
	if err != nil {
		return nil, cleanup, err
	}
	cleanups = append(cleanups, func() {
		if relErr := lock.Release(); relErr != nil {
			logger.Warn("release instance lock failed", zap.Error(relErr))
		}
	})

	limiter := ratelimit.New()
	limiter.AddClass(ratelimit.ClassOrder, cfg.RateLimits.OrderRate, cfg.RateLimits.OrderBurst)
	limiter.AddClass(ratelimit.ClassQuery, cfg.RateLimits.QueryRate, cfg.RateLimits.QueryBurst)

	var breaker *safety.Breaker
	if cfg.CircuitBreaker.Enabled {
		breaker = safety.NewBreaker(safety.Config{
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			Cooldown:         time.Duration(cfg.CircuitBreaker.CooldownSec) * time.Second,
		}, logger, alertOrNil(alerts))
	}

	trk := tracker.New(client, time.Duration(cfg.Exchange.GracePeriodSec)*time.Second)
	eng, err := engine.New(engine.Options{
		Client:      client,
		Tracker:     trk,
		Limiter:     limiter,
		Breaker:     breaker,
		Journal:     jnl,
		Alerts:      alertOrNil(alerts),
		Logger:      logger,
		PlaceWindow: time.Duration(cfg.Exchange.PlaceWindowSec) * time.Second,
	})
	if err != nil {
		return nil, cleanup, err
	}

	return &app{cfg: cfg, client: client, engine: eng, logger: logger}, cleanup, nil
}

func buildAlertManager(cfg config.Config, logger *zap.Logger) *alert.Manager {
	tg := cfg.Observability.Telegram
	if !tg.Enabled {
		return nil
	}
	notifier, err := alert.NewTelegramNotifier(tg.BotToken, tg.ChatID)
	if err != nil {
		fatal(err.Error())
	}
	return alert.NewManager(cfg.Symbol, notifier, logger)
}

// alertOrNil avoids handing a typed-nil *Manager to an interface field.
func alertOrNil(m *alert.Manager) alert.Alerter {
	if m == nil {
		return nil
	}
	return m
}

func (a *app) dispatch(ctx context.Context, command string, args []string) error {
	switch command {
	case "run":
		return a.run(ctx)
	case "place":
		return a.place(ctx, args)
	case "cancel":
		return a.cancel(ctx, args)
	case "status":
		return a.status(args)
	case "reconcile":
		return a.reconcile(ctx, args)
	case "orders":
		return a.orders(ctx, args)
	case "balance":
		return a.balance(ctx)
	case "price":
		return a.price(ctx, args)
	case "check":
		return a.check(ctx)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func (a *app) run(ctx context.Context) error {
	if addr := a.cfg.Observability.MetricsListenAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Warn("metrics listener failed", zap.Error(err))
			}
		}()
		defer srv.Close()
		a.logger.Info("metrics listening", zap.String("addr", addr))
	}

	keepalive := time.Duration(a.cfg.Stream.KeepaliveSec) * time.Second
	dialer := engine.DialerFunc(func(ctx context.Context) (engine.StreamSource, error) {
		return a.client.NewUserStream(ctx, keepalive)
	})
	sr, err := engine.NewStreamReconciler(engine.StreamOptions{
		Engine:         a.engine,
		Dialer:         dialer,
		Logger:         a.logger,
		InitialBackoff: time.Duration(a.cfg.Stream.InitialBackoffSec) * time.Second,
		MaxBackoff:     time.Duration(a.cfg.Stream.MaxBackoffSec) * time.Second,
	})
	if err != nil {
		return err
	}
	a.logger.Info("starting",
		zap.String("symbol", a.cfg.Symbol),
		zap.String("instance", a.cfg.InstanceID),
		zap.String("exchange", a.client.Name()))
	return sr.Run(ctx)
}

func (a *app) place(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("place", flag.ExitOnError)
	symbol := fs.String("symbol", a.cfg.Symbol, "trading symbol")
	side := fs.String("side", "", "BUY or SELL")
	orderType := fs.String("type", "LIMIT", "LIMIT or MARKET")
	qtyStr := fs.String("qty", "", "order quantity")
	priceStr := fs.String("price", "", "limit price")
	clientID := fs.String("id", "", "client order id (generated when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	qty, err := decimal.NewFromString(*qtyStr)
	if err != nil {
		return fmt.Errorf("invalid qty %q: %w", *qtyStr, err)
	}
	id := *clientID
	if id == "" {
		id = fmt.Sprintf("%s-%d", a.cfg.InstanceID, time.Now().UnixNano())
	}

	var req core.OrderRequest
	switch core.OrderType(*orderType) {
	case core.Market:
		req, err = core.NewMarketOrder(*symbol, core.Side(*side), qty, id)
	case core.Limit:
		var price decimal.Decimal
		price, err = decimal.NewFromString(*priceStr)
		if err != nil {
			return fmt.Errorf("invalid price %q: %w", *priceStr, err)
		}
		req, err = core.NewLimitOrder(*symbol, core.Side(*side), qty, price, id)
	default:
		return fmt.Errorf("type must be LIMIT or MARKET, got %q", *orderType)
	}
	if err != nil {
		return err
	}
	if err := a.checkLimits(req); err != nil {
		return err
	}
	if err := a.checkSymbolRules(ctx, req); err != nil {
		return err
	}

	rec, err := a.engine.Submit(ctx, req)
	if err != nil {
		if errors.Is(err, core.ErrAmbiguousOutcome) {
			fmt.Printf("order %s outcome ambiguous, run: tradebot reconcile -id %s\n", rec.ClientID, rec.ClientID)
			return err
		}
		return err
	}
	printRecord(rec)
	return nil
}

// checkLimits enforces the configured per-order caps before anything is
// committed.
func (a *app) checkLimits(req core.OrderRequest) error {
	limits := a.cfg.Limits
	if !limits.MaxOrderQty.IsZero() && req.Qty.Cmp(limits.MaxOrderQty.Decimal) > 0 {
		return fmt.Errorf("qty %s exceeds limits.max_order_qty %s", req.Qty, limits.MaxOrderQty)
	}
	if !limits.MaxOrderNotional.IsZero() && req.Type == core.Limit {
		notional := req.Qty.Mul(req.Price)
		if notional.Cmp(limits.MaxOrderNotional.Decimal) > 0 {
			return fmt.Errorf("notional %s exceeds limits.max_order_notional %s", notional, limits.MaxOrderNotional)
		}
	}
	return nil
}

// checkSymbolRules validates the request against the exchange's published
// filters so a guaranteed rejection never burns order budget.
func (a *app) checkSymbolRules(ctx context.Context, req core.OrderRequest) error {
	rules, err := a.client.SymbolRules(ctx, req.Symbol)
	if err != nil {
		a.logger.Warn("exchangeInfo unavailable, skipping filter checks", zap.Error(err))
		return nil
	}
	if !rules.MinQty.IsZero() && req.Qty.Cmp(rules.MinQty) < 0 {
		return fmt.Errorf("qty %s is below the symbol's minimum %s", req.Qty, rules.MinQty)
	}
	if !rules.QtyStep.IsZero() && !req.Qty.Mod(rules.QtyStep).IsZero() {
		return fmt.Errorf("qty %s is not a multiple of the lot step %s", req.Qty, rules.QtyStep)
	}
	if req.Type == core.Limit {
		if !rules.PriceTick.IsZero() && !req.Price.Mod(rules.PriceTick).IsZero() {
			return fmt.Errorf("price %s is not a multiple of the price tick %s", req.Price, rules.PriceTick)
		}
		if !rules.MinNotional.IsZero() && req.Qty.Mul(req.Price).Cmp(rules.MinNotional) < 0 {
			return fmt.Errorf("notional %s is below the symbol's minimum %s", req.Qty.Mul(req.Price), rules.MinNotional)
		}
	}
	return nil
}

func (a *app) cancel(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	clientID := fs.String("id", "", "client order id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *clientID == "" {
		return errors.New("cancel requires -id")
	}
	rec, err := a.engine.Cancel(ctx, *clientID)
	if err != nil {
		return err
	}
	printRecord(rec)
	return nil
}

func (a *app) status(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	clientID := fs.String("id", "", "client order id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *clientID == "" {
		return errors.New("status requires -id")
	}
	rec, err := a.engine.Order(*clientID)
	if err != nil {
		return err
	}
	printRecord(rec)
	return nil
}

func (a *app) reconcile(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("reconcile", flag.ExitOnError)
	clientID := fs.String("id", "", "client order id (all open orders when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *clientID == "" {
		return a.engine.ReconcileOpen(ctx)
	}
	rec, err := a.engine.Reconcile(ctx, *clientID)
	if err != nil {
		return err
	}
	printRecord(rec)
	return nil
}

func (a *app) orders(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("orders", flag.ExitOnError)
	all := fs.Bool("all", false, "list across all symbols")
	symbol := fs.String("symbol", a.cfg.Symbol, "trading symbol")
	if err := fs.Parse(args); err != nil {
		return err
	}
	query := *symbol
	if *all {
		query = ""
	}
	orders, err := a.engine.OpenOrders(ctx, query)
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		fmt.Println("no open orders")
		return nil
	}
	for _, o := range orders {
		fmt.Printf("%s %s %s %s qty=%s filled=%s price=%s state=%s exchange_id=%s\n",
			o.Symbol, o.Side, o.Type, o.ClientID, o.Qty, o.FilledQty, o.Price, o.State, o.ExchangeID)
	}
	return nil
}

func (a *app) balance(ctx context.Context) error {
	balances, err := a.engine.Balances(ctx)
	if err != nil {
		return err
	}
	for _, b := range balances {
		fmt.Printf("%s free=%s locked=%s\n", b.Asset, b.Free, b.Locked)
	}
	return nil
}

func (a *app) price(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("price", flag.ExitOnError)
	symbol := fs.String("symbol", a.cfg.Symbol, "trading symbol")
	if err := fs.Parse(args); err != nil {
		return err
	}
	quote, err := a.engine.Price(ctx, *symbol)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", quote.Symbol, quote.Price)
	return nil
}

func (a *app) check(ctx context.Context) error {
	start := time.Now()
	serverTime, err := a.client.ServerTime(ctx)
	if err != nil {
		return err
	}
	rtt := time.Since(start)
	drift := time.Since(serverTime) - rtt/2
	fmt.Printf("ok rtt=%s server_time=%s clock_drift=%s\n",
		rtt.Round(time.Millisecond),
		serverTime.UTC().Format(time.RFC3339),
		drift.Round(time.Millisecond))
	return nil
}

func printRecord(rec core.OrderRecord) {
	fmt.Printf("%s %s %s %s qty=%s filled=%s price=%s state=%s exchange_id=%s",
		rec.Symbol, rec.Side, rec.Type, rec.ClientID, rec.Qty, rec.FilledQty, rec.Price, rec.State, rec.ExchangeID)
	if rec.LastError != "" {
		fmt.Printf(" last_error=%q", rec.LastError)
	}
	fmt.Println()
}
