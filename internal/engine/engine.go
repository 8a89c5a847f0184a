// Package engine coordinates order submission, cancellation, and
// reconciliation. It owns the pipeline ordering: validate, register for
// idempotency, reserve rate budget, then talk to the exchange, so a malformed
// or duplicate request never consumes budget or touches the network.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"futures-bot/internal/alert"
	"futures-bot/internal/core"
	"futures-bot/internal/exchange"
	"futures-bot/internal/journal"
	"futures-bot/internal/obs"
	"futures-bot/internal/ratelimit"
	"futures-bot/internal/safety"
	"futures-bot/internal/tracker"
)

// Request weights mirror the exchange's published costs per endpoint.
const (
	weightPlaceOrder   = 1
	weightCancelOrder  = 1
	weightQueryOrder   = 1
	weightOpenOrders   = 1
	weightAllOpen      = 40
	weightBalances     = 5
	weightTicker       = 1
	defaultPlaceWindow = 15 * time.Second
)

const (
	circuitPlace  = "place"
	circuitCancel = "cancel"
	circuitQuery  = "query"
)

type Options struct {
	Client  exchange.Client
	Tracker *tracker.Tracker
	Limiter *ratelimit.Limiter
	Breaker *safety.Breaker
	Journal *journal.Journal
	Alerts  alert.Alerter
	Logger  *zap.Logger

	// PlaceWindow bounds how long a placement may stay in flight once it has
	// been committed, independent of the caller's context.
	PlaceWindow time.Duration
}

type Engine struct {
	client      exchange.Client
	tracker     *tracker.Tracker
	limiter     *ratelimit.Limiter
	breaker     *safety.Breaker
	journal     *journal.Journal
	alerts      alert.Alerter
	logger      *zap.Logger
	placeWindow time.Duration
}

func New(opts Options) (*Engine, error) {
	if opts.Client == nil {
		return nil, errors.New("engine requires an exchange client")
	}
	if opts.Tracker == nil {
		return nil, errors.New("engine requires an order tracker")
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.PlaceWindow <= 0 {
		opts.PlaceWindow = defaultPlaceWindow
	}
	return &Engine{
		client:      opts.Client,
		tracker:     opts.Tracker,
		limiter:     opts.Limiter,
		breaker:     opts.Breaker,
		journal:     opts.Journal,
		alerts:      opts.Alerts,
		logger:      opts.Logger,
		placeWindow: opts.PlaceWindow,
	}, nil
}

// Submit places one order, exactly once per ClientID. A repeated ClientID
// returns the existing record without a second network call. A rate-limit
// wait longer than the caller's context deadline fails before any side
// effect, so a timed-out Submit that never reached the limiter is safe to
// retry with the same ClientID.
func (e *Engine) Submit(ctx context.Context, req core.OrderRequest) (core.OrderRecord, error) {
	if err := req.Validate(); err != nil {
		return core.OrderRecord{}, err
	}

	rec, created := e.tracker.Register(req)
	if !created {
		e.logger.Debug("duplicate submission short-circuited",
			zap.String("client_id", req.ClientID),
			zap.String("state", string(rec.State)))
		obs.OperationsTotal.WithLabelValues("place", "duplicate").Inc()
		return rec, nil
	}

	permit, err := e.reserve(ctx, ratelimit.ClassOrder, weightPlaceOrder)
	if err != nil {
		rec, _ = e.tracker.MarkRejected(req.ClientID, err)
		e.record("place", rec, "rejected", err.Error())
		return rec, err
	}
	if err := e.allow(circuitPlace); err != nil {
		// Nothing was dispatched, the weight goes back.
		permit.Cancel()
		rec, _ = e.tracker.MarkRejected(req.ClientID, err)
		e.record("place", rec, "rejected", err.Error())
		return rec, err
	}

	// Once the placement is committed it runs to completion on its own
	// deadline. Tearing it down on caller cancellation would leave the
	// outcome unknown for no reason.
	placeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.placeWindow)
	defer cancel()

	start := time.Now()
	update, err := e.client.PlaceOrder(placeCtx, req)
	obs.OperationLatency.WithLabelValues("place").Observe(time.Since(start).Seconds())

	if err != nil {
		return e.submitFailed(req, err)
	}

	e.breakerSuccess(circuitPlace)
	rec, applyErr := e.tracker.Apply(update)
	if applyErr != nil {
		return rec, applyErr
	}
	e.logger.Info("order placed",
		zap.String("client_id", rec.ClientID),
		zap.String("exchange_id", rec.ExchangeID),
		zap.String("symbol", rec.Symbol),
		zap.String("state", string(rec.State)))
	obs.OperationsTotal.WithLabelValues("place", "acked").Inc()
	e.record("place", rec, "acked", "")
	return rec, nil
}

func (e *Engine) submitFailed(req core.OrderRequest, err error) (core.OrderRecord, error) {
	if errors.Is(err, core.ErrAmbiguousOutcome) {
		rec, _ := e.tracker.MarkAmbiguous(req.ClientID, err)
		e.breakerFailure(circuitPlace)
		e.logger.Warn("order outcome ambiguous, awaiting reconciliation",
			zap.String("client_id", req.ClientID),
			zap.Error(err))
		obs.OperationsTotal.WithLabelValues("place", "ambiguous").Inc()
		e.record("place", rec, "ambiguous", err.Error())
		if e.alerts != nil {
			e.alerts.Important("ambiguous order outcome", map[string]string{
				"client_id": req.ClientID,
				"symbol":    req.Symbol,
				"error":     err.Error(),
			})
		}
		return rec, err
	}

	rec, _ := e.tracker.MarkRejected(req.ClientID, err)
	if errors.Is(err, core.ErrRejectedByExchange) || errors.Is(err, core.ErrInvalidRequest) {
		// The exchange answered, the circuit is healthy.
		e.breakerSuccess(circuitPlace)
	} else {
		e.breakerFailure(circuitPlace)
	}
	e.logger.Warn("order rejected",
		zap.String("client_id", req.ClientID),
		zap.Error(err))
	obs.OperationsTotal.WithLabelValues("place", "rejected").Inc()
	e.record("place", rec, "rejected", err.Error())
	return rec, err
}

// Cancel cancels a tracked order by its ClientID. Canceling an untracked id
// returns ErrOrderNotFound; canceling a terminal order returns
// ErrAlreadyTerminal with the record as it stands.
func (e *Engine) Cancel(ctx context.Context, clientID string) (core.OrderRecord, error) {
	rec, ok := e.tracker.Get(clientID)
	if !ok {
		return core.OrderRecord{}, fmt.Errorf("%w: %s", core.ErrOrderNotFound, clientID)
	}
	if rec.State.Terminal() {
		return rec, fmt.Errorf("%w: %s is %s", core.ErrAlreadyTerminal, clientID, rec.State)
	}

	permit, err := e.reserve(ctx, ratelimit.ClassOrder, weightCancelOrder)
	if err != nil {
		return rec, err
	}
	if err := e.allow(circuitCancel); err != nil {
		permit.Cancel()
		return rec, err
	}

	start := time.Now()
	update, err := e.client.CancelOrder(ctx, rec.Symbol, clientID)
	obs.OperationLatency.WithLabelValues("cancel").Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, core.ErrOrderNotFound) {
			// Not open on the exchange. The true state is whatever a
			// reconciliation query reports.
			e.breakerSuccess(circuitCancel)
			obs.OperationsTotal.WithLabelValues("cancel", "not_open").Inc()
			return e.Reconcile(ctx, clientID)
		}
		if errors.Is(err, core.ErrTransientNetwork) || errors.Is(err, core.ErrRateExceeded) {
			e.breakerFailure(circuitCancel)
		} else {
			e.breakerSuccess(circuitCancel)
		}
		e.logger.Warn("cancel failed",
			zap.String("client_id", clientID),
			zap.Error(err))
		obs.OperationsTotal.WithLabelValues("cancel", "failed").Inc()
		e.record("cancel", rec, "failed", err.Error())
		return rec, err
	}

	e.breakerSuccess(circuitCancel)
	rec, applyErr := e.tracker.Apply(update)
	if applyErr != nil {
		return rec, applyErr
	}
	e.logger.Info("order canceled",
		zap.String("client_id", rec.ClientID),
		zap.String("state", string(rec.State)))
	obs.OperationsTotal.WithLabelValues("cancel", "canceled").Inc()
	e.record("cancel", rec, "canceled", "")
	return rec, nil
}

// Reconcile queries the exchange for one order's authoritative state and
// applies it to the tracker.
func (e *Engine) Reconcile(ctx context.Context, clientID string) (core.OrderRecord, error) {
	if rec, ok := e.tracker.Get(clientID); ok && rec.State.Terminal() {
		return rec, nil
	}
	permit, err := e.reserve(ctx, ratelimit.ClassQuery, weightQueryOrder)
	if err != nil {
		return core.OrderRecord{}, err
	}
	if err := e.allow(circuitQuery); err != nil {
		permit.Cancel()
		return core.OrderRecord{}, err
	}

	rec, err := e.tracker.Reconcile(ctx, clientID)
	if err != nil {
		e.breakerFailure(circuitQuery)
		obs.ReconciliationsTotal.WithLabelValues("error").Inc()
		return rec, err
	}
	e.breakerSuccess(circuitQuery)
	obs.ReconciliationsTotal.WithLabelValues("resolved").Inc()
	return rec, nil
}

// ReconcileOpen sweeps every tracked non-terminal order through Reconcile.
// It keeps going past individual failures and returns them joined, so one
// flaky query does not leave the rest of the book stale.
func (e *Engine) ReconcileOpen(ctx context.Context) error {
	open := e.tracker.Open()
	if len(open) == 0 {
		return nil
	}
	e.logger.Info("reconciling open orders", zap.Int("count", len(open)))

	var errs []error
	for _, rec := range open {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if _, err := e.Reconcile(ctx, rec.ClientID); err != nil {
			e.logger.Warn("reconcile failed",
				zap.String("client_id", rec.ClientID),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("reconcile %s: %w", rec.ClientID, err))
		}
	}
	return errors.Join(errs...)
}

// Order returns the tracked record for a ClientID.
func (e *Engine) Order(clientID string) (core.OrderRecord, error) {
	rec, ok := e.tracker.Get(clientID)
	if !ok {
		return core.OrderRecord{}, fmt.Errorf("%w: %s", core.ErrOrderNotFound, clientID)
	}
	return rec, nil
}

// OpenOrders lists live orders straight from the exchange. An empty symbol
// lists across all symbols at a much higher request weight.
func (e *Engine) OpenOrders(ctx context.Context, symbol string) ([]core.OpenOrder, error) {
	weight := weightOpenOrders
	if symbol == "" {
		weight = weightAllOpen
	}
	if _, err := e.reserve(ctx, ratelimit.ClassQuery, weight); err != nil {
		return nil, err
	}
	return e.client.OpenOrders(ctx, symbol)
}

// Balances is a read-through snapshot, never cached.
func (e *Engine) Balances(ctx context.Context) ([]core.Balance, error) {
	if _, err := e.reserve(ctx, ratelimit.ClassQuery, weightBalances); err != nil {
		return nil, err
	}
	return e.client.Balances(ctx)
}

func (e *Engine) Price(ctx context.Context, symbol string) (core.PriceQuote, error) {
	if _, err := e.reserve(ctx, ratelimit.ClassQuery, weightTicker); err != nil {
		return core.PriceQuote{}, err
	}
	return e.client.TickerPrice(ctx, symbol)
}

func (e *Engine) reserve(ctx context.Context, class ratelimit.Class, weight int) (*ratelimit.Permit, error) {
	start := time.Now()
	permit, err := e.limiter.Reserve(ctx, class, weight)
	obs.RateLimitWait.WithLabelValues(string(class)).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("reserve %s budget: %w", class, err)
	}
	return permit, nil
}

func (e *Engine) allow(circuit string) error {
	if e.breaker == nil {
		return nil
	}
	return e.breaker.Allow(circuit)
}

func (e *Engine) breakerSuccess(circuit string) {
	if e.breaker != nil {
		e.breaker.Success(circuit)
	}
}

func (e *Engine) breakerFailure(circuit string) {
	if e.breaker != nil {
		e.breaker.Failure(circuit)
	}
}

func (e *Engine) record(op string, rec core.OrderRecord, outcome, detail string) {
	if e.journal == nil {
		return
	}
	event := journal.Event{
		Operation:  op,
		ClientID:   rec.ClientID,
		ExchangeID: rec.ExchangeID,
		Symbol:     rec.Symbol,
		Outcome:    outcome,
		Detail:     detail,
		Record:     &rec,
	}
	if err := e.journal.Append(event); err != nil {
		e.logger.Warn("journal append failed",
			zap.String("operation", op),
			zap.String("client_id", rec.ClientID),
			zap.Error(err))
	}
}
