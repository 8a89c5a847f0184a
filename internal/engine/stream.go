package engine

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"strconv"
	"time"

	"go.uber.org/zap"

	"futures-bot/internal/core"
	"futures-bot/internal/obs"
	"futures-bot/internal/safety"
)

const circuitStream = "stream"

// StreamSource is one live user-data connection. Updates closes its channels
// when the connection dies; Close releases the connection.
type StreamSource interface {
	Updates(ctx context.Context) (<-chan core.StatusUpdate, <-chan error)
	Close() error
}

// StreamDialer opens a fresh user-data connection.
type StreamDialer interface {
	Connect(ctx context.Context) (StreamSource, error)
}

// DialerFunc adapts a function to StreamDialer.
type DialerFunc func(ctx context.Context) (StreamSource, error)

func (f DialerFunc) Connect(ctx context.Context) (StreamSource, error) { return f(ctx) }

// StreamReconciler keeps the tracker current from the exchange's user-data
// stream. Stream events are hints, not the source of truth: after every
// (re)connect it sweeps all open orders through a query-based reconcile to
// close the gap the disconnect opened.
type StreamReconciler struct {
	engine  *Engine
	dialer  StreamDialer
	logger  *zap.Logger
	alerts  alerter
	breaker *safety.Breaker

	initialBackoff time.Duration
	maxBackoff     time.Duration
}

type alerter interface {
	Important(event string, fields map[string]string)
}

type StreamOptions struct {
	Engine *Engine
	Dialer StreamDialer
	Logger *zap.Logger

	// InitialBackoff and MaxBackoff bound the reconnect delay. Defaults are
	// 1s doubling to 30s, with jitter.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func NewStreamReconciler(opts StreamOptions) (*StreamReconciler, error) {
	if opts.Engine == nil {
		return nil, errors.New("stream reconciler requires an engine")
	}
	if opts.Dialer == nil {
		return nil, errors.New("stream reconciler requires a dialer")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	return &StreamReconciler{
		engine:         opts.Engine,
		dialer:         opts.Dialer,
		logger:         opts.Logger,
		alerts:         opts.Engine.alerts,
		breaker:        opts.Engine.breaker,
		initialBackoff: opts.InitialBackoff,
		maxBackoff:     opts.MaxBackoff,
	}, nil
}

// Run connects, consumes, and reconnects until ctx is canceled, then returns
// ctx.Err(). A tripped stream circuit slows the redial loop down to the
// cooldown cadence but never stops it.
func (s *StreamReconciler) Run(ctx context.Context) error {
	backoff := s.initialBackoff
	attempts := 0
	var downSince time.Time

	for {
		if attempts > 0 {
			if s.breaker != nil {
				if err := s.breaker.Allow(circuitStream); err != nil {
					select {
					case <-time.After(backoff):
						continue
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}
			obs.StreamReconnectsTotal.Inc()
		}

		err := s.runOnce(ctx, &attempts, &downSince, &backoff)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if downSince.IsZero() {
			downSince = time.Now().UTC()
			s.logger.Warn("user stream disconnected", zap.Error(err))
			if s.alerts != nil {
				s.alerts.Important("user stream disconnected", map[string]string{
					"error": err.Error(),
				})
			}
		}
		if s.breaker != nil {
			s.breaker.Failure(circuitStream)
		}
		attempts++

		select {
		case <-time.After(jitter(backoff)):
		case <-ctx.Done():
			return ctx.Err()
		}
		if backoff < s.maxBackoff {
			backoff *= 2
			if backoff > s.maxBackoff {
				backoff = s.maxBackoff
			}
		}
	}
}

func (s *StreamReconciler) runOnce(ctx context.Context, attempts *int, downSince *time.Time, backoff *time.Duration) error {
	src, err := s.dialer.Connect(ctx)
	if err != nil {
		return err
	}
	defer src.Close()

	if s.breaker != nil {
		s.breaker.Success(circuitStream)
	}
	if *attempts > 0 {
		s.logger.Info("user stream reconnected",
			zap.Int("attempts", *attempts),
			zap.Duration("down", time.Since(*downSince).Round(time.Second)))
		if s.alerts != nil {
			s.alerts.Important("user stream reconnected", map[string]string{
				"attempts": strconv.Itoa(*attempts),
				"down":     time.Since(*downSince).Round(time.Second).String(),
			})
		}
		*attempts = 0
		*downSince = time.Time{}
		*backoff = s.initialBackoff
	}

	// Any fill or cancel that happened while disconnected is invisible to
	// the stream. Sweep the open book before trusting live events again.
	if err := s.engine.ReconcileOpen(ctx); err != nil {
		s.logger.Warn("post-connect reconcile incomplete", zap.Error(err))
	}

	updates, errs := src.Updates(ctx)
	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return io.ErrUnexpectedEOF
			}
			s.apply(update)
		case err, ok := <-errs:
			if !ok {
				return io.ErrUnexpectedEOF
			}
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *StreamReconciler) apply(update core.StatusUpdate) {
	obs.StreamEventsTotal.Inc()
	rec, err := s.engine.tracker.Apply(update)
	if err != nil {
		if errors.Is(err, core.ErrOrderNotFound) {
			// An order this process never placed, e.g. one submitted
			// manually on the same account. Not ours to track.
			s.logger.Debug("ignoring event for untracked order",
				zap.String("client_id", update.ClientID),
				zap.String("exchange_id", update.ExchangeID))
			return
		}
		s.logger.Warn("stream event apply failed",
			zap.String("client_id", update.ClientID),
			zap.Error(err))
		return
	}
	s.logger.Info("order update",
		zap.String("client_id", rec.ClientID),
		zap.String("state", string(rec.State)),
		zap.String("filled_qty", rec.FilledQty.String()))
	s.engine.record("stream", rec, string(rec.State), "")
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	// Up to 25% extra avoids synchronized reconnect storms.
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}
