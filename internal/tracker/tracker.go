// Package tracker keeps the authoritative in-process record of every order
// this process has submitted and reconciles it against the exchange.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"futures-bot/internal/core"
)

// OrderQuerier fetches the exchange's view of an order. Implementations
// return core.ErrOrderNotFound when the exchange does not know the order.
type OrderQuerier interface {
	QueryOrder(ctx context.Context, symbol, clientID string) (core.StatusUpdate, error)
}

// Tracker is safe for concurrent use. The record map is guarded by a read
// lock for lookups; each record carries its own mutex, so reconciliations of
// the same record serialize while different records proceed independently.
type Tracker struct {
	querier OrderQuerier
	grace   time.Duration

	mu     sync.RWMutex
	byKey  map[string]*entry
	byExch map[string]string // exchange order id -> client id
}

type entry struct {
	mu  sync.Mutex
	rec core.OrderRecord
}

// DefaultGracePeriod bounds how long an unacknowledged order may stay
// ambiguous: once reconciliation finds it unknown to the exchange after this
// long, it is settled as REJECTED.
const DefaultGracePeriod = 30 * time.Second

func New(querier OrderQuerier, grace time.Duration) *Tracker {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Tracker{
		querier: querier,
		grace:   grace,
		byKey:   make(map[string]*entry),
		byExch:  make(map[string]string),
	}
}

// Register records a submission attempt. Idempotent on the request's client
// id: a repeated key returns the existing record and created=false, and the
// caller must not issue another network call.
func (t *Tracker) Register(req core.OrderRequest) (core.OrderRecord, bool) {
	t.mu.Lock()
	if e, ok := t.byKey[req.ClientID]; ok {
		t.mu.Unlock()
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.rec, false
	}
	e := &entry{rec: core.OrderRecord{
		ClientID:    req.ClientID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Qty:         req.Qty,
		Price:       req.Price,
		State:       core.OrderPending,
		FilledQty:   decimal.Zero,
		SubmittedAt: time.Now().UTC(),
	}}
	t.byKey[req.ClientID] = e
	t.mu.Unlock()
	return e.rec, true
}

// Get returns the record for a client id.
func (t *Tracker) Get(clientID string) (core.OrderRecord, bool) {
	e, ok := t.lookup(clientID)
	if !ok {
		return core.OrderRecord{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, true
}

// GetByExchangeID returns the record holding the given exchange order id.
func (t *Tracker) GetByExchangeID(exchangeID string) (core.OrderRecord, bool) {
	t.mu.RLock()
	clientID, ok := t.byExch[exchangeID]
	t.mu.RUnlock()
	if !ok {
		return core.OrderRecord{}, false
	}
	return t.Get(clientID)
}

// Open returns a snapshot of all non-terminal records, for reconciliation
// sweeps.
func (t *Tracker) Open() []core.OrderRecord {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.byKey))
	for _, e := range t.byKey {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	open := make([]core.OrderRecord, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.rec.State.Terminal() {
			open = append(open, e.rec)
		}
		e.mu.Unlock()
	}
	return open
}

// Apply folds an exchange-reported status into the record, whether it came
// from a placement ack, a reconciliation query, or the user-data stream. All
// paths share the same transition rules; a terminal record never regresses.
func (t *Tracker) Apply(update core.StatusUpdate) (core.OrderRecord, error) {
	e, ok := t.lookup(update.ClientID)
	if !ok && update.ExchangeID != "" {
		t.mu.RLock()
		clientID, found := t.byExch[update.ExchangeID]
		t.mu.RUnlock()
		if found {
			e, ok = t.lookup(clientID)
		}
	}
	if !ok {
		return core.OrderRecord{}, fmt.Errorf("%w: client id %q", core.ErrOrderNotFound, update.ClientID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	t.applyLocked(e, update)
	return e.rec, nil
}

// MarkRejected settles a pending record as rejected with the placement error.
func (t *Tracker) MarkRejected(clientID string, cause error) (core.OrderRecord, error) {
	e, ok := t.lookup(clientID)
	if !ok {
		return core.OrderRecord{}, fmt.Errorf("%w: client id %q", core.ErrOrderNotFound, clientID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.rec.State.Terminal() {
		e.rec.State = core.OrderRejected
		if cause != nil {
			e.rec.LastError = cause.Error()
		}
	}
	return e.rec, nil
}

// MarkAmbiguous records a dispatch whose outcome is unknown. The record stays
// PENDING; only Reconcile settles it.
func (t *Tracker) MarkAmbiguous(clientID string, cause error) (core.OrderRecord, error) {
	e, ok := t.lookup(clientID)
	if !ok {
		return core.OrderRecord{}, fmt.Errorf("%w: client id %q", core.ErrOrderNotFound, clientID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.rec.State.Terminal() && cause != nil {
		e.rec.LastError = cause.Error()
	}
	return e.rec, nil
}

// Reconcile queries the exchange for authoritative state and updates the
// record. An order the exchange does not know is left pending within the
// grace period (the ack may still be in flight) and settled as REJECTED once
// the grace period has passed.
func (t *Tracker) Reconcile(ctx context.Context, clientID string) (core.OrderRecord, error) {
	e, ok := t.lookup(clientID)
	if !ok {
		return core.OrderRecord{}, fmt.Errorf("%w: client id %q", core.ErrOrderNotFound, clientID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec.State.Terminal() {
		return e.rec, nil
	}
	update, err := t.querier.QueryOrder(ctx, e.rec.Symbol, clientID)
	if err != nil {
		if errors.Is(err, core.ErrOrderNotFound) {
			if time.Since(e.rec.SubmittedAt) >= t.grace {
				e.rec.State = core.OrderRejected
				e.rec.LastError = "unknown to exchange after grace period"
			}
			return e.rec, nil
		}
		return e.rec, err
	}
	t.applyLocked(e, update)
	return e.rec, nil
}

func (t *Tracker) lookup(clientID string) (*entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.byKey[clientID]
	return e, ok
}

// stateRank orders states so transitions only ever move forward.
func stateRank(s core.OrderState) int {
	switch s {
	case core.OrderPending:
		return 0
	case core.OrderAcked:
		return 1
	case core.OrderPartiallyFilled:
		return 2
	default: // terminal
		return 3
	}
}

// applyLocked is called with e.mu held.
func (t *Tracker) applyLocked(e *entry, update core.StatusUpdate) {
	if e.rec.State.Terminal() {
		return
	}
	if update.ExchangeID != "" && e.rec.ExchangeID == "" {
		e.rec.ExchangeID = update.ExchangeID
		t.mu.Lock()
		t.byExch[update.ExchangeID] = e.rec.ClientID
		t.mu.Unlock()
	}
	if update.FilledQty.Cmp(e.rec.FilledQty) > 0 {
		e.rec.FilledQty = update.FilledQty
	}
	if stateRank(update.State) < stateRank(e.rec.State) {
		return
	}
	if e.rec.State == core.OrderPending {
		if update.Time.IsZero() {
			e.rec.ConfirmedAt = time.Now().UTC()
		} else {
			e.rec.ConfirmedAt = update.Time.UTC()
		}
	}
	e.rec.State = update.State
	e.rec.LastError = ""
}
