package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"futures-bot/internal/core"
)

type querierStub struct {
	mu      sync.Mutex
	calls   int
	updates map[string]core.StatusUpdate
	errs    map[string]error
}

func newQuerierStub() *querierStub {
	return &querierStub{
		updates: make(map[string]core.StatusUpdate),
		errs:    make(map[string]error),
	}
}

func (q *querierStub) QueryOrder(_ context.Context, _, clientID string) (core.StatusUpdate, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if err, ok := q.errs[clientID]; ok {
		return core.StatusUpdate{}, err
	}
	if u, ok := q.updates[clientID]; ok {
		return u, nil
	}
	return core.StatusUpdate{}, core.ErrOrderNotFound
}

func marketReq(t *testing.T, key string) core.OrderRequest {
	t.Helper()
	req, err := core.NewMarketOrder("BTCUSDT", core.Buy, decimal.RequireFromString("0.001"), key)
	if err != nil {
		t.Fatalf("NewMarketOrder: %v", err)
	}
	return req
}

func TestRegisterIdempotent(t *testing.T) {
	tr := New(newQuerierStub(), time.Minute)
	req := marketReq(t, "k1")

	rec1, created := tr.Register(req)
	if !created {
		t.Fatal("first register should create")
	}
	if rec1.State != core.OrderPending {
		t.Fatalf("state = %s", rec1.State)
	}
	rec2, created := tr.Register(req)
	if created {
		t.Fatal("second register must not create")
	}
	if rec2.ClientID != rec1.ClientID || rec2.SubmittedAt != rec1.SubmittedAt {
		t.Fatal("second register should return the existing record")
	}
}

func TestApplyAckAndFill(t *testing.T) {
	tr := New(newQuerierStub(), time.Minute)
	tr.Register(marketReq(t, "k1"))

	rec, err := tr.Apply(core.StatusUpdate{ClientID: "k1", ExchangeID: "42", State: core.OrderAcked})
	if err != nil {
		t.Fatalf("Apply ack: %v", err)
	}
	if rec.State != core.OrderAcked || rec.ExchangeID != "42" {
		t.Fatalf("rec = %+v", rec)
	}
	if rec.ConfirmedAt.IsZero() {
		t.Fatal("ConfirmedAt not set on ack")
	}

	rec, err = tr.Apply(core.StatusUpdate{ClientID: "k1", State: core.OrderFilled, FilledQty: decimal.RequireFromString("0.001")})
	if err != nil {
		t.Fatalf("Apply fill: %v", err)
	}
	if rec.State != core.OrderFilled {
		t.Fatalf("state = %s", rec.State)
	}
}

func TestTerminalStateNeverRegresses(t *testing.T) {
	tr := New(newQuerierStub(), time.Minute)
	tr.Register(marketReq(t, "k1"))
	tr.Apply(core.StatusUpdate{ClientID: "k1", ExchangeID: "42", State: core.OrderFilled})

	for _, s := range []core.OrderState{core.OrderAcked, core.OrderPartiallyFilled, core.OrderCanceled, core.OrderPending} {
		rec, err := tr.Apply(core.StatusUpdate{ClientID: "k1", State: s})
		if err != nil {
			t.Fatalf("Apply %s: %v", s, err)
		}
		if rec.State != core.OrderFilled {
			t.Fatalf("terminal state regressed to %s", rec.State)
		}
	}
}

func TestApplyDoesNotMoveBackward(t *testing.T) {
	tr := New(newQuerierStub(), time.Minute)
	tr.Register(marketReq(t, "k1"))
	tr.Apply(core.StatusUpdate{ClientID: "k1", ExchangeID: "42", State: core.OrderPartiallyFilled, FilledQty: decimal.RequireFromString("0.0005")})

	rec, err := tr.Apply(core.StatusUpdate{ClientID: "k1", State: core.OrderAcked})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if rec.State != core.OrderPartiallyFilled {
		t.Fatalf("state moved backward to %s", rec.State)
	}
}

func TestApplyByExchangeID(t *testing.T) {
	tr := New(newQuerierStub(), time.Minute)
	tr.Register(marketReq(t, "k1"))
	tr.Apply(core.StatusUpdate{ClientID: "k1", ExchangeID: "42", State: core.OrderAcked})

	// Stream events may carry only the exchange id.
	rec, err := tr.Apply(core.StatusUpdate{ExchangeID: "42", State: core.OrderFilled})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if rec.ClientID != "k1" || rec.State != core.OrderFilled {
		t.Fatalf("rec = %+v", rec)
	}
}

func TestApplyUnknownOrder(t *testing.T) {
	tr := New(newQuerierStub(), time.Minute)
	_, err := tr.Apply(core.StatusUpdate{ClientID: "ghost", State: core.OrderFilled})
	if !errors.Is(err, core.ErrOrderNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestReconcilePromotesAmbiguousOrder(t *testing.T) {
	q := newQuerierStub()
	tr := New(q, time.Minute)
	tr.Register(marketReq(t, "k1"))
	tr.MarkAmbiguous("k1", core.ErrAmbiguousOutcome)

	q.updates["k1"] = core.StatusUpdate{ClientID: "k1", ExchangeID: "42", State: core.OrderAcked}
	rec, err := tr.Reconcile(context.Background(), "k1")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if rec.State != core.OrderAcked || rec.ExchangeID != "42" {
		t.Fatalf("rec = %+v", rec)
	}
	if rec.LastError != "" {
		t.Fatalf("LastError not cleared: %q", rec.LastError)
	}
}

func TestReconcileRejectsUnknownAfterGrace(t *testing.T) {
	q := newQuerierStub()
	tr := New(q, 10*time.Millisecond)
	tr.Register(marketReq(t, "k1"))
	tr.MarkAmbiguous("k1", core.ErrAmbiguousOutcome)

	time.Sleep(20 * time.Millisecond)
	rec, err := tr.Reconcile(context.Background(), "k1")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if rec.State != core.OrderRejected {
		t.Fatalf("state = %s, want REJECTED", rec.State)
	}
}

func TestReconcileKeepsPendingWithinGrace(t *testing.T) {
	q := newQuerierStub()
	tr := New(q, time.Hour)
	tr.Register(marketReq(t, "k1"))

	rec, err := tr.Reconcile(context.Background(), "k1")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if rec.State != core.OrderPending {
		t.Fatalf("state = %s, want PENDING within grace", rec.State)
	}
}

func TestReconcileSkipsTerminalWithoutQuery(t *testing.T) {
	q := newQuerierStub()
	tr := New(q, time.Minute)
	tr.Register(marketReq(t, "k1"))
	tr.Apply(core.StatusUpdate{ClientID: "k1", ExchangeID: "42", State: core.OrderFilled})

	before := q.calls
	rec, err := tr.Reconcile(context.Background(), "k1")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if rec.State != core.OrderFilled {
		t.Fatalf("state = %s", rec.State)
	}
	if q.calls != before {
		t.Fatal("terminal reconcile must not query the exchange")
	}
}

func TestReconcileSurfacesQueryErrors(t *testing.T) {
	q := newQuerierStub()
	q.errs["k1"] = core.ErrTransientNetwork
	tr := New(q, time.Minute)
	tr.Register(marketReq(t, "k1"))

	_, err := tr.Reconcile(context.Background(), "k1")
	if !errors.Is(err, core.ErrTransientNetwork) {
		t.Fatalf("err = %v", err)
	}
}

func TestOpenSnapshot(t *testing.T) {
	tr := New(newQuerierStub(), time.Minute)
	tr.Register(marketReq(t, "k1"))
	tr.Register(marketReq(t, "k2"))
	tr.Register(marketReq(t, "k3"))
	tr.Apply(core.StatusUpdate{ClientID: "k2", ExchangeID: "2", State: core.OrderFilled})

	open := tr.Open()
	if len(open) != 2 {
		t.Fatalf("open = %d, want 2", len(open))
	}
	for _, rec := range open {
		if rec.State.Terminal() {
			t.Fatalf("terminal record %s in open snapshot", rec.ClientID)
		}
	}
}

func TestFilledQtyMonotonic(t *testing.T) {
	tr := New(newQuerierStub(), time.Minute)
	tr.Register(marketReq(t, "k1"))
	tr.Apply(core.StatusUpdate{ClientID: "k1", ExchangeID: "42", State: core.OrderPartiallyFilled, FilledQty: decimal.RequireFromString("0.0008")})

	rec, _ := tr.Apply(core.StatusUpdate{ClientID: "k1", State: core.OrderPartiallyFilled, FilledQty: decimal.RequireFromString("0.0002")})
	if !rec.FilledQty.Equal(decimal.RequireFromString("0.0008")) {
		t.Fatalf("filled qty regressed: %s", rec.FilledQty)
	}
}

func TestConcurrentRegisterSingleRecord(t *testing.T) {
	tr := New(newQuerierStub(), time.Minute)
	req := marketReq(t, "k1")

	var created int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := tr.Register(req); ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if created != 1 {
		t.Fatalf("created = %d, want exactly 1", created)
	}
}
