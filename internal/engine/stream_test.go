package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"futures-bot/internal/core"
	"futures-bot/internal/tracker"
)

// stubSource replays scripted updates, then fails with failErr.
type stubSource struct {
	updates []core.StatusUpdate
	failErr error
	closed  bool
}

func (s *stubSource) Updates(ctx context.Context) (<-chan core.StatusUpdate, <-chan error) {
	updates := make(chan core.StatusUpdate)
	errs := make(chan error, 1)
	go func() {
		defer close(updates)
		for _, u := range s.updates {
			select {
			case updates <- u:
			case <-ctx.Done():
				return
			}
		}
		if s.failErr != nil {
			errs <- s.failErr
		}
	}()
	return updates, errs
}

func (s *stubSource) Close() error {
	s.closed = true
	return nil
}

type stubDialer struct {
	mu       sync.Mutex
	sources  []*stubSource
	connects int
	dialErr  error
}

func (d *stubDialer) Connect(context.Context) (StreamSource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connects++
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	if len(d.sources) == 0 {
		return &stubSource{failErr: errors.New("no more sources")}, nil
	}
	src := d.sources[0]
	d.sources = d.sources[1:]
	return src, nil
}

func (d *stubDialer) connected() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects
}

func newStreamTest(t *testing.T, client *spyClient, dialer StreamDialer) (*StreamReconciler, *tracker.Tracker, *Engine) {
	t.Helper()
	eng, trk := newTestEngine(t, client)
	sr, err := NewStreamReconciler(StreamOptions{
		Engine:         eng,
		Dialer:         dialer,
		Logger:         zap.NewNop(),
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new stream reconciler: %v", err)
	}
	return sr, trk, eng
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestStreamAppliesFillEvents(t *testing.T) {
	client := &spyClient{}
	src := &stubSource{
		updates: []core.StatusUpdate{{
			ClientID:  "ord-1",
			Symbol:    "BTCUSDT",
			State:     core.OrderFilled,
			FilledQty: decimal.NewFromFloat(0.01),
			Time:      time.Now().UTC(),
		}},
	}
	dialer := &stubDialer{sources: []*stubSource{src}}
	sr, trk, eng := newStreamTest(t, client, dialer)

	if _, err := eng.Submit(context.Background(), limitOrder(t, "ord-1")); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sr.Run(ctx)
	}()

	waitFor(t, time.Second, func() bool {
		rec, ok := trk.Get("ord-1")
		return ok && rec.State == core.OrderFilled
	})

	cancel()
	<-done
}

func TestStreamReconnectSweepPromotesMissedFill(t *testing.T) {
	// The fill happens while disconnected: no stream event ever arrives, the
	// post-reconnect sweep has to find it by query.
	client := &spyClient{queryState: core.OrderFilled}
	first := &stubSource{failErr: errors.New("connection reset")}
	second := &stubSource{}
	dialer := &stubDialer{sources: []*stubSource{first, second}}
	sr, trk, eng := newStreamTest(t, client, dialer)

	if _, err := eng.Submit(context.Background(), limitOrder(t, "ord-gap")); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sr.Run(ctx)
	}()

	waitFor(t, time.Second, func() bool {
		rec, ok := trk.Get("ord-gap")
		return ok && rec.State == core.OrderFilled
	})
	if dialer.connected() < 2 {
		t.Fatalf("connects = %d, want at least 2", dialer.connected())
	}

	cancel()
	<-done
}

func TestStreamIgnoresUntrackedOrderEvents(t *testing.T) {
	client := &spyClient{}
	src := &stubSource{
		updates: []core.StatusUpdate{{
			ClientID: "someone-elses-order",
			Symbol:   "BTCUSDT",
			State:    core.OrderFilled,
			Time:     time.Now().UTC(),
		}},
	}
	dialer := &stubDialer{sources: []*stubSource{src}}
	sr, trk, _ := newStreamTest(t, client, dialer)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sr.Run(ctx)
	}()

	waitFor(t, time.Second, func() bool { return dialer.connected() >= 1 })
	time.Sleep(10 * time.Millisecond)
	if _, ok := trk.Get("someone-elses-order"); ok {
		t.Fatal("untracked order must not be created from a stream event")
	}

	cancel()
	<-done
}

func TestStreamRunStopsOnCancel(t *testing.T) {
	client := &spyClient{}
	dialer := &stubDialer{dialErr: errors.New("dns failure")}
	sr, _, _ := newStreamTest(t, client, dialer)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sr.Run(ctx) }()

	waitFor(t, time.Second, func() bool { return dialer.connected() >= 2 })
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not stop after cancel")
	}
}
