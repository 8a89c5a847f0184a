// Package ratelimit enforces the exchange's published request budgets.
//
// Binance meters REST calls in weight units per interval, with separate
// budgets for order placement and everything else. Each weight class is a
// token bucket refilled at a constant rate; a reservation consumes the call's
// weight atomically with the grant, so concurrent callers can never
// over-commit an exhausted budget.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"futures-bot/internal/core"
)

// Class names an exchange weight class with an independent budget.
type Class string

const (
	// ClassOrder covers order placement and cancellation.
	ClassOrder Class = "order"
	// ClassQuery covers market data and account reads.
	ClassQuery Class = "query"
)

// Limiter is a set of per-class token buckets. Safe for concurrent use;
// blocking on one class never delays reservations against another.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[Class]*bucket
}

type bucket struct {
	mu         sync.Mutex
	rate       float64 // weight units refilled per second
	burst      float64 // bucket capacity
	tokens     float64
	lastRefill time.Time
}

func New() *Limiter {
	return &Limiter{buckets: make(map[Class]*bucket)}
}

// AddClass registers a weight class refilled at rate units/sec with the given
// burst capacity. Burst below rate is raised to rate.
func (l *Limiter) AddClass(class Class, rate, burst float64) {
	if rate <= 0 {
		rate = 1
	}
	if burst < rate {
		burst = rate
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[class] = &bucket{
		rate:       rate,
		burst:      burst,
		tokens:     burst,
		lastRefill: time.Now(),
	}
}

// Permit is a granted reservation. Cancel refunds the weight when the guarded
// call was never dispatched.
type Permit struct {
	bucket *bucket
	weight float64
	done   bool
}

// Reserve blocks until weight units are available in the class bucket or ctx
// expires, in which case it fails with core.ErrRateExceeded. A class that was
// never registered is unmetered.
func (l *Limiter) Reserve(ctx context.Context, class Class, weight int) (*Permit, error) {
	if weight <= 0 {
		weight = 1
	}
	l.mu.RLock()
	b, ok := l.buckets[class]
	l.mu.RUnlock()
	if !ok {
		return &Permit{done: true}, nil
	}
	w := float64(weight)
	if w > b.burst {
		return nil, fmt.Errorf("%w: weight %d exceeds class %q burst %.0f", core.ErrRateExceeded, weight, string(class), b.burst)
	}
	for {
		b.mu.Lock()
		b.refill()
		if b.tokens >= w {
			b.tokens -= w
			b.mu.Unlock()
			return &Permit{bucket: b, weight: w}, nil
		}
		wait := time.Duration((w - b.tokens) / b.rate * float64(time.Second))
		b.mu.Unlock()

		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
			return nil, fmt.Errorf("%w: class %q needs %s, deadline in %s",
				core.ErrRateExceeded, string(class), wait, time.Until(deadline))
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", core.ErrRateExceeded, ctx.Err())
		}
	}
}

// Allow reports whether weight units are immediately available, consuming
// them if so.
func (l *Limiter) Allow(class Class, weight int) bool {
	if weight <= 0 {
		weight = 1
	}
	l.mu.RLock()
	b, ok := l.buckets[class]
	l.mu.RUnlock()
	if !ok {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if b.tokens >= float64(weight) {
		b.tokens -= float64(weight)
		return true
	}
	return false
}

// Tokens returns the current budget of a class, for monitoring.
func (l *Limiter) Tokens(class Class) float64 {
	l.mu.RLock()
	b, ok := l.buckets[class]
	l.mu.RUnlock()
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// Cancel refunds the permit's weight. Only valid when the guarded request was
// never sent; calling it twice is a no-op.
func (p *Permit) Cancel() {
	if p == nil || p.done || p.bucket == nil {
		return
	}
	p.done = true
	p.bucket.mu.Lock()
	defer p.bucket.mu.Unlock()
	p.bucket.tokens += p.weight
	if p.bucket.tokens > p.bucket.burst {
		p.bucket.tokens = p.bucket.burst
	}
}

// refill is called under b.mu.
func (b *bucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.lastRefill = now
}
