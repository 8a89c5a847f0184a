// Package safety contains circuit breakers that stop order flow when the
// exchange repeatedly fails, and pace reconnect attempts for the user stream.
package safety

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrCircuitOpen is returned when a guarded operation is refused because its
// circuit has tripped and the cooldown has not elapsed.
var ErrCircuitOpen = errors.New("circuit open")

// Alerter receives a notification when a circuit trips or recovers.
type Alerter interface {
	Important(event string, fields map[string]string)
}

type circuitState int

const (
	stateClosed circuitState = iota
	stateOpen
	stateHalfOpen
)

func (s circuitState) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config sets the trip threshold and cooldown shared by all circuits of one
// Breaker.
type Config struct {
	// FailureThreshold consecutive failures trip a circuit.
	FailureThreshold int
	// Cooldown is how long a tripped circuit refuses calls before allowing
	// a single probe.
	Cooldown time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// Breaker tracks one circuit per named operation. Each circuit trips after
// FailureThreshold consecutive failures, refuses calls for Cooldown, then
// lets one probe through; a probe success closes the circuit again.
type Breaker struct {
	cfg     Config
	logger  *zap.Logger
	alerter Alerter

	mu       sync.Mutex
	circuits map[string]*circuit
}

type circuit struct {
	state    circuitState
	failures int
	openedAt time.Time
}

func NewBreaker(cfg Config, logger *zap.Logger, alerter Alerter) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		cfg:      cfg,
		logger:   logger,
		alerter:  alerter,
		circuits: make(map[string]*circuit),
	}
}

// Allow reports whether the named operation may proceed. When an open
// circuit's cooldown has elapsed, Allow moves it to half-open and permits a
// single probe call.
func (b *Breaker) Allow(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(name)
	switch c.state {
	case stateClosed:
		return nil
	case stateHalfOpen:
		// A probe is already in flight.
		return fmt.Errorf("%s: %w", name, ErrCircuitOpen)
	case stateOpen:
		if time.Since(c.openedAt) < b.cfg.Cooldown {
			return fmt.Errorf("%s: %w", name, ErrCircuitOpen)
		}
		c.state = stateHalfOpen
		b.logger.Info("circuit half-open, allowing probe", zap.String("circuit", name))
		return nil
	}
	return nil
}

// Success records a successful call and closes the circuit.
func (b *Breaker) Success(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(name)
	recovered := c.state != stateClosed
	c.state = stateClosed
	c.failures = 0
	if recovered {
		b.logger.Info("circuit closed after recovery", zap.String("circuit", name))
		if b.alerter != nil {
			b.alerter.Important("circuit recovered", map[string]string{"circuit": name})
		}
	}
}

// Failure records a failed call. A half-open probe failure reopens the
// circuit immediately; in the closed state the circuit trips once the
// consecutive failure count reaches the threshold.
func (b *Breaker) Failure(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(name)
	switch c.state {
	case stateHalfOpen:
		b.trip(name, c)
	case stateClosed:
		c.failures++
		if c.failures >= b.cfg.FailureThreshold {
			b.trip(name, c)
		}
	case stateOpen:
		// Already open, nothing to count.
	}
}

// State returns the current state name of a circuit, for status output.
func (b *Breaker) State(name string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.circuit(name).state.String()
}

func (b *Breaker) trip(name string, c *circuit) {
	c.state = stateOpen
	c.openedAt = time.Now()
	c.failures = 0
	b.logger.Warn("circuit tripped",
		zap.String("circuit", name),
		zap.Duration("cooldown", b.cfg.Cooldown))
	if b.alerter != nil {
		b.alerter.Important("circuit tripped", map[string]string{
			"circuit":  name,
			"cooldown": b.cfg.Cooldown.String(),
		})
	}
}

func (b *Breaker) circuit(name string) *circuit {
	c, ok := b.circuits[name]
	if !ok {
		c = &circuit{state: stateClosed}
		b.circuits[name] = c
	}
	return c
}
