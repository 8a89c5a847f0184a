// Package alert delivers important operational events (ambiguous outcomes,
// stream disconnects, tripped circuits) to an external notifier without
// blocking the trading path.
package alert

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Notifier sends one rendered message to an external channel.
type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// Alerter is the surface the engine and stream depend on.
type Alerter interface {
	Important(event string, fields map[string]string)
}

const (
	defaultQueueSize     = 128
	defaultNotifyTimeout = 10 * time.Second
)

// Manager queues events and delivers them asynchronously. A full queue drops
// the event rather than stalling a caller.
type Manager struct {
	symbol   string
	notifier Notifier
	logger   *zap.Logger
	queue    chan event
	stop     chan struct{}
	done     chan struct{}

	mu     sync.RWMutex
	closed bool
}

type event struct {
	name   string
	fields map[string]string
}

func NewManager(symbol string, notifier Notifier, logger *zap.Logger) *Manager {
	if notifier == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		symbol:   symbol,
		notifier: notifier,
		logger:   logger,
		queue:    make(chan event, defaultQueueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.loop()
	return m
}

func (m *Manager) Important(name string, fields map[string]string) {
	if m == nil || m.notifier == nil {
		return
	}
	ev := event{name: name, fields: cloneFields(fields)}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- ev:
	default:
		m.logger.Warn("alert dropped, queue full", zap.String("event", name))
	}
}

// Close stops delivery after draining what is already queued, bounded by ctx.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	close(m.stop)
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop() {
	defer close(m.done)
	for {
		select {
		case ev := <-m.queue:
			m.deliver(ev)
		case <-m.stop:
			for {
				select {
				case ev := <-m.queue:
					m.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) deliver(ev event) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultNotifyTimeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, m.render(ev)); err != nil {
		m.logger.Warn("alert delivery failed",
			zap.String("event", ev.name), zap.Error(err))
	}
}

func (m *Manager) render(ev event) string {
	var b strings.Builder
	b.WriteString("[futures-bot")
	if m.symbol != "" {
		b.WriteString(" ")
		b.WriteString(m.symbol)
	}
	b.WriteString("] ")
	b.WriteString(ev.name)
	keys := make([]string, 0, len(ev.fields))
	for k := range ev.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n")
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(ev.fields[k])
	}
	return b.String()
}

func cloneFields(fields map[string]string) map[string]string {
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
