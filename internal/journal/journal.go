// Package journal appends one event per engine operation to date-partitioned
// JSONL files. The journal is the durable trail of what this process asked
// the exchange to do; it is never read back for order state, the exchange is
// the source of truth on restart.
package journal

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"futures-bot/internal/core"
)

// Event is one journaled engine operation.
type Event struct {
	Time       time.Time         `json:"time"`
	Operation  string            `json:"operation"`
	ClientID   string            `json:"client_id,omitempty"`
	ExchangeID string            `json:"exchange_id,omitempty"`
	Symbol     string            `json:"symbol,omitempty"`
	Outcome    string            `json:"outcome"`
	Detail     string            `json:"detail,omitempty"`
	Record     *core.OrderRecord `json:"record,omitempty"`
}

type Journal struct {
	root string
	mu   sync.Mutex
}

func New(root string) (*Journal, error) {
	if root == "" {
		return nil, errors.New("journal dir required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Journal{root: root}, nil
}

// Append writes the event to the current day's file and fsyncs it.
func (j *Journal) Append(event Event) error {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	date := event.Time.UTC().Format("2006-01-02")
	path := filepath.Join(j.root, date+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}
