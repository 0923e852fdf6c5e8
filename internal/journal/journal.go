// Package journal persists decisions and order lifecycle transitions as an
// append-only JSONL file. It is the dedup horizon for decision keys across
// restarts and the audit trail for every order the agent touches.
package journal

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type DecisionRecord struct {
	Key          string    `json:"key"`
	Instrument   string    `json:"instrument"`
	Direction    string    `json:"direction"`
	Confidence   float64   `json:"confidence"`
	Cancel       bool      `json:"cancel,omitempty"`
	Capped       bool      `json:"capped,omitempty"`
	DecidedAt    time.Time `json:"decided_at"`
	Contributing []string  `json:"contributing,omitempty"`
}

type OrderRecord struct {
	DecisionKey string    `json:"decision_key"`
	OrderID     string    `json:"order_id,omitempty"`
	Instrument  string    `json:"instrument"`
	Side        string    `json:"side"`
	SizeUSD     float64   `json:"size_usd"`
	State       string    `json:"state"`
	Reason      string    `json:"reason,omitempty"`
	Attempt     int       `json:"attempt,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

type FillRecord struct {
	DecisionKey string    `json:"decision_key"`
	OrderID     string    `json:"order_id"`
	Instrument  string    `json:"instrument"`
	Quantity    float64   `json:"quantity"`
	Price       float64   `json:"price"`
	Timestamp   time.Time `json:"timestamp"`
}

type Entry struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Event time.Time       `json:"event"`
}

type Journal struct {
	mu           sync.Mutex
	path         string
	dedupHorizon time.Duration
}

func New(path string, dedupHorizonSecs int) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return &Journal{
		path:         path,
		dedupHorizon: time.Duration(dedupHorizonSecs) * time.Second,
	}, nil
}

func (j *Journal) WriteDecision(rec DecisionRecord) error { return j.append("decision", rec) }
func (j *Journal) WriteOrder(rec OrderRecord) error       { return j.append("order", rec) }
func (j *Journal) WriteFill(rec FillRecord) error         { return j.append("fill", rec) }

func (j *Journal) append(kind string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	line, err := json.Marshal(Entry{Type: kind, Data: raw, Event: time.Now().UTC()})
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(line, '\n'))
	return err
}

// HasRecentDecision reports whether a decision key was journaled inside the
// dedup horizon. A key already present means the order pipeline has seen this
// decision and a duplicate must not produce a second order.
func (j *Journal) HasRecentDecision(key string) (bool, error) {
	cutoff := time.Now().UTC().Add(-j.dedupHorizon)
	found := false
	err := j.scan(func(e Entry) {
		if e.Type != "decision" || e.Event.Before(cutoff) {
			return
		}
		var rec DecisionRecord
		if json.Unmarshal(e.Data, &rec) == nil && rec.Key == key {
			found = true
		}
	})
	return found, err
}

// Replay walks every journal entry in order. Callers use it on restart to
// rebuild order state and to inspect the audit trail.
func (j *Journal) Replay(fn func(Entry) error) error {
	var outer error
	err := j.scan(func(e Entry) {
		if outer != nil {
			return
		}
		outer = fn(e)
	})
	if err != nil {
		return err
	}
	return outer
}

func (j *Journal) scan(fn func(Entry)) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			// a torn tail line from a crash is skipped, not fatal
			continue
		}
		fn(e)
	}
	return sc.Err()
}
