// Package timeline keeps a bounded in-memory history of row transitions for
// the /debug/snapshot endpoint. It is a diagnostic aid, not the source of
// truth — the store's status column is authoritative.
package timeline

import (
	"sync"
	"time"
)

// Transition records one QueueRow status change observed by the poller.
type Transition struct {
	RowID     string            `json:"row_id"`
	Stage     string            `json:"stage"` // Pending, InProgress, Completed, Failed, Canceled, Retrying, DeadLettered
	Timestamp time.Time         `json:"timestamp"`
	Service   string            `json:"service_name"`
	TenantID  string            `json:"tenant_id"`
	SKU       string            `json:"product_sku"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Store is a ring buffer of the most recent transitions, capped at maxSize
// to keep the debug endpoint's memory footprint bounded under sustained
// load.
type Store struct {
	events  []Transition
	maxSize int
	mu      sync.RWMutex
}

func NewStore(maxSize int) *Store {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &Store{
		events:  make([]Transition, 0, maxSize),
		maxSize: maxSize,
	}
}

func (s *Store) Record(e Transition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.events = append(s.events, e)
	if len(s.events) > s.maxSize {
		s.events = s.events[len(s.events)-s.maxSize:]
	}
}

// ForRow returns the recorded transitions for a single row, in insertion order.
func (s *Store) ForRow(rowID string) []Transition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []Transition
	for _, e := range s.events {
		if e.RowID == rowID {
			results = append(results, e)
		}
	}
	return results
}

// ForTenant returns the recorded transitions for a single tenant, in
// insertion order.
func (s *Store) ForTenant(tenantID string) []Transition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []Transition
	for _, e := range s.events {
		if e.TenantID == tenantID {
			results = append(results, e)
		}
	}
	return results
}

// Snapshot returns a copy of the whole recorded history, for the
// /debug/snapshot endpoint.
func (s *Store) Snapshot() []Transition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := make([]Transition, len(s.events))
	copy(c, s.events)
	return c
}
