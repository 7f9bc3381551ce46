package poller

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mypostal/fairqueue/dispatch"
	"github.com/mypostal/fairqueue/registry"
	"github.com/mypostal/fairqueue/scheduler"
	"github.com/mypostal/fairqueue/store"
	"github.com/mypostal/fairqueue/streaming"
	"github.com/mypostal/fairqueue/timeline"
)

func TestPoller_RoundTripToCompleted(t *testing.T) {
	ms := store.NewMemoryStore()
	reg := registry.New()

	var calls int32
	handler := registry.HandlerFunc(func(ctx context.Context, row store.QueueRow) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	if err := reg.Register(registry.Policy{ServiceName: "iam", PerSKULimit: 2, MaxConcurrency: 2}, handler); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := ms.Insert(context.Background(), store.QueueRow{
		ID:          "row-1",
		TenantID:    "t1",
		ProductSKU:  "A",
		ServiceName: "iam",
		Operation:   store.OpCreate,
		InsertedAt:  time.Now(),
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	tl := timeline.NewStore(100)
	p := New(ms, reg, dispatch.NewTokenBucketLimiter(100, 10), nil, nil, tl, streaming.NewLogPublisher(), Config{TickInterval: time.Hour, MaxRetries: 3})

	p.tickService(context.Background(), "iam")

	row, err := ms.Get(context.Background(), "row-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.Status != store.StatusCompleted {
		t.Fatalf("want Completed, got %s", row.Status)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("want handler called once, got %d", calls)
	}

	transitions := tl.ForRow("row-1")
	if len(transitions) < 2 {
		t.Fatalf("want at least InProgress+Completed recorded, got %d", len(transitions))
	}
}

func TestPoller_FailureExhaustsRetriesToDeadLetter(t *testing.T) {
	ms := store.NewMemoryStore()
	reg := registry.New()

	handler := registry.HandlerFunc(func(ctx context.Context, row store.QueueRow) error {
		return errors.New("downstream rejected")
	})
	if err := reg.Register(registry.Policy{ServiceName: "iot", PerSKULimit: 1, MaxConcurrency: 1}, handler); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := ms.Insert(context.Background(), store.QueueRow{
		ID:          "row-2",
		TenantID:    "t2",
		ProductSKU:  "B",
		ServiceName: "iot",
		Operation:   store.OpUpdate,
		InsertedAt:  time.Now(),
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	p := New(ms, reg, nil, nil, nil, nil, nil, Config{TickInterval: time.Hour, MaxRetries: 2})

	// Each tick: claim the row (whatever its current status is Pending after
	// a retry re-queue) and let the handler fail again.
	for i := 0; i < 3; i++ {
		p.tickService(context.Background(), "iot")
	}

	row, err := ms.Get(context.Background(), "row-2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.Status != store.StatusDeadLettered {
		t.Fatalf("want DeadLettered after exhausting retries, got %s (retry_count=%d)", row.Status, row.RetryCount)
	}
}

func TestPoller_AdmissionFreezeSkipsService(t *testing.T) {
	ms := store.NewMemoryStore()
	reg := registry.New()

	var calls int32
	handler := registry.HandlerFunc(func(ctx context.Context, row store.QueueRow) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	if err := reg.Register(registry.Policy{ServiceName: "apm", PerSKULimit: 1, MaxConcurrency: 1}, handler); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := ms.Insert(context.Background(), store.QueueRow{
		ID: "row-3", TenantID: "t3", ProductSKU: "C", ServiceName: "apm",
		Operation: store.OpCreate, InsertedAt: time.Now(),
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	gate := NewMapAdmissionGate()
	gate.Set("apm", scheduler.AdmissionFreeze)

	p := New(ms, reg, nil, nil, gate, nil, nil, Config{TickInterval: time.Hour, MaxRetries: 1})
	p.tickService(context.Background(), "apm")

	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("frozen service must not dispatch, handler was called %d times", calls)
	}
	row, err := ms.Get(context.Background(), "row-3")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.Status != store.StatusPending {
		t.Fatalf("row must remain Pending while frozen, got %s", row.Status)
	}
}
