package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/mypostal/fairqueue/registry"
	"github.com/mypostal/fairqueue/store"
)

func seed(t *testing.T, ms *store.MemoryStore, service, sku, tenant string, op store.Operation, insertedAt time.Time) string {
	t.Helper()
	id := service + "/" + sku + "/" + tenant + "/" + string(op) + "/" + insertedAt.String()
	err := ms.Insert(context.Background(), store.QueueRow{
		ID:          id,
		TenantID:    tenant,
		ProductSKU:  sku,
		ServiceName: service,
		Operation:   op,
		InsertedAt:  insertedAt,
	})
	if err != nil {
		t.Fatalf("seed insert: %v", err)
	}
	return id
}

func claim(t *testing.T, ms *store.MemoryStore, id string) {
	t.Helper()
	row, err := ms.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	row.Status = store.StatusInProgress
	if err := ms.Save(context.Background(), row); err != nil {
		t.Fatalf("claim %s: %v", id, err)
	}
}

func TestSchedule_SKUStarvationProtection(t *testing.T) {
	ms := store.NewMemoryStore()
	base := time.Now()

	for i := 0; i < 5; i++ {
		seed(t, ms, "iam", "A", "tA", store.OpCreate, base.Add(time.Duration(i)*time.Second))
	}
	for i := 0; i < 10; i++ {
		seed(t, ms, "iam", "A", "tA", store.OpUpdate, base.Add(time.Duration(100+i)*time.Second))
	}
	for i := 0; i < 2; i++ {
		seed(t, ms, "iam", "B", "tB", store.OpCreate, base.Add(time.Duration(i)*time.Second))
	}
	for i := 0; i < 10; i++ {
		seed(t, ms, "iam", "B", "tB", store.OpUpdate, base.Add(time.Duration(200+i)*time.Second))
	}
	for i := 0; i < 2; i++ {
		seed(t, ms, "iam", "C", "tC", store.OpCreate, base.Add(time.Duration(i)*time.Second))
	}
	for i := 0; i < 10; i++ {
		seed(t, ms, "iam", "C", "tC", store.OpDelete, base.Add(time.Duration(300+i)*time.Second))
	}

	policy := registry.Policy{ServiceName: "iam", PerSKULimit: 2, MaxConcurrency: 3}
	selected, err := Schedule(context.Background(), ms, policy)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if len(selected) != 3 {
		t.Fatalf("want 3 selected, got %d", len(selected))
	}
	bySKU := map[string]int{}
	for _, row := range selected {
		bySKU[row.ProductSKU]++
		if row.Operation != store.OpCreate {
			t.Errorf("row from SKU %s: want Create first, got %s", row.ProductSKU, row.Operation)
		}
	}
	for _, sku := range []string{"A", "B", "C"} {
		if bySKU[sku] != 1 {
			t.Errorf("SKU %s: want exactly one slot, got %d", sku, bySKU[sku])
		}
	}
}

func TestSchedule_TenantLock(t *testing.T) {
	ms := store.NewMemoryStore()
	base := time.Now()

	createA := seed(t, ms, "iam", "A", "T1", store.OpCreate, base)
	seed(t, ms, "iam", "A", "T1", store.OpUpdate, base.Add(time.Second))
	seed(t, ms, "iam", "B", "T2", store.OpCreate, base.Add(2*time.Second))

	policy := registry.Policy{ServiceName: "iam", PerSKULimit: 1, MaxConcurrency: 4}

	selected, err := Schedule(context.Background(), ms, policy)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if len(selected) != 2 {
		t.Fatalf("tick 1: want 2 selected, got %d", len(selected))
	}
	for _, row := range selected {
		claim(t, ms, row.ID)
	}

	selected, err = Schedule(context.Background(), ms, policy)
	if err != nil {
		t.Fatalf("Schedule tick 2: %v", err)
	}
	for _, row := range selected {
		if row.ID == createA {
			t.Errorf("A/T1/Create should still be in progress, not reselected")
		}
		if row.ProductSKU == "A" {
			t.Errorf("SKU A should contribute zero rows while T1 is locked, got %+v", row)
		}
	}
}

func TestSchedule_PriorityWithinSKU(t *testing.T) {
	ms := store.NewMemoryStore()
	base := time.Now()

	seed(t, ms, "iam", "X", "tX", store.OpUpdate, base)
	createID := seed(t, ms, "iam", "X", "tX", store.OpCreate, base.Add(5*time.Second))

	policy := registry.Policy{ServiceName: "iam", PerSKULimit: 2, MaxConcurrency: 4}
	selected, err := Schedule(context.Background(), ms, policy)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if len(selected) != 1 {
		t.Fatalf("want 1 selected, got %d", len(selected))
	}
	if selected[0].ID != createID {
		t.Errorf("want Create dispatched first despite later arrival, got %+v", selected[0])
	}
}

func TestSchedule_CapacityGate(t *testing.T) {
	ms := store.NewMemoryStore()
	base := time.Now()

	a := seed(t, ms, "iam", "A", "t1", store.OpCreate, base)
	b := seed(t, ms, "iam", "A", "t2", store.OpCreate, base.Add(time.Second))
	claim(t, ms, a)
	claim(t, ms, b)

	// Plenty of further pending rows exist, but capacity is already exhausted.
	seed(t, ms, "iam", "B", "t3", store.OpCreate, base.Add(2*time.Second))

	policy := registry.Policy{ServiceName: "iam", PerSKULimit: 1, MaxConcurrency: 2}
	selected, err := Schedule(context.Background(), ms, policy)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if len(selected) != 0 {
		t.Fatalf("want 0 selected at capacity, got %d", len(selected))
	}
}

func TestSchedule_EmptyQueue(t *testing.T) {
	ms := store.NewMemoryStore()
	policy := registry.Policy{ServiceName: "iam", PerSKULimit: 2, MaxConcurrency: 4}
	selected, err := Schedule(context.Background(), ms, policy)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if len(selected) != 0 {
		t.Fatalf("want 0 selected for empty queue, got %d", len(selected))
	}
}

func TestSchedule_AllCandidatesTenantLocked(t *testing.T) {
	ms := store.NewMemoryStore()
	base := time.Now()

	onlyRow := seed(t, ms, "iam", "A", "t1", store.OpCreate, base)
	claim(t, ms, onlyRow)
	seed(t, ms, "iam", "A", "t1", store.OpUpdate, base.Add(time.Second))

	policy := registry.Policy{ServiceName: "iam", PerSKULimit: 2, MaxConcurrency: 4}
	selected, err := Schedule(context.Background(), ms, policy)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if len(selected) != 0 {
		t.Fatalf("want 0 selected when all candidates are tenant-locked, got %d", len(selected))
	}
}

func TestSchedule_MixedLoadFairness(t *testing.T) {
	ms := store.NewMemoryStore()
	base := time.Now()

	seedN := func(sku, tenant string, op store.Operation, n int, offset time.Duration) {
		for i := 0; i < n; i++ {
			seed(t, ms, "iam", sku, tenant, op, base.Add(offset+time.Duration(i)*time.Millisecond))
		}
	}

	seedN("LSS-DP", "t1", store.OpCreate, 10, 0)
	seedN("LSS-BESS", "t2", store.OpCreate, 2, 0)
	seedN("APM", "t3", store.OpCreate, 3, 0)
	seedN("Sandbox", "t4", store.OpCreate, 1, 0)
	seedN("LSS-DP", "t1", store.OpUpdate, 20, time.Hour)
	seedN("APM", "t3", store.OpUpdate, 5, time.Hour)

	policy := registry.Policy{ServiceName: "iam", PerSKULimit: 2, MaxConcurrency: 4}
	selected, err := Schedule(context.Background(), ms, policy)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if len(selected) != 4 {
		t.Fatalf("want one Create per SKU (4 SKUs), got %d", len(selected))
	}
	seen := map[string]bool{}
	for _, row := range selected {
		if row.Operation != store.OpCreate {
			t.Errorf("tick 1 should dispatch Create rows only, got %s", row.Operation)
		}
		seen[row.ProductSKU] = true
	}
	for _, sku := range []string{"LSS-DP", "LSS-BESS", "APM", "Sandbox"} {
		if !seen[sku] {
			t.Errorf("SKU %s did not get a slot in the first tick", sku)
		}
	}
}
