// Package scheduler implements the fair selection algorithm that decides,
// for one service on one tick, which pending rows the poller should claim
// and dispatch next.
package scheduler

import (
	"context"
	"sort"

	"github.com/mypostal/fairqueue/registry"
	"github.com/mypostal/fairqueue/store"
)

// Schedule returns the set of rows the poller should claim and dispatch
// this tick for service, under policy. It is pure with respect to its
// inputs — a snapshot of the store plus the policy — and has no side
// effects beyond the three store reads it issues.
//
// Algorithm:
//  1. Early-out if the service is already at its concurrency cap.
//  2. Read the tenants with an in-progress row in this service.
//  3. Read ranked pending candidates, capped at policy.PerSKULimit per SKU.
//  4. Drop candidates whose tenant is busy (tenant lock; enforces I2
//     pre-claim).
//  5. Group the remainder by product_sku and keep only the rank-1 row of
//     each group — one candidate per SKU per tick. A SKU whose only rank-1
//     candidate is tenant-locked yields its turn rather than promoting its
//     rank-2 row; this preserves round-robin fairness instead of letting one
//     SKU consume multiple slots whenever peers are locked.
//  6. Cap the one-per-SKU list at the service's remaining capacity
//     (max_concurrency - in_progress), keeping (I3) true even when several
//     SKUs are eligible at once.
func Schedule(ctx context.Context, ts store.TaskStore, policy registry.Policy) ([]store.QueueRow, error) {
	inProgress, err := ts.CountInProgress(ctx, policy.ServiceName)
	if err != nil {
		return nil, err
	}
	remaining := policy.MaxConcurrency - inProgress
	if remaining <= 0 {
		return nil, nil
	}

	busyTenants, err := ts.ListInProgressTenants(ctx, policy.ServiceName)
	if err != nil {
		return nil, err
	}

	candidates, err := ts.RankPending(ctx, policy.ServiceName, policy.PerSKULimit)
	if err != nil {
		return nil, err
	}

	bySKU := make(map[string][]store.QueueRow)
	for _, row := range candidates {
		if _, locked := busyTenants[row.TenantID]; locked {
			continue
		}
		bySKU[row.ProductSKU] = append(bySKU[row.ProductSKU], row)
	}

	skus := make([]string, 0, len(bySKU))
	for sku := range bySKU {
		skus = append(skus, sku)
	}
	sort.Strings(skus)

	var oneSKUPerSlot []store.QueueRow
	for _, sku := range skus {
		group := bySKU[sku]
		best := group[0]
		for _, row := range group[1:] {
			if row.Less(best) {
				best = row
			}
		}
		oneSKUPerSlot = append(oneSKUPerSlot, best)
	}

	if len(oneSKUPerSlot) > remaining {
		oneSKUPerSlot = oneSKUPerSlot[:remaining]
	}
	return oneSKUPerSlot, nil
}
