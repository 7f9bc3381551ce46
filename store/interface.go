package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotPending is returned by Save's compare-and-set claim when the row is
// no longer Pending at write time — a racing poller or manual intervention
// got there first. Per the claim-time contract this is not an error for the
// caller; it is surfaced so the scheduler can silently skip the row.
var ErrNotPending = errors.New("store: row is not pending")

// ErrInvalidTransition is returned when a save would move a row through a
// transition the state machine does not allow, or would leave it with a
// status outside the enumerated set (I1).
var ErrInvalidTransition = errors.New("store: invalid status transition")

// ErrRowNotFound is returned by Get when no row exists with the given id.
var ErrRowNotFound = errors.New("store: row not found")

// TaskStore is the durable, transactional store of queue rows. It exposes
// exactly the two read primitives and one write primitive the scheduler and
// poller need; it carries no business logic of its own.
type TaskStore interface {
	// CountInProgress returns the number of rows with
	// (service_name = service, status = InProgress).
	CountInProgress(ctx context.Context, service string) (int, error)

	// ListInProgressTenants returns the distinct tenant ids with an
	// in-progress row in service.
	ListInProgressTenants(ctx context.Context, service string) (map[string]struct{}, error)

	// RankPending returns, for the given service, the top-perSKULimit
	// pending rows within each product_sku, ranked by (operation,
	// inserted_at) ascending. Rows from different SKUs are interleaved in
	// no required order. The per-SKU ranking is computed by a single
	// atomic read so ranks are mutually consistent.
	RankPending(ctx context.Context, service string, perSKULimit int) ([]QueueRow, error)

	// Save commits a status/retry mutation on a single row. A claim (a
	// write that sets status to InProgress) is a compare-and-set on the
	// row still being Pending; if that precondition fails, Save returns
	// ErrNotPending and makes no change. Writes that would leave the row
	// with an invalid status return ErrInvalidTransition.
	Save(ctx context.Context, row QueueRow) error

	// Insert adds a new row in Pending status. Used by upstream ingestion,
	// out of scope for the scheduler core but needed to seed the store in
	// tests and demo wiring.
	Insert(ctx context.Context, row QueueRow) error

	// Get returns a single row by id, for diagnostics and tests.
	Get(ctx context.Context, id string) (QueueRow, error)

	// ListStaleInProgress returns rows stuck InProgress for service whose
	// UpdatedAt is older than the cutoff. Not part of the core scheduler
	// contract — it exists for the stuck-row sweeper, recovering rows
	// abandoned by a poller that was killed mid-dispatch.
	ListStaleInProgress(ctx context.Context, service string, cutoff time.Time) ([]QueueRow, error)
}

// DurableEpochStore hands out a monotonically increasing fencing token per
// named resource, durable across a coordination backend restart. Backed by
// the same database as the TaskStore so the epoch survives even if the
// coordination layer's state is lost.
type DurableEpochStore interface {
	// IncrementDurableEpoch increments the epoch for resourceID and
	// returns the new value. Must be atomic.
	IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error)

	// GetDurableEpoch returns the current epoch without incrementing.
	GetDurableEpoch(ctx context.Context, resourceID string) (int64, error)
}
