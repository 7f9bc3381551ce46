package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements TaskStore and DurableEpochStore against a
// PostgreSQL backend. The queue table is the only shared resource; every
// mutation goes through Save.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Schema (required indexes per the persisted state layout):
//
//	CREATE TABLE queue_rows (
//		id                     TEXT PRIMARY KEY,
//		execution_instance_id  TEXT NOT NULL,
//		event_instance_id      TEXT NOT NULL,
//		tenant_id              TEXT NOT NULL,
//		product_sku            TEXT NOT NULL,
//		service_name           TEXT NOT NULL,
//		operation              TEXT NOT NULL,
//		status                 TEXT NOT NULL,
//		inserted_at            TIMESTAMPTZ NOT NULL,
//		updated_at             TIMESTAMPTZ NOT NULL,
//		retry_count            INT NOT NULL DEFAULT 0
//	);
//	CREATE INDEX ON queue_rows (service_name, status);
//	CREATE INDEX ON queue_rows (service_name, status, product_sku, operation, inserted_at);

func (s *PostgresStore) CountInProgress(ctx context.Context, service string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM queue_rows WHERE service_name = $1 AND status = $2`,
		service, StatusInProgress,
	).Scan(&count)
	return count, err
}

func (s *PostgresStore) ListInProgressTenants(ctx context.Context, service string) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT tenant_id FROM queue_rows WHERE service_name = $1 AND status = $2`,
		service, StatusInProgress,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tenants := make(map[string]struct{})
	for rows.Next() {
		var tenantID string
		if err := rows.Scan(&tenantID); err != nil {
			return nil, err
		}
		tenants[tenantID] = struct{}{}
	}
	return tenants, rows.Err()
}

// RankPending partitions pending rows of service by product_sku, orders each
// partition by (operation, inserted_at) ascending, and returns rows with
// rank <= perSKULimit. The CASE expression encodes the Create < Update <
// Delete priority order directly in the ORDER BY so the window function
// performs the ranking in one atomic pass.
func (s *PostgresStore) RankPending(ctx context.Context, service string, perSKULimit int) ([]QueueRow, error) {
	query := `
		SELECT id, execution_instance_id, event_instance_id, tenant_id, product_sku,
		       service_name, operation, status, inserted_at, updated_at, retry_count
		FROM (
			SELECT *,
			       ROW_NUMBER() OVER (
			           PARTITION BY product_sku
			           ORDER BY
			               CASE operation WHEN 'Create' THEN 0 WHEN 'Update' THEN 1 WHEN 'Delete' THEN 2 ELSE 3 END,
			               inserted_at ASC
			       ) AS sku_rank
			FROM queue_rows
			WHERE service_name = $1 AND status = $2
		) ranked
		WHERE sku_rank <= $3
	`
	rows, err := s.pool.Query(ctx, query, service, StatusPending, perSKULimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []QueueRow
	for rows.Next() {
		var r QueueRow
		if err := rows.Scan(
			&r.ID, &r.ExecutionInstanceID, &r.EventInstanceID, &r.TenantID, &r.ProductSKU,
			&r.ServiceName, &r.Operation, &r.Status, &r.InsertedAt, &r.UpdatedAt, &r.RetryCount,
		); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// Save commits a status/retry mutation. A claim — any write that sets
// status to InProgress — is a compare-and-set guarded by
// "WHERE status = 'Pending'"; this is the serialization point enforcing I2
// and I3 across concurrent pollers. Any other transition is a blind update
// keyed by id, since the row is already exclusively owned by the poller
// that claimed it.
func (s *PostgresStore) Save(ctx context.Context, row QueueRow) error {
	if !row.Status.Valid() {
		return ErrInvalidTransition
	}

	var tag pgconn.CommandTag
	var err error
	if row.Status == StatusInProgress {
		tag, err = s.pool.Exec(ctx, `
			UPDATE queue_rows
			SET status = $1, retry_count = $2, updated_at = NOW()
			WHERE id = $3 AND status = $4
		`, row.Status, row.RetryCount, row.ID, StatusPending)
	} else {
		tag, err = s.pool.Exec(ctx, `
			UPDATE queue_rows
			SET status = $1, retry_count = $2, updated_at = NOW()
			WHERE id = $3
		`, row.Status, row.RetryCount, row.ID)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 && row.Status == StatusInProgress {
		return ErrNotPending
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, row QueueRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO queue_rows
			(id, execution_instance_id, event_instance_id, tenant_id, product_sku,
			 service_name, operation, status, inserted_at, updated_at, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), $10)
	`,
		row.ID, row.ExecutionInstanceID, row.EventInstanceID, row.TenantID, row.ProductSKU,
		row.ServiceName, row.Operation, StatusPending, row.InsertedAt, row.RetryCount,
	)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (QueueRow, error) {
	var r QueueRow
	err := s.pool.QueryRow(ctx, `
		SELECT id, execution_instance_id, event_instance_id, tenant_id, product_sku,
		       service_name, operation, status, inserted_at, updated_at, retry_count
		FROM queue_rows WHERE id = $1
	`, id).Scan(
		&r.ID, &r.ExecutionInstanceID, &r.EventInstanceID, &r.TenantID, &r.ProductSKU,
		&r.ServiceName, &r.Operation, &r.Status, &r.InsertedAt, &r.UpdatedAt, &r.RetryCount,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return QueueRow{}, ErrRowNotFound
	}
	return r, err
}

// ListStaleInProgress finds rows stuck InProgress since before cutoff, for
// the stuck-row sweeper to reclaim after a poller crash.
func (s *PostgresStore) ListStaleInProgress(ctx context.Context, service string, cutoff time.Time) ([]QueueRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, execution_instance_id, event_instance_id, tenant_id, product_sku,
		       service_name, operation, status, inserted_at, updated_at, retry_count
		FROM queue_rows
		WHERE service_name = $1 AND status = $2 AND updated_at < $3
	`, service, StatusInProgress, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []QueueRow
	for rows.Next() {
		var r QueueRow
		if err := rows.Scan(
			&r.ID, &r.ExecutionInstanceID, &r.EventInstanceID, &r.TenantID, &r.ProductSKU,
			&r.ServiceName, &r.Operation, &r.Status, &r.InsertedAt, &r.UpdatedAt, &r.RetryCount,
		); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// IncrementDurableEpoch increments the fencing epoch for resourceID,
// durable across Redis flushes or leader-election restarts.
func (s *PostgresStore) IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	query := `
		INSERT INTO leader_epochs (resource_id, epoch)
		VALUES ($1, 1)
		ON CONFLICT (resource_id) DO UPDATE
		SET epoch = leader_epochs.epoch + 1
		RETURNING epoch
	`
	var newEpoch int64
	err := s.pool.QueryRow(ctx, query, resourceID).Scan(&newEpoch)
	return newEpoch, err
}

func (s *PostgresStore) GetDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	var epoch int64
	err := s.pool.QueryRow(ctx, `SELECT epoch FROM leader_epochs WHERE resource_id = $1`, resourceID).Scan(&epoch)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return epoch, err
}
