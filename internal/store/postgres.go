package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/driftlock/hookrelay/internal/delivery"
)

// Postgres implements Store over a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Schema is the DDL for the hookrelay tables. Applied by EnsureSchema on
// startup; safe to run repeatedly.
const Schema = `
CREATE SCHEMA IF NOT EXISTS hookrelay;

CREATE TABLE IF NOT EXISTS hookrelay.endpoints (
    id                   TEXT PRIMARY KEY,
    owner_id             TEXT NOT NULL,
    url                  TEXT NOT NULL,
    secret               TEXT NOT NULL,
    event_types          TEXT[] NOT NULL DEFAULT '{}',
    active               BOOLEAN NOT NULL DEFAULT TRUE,
    timeout_seconds      INT NOT NULL DEFAULT 0,
    max_retries          INT NOT NULL DEFAULT 0,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_success_at      TIMESTAMPTZ,
    last_failure_at      TIMESTAMPTZ,
    consecutive_failures INT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_endpoints_owner ON hookrelay.endpoints(owner_id);

CREATE TABLE IF NOT EXISTS hookrelay.deliveries (
    id               TEXT PRIMARY KEY,
    event_id         TEXT NOT NULL,
    endpoint_id      TEXT NOT NULL REFERENCES hookrelay.endpoints(id),
    owner_id         TEXT NOT NULL,
    event_type       TEXT NOT NULL,
    payload          BYTEA NOT NULL,
    secret           TEXT NOT NULL,
    status           TEXT NOT NULL,
    attempt_count    INT NOT NULL DEFAULT 0,
    last_http_status INT NOT NULL DEFAULT 0,
    last_error       TEXT NOT NULL DEFAULT '',
    next_attempt_at  TIMESTAMPTZ NOT NULL,
    delivered_at     TIMESTAMPTZ,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_deliveries_due
    ON hookrelay.deliveries(next_attempt_at)
    WHERE status IN ('pending', 'retrying');
CREATE INDEX IF NOT EXISTS idx_deliveries_endpoint ON hookrelay.deliveries(endpoint_id, created_at DESC);

CREATE TABLE IF NOT EXISTS hookrelay.event_keys (
    owner_id        TEXT NOT NULL,
    idempotency_key TEXT NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (owner_id, idempotency_key)
);
`

// EnsureSchema creates the hookrelay schema and tables if they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (p *Postgres) FindActiveSubscribers(ctx context.Context, ownerID, eventType string) ([]*delivery.Endpoint, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, owner_id, url, secret, event_types, active, timeout_seconds, max_retries,
		       created_at, last_success_at, last_failure_at, consecutive_failures
		FROM hookrelay.endpoints
		WHERE owner_id = $1 AND active AND $2 = ANY(event_types)
		ORDER BY id`,
		ownerID, eventType)
	if err != nil {
		return nil, fmt.Errorf("find subscribers: %w", err)
	}
	defer rows.Close()
	return scanEndpoints(rows)
}

func (p *Postgres) GetEndpoint(ctx context.Context, id string) (*delivery.Endpoint, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, owner_id, url, secret, event_types, active, timeout_seconds, max_retries,
		       created_at, last_success_at, last_failure_at, consecutive_failures
		FROM hookrelay.endpoints
		WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get endpoint: %w", err)
	}
	defer rows.Close()
	eps, err := scanEndpoints(rows)
	if err != nil {
		return nil, err
	}
	if len(eps) == 0 {
		return nil, ErrNotFound
	}
	return eps[0], nil
}

func scanEndpoints(rows pgx.Rows) ([]*delivery.Endpoint, error) {
	var out []*delivery.Endpoint
	for rows.Next() {
		var ep delivery.Endpoint
		var lastSuccess, lastFailure sql.NullTime
		if err := rows.Scan(&ep.ID, &ep.OwnerID, &ep.URL, &ep.Secret, &ep.EventTypes,
			&ep.Active, &ep.TimeoutSeconds, &ep.MaxRetries, &ep.CreatedAt,
			&lastSuccess, &lastFailure, &ep.ConsecutiveFailures); err != nil {
			return nil, fmt.Errorf("scan endpoint: %w", err)
		}
		if lastSuccess.Valid {
			t := lastSuccess.Time
			ep.LastSuccessAt = &t
		}
		if lastFailure.Valid {
			t := lastFailure.Time
			ep.LastFailureAt = &t
		}
		out = append(out, &ep)
	}
	return out, rows.Err()
}

func (p *Postgres) RecordOutcome(ctx context.Context, id string, success bool, at time.Time) error {
	var tag string
	if success {
		tag = `UPDATE hookrelay.endpoints
		       SET last_success_at = $2, consecutive_failures = 0
		       WHERE id = $1`
	} else {
		tag = `UPDATE hookrelay.endpoints
		       SET last_failure_at = $2, consecutive_failures = consecutive_failures + 1
		       WHERE id = $1`
	}
	res, err := p.pool.Exec(ctx, tag, id, at)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) CreateEndpoint(ctx context.Context, ep *delivery.Endpoint) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO hookrelay.endpoints(id, owner_id, url, secret, event_types, active,
		                                timeout_seconds, max_retries, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ep.ID, ep.OwnerID, ep.URL, ep.Secret, ep.EventTypes, ep.Active,
		ep.TimeoutSeconds, ep.MaxRetries, ep.CreatedAt)
	if err != nil {
		return fmt.Errorf("create endpoint: %w", err)
	}
	return nil
}

func (p *Postgres) ListEndpoints(ctx context.Context, ownerID string) ([]*delivery.Endpoint, error) {
	q := `
		SELECT id, owner_id, url, secret, event_types, active, timeout_seconds, max_retries,
		       created_at, last_success_at, last_failure_at, consecutive_failures
		FROM hookrelay.endpoints`
	args := []any{}
	if ownerID != "" {
		q += ` WHERE owner_id = $1`
		args = append(args, ownerID)
	}
	q += ` ORDER BY id`
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	defer rows.Close()
	return scanEndpoints(rows)
}

func (p *Postgres) DeactivateEndpoint(ctx context.Context, id string) error {
	res, err := p.pool.Exec(ctx, `UPDATE hookrelay.endpoints SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate endpoint: %w", err)
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) InsertDeliveries(ctx context.Context, ds []*delivery.Delivery) error {
	if len(ds) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, d := range ds {
		batch.Queue(`
			INSERT INTO hookrelay.deliveries(id, event_id, endpoint_id, owner_id, event_type,
			                                 payload, secret, status, attempt_count,
			                                 next_attempt_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`,
			d.ID, d.EventID, d.EndpointID, d.OwnerID, d.EventType,
			d.Payload, d.Secret, string(d.Status), d.AttemptCount,
			d.NextAttemptAt, d.CreatedAt)
	}
	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range ds {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert deliveries: %w", err)
		}
	}
	return nil
}

func (p *Postgres) GetDelivery(ctx context.Context, id string) (*delivery.Delivery, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, event_id, endpoint_id, owner_id, event_type, payload, secret, status,
		       attempt_count, last_http_status, last_error, next_attempt_at, delivered_at,
		       created_at, updated_at
		FROM hookrelay.deliveries
		WHERE id = $1`, id)
	d, err := scanDelivery(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get delivery: %w", err)
	}
	return d, nil
}

func scanDelivery(row pgx.Row) (*delivery.Delivery, error) {
	var d delivery.Delivery
	var status string
	var deliveredAt sql.NullTime
	if err := row.Scan(&d.ID, &d.EventID, &d.EndpointID, &d.OwnerID, &d.EventType,
		&d.Payload, &d.Secret, &status, &d.AttemptCount, &d.LastHTTPStatus,
		&d.LastError, &d.NextAttemptAt, &deliveredAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Status = delivery.Status(status)
	if deliveredAt.Valid {
		t := deliveredAt.Time
		d.DeliveredAt = &t
	}
	return &d, nil
}

func (p *Postgres) UpdateDelivery(ctx context.Context, id string, patch delivery.Patch) error {
	set := "updated_at = now()"
	args := []any{id}
	n := 1
	add := func(col string, v any) {
		n++
		set += fmt.Sprintf(", %s = $%d", col, n)
		args = append(args, v)
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.AttemptCount != nil {
		add("attempt_count", *patch.AttemptCount)
	}
	if patch.LastHTTPStatus != nil {
		add("last_http_status", *patch.LastHTTPStatus)
	}
	if patch.LastError != nil {
		add("last_error", *patch.LastError)
	}
	if patch.NextAttemptAt != nil {
		add("next_attempt_at", *patch.NextAttemptAt)
	}
	if patch.DeliveredAt != nil {
		add("delivered_at", *patch.DeliveredAt)
	}

	// the status guard keeps terminal records immutable
	res, err := p.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE hookrelay.deliveries SET %s
		WHERE id = $1 AND status IN ('pending', 'retrying')`, set), args...)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	if res.RowsAffected() == 0 {
		var exists bool
		if err := p.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM hookrelay.deliveries WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("update delivery: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrTerminal
	}
	return nil
}

func (p *Postgres) FindDue(ctx context.Context, before time.Time, limit int) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id FROM hookrelay.deliveries
		WHERE status IN ('pending', 'retrying') AND next_attempt_at <= $1
		ORDER BY next_attempt_at
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("find due: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *Postgres) ListByEndpoint(ctx context.Context, endpointID string, limit int) ([]*delivery.Delivery, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, event_id, endpoint_id, owner_id, event_type, payload, secret, status,
		       attempt_count, last_http_status, last_error, next_attempt_at, delivered_at,
		       created_at, updated_at
		FROM hookrelay.deliveries
		WHERE endpoint_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, endpointID, limit)
	if err != nil {
		return nil, fmt.Errorf("list by endpoint: %w", err)
	}
	defer rows.Close()
	var out []*delivery.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.pool.Exec(ctx, `
		DELETE FROM hookrelay.deliveries
		WHERE status IN ('success', 'failed') AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete older than: %w", err)
	}
	return res.RowsAffected(), nil
}

func (p *Postgres) ClaimDelivery(ctx context.Context, id string, now, until time.Time) (bool, error) {
	res, err := p.pool.Exec(ctx, `
		UPDATE hookrelay.deliveries
		SET next_attempt_at = $3, updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'retrying') AND next_attempt_at <= $2`,
		id, now, until)
	if err != nil {
		return false, fmt.Errorf("claim delivery: %w", err)
	}
	return res.RowsAffected() == 1, nil
}

func (p *Postgres) SeenEvent(ctx context.Context, ownerID, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	var seen bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM hookrelay.event_keys
		              WHERE owner_id = $1 AND idempotency_key = $2)`, ownerID, key).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("seen event: %w", err)
	}
	return seen, nil
}

func (p *Postgres) MarkEventSeen(ctx context.Context, ownerID, key string) error {
	if key == "" {
		return nil
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO hookrelay.event_keys(owner_id, idempotency_key)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, ownerID, key)
	if err != nil {
		return fmt.Errorf("mark event seen: %w", err)
	}
	return nil
}
