// Package storage provides the PostgreSQL implementation of the alert
// persistence contract. The lifecycle manager never depends on anything in
// this package beyond the alert.Store interface.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"driftwatch/internal/alert"
	"driftwatch/internal/detect"
	"driftwatch/internal/explain"
)

// ErrNotConfigured indicates the storage pool was not initialised.
var ErrNotConfigured = errors.New("storage: pool not configured")

const (
	// The partial unique index enforces the at-most-one-active-alert-per-
	// dedup-key invariant at the database layer too, so concurrent writers
	// from multiple processes cannot race past the manager's check.
	schemaSQL = `CREATE TABLE IF NOT EXISTS alerts (
        id          TEXT PRIMARY KEY,
        endpoint    TEXT        NOT NULL,
        severity    TEXT        NOT NULL,
        signals     JSONB       NOT NULL,
        window_from TIMESTAMPTZ NOT NULL,
        window_to   TIMESTAMPTZ NOT NULL,
        explanation JSONB       NOT NULL,
        status      TEXT        NOT NULL,
        created_at  TIMESTAMPTZ NOT NULL,
        updated_at  TIMESTAMPTZ NOT NULL,
        dedup_key   TEXT        NOT NULL
    );
    CREATE INDEX IF NOT EXISTS alerts_endpoint_idx
        ON alerts (endpoint, updated_at DESC);
    CREATE UNIQUE INDEX IF NOT EXISTS alerts_active_dedup_idx
        ON alerts (dedup_key) WHERE status IN ('open', 'acknowledged');`

	upsertAlertSQL = `INSERT INTO alerts (
        id, endpoint, severity, signals, window_from, window_to,
        explanation, status, created_at, updated_at, dedup_key
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (id) DO UPDATE
    SET
        severity    = EXCLUDED.severity,
        signals     = EXCLUDED.signals,
        window_from = EXCLUDED.window_from,
        window_to   = EXCLUDED.window_to,
        explanation = EXCLUDED.explanation,
        status      = EXCLUDED.status,
        updated_at  = EXCLUDED.updated_at;`

	selectAlertColumns = `id, endpoint, severity, signals, window_from, window_to,
        explanation, status, created_at, updated_at, dedup_key`

	getAlertSQL = `SELECT ` + selectAlertColumns + ` FROM alerts WHERE id = $1;`

	findActiveSQL = `SELECT ` + selectAlertColumns + ` FROM alerts
        WHERE dedup_key = $1 AND status IN ('open', 'acknowledged')
        LIMIT 1;`
)

// AlertStore persists alerts in PostgreSQL.
type AlertStore struct {
	pool *pgxpool.Pool
}

// NewAlertStore wires a pgx pool into an AlertStore.
func NewAlertStore(pool *pgxpool.Pool) *AlertStore {
	return &AlertStore{pool: pool}
}

// EnsureSchema creates the alerts table and indexes if missing.
func (s *AlertStore) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure alerts schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *AlertStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *AlertStore) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Put creates or replaces an alert row.
func (s *AlertStore) Put(ctx context.Context, a alert.Alert) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	signals, err := json.Marshal(a.Signals)
	if err != nil {
		return fmt.Errorf("marshal signals: %w", err)
	}
	explanation, err := json.Marshal(a.Explanation)
	if err != nil {
		return fmt.Errorf("marshal explanation: %w", err)
	}

	_, execErr := pool.Exec(ctx, upsertAlertSQL,
		a.ID,
		a.Endpoint,
		string(a.Severity),
		signals,
		a.WindowFrom,
		a.WindowTo,
		explanation,
		string(a.Status),
		a.CreatedAt,
		a.UpdatedAt,
		a.DedupKey,
	)
	if execErr != nil {
		var pgErr *pgconn.PgError
		if errors.As(execErr, &pgErr) && pgErr.Code == "23505" {
			return alert.ErrDuplicateOpen
		}
		return fmt.Errorf("upsert alert: %w", execErr)
	}
	return nil
}

// Get returns one alert by id.
func (s *AlertStore) Get(ctx context.Context, id string) (alert.Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return alert.Alert{}, err
	}

	a, scanErr := scanAlert(pool.QueryRow(ctx, getAlertSQL, id))
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return alert.Alert{}, alert.ErrNotFound
		}
		return alert.Alert{}, fmt.Errorf("get alert: %w", scanErr)
	}
	return a, nil
}

// FindActive returns the open or acknowledged alert for a dedup key.
func (s *AlertStore) FindActive(ctx context.Context, dedupKey string) (alert.Alert, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return alert.Alert{}, false, err
	}

	a, scanErr := scanAlert(pool.QueryRow(ctx, findActiveSQL, dedupKey))
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return alert.Alert{}, false, nil
		}
		return alert.Alert{}, false, fmt.Errorf("find active alert: %w", scanErr)
	}
	return a, true, nil
}

// List returns alerts matching the filter, newest update first.
func (s *AlertStore) List(ctx context.Context, f alert.Filter) ([]alert.Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var (
		builder strings.Builder
		args    []any
	)
	builder.WriteString(`SELECT ` + selectAlertColumns + ` FROM alerts`)

	var clauses []string
	addClause := func(expr string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(expr, len(args)))
	}
	if f.Endpoint != "" {
		addClause("endpoint = $%d", f.Endpoint)
	}
	if f.Severity != "" {
		addClause("severity = $%d", string(f.Severity))
	}
	if f.Status != "" {
		addClause("status = $%d", string(f.Status))
	}
	if !f.From.IsZero() {
		addClause("updated_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		addClause("created_at <= $%d", f.To)
	}
	if len(clauses) > 0 {
		builder.WriteString(" WHERE " + strings.Join(clauses, " AND "))
	}
	builder.WriteString(" ORDER BY updated_at DESC")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		builder.WriteString(fmt.Sprintf(" LIMIT $%d", len(args)))
	}
	builder.WriteString(";")

	rows, queryErr := pool.Query(ctx, builder.String(), args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]alert.Alert, 0)
	for rows.Next() {
		a, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, a)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func scanAlert(row pgx.Row) (alert.Alert, error) {
	var (
		a           alert.Alert
		severity    string
		status      string
		signals     []byte
		explanation []byte
		windowFrom  time.Time
		windowTo    time.Time
	)

	if err := row.Scan(
		&a.ID,
		&a.Endpoint,
		&severity,
		&signals,
		&windowFrom,
		&windowTo,
		&explanation,
		&status,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.DedupKey,
	); err != nil {
		return alert.Alert{}, err
	}

	a.Severity = explain.Severity(severity)
	a.Status = alert.Status(status)
	a.WindowFrom = windowFrom
	a.WindowTo = windowTo

	var parsed []detect.Signal
	if err := json.Unmarshal(signals, &parsed); err != nil {
		return alert.Alert{}, fmt.Errorf("unmarshal signals: %w", err)
	}
	a.Signals = parsed

	if err := json.Unmarshal(explanation, &a.Explanation); err != nil {
		return alert.Alert{}, fmt.Errorf("unmarshal explanation: %w", err)
	}

	return a, nil
}

var _ alert.Store = (*AlertStore)(nil)
