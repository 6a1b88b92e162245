package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xela07ax/x402-paygate/internal/audit"
)

type AuditRepo struct {
	db *sql.DB
}

func NewAuditRepo(db *sql.DB) *AuditRepo {
	return &AuditRepo{db: db}
}

const auditColumns = 13

func (r *AuditRepo) WriteBatch(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	var sb strings.Builder
	vals := make([]any, 0, len(events)*auditColumns)

	// Динамически строим запрос для пакетной вставки
	for i, e := range events {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(")
		for c := 1; c <= auditColumns; c++ {
			if c > 1 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*auditColumns+c)
		}
		sb.WriteString(")")

		var payload []byte
		if e.Payload != nil {
			payload, _ = json.Marshal(e.Payload)
		}
		vals = append(vals,
			e.ID, e.TraceID, string(e.Kind), e.Actor, e.Resource, e.Action,
			e.Amount, e.Currency, payload, e.Status, e.Error, e.DurationMs, e.Timestamp,
		)
	}

	query := "INSERT INTO audit_logs (id, trace_id, kind, actor, resource, action, amount, currency, payload, status, error, duration_ms, timestamp) VALUES " +
		sb.String() + " ON CONFLICT (id) DO NOTHING"

	if _, err := r.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: audit batch insert: %w", err)
	}
	return nil
}

// AuditStats — сводка журнала за последний час для консоли.
type AuditStats struct {
	TotalEvents int64   `json:"total_events"`
	Rejected    int64   `json:"rejected"`
	Failed      int64   `json:"failed"`
	P95Latency  float64 `json:"p95_latency_ms"`
}

func (r *AuditRepo) Stats(ctx context.Context, since time.Time) (*AuditStats, error) {
	s := &AuditStats{}
	// PERCENTILE_CONT даёт честный P95, а не среднее
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'rejected'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COALESCE(PERCENTILE_CONT(0.95) WITHIN GROUP (ORDER BY duration_ms), 0)
		FROM audit_logs
		WHERE timestamp > $1`, since).Scan(&s.TotalEvents, &s.Rejected, &s.Failed, &s.P95Latency)
	if err != nil {
		return nil, fmt.Errorf("postgres: audit stats: %w", err)
	}
	return s, nil
}

func (r *AuditRepo) Recent(ctx context.Context, kind audit.Kind, limit int) ([]audit.Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT id, trace_id, kind, actor, resource, action, amount, currency, payload, status, error, duration_ms, timestamp
	          FROM audit_logs`
	args := []any{}
	if kind != "" {
		query += " WHERE kind = $1"
		args = append(args, string(kind))
	}
	query += fmt.Sprintf(" ORDER BY timestamp DESC LIMIT %d", limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query audit: %w", err)
	}
	defer rows.Close()

	// пустой слайс, чтобы в JSON был [] вместо null
	out := make([]audit.Event, 0)
	for rows.Next() {
		var (
			e       audit.Event
			kindStr string
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.TraceID, &kindStr, &e.Actor, &e.Resource, &e.Action,
			&e.Amount, &e.Currency, &payload, &e.Status, &e.Error, &e.DurationMs, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan audit: %w", err)
		}
		e.Kind = audit.Kind(kindStr)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("postgres: decode audit payload: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return out, nil
}
