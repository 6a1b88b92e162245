package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xela07ax/x402-paygate/internal/abuse"
)

// PauseRepo — история аварийных пауз (abuse.PauseRepository).
type PauseRepo struct {
	db *sql.DB
}

func NewPauseRepo(db *sql.DB) *PauseRepo {
	return &PauseRepo{db: db}
}

// SavePause — upsert: активация создаёт запись, деактивация и истечение обновляют её.
func (r *PauseRepo) SavePause(ctx context.Context, rec abuse.PauseRecord) error {
	systems, err := json.Marshal(rec.AffectedSystems)
	if err != nil {
		return fmt.Errorf("postgres: encode affected systems: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO emergency_pauses (id, trigger, level, reason, start_time, duration_ms, authorized_by,
			affected_systems, status, end_time, deactivated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, end_time = EXCLUDED.end_time, deactivated_by = EXCLUDED.deactivated_by`,
		rec.ID, rec.Trigger, string(rec.Level), rec.Reason, rec.StartTime, rec.Duration.Milliseconds(),
		rec.AuthorizedBy, systems, string(rec.Status), rec.EndTime, rec.DeactivatedBy)
	if err != nil {
		return fmt.Errorf("postgres: save pause %s: %w", rec.ID, err)
	}
	return nil
}

func (r *PauseRepo) ListPauses(ctx context.Context, limit int) ([]abuse.PauseRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, trigger, level, reason, start_time, duration_ms, authorized_by,
		       affected_systems, status, end_time, deactivated_by
		FROM emergency_pauses ORDER BY start_time DESC LIMIT $1`, pageLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("postgres: query pauses: %w", err)
	}
	defer rows.Close()

	out := make([]abuse.PauseRecord, 0)
	for rows.Next() {
		var (
			rec           abuse.PauseRecord
			level, status string
			durMs         int64
			systems       []byte
			end           sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.Trigger, &level, &rec.Reason, &rec.StartTime, &durMs, &rec.AuthorizedBy,
			&systems, &status, &end, &rec.DeactivatedBy); err != nil {
			return nil, fmt.Errorf("postgres: scan pause: %w", err)
		}
		rec.Level = abuse.PauseLevel(level)
		rec.Status = abuse.PauseStatus(status)
		rec.Duration = time.Duration(durMs) * time.Millisecond
		if err := json.Unmarshal(systems, &rec.AffectedSystems); err != nil {
			return nil, fmt.Errorf("postgres: decode affected systems: %w", err)
		}
		if end.Valid {
			t := end.Time
			rec.EndTime = &t
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return out, nil
}
