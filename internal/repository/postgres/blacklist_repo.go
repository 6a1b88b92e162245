package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// BlacklistRepo — система записи для abuse.Blacklist. L1 и Redis прогреваются отсюда на старте.
type BlacklistRepo struct {
	db *sql.DB
}

func NewBlacklistRepo(db *sql.DB) *BlacklistRepo {
	return &BlacklistRepo{db: db}
}

func (r *BlacklistRepo) ListBlacklisted(ctx context.Context) ([]string, error) {
	// Выбираем только identity, чтобы минимизировать трафик
	rows, err := r.db.QueryContext(ctx, `SELECT identity FROM blacklist`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to fetch blacklist: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan identity error: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return ids, nil
}

func (r *BlacklistRepo) AddToBlacklist(ctx context.Context, identity, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO blacklist (identity, reason) VALUES ($1, $2)
		ON CONFLICT (identity) DO UPDATE SET reason = EXCLUDED.reason`, identity, reason)
	if err != nil {
		return fmt.Errorf("postgres: blacklist %s: %w", identity, err)
	}
	return nil
}

// RemoveFromBlacklist идемпотентен: отсутствие записи не ошибка.
func (r *BlacklistRepo) RemoveFromBlacklist(ctx context.Context, identity string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM blacklist WHERE identity = $1`, identity); err != nil {
		return fmt.Errorf("postgres: unblacklist %s: %w", identity, err)
	}
	return nil
}
