package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xela07ax/x402-paygate/internal/escrow"
)

// EscrowRepo — escrow.Store поверх Postgres. Переходы статуса идут через CAS в UPDATE ... WHERE status.
type EscrowRepo struct {
	db *sql.DB
}

func NewEscrowRepo(db *sql.DB) *EscrowRepo {
	return &EscrowRepo{db: db}
}

const escrowColumns = `id, session_id, payer, recipient, amount, currency, status, conditions,
	auto_release_at, platform_fee, net_amount, resolution, created_at, updated_at, resolved_at`

func (r *EscrowRepo) Create(ctx context.Context, a *escrow.Account) error {
	conds, err := json.Marshal(a.Conditions)
	if err != nil {
		return fmt.Errorf("postgres: encode conditions: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO escrow_accounts (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		a.ID, a.SessionID, a.Payer, a.Recipient, a.Amount, a.Currency, string(a.Status), conds,
		a.AutoReleaseAt, a.PlatformFee, a.NetAmount, a.Resolution, a.CreatedAt, a.UpdatedAt, a.ResolvedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return &escrow.EscrowError{Code: escrow.CodeInvalidState, EscrowID: a.ID, Detail: "already exists"}
		}
		return fmt.Errorf("postgres: failed to create escrow: %w", err)
	}
	return nil
}

func (r *EscrowRepo) Get(ctx context.Context, id string) (*escrow.Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrow_accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &escrow.EscrowError{Code: escrow.CodeNotFound, EscrowID: id}
		}
		return nil, fmt.Errorf("postgres: get escrow: %w", err)
	}
	return a, nil
}

// UpdateIfStatus: ноль затронутых строк значит либо нет записи, либо статус уже сменили.
func (r *EscrowRepo) UpdateIfStatus(ctx context.Context, a *escrow.Account, expected escrow.Status) error {
	conds, err := json.Marshal(a.Conditions)
	if err != nil {
		return fmt.Errorf("postgres: encode conditions: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE escrow_accounts
		SET status = $1, conditions = $2, platform_fee = $3, net_amount = $4,
		    resolution = $5, updated_at = $6, resolved_at = $7
		WHERE id = $8 AND status = $9`,
		string(a.Status), conds, a.PlatformFee, a.NetAmount, a.Resolution, a.UpdatedAt, a.ResolvedAt,
		a.ID, string(expected))
	if err != nil {
		return fmt.Errorf("postgres: update escrow: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var cur string
	err = r.db.QueryRowContext(ctx, `SELECT status FROM escrow_accounts WHERE id = $1`, a.ID).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return &escrow.EscrowError{Code: escrow.CodeNotFound, EscrowID: a.ID}
	}
	if err != nil {
		return fmt.Errorf("postgres: read escrow status: %w", err)
	}
	return &escrow.EscrowError{Code: escrow.CodeInvalidState, EscrowID: a.ID, Detail: "status " + cur}
}

func (r *EscrowRepo) ListBySession(ctx context.Context, sessionID string) ([]*escrow.Account, error) {
	return r.list(ctx, `SELECT `+escrowColumns+` FROM escrow_accounts WHERE session_id = $1 ORDER BY created_at`, sessionID)
}

func (r *EscrowRepo) ListDue(ctx context.Context, before time.Time, limit int) ([]*escrow.Account, error) {
	return r.list(ctx, `SELECT `+escrowColumns+` FROM escrow_accounts
		WHERE status = 'locked' AND auto_release_at <= $1
		ORDER BY auto_release_at LIMIT $2`, before, pageLimit(limit))
}

func (r *EscrowRepo) List(ctx context.Context, status escrow.Status, limit int) ([]*escrow.Account, error) {
	if status == "" {
		return r.list(ctx, `SELECT `+escrowColumns+` FROM escrow_accounts ORDER BY created_at LIMIT $1`, pageLimit(limit))
	}
	return r.list(ctx, `SELECT `+escrowColumns+` FROM escrow_accounts WHERE status = $1 ORDER BY created_at LIMIT $2`,
		string(status), pageLimit(limit))
}

func (r *EscrowRepo) list(ctx context.Context, query string, args ...any) ([]*escrow.Account, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query escrow: %w", err)
	}
	defer rows.Close()

	out := make([]*escrow.Account, 0)
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan escrow: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(s scanner) (*escrow.Account, error) {
	var (
		a        escrow.Account
		status   string
		conds    []byte
		resolved sql.NullTime
	)
	err := s.Scan(&a.ID, &a.SessionID, &a.Payer, &a.Recipient, &a.Amount, &a.Currency, &status, &conds,
		&a.AutoReleaseAt, &a.PlatformFee, &a.NetAmount, &a.Resolution, &a.CreatedAt, &a.UpdatedAt, &resolved)
	if err != nil {
		return nil, err
	}
	a.Status = escrow.Status(status)
	if len(conds) > 0 {
		if err := json.Unmarshal(conds, &a.Conditions); err != nil {
			return nil, fmt.Errorf("decode conditions: %w", err)
		}
	}
	if resolved.Valid {
		t := resolved.Time
		a.ResolvedAt = &t
	}
	return &a, nil
}

// pageLimit: 0 значит «без верхней границы» в памяти, в SQL ограничиваем разумным числом.
func pageLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 1000
	}
	return limit
}
