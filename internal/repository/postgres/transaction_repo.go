package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/xela07ax/x402-paygate/internal/domain"
	"github.com/xela07ax/x402-paygate/internal/escrow"
)

// TransactionRepo — escrow.TxStore поверх Postgres.
type TransactionRepo struct {
	db *sql.DB
}

func NewTransactionRepo(db *sql.DB) *TransactionRepo {
	return &TransactionRepo{db: db}
}

const txColumns = `id, payment_request_id, session_id, device_id, payer, recipient, amount, platform_fee,
	net_amount, currency, status, ledger_tx_id, failure_reason, created_at, updated_at, completed_at`

func (r *TransactionRepo) Insert(ctx context.Context, tx *domain.PaymentTransaction) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO payment_transactions (`+txColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		tx.ID, tx.PaymentRequestID, tx.SessionID, tx.DeviceID, tx.Payer, tx.Recipient, tx.Amount, tx.PlatformFee,
		tx.NetAmount, tx.Currency, string(tx.Status), tx.LedgerTxID, tx.FailureReason, tx.CreatedAt, tx.UpdatedAt, tx.CompletedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to insert transaction: %w", err)
	}
	return nil
}

func (r *TransactionRepo) Get(ctx context.Context, id string) (*domain.PaymentTransaction, error) {
	tx, err := scanTx(r.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM payment_transactions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", escrow.ErrTxNotFound, id)
		}
		return nil, fmt.Errorf("postgres: get transaction: %w", err)
	}
	return tx, nil
}

func (r *TransactionRepo) UpdateIfStatus(ctx context.Context, tx *domain.PaymentTransaction, expected domain.TxStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE payment_transactions
		SET status = $1, ledger_tx_id = $2, failure_reason = $3, updated_at = $4, completed_at = $5
		WHERE id = $6 AND status = $7`,
		string(tx.Status), tx.LedgerTxID, tx.FailureReason, tx.UpdatedAt, tx.CompletedAt, tx.ID, string(expected))
	if err != nil {
		return fmt.Errorf("postgres: update transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var cur string
	err = r.db.QueryRowContext(ctx, `SELECT status FROM payment_transactions WHERE id = $1`, tx.ID).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", escrow.ErrTxNotFound, tx.ID)
	}
	if err != nil {
		return fmt.Errorf("postgres: read transaction status: %w", err)
	}
	return fmt.Errorf("%w: %s is %s", domain.ErrInvalidTxTransition, tx.ID, cur)
}

// List строит WHERE из непустых полей фильтра. Новые сверху.
func (r *TransactionRepo) List(ctx context.Context, f escrow.Filter) ([]*domain.PaymentTransaction, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.SessionID != "" {
		add("session_id = $%d", f.SessionID)
	}
	if f.DeviceID != "" {
		add("device_id = $%d", f.DeviceID)
	}
	if f.Payer != "" {
		add("payer = $%d", f.Payer)
	}
	if f.Recipient != "" {
		add("recipient = $%d", f.Recipient)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Currency != "" {
		add("currency = $%d", f.Currency)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at <= $%d", f.To)
	}

	query := `SELECT ` + txColumns + ` FROM payment_transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query transactions: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.PaymentTransaction, 0)
	for rows.Next() {
		tx, err := scanTx(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return out, nil
}

func scanTx(s scanner) (*domain.PaymentTransaction, error) {
	var (
		tx        domain.PaymentTransaction
		status    string
		ledgerTx  sql.NullString
		completed sql.NullTime
	)
	err := s.Scan(&tx.ID, &tx.PaymentRequestID, &tx.SessionID, &tx.DeviceID, &tx.Payer, &tx.Recipient, &tx.Amount,
		&tx.PlatformFee, &tx.NetAmount, &tx.Currency, &status, &ledgerTx, &tx.FailureReason, &tx.CreatedAt,
		&tx.UpdatedAt, &completed)
	if err != nil {
		return nil, err
	}
	tx.Status = domain.TxStatus(status)
	// Маппим NULL значения
	if ledgerTx.Valid {
		v := ledgerTx.String
		tx.LedgerTxID = &v
	}
	if completed.Valid {
		t := completed.Time
		tx.CompletedAt = &t
	}
	return &tx, nil
}
