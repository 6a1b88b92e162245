package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xela07ax/x402-paygate/internal/domain"
)

type OperatorRepo struct {
	db *sql.DB
}

func NewOperatorRepo(db *sql.DB) *OperatorRepo {
	return &OperatorRepo{db: db}
}

// GetOperatorByUsername возвращает nil, nil, если оператора нет.
func (r *OperatorRepo) GetOperatorByUsername(ctx context.Context, username string) (*domain.Operator, error) {
	query := `SELECT id, username, password_hash, scopes, created_at FROM operators WHERE username = $1`

	var (
		op     domain.Operator
		scopes []byte
	)
	err := r.db.QueryRowContext(ctx, query, username).Scan(&op.ID, &op.Username, &op.PasswordHash, &scopes, &op.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: get operator: %w", err)
	}
	if len(scopes) > 0 {
		if err := json.Unmarshal(scopes, &op.Scopes); err != nil {
			return nil, fmt.Errorf("postgres: decode operator scopes: %w", err)
		}
	}
	return &op, nil
}

func (r *OperatorRepo) CreateOperator(ctx context.Context, op *domain.Operator) error {
	scopes, err := json.Marshal(op.Scopes)
	if err != nil {
		return fmt.Errorf("postgres: encode operator scopes: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO operators (id, username, password_hash, scopes) VALUES ($1, $2, $3, $4)`,
		op.ID, op.Username, op.PasswordHash, scopes)
	if err != nil {
		return fmt.Errorf("postgres: create operator: %w", err)
	}
	return nil
}
