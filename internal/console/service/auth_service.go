package service

import (
	"context"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/x402-paygate/internal/domain"
	"github.com/xela07ax/x402-paygate/internal/infra/auth"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// OperatorProvider возвращает nil, nil, если оператора нет.
type OperatorProvider interface {
	GetOperatorByUsername(ctx context.Context, username string) (*domain.Operator, error)
}

type AuthService struct {
	repo   OperatorProvider
	issuer *auth.Issuer
	ttl    time.Duration
}

func NewAuthService(repo OperatorProvider, issuer *auth.Issuer, ttl time.Duration) *AuthService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &AuthService{repo: repo, issuer: issuer, ttl: ttl}
}

func (s *AuthService) GenerateToken(ctx context.Context, username, password string) (*domain.TokenResponse, error) {
	// 1. Аутентификация (Источник правды — Postgres)
	op, err := s.repo.GetOperatorByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, ErrInvalidCredentials
	}

	// 2. Проверка пароля (используем bcrypt)
	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	// 3. Подпись токена ЗАКРЫТЫМ КЛЮЧОМ (RS256), scopes берём из прав оператора в БД
	return s.issuer.IssueOperator(op, s.ttl)
}
