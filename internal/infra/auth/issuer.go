package auth

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xela07ax/x402-paygate/internal/domain"
)

// Issuer подписывает токены ЗАКРЫТЫМ КЛЮЧОМ (RS256).
type Issuer struct {
	privateKey *rsa.PrivateKey
	name       string
	now        func() time.Time
}

func NewIssuer(privateKey *rsa.PrivateKey, name string) *Issuer {
	if name == "" {
		name = "x402-paygate"
	}
	return &Issuer{privateKey: privateKey, name: name, now: time.Now}
}

// PublicKey — ключ, которым проверяются выданные токены.
func (i *Issuer) PublicKey() *rsa.PublicKey { return &i.privateKey.PublicKey }

func (i *Issuer) IssueOperator(op *domain.Operator, ttl time.Duration) (*domain.TokenResponse, error) {
	now := i.now()
	expiresAt := now.Add(ttl)
	claims := &domain.OperatorClaims{
		OperatorID: op.ID,
		Scopes:     op.Scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.name + "-console",
			Subject:   op.ID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	signed, err := i.sign(claims)
	if err != nil {
		return nil, err
	}
	return &domain.TokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ttl.Seconds()),
	}, nil
}

// IssueSession — токен управляющей сессии, живёт ровно до конца сессии.
func (i *Issuer) IssueSession(sessionID, deviceID, userID string, expiresAt time.Time) (string, error) {
	claims := &domain.SessionClaims{
		SessionID: sessionID,
		DeviceID:  deviceID,
		UserID:    userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.name,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(i.now()),
		},
	}
	return i.sign(claims)
}

func (i *Issuer) sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(i.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
