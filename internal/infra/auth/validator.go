package auth

import (
	"crypto/rsa"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xela07ax/x402-paygate/internal/domain"
)

// BaseValidator содержит общую логику проверки RS256.
// Одним ключом проверяются и операторские, и сессионные токены.
type BaseValidator struct {
	publicKey *rsa.PublicKey
}

func NewBaseValidator(pubKey *rsa.PublicKey) *BaseValidator {
	return &BaseValidator{publicKey: pubKey}
}

// VerifyOperator реализует OperatorVerifier для консоли.
func (v *BaseValidator) VerifyOperator(tokenStr string) (*domain.OperatorClaims, error) {
	claims := &domain.OperatorClaims{}
	if err := v.parse(tokenStr, claims); err != nil {
		return nil, err
	}
	if claims.OperatorID == "" {
		return nil, fmt.Errorf("invalid claims: operator_id missing")
	}
	return claims, nil
}

// VerifySession проверяет токен управляющей сессии устройства.
func (v *BaseValidator) VerifySession(tokenStr string) (*domain.SessionClaims, error) {
	claims := &domain.SessionClaims{}
	if err := v.parse(tokenStr, claims); err != nil {
		return nil, err
	}
	if claims.SessionID == "" {
		return nil, fmt.Errorf("invalid claims: session_id missing")
	}
	return claims, nil
}

func (v *BaseValidator) parse(tokenStr string, claims jwt.Claims) error {
	tokenStr = strings.TrimPrefix(tokenStr, "Bearer ")
	tokenStr = strings.TrimSpace(tokenStr)

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.publicKey, nil
	})
	if err != nil || !token.Valid {
		return fmt.Errorf("invalid token: %w", err)
	}
	return nil
}

// ParseRSAPublicKey превращает []byte в объект для проверки подписи
func ParseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("public key data is empty")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return key, nil
}

// ParseRSAPrivateKey превращает []byte в объект для подписи
func ParseRSAPrivateKey(data []byte) (*rsa.PrivateKey, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("private key data is empty")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}
