package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/x402-paygate/internal/domain"
)

func testKeys(t *testing.T) (*rsa.PrivateKey, *BaseValidator) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key, NewBaseValidator(&key.PublicKey)
}

func TestIssueAndVerifySession(t *testing.T) {
	key, v := testKeys(t)
	iss := NewIssuer(key, "")

	tok, err := iss.IssueSession("sess-1", "ugv-rover-01", "payer", time.Now().Add(time.Minute))
	require.NoError(t, err)

	claims, err := v.VerifySession("Bearer " + tok)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", claims.SessionID)
	assert.Equal(t, "ugv-rover-01", claims.DeviceID)
	assert.Equal(t, "payer", claims.UserID)

	// сессионный токен не открывает консоль
	_, err = v.VerifyOperator(tok)
	assert.Error(t, err)
}

func TestVerify_RejectsExpiredAndForeignAlgorithms(t *testing.T) {
	key, v := testKeys(t)
	iss := NewIssuer(key, "")

	expired, err := iss.IssueSession("s", "d", "u", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	_, err = v.VerifySession(expired)
	assert.Error(t, err)

	hs := jwt.NewWithClaims(jwt.SigningMethodHS256, &domain.SessionClaims{SessionID: "s"})
	forged, err := hs.SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = v.VerifySession(forged)
	assert.Error(t, err)

	other, _ := testKeys(t)
	foreign, err := NewIssuer(other, "").IssueSession("s", "d", "u", time.Now().Add(time.Minute))
	require.NoError(t, err)
	_, err = v.VerifySession(foreign)
	assert.Error(t, err)
}

func TestMiddleware_Scopes(t *testing.T) {
	key, v := testKeys(t)
	iss := NewIssuer(key, "")
	tok, err := iss.IssueOperator(&domain.Operator{ID: "op-1", Scopes: map[string]bool{"pause": true}}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "Bearer", tok.TokenType)

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, found := OperatorFromContext(r.Context())
		require.True(t, found)
		_, _ = w.Write([]byte(c.OperatorID))
	})
	mw := NewMiddleware(v, zap.NewNop())

	call := func(scope, header string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		mw(RequireScope(scope)(ok)).ServeHTTP(rec, req)
		return rec
	}

	rec := call("pause", "Bearer "+tok.AccessToken)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "op-1", rec.Body.String())

	assert.Equal(t, http.StatusForbidden, call("escrow", "Bearer "+tok.AccessToken).Code)
	assert.Equal(t, http.StatusUnauthorized, call("pause", "").Code)
	assert.Equal(t, http.StatusUnauthorized, call("pause", "Bearer junk").Code)
}
