package gateway

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/x402-paygate/internal/abuse"
	"github.com/xela07ax/x402-paygate/internal/device"
	"github.com/xela07ax/x402-paygate/internal/domain"
	"github.com/xela07ax/x402-paygate/internal/escrow"
	"github.com/xela07ax/x402-paygate/internal/infra/auth"
	"github.com/xela07ax/x402-paygate/internal/intent"
	"github.com/xela07ax/x402-paygate/internal/settlement"
	"github.com/xela07ax/x402-paygate/internal/signature"
)

const agentID = "pdf-summarizer-v1"

type fixture struct {
	srv       *Server
	payer     *signature.Keypair
	recipient *signature.Keypair
	auth      *intent.Authorizer
	ledger    *settlement.MockLedger
	escrow    *escrow.Ledger
	payments  *escrow.TxLedger
	sim       *device.Simulator
	issuer    *auth.Issuer
}

func newFixture(t *testing.T, limits abuse.Limits) *fixture {
	t.Helper()
	payer, err := signature.GenerateKeypair()
	require.NoError(t, err)
	recipient, err := signature.GenerateKeypair()
	require.NoError(t, err)
	fac, err := signature.GenerateKeypair()
	require.NoError(t, err)

	log := zap.NewNop()
	prices := map[string]settlement.Price{
		agentID: {Amount: 50_000, Recipient: recipient.Address(), Name: "PDF Summarizer"},
	}
	ledger := settlement.NewMockLedger(prices, 50_000_000)
	ledger.MinLatency, ledger.MaxLatency = 0, 0

	esc := escrow.NewLedger(escrow.NewMemoryStore(), escrow.LedgerConfig{FeePercent: decimal.NewFromInt(5)}, log, nil)
	txs := escrow.NewTxLedger(escrow.NewMemoryTxStore(), decimal.NewFromInt(5), "USDC", log)
	coord := settlement.NewCoordinator(ledger, esc, nil, settlement.CoordinatorConfig{}, log, nil)

	pcfg := settlement.DefaultPaymentConfig()
	pcfg.FacilitatorAddress = fac.Address()
	proc, err := settlement.NewProcessor(pcfg, txs, esc, nil, coord, log)
	require.NoError(t, err)

	guard := abuse.NewGuard(abuse.GuardDeps{Limits: limits}, log, nil)

	sim := device.NewSimulator(1)
	sim.MinLatency, sim.MaxLatency = 0, 0
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	issuer := auth.NewIssuer(key, "")
	reg := device.NewRegistry(
		device.DeviceInfo{ID: "arm-1", Type: "robot_arm", Owner: recipient.Address()},
		device.DeviceInfo{ID: "arm-2", Type: "robot_arm", Owner: recipient.Address()},
	)
	mgr := device.NewManager(device.ManagerConfig{}, reg, sim, guard, esc, issuer, nil, log, nil)

	srv := NewServer(Config{Network: "devnet"}, Deps{
		Authorizer:  intent.NewAuthorizer(intent.Config{}, intent.NewMemoryNonceStore(), log, nil),
		Coordinator: coord,
		Processor:   proc,
		Payments:    txs,
		Devices:     mgr,
		Sessions:    auth.NewBaseValidator(issuer.PublicKey()),
		Registry:    reg,
		Guard:       guard,
		Agent:       settlement.NewEchoAgent(),
		Facilitator: ledger,
		Prices:      prices,
	}, log)

	return &fixture{
		srv: srv, payer: payer, recipient: recipient, auth: srv.deps.Authorizer,
		ledger: ledger, escrow: esc, payments: txs, sim: sim, issuer: issuer,
	}
}

func roomyLimits() abuse.Limits {
	return abuse.Limits{Default: abuse.RateLimitConfig{RequestsPerMinute: 100, RequestsPerHour: 1000, BurstLimit: 100}}
}

// signedHeader собирает X-PAYMENT так, как это делает клиент-кошелёк.
func (f *fixture) signedHeader(t *testing.T, amount int64) string {
	t.Helper()
	return f.signedHeaderFor(t, agentID, amount)
}

func (f *fixture) signedHeaderFor(t *testing.T, resourceID string, amount int64) string {
	t.Helper()
	in, err := f.auth.CreateIntent(intent.CreateParams{
		Payer:      f.payer.Address(),
		Recipient:  f.recipient.Address(),
		Amount:     amount,
		ResourceID: resourceID,
	})
	require.NoError(t, err)
	sig := signature.Sign(in, f.payer)
	raw, err := intent.EncodeHeader(intent.NewHeader("devnet", in, &sig, nil))
	require.NoError(t, err)
	return raw
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestPaywall_NoPaymentReturnsInvoice(t *testing.T) {
	f := newFixture(t, roomyLimits())

	rec := f.do(t, http.MethodPost, "/api/v1/agents/"+agentID+"/execute", nil, nil)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("X-Payment-Required"))
	assert.Equal(t, "50000", rec.Header().Get("X-Payment-Amount"))
	assert.Equal(t, f.recipient.Address(), rec.Header().Get("X-Payment-Recipient"))
	assert.Equal(t, agentID, rec.Header().Get("X-Payment-Agent"))

	rec = f.do(t, http.MethodPost, "/api/v1/agents/unknown/execute", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "unknown_resource", decode[ErrorBody](t, rec).Code)
}

func TestPaywall_SignedIntentSettlesOnce(t *testing.T) {
	f := newFixture(t, roomyLimits())
	payment := f.signedHeader(t, 50_000)
	path := "/api/v1/agents/" + agentID + "/execute"

	rec := f.do(t, http.MethodPost, path, map[string]any{"taskParams": map[string]any{"pages": 3}},
		map[string]string{intent.HeaderPayment: payment})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	txSig := rec.Header().Get(intent.HeaderTxSignature)
	require.NotEmpty(t, txSig)

	var body struct {
		Status  string         `json:"status"`
		Result  map[string]any `json:"result"`
		Payment Receipt        `json:"payment"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "completed", body.Status)
	assert.Equal(t, txSig, body.Payment.TxSignature)
	assert.Equal(t, f.payer.Address(), body.Payment.Payer)
	assert.Equal(t, int64(50_000), body.Payment.Amount)
	assert.Equal(t, txSig, body.Result["txSignature"])

	// тот же заголовок второй раз: nonce уже израсходован
	rec = f.do(t, http.MethodPost, path, nil, map[string]string{intent.HeaderPayment: payment})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, string(intent.ReasonReplayDetected), decode[ErrorBody](t, rec).Code)

	// оплата уже погашена первым вызовом
	rec = f.do(t, http.MethodPost, path, nil, map[string]string{intent.HeaderTxSignature: txSig})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, string(intent.ReasonReplayDetected), decode[ErrorBody](t, rec).Code)

	rec = f.do(t, http.MethodPost, path, nil, map[string]string{intent.HeaderTxSignature: "unknown-signature"})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "payment_not_confirmed", decode[ErrorBody](t, rec).Code)
}

func TestPaywall_InvoiceSettlementRedeemsOnce(t *testing.T) {
	f := newFixture(t, roomyLimits())
	path := "/api/v1/agents/" + agentID + "/execute"

	rec := f.do(t, http.MethodPost, "/api/v1/settlements", map[string]any{"agentId": agentID, "payer": f.payer.Address()}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	st := decode[settlement.Settlement](t, rec)

	rec = f.do(t, http.MethodPost, "/api/v1/settlements/"+st.ID+"/signature", map[string]any{"signedTransaction": "signed-by-wallet"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = f.do(t, http.MethodPost, "/api/v1/settlements/"+st.ID+"/submit", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st = decode[settlement.Settlement](t, rec)
	require.NotEmpty(t, st.TxSignature)

	rec = f.do(t, http.MethodPost, path, nil, map[string]string{intent.HeaderTxSignature: st.TxSignature})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, path, nil, map[string]string{intent.HeaderTxSignature: st.TxSignature})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, string(intent.ReasonReplayDetected), decode[ErrorBody](t, rec).Code)
}

func TestPaywall_RejectsBadPayments(t *testing.T) {
	f := newFixture(t, roomyLimits())
	path := "/api/v1/agents/" + agentID + "/execute"

	rec := f.do(t, http.MethodPost, path, nil, map[string]string{intent.HeaderPayment: "%%not-base64%%"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_payment_header", decode[ErrorBody](t, rec).Code)

	rec = f.do(t, http.MethodPost, path, nil, map[string]string{intent.HeaderPayment: f.signedHeader(t, 10_000)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "bad_request", decode[ErrorBody](t, rec).Code)

	// подпись чужим ключом
	in, err := f.auth.CreateIntent(intent.CreateParams{
		Payer: f.payer.Address(), Recipient: f.recipient.Address(), Amount: 50_000, ResourceID: agentID,
	})
	require.NoError(t, err)
	sig := signature.Sign(in, f.recipient)
	forged, err := intent.EncodeHeader(intent.NewHeader("devnet", in, &sig, nil))
	require.NoError(t, err)
	rec = f.do(t, http.MethodPost, path, nil, map[string]string{intent.HeaderPayment: forged})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, string(intent.ReasonInvalidSignature), decode[ErrorBody](t, rec).Code)

	// отказ леджера: расчёт падает, ресурс не вызывается
	f.ledger.FailNext()
	rec = f.do(t, http.MethodPost, path, nil, map[string]string{intent.HeaderPayment: f.signedHeader(t, 50_000)})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, string(settlement.ReasonLedgerRejected), decode[ErrorBody](t, rec).Code)
	assert.Empty(t, rec.Header().Get(intent.HeaderTxSignature))
}

func TestCreateIntent_RateLimited(t *testing.T) {
	f := newFixture(t, abuse.Limits{Default: abuse.RateLimitConfig{RequestsPerMinute: 1, RequestsPerHour: 10, BurstLimit: 1}})
	body := map[string]any{"payer": f.payer.Address(), "agentId": agentID}

	rec := f.do(t, http.MethodPost, "/api/v1/intents", body, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[createIntentResponse](t, rec)
	assert.Equal(t, int64(50_000), created.Intent.Amount)
	assert.Equal(t, f.recipient.Address(), created.Intent.Recipient)
	assert.NotEmpty(t, created.Message)

	rec = f.do(t, http.MethodPost, "/api/v1/intents", body, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	eb := decode[ErrorBody](t, rec)
	assert.Equal(t, string(abuse.CodeRateLimited), eb.Code)
	assert.Equal(t, abuse.ReasonBurst, eb.Message)
	require.NotNil(t, eb.Remaining)
	assert.Zero(t, *eb.Remaining)
}

// paidSession проходит весь платный путь: запрос оплаты, подписанная заявка, сессия.
func (f *fixture) paidSession(t *testing.T, deviceID string) (settlement.PaymentRequest, *device.SessionHandle) {
	t.Helper()
	user := f.payer.Address()

	rec := f.do(t, http.MethodPost, "/api/v1/payments/requests", map[string]any{
		"deviceId": deviceID, "userId": user, "deviceOwner": f.recipient.Address(), "amount": 100_000,
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	pr := decode[settlement.PaymentRequest](t, rec)
	require.NotEmpty(t, pr.SessionID)

	rec = f.do(t, http.MethodPost, "/api/v1/payments/requests/"+pr.RequestID+"/process",
		map[string]any{"payment": f.signedHeaderFor(t, deviceID, 100_000)}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tx := decode[domain.PaymentTransaction](t, rec)
	require.Equal(t, domain.TxCompleted, tx.Status)
	assert.Equal(t, user, tx.Payer)
	assert.Equal(t, int64(5_000), tx.PlatformFee)

	rec = f.do(t, http.MethodPost, "/api/v1/sessions", map[string]any{
		"transactionId": tx.ID, "deviceId": deviceID, "userId": user, "duration": 600,
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	h := decode[device.SessionHandle](t, rec)
	require.NotEmpty(t, h.SessionToken)
	return pr, &h
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestDeviceSession_PaidLifecycle(t *testing.T) {
	f := newFixture(t, roomyLimits())
	pr, h := f.paidSession(t, "arm-1")
	assert.Equal(t, pr.SessionID, h.Session.ID)
	assert.Equal(t, 10*time.Minute, h.Session.Duration)
	withToken := bearer(h.SessionToken)

	rec := f.do(t, http.MethodPost, "/api/v1/sessions/"+h.Session.ID+"/commands", map[string]any{
		"type": "move", "parameters": map[string]any{"x": 1, "y": 2, "z": 3, "speed": 10},
	}, withToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[device.ExecutedCommand](t, rec).Success)

	rec = f.do(t, http.MethodPost, "/api/v1/sessions/"+h.Session.ID+"/commands", map[string]any{
		"type": "move", "parameters": map[string]any{"x": 1, "y": 2, "z": 3, "speed": 1000},
	}, withToken)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// устройство занято, пока сессия открыта
	rec = f.do(t, http.MethodGet, "/api/v1/devices", nil, nil)
	devices := decode[[]device.DeviceInfo](t, rec)
	require.Len(t, devices, 2)
	for _, d := range devices {
		if d.ID == "arm-1" {
			assert.Equal(t, device.DeviceBusy, d.Status)
		}
	}

	rec = f.do(t, http.MethodDelete, "/api/v1/sessions/"+h.Session.ID, nil, withToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	closed := decode[device.Session](t, rec)
	assert.Equal(t, device.SessionCompleted, closed.Status)
	assert.True(t, closed.Finalized)

	released, err := f.escrow.List(context.Background(), escrow.StatusReleased, 0)
	require.NoError(t, err)
	require.Len(t, released, 1)
	assert.Equal(t, pr.SessionID, released[0].SessionID)

	rec = f.do(t, http.MethodPost, "/api/v1/sessions/"+h.Session.ID+"/commands", map[string]any{
		"type": "status", "parameters": map[string]any{},
	}, withToken)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/payments/sessions/"+pr.SessionID+"/summary", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProcessPayment_RequiresSignedIntent(t *testing.T) {
	f := newFixture(t, roomyLimits())

	rec := f.do(t, http.MethodPost, "/api/v1/payments/requests", map[string]any{
		"deviceId": "arm-1", "userId": f.payer.Address(), "deviceOwner": f.recipient.Address(), "amount": 100_000,
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	pr := decode[settlement.PaymentRequest](t, rec)
	path := "/api/v1/payments/requests/" + pr.RequestID + "/process"

	rec = f.do(t, http.MethodPost, path, map[string]any{"payer": "nobody-signed-anything"}, nil)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "payment_not_confirmed", decode[ErrorBody](t, rec).Code)

	// заявка на 1 единицу не оплачивает запрос на 100 000
	rec = f.do(t, http.MethodPost, path, map[string]any{"payment": f.signedHeaderFor(t, "arm-1", 1_000)}, nil)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "payment_mismatch", decode[ErrorBody](t, rec).Code)

	locked, err := f.escrow.List(context.Background(), escrow.StatusLocked, 0)
	require.NoError(t, err)
	assert.Empty(t, locked)
}

func TestSessionControl_RequiresOwnToken(t *testing.T) {
	f := newFixture(t, roomyLimits())
	_, mine := f.paidSession(t, "arm-1")
	_, other := f.paidSession(t, "arm-2")
	commands := "/api/v1/sessions/" + mine.Session.ID + "/commands"
	move := map[string]any{"type": "move", "parameters": map[string]any{"x": 1, "y": 2, "z": 3, "speed": 10}}

	rec := f.do(t, http.MethodPost, commands, move, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "session_token_required", decode[ErrorBody](t, rec).Code)

	rec = f.do(t, http.MethodDelete, "/api/v1/sessions/"+mine.Session.ID, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, commands, move, bearer("not-a-jwt"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_session_token", decode[ErrorBody](t, rec).Code)

	// токен соседней сессии
	for _, path := range []string{commands, "/api/v1/sessions/" + mine.Session.ID + "/pause", "/api/v1/sessions/" + mine.Session.ID + "/emergency-stop"} {
		rec = f.do(t, http.MethodPost, path, move, bearer(other.SessionToken))
		assert.Equal(t, http.StatusForbidden, rec.Code, path)
		assert.Equal(t, "session_mismatch", decode[ErrorBody](t, rec).Code)
	}

	// токен на ту же сессию, но выписанный на другого пользователя
	forged, err := f.issuer.IssueSession(mine.Session.ID, "arm-1", "mallory", time.Now().Add(time.Minute))
	require.NoError(t, err)
	rec = f.do(t, http.MethodDelete, "/api/v1/sessions/"+mine.Session.ID, nil, bearer(forged))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/sessions/"+mine.Session.ID, nil, bearer(mine.SessionToken))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, device.SessionActive, decode[device.Session](t, rec).Status)
}

func TestInitSession_OnlyPayer(t *testing.T) {
	f := newFixture(t, roomyLimits())
	ctx := context.Background()

	require.NoError(t, f.payments.Record(ctx, &domain.PaymentTransaction{
		ID: "tx_paid", SessionID: "session_arm-1_1_abcdefgh", DeviceID: "arm-1", Payer: f.payer.Address(),
		Amount: 100_000, Status: domain.TxCompleted, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))
	rec := f.do(t, http.MethodPost, "/api/v1/sessions", map[string]any{
		"transactionId": "tx_paid", "deviceId": "arm-1", "userId": "someone-else",
	}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "payer_mismatch", decode[ErrorBody](t, rec).Code)
}

func TestExecuteCommand_DeviceFaultKeepsExecution(t *testing.T) {
	f := newFixture(t, roomyLimits())
	_, h := f.paidSession(t, "arm-1")
	f.sim.SetOffline("arm-1", true)

	rec := f.do(t, http.MethodPost, "/api/v1/sessions/"+h.Session.ID+"/commands", map[string]any{
		"type": "status", "parameters": map[string]any{},
	}, bearer(h.SessionToken))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Code    string                 `json:"code"`
		Details device.ExecutedCommand `json:"details"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "device_offline", body.Code)
	assert.NotEmpty(t, body.Details.ExecutionID)
	assert.False(t, body.Details.Success)
}

func TestInitSession_RequiresSettledPayment(t *testing.T) {
	f := newFixture(t, roomyLimits())
	ctx := context.Background()

	rec := f.do(t, http.MethodPost, "/api/v1/sessions", map[string]any{
		"transactionId": "tx_missing", "deviceId": "arm-1", "userId": "u1",
	}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, f.payments.Record(ctx, &domain.PaymentTransaction{
		ID: "tx_pending", SessionID: "session_arm-1_1_abcdefgh", DeviceID: "arm-1", Payer: "u1", Amount: 100_000,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))
	rec = f.do(t, http.MethodPost, "/api/v1/sessions", map[string]any{
		"transactionId": "tx_pending", "deviceId": "arm-1", "userId": "u1",
	}, nil)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "payment_not_verified", decode[ErrorBody](t, rec).Code)

	rec = f.do(t, http.MethodPost, "/api/v1/sessions", map[string]any{"deviceId": "arm-1"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTraceIDPropagates(t *testing.T) {
	f := newFixture(t, roomyLimits())

	rec := f.do(t, http.MethodGet, "/health", nil, map[string]string{HeaderTraceID: "trace-123"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "trace-123", rec.Header().Get(HeaderTraceID))

	rec = f.do(t, http.MethodGet, "/status", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(HeaderTraceID))
}

func TestFacilitatorHandler_RoundTrip(t *testing.T) {
	f := newFixture(t, roomyLimits())
	ts := httptest.NewServer(f.srv)
	defer ts.Close()

	client := settlement.NewHTTPFacilitator(ts.URL+"/facilitator", "", ts.Client())
	ctx := context.Background()

	tpl, err := client.CreateTransaction(ctx, settlement.CreateTxRequest{AgentID: agentID, Payer: f.payer.Address()})
	require.NoError(t, err)
	assert.Equal(t, int64(50_000), tpl.Amount)

	_, err = client.CreateTransaction(ctx, settlement.CreateTxRequest{AgentID: "nope", Payer: f.payer.Address()})
	var lr *settlement.LedgerRejection
	require.ErrorAs(t, err, &lr)
	assert.Equal(t, http.StatusNotFound, lr.Status)
	assert.Equal(t, "Agent not found", lr.Message)

	sub, err := client.SubmitTransaction(ctx, settlement.SubmitTxRequest{SignedTransaction: "signed", PaymentID: tpl.PaymentID})
	require.NoError(t, err)
	assert.NotEmpty(t, sub.TxSignature)

	payment := f.signedHeader(t, 50_000)
	res, err := client.Settle(ctx, settlement.SettleRequest{Payment: payment})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.TxSignature)

	resp, err := ts.Client().Post(ts.URL+"/facilitator/verify", "application/json",
		bytes.NewBufferString(`{"payment":"`+payment+`"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	var v verifyResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	assert.True(t, v.IsValid)
	assert.Equal(t, f.payer.Address(), v.Payer)
}

func TestFacilitatorHandler_SettleRejectsForgedSignature(t *testing.T) {
	f := newFixture(t, roomyLimits())
	in, err := f.auth.CreateIntent(intent.CreateParams{
		Payer: f.payer.Address(), Recipient: f.recipient.Address(), Amount: 50_000, ResourceID: agentID,
	})
	require.NoError(t, err)
	sig := signature.Sign(in, f.recipient)
	forged, err := intent.EncodeHeader(intent.NewHeader("devnet", in, &sig, nil))
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/facilitator/settle", settlement.SettleRequest{Payment: forged}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	res := decode[settlement.SettleResponse](t, rec)
	assert.False(t, res.Success)
	assert.Equal(t, string(intent.ReasonInvalidSignature), res.Error)

	rec = f.do(t, http.MethodPost, "/facilitator/verify", nil, map[string]string{intent.HeaderPayment: forged})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[verifyResponse](t, rec).IsValid)
}
