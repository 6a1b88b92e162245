package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/x402-paygate/internal/abuse"
	"github.com/xela07ax/x402-paygate/internal/audit"
	"github.com/xela07ax/x402-paygate/internal/intent"
	"github.com/xela07ax/x402-paygate/internal/settlement"
)

const receiptKey ctxKey = "payment_receipt"

// Receipt — подтверждённая оплата текущего запроса.
type Receipt struct {
	SettlementID string `json:"settlementId"`
	PaymentID    string `json:"paymentId"`
	Payer        string `json:"payer"`
	Amount       int64  `json:"amount"`
	TxSignature  string `json:"txSignature"`
	ExplorerURL  string `json:"explorerUrl,omitempty"`
	Gasless      bool   `json:"gasless"`
}

func ReceiptFromContext(ctx context.Context) (*Receipt, bool) {
	rc, ok := ctx.Value(receiptKey).(*Receipt)
	return rc, ok
}

// Paywall пропускает запрос к ресурсу {agentID} только после оплаты.
//
// X-TX-SIGNATURE — подтверждённая, ещё не погашенная транзакция за этот ресурс.
// X-PAYMENT — подписанная заявка: AbuseGuard, авторизация (подпись, срок, nonce),
// затем расчёт через фасилитатора. Без заголовков — 402 со счётом.
func (s *Server) Paywall(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resourceID := chi.URLParam(r, "agentID")
		price, ok := s.deps.Prices[resourceID]
		if !ok {
			WriteJSON(w, http.StatusNotFound, ErrorBody{Error: "Not Found", Code: "unknown_resource", Message: "unknown resource " + resourceID})
			return
		}

		var (
			rc  *Receipt
			err error
		)
		switch {
		case r.Header.Get(intent.HeaderTxSignature) != "":
			rc, err = s.confirmTx(r, resourceID, r.Header.Get(intent.HeaderTxSignature))
		case r.Header.Get(intent.HeaderPayment) != "":
			rc, err = s.settlePayment(r, resourceID, price, r.Header.Get(intent.HeaderPayment))
		default:
			intent.WritePaymentRequired(w, s.invoice(resourceID, price), "")
			return
		}
		if err != nil {
			WriteError(w, r, s.logger, err)
			return
		}

		w.Header().Set(intent.HeaderTxSignature, rc.TxSignature)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), receiptKey, rc)))
	})
}

func (s *Server) invoice(resourceID string, price settlement.Price) intent.Invoice {
	return intent.Invoice{
		Amount:      price.Amount,
		Currency:    s.cfg.Currency,
		Recipient:   price.Recipient,
		ResourceID:  resourceID,
		Network:     s.cfg.Network,
		ExpiresAt:   s.now().Add(s.cfg.InvoiceTTL).Unix(),
		Description: price.Name,
	}
}

func (s *Server) confirmTx(r *http.Request, resourceID, txSig string) (*Receipt, error) {
	st, err := s.deps.Coordinator.Confirmed(r.Context(), txSig)
	if err != nil {
		return nil, err
	}
	if st.ResourceID != resourceID {
		return nil, fmt.Errorf("%w: tx %s paid for %s", settlement.ErrNotSettled, txSig, st.ResourceID)
	}
	if err := s.admit(r, st.Payer, abuse.ClassAPICall); err != nil {
		return nil, err
	}
	if st, err = s.deps.Coordinator.Redeem(r.Context(), txSig); err != nil {
		return nil, err
	}
	return receiptFrom(st, false), nil
}

func (s *Server) settlePayment(r *http.Request, resourceID string, price settlement.Price, raw string) (*Receipt, error) {
	start := time.Now()
	h, err := intent.DecodeHeader(raw)
	if err != nil {
		return nil, err
	}
	if err := intent.ValidateHeader(h, s.now()); err != nil {
		return nil, err
	}
	in, err := h.Intent()
	if err != nil {
		return nil, err
	}
	if in.ResourceID != resourceID {
		return nil, badRequest(fmt.Sprintf("payment is for %q, not %q", in.ResourceID, resourceID))
	}
	if in.Amount < price.Amount {
		return nil, badRequest(fmt.Sprintf("payment amount %d below price %d", in.Amount, price.Amount))
	}
	if price.Recipient != "" && in.Recipient != price.Recipient {
		return nil, badRequest("payment recipient does not match resource owner")
	}

	// Гейты AbuseGuard до авторизации: отклонённый запрос не сжигает nonce
	if err := s.admit(r, in.Payer, abuse.ClassPayment); err != nil {
		return nil, err
	}
	if h.Payload.Signature == nil {
		return nil, &intent.AuthorizationError{Reason: intent.ReasonInvalidSignature, Detail: "paymentIntentSignature missing"}
	}

	ev := audit.Event{
		TraceID:  TraceID(r.Context()),
		Kind:     audit.KindSettlement,
		Actor:    in.Payer,
		Resource: in.PaymentID,
		Action:   "settle_intent",
		Amount:   in.Amount,
		Currency: s.cfg.Currency,
		Payload:  map[string]any{"agentId": resourceID},
	}
	defer func() {
		ev.DurationMs = time.Since(start).Milliseconds()
		s.deps.Audit.Log(ev)
	}()

	if _, err := s.deps.Authorizer.Authorize(r.Context(), in, *h.Payload.Signature); err != nil {
		s.observe(r, in.Payer, in.Amount, true)
		ev.Kind, ev.Action, ev.Status, ev.Error = audit.KindAuthorization, "authorize", audit.StatusRejected, err.Error()
		return nil, err
	}

	var st *settlement.Settlement
	gasless := s.cfg.GaslessEnabled && s.deps.Gasless != nil
	if gasless {
		var res *settlement.GaslessResult
		res, err = s.deps.Gasless.Execute(r.Context(), settlement.GaslessRequest{
			Intent:      in,
			Signature:   *h.Payload.Signature,
			Gasless:     true,
			Facilitator: s.cfg.FacilitatorAddress,
		})
		if err == nil {
			st, err = s.deps.Coordinator.Get(r.Context(), res.SettlementID)
		}
	} else {
		st, err = s.deps.Coordinator.SettleIntent(r.Context(), settlement.IntentSettlement{
			PaymentID:  in.PaymentID,
			ResourceID: in.ResourceID,
			Payer:      in.Payer,
			Recipient:  in.Recipient,
			Amount:     in.Amount,
			Payment:    raw,
		})
	}
	s.observe(r, in.Payer, in.Amount, err != nil)
	if err != nil {
		ev.Status, ev.Error = audit.StatusFailed, err.Error()
		s.logger.Warn("payment settlement failed",
			zap.String("trace_id", TraceID(r.Context())),
			zap.String("payment_id", in.PaymentID),
			zap.Error(err))
		return nil, err
	}

	// Оплата по X-PAYMENT сразу погашается текущим запросом
	if st, err = s.deps.Coordinator.Redeem(r.Context(), st.TxSignature); err != nil {
		ev.Status, ev.Error = audit.StatusFailed, err.Error()
		return nil, err
	}

	ev.Status = audit.StatusOK
	ev.Payload["txSignature"] = st.TxSignature
	return receiptFrom(st, gasless), nil
}

func receiptFrom(st *settlement.Settlement, gasless bool) *Receipt {
	return &Receipt{
		SettlementID: st.ID,
		PaymentID:    st.PaymentID,
		Payer:        st.Payer,
		Amount:       st.Amount,
		TxSignature:  st.TxSignature,
		ExplorerURL:  st.ExplorerURL,
		Gasless:      gasless,
	}
}
