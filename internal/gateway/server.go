// Package gateway — HTTP-поверхность шлюза: 402-пэйволл перед платными ресурсами,
// заявки и платежи, управляющие сессии устройств и демо-фасилитатор.
package gateway

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/x402-paygate/internal/abuse"
	"github.com/xela07ax/x402-paygate/internal/audit"
	"github.com/xela07ax/x402-paygate/internal/device"
	"github.com/xela07ax/x402-paygate/internal/escrow"
	"github.com/xela07ax/x402-paygate/internal/infra/auth"
	"github.com/xela07ax/x402-paygate/internal/intent"
	"github.com/xela07ax/x402-paygate/internal/metrics"
	"github.com/xela07ax/x402-paygate/internal/settlement"
)

type Config struct {
	Network            string
	Currency           string
	FacilitatorAddress string        // адрес, который платит газ в gasless-режиме
	GaslessEnabled     bool          // X-PAYMENT проводится через GaslessEngine
	InvoiceTTL         time.Duration // срок счёта в ответе 402
}

// Deps — компоненты, которые шлюз только вызывает. Facilitator и Agent могут быть nil:
// тогда демо-фасилитатор не монтируется, а исполнение агентов недоступно.
// Без Sessions управление сессиями закрыто для всех.
type Deps struct {
	Authorizer  *intent.Authorizer
	Coordinator *settlement.Coordinator
	Gasless     *settlement.GaslessEngine
	Processor   *settlement.Processor
	Payments    *escrow.TxLedger
	Devices     *device.Manager
	Sessions    auth.SessionVerifier
	Registry    *device.Registry
	Guard       *abuse.Guard
	Agent       settlement.AgentExecutor
	Facilitator settlement.Facilitator
	Audit       audit.Auditor
	Prices      map[string]settlement.Price
	Metrics     *metrics.Metrics
}

type Server struct {
	cfg    Config
	deps   Deps
	router *chi.Mux
	logger *zap.Logger
	now    func() time.Time
}

func NewServer(cfg Config, deps Deps, logger *zap.Logger) *Server {
	if cfg.Currency == "" {
		cfg.Currency = "USDC"
	}
	if cfg.InvoiceTTL <= 0 {
		cfg.InvoiceTTL = intent.DefaultTTL
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		router: chi.NewRouter(),
		logger: logger.Named("gateway"),
		now:    time.Now,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(TracingMiddleware)
	r.Use(MetricsMiddleware(s.deps.Metrics, s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/status", s.status)

	if s.deps.Facilitator != nil {
		r.Mount("/facilitator", NewFacilitatorHandler(s.deps.Facilitator, s.cfg.Network, s.logger).Routes())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/intents", s.createIntent)

		// Платные ресурсы: без подтверждённой оплаты отвечают 402
		r.Get("/agents", s.listAgents)
		r.With(s.Paywall).Post("/agents/{agentID}/execute", s.executeAgent)

		// Расчёт по шаблону транзакции (плательщик подписывает сам)
		r.Route("/settlements", func(r chi.Router) {
			r.Post("/", s.createInvoice)
			r.Get("/{id}", s.getSettlement)
			r.Post("/{id}/signature", s.attachSignature)
			r.Post("/{id}/submit", s.submitSettlement)
		})

		r.Route("/payments", func(r chi.Router) {
			r.Post("/requests", s.createPaymentRequest)
			r.Get("/requests/{id}", s.getPaymentRequest)
			r.Post("/requests/{id}/process", s.processPayment)
			r.Get("/transactions/{id}", s.getTransaction)
			r.Get("/history", s.paymentHistory)
			r.Get("/analytics", s.revenueAnalytics)
			r.Get("/revenue-share", s.revenueShare)
			r.Get("/sessions/{sessionID}/summary", s.sessionSummary)
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.initSession)
			r.Get("/", s.listSessions)
			r.Route("/{id}", func(r chi.Router) {
				r.Use(s.RequireSessionToken)
				r.Get("/", s.getSession)
				r.Delete("/", s.terminateSession)
				r.Post("/commands", s.executeCommand)
				r.Post("/emergency-stop", s.emergencyStop)
				r.Post("/pause", s.pauseSession)
				r.Post("/resume", s.resumeSession)
				r.Get("/events", s.sessionEvents)
			})
		})

		r.Get("/devices", s.listDevices)
		r.Post("/devices/{deviceID}/messages", s.deviceMessage)
	})
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type statusResponse struct {
	abuse.SystemStatus
	ActiveSessions int       `json:"activeSessions"`
	Timestamp      time.Time `json:"timestamp"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Timestamp: s.now()}
	if s.deps.Guard != nil {
		resp.SystemStatus = s.deps.Guard.SystemStatus(r.Context())
	}
	if s.deps.Devices != nil {
		for _, sess := range s.deps.Devices.Sessions() {
			if sess.Status.Open() {
				resp.ActiveSessions++
			}
		}
	}
	WriteJSON(w, http.StatusOK, resp)
}

// admit прогоняет identity через AbuseGuard. При nil-guard всё разрешено.
func (s *Server) admit(r *http.Request, identity string, class abuse.Class) error {
	if s.deps.Guard == nil {
		return nil
	}
	d := s.deps.Guard.Check(r.Context(), identity, class)
	if err := d.Err(); err != nil {
		s.deps.Audit.Log(audit.Event{
			TraceID:  TraceID(r.Context()),
			Kind:     audit.KindAbuse,
			Actor:    identity,
			Resource: r.URL.Path,
			Action:   string(class),
			Status:   audit.StatusRejected,
			Error:    d.Reason,
			Payload:  map[string]any{"code": string(d.Code)},
		})
		return err
	}
	return nil
}

// observe отдаёт активность в риск-скоринг.
func (s *Server) observe(r *http.Request, identity string, amount int64, failed bool) {
	if s.deps.Guard == nil || identity == "" {
		return
	}
	s.deps.Guard.RecordActivity(r.Context(), identity, abuse.Activity{
		Endpoint:  r.URL.Path,
		Failed:    failed,
		Amount:    amount,
		UserAgent: r.UserAgent(),
	})
}
