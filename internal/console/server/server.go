package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/x402-paygate/internal/console/handler"
	"github.com/xela07ax/x402-paygate/internal/infra/auth"
)

type Handlers struct {
	Auth      *handler.AuthHandler      // /auth/token
	Guard     *handler.GuardHandler     // /v1/blacklist, /v1/pause
	Escrow    *handler.EscrowHandler    // /v1/escrows
	Dashboard *handler.DashboardHandler // /api/v1/dashboard
	Audit     *handler.AuditHandler     // /v1/audit, nil без БД
}

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Проверка токенов RS256, реализуется BaseValidator
	verifier auth.OperatorVerifier
	h        Handlers
}

// NewConsoleServer инициализирует сервер админки со всеми зависимостями
func NewConsoleServer(logger *zap.Logger, verifier auth.OperatorVerifier, h Handlers) *ConsoleServer {
	s := &ConsoleServer{
		router:   chi.NewRouter(),
		logger:   logger.Named("console-api"),
		verifier: verifier,
		h:        h,
	}
	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Group(func(r chi.Router) {
		// Логин должен быть доступен без токена
		r.Post("/auth/token", s.h.Auth.Login)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (Требуют RS256 токен) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.verifier, s.logger))

		r.Get("/api/v1/dashboard/status", s.h.Dashboard.GetStatus)
		r.Get("/api/v1/dashboard/analytics", s.h.Dashboard.GetAnalytics)

		r.Route("/v1/blacklist", func(r chi.Router) {
			r.Use(auth.RequireScope("blacklist"))
			r.Get("/", s.h.Guard.ListBlacklist)
			r.Post("/{identity}", s.h.Guard.Block)
			r.Delete("/{identity}", s.h.Guard.Unblock)
		})

		// Аварийная пауза (kill-switch всей платёжной и управляющей плоскости)
		r.Route("/v1/pause", func(r chi.Router) {
			r.Use(auth.RequireScope("pause"))
			r.Post("/", s.h.Guard.ActivatePause)
			r.Delete("/", s.h.Guard.DeactivatePause)
			r.Get("/history", s.h.Guard.PauseHistory)
		})

		r.Route("/v1/escrows", func(r chi.Router) {
			r.Use(auth.RequireScope("escrow"))
			r.Get("/", s.h.Escrow.List)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.h.Escrow.Get)
				r.Post("/approve", s.h.Escrow.Approve)
				r.Post("/release", s.h.Escrow.Release)
				r.Post("/refund", s.h.Escrow.Refund)
			})
		})

		if s.h.Audit != nil {
			r.Route("/v1/audit", func(r chi.Router) {
				r.Use(auth.RequireScope("audit"))
				r.Get("/", s.h.Audit.GetLogs)
				r.Get("/stats", s.h.Audit.GetStats)
			})
		}
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
