package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: время обработки HTTP-запроса шлюзом
	RequestDuration *prometheus.HistogramVec

	// Авторизация заявок: accepted / invalid_signature / expired / replay_detected ...
	Authorizations *prometheus.CounterVec

	// Переходы расчётов по стадиям (invoice_created, submitted, settled, failed)
	Settlements *prometheus.CounterVec

	// Переходы escrow: locked, released, refunded
	EscrowTransitions *prometheus.CounterVec

	// Команды устройствам по типу и результату
	DeviceCommands *prometheus.CounterVec

	// Отказы AbuseGuard: blacklisted, emergency_paused, rate_limited
	AbuseRejections *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - ок, 1 - выбило)
	CircuitBreakerState *prometheus.GaugeVec

	// Активные управляющие сессии
	ActiveSessions prometheus.Gauge

	// Audit: заполненность буфера (backpressure)
	AuditBufferFill prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		RequestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "paygate_request_duration_seconds",
			Help:    "Histogram of request latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"route", "status"}),

		Authorizations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_authorizations_total",
			Help: "Payment intent authorizations by result.",
		}, []string{"result"}),

		Settlements: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_settlements_total",
			Help: "Settlement stage transitions.",
		}, []string{"stage"}),

		EscrowTransitions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_escrow_transitions_total",
			Help: "Escrow status transitions.",
		}, []string{"status"}),

		DeviceCommands: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_device_commands_total",
			Help: "Device commands by kind and result.",
		}, []string{"kind", "result"}),

		AbuseRejections: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_abuse_rejections_total",
			Help: "Requests rejected by abuse guard.",
		}, []string{"code"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "paygate_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=open).",
		}, []string{"name"}),

		ActiveSessions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "paygate_active_device_sessions",
			Help: "Device control sessions currently active.",
		}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "paygate_audit_buffer_utilization",
			Help: "Current number of events in audit buffer.",
		}),
	}
}
