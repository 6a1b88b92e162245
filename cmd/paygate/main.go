package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/xela07ax/x402-paygate/internal/abuse"
	"github.com/xela07ax/x402-paygate/internal/audit"
	"github.com/xela07ax/x402-paygate/internal/device"
	"github.com/xela07ax/x402-paygate/internal/escrow"
	"github.com/xela07ax/x402-paygate/internal/gateway"
	"github.com/xela07ax/x402-paygate/internal/infra"
	"github.com/xela07ax/x402-paygate/internal/infra/auth"
	"github.com/xela07ax/x402-paygate/internal/intent"
	"github.com/xela07ax/x402-paygate/internal/metrics"
	"github.com/xela07ax/x402-paygate/internal/repository/postgres"
	"github.com/xela07ax/x402-paygate/internal/settlement"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ./config.yaml or ./configs/config.yaml)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("paygate stopped with error", zap.Error(err))
	}
}

func loadConfig(path string) (*infra.Config, error) {
	if path != "" {
		return infra.LoadConfigFile(path)
	}
	return infra.LoadConfig()
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	// Контекст для фоновых горутин: SIGTERM отменяет слушателей и сборщики
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Инфраструктура и ресурсы
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		pingCtx, pingCancel := context.WithTimeout(appCtx, 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			return fmt.Errorf("redis unreachable: %w", err)
		}
	} else {
		logger.Warn("redis not configured: nonces, limits and signals stay local to this instance")
	}

	db, err := openDatabase(appCtx, cfg.Database, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	// Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	fee, err := decimal.NewFromString(cfg.Payment.PlatformFeePercent)
	if err != nil {
		return fmt.Errorf("payment.platform_fee_percent: %w", err)
	}

	// 2. Журнал аудита: пачками в Postgres, без БД события отбрасываются
	var auditor audit.Auditor = audit.Nop{}
	if db != nil {
		journal := audit.NewJournal(postgres.NewAuditRepo(db), audit.Config{
			BufferSize:    cfg.Audit.BufferSize,
			BatchSize:     cfg.Audit.BatchSize,
			FlushInterval: cfg.Audit.FlushInterval,
		}, logger, m)
		journal.Start()
		defer journal.Stop()
		auditor = journal
	}

	// 3. Control Plane: blacklist, пауза, лимиты
	var (
		blacklistRepo abuse.BlacklistRepository
		pauseRepo     abuse.PauseRepository
	)
	if db != nil {
		blacklistRepo = postgres.NewBlacklistRepo(db)
		pauseRepo = postgres.NewPauseRepo(db)
	}
	blacklist := abuse.NewBlacklist(rdb, blacklistRepo, logger)
	if err := blacklist.Init(appCtx); err != nil {
		return fmt.Errorf("failed to init blacklist: %w", err)
	}
	go blacklist.StartListener(appCtx)

	pause := abuse.NewPauseController(abuse.PauseConfig{
		Enabled:             cfg.Abuse.PauseEnabled,
		Triggers:            cfg.Abuse.PauseTriggers,
		Duration:            cfg.Abuse.PauseDuration,
		AuthorizedOperators: cfg.Abuse.AuthorizedOperators,
		AffectedSystems:     cfg.Abuse.AffectedSystems,
	}, pauseRepo, rdb, logger)
	if err := pause.Init(appCtx); err != nil {
		return fmt.Errorf("failed to init pause controller: %w", err)
	}
	go pause.StartListener(appCtx)

	limits := abuseLimits(cfg.Abuse)
	var limiter abuse.Limiter
	if rdb != nil {
		limiter = abuse.NewRedisLimiter(rdb, limits)
	}
	guard := abuse.NewGuard(abuse.GuardDeps{
		Access: abuse.NewAccessControl(abuse.AccessConfig{
			Blacklist:  cfg.Abuse.Blacklist,
			Whitelist:  cfg.Abuse.Whitelist,
			RequireKYC: cfg.Abuse.RequireKYC,
		}, blacklist, nil),
		Blacklist: blacklist,
		Pause:     pause,
		Limiter:   limiter,
		Risk:      abuse.NewRiskScorer(blacklist, logger),
		Limits:    limits,
	}, logger, m)
	go pruneLimiters(appCtx, guard, cfg.Abuse.PruneInterval, logger)

	// 4. Эскроу и журнал платежей
	var (
		escrowStore escrow.Store   = escrow.NewMemoryStore()
		txStore     escrow.TxStore = escrow.NewMemoryTxStore()
	)
	if db != nil {
		escrowStore = escrow.NewCachedStore(postgres.NewEscrowRepo(db))
		txStore = postgres.NewTransactionRepo(db)
	}
	ledger := escrow.NewLedger(escrowStore, escrow.LedgerConfig{
		FeePercent:  fee,
		AutoRelease: cfg.Payment.EscrowAutoRelease,
		Policy:      escrow.ReleasePolicy(cfg.Payment.EscrowPolicy),
	}, logger, m)
	payments := escrow.NewTxLedger(txStore, fee, cfg.Payment.Currency, logger)
	go escrow.NewSweeper(ledger, rdb, cfg.Payment.SweepInterval, logger).Run(appCtx)

	// 5. Execution Layer: фасилитатор за Reliability (rate limit, ретраи, Circuit Breaker)
	prices := catalog(cfg.Payment)
	facilitator, balance := newFacilitator(cfg.Facilitator, prices, logger)
	safeFacilitator := settlement.NewReliabilityWrapper(facilitator, settlement.ReliabilityConfig{
		Name:           "facilitator",
		RatePerSecond:  cfg.Facilitator.RatePerSecond,
		Burst:          cfg.Facilitator.Burst,
		Attempts:       cfg.Facilitator.Attempts,
		AttemptTimeout: cfg.Facilitator.Timeout,
		CBMaxRequests:  cfg.Facilitator.CBMaxRequests,
		CBInterval:     cfg.Facilitator.CBInterval,
		CBTimeout:      cfg.Facilitator.CBTimeout,
		CBMaxFailures:  cfg.Facilitator.CBMaxFailures,
	}, m)

	coordinator := settlement.NewCoordinator(safeFacilitator, ledger, nil, settlement.CoordinatorConfig{
		SubmitTimeout: cfg.Payment.SubmitTimeout,
		Network:       cfg.Payment.Network,
		Currency:      cfg.Payment.Currency,
	}, logger, m)
	gasless := settlement.NewGaslessEngine(settlement.GaslessConfig{
		Enabled:               cfg.Payment.GaslessEnabled,
		MaxSponsorship:        cfg.Payment.MaxSponsorship,
		MinFacilitatorBalance: cfg.Payment.MinFacilitatorBal,
		Network:               cfg.Payment.Network,
	}, coordinator, balance, logger)
	processor, err := settlement.NewProcessor(settlement.PaymentConfig{
		FacilitatorAddress: cfg.Facilitator.Address,
		PlatformFeePercent: fee,
		Currency:           cfg.Payment.Currency,
		GaslessEnabled:     cfg.Payment.GaslessEnabled,
		EscrowEnabled:      cfg.Payment.EscrowEnabled,
		MinPayment:         cfg.Payment.MinPayment,
		MaxPayment:         cfg.Payment.MaxPayment,
	}, payments, ledger, gasless, coordinator, logger)
	if err != nil {
		return fmt.Errorf("payment processor: %w", err)
	}

	var nonces intent.NonceStore = intent.NewMemoryNonceStore()
	if rdb != nil {
		nonces = intent.NewRedisNonceStore(rdb)
	}
	authorizer := intent.NewAuthorizer(intent.Config{
		MaxAmount:  cfg.Payment.MaxPayment,
		DefaultTTL: cfg.Payment.IntentTTL,
		MaxTTL:     cfg.Payment.IntentMaxTTL,
		TokenMint:  cfg.Payment.TokenMint,
	}, nonces, logger, m)

	var agent settlement.AgentExecutor = settlement.NewEchoAgent()
	if cfg.Facilitator.AgentURL != "" {
		agent = settlement.NewHTTPAgentExecutor(cfg.Facilitator.AgentURL, &http.Client{Timeout: cfg.Facilitator.Timeout})
	}

	// 6. Устройства: симулятор за предохранителем, токены сессий подписываем RS256
	issuer, err := sessionIssuer(cfg.Auth, logger)
	if err != nil {
		return err
	}
	registry := device.NewRegistry(devices(cfg.Device)...)
	adapter := device.NewBreakerAdapter(device.NewSimulator(cfg.Device.Reliability),
		cfg.Device.CBMaxRequests, cfg.Device.CBInterval, cfg.Device.CBTimeout, m)
	bus := device.NewBus(256)
	manager := device.NewManager(device.ManagerConfig{
		DefaultDuration: cfg.Device.DefaultDuration,
		MaxDuration:     cfg.Device.MaxDuration,
		CommandTimeout:  cfg.Device.CommandTimeout,
		ControlBaseURL:  cfg.Server.PublicURL + "/api/v1/sessions",
		WebsocketURL:    cfg.Server.PublicURL + "/api/v1/sessions",
		Safety:          device.SafetyLimits{MaxSpeed: cfg.Device.MaxSpeed, MaxForce: cfg.Device.MaxForce},
	}, registry, adapter, guard, ledger, issuer, bus, logger, m)
	go manager.Run(appCtx, cfg.Device.ExpiryInterval)

	deviceEvents, unsubscribe := bus.Subscribe("")
	defer unsubscribe()
	go audit.FollowDevices(appCtx, auditor, deviceEvents)

	// 7. Core: HTTP-шлюз
	gw := gateway.NewServer(gateway.Config{
		Network:            cfg.Payment.Network,
		Currency:           cfg.Payment.Currency,
		FacilitatorAddress: cfg.Facilitator.Address,
		GaslessEnabled:     cfg.Payment.GaslessEnabled,
		InvoiceTTL:         cfg.Payment.IntentTTL,
	}, gateway.Deps{
		Authorizer:  authorizer,
		Coordinator: coordinator,
		Gasless:     gasless,
		Processor:   processor,
		Payments:    payments,
		Devices:     manager,
		Sessions:    auth.NewBaseValidator(issuer.PublicKey()),
		Registry:    registry,
		Guard:       guard,
		Agent:       agent,
		Facilitator: demoFacilitator(cfg.Facilitator, facilitator),
		Audit:       auditor,
		Prices:      prices,
		Metrics:     m,
	}, logger)

	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Mount("/", gw)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// gRPC health для балансировщика и liveness-проверок k8s
	grpcSrv := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	healthSrv.SetServingStatus("x402.paygate", healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen gRPC: %w", err)
	}
	go func() {
		logger.Info("gRPC health server started", zap.String("addr", lis.Addr().String()))
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("paygate started",
			zap.String("addr", srv.Addr),
			zap.String("network", cfg.Payment.Network),
			zap.Int("resources", len(prices)),
			zap.Bool("escrow", cfg.Payment.EscrowEnabled),
			zap.Bool("gasless", cfg.Payment.GaslessEnabled))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 8. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("paygate stopping", zap.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	healthSrv.Shutdown()
	cancel()

	// Даем 5 секунд на завершение запросов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	grpcSrv.GracefulStop()
	logger.Info("paygate exited properly")
	return nil
}

// openDatabase: пустой URL — работаем на хранилищах в памяти.
func openDatabase(ctx context.Context, dc infra.DatabaseConfig, logger *zap.Logger) (*sql.DB, error) {
	if dc.URL == "" {
		logger.Warn("database not configured: escrow, payments and audit are kept in memory")
		return nil, nil
	}
	db, err := postgres.Open(dc.URL, postgres.PoolConfig{
		MaxOpenConns:    dc.MaxConns,
		MaxIdleConns:    dc.MinConns,
		ConnMaxLifetime: dc.ConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}

	// Проверяем соединение с таймаутом
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}
	if dc.Migrate {
		if err := postgres.Migrate(pingCtx, db); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

func abuseLimits(ac infra.AbuseConfig) abuse.Limits {
	limits := abuse.Limits{Default: rateLimit(ac.RateLimit)}
	if len(ac.ClassLimits) > 0 {
		limits.ByClass = make(map[abuse.Class]abuse.RateLimitConfig, len(ac.ClassLimits))
		for class, rl := range ac.ClassLimits {
			limits.ByClass[abuse.Class(class)] = rateLimit(rl)
		}
	}
	return limits
}

func rateLimit(rl infra.RateLimitConfig) abuse.RateLimitConfig {
	return abuse.RateLimitConfig{
		RequestsPerMinute: rl.RequestsPerMinute,
		RequestsPerHour:   rl.RequestsPerHour,
		BurstLimit:        rl.BurstLimit,
		Cooldown:          rl.Cooldown,
	}
}

func pruneLimiters(ctx context.Context, g *abuse.Guard, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := g.PruneLimiters(); n > 0 {
				logger.Debug("idle rate limiters pruned", zap.Int("count", n))
			}
		}
	}
}

func catalog(pc infra.PaymentConfig) map[string]settlement.Price {
	prices := make(map[string]settlement.Price, len(pc.Catalog))
	for _, seed := range pc.Catalog {
		recipient := seed.Recipient
		if recipient == "" {
			recipient = pc.Recipient
		}
		prices[seed.ID] = settlement.Price{Amount: seed.Amount, Recipient: recipient, Name: seed.Name}
	}
	return prices
}

// newFacilitator: без URL шлюз сам играет роль фасилитатора (MockLedger, devnet-демо).
func newFacilitator(fc infra.FacilitatorConfig, prices map[string]settlement.Price, logger *zap.Logger) (settlement.Facilitator, settlement.BalanceChecker) {
	if fc.URL != "" {
		logger.Info("using remote facilitator", zap.String("url", fc.URL))
		return settlement.NewHTTPFacilitator(fc.URL, fc.APIKey, &http.Client{Timeout: fc.Timeout}), nil
	}
	logger.Warn("facilitator url not set: settling against the in-process mock ledger")
	mock := settlement.NewMockLedger(prices, fc.DemoBalance)
	return mock, mock
}

// demoFacilitator монтирует /facilitator только для встроенного леджера.
func demoFacilitator(fc infra.FacilitatorConfig, fac settlement.Facilitator) settlement.Facilitator {
	if fc.URL != "" {
		return nil
	}
	return fac
}

func devices(dc infra.DeviceConfig) []device.DeviceInfo {
	out := make([]device.DeviceInfo, 0, len(dc.Devices))
	for _, d := range dc.Devices {
		out = append(out, device.DeviceInfo{
			ID:           d.ID,
			Type:         d.Type,
			Owner:        d.Owner,
			Status:       device.DeviceOnline,
			Endpoint:     d.Endpoint,
			Capabilities: d.Capabilities,
			LastSeen:     time.Now(),
		})
	}
	return out
}

// sessionIssuer: без приватного ключа генерируем эфемерный, токены сессий живут до рестарта.
func sessionIssuer(ac infra.AuthConfig, logger *zap.Logger) (*auth.Issuer, error) {
	if len(ac.PrivateKey) == 0 {
		logger.Warn("auth private key not configured: using an ephemeral RSA key for session tokens")
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("generate session key: %w", err)
		}
		return auth.NewIssuer(key, ac.Issuer), nil
	}
	key, err := auth.ParseRSAPrivateKey(ac.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("auth private key: %w", err)
	}
	return auth.NewIssuer(key, ac.Issuer), nil
}
