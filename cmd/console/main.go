package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xela07ax/x402-paygate/internal/abuse"
	"github.com/xela07ax/x402-paygate/internal/audit"
	"github.com/xela07ax/x402-paygate/internal/console/handler"
	"github.com/xela07ax/x402-paygate/internal/console/server"
	"github.com/xela07ax/x402-paygate/internal/console/service"
	"github.com/xela07ax/x402-paygate/internal/escrow"
	"github.com/xela07ax/x402-paygate/internal/infra"
	"github.com/xela07ax/x402-paygate/internal/infra/auth"
	"github.com/xela07ax/x402-paygate/internal/repository/postgres"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	var (
		cfg *infra.Config
		err error
	)
	if *configPath != "" {
		cfg, err = infra.LoadConfigFile(*configPath)
	} else {
		cfg, err = infra.LoadConfig()
	}
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
		logger.Fatal("console stopped with error", zap.Error(err))
	}
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Инициализация ресурсов. Консоль без БД не имеет смысла: операторы и аудит живут там
	if cfg.Database.URL == "" {
		return errors.New("database.url (DATABASE_URL) is required")
	}
	db, err := postgres.Open(cfg.Database.URL, postgres.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxConns,
		MaxIdleConns:    cfg.Database.MinConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	// Проверяем соединение с таймаутом
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	err = db.PingContext(pingCtx)
	pingCancel()
	if err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}

	// Redis разносит blacklist и паузу по инстансам шлюза
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
	} else {
		logger.Warn("redis not configured: console changes reach gateways only after their restart")
	}

	privateKey, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		return fmt.Errorf("auth private key (auth.private_key_path or AUTH_PRIVATE_KEY_DATA): %w", err)
	}
	publicKey := &privateKey.PublicKey
	if len(cfg.Auth.PublicKey) > 0 {
		if publicKey, err = auth.ParseRSAPublicKey(cfg.Auth.PublicKey); err != nil {
			return fmt.Errorf("auth public key: %w", err)
		}
	}
	if err := matchKeys(privateKey, publicKey); err != nil {
		return err
	}

	fee, err := decimal.NewFromString(cfg.Payment.PlatformFeePercent)
	if err != nil {
		return fmt.Errorf("payment.platform_fee_percent: %w", err)
	}

	// 2. Инициализация слоев (Dependency Injection)
	journal := audit.NewJournal(postgres.NewAuditRepo(db), audit.Config{
		BufferSize:    cfg.Audit.BufferSize,
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: cfg.Audit.FlushInterval,
	}, logger, nil)
	journal.Start()
	defer journal.Stop()

	blacklist := abuse.NewBlacklist(rdb, postgres.NewBlacklistRepo(db), logger)
	if err := blacklist.Init(ctx); err != nil {
		return fmt.Errorf("failed to init blacklist: %w", err)
	}
	go blacklist.StartListener(ctx)

	pause := abuse.NewPauseController(abuse.PauseConfig{
		Enabled:             cfg.Abuse.PauseEnabled,
		Triggers:            cfg.Abuse.PauseTriggers,
		Duration:            cfg.Abuse.PauseDuration,
		AuthorizedOperators: cfg.Abuse.AuthorizedOperators,
		AffectedSystems:     cfg.Abuse.AffectedSystems,
	}, postgres.NewPauseRepo(db), rdb, logger)
	if err := pause.Init(ctx); err != nil {
		return fmt.Errorf("failed to init pause controller: %w", err)
	}
	go pause.StartListener(ctx)

	guard := abuse.NewGuard(abuse.GuardDeps{Blacklist: blacklist, Pause: pause}, logger, nil)

	ledger := escrow.NewLedger(postgres.NewEscrowRepo(db), escrow.LedgerConfig{
		FeePercent:  fee,
		AutoRelease: cfg.Payment.EscrowAutoRelease,
		Policy:      escrow.ReleasePolicy(cfg.Payment.EscrowPolicy),
	}, logger, nil)
	payments := escrow.NewTxLedger(postgres.NewTransactionRepo(db), fee, cfg.Payment.Currency, logger)

	guardSvc := service.NewGuardService(blacklist, pause, guard, journal, logger)
	escrowSvc := service.NewEscrowService(ledger, payments, journal, logger)
	issuer := auth.NewIssuer(privateKey, cfg.Auth.Issuer)

	// 3. Настройка роутера
	console := server.NewConsoleServer(logger, auth.NewBaseValidator(publicKey), server.Handlers{
		Auth:      handler.NewAuthHandler(service.NewAuthService(postgres.NewOperatorRepo(db), issuer, cfg.Auth.TokenTTL), logger),
		Guard:     handler.NewGuardHandler(guardSvc, logger),
		Escrow:    handler.NewEscrowHandler(escrowSvc, logger),
		Dashboard: handler.NewDashboardHandler(guardSvc, escrowSvc, logger),
		Audit:     handler.NewAuditHandler(service.NewAuditService(postgres.NewAuditRepo(db)), logger),
	})

	// 4. Запуск сервера
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.ConsolePort),
		Handler:      console,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("console API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case <-stop:
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}
	logger.Info("console stopping")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// matchKeys: токены, выданные консолью, должны проходить её же проверку.
func matchKeys(private *rsa.PrivateKey, public *rsa.PublicKey) error {
	if !private.PublicKey.Equal(public) {
		return errors.New("auth: public key does not match private key")
	}
	return nil
}
