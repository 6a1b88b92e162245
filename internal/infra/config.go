package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации шлюза и консоли.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logger      LoggerConfig      `mapstructure:"logger"`
	Payment     PaymentConfig     `mapstructure:"payment"`
	Facilitator FacilitatorConfig `mapstructure:"facilitator"`
	Abuse       AbuseConfig       `mapstructure:"abuse"`
	Device      DeviceConfig      `mapstructure:"device"`
	Audit       AuditConfig       `mapstructure:"audit"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	GRPCPort     int           `mapstructure:"grpc_port"`
	ConsolePort  int           `mapstructure:"console_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PublicURL    string        `mapstructure:"public_url"` // база для controlEndpoint и websocket
}

// DatabaseConfig описывает подключение к PostgreSQL. Пустой URL — хранилища в памяти.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConns        int           `mapstructure:"max_conns"`
	MinConns        int           `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// RedisConfig описывает подключение к Redis (nonce, лимиты, Pub/Sub). Пустой Addr — только L1.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит пути к RSA ключам и настройки JWT.
type AuthConfig struct {
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"` // консоль и выдача токенов сессий
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	BcryptCost     int           `mapstructure:"bcrypt_cost"`
	Issuer         string        `mapstructure:"issuer"`
	PublicKey      []byte
	PrivateKey     []byte
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// PaymentConfig — деньги и режимы расчёта.
type PaymentConfig struct {
	Network            string         `mapstructure:"network"`
	Currency           string         `mapstructure:"currency"`
	TokenMint          string         `mapstructure:"token_mint"`
	Recipient          string         `mapstructure:"recipient"` // адрес платформы по умолчанию
	PlatformFeePercent string         `mapstructure:"platform_fee_percent"`
	MinPayment         int64          `mapstructure:"min_payment"`
	MaxPayment         int64          `mapstructure:"max_payment"`
	EscrowEnabled      bool           `mapstructure:"escrow_enabled"`
	EscrowAutoRelease  time.Duration  `mapstructure:"escrow_auto_release"`
	EscrowPolicy       string         `mapstructure:"escrow_policy"`
	SweepInterval      time.Duration  `mapstructure:"sweep_interval"`
	GaslessEnabled     bool           `mapstructure:"gasless_enabled"`
	MaxSponsorship     int64          `mapstructure:"max_sponsorship"`
	MinFacilitatorBal  int64          `mapstructure:"min_facilitator_balance"`
	IntentTTL          time.Duration  `mapstructure:"intent_ttl"`
	IntentMaxTTL       time.Duration  `mapstructure:"intent_max_ttl"`
	SubmitTimeout      time.Duration  `mapstructure:"submit_timeout"`
	Catalog            []ResourceSeed `mapstructure:"catalog"`
}

// ResourceSeed — платный ресурс (агент) и его цена в минимальных единицах.
type ResourceSeed struct {
	ID        string `mapstructure:"id"`
	Name      string `mapstructure:"name"`
	Amount    int64  `mapstructure:"amount"`
	Recipient string `mapstructure:"recipient"`
}

// FacilitatorConfig — внешний фасилитатор. Пустой URL — встроенный MockLedger (demo).
type FacilitatorConfig struct {
	URL           string        `mapstructure:"url"`
	APIKey        string        `mapstructure:"api_key"`
	Address       string        `mapstructure:"address"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	Attempts      uint          `mapstructure:"attempts"`
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	CBMaxFailures uint32        `mapstructure:"cb_max_failures"`
	DemoBalance   int64         `mapstructure:"demo_balance"`
	AgentURL      string        `mapstructure:"agent_url"` // пусто — встроенный echo-агент
}

// RateLimitConfig повторяет abuse.RateLimitConfig: infra не зависит от доменных пакетов.
type RateLimitConfig struct {
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	RequestsPerHour   int           `mapstructure:"requests_per_hour"`
	BurstLimit        int           `mapstructure:"burst_limit"`
	Cooldown          time.Duration `mapstructure:"cooldown"`
}

type AbuseConfig struct {
	RateLimit           RateLimitConfig            `mapstructure:"rate_limit"`
	ClassLimits         map[string]RateLimitConfig `mapstructure:"class_limits"`
	Blacklist           []string                   `mapstructure:"blacklist"`
	Whitelist           []string                   `mapstructure:"whitelist"`
	RequireKYC          bool                       `mapstructure:"require_kyc"`
	PauseEnabled        bool                       `mapstructure:"pause_enabled"`
	PauseTriggers       []string                   `mapstructure:"pause_triggers"`
	PauseDuration       time.Duration              `mapstructure:"pause_duration"`
	AuthorizedOperators []string                   `mapstructure:"authorized_operators"`
	AffectedSystems     []string                   `mapstructure:"affected_systems"`
	PruneInterval       time.Duration              `mapstructure:"prune_interval"`
}

type DeviceSeed struct {
	ID           string   `mapstructure:"id"`
	Type         string   `mapstructure:"type"`
	Owner        string   `mapstructure:"owner"`
	Endpoint     string   `mapstructure:"endpoint"`
	Capabilities []string `mapstructure:"capabilities"`
}

type DeviceConfig struct {
	DefaultDuration time.Duration `mapstructure:"default_duration"`
	MaxDuration     time.Duration `mapstructure:"max_duration"`
	CommandTimeout  time.Duration `mapstructure:"command_timeout"`
	ExpiryInterval  time.Duration `mapstructure:"expiry_interval"`
	MaxSpeed        float64       `mapstructure:"max_speed"`
	MaxForce        float64       `mapstructure:"max_force"`
	Reliability     float64       `mapstructure:"reliability"` // симулятор
	CBMaxRequests   uint32        `mapstructure:"cb_max_requests"`
	CBInterval      time.Duration `mapstructure:"cb_interval"`
	CBTimeout       time.Duration `mapstructure:"cb_timeout"`
	Devices         []DeviceSeed  `mapstructure:"devices"`
}

type AuditConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// Validate проверяет то, без чего шлюз не может стартовать.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be positive"))
	}
	if c.Payment.MinPayment <= 0 || c.Payment.MaxPayment < c.Payment.MinPayment {
		errs = append(errs, fmt.Errorf("payment: invalid bounds min=%d max=%d", c.Payment.MinPayment, c.Payment.MaxPayment))
	}
	if c.Payment.IntentMaxTTL < c.Payment.IntentTTL {
		errs = append(errs, errors.New("payment.intent_max_ttl must not be less than payment.intent_ttl"))
	}
	switch c.Payment.EscrowPolicy {
	case "any", "all":
	default:
		errs = append(errs, fmt.Errorf("payment.escrow_policy %q: want any or all", c.Payment.EscrowPolicy))
	}
	return errors.Join(errs...)
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")    // имя файла без расширения
	v.SetConfigType("yaml")      // формат
	v.AddConfigPath(".")         // ищем в корне
	v.AddConfigPath("./configs") // и в папке с конфигами

	return load(v)
}

// LoadConfigFile читает конфиг по явному пути (флаг -config).
func LoadConfigFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	// 2. ENV перекрывает файл: SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. PEM-ключ из ENV (Docker/K8s) или из файла по пути
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.console_port", 8081)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.public_url", "http://localhost:8080")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("auth.token_ttl", time.Hour)
	v.SetDefault("auth.bcrypt_cost", 10)
	v.SetDefault("auth.issuer", "x402-paygate")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("payment.network", "solana-devnet")
	v.SetDefault("payment.currency", "USDC")
	v.SetDefault("payment.platform_fee_percent", "5")
	v.SetDefault("payment.min_payment", 1_000)         // 0.001 USDC
	v.SetDefault("payment.max_payment", 1_000_000_000) // 1000 USDC
	v.SetDefault("payment.escrow_enabled", true)
	v.SetDefault("payment.escrow_auto_release", 24*time.Hour)
	v.SetDefault("payment.escrow_policy", "any")
	v.SetDefault("payment.sweep_interval", time.Minute)
	v.SetDefault("payment.gasless_enabled", true)
	v.SetDefault("payment.max_sponsorship", 100_000_000)
	v.SetDefault("payment.min_facilitator_balance", 10_000_000)
	v.SetDefault("payment.intent_ttl", 5*time.Minute)
	v.SetDefault("payment.intent_max_ttl", time.Hour)
	v.SetDefault("payment.submit_timeout", 30*time.Second)

	v.SetDefault("facilitator.timeout", 10*time.Second)
	v.SetDefault("facilitator.rate_per_second", 50)
	v.SetDefault("facilitator.burst", 10)
	v.SetDefault("facilitator.attempts", 3)
	v.SetDefault("facilitator.cb_max_requests", 3)
	v.SetDefault("facilitator.cb_interval", 60*time.Second)
	v.SetDefault("facilitator.cb_timeout", 30*time.Second)
	v.SetDefault("facilitator.cb_max_failures", 5)
	v.SetDefault("facilitator.demo_balance", 1_000_000_000)

	v.SetDefault("abuse.rate_limit.requests_per_minute", 60)
	v.SetDefault("abuse.rate_limit.requests_per_hour", 1000)
	v.SetDefault("abuse.rate_limit.burst_limit", 10)
	v.SetDefault("abuse.rate_limit.cooldown", 300*time.Second)
	v.SetDefault("abuse.pause_enabled", true)
	v.SetDefault("abuse.pause_triggers", []string{"security_breach", "hardware_failure"})
	v.SetDefault("abuse.pause_duration", time.Hour)
	v.SetDefault("abuse.affected_systems", []string{"payments", "robot_control", "iot_devices"})
	v.SetDefault("abuse.prune_interval", 5*time.Minute)

	v.SetDefault("device.default_duration", 10*time.Minute)
	v.SetDefault("device.max_duration", time.Hour)
	v.SetDefault("device.command_timeout", 5*time.Second)
	v.SetDefault("device.expiry_interval", time.Second)
	v.SetDefault("device.max_speed", 100)
	v.SetDefault("device.max_force", 50)
	v.SetDefault("device.reliability", 0.99)
	v.SetDefault("device.cb_max_requests", 1)
	v.SetDefault("device.cb_interval", time.Minute)
	v.SetDefault("device.cb_timeout", 30*time.Second)

	v.SetDefault("audit.buffer_size", 10000)
	v.SetDefault("audit.batch_size", 100)
	v.SetDefault("audit.flush_interval", 500*time.Millisecond)
}

// loadKeyResource: PEM напрямую из ENV, иначе файл по пути из конфига.
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
