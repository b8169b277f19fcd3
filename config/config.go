package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	App               AppConfig
	HTTP              ServerConfig
	GRPC              ServerConfig
	Ledger            LedgerConfig
	Log               LogConfig
	InternalEndpoints InternalEndpointsConfig
	Card              CardConfig
	Wallet            WalletConfig
	Payments          PaymentsConfig
	Jobs              JobsConfig
	Redis             RedisConfig
	Kafka             KafkaConfig
}

type AppConfig struct {
	ServiceName string
	APIKey      string
}

type ServerConfig struct {
	Host string
	Port string
}

type LedgerConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type LogConfig struct {
	Level string
}

type InternalEndpointsConfig struct {
	AuthGRPCAddr string
}

type CardConfig struct {
	SecretKey          string
	WebhookSecret      string
	BaseURL            string
	SignatureTolerance time.Duration
	HTTPTimeout        time.Duration
}

type WalletConfig struct {
	APIKey             string
	WebhookSecret      string
	BaseURL            string
	SignatureTolerance time.Duration
	HTTPTimeout        time.Duration
}

// AmountBounds holds the inclusive amount range accepted for one payment method.
type AmountBounds struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

type PaymentsConfig struct {
	SupportedCurrencies []string
	CardBounds          AmountBounds
	WalletBounds        AmountBounds

	GatewayTimeout        time.Duration
	InitiateRetryMaxTime  time.Duration
	RefundLedgerRetries   int
	CallbackMaxAttempts   int32
	CallbackRetryInterval time.Duration
	CallbackHTTPTimeout   time.Duration
	ReconcileStaleAfter   time.Duration
	StuckRefundAfter      time.Duration
	OrphanMaxAttempts     int32
	OrphanBaseDelay       time.Duration
	OrphanMaxDelay        time.Duration
	NotifyTimeout         time.Duration
	JobBatchSize          int32
}

type JobsConfig struct {
	ReconcileInterval        time.Duration
	CallbackDispatchInterval time.Duration
	RefundRecheckInterval    time.Duration
	OrphanRetryInterval      time.Duration
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	OrphanKey string
}

type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	driver := getEnv("LEDGER_DRIVER", "mysql")
	dsn := os.Getenv("MYSQL_DSN")
	switch driver {
	case "mysql":
		if dsn == "" {
			return nil, errors.New("MYSQL_DSN environment variable is required")
		}
	case "sqlite3":
		dsn = getEnv("SQLITE_DSN", "file:payments.db?_foreign_keys=on")
	default:
		return nil, errors.New("LEDGER_DRIVER must be mysql or sqlite3")
	}

	return &Config{
		App: AppConfig{
			ServiceName: getEnv("APP_SERVICE_NAME", "payment-orchestrator"),
			APIKey:      getEnv("APP_API_KEY", ""),
		},
		HTTP: ServerConfig{
			Host: getEnv("HTTP_HOST", "0.0.0.0"),
			Port: getEnv("HTTP_PORT", "8080"),
		},
		GRPC: ServerConfig{
			Host: getEnv("GRPC_HOST", "0.0.0.0"),
			Port: getEnv("GRPC_PORT", "9090"),
		},
		Ledger: LedgerConfig{
			Driver:          driver,
			DSN:             dsn,
			MaxOpenConns:    getIntEnv("MYSQL_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getIntEnv("MYSQL_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getMinutesEnv("MYSQL_CONN_MAX_LIFETIME_MINUTES", 30*time.Minute),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		InternalEndpoints: InternalEndpointsConfig{
			AuthGRPCAddr: getEnv("AUTH_SERVICE_GRPC_ADDR", "localhost:9090"),
		},
		Card: CardConfig{
			SecretKey:          getEnv("CARD_SECRET_KEY", ""),
			WebhookSecret:      getEnv("CARD_WEBHOOK_SECRET", ""),
			BaseURL:            getEnv("CARD_API_BASE_URL", ""),
			SignatureTolerance: getSecondsEnv("CARD_SIGNATURE_TOLERANCE_SECONDS", 300*time.Second),
			HTTPTimeout:        getSecondsEnv("CARD_HTTP_TIMEOUT_SECONDS", 10*time.Second),
		},
		Wallet: WalletConfig{
			APIKey:             getEnv("WALLET_API_KEY", ""),
			WebhookSecret:      getEnv("WALLET_WEBHOOK_SECRET", ""),
			BaseURL:            getEnv("WALLET_API_BASE_URL", "https://api.wallet.example"),
			SignatureTolerance: getSecondsEnv("WALLET_SIGNATURE_TOLERANCE_SECONDS", 300*time.Second),
			HTTPTimeout:        getSecondsEnv("WALLET_HTTP_TIMEOUT_SECONDS", 10*time.Second),
		},
		Payments: PaymentsConfig{
			SupportedCurrencies: getListEnv("PAYMENTS_SUPPORTED_CURRENCIES", []string{"USD", "EUR", "GBP"}),
			CardBounds: AmountBounds{
				Min: getDecimalEnv("PAYMENTS_CARD_MIN_AMOUNT", decimal.RequireFromString("0.50")),
				Max: getDecimalEnv("PAYMENTS_CARD_MAX_AMOUNT", decimal.RequireFromString("50000")),
			},
			WalletBounds: AmountBounds{
				Min: getDecimalEnv("PAYMENTS_WALLET_MIN_AMOUNT", decimal.RequireFromString("1")),
				Max: getDecimalEnv("PAYMENTS_WALLET_MAX_AMOUNT", decimal.RequireFromString("10000")),
			},
			GatewayTimeout:        getSecondsEnv("PAYMENTS_GATEWAY_TIMEOUT_SECONDS", 15*time.Second),
			InitiateRetryMaxTime:  getSecondsEnv("PAYMENTS_INITIATE_RETRY_MAX_SECONDS", 30*time.Second),
			RefundLedgerRetries:   getIntEnv("PAYMENTS_REFUND_LEDGER_RETRIES", 3),
			CallbackMaxAttempts:   int32(getIntEnv("PAYMENTS_CALLBACK_MAX_ATTEMPTS", 10)),
			CallbackRetryInterval: getMinutesEnv("PAYMENTS_CALLBACK_RETRY_INTERVAL_MINUTES", 5*time.Minute),
			CallbackHTTPTimeout:   getSecondsEnv("PAYMENTS_CALLBACK_HTTP_TIMEOUT_SECONDS", 10*time.Second),
			ReconcileStaleAfter:   getMinutesEnv("PAYMENTS_RECONCILE_STALE_AFTER_MINUTES", 15*time.Minute),
			StuckRefundAfter:      getMinutesEnv("PAYMENTS_STUCK_REFUND_AFTER_MINUTES", 24*60*time.Minute),
			OrphanMaxAttempts:     int32(getIntEnv("PAYMENTS_ORPHAN_MAX_ATTEMPTS", 8)),
			OrphanBaseDelay:       getSecondsEnv("PAYMENTS_ORPHAN_BASE_DELAY_SECONDS", 5*time.Second),
			OrphanMaxDelay:        getMinutesEnv("PAYMENTS_ORPHAN_MAX_DELAY_MINUTES", 10*time.Minute),
			NotifyTimeout:         getSecondsEnv("PAYMENTS_NOTIFY_TIMEOUT_SECONDS", 5*time.Second),
			JobBatchSize:          int32(getIntEnv("PAYMENTS_JOB_BATCH_SIZE", 100)),
		},
		Jobs: JobsConfig{
			ReconcileInterval:        getMinutesEnv("PAYMENTS_RECONCILE_INTERVAL_MINUTES", 2*time.Minute),
			CallbackDispatchInterval: getMinutesEnv("PAYMENTS_CALLBACK_DISPATCH_INTERVAL_MINUTES", time.Minute),
			RefundRecheckInterval:    getMinutesEnv("PAYMENTS_REFUND_RECHECK_INTERVAL_MINUTES", 30*time.Minute),
			OrphanRetryInterval:      getSecondsEnv("PAYMENTS_ORPHAN_RETRY_INTERVAL_SECONDS", 10*time.Second),
		},
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", ""),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getIntEnv("REDIS_DB", 0),
			OrphanKey: getEnv("REDIS_ORPHAN_QUEUE_KEY", "payments:webhooks:orphans"),
		},
		Kafka: KafkaConfig{
			Brokers:      getListEnv("KAFKA_BROKERS", nil),
			Topic:        getEnv("KAFKA_STATUS_TOPIC", "payment_status_changed"),
			WriteTimeout: getSecondsEnv("KAFKA_WRITE_TIMEOUT_SECONDS", 10*time.Second),
		},
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getMinutesEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if minutes, err := strconv.Atoi(value); err == nil {
			return time.Duration(minutes) * time.Minute
		}
	}
	return defaultValue
}

func getSecondsEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

func getDecimalEnv(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	items := make([]string, 0)
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			items = append(items, part)
		}
	}
	return items
}
