package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config содержит всю конфигурацию приложения
//
// Оба процесса (торговый и супервизор) читают одну структуру,
// но каждый использует СВОЮ пару брокерских ключей: потеря
// кооперации торгового процесса не лишает супервизора доступа к брокеру.
type Config struct {
	Server     ServerConfig
	Broker     BrokerConfig
	Storage    StorageConfig
	Engine     EngineConfig
	Supervisor SupervisorConfig
	Security   SecurityConfig
	Logging    LoggingConfig
}

// ServerConfig - настройки HTTP сервера (broadcast шина, halt endpoint, метрики)
type ServerConfig struct {
	Host string
	Port int
}

// BrokerCredentials - пара ключей доступа к брокеру
type BrokerCredentials struct {
	APIKey    string
	APISecret string
}

// BrokerConfig - настройки подключения к брокеру
type BrokerConfig struct {
	BaseURL   string // REST endpoint
	StreamURL string // WebSocket поток событий

	// Раздельные ключи: Trading - для торгового процесса,
	// Supervisor - независимая пара для супервизора
	Trading    BrokerCredentials
	Supervisor BrokerCredentials

	// Rate limit REST запросов
	RateLimit float64
	RateBurst float64

	// Таймаут одного REST запроса
	RequestTimeout time.Duration
}

// StorageConfig - раздельно конфигурируемые корни хранилищ
type StorageConfig struct {
	// EventLogDir - каталог append-only журнала событий
	EventLogDir string

	// StateDir - каталог кэша живого состояния (персистентный halt флаг)
	StateDir string

	// Analytical store (Postgres)
	DBDriver   string
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string
}

// EngineConfig - параметры движка жизненного цикла ордеров
type EngineConfig struct {
	// AckTimeout (T_ack) - сколько ждём первого события брокера
	// после размещения, прежде чем перевести ордер в UNKNOWN
	AckTimeout time.Duration

	// ZombieAge (T_zombie) - возраст SUBMITTED|CANCELLING ордера,
	// после которого публикуется эскалация
	ZombieAge time.Duration

	// ReconcileInterval (T_reco) - период свипа реконсилятора
	ReconcileInterval time.Duration

	// UnknownGrace - сколько реконсилятор терпит "not found" от брокера,
	// прежде чем перевести UNKNOWN ордер в FAILED
	UnknownGrace time.Duration

	// MaxPlaceRetries (N_retry) - попытки размещения под одним client_order_id
	MaxPlaceRetries int

	// ETLInterval - период прогона ETL из журнала в аналитическое хранилище
	ETLInterval time.Duration

	// BroadcastInterval - период рассылки снапшотов состояния
	BroadcastInterval time.Duration

	// HeartbeatInterval - период публикации пульса
	HeartbeatInterval time.Duration
}

// SupervisorConfig - параметры независимого супервизора
type SupervisorConfig struct {
	// CheckInterval - период оценки kill-правил
	CheckInterval time.Duration

	// GracePeriod (T_grace) - сколько ждём кооперативной остановки
	// торгового процесса перед принудительным завершением
	GracePeriod time.Duration

	// ActuatorDeadline - общий дедлайн отмен и закрытия позиций
	ActuatorDeadline time.Duration

	// TradingPIDFile - где торговый процесс оставляет свой PID
	TradingPIDFile string
}

// SecurityConfig - настройки безопасности
type SecurityConfig struct {
	// MasterKey - 32-байтовый ключ AES-256; проверяется только его длина.
	// Брокерские ключи им не расшифровываются: они берутся из окружения
	// как есть.
	MasterKey string

	// HaltTokenHash - bcrypt-хеш операторского токена
	// для POST /system/emergency-halt
	HaltTokenHash string
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

// Load загружает конфигурацию из .env файла и переменных окружения
func Load() (*Config, error) {
	// .env опционален: в production всё приходит из окружения
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: getEnvAsInt("SERVER_PORT", 8090),
		},
		Broker: BrokerConfig{
			BaseURL:   getEnv("BROKER_BASE_URL", "https://paper-api.localhost"),
			StreamURL: getEnv("BROKER_STREAM_URL", "wss://paper-api.localhost/stream"),
			Trading: BrokerCredentials{
				APIKey:    getEnv("BROKER_API_KEY", ""),
				APISecret: getEnv("BROKER_API_SECRET", ""),
			},
			Supervisor: BrokerCredentials{
				APIKey:    getEnv("SUPERVISOR_API_KEY", ""),
				APISecret: getEnv("SUPERVISOR_API_SECRET", ""),
			},
			RateLimit:      getEnvAsFloat("BROKER_RATE_LIMIT", 10),
			RateBurst:      getEnvAsFloat("BROKER_RATE_BURST", 20),
			RequestTimeout: getEnvAsDuration("BROKER_REQUEST_TIMEOUT", 10*time.Second),
		},
		Storage: StorageConfig{
			EventLogDir: getEnv("EVENT_LOG_DIR", "./data/eventlog"),
			StateDir:    getEnv("STATE_DIR", "./data/state"),
			DBDriver:    getEnv("DB_DRIVER", "postgres"),
			DBHost:      getEnv("DB_HOST", "localhost"),
			DBPort:      getEnvAsInt("DB_PORT", 5432),
			DBName:      getEnv("DB_NAME", "papertrade"),
			DBUser:      getEnv("DB_USER", "papertrade"),
			DBPassword:  getEnv("DB_PASSWORD", ""),
			DBSSLMode:   getEnv("DB_SSL_MODE", "disable"),
		},
		Engine: EngineConfig{
			AckTimeout:        getEnvAsDuration("ORDER_ACK_TIMEOUT", 3*time.Second),
			ZombieAge:         getEnvAsDuration("ORDER_ZOMBIE_AGE", 300*time.Second),
			ReconcileInterval: getEnvAsDuration("RECONCILE_INTERVAL", 30*time.Second),
			UnknownGrace:      getEnvAsDuration("UNKNOWN_GRACE", 60*time.Second),
			MaxPlaceRetries:   getEnvAsInt("MAX_PLACE_RETRIES", 3),
			ETLInterval:       getEnvAsDuration("ETL_INTERVAL", 60*time.Second),
			BroadcastInterval: getEnvAsDuration("BROADCAST_INTERVAL", 1*time.Second),
			HeartbeatInterval: getEnvAsDuration("HEARTBEAT_INTERVAL", 5*time.Second),
		},
		Supervisor: SupervisorConfig{
			CheckInterval:    getEnvAsDuration("SUPERVISOR_CHECK_INTERVAL", 5*time.Second),
			GracePeriod:      getEnvAsDuration("SUPERVISOR_GRACE_PERIOD", 10*time.Second),
			ActuatorDeadline: getEnvAsDuration("SUPERVISOR_ACTUATOR_DEADLINE", 60*time.Second),
			TradingPIDFile:   getEnv("TRADING_PID_FILE", "./data/state/trading.pid"),
		},
		Security: SecurityConfig{
			MasterKey:     getEnv("MASTER_KEY", ""),
			HaltTokenHash: getEnv("HALT_TOKEN_HASH", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
			Output: getEnv("LOG_OUTPUT", ""),
		},
	}

	if err := cfg.validateSecurity(); err != nil {
		return nil, err
	}
	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateSecurity проверяет параметры безопасности
func (c *Config) validateSecurity() error {
	if c.Security.MasterKey != "" && len(c.Security.MasterKey) != 32 {
		return fmt.Errorf("MASTER_KEY must be exactly 32 bytes for AES-256")
	}

	return nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Storage.DBPort < 1 || c.Storage.DBPort > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Storage.DBPort)
	}

	if c.Engine.AckTimeout <= 0 {
		return fmt.Errorf("ORDER_ACK_TIMEOUT must be positive, got %v", c.Engine.AckTimeout)
	}

	if c.Engine.ZombieAge <= c.Engine.AckTimeout {
		return fmt.Errorf("ORDER_ZOMBIE_AGE must exceed ORDER_ACK_TIMEOUT, got %v", c.Engine.ZombieAge)
	}

	if c.Engine.MaxPlaceRetries < 0 || c.Engine.MaxPlaceRetries > 10 {
		return fmt.Errorf("MAX_PLACE_RETRIES must be in [0,10], got %d", c.Engine.MaxPlaceRetries)
	}

	if c.Engine.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive, got %v", c.Engine.ReconcileInterval)
	}

	if c.Supervisor.CheckInterval <= 0 {
		return fmt.Errorf("SUPERVISOR_CHECK_INTERVAL must be positive, got %v", c.Supervisor.CheckInterval)
	}

	if c.Supervisor.GracePeriod <= 0 {
		return fmt.Errorf("SUPERVISOR_GRACE_PERIOD must be positive, got %v", c.Supervisor.GracePeriod)
	}

	if c.Broker.RateLimit <= 0 {
		return fmt.Errorf("BROKER_RATE_LIMIT must be positive, got %v", c.Broker.RateLimit)
	}

	return nil
}

// DSN возвращает строку подключения к аналитическому хранилищу
func (s StorageConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		s.DBHost, s.DBPort, s.DBUser, s.DBPassword, s.DBName, s.DBSSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (s StorageConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		s.DBHost, s.DBPort, s.DBUser, s.DBName, s.DBSSLMode)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
