package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string
	Debug       bool

	Server     ServerConfig
	Logging    LoggingConfig
	Scylla     ScyllaConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	Clickhouse ClickhouseConfig
	JWT        JWTConfig
	OTP        OTPConfig
	SMS        SMSConfig
	Upload     UploadConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	Enabled bool
}

type ClickhouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
	Enabled  bool
}

type JWTConfig struct {
	Secret string
	Expiry time.Duration
}

type OTPConfig struct {
	RegistrationTTL time.Duration
	ResetTTL        time.Duration
	ResendCooldown  time.Duration

	// Login lockout (counted per phone in redis).
	MaxLoginAttempts   int
	LoginAttemptWindow time.Duration
	LoginLockDuration  time.Duration
}

type SMSConfig struct {
	ProviderURL string
	APIKey      string
	Sender      string
}

type UploadConfig struct {
	AvatarDir     string
	MaxAvatarSize int64
}

// LoadConfig reads configuration from the environment. A .env file is loaded
// first when present so local development matches the container setup.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		Environment: getEnv("APP_ENV", "development"),
		Debug:       getEnvBool("APP_DEBUG", false),

		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
		Scylla: ScyllaConfig{
			Nodes:    strings.Split(getEnv("SCYLLA_NODES", "127.0.0.1:9042"), ","),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "carpool_auth"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://127.0.0.1:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
		},
		Kafka: KafkaConfig{
			Brokers: strings.Split(getEnv("KAFKA_BROKERS", "127.0.0.1:9092"), ","),
			Topic:   getEnv("KAFKA_AUTH_TOPIC", "auth-events"),
			Enabled: getEnvBool("KAFKA_ENABLED", false),
		},
		Clickhouse: ClickhouseConfig{
			Addr:     getEnv("CLICKHOUSE_ADDR", "127.0.0.1:9000"),
			Database: getEnv("CLICKHOUSE_DATABASE", "carpool_audit"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Enabled:  getEnvBool("CLICKHOUSE_ENABLED", false),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", "fallback-secret"),
			Expiry: getEnvDuration("JWT_EXPIRY", 7*24*time.Hour),
		},
		OTP: OTPConfig{
			RegistrationTTL: getEnvDuration("OTP_REGISTRATION_TTL", 10*time.Minute),
			ResetTTL:        getEnvDuration("OTP_RESET_TTL", 30*time.Minute),
			ResendCooldown:  getEnvDuration("OTP_RESEND_COOLDOWN", 60*time.Second),

			MaxLoginAttempts:   getEnvInt("MAX_LOGIN_ATTEMPTS", 5),
			LoginAttemptWindow: getEnvDuration("LOGIN_ATTEMPT_WINDOW", 15*time.Minute),
			LoginLockDuration:  getEnvDuration("LOGIN_LOCK_DURATION", 2*time.Hour),
		},
		SMS: SMSConfig{
			ProviderURL: getEnv("SMS_PROVIDER_URL", ""),
			APIKey:      getEnv("SMS_API_KEY", ""),
			Sender:      getEnv("SMS_SENDER", "Carpooling"),
		},
		Upload: UploadConfig{
			AvatarDir:     getEnv("AVATAR_UPLOAD_DIR", "uploads/avatars"),
			MaxAvatarSize: int64(getEnvInt("MAX_AVATAR_SIZE", 5*1024*1024)),
		},
	}
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
