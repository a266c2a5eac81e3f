package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

type Config struct {
	ServerPort    string
	StorageDriver string
	AutoMigrate   bool

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	JWTSecret string

	KafkaBrokers             []string
	KafkaTransactionTopic    string
	KafkaReconciliationTopic string

	TransferMaxRetries    int
	TransferRetryInterval time.Duration
	MaxTransferAmount     decimal.Decimal

	LogLevel slog.Level
}

// Load reads an optional .env file and then the process environment.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, relying on environment variables")
	}

	return &Config{
		ServerPort:    getEnv("SERVER_PORT", "8080"),
		StorageDriver: getEnv("STORAGE_DRIVER", StorageDriverPostgres),
		AutoMigrate:   getEnvBool("AUTO_MIGRATE", true),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "password"),
		DBName:     getEnv("DB_NAME", "banking_ledger"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		JWTSecret: getEnv("JWT_SECRET", ""),

		KafkaBrokers:             splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaTransactionTopic:    getEnv("KAFKA_TRANSACTION_TOPIC", "transaction-events"),
		KafkaReconciliationTopic: getEnv("KAFKA_RECONCILIATION_TOPIC", "transfer-reconciliation"),

		TransferMaxRetries:    getEnvInt("TRANSFER_MAX_RETRIES", 3),
		TransferRetryInterval: getEnvDuration("TRANSFER_RETRY_INTERVAL", 50*time.Millisecond),
		MaxTransferAmount:     getEnvDecimal("MAX_TRANSFER_AMOUNT", decimal.NewFromInt(10000)),

		LogLevel: parseLevel(getEnv("LOG_LEVEL", "info")),
	}
}

func (c *Config) GetDBConnectionString() string {
	sslMode := c.DBSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, sslMode)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(fallback)))
	if err != nil {
		slog.Warn("Invalid boolean in environment, using default", "key", key, "default", fallback)
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || v < 0 {
		slog.Warn("Invalid integer in environment, using default", "key", key, "default", fallback)
		return fallback
	}
	return v
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, err := time.ParseDuration(getEnv(key, fallback.String()))
	if err != nil {
		slog.Warn("Invalid duration in environment, using default", "key", key, "default", fallback)
		return fallback
	}
	return v
}

func getEnvDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	v, err := decimal.NewFromString(getEnv(key, fallback.String()))
	if err != nil || !v.IsPositive() {
		slog.Warn("Invalid decimal in environment, using default", "key", key, "default", fallback)
		return fallback
	}
	return v
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseLevel(raw string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return slog.LevelInfo
	}
	return level
}
