package repository

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/namastexlabs/omni-gateway/pkg/logger"
)

// DatabaseConfig holds database connection pool configuration.
type DatabaseConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	StatementTimeout time.Duration
}

// LoadDatabaseConfigFromEnv loads database configuration from
// environment variables. DATABASE_URL is required.
func LoadDatabaseConfigFromEnv() *DatabaseConfig {
	return &DatabaseConfig{
		DSN:              os.Getenv("DATABASE_URL"),
		MaxOpenConns:     getEnvIntOrDefault("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:     getEnvIntOrDefault("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime:  time.Duration(getEnvIntOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30)) * time.Minute,
		ConnMaxIdleTime:  time.Duration(getEnvIntOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 5)) * time.Minute,
		StatementTimeout: time.Duration(getEnvIntOrDefault("DB_STATEMENT_TIMEOUT_SECONDS", 10)) * time.Second,
	}
}

// NewDatabaseConnection creates a new GORM database connection with a
// tuned pool and zap-backed slow-query logging.
func NewDatabaseConnection(config *DatabaseConfig) (*gorm.DB, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}

	dsn := config.DSN
	if config.StatementTimeout > 0 && !strings.Contains(dsn, "statement_timeout") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += fmt.Sprintf("%sstatement_timeout=%d", sep, config.StatementTimeout.Milliseconds())
	}

	gormLog := gormlogger.New(logger.NewGORMWriter(), gormlogger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
	})

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	return db, nil
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
