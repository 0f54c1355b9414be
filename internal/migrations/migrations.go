// Package migrations embeds the forward-only SQL schema migrations and
// runs them to head at startup.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/namastexlabs/omni-gateway/internal/domain"
	"github.com/namastexlabs/omni-gateway/pkg/logger"
)

//go:embed sql/*.sql
var migrationFS embed.FS

// headVersion is the newest embedded revision. Bump alongside new files
// under sql/.
const headVersion = 1

// RunToHead applies all pending migrations against db. When schema
// objects already exist (database bootstrapped externally), the
// idempotent DDL failure stamps the head revision instead of failing.
func RunToHead(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "sql")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("create migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	err = m.Up()
	if err == nil || errors.Is(err, migrate.ErrNoChange) {
		return nil
	}

	if isAlreadyExists(err) {
		logger.Base().Warn("schema objects already exist, stamping head revision",
			zap.Uint("version", headVersion),
			zap.Error(err),
		)
		if forceErr := m.Force(headVersion); forceErr != nil {
			return fmt.Errorf("stamp head revision: %w", forceErr)
		}
		return nil
	}

	return fmt.Errorf("run migrations: %w", err)
}

// isAlreadyExists detects idempotent DDL failures (postgres 42P07
// duplicate_table and friends).
func isAlreadyExists(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "already exists") ||
		strings.Contains(msg, "42P07") ||
		strings.Contains(msg, "42710")
}

// AutoMigrate creates the schema through gorm's migrator. Used by the
// sqlite-backed test databases where the embedded postgres DDL does not
// apply.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.InstanceConfig{},
		&domain.User{},
		&domain.UserExternalID{},
		&domain.AccessRule{},
		&domain.MessageTrace{},
		&domain.TracePayload{},
	)
}
