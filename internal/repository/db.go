package repository

import (
	"context"

	"gorm.io/gorm"
)

// RepositoryManager combines all repositories behind one handle. A
// tx-scoped manager is obtained through WithTx; repositories never open
// transactions on their own.
type RepositoryManager interface {
	Instances() InstanceRepository
	Users() UserRepository
	AccessRules() AccessRuleRepository
	Traces() TraceRepository

	// WithTx executes fn inside a database transaction, passing a
	// manager whose repositories are bound to it.
	WithTx(ctx context.Context, fn func(ctx context.Context, repos RepositoryManager) error) error

	Ping(ctx context.Context) error
	Close() error
}

// GormRepositoryManager implements RepositoryManager using GORM.
type GormRepositoryManager struct {
	db              *gorm.DB
	instanceRepo    *GormInstanceRepository
	userRepo        *GormUserRepository
	accessRuleRepo  *GormAccessRuleRepository
	traceRepo       *GormTraceRepository
}

// NewGormRepositoryManager creates a repository manager bound to db.
func NewGormRepositoryManager(db *gorm.DB) *GormRepositoryManager {
	return &GormRepositoryManager{
		db:             db,
		instanceRepo:   NewGormInstanceRepository(db),
		userRepo:       NewGormUserRepository(db),
		accessRuleRepo: NewGormAccessRuleRepository(db),
		traceRepo:      NewGormTraceRepository(db),
	}
}

// Instances returns the instance repository.
func (m *GormRepositoryManager) Instances() InstanceRepository {
	return m.instanceRepo
}

// Users returns the user repository.
func (m *GormRepositoryManager) Users() UserRepository {
	return m.userRepo
}

// AccessRules returns the access rule repository.
func (m *GormRepositoryManager) AccessRules() AccessRuleRepository {
	return m.accessRuleRepo
}

// Traces returns the trace repository.
func (m *GormRepositoryManager) Traces() TraceRepository {
	return m.traceRepo
}

// WithTx executes fn within a database transaction.
func (m *GormRepositoryManager) WithTx(ctx context.Context, fn func(ctx context.Context, repos RepositoryManager) error) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, NewGormRepositoryManager(tx))
	})
}

// Ping checks the database connection.
func (m *GormRepositoryManager) Ping(ctx context.Context) error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection.
func (m *GormRepositoryManager) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
