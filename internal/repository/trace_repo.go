package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/namastexlabs/omni-gateway/internal/domain"
)

// TraceRepository defines the interface for message trace storage. The
// retry and compression policy lives in services/tracing; this layer is
// plain row access.
type TraceRepository interface {
	CreateTrace(ctx context.Context, trace *domain.MessageTrace) error
	GetTrace(ctx context.Context, traceID string) (*domain.MessageTrace, error)
	UpdateTrace(ctx context.Context, traceID string, updates map[string]interface{}) error
	ListTraces(ctx context.Context, filter domain.TraceFilter) ([]*domain.MessageTrace, int64, error)

	CreatePayload(ctx context.Context, payload *domain.TracePayload) error
	ListPayloads(ctx context.Context, traceID string) ([]*domain.TracePayload, error)

	// DeleteOlderThan removes up to batchSize traces (payloads cascade)
	// whose received_at is before cutoff, returning the count deleted.
	DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
	Analytics(ctx context.Context, filter domain.TraceFilter) (*domain.TraceAnalytics, error)
}

// GormTraceRepository implements TraceRepository using GORM.
type GormTraceRepository struct {
	db *gorm.DB
}

// NewGormTraceRepository creates a new GORM trace repository.
func NewGormTraceRepository(db *gorm.DB) *GormTraceRepository {
	return &GormTraceRepository{db: db}
}

// CreateTrace persists a new message trace.
func (r *GormTraceRepository) CreateTrace(ctx context.Context, trace *domain.MessageTrace) error {
	return translate(r.db.WithContext(ctx).Create(trace).Error)
}

// GetTrace retrieves a trace by id.
func (r *GormTraceRepository) GetTrace(ctx context.Context, traceID string) (*domain.MessageTrace, error) {
	var trace domain.MessageTrace
	err := r.db.WithContext(ctx).First(&trace, "trace_id = ?", traceID).Error
	if err != nil {
		return nil, translate(err)
	}
	return &trace, nil
}

// UpdateTrace applies the given column updates to a trace.
func (r *GormTraceRepository) UpdateTrace(ctx context.Context, traceID string, updates map[string]interface{}) error {
	result := r.db.WithContext(ctx).Model(&domain.MessageTrace{}).
		Where("trace_id = ?", traceID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("trace %q: %w", traceID, ErrNotFound)
	}
	return nil
}

func applyTraceFilter(query *gorm.DB, filter domain.TraceFilter) *gorm.DB {
	if filter.InstanceName != "" {
		query = query.Where("instance_name = ?", filter.InstanceName)
	}
	if filter.Phone != "" {
		query = query.Where("sender_phone = ?", filter.Phone)
	}
	if filter.TraceStatus != "" {
		query = query.Where("trace_status = ?", filter.TraceStatus)
	}
	if filter.MessageType != "" {
		query = query.Where("message_type = ?", filter.MessageType)
	}
	if filter.StartDate != nil {
		query = query.Where("received_at >= ?", *filter.StartDate)
	}
	if filter.EndDate != nil {
		query = query.Where("received_at <= ?", *filter.EndDate)
	}
	return query
}

// ListTraces returns a filtered page of traces plus the total count.
func (r *GormTraceRepository) ListTraces(ctx context.Context, filter domain.TraceFilter) ([]*domain.MessageTrace, int64, error) {
	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}

	base := applyTraceFilter(r.db.WithContext(ctx).Model(&domain.MessageTrace{}), filter)

	var total int64
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var traces []*domain.MessageTrace
	err := base.
		Order("received_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&traces).Error
	if err != nil {
		return nil, 0, err
	}
	return traces, total, nil
}

// CreatePayload appends a payload row to a trace.
func (r *GormTraceRepository) CreatePayload(ctx context.Context, payload *domain.TracePayload) error {
	return translate(r.db.WithContext(ctx).Create(payload).Error)
}

// ListPayloads returns a trace's payloads ordered by timestamp then id.
func (r *GormTraceRepository) ListPayloads(ctx context.Context, traceID string) ([]*domain.TracePayload, error) {
	var payloads []*domain.TracePayload
	err := r.db.WithContext(ctx).
		Where("trace_id = ?", traceID).
		Order("timestamp ASC, id ASC").
		Find(&payloads).Error
	if err != nil {
		return nil, err
	}
	return payloads, nil
}

// DeleteOlderThan removes a bounded batch of traces older than cutoff.
func (r *GormTraceRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize < 1 {
		batchSize = 500
	}

	var ids []string
	err := r.db.WithContext(ctx).Model(&domain.MessageTrace{}).
		Where("received_at < ?", cutoff).
		Order("received_at ASC").
		Limit(batchSize).
		Pluck("trace_id", &ids).Error
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Payloads cascade at the schema level; the explicit delete keeps
		// sqlite test databases honest as well.
		if err := tx.Delete(&domain.TracePayload{}, "trace_id IN ?", ids).Error; err != nil {
			return err
		}
		return tx.Delete(&domain.MessageTrace{}, "trace_id IN ?", ids).Error
	})
	if err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}

// Analytics summarizes traces matching the filter.
func (r *GormTraceRepository) Analytics(ctx context.Context, filter domain.TraceFilter) (*domain.TraceAnalytics, error) {
	out := &domain.TraceAnalytics{
		ByStatus: make(map[domain.TraceStatus]int64),
		ByType:   make(map[domain.MessageType]int64),
	}

	base := applyTraceFilter(r.db.WithContext(ctx).Model(&domain.MessageTrace{}), filter)
	if err := base.Count(&out.Total).Error; err != nil {
		return nil, err
	}

	type statusRow struct {
		TraceStatus domain.TraceStatus
		N           int64
	}
	var statusRows []statusRow
	err := applyTraceFilter(r.db.WithContext(ctx).Model(&domain.MessageTrace{}), filter).
		Select("trace_status, COUNT(*) AS n").
		Group("trace_status").
		Scan(&statusRows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range statusRows {
		out.ByStatus[row.TraceStatus] = row.N
	}

	type typeRow struct {
		MessageType domain.MessageType
		N           int64
	}
	var typeRows []typeRow
	err = applyTraceFilter(r.db.WithContext(ctx).Model(&domain.MessageTrace{}), filter).
		Select("message_type, COUNT(*) AS n").
		Group("message_type").
		Scan(&typeRows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range typeRows {
		out.ByType[row.MessageType] = row.N
	}

	// Average completion latency over terminal traces with a
	// completed_at stamp. Computed in Go to stay portable across
	// postgres and the sqlite test driver.
	type latencyRow struct {
		ReceivedAt  time.Time
		CompletedAt *time.Time
	}
	var latencyRows []latencyRow
	err = applyTraceFilter(r.db.WithContext(ctx).Model(&domain.MessageTrace{}), filter).
		Select("received_at, completed_at").
		Where("completed_at IS NOT NULL").
		Scan(&latencyRows).Error
	if err != nil {
		return nil, err
	}
	if len(latencyRows) > 0 {
		var sum float64
		for _, row := range latencyRows {
			sum += float64(row.CompletedAt.Sub(row.ReceivedAt).Milliseconds())
		}
		out.AvgLatencyMS = sum / float64(len(latencyRows))
	}

	return out, nil
}
