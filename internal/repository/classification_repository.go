package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/rice-vision/internal/logging"
)

// ClassificationLog represents a persisted successful classification.
type ClassificationLog struct {
	ID         uint      `gorm:"primaryKey"`
	RequestID  string    `gorm:"column:request_id;uniqueIndex;size:64"`
	SessionID  string    `gorm:"column:session_id;index;size:64"`
	OwnerID    string    `gorm:"column:owner_id;index;size:64"`
	Label      string    `gorm:"column:label;size:32"`
	Confidence float64   `gorm:"column:confidence"`
	Origin     string    `gorm:"column:origin;size:16"`
	SHA1Hash   string    `gorm:"column:sha1_hash;size:40"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (ClassificationLog) TableName() string {
	return "classification_logs"
}

// MetricsAggregation holds raw aggregates computed in the database.
type MetricsAggregation struct {
	TotalCount        int64
	AverageConfidence float64
	VarietyCounts     map[string]int64
}

// ClassificationRepository provides persistence APIs for classification logs.
type ClassificationRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewClassificationRepository creates a new repository instance.
func NewClassificationRepository(db *gorm.DB, logger *zap.Logger) *ClassificationRepository {
	return &ClassificationRepository{
		db:             db,
		logger:         logger.Named("classification_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *ClassificationRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&ClassificationLog{})
}

// SaveLog persists a classification log entry.
func (r *ClassificationRepository) SaveLog(ctx context.Context, log *ClassificationLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.SessionID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindBySession retrieves the most recent log for a session owned by ownerID.
func (r *ClassificationRepository) FindBySession(ctx context.Context, sessionID, ownerID string) (*ClassificationLog, error) {
	var log ClassificationLog
	err := r.executeWithRetry(ctx, "repository.find_by_session", sessionID, func() error {
		return r.db.WithContext(ctx).
			Where("session_id = ? AND owner_id = ?", sessionID, ownerID).
			Order("created_at DESC").
			First(&log).Error
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// ListByOwner returns the owner's classification history, newest first.
func (r *ClassificationRepository) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*ClassificationLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var logs []*ClassificationLog
	err := r.executeWithRetry(ctx, "repository.list_by_owner", "", func() error {
		return r.db.WithContext(ctx).
			Where("owner_id = ?", ownerID).
			Order("created_at DESC").
			Limit(limit).
			Find(&logs).Error
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// AggregateMetrics computes classification aggregates across all owners.
func (r *ClassificationRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var totals struct {
		Total         int64
		AvgConfidence float64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_totals", "", func() error {
		return r.db.WithContext(ctx).
			Model(&ClassificationLog{}).
			Select("COUNT(*) AS total, COALESCE(AVG(confidence), 0) AS avg_confidence").
			Scan(&totals).Error
	})
	if err != nil {
		return nil, err
	}

	var perVariety []struct {
		Label string
		Count int64
	}
	err = r.executeWithRetry(ctx, "repository.aggregate_varieties", "", func() error {
		return r.db.WithContext(ctx).
			Model(&ClassificationLog{}).
			Select("label, COUNT(*) AS count").
			Group("label").
			Scan(&perVariety).Error
	})
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(perVariety))
	for _, row := range perVariety {
		counts[row.Label] = row.Count
	}

	return &MetricsAggregation{
		TotalCount:        totals.Total,
		AverageConfidence: totals.AvgConfidence,
		VarietyCounts:     counts,
	}, nil
}

func (r *ClassificationRepository) executeWithRetry(ctx context.Context, operation, sessionID string, fn func() error) error {
	if r.retryAttempts <= 1 {
		return logging.NewOperationError(operation, sessionID, fn())
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, sessionID)
	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, sessionID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == r.retryAttempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, sessionID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, sessionID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
