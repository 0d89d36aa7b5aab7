package storage

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/rice-vision/internal/logging"
	"github.com/example/rice-vision/internal/repository"
)

const resultCacheTTL = 5 * time.Minute

// ErrResultNotFound is returned when a session has no persisted
// classification, cached or otherwise.
var ErrResultNotFound = errors.New("no classification recorded for session")

// Repository defines the persistence operations needed by the store.
type Repository interface {
	SaveLog(ctx context.Context, log *repository.ClassificationLog) error
	FindBySession(ctx context.Context, sessionID, ownerID string) (*repository.ClassificationLog, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*repository.ClassificationLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Entry is a completed classification handed over by the workflow for
// persistence and caching.
type Entry struct {
	SessionID  string
	OwnerID    string
	Label      string
	Confidence float64
	Origin     string
	Image      []byte
}

// MetricsSummary represents aggregated classification insights.
type MetricsSummary struct {
	TotalAnalyses     int64            `json:"total_analyses"`
	AverageConfidence float64          `json:"average_confidence"`
	VarietyCounts     map[string]int64 `json:"variety_counts"`
}

type cachedResult struct {
	RequestID  string    `json:"request_id"`
	SessionID  string    `json:"session_id"`
	OwnerID    string    `json:"owner_id"`
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	Origin     string    `json:"origin"`
	Hash       string    `json:"sha1_hash"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store persists completed classifications and keeps the latest result per
// session in Redis for fast retrieval.
type Store struct {
	repo           Repository
	cache          Cache
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewStore constructs a new store instance.
func NewStore(repo Repository, cache Cache, logger *zap.Logger) *Store {
	return &Store{
		repo:           repo,
		cache:          cache,
		logger:         logger.Named("classification_store"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// SaveResult persists a successful classification and refreshes the session
// result cache.
func (s *Store) SaveResult(ctx context.Context, entry Entry) error {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(s.logger, "store.save_result", entry.SessionID)

	hash := sha1.Sum(entry.Image)
	log := &repository.ClassificationLog{
		RequestID:  requestID,
		SessionID:  entry.SessionID,
		OwnerID:    entry.OwnerID,
		Label:      entry.Label,
		Confidence: entry.Confidence,
		Origin:     entry.Origin,
		SHA1Hash:   hex.EncodeToString(hash[:]),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.repo.SaveLog(ctx, log); err != nil {
		wrapped := logging.NewOperationError("store.save_log", entry.SessionID, err)
		opLogger.Error("failed to persist classification log", zap.Error(wrapped))
		return wrapped
	}

	cached := cachedResult{
		RequestID:  log.RequestID,
		SessionID:  log.SessionID,
		OwnerID:    log.OwnerID,
		Label:      log.Label,
		Confidence: log.Confidence,
		Origin:     log.Origin,
		Hash:       log.SHA1Hash,
		CreatedAt:  log.CreatedAt,
	}
	serialized, err := json.Marshal(cached)
	if err != nil {
		opLogger.Error("failed to serialize classification result", zap.Error(err))
		return err
	}

	cacheKey := resultCacheKey(entry.SessionID)
	if err := s.withRedisRetry(ctx, entry.SessionID, "cache.set.result", func() error {
		return s.cache.Set(ctx, cacheKey, string(serialized), resultCacheTTL)
	}); err != nil {
		opLogger.Error("failed to cache classification result", zap.Error(err))
		return err
	}

	return nil
}

// LatestResult retrieves the most recent classification for a session,
// preferring the cache and falling back to persistence.
func (s *Store) LatestResult(ctx context.Context, sessionID, ownerID string) (*repository.ClassificationLog, error) {
	cacheKey := resultCacheKey(sessionID)
	if cached, err := s.withRedisGet(ctx, sessionID, "cache.get.result", cacheKey); err == nil {
		var payload cachedResult
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			logging.WithOperation(s.logger, "store.latest_result", sessionID).
				Warn("failed to decode cached result", zap.Error(err))
		} else if payload.OwnerID == ownerID {
			return &repository.ClassificationLog{
				RequestID:  payload.RequestID,
				SessionID:  payload.SessionID,
				OwnerID:    payload.OwnerID,
				Label:      payload.Label,
				Confidence: payload.Confidence,
				Origin:     payload.Origin,
				SHA1Hash:   payload.Hash,
				CreatedAt:  payload.CreatedAt,
			}, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		logging.WithOperation(s.logger, "store.latest_result", sessionID).
			Warn("failed to read cache", zap.Error(err))
	}

	log, err := s.repo.FindBySession(ctx, sessionID, ownerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrResultNotFound
		}
		return nil, err
	}
	return log, nil
}

// History returns the owner's persisted classifications, newest first.
func (s *Store) History(ctx context.Context, ownerID string) ([]*repository.ClassificationLog, error) {
	return s.repo.ListByOwner(ctx, ownerID, 50)
}

// GetMetricsSummary aggregates classification metrics from persisted logs.
func (s *Store) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := s.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	return &MetricsSummary{
		TotalAnalyses:     aggregation.TotalCount,
		AverageConfidence: aggregation.AverageConfidence,
		VarietyCounts:     aggregation.VarietyCounts,
	}, nil
}

func resultCacheKey(sessionID string) string {
	return fmt.Sprintf("classification:%s", sessionID)
}

func (s *Store) withRedisRetry(ctx context.Context, sessionID, operation string, fn func() error) error {
	if s.retryAttempts <= 1 {
		return logging.NewOperationError(operation, sessionID, fn())
	}

	backoff := s.initialBackoff
	opLogger := logging.WithOperation(s.logger, operation, sessionID)
	var err error
	for attempt := 0; attempt < s.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, sessionID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= s.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == s.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, sessionID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, sessionID, err)
}

func (s *Store) withRedisGet(ctx context.Context, sessionID, operation, cacheKey string) (string, error) {
	var result string
	err := s.withRedisRetry(ctx, sessionID, operation, func() error {
		value, err := s.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, redis.Nil) {
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
