package repository

import (
	"context"
	"encoding/json"
	"time"

	"arbiter/internal/common/cache"
	"arbiter/internal/judge/model"
	appErr "arbiter/pkg/errors"
)

const (
	defaultResultTTL   = 30 * time.Minute
	defaultProgressTTL = 10 * time.Minute

	resultKeyPrefix   = "judge:result:"
	progressKeyPrefix = "judge:progress:"
)

// ResultStore keeps execution results and progress snapshots in Redis
// with a TTL. It serves job polling for both queued and ad-hoc runs.
type ResultStore struct {
	cache cache.Cache
	ttl   time.Duration
}

// NewResultStore creates a result store with the default TTL.
func NewResultStore(cacheClient cache.Cache) *ResultStore {
	return NewResultStoreWithTTL(cacheClient, defaultResultTTL)
}

// NewResultStoreWithTTL creates a result store with a custom TTL.
func NewResultStoreWithTTL(cacheClient cache.Cache, ttl time.Duration) *ResultStore {
	if ttl <= 0 {
		ttl = defaultResultTTL
	}
	return &ResultStore{cache: cacheClient, ttl: ttl}
}

// Save stores a finished result and clears the progress snapshot.
func (s *ResultStore) Save(ctx context.Context, result model.ExecutionResult) error {
	if result.JobID == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("job id is required")
	}
	data, err := json.Marshal(result)
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "marshal execution result failed")
	}
	if err := s.cache.Set(ctx, resultKeyPrefix+result.JobID, string(data), s.ttl); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "save execution result failed")
	}
	_ = s.cache.Del(ctx, progressKeyPrefix+result.JobID)
	return nil
}

// Get returns the stored result, or nil when the job has not finished
// or the result expired.
func (s *ResultStore) Get(ctx context.Context, jobID string) (*model.ExecutionResult, error) {
	if jobID == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("job id is required")
	}
	raw, err := s.cache.Get(ctx, resultKeyPrefix+jobID)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.CacheError, "get execution result failed")
	}
	if raw == "" {
		return nil, nil
	}
	var result model.ExecutionResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, appErr.Wrapf(err, appErr.InternalServerError, "unmarshal execution result failed")
	}
	return &result, nil
}

// SaveProgress stores a mid-judging progress snapshot.
func (s *ResultStore) SaveProgress(ctx context.Context, progress model.JobProgress) error {
	if progress.JobID == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("job id is required")
	}
	data, err := json.Marshal(progress)
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "marshal job progress failed")
	}
	if err := s.cache.Set(ctx, progressKeyPrefix+progress.JobID, string(data), defaultProgressTTL); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "save job progress failed")
	}
	return nil
}

// GetProgress returns the progress snapshot, or nil when none exists.
func (s *ResultStore) GetProgress(ctx context.Context, jobID string) (*model.JobProgress, error) {
	if jobID == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("job id is required")
	}
	raw, err := s.cache.Get(ctx, progressKeyPrefix+jobID)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.CacheError, "get job progress failed")
	}
	if raw == "" {
		return nil, nil
	}
	var progress model.JobProgress
	if err := json.Unmarshal([]byte(raw), &progress); err != nil {
		return nil, appErr.Wrapf(err, appErr.InternalServerError, "unmarshal job progress failed")
	}
	return &progress, nil
}
