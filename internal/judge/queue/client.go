// Package queue enqueues execution jobs for asynchronous judging and
// degrades to synchronous inline execution when the broker is down,
// returning the same receipt shape either way.
package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/zap"

	"arbiter/internal/common/cache"
	"arbiter/internal/common/mq"
	"arbiter/internal/judge/model"
	"arbiter/internal/judge/repository"
	appErr "arbiter/pkg/errors"
	"arbiter/pkg/logger"
)

const (
	// Receipt statuses.
	StatusQueued    = "queued"
	StatusCompleted = "completed"

	// HeaderSubmissionID carries the submission id on queue messages.
	HeaderSubmissionID = "x-submission-id"

	inFlightKeyPrefix = "judge:inflight:"
	depthKey          = "judge:queue:depth"
	inFlightCountKey  = "judge:queue:inflight"

	pingTimeout = 2 * time.Second
)

// Broker is the narrow queue surface the client needs.
type Broker interface {
	Publish(ctx context.Context, topic string, message *mq.Message) error
	Ping(ctx context.Context) error
}

// Processor runs a job to completion. The worker pool and the degraded
// synchronous path share this contract.
type Processor interface {
	Process(ctx context.Context, job model.ExecutionJob) (model.ExecutionResult, error)
}

// Receipt is the uniform response to a submit, whether the job was
// queued or ran inline.
type Receipt struct {
	JobID  string                 `json:"jobId"`
	Status string                 `json:"status"`
	Result *model.ExecutionResult `json:"result,omitempty"`
}

// Stats is a point-in-time queue snapshot.
type Stats struct {
	Depth            int64 `json:"depth"`
	InFlight         int64 `json:"inFlight"`
	BackendAvailable bool  `json:"backendAvailable"`
}

// Config controls the queue client.
type Config struct {
	Topic string `yaml:"topic"`

	// MaxDepth bounds accepted-but-unfinished jobs. Zero means 1024.
	MaxDepth int64 `yaml:"maxDepth"`

	// InFlightTTL expires stale in-flight markers from crashed workers.
	InFlightTTL time.Duration `yaml:"inFlightTTL"`
}

// Client submits execution jobs.
type Client struct {
	broker   Broker
	cache    cache.Cache
	results  *repository.ResultStore
	fallback Processor
	cfg      Config
}

// NewClient creates a queue client. fallback handles the degraded
// synchronous path; it may be set later with SetFallback when the
// processor itself depends on the client.
func NewClient(broker Broker, cacheClient cache.Cache, results *repository.ResultStore, fallback Processor, cfg Config) *Client {
	if cfg.Topic == "" {
		cfg.Topic = "judge.jobs"
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 1024
	}
	if cfg.InFlightTTL <= 0 {
		cfg.InFlightTTL = 15 * time.Minute
	}
	return &Client{
		broker:   broker,
		cache:    cacheClient,
		results:  results,
		fallback: fallback,
		cfg:      cfg,
	}
}

// SetFallback installs the degraded-path processor.
func (c *Client) SetFallback(fallback Processor) {
	c.fallback = fallback
}

// Submit accepts a job for judging. The receipt reports "queued" when
// the job went to the broker and "completed" with an inline result when
// the broker was unavailable and the job ran synchronously.
func (c *Client) Submit(ctx context.Context, job model.ExecutionJob) (Receipt, error) {
	if job.JobID == "" {
		return Receipt{}, appErr.New(appErr.InvalidParams).WithMessage("job id is required")
	}
	if len(job.TestCases) == 0 {
		return Receipt{}, appErr.New(appErr.InvalidParams).WithMessage("test cases are required")
	}

	claimed, err := c.claimInFlight(ctx, job)
	if err != nil {
		return Receipt{}, err
	}
	if !claimed {
		return Receipt{}, appErr.Newf(appErr.DuplicateSubmission, "submission %s is already being judged", job.SubmissionID)
	}

	depth, err := c.cache.Incr(ctx, depthKey)
	if err != nil {
		c.releaseInFlightMarker(ctx, job)
		return Receipt{}, appErr.Wrapf(err, appErr.CacheError, "queue depth accounting failed")
	}
	if depth > c.cfg.MaxDepth {
		_, _ = c.cache.Decr(ctx, depthKey)
		c.releaseInFlightMarker(ctx, job)
		return Receipt{}, appErr.Newf(appErr.QueueFull, "judge queue is full (depth %d)", depth-1)
	}

	job.EnqueuedAt = time.Now()
	if err := c.publish(ctx, job); err != nil {
		logger.Warn(ctx, "queue backend unavailable, judging inline",
			zap.String("jobId", job.JobID), zap.Error(err))
		return c.runInline(ctx, job)
	}
	return Receipt{JobID: job.JobID, Status: StatusQueued}, nil
}

// Result returns the stored execution result, or nil while pending.
func (c *Client) Result(ctx context.Context, jobID string) (*model.ExecutionResult, error) {
	return c.results.Get(ctx, jobID)
}

// Progress returns the mid-judging progress snapshot, or nil.
func (c *Client) Progress(ctx context.Context, jobID string) (*model.JobProgress, error) {
	return c.results.GetProgress(ctx, jobID)
}

// Release clears per-job accounting after a job finishes. Workers call
// this exactly once per completed job.
func (c *Client) Release(ctx context.Context, job model.ExecutionJob) {
	if _, err := c.cache.Decr(ctx, depthKey); err != nil {
		logger.Warn(ctx, "queue depth decrement failed", zap.Error(err))
	}
	c.releaseInFlightMarker(ctx, job)
}

// ClearInFlight drops a submission's in-flight marker. A terminal
// submission cannot be mid-judging, so rejudge uses this to discard a
// marker left behind by a crashed worker. Reports whether a marker was
// removed.
func (c *Client) ClearInFlight(ctx context.Context, submissionID string) bool {
	if submissionID == "" {
		return false
	}
	n, err := c.cache.Exists(ctx, inFlightKeyPrefix+submissionID)
	if err != nil || n == 0 {
		return false
	}
	c.releaseInFlightMarker(ctx, model.ExecutionJob{SubmissionID: submissionID})
	return true
}

// Stats reports queue depth, in-flight count and broker health.
func (c *Client) Stats(ctx context.Context) Stats {
	stats := Stats{}
	if raw, err := c.cache.Get(ctx, depthKey); err == nil && raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v > 0 {
			stats.Depth = v
		}
	}
	if raw, err := c.cache.Get(ctx, inFlightCountKey); err == nil && raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v > 0 {
			stats.InFlight = v
		}
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	stats.BackendAvailable = c.broker.Ping(pingCtx) == nil
	return stats
}

func (c *Client) claimInFlight(ctx context.Context, job model.ExecutionJob) (bool, error) {
	if job.SubmissionID == "" {
		// Ad-hoc executions have no submission to deduplicate.
		return true, nil
	}
	ok, err := c.cache.SetNX(ctx, inFlightKeyPrefix+job.SubmissionID, job.JobID, c.cfg.InFlightTTL)
	if err != nil {
		return false, appErr.Wrapf(err, appErr.CacheError, "claim in-flight marker failed")
	}
	if ok {
		if _, err := c.cache.Incr(ctx, inFlightCountKey); err != nil {
			logger.Warn(ctx, "in-flight count increment failed", zap.Error(err))
		}
	}
	return ok, nil
}

func (c *Client) releaseInFlightMarker(ctx context.Context, job model.ExecutionJob) {
	if job.SubmissionID == "" {
		return
	}
	if err := c.cache.Del(ctx, inFlightKeyPrefix+job.SubmissionID); err != nil {
		logger.Warn(ctx, "in-flight marker release failed",
			zap.String("submissionId", job.SubmissionID), zap.Error(err))
		return
	}
	if _, err := c.cache.Decr(ctx, inFlightCountKey); err != nil {
		logger.Warn(ctx, "in-flight count decrement failed", zap.Error(err))
	}
}

func (c *Client) publish(ctx context.Context, job model.ExecutionJob) error {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := c.broker.Ping(pingCtx); err != nil {
		return err
	}

	body, err := json.Marshal(job)
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "marshal execution job failed")
	}
	msg := mq.NewMessage(body)
	msg.ID = job.JobID
	if job.SubmissionID != "" {
		msg.SetHeader(HeaderSubmissionID, job.SubmissionID)
	}
	return c.broker.Publish(ctx, c.cfg.Topic, msg)
}

// runInline is the degraded path: judge synchronously and return the
// same receipt shape with the result attached.
func (c *Client) runInline(ctx context.Context, job model.ExecutionJob) (Receipt, error) {
	defer c.Release(ctx, job)

	if c.fallback == nil {
		return Receipt{}, appErr.New(appErr.ServiceUnavailable).WithMessage("queue backend unavailable and no inline processor configured")
	}
	result, err := c.fallback.Process(ctx, job)
	if err != nil {
		return Receipt{}, appErr.Wrapf(err, appErr.JudgeSystemError, "inline judging failed")
	}
	if err := c.results.Save(ctx, result); err != nil {
		logger.Warn(ctx, "inline result save failed",
			zap.String("jobId", job.JobID), zap.Error(err))
	}
	return Receipt{JobID: job.JobID, Status: StatusCompleted, Result: &result}, nil
}
