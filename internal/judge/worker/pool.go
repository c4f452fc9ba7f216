// Package worker consumes execution jobs from the queue and drives
// them to a terminal state. Whatever goes wrong, a claimed submission
// never stays Pending or Judging.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"arbiter/internal/common/cache"
	"arbiter/internal/common/mq"
	"arbiter/internal/judge/model"
	"arbiter/internal/judge/repository"
	"arbiter/internal/judge/runner"
	appErr "arbiter/pkg/errors"
	"arbiter/pkg/logger"
)

const lockKeyPrefix = "judge:lock:"

// Config controls the worker pool.
type Config struct {
	Topic           string        `yaml:"topic"`
	RetryTopic      string        `yaml:"retryTopic"`
	DeadLetterTopic string        `yaml:"deadLetterTopic"`
	ConsumerGroup   string        `yaml:"consumerGroup"`
	Concurrency     int           `yaml:"concurrency"`
	MaxAttempts     int           `yaml:"maxAttempts"`
	RetryBaseDelay  time.Duration `yaml:"retryBaseDelay"`
	RetryMaxDelay   time.Duration `yaml:"retryMaxDelay"`
	PoolRetryMax    int           `yaml:"poolRetryMax"`
	JobTimeout      time.Duration `yaml:"jobTimeout"`
	LockTTL         time.Duration `yaml:"lockTTL"`
}

func (c *Config) setDefaults() {
	if c.Topic == "" {
		c.Topic = "judge.jobs"
	}
	if c.RetryTopic == "" {
		c.RetryTopic = c.Topic + ".retry"
	}
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = "arbiter-judge"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.PoolRetryMax <= 0 {
		c.PoolRetryMax = 5
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 5 * time.Minute
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 10 * time.Minute
	}
}

// SourceLoader rehydrates archived source code by object key.
type SourceLoader interface {
	Load(ctx context.Context, key, wantHash string) (string, error)
}

// Releaser clears queue accounting once a job finishes.
type Releaser interface {
	Release(ctx context.Context, job model.ExecutionJob)
}

// Pool is the consuming side of the judge queue.
type Pool struct {
	queue    mq.MessageQueue
	cache    cache.Cache
	runner   *runner.Runner
	repo     repository.SubmissionRepository
	results  *repository.ResultStore
	sources  SourceLoader
	releaser Releaser

	sem chan struct{}
	cfg Config
}

// NewPool wires a worker pool. sources and releaser may be nil.
func NewPool(queue mq.MessageQueue, cacheClient cache.Cache, run *runner.Runner,
	repo repository.SubmissionRepository, results *repository.ResultStore,
	sources SourceLoader, releaser Releaser, cfg Config) *Pool {
	cfg.setDefaults()
	return &Pool{
		queue:    queue,
		cache:    cacheClient,
		runner:   run,
		repo:     repo,
		results:  results,
		sources:  sources,
		releaser: releaser,
		sem:      make(chan struct{}, cfg.Concurrency),
		cfg:      cfg,
	}
}

// Start subscribes to the job and retry topics and begins consuming.
func (p *Pool) Start(ctx context.Context) error {
	opts := &mq.SubscribeOptions{
		ConsumerGroup:   p.cfg.ConsumerGroup,
		Concurrency:     p.cfg.Concurrency,
		MaxRetries:      p.cfg.MaxAttempts,
		RetryDelay:      p.cfg.RetryBaseDelay,
		DeadLetterTopic: p.cfg.DeadLetterTopic,
	}
	if err := p.queue.SubscribeWithOptions(ctx, p.cfg.Topic, p.handle, opts); err != nil {
		return err
	}
	if err := p.queue.SubscribeWithOptions(ctx, p.cfg.RetryTopic, p.handle, opts); err != nil {
		return err
	}
	return p.queue.Start()
}

// Stop drains the consumers.
func (p *Pool) Stop() error {
	return p.queue.Stop()
}

// Process judges one job to completion without touching the submission
// store. It backs both this pool's consumption and the queue client's
// degraded synchronous path.
func (p *Pool) Process(ctx context.Context, job model.ExecutionJob) (model.ExecutionResult, error) {
	if job.Code == "" && job.SourceKey != "" {
		if p.sources == nil {
			return model.ExecutionResult{}, appErr.New(appErr.StorageError).WithMessage("source archive is not configured")
		}
		code, err := p.sources.Load(ctx, job.SourceKey, job.SourceHash)
		if err != nil {
			return model.ExecutionResult{}, err
		}
		job.Code = code
	}
	return p.runner.Evaluate(ctx, job)
}

func (p *Pool) handle(ctx context.Context, msg *mq.Message) error {
	var job model.ExecutionJob
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		logger.Error(ctx, "malformed job message, dropping",
			zap.String("messageId", msg.ID), zap.Error(err))
		return nil
	}
	ctx = context.WithValue(ctx, logger.JobIDKey, job.JobID)
	if job.SubmissionID != "" {
		ctx = context.WithValue(ctx, logger.SubmissionIDKey, job.SubmissionID)
	}

	if !p.tryAcquireSlot() {
		return RequeueForPoolFull(ctx, p.queue, p.cfg.RetryTopic, p.cfg.DeadLetterTopic,
			p.cfg.PoolRetryMax, p.cfg.RetryBaseDelay, p.cfg.RetryMaxDelay, msg)
	}
	defer p.releaseSlot()

	unlock, ok, err := p.lockSubmission(ctx, job)
	if err != nil {
		return err
	}
	if !ok {
		logger.Info(ctx, "submission already locked, acking duplicate delivery")
		return nil
	}
	defer unlock()

	if job.SubmissionID != "" {
		proceed, err := p.claimJudging(ctx, job.SubmissionID)
		if err != nil {
			return err
		}
		if !proceed {
			return nil
		}
	}

	result, runErr := p.processWithRetries(ctx, job, msg)
	if runErr != nil {
		p.finalizeFailure(ctx, job, msg, runErr)
		return nil
	}
	return p.persist(ctx, job, result)
}

// claimJudging moves the submission to Judging. A submission already
// in Judging is a redelivery after a crash; holding the lock, this
// worker takes it over. Terminal submissions ack idempotently.
func (p *Pool) claimJudging(ctx context.Context, submissionID string) (bool, error) {
	claimed, err := p.repo.MarkJudging(ctx, submissionID)
	if err != nil {
		if appErr.GetCode(err) == appErr.SubmissionNotFound {
			logger.Warn(ctx, "job for unknown submission, dropping")
			return false, nil
		}
		return false, err
	}
	if claimed {
		return true, nil
	}
	sub, err := p.repo.GetByID(ctx, submissionID)
	if err != nil {
		return false, err
	}
	if sub.Status == model.StatusJudging {
		logger.Warn(ctx, "resuming submission stuck in judging")
		return true, nil
	}
	logger.Info(ctx, "submission already terminal, acking duplicate delivery",
		zap.String("status", string(sub.Status)))
	return false, nil
}

func (p *Pool) processWithRetries(ctx context.Context, job model.ExecutionJob, msg *mq.Message) (model.ExecutionResult, error) {
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := ComputeBackoff(attempt-1, p.cfg.RetryBaseDelay, p.cfg.RetryMaxDelay)
			select {
			case <-ctx.Done():
				return model.ExecutionResult{}, ctx.Err()
			case <-time.After(delay):
			}
			logger.Warn(ctx, "retrying job after infrastructure error",
				zap.Int("attempt", attempt+1), zap.Error(lastErr))
		}
		jobCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
		result, err := p.Process(jobCtx, job)
		cancel()
		if err == nil {
			return result, nil
		}
		lastErr = err
	}
	return model.ExecutionResult{}, lastErr
}

// finalizeFailure writes a terminal RuntimeError so the submission is
// never left non-terminal, then dead-letters the message.
func (p *Pool) finalizeFailure(ctx context.Context, job model.ExecutionJob, msg *mq.Message, cause error) {
	logger.Error(ctx, "judging failed after retries", zap.Error(cause))
	result := model.ExecutionResult{
		JobID:          job.JobID,
		SubmissionID:   job.SubmissionID,
		Status:         model.StatusRuntimeError,
		TotalTestCases: len(job.TestCases),
		ErrorMessage:   "judging failed: " + cause.Error(),
		FinishedAt:     time.Now(),
	}
	if err := p.persist(ctx, job, result); err != nil {
		logger.Error(ctx, "failure finalization did not persist", zap.Error(err))
	}
	if p.cfg.DeadLetterTopic != "" {
		retryCount := ParseRetryCount(msg.Headers)
		if err := p.queue.Publish(ctx, p.cfg.DeadLetterTopic, CloneMessageForRetry(msg, retryCount)); err != nil {
			logger.Warn(ctx, "dead letter publish failed", zap.Error(err))
		}
	}
}

func (p *Pool) persist(ctx context.Context, job model.ExecutionJob, result model.ExecutionResult) error {
	if job.SubmissionID != "" {
		if err := p.repo.Finalize(ctx, job.SubmissionID, result); err != nil {
			if appErr.GetCode(err) == appErr.SubmissionNotTerminal {
				logger.Info(ctx, "submission finalized elsewhere, acking")
			} else {
				return err
			}
		}
	}
	if err := p.results.Save(ctx, result); err != nil {
		logger.Warn(ctx, "result store save failed", zap.Error(err))
	}
	if p.releaser != nil {
		p.releaser.Release(ctx, job)
	}
	logger.Info(ctx, "job finished",
		zap.String("status", string(result.Status)),
		zap.Int("passed", result.TestCasesPassed),
		zap.Int("total", result.TotalTestCases))
	return nil
}

func (p *Pool) lockSubmission(ctx context.Context, job model.ExecutionJob) (func(), bool, error) {
	if job.SubmissionID == "" {
		return func() {}, true, nil
	}
	key := lockKeyPrefix + job.SubmissionID
	ok, err := p.cache.SetNX(ctx, key, job.JobID, p.cfg.LockTTL)
	if err != nil {
		return nil, false, appErr.Wrapf(err, appErr.LockFailed, "acquire submission lock failed")
	}
	if !ok {
		return nil, false, nil
	}
	unlock := func() {
		if err := p.cache.Del(ctx, key); err != nil {
			logger.Warn(ctx, "submission unlock failed", zap.Error(err))
		}
	}
	return unlock, true, nil
}

func (p *Pool) tryAcquireSlot() bool {
	select {
	case p.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (p *Pool) releaseSlot() {
	select {
	case <-p.sem:
	default:
	}
}
