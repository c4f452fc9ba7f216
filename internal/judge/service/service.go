// Package service is the judging facade: submission intake with input
// validation, status queries, rejudge, ad-hoc execution jobs and queue
// introspection.
package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"arbiter/internal/judge/model"
	"arbiter/internal/judge/queue"
	"arbiter/internal/judge/repository"
	"arbiter/internal/judge/sandbox"
	appErr "arbiter/pkg/errors"
	"arbiter/pkg/logger"
)

// Config controls intake limits and defaults.
type Config struct {
	MaxCodeBytes     int   `yaml:"maxCodeBytes"`
	MaxTestCases     int   `yaml:"maxTestCases"`
	MaxTestCaseBytes int   `yaml:"maxTestCaseBytes"`
	DefaultTimeMs    int64 `yaml:"defaultTimeMs"`
	DefaultMemoryMB  int64 `yaml:"defaultMemoryMb"`

	// ArchiveSource stores submission code in object storage and ships
	// jobs by key instead of inline code.
	ArchiveSource bool `yaml:"archiveSource"`

	OpTimeout time.Duration `yaml:"opTimeout"`
}

func (c *Config) setDefaults() {
	if c.MaxCodeBytes <= 0 {
		c.MaxCodeBytes = 256 * 1024
	}
	if c.MaxTestCases <= 0 {
		c.MaxTestCases = 64
	}
	if c.MaxTestCaseBytes <= 0 {
		c.MaxTestCaseBytes = 1 << 20
	}
	if c.DefaultTimeMs <= 0 {
		c.DefaultTimeMs = 1000
	}
	if c.DefaultMemoryMB <= 0 {
		c.DefaultMemoryMB = 256
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 10 * time.Second
	}
}

// Service exposes the judging operations.
type Service struct {
	repo    repository.SubmissionRepository
	queue   *queue.Client
	sources *repository.SourceStore
	direct  queue.Processor
	langs   *sandbox.Registry
	cfg     Config
}

// New wires the service. sources may be nil when archival is off.
func New(repo repository.SubmissionRepository, queueClient *queue.Client,
	sources *repository.SourceStore, direct queue.Processor,
	langs *sandbox.Registry, cfg Config) *Service {
	cfg.setDefaults()
	if sources == nil {
		cfg.ArchiveSource = false
	}
	return &Service{
		repo:    repo,
		queue:   queueClient,
		sources: sources,
		direct:  direct,
		langs:   langs,
		cfg:     cfg,
	}
}

// CreateSubmissionRequest is the intake payload.
type CreateSubmissionRequest struct {
	UserID        string           `json:"userId"`
	ProblemID     string           `json:"problemId"`
	Language      string           `json:"language"`
	Code          string           `json:"code"`
	TimeLimitMs   int64            `json:"timeLimitMs"`
	MemoryLimitMB int64            `json:"memoryLimitMb"`
	TestCases     []model.TestCase `json:"testCases"`
}

// ExecuteRequest is an ad-hoc execution without a submission record.
type ExecuteRequest struct {
	Language      string           `json:"language"`
	Code          string           `json:"code"`
	TimeLimitMs   int64            `json:"timeLimitMs"`
	MemoryLimitMB int64            `json:"memoryLimitMb"`
	TestCases     []model.TestCase `json:"testCases"`
}

// JobStatus is the polling view of a job.
type JobStatus struct {
	JobID    string                 `json:"jobId"`
	Status   string                 `json:"status"`
	Result   *model.ExecutionResult `json:"result,omitempty"`
	Progress *model.JobProgress     `json:"progress,omitempty"`
}

// CreateSubmission validates the request, persists a Pending
// submission and enqueues it for judging.
func (s *Service) CreateSubmission(ctx context.Context, req CreateSubmissionRequest) (*model.Submission, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.validateIntake(req.Language, req.Code, req.TestCases); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.ProblemID) == "" {
		return nil, appErr.ValidationError("problemId", "required")
	}

	submission := &model.Submission{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		ProblemID:      req.ProblemID,
		Language:       req.Language,
		Code:           req.Code,
		Status:         model.StatusPending,
		TimeLimitMs:    s.timeLimit(req.TimeLimitMs),
		MemoryLimitMB:  s.memoryLimit(req.MemoryLimitMB),
		TestCases:      req.TestCases,
		TotalTestCases: len(req.TestCases),
	}
	ctx = context.WithValue(ctx, logger.SubmissionIDKey, submission.ID)

	if s.cfg.ArchiveSource {
		key, hash, err := s.sources.Save(ctx, submission.ID, submission.Code)
		if err != nil {
			// Archival is best effort; the job falls back to inline code.
			logger.Warn(ctx, "source archival failed", zap.Error(err))
		} else {
			submission.SourceKey = key
			submission.SourceHash = hash
		}
	}

	if err := s.repo.Create(ctx, submission); err != nil {
		return nil, err
	}

	receipt, err := s.queue.Submit(ctx, s.jobFor(submission))
	if err != nil {
		// Intake is all or nothing: a refused enqueue rolls the row back.
		if delErr := s.repo.Delete(ctx, submission.ID); delErr != nil {
			logger.Error(ctx, "intake rollback failed", zap.Error(delErr))
		}
		return nil, err
	}
	if receipt.Status == queue.StatusCompleted && receipt.Result != nil {
		// Degraded path judged inline; the worker never sees this job,
		// so the Pending -> Judging -> terminal walk happens here.
		s.finalizeInline(ctx, submission.ID, *receipt.Result)
		return s.repo.GetByID(ctx, submission.ID)
	}

	logger.Info(ctx, "submission queued",
		zap.String("problemId", submission.ProblemID),
		zap.String("language", submission.Language))
	return submission, nil
}

// GetSubmission returns the authoritative submission record.
func (s *Service) GetSubmission(ctx context.Context, id string) (*model.Submission, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if strings.TrimSpace(id) == "" {
		return nil, appErr.ValidationError("id", "required")
	}
	return s.repo.GetByID(ctx, id)
}

// Rejudge resets a terminal submission to Pending and re-enqueues it.
// Non-terminal submissions are rejected.
func (s *Service) Rejudge(ctx context.Context, id string) (*queue.Receipt, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	ctx = context.WithValue(ctx, logger.SubmissionIDKey, id)

	submission, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !submission.Status.IsTerminal() {
		return nil, appErr.Newf(appErr.SubmissionNotTerminal, "submission %s is not terminal", id)
	}
	// A terminal submission has no live judging, so any leftover
	// in-flight marker is stale and must not block the re-enqueue.
	if s.queue.ClearInFlight(ctx, id) {
		logger.Warn(ctx, "cleared stale in-flight marker")
	}

	if err := s.repo.ResetForRejudge(ctx, id); err != nil {
		return nil, err
	}

	receipt, err := s.queue.Submit(ctx, s.jobFor(submission))
	if err != nil {
		// A refused re-enqueue leaves no job behind; restore the prior
		// terminal result so the submission is never stranded Pending.
		if restoreErr := s.repo.Finalize(ctx, id, priorResult(submission)); restoreErr != nil {
			logger.Error(ctx, "rejudge rollback failed", zap.Error(restoreErr))
		}
		return nil, err
	}
	if receipt.Status == queue.StatusCompleted && receipt.Result != nil {
		s.finalizeInline(ctx, id, *receipt.Result)
	}
	logger.Info(ctx, "submission rejudge enqueued")
	return &receipt, nil
}

// finalizeInline writes a terminal result produced by the degraded
// synchronous path, walking the same Pending -> Judging -> terminal
// states a worker would.
func (s *Service) finalizeInline(ctx context.Context, id string, result model.ExecutionResult) {
	if _, err := s.repo.MarkJudging(ctx, id); err != nil {
		logger.Warn(ctx, "inline judging claim failed", zap.Error(err))
	}
	if err := s.repo.Finalize(ctx, id, result); err != nil {
		logger.Error(ctx, "inline finalize failed", zap.Error(err))
	}
}

// priorResult rebuilds the terminal result recorded on a submission so
// a failed rejudge can restore it.
func priorResult(submission *model.Submission) model.ExecutionResult {
	return model.ExecutionResult{
		SubmissionID:    submission.ID,
		Status:          submission.Status,
		TestCasesPassed: submission.TestCasesPassed,
		TotalTestCases:  submission.TotalTestCases,
		TimeMs:          submission.TimeMs,
		MemoryKB:        submission.MemoryKB,
		ErrorMessage:    submission.ErrorMessage,
		CaseResults:     submission.CaseResults,
	}
}

// SubmitExecutionJob queues an ad-hoc execution with no submission row.
func (s *Service) SubmitExecutionJob(ctx context.Context, req ExecuteRequest) (*queue.Receipt, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.validateIntake(req.Language, req.Code, req.TestCases); err != nil {
		return nil, err
	}
	job := model.ExecutionJob{
		JobID:         uuid.NewString(),
		Language:      req.Language,
		Code:          req.Code,
		TimeLimitMs:   s.timeLimit(req.TimeLimitMs),
		MemoryLimitMB: s.memoryLimit(req.MemoryLimitMB),
		TestCases:     req.TestCases,
	}
	receipt, err := s.queue.Submit(ctx, job)
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

// GetJobResult reports the state of a queued job.
func (s *Service) GetJobResult(ctx context.Context, jobID string) (*JobStatus, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if strings.TrimSpace(jobID) == "" {
		return nil, appErr.ValidationError("jobId", "required")
	}
	result, err := s.queue.Result(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return &JobStatus{JobID: jobID, Status: queue.StatusCompleted, Result: result}, nil
	}
	progress, err := s.queue.Progress(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &JobStatus{JobID: jobID, Status: "pending", Progress: progress}, nil
}

// ExecuteDirect runs a job synchronously, bypassing the queue and the
// submission store entirely.
func (s *Service) ExecuteDirect(ctx context.Context, req ExecuteRequest) (model.ExecutionResult, error) {
	if err := s.validateIntake(req.Language, req.Code, req.TestCases); err != nil {
		return model.ExecutionResult{}, err
	}
	job := model.ExecutionJob{
		JobID:         uuid.NewString(),
		Language:      req.Language,
		Code:          req.Code,
		TimeLimitMs:   s.timeLimit(req.TimeLimitMs),
		MemoryLimitMB: s.memoryLimit(req.MemoryLimitMB),
		TestCases:     req.TestCases,
	}
	return s.direct.Process(ctx, job)
}

// QueueStats reports queue depth and broker health.
func (s *Service) QueueStats(ctx context.Context) queue.Stats {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.queue.Stats(ctx)
}

// Languages lists the supported language ids.
func (s *Service) Languages() []string {
	return s.langs.IDs()
}

func (s *Service) jobFor(submission *model.Submission) model.ExecutionJob {
	job := model.ExecutionJob{
		JobID:         uuid.NewString(),
		SubmissionID:  submission.ID,
		Language:      submission.Language,
		TimeLimitMs:   submission.TimeLimitMs,
		MemoryLimitMB: submission.MemoryLimitMB,
		TestCases:     submission.TestCases,
	}
	if submission.SourceKey != "" {
		job.SourceKey = submission.SourceKey
		job.SourceHash = submission.SourceHash
	} else {
		job.Code = submission.Code
	}
	return job
}

func (s *Service) validateIntake(language, code string, testCases []model.TestCase) error {
	if strings.TrimSpace(language) == "" {
		return appErr.ValidationError("language", "required")
	}
	if _, err := s.langs.Lookup(language); err != nil {
		return err
	}
	if strings.TrimSpace(code) == "" {
		return appErr.ValidationError("code", "required")
	}
	if len(code) > s.cfg.MaxCodeBytes {
		return appErr.Newf(appErr.CodeTooLarge, "code exceeds %d bytes", s.cfg.MaxCodeBytes)
	}
	if len(testCases) == 0 {
		return appErr.ValidationError("testCases", "required")
	}
	if len(testCases) > s.cfg.MaxTestCases {
		return appErr.Newf(appErr.TestCaseInvalid, "more than %d test cases", s.cfg.MaxTestCases)
	}
	for i, tc := range testCases {
		if len(tc.Input)+len(tc.ExpectedOutput) > s.cfg.MaxTestCaseBytes {
			return appErr.Newf(appErr.TestCaseTooLarge, "test case %d exceeds %d bytes", i, s.cfg.MaxTestCaseBytes)
		}
	}
	return nil
}

func (s *Service) timeLimit(v int64) int64 {
	if v <= 0 {
		return s.cfg.DefaultTimeMs
	}
	return v
}

func (s *Service) memoryLimit(v int64) int64 {
	if v <= 0 {
		return s.cfg.DefaultMemoryMB
	}
	return v
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.OpTimeout)
}
