package model

import "time"

// CaseStatus is the outcome of a single test case execution.
type CaseStatus string

const (
	CasePassed   CaseStatus = "Passed"
	CaseFailed   CaseStatus = "Failed"
	CaseError    CaseStatus = "Error"
	CaseTimedOut CaseStatus = "TimedOut"
)

// CaseResult is the per-test-case record produced by the runner.
type CaseResult struct {
	Index    int        `json:"index"`
	Status   CaseStatus `json:"status"`
	TimeMs   int64      `json:"timeMs"`
	MemoryKB int64      `json:"memoryKb"`

	// MemoryExceeded marks a case whose peak memory crossed the limit.
	// Such a case is never counted as passed, and verdict aggregation
	// gives the breach precedence over runtime errors.
	MemoryExceeded bool `json:"memoryExceeded,omitempty"`

	// Output is the truncated actual output, kept for diagnostics on
	// failed cases only.
	Output string `json:"output,omitempty"`
}

// ExecutionJob is the unit of work carried through the queue. Either
// Code is set inline or SourceKey names an archived source object.
type ExecutionJob struct {
	JobID        string `json:"jobId"`
	SubmissionID string `json:"submissionId,omitempty"`
	Language     string `json:"language"`
	Code         string `json:"code,omitempty"`
	SourceKey    string `json:"sourceKey,omitempty"`
	SourceHash   string `json:"sourceHash,omitempty"`

	TimeLimitMs   int64 `json:"timeLimitMs"`
	MemoryLimitMB int64 `json:"memoryLimitMb"`

	TestCases []TestCase `json:"testCases"`

	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// ExecutionResult is the complete outcome of judging one job.
type ExecutionResult struct {
	JobID        string           `json:"jobId"`
	SubmissionID string           `json:"submissionId,omitempty"`
	Status       SubmissionStatus `json:"status"`

	TestCasesPassed int   `json:"testCasesPassed"`
	TotalTestCases  int   `json:"totalTestCases"`
	TimeMs          int64 `json:"timeMs,omitempty"`
	MemoryKB        int64 `json:"memoryKb,omitempty"`

	// ErrorMessage carries compiler output for CompilationError and a
	// short diagnostic for RuntimeError. Empty otherwise.
	ErrorMessage string `json:"errorMessage,omitempty"`

	CaseResults []CaseResult `json:"caseResults,omitempty"`

	FinishedAt time.Time `json:"finishedAt"`
}

// JobProgress is the mid-judging progress snapshot kept in the result
// store while a job runs.
type JobProgress struct {
	JobID     string `json:"jobId"`
	CasesDone int    `json:"casesDone"`
	CaseTotal int    `json:"caseTotal"`
}
