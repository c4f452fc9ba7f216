package model

import "time"

// SubmissionStatus is the lifecycle state of a submission. Pending and
// Judging are transient; every other status is a terminal verdict.
type SubmissionStatus string

const (
	StatusPending             SubmissionStatus = "Pending"
	StatusJudging             SubmissionStatus = "Judging"
	StatusAccepted            SubmissionStatus = "Accepted"
	StatusWrongAnswer         SubmissionStatus = "WrongAnswer"
	StatusTimeLimitExceeded   SubmissionStatus = "TimeLimitExceeded"
	StatusMemoryLimitExceeded SubmissionStatus = "MemoryLimitExceeded"
	StatusRuntimeError        SubmissionStatus = "RuntimeError"
	StatusCompilationError    SubmissionStatus = "CompilationError"
)

// IsTerminal reports whether s is a verdict state. Terminal submissions
// are immutable except through a rejudge.
func (s SubmissionStatus) IsTerminal() bool {
	switch s {
	case StatusAccepted, StatusWrongAnswer, StatusTimeLimitExceeded,
		StatusMemoryLimitExceeded, StatusRuntimeError, StatusCompilationError:
		return true
	}
	return false
}

// IsValid reports whether s is one of the known statuses.
func (s SubmissionStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusJudging:
		return true
	}
	return s.IsTerminal()
}

// Submission is the authoritative record of one judging request.
type Submission struct {
	ID        string           `json:"id"`
	UserID    string           `json:"userId"`
	ProblemID string           `json:"problemId"`
	Language  string           `json:"language"`
	Code      string           `json:"code"`
	Status    SubmissionStatus `json:"status"`

	// Judging parameters, kept so a rejudge can rebuild the job
	// without the original caller.
	TimeLimitMs   int64      `json:"timeLimitMs"`
	MemoryLimitMB int64      `json:"memoryLimitMb"`
	TestCases     []TestCase `json:"-"`

	// Result fields, populated only when Status is terminal.
	TestCasesPassed int          `json:"testCasesPassed"`
	TotalTestCases  int          `json:"totalTestCases"`
	TimeMs          int64        `json:"timeMs,omitempty"`
	MemoryKB        int64        `json:"memoryKb,omitempty"`
	ErrorMessage    string       `json:"errorMessage,omitempty"`
	CaseResults     []CaseResult `json:"caseResults,omitempty"`

	// SourceKey is the object storage key of the archived source, set
	// when archival is enabled.
	SourceKey  string `json:"sourceKey,omitempty"`
	SourceHash string `json:"sourceHash,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TestCase is one input/expected-output pair supplied with a job.
type TestCase struct {
	Input          string `json:"input"`
	ExpectedOutput string `json:"expectedOutput"`
}
