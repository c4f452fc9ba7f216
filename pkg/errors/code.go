package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Submission intake errors
// 12000-12999: Judge pipeline errors
// 13000-13999: Queue & Worker errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	TooManyRequests     ErrorCode = 10004
	ServiceUnavailable  ErrorCode = 10005
	Timeout             ErrorCode = 10006

	// Database errors (10100-10199)
	DatabaseError       ErrorCode = 10100
	RecordNotFound      ErrorCode = 10101
	RecordAlreadyExists ErrorCode = 10102
	TransactionFailed   ErrorCode = 10103

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200
	LockFailed ErrorCode = 10201

	// Validation errors (10300-10399)
	ValidationFailed ErrorCode = 10300

	// Storage errors (10400-10499)
	StorageError ErrorCode = 10400

	// ========== Submission Intake Errors (11000-11999) ==========

	SubmissionNotFound     ErrorCode = 11000
	SubmissionCreateFailed ErrorCode = 11001
	CodeTooLarge           ErrorCode = 11002
	LanguageNotSupported   ErrorCode = 11003
	TestCaseInvalid        ErrorCode = 11004
	TestCaseTooLarge       ErrorCode = 11005
	SubmissionNotTerminal  ErrorCode = 11006
	DuplicateSubmission    ErrorCode = 11007

	// ========== Judge Pipeline Errors (12000-12999) ==========

	JudgeSystemError   ErrorCode = 12000
	SandboxUnavailable ErrorCode = 12001
	CompileSetupFailed ErrorCode = 12002
	WorkspaceFailed    ErrorCode = 12003

	// ========== Queue & Worker Errors (13000-13999) ==========

	QueueError    ErrorCode = 13000
	QueueFull     ErrorCode = 13001
	JobNotFound   ErrorCode = 13002
	WorkerBusy    ErrorCode = 13003
	ResultExpired ErrorCode = 13004
)

var codeMessages = map[ErrorCode]string{
	Success:             "success",
	InternalServerError: "internal server error",
	InvalidParams:       "invalid parameters",
	NotFound:            "resource not found",
	TooManyRequests:     "too many requests",
	ServiceUnavailable:  "service unavailable",
	Timeout:             "operation timed out",

	DatabaseError:       "database error",
	RecordNotFound:      "record not found",
	RecordAlreadyExists: "record already exists",
	TransactionFailed:   "transaction failed",

	CacheError: "cache error",
	LockFailed: "failed to acquire lock",

	ValidationFailed: "validation failed",

	StorageError: "object storage error",

	SubmissionNotFound:     "submission not found",
	SubmissionCreateFailed: "failed to create submission",
	CodeTooLarge:           "source code exceeds size limit",
	LanguageNotSupported:   "language is not supported",
	TestCaseInvalid:        "test case is invalid",
	TestCaseTooLarge:       "test case exceeds size limit",
	SubmissionNotTerminal:  "submission has not reached a terminal state",
	DuplicateSubmission:    "submission is already being judged",

	JudgeSystemError:   "judge system error",
	SandboxUnavailable: "sandbox runtime unavailable",
	CompileSetupFailed: "failed to prepare compilation",
	WorkspaceFailed:    "failed to prepare workspace",

	QueueError:    "job queue error",
	QueueFull:     "job queue is full",
	JobNotFound:   "job not found",
	WorkerBusy:    "worker pool is saturated",
	ResultExpired: "job result has expired",
}

// Message returns the default human-readable message for the code.
func (c ErrorCode) Message() string {
	if msg, ok := codeMessages[c]; ok {
		return msg
	}
	return "unknown error"
}

// HTTPStatus maps an error code onto an HTTP response status.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case Success:
		return 200
	case InvalidParams, ValidationFailed, CodeTooLarge, LanguageNotSupported,
		TestCaseInvalid, TestCaseTooLarge, SubmissionNotTerminal:
		return 400
	case NotFound, RecordNotFound, SubmissionNotFound, JobNotFound, ResultExpired:
		return 404
	case DuplicateSubmission, RecordAlreadyExists, LockFailed:
		return 409
	case TooManyRequests, QueueFull, WorkerBusy:
		return 429
	case ServiceUnavailable, SandboxUnavailable:
		return 503
	case Timeout:
		return 504
	default:
		return 500
	}
}
