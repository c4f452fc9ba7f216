package model

// VerdictOf folds per-case outcomes into a terminal submission status.
// Precedence, highest first: TimeLimitExceeded, MemoryLimitExceeded,
// RuntimeError, WrongAnswer, Accepted. CompilationError never reaches
// this fold; the runner short-circuits before any case runs.
//
// The fold is total and deterministic: the same case list always yields
// the same verdict, regardless of case order.
func VerdictOf(cases []CaseResult) SubmissionStatus {
	var timedOut, memExceeded, errored, failed bool
	for _, c := range cases {
		if c.MemoryExceeded {
			memExceeded = true
		}
		switch c.Status {
		case CaseTimedOut:
			timedOut = true
		case CaseError:
			errored = true
		case CaseFailed:
			failed = true
		case CasePassed:
		}
	}
	switch {
	case timedOut:
		return StatusTimeLimitExceeded
	case memExceeded:
		return StatusMemoryLimitExceeded
	case errored:
		return StatusRuntimeError
	case failed:
		return StatusWrongAnswer
	default:
		return StatusAccepted
	}
}

// CountPassed returns the number of cases with status Passed. A case
// that breached the memory limit never counts, whatever its status.
func CountPassed(cases []CaseResult) int {
	n := 0
	for _, c := range cases {
		if c.Status == CasePassed && !c.MemoryExceeded {
			n++
		}
	}
	return n
}

// MaxTimeMs returns the largest per-case execution time.
func MaxTimeMs(cases []CaseResult) int64 {
	var max int64
	for _, c := range cases {
		if c.TimeMs > max {
			max = c.TimeMs
		}
	}
	return max
}

// MaxMemoryKB returns the largest per-case peak memory.
func MaxMemoryKB(cases []CaseResult) int64 {
	var max int64
	for _, c := range cases {
		if c.MemoryKB > max {
			max = c.MemoryKB
		}
	}
	return max
}
