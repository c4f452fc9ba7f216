package model

import "testing"

func TestVerdictOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		cases []CaseResult
		want  SubmissionStatus
	}{
		{
			name:  "no cases is accepted",
			cases: nil,
			want:  StatusAccepted,
		},
		{
			name: "all passed",
			cases: []CaseResult{
				{Index: 0, Status: CasePassed},
				{Index: 1, Status: CasePassed},
			},
			want: StatusAccepted,
		},
		{
			name: "single failure is wrong answer",
			cases: []CaseResult{
				{Index: 0, Status: CasePassed},
				{Index: 1, Status: CaseFailed},
			},
			want: StatusWrongAnswer,
		},
		{
			name: "error outranks failure",
			cases: []CaseResult{
				{Index: 0, Status: CaseFailed},
				{Index: 1, Status: CaseError},
				{Index: 2, Status: CasePassed},
			},
			want: StatusRuntimeError,
		},
		{
			name: "memory breach outranks error",
			cases: []CaseResult{
				{Index: 0, Status: CaseError},
				{Index: 1, Status: CaseFailed, MemoryExceeded: true},
			},
			want: StatusMemoryLimitExceeded,
		},
		{
			name: "timeout outranks everything",
			cases: []CaseResult{
				{Index: 0, Status: CaseTimedOut},
				{Index: 1, Status: CaseError, MemoryExceeded: true},
				{Index: 2, Status: CaseFailed},
			},
			want: StatusTimeLimitExceeded,
		},
		{
			name: "order does not matter",
			cases: []CaseResult{
				{Index: 0, Status: CaseFailed},
				{Index: 1, Status: CaseTimedOut},
			},
			want: StatusTimeLimitExceeded,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := VerdictOf(tt.cases); got != tt.want {
				t.Errorf("VerdictOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVerdictAggregates(t *testing.T) {
	t.Parallel()

	cases := []CaseResult{
		{Index: 0, Status: CasePassed, TimeMs: 120, MemoryKB: 2048},
		{Index: 1, Status: CaseFailed, TimeMs: 340, MemoryKB: 1024},
		{Index: 2, Status: CasePassed, TimeMs: 80, MemoryKB: 4096},
	}

	if got := CountPassed(cases); got != 2 {
		t.Errorf("CountPassed() = %d, want 2", got)
	}
	if got := MaxTimeMs(cases); got != 340 {
		t.Errorf("MaxTimeMs() = %d, want 340", got)
	}
	if got := MaxMemoryKB(cases); got != 4096 {
		t.Errorf("MaxMemoryKB() = %d, want 4096", got)
	}
}

func TestCountPassedExcludesMemoryBreaches(t *testing.T) {
	t.Parallel()

	cases := []CaseResult{
		{Index: 0, Status: CasePassed},
		{Index: 1, Status: CasePassed, MemoryExceeded: true},
		{Index: 2, Status: CaseError, MemoryExceeded: true},
	}

	if got := CountPassed(cases); got != 1 {
		t.Errorf("CountPassed() = %d, want 1", got)
	}
	if got := VerdictOf(cases); got != StatusMemoryLimitExceeded {
		t.Errorf("VerdictOf() = %v, want %v", got, StatusMemoryLimitExceeded)
	}
}

func TestSubmissionStatusIsTerminal(t *testing.T) {
	t.Parallel()

	terminal := []SubmissionStatus{
		StatusAccepted, StatusWrongAnswer, StatusTimeLimitExceeded,
		StatusMemoryLimitExceeded, StatusRuntimeError, StatusCompilationError,
	}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%v should be terminal", s)
		}
	}
	for _, s := range []SubmissionStatus{StatusPending, StatusJudging} {
		if s.IsTerminal() {
			t.Errorf("%v should not be terminal", s)
		}
	}
}
