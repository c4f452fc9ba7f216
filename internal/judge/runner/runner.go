// Package runner evaluates one execution job: compile once, run every
// test case, fold the outcomes into a verdict. Verdicts are data; the
// only errors that escape are infrastructure failures the caller may
// retry.
package runner

import (
	"context"
	"time"

	"go.uber.org/zap"

	"arbiter/internal/judge/model"
	"arbiter/internal/judge/sandbox"
	"arbiter/pkg/logger"
)

const failedOutputMaxBytes = 4 * 1024

// ProgressFunc receives mid-judging progress after each finished case.
type ProgressFunc func(ctx context.Context, progress model.JobProgress)

// Runner drives the sandbox executor over a job's test cases.
type Runner struct {
	exec     sandbox.Executor
	langs    *sandbox.Registry
	progress ProgressFunc
}

// New creates a runner. progress may be nil.
func New(exec sandbox.Executor, langs *sandbox.Registry, progress ProgressFunc) *Runner {
	return &Runner{exec: exec, langs: langs, progress: progress}
}

// Evaluate judges one job. Every test case runs even after a failure,
// so TestCasesPassed/TotalTestCases is complete diagnostics. The
// returned error is non-nil only when the sandbox infrastructure
// failed; in that case the result carries no verdict and the caller
// decides whether to retry.
func (r *Runner) Evaluate(ctx context.Context, job model.ExecutionJob) (model.ExecutionResult, error) {
	res := model.ExecutionResult{
		JobID:          job.JobID,
		SubmissionID:   job.SubmissionID,
		TotalTestCases: len(job.TestCases),
	}

	lang, err := r.langs.Lookup(job.Language)
	if err != nil {
		return res, err
	}

	ws, err := sandbox.NewWorkspace("", workspaceTag(job))
	if err != nil {
		return res, err
	}
	defer func() {
		if rmErr := ws.Remove(); rmErr != nil {
			logger.Warn(ctx, "workspace cleanup failed",
				zap.String("jobId", job.JobID), zap.Error(rmErr))
		}
	}()

	if err := ws.WriteSource(lang, job.Code); err != nil {
		return res, err
	}

	compile, err := r.exec.Compile(ctx, sandbox.CompileRequest{
		Workspace: ws,
		Language:  lang,
	})
	if err != nil {
		return res, err
	}
	if !compile.OK {
		res.Status = model.StatusCompilationError
		res.ErrorMessage = compile.Output
		res.FinishedAt = time.Now()
		return res, nil
	}

	cases := make([]model.CaseResult, 0, len(job.TestCases))
	for i, tc := range job.TestCases {
		outcome, err := r.exec.RunCase(ctx, sandbox.CaseRequest{
			Workspace:     ws,
			Language:      lang,
			Index:         i,
			Input:         tc.Input,
			TimeLimitMs:   job.TimeLimitMs,
			MemoryLimitMB: job.MemoryLimitMB,
		})
		if err != nil {
			return res, err
		}
		cases = append(cases, r.caseResult(i, tc, outcome))
		r.reportProgress(ctx, job, len(cases))
	}

	res.Status = model.VerdictOf(cases)
	res.TestCasesPassed = model.CountPassed(cases)
	res.TimeMs = model.MaxTimeMs(cases)
	res.MemoryKB = model.MaxMemoryKB(cases)
	res.CaseResults = cases
	if res.Status == model.StatusRuntimeError {
		res.ErrorMessage = firstRuntimeDiagnostic(cases)
	}
	res.FinishedAt = time.Now()
	return res, nil
}

func (r *Runner) caseResult(index int, tc model.TestCase, outcome sandbox.CaseOutcome) model.CaseResult {
	cr := model.CaseResult{
		Index:          index,
		TimeMs:         outcome.TimeMs,
		MemoryKB:       outcome.MemoryKB,
		MemoryExceeded: outcome.MemoryExceeded,
	}
	switch {
	case outcome.TimedOut:
		cr.Status = model.CaseTimedOut
	case outcome.MemoryExceeded:
		// A memory breach is never a pass, even when the program
		// still produced the expected output before the limit hit.
		cr.Status = model.CaseError
		cr.Output = "memory limit exceeded"
	case outcome.OutputExceeded:
		cr.Status = model.CaseError
		cr.Output = "output limit exceeded"
	case outcome.ExitCode != 0:
		cr.Status = model.CaseError
		cr.Output = truncate(outcome.Stderr, failedOutputMaxBytes)
	case OutputsMatch(tc.ExpectedOutput, outcome.Output):
		cr.Status = model.CasePassed
	default:
		cr.Status = model.CaseFailed
		cr.Output = truncate(outcome.Output, failedOutputMaxBytes)
	}
	return cr
}

func (r *Runner) reportProgress(ctx context.Context, job model.ExecutionJob, done int) {
	if r.progress == nil {
		return
	}
	r.progress(ctx, model.JobProgress{
		JobID:     job.JobID,
		CasesDone: done,
		CaseTotal: len(job.TestCases),
	})
}

func firstRuntimeDiagnostic(cases []model.CaseResult) string {
	for _, c := range cases {
		if c.Status == model.CaseError && c.Output != "" {
			return c.Output
		}
	}
	return "runtime error"
}

func workspaceTag(job model.ExecutionJob) string {
	if job.SubmissionID != "" {
		return job.SubmissionID
	}
	return job.JobID
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
