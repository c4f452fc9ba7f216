package sandbox

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"

	appErr "arbiter/pkg/errors"

	"arbiter/internal/judge/sandbox/engine"
)

const (
	containerWorkDir = "/work"
	inputFileName    = "input.txt"
	outputFileName   = "output.txt"
	compileLogName   = "compile.log"
	runtimeLogName   = "runtime.log"
)

// Config controls executor defaults applied on top of per-job limits.
type Config struct {
	// BaseDir hosts per-submission workspaces. Empty falls back to the
	// system temp dir.
	BaseDir string

	// WallClockSlackMs is added to the CPU budget to form the wall
	// clock kill deadline.
	WallClockSlackMs int64

	// DefaultLimits fills in limits the job does not set.
	DefaultLimits engine.ResourceLimit
}

// CompileRequest asks for a one-time compilation of the workspace source.
type CompileRequest struct {
	Workspace  *Workspace
	Language   LanguageSpec
	ExtraFlags []string
}

// CompileOutcome reports the compile phase. A failed compile is data,
// not an error.
type CompileOutcome struct {
	OK     bool
	Output string
	TimeMs int64
}

// CaseRequest runs the compiled program against one test input.
type CaseRequest struct {
	Workspace     *Workspace
	Language      LanguageSpec
	Index         int
	Input         string
	TimeLimitMs   int64
	MemoryLimitMB int64
}

// CaseOutcome is the raw result of one case execution. Limit breaches
// are flags, never errors; an error from the executor means the sandbox
// itself could not run.
type CaseOutcome struct {
	ExitCode       int
	TimedOut       bool
	MemoryExceeded bool
	OutputExceeded bool
	TimeMs         int64
	MemoryKB       int64
	Output         string
	Stderr         string
}

// Executor is the isolation boundary the runner judges through.
type Executor interface {
	Compile(ctx context.Context, req CompileRequest) (CompileOutcome, error)
	RunCase(ctx context.Context, req CaseRequest) (CaseOutcome, error)
}

// Workspace is the ephemeral per-submission scratch directory. It is
// bind-mounted into the sandbox and must be removed by the owner on
// every exit path.
type Workspace struct {
	Dir string
}

// NewWorkspace creates a fresh workspace directory under baseDir.
func NewWorkspace(baseDir, submissionID string) (*Workspace, error) {
	if baseDir != "" {
		if err := os.MkdirAll(baseDir, 0o755); err != nil {
			return nil, appErr.Wrapf(err, appErr.WorkspaceFailed, "create workspace base dir failed")
		}
	}
	dir, err := os.MkdirTemp(baseDir, fmt.Sprintf("judge-%s-", submissionID))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceFailed, "create workspace failed")
	}
	return &Workspace{Dir: dir}, nil
}

// WriteSource places the submission source under the language's
// expected file name.
func (w *Workspace) WriteSource(lang LanguageSpec, code string) error {
	if lang.SourceFile == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("language source file name is required")
	}
	path := filepath.Join(w.Dir, lang.SourceFile)
	if err := os.WriteFile(path, []byte(code), 0o644); err != nil {
		return appErr.Wrapf(err, appErr.WorkspaceFailed, "write source failed")
	}
	return nil
}

// Remove deletes the workspace directory and everything in it.
func (w *Workspace) Remove() error {
	if w == nil || w.Dir == "" {
		return nil
	}
	return os.RemoveAll(w.Dir)
}

type sandboxExecutor struct {
	eng engine.Engine
	cfg Config
}

// NewExecutor wraps an engine with workspace and limit handling.
func NewExecutor(eng engine.Engine, cfg Config) Executor {
	if cfg.WallClockSlackMs <= 0 {
		cfg.WallClockSlackMs = 2000
	}
	if cfg.DefaultLimits.StackMB <= 0 {
		cfg.DefaultLimits.StackMB = 64
	}
	if cfg.DefaultLimits.OutputMB <= 0 {
		cfg.DefaultLimits.OutputMB = 16
	}
	if cfg.DefaultLimits.PIDs <= 0 {
		cfg.DefaultLimits.PIDs = 32
	}
	return &sandboxExecutor{eng: eng, cfg: cfg}
}

func (e *sandboxExecutor) Compile(ctx context.Context, req CompileRequest) (CompileOutcome, error) {
	if req.Workspace == nil {
		return CompileOutcome{}, appErr.New(appErr.InvalidParams).WithMessage("workspace is required")
	}
	if !req.Language.CompileEnabled {
		return CompileOutcome{OK: true}, nil
	}

	cmd, err := BuildCommand(req.Language.CompileCmdTpl, req.Language, req.ExtraFlags)
	if err != nil {
		return CompileOutcome{}, err
	}

	// Compilation gets a generous fixed budget, never charged against
	// the per-case limits.
	limits := e.cfg.DefaultLimits
	limits.CPUTimeMs = 20000
	limits.WallTimeMs = 30000
	limits.MemoryMB = 1024
	limits.PIDs = 128

	runSpec := engine.RunSpec{
		Tag:        req.Workspace.Dir + "/compile",
		WorkDir:    containerWorkDir,
		Cmd:        cmd,
		Env:        req.Language.Env,
		StderrPath: filepath.Join(containerWorkDir, compileLogName),
		Limits:     limits,
		BindMounts: []engine.MountSpec{{
			Source: req.Workspace.Dir,
			Target: containerWorkDir,
		}},
	}

	runRes, err := e.eng.Run(ctx, runSpec)
	if err != nil {
		return CompileOutcome{}, appErr.Wrapf(err, appErr.SandboxUnavailable, "compile sandbox run failed")
	}
	return CompileOutcome{
		OK:     runRes.ExitCode == 0,
		Output: runRes.Stderr,
		TimeMs: runRes.TimeMs,
	}, nil
}

func (e *sandboxExecutor) RunCase(ctx context.Context, req CaseRequest) (CaseOutcome, error) {
	if req.Workspace == nil {
		return CaseOutcome{}, appErr.New(appErr.InvalidParams).WithMessage("workspace is required")
	}

	cmd, err := BuildCommand(req.Language.RunCmdTpl, req.Language, nil)
	if err != nil {
		return CaseOutcome{}, err
	}
	if err := os.WriteFile(filepath.Join(req.Workspace.Dir, inputFileName), []byte(req.Input), 0o644); err != nil {
		return CaseOutcome{}, appErr.Wrapf(err, appErr.WorkspaceFailed, "write case input failed")
	}

	limits := e.caseLimits(req)
	runSpec := engine.RunSpec{
		Tag:        fmt.Sprintf("%s/case-%d", req.Workspace.Dir, req.Index),
		WorkDir:    containerWorkDir,
		Cmd:        cmd,
		Env:        req.Language.Env,
		StdinPath:  filepath.Join(containerWorkDir, inputFileName),
		StdoutPath: filepath.Join(containerWorkDir, outputFileName),
		StderrPath: filepath.Join(containerWorkDir, runtimeLogName),
		Limits:     limits,
		BindMounts: []engine.MountSpec{{
			Source: req.Workspace.Dir,
			Target: containerWorkDir,
		}},
	}

	runRes, err := e.eng.Run(ctx, runSpec)
	if err != nil {
		return CaseOutcome{}, appErr.Wrapf(err, appErr.SandboxUnavailable, "case sandbox run failed")
	}

	outcome := CaseOutcome{
		ExitCode: runRes.ExitCode,
		TimedOut: runRes.TimedOut,
		TimeMs:   runRes.TimeMs,
		MemoryKB: runRes.MemoryKB,
		Output:   runRes.Stdout,
		Stderr:   runRes.Stderr,
	}
	if limits.MemoryMB > 0 && runRes.MemoryKB > limits.MemoryMB*1024 {
		outcome.MemoryExceeded = true
	}
	if limits.OutputMB > 0 && runRes.OutputKB > limits.OutputMB*1024 {
		outcome.OutputExceeded = true
	}
	return outcome, nil
}

func (e *sandboxExecutor) caseLimits(req CaseRequest) engine.ResourceLimit {
	limits := e.cfg.DefaultLimits
	if req.TimeLimitMs > 0 {
		limits.CPUTimeMs = req.TimeLimitMs
	}
	if req.MemoryLimitMB > 0 {
		limits.MemoryMB = req.MemoryLimitMB
	}
	limits.CPUTimeMs = scaleLimit(limits.CPUTimeMs, req.Language.TimeMultiplier)
	limits.MemoryMB = scaleLimit(limits.MemoryMB, req.Language.MemoryMultiplier)
	limits.WallTimeMs = limits.CPUTimeMs + e.cfg.WallClockSlackMs
	return limits
}

func scaleLimit(value int64, multiplier float64) int64 {
	if value <= 0 || multiplier <= 0 {
		return value
	}
	return int64(math.Ceil(float64(value) * multiplier))
}
