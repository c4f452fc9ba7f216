// Package engine executes commands inside an isolated sandbox. The
// heavy lifting happens in a helper binary that applies namespaces,
// rlimits, seccomp and IO redirection before exec'ing the target.
package engine

import "context"

// ResourceLimit describes hard limits enforced on one run.
type ResourceLimit struct {
	CPUTimeMs  int64
	WallTimeMs int64
	MemoryMB   int64
	StackMB    int64
	OutputMB   int64
	PIDs       int64
}

// MountSpec describes a bind mount inside the sandbox.
type MountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

// RunSpec is the execution specification for one sandboxed command.
type RunSpec struct {
	// Tag identifies the run in logs (submission id plus case index).
	Tag        string
	WorkDir    string
	Cmd        []string
	Env        []string
	StdinPath  string
	StdoutPath string
	StderrPath string
	BindMounts []MountSpec
	Limits     ResourceLimit
}

// RunResult captures raw sandbox execution data. Resource breaches are
// reported as data here; only a failure to run at all is an error.
type RunResult struct {
	ExitCode   int
	TimeMs     int64
	WallTimeMs int64
	MemoryKB   int64
	OutputKB   int64
	Stdout     string
	Stderr     string
	TimedOut   bool
}

// Config controls sandbox engine behavior.
type Config struct {
	// HelperPath is the sandbox-init binary. Default "sandbox-init"
	// resolved via PATH.
	HelperPath string

	// SeccompProfile selects the syscall filter applied by the helper.
	SeccompProfile string

	// StdoutStderrMaxBytes caps how much captured output the engine
	// reads back per stream.
	StdoutStderrMaxBytes int64

	EnableSeccomp    bool
	EnableNamespaces bool
}

// Engine runs a RunSpec inside the sandbox.
type Engine interface {
	Run(ctx context.Context, runSpec RunSpec) (RunResult, error)
}

// initRequest is the JSON document handed to the helper on stdin.
type initRequest struct {
	RunSpec        RunSpec
	SeccompProfile string
	EnableSeccomp  bool
	EnableNs       bool
}
