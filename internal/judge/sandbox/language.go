// Package sandbox prepares per-submission workspaces and runs compile
// and test-case phases through the isolation engine.
package sandbox

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/shlex"

	appErr "arbiter/pkg/errors"
)

// LanguageSpec describes how to compile and run one language. Command
// templates expand {src}, {bin} and {extraFlags} placeholders.
type LanguageSpec struct {
	ID             string   `yaml:"id"`
	SourceFile     string   `yaml:"sourceFile"`
	BinaryFile     string   `yaml:"binaryFile"`
	CompileEnabled bool     `yaml:"compileEnabled"`
	CompileCmdTpl  string   `yaml:"compileCmd"`
	RunCmdTpl      string   `yaml:"runCmd"`
	Env            []string `yaml:"env"`

	// Interpreted and VM languages get scaled limits.
	TimeMultiplier   float64 `yaml:"timeMultiplier"`
	MemoryMultiplier float64 `yaml:"memoryMultiplier"`
}

// Registry holds the supported languages.
type Registry struct {
	specs map[string]LanguageSpec
}

// NewRegistry builds a registry from explicit specs. An empty list
// falls back to the built-in defaults.
func NewRegistry(specs []LanguageSpec) *Registry {
	if len(specs) == 0 {
		specs = DefaultLanguages()
	}
	m := make(map[string]LanguageSpec, len(specs))
	for _, s := range specs {
		m[s.ID] = s
	}
	return &Registry{specs: m}
}

// Lookup resolves a language id, case-insensitively.
func (r *Registry) Lookup(id string) (LanguageSpec, error) {
	spec, ok := r.specs[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return LanguageSpec{}, appErr.Newf(appErr.LanguageNotSupported, "unsupported language: %s", id)
	}
	return spec, nil
}

// IDs returns the supported language ids, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.specs))
	for id := range r.specs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DefaultLanguages returns the built-in language set.
func DefaultLanguages() []LanguageSpec {
	return []LanguageSpec{
		{
			ID:             "cpp",
			SourceFile:     "main.cpp",
			BinaryFile:     "main",
			CompileEnabled: true,
			CompileCmdTpl:  "g++ -O2 -std=c++17 -o {bin} {src} {extraFlags}",
			RunCmdTpl:      "{bin}",
		},
		{
			ID:             "c",
			SourceFile:     "main.c",
			BinaryFile:     "main",
			CompileEnabled: true,
			CompileCmdTpl:  "gcc -O2 -std=c11 -o {bin} {src} {extraFlags}",
			RunCmdTpl:      "{bin}",
		},
		{
			ID:               "java",
			SourceFile:       "Main.java",
			BinaryFile:       "Main",
			CompileEnabled:   true,
			CompileCmdTpl:    "javac {src}",
			RunCmdTpl:        "java -XX:+UseSerialGC -cp " + containerWorkDir + " Main",
			TimeMultiplier:   2,
			MemoryMultiplier: 2,
		},
		{
			ID:             "python",
			SourceFile:     "main.py",
			CompileEnabled: false,
			RunCmdTpl:      "python3 {src}",
			TimeMultiplier: 3,
		},
		{
			ID:             "javascript",
			SourceFile:     "main.js",
			CompileEnabled: false,
			RunCmdTpl:      "node {src}",
			TimeMultiplier: 3,
		},
		{
			ID:             "go",
			SourceFile:     "main.go",
			BinaryFile:     "main",
			CompileEnabled: true,
			CompileCmdTpl:  "go build -o {bin} {src}",
			RunCmdTpl:      "{bin}",
			Env:            []string{"GOCACHE=/tmp/gocache", "HOME=/tmp"},
		},
	}
}

// BuildCommand expands a command template into argv.
func BuildCommand(tpl string, lang LanguageSpec, extraFlags []string) ([]string, error) {
	if strings.TrimSpace(tpl) == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command template is required")
	}
	expanded := tpl
	expanded = strings.ReplaceAll(expanded, "{src}", filepath.Join(containerWorkDir, lang.SourceFile))
	expanded = strings.ReplaceAll(expanded, "{bin}", filepath.Join(containerWorkDir, lang.BinaryFile))
	if strings.Contains(expanded, "{extraFlags}") {
		expanded = strings.ReplaceAll(expanded, "{extraFlags}", strings.Join(extraFlags, " "))
	}
	fields, err := shlex.Split(expanded)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "parse command template failed")
	}
	if len(fields) == 0 {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command is empty after expansion")
	}
	return fields, nil
}
