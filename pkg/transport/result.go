package transport

import (
	"context"
	"fmt"
	"strings"
)

// CommandResult is the outcome of one process invocation.
type CommandResult struct {
	ExitCode int    `json:"exit_code" yaml:"exit_code"`
	Stdout   string `json:"stdout" yaml:"stdout"`
	Stderr   string `json:"stderr" yaml:"stderr"`
}

func (r *CommandResult) String() string {
	return strings.TrimSpace(fmt.Sprintf("Exit code %d.\n%s\n%s", r.ExitCode, r.Stderr, r.Stdout))
}

// Runner executes one command on the target. dir may be empty to use the
// account's default directory. elevate requests the superuser account.
type Runner interface {
	Run(ctx context.Context, dir string, argv []string, elevate bool) (*CommandResult, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, dir string, argv []string, elevate bool) (*CommandResult, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, dir string, argv []string, elevate bool) (*CommandResult, error) {
	return f(ctx, dir, argv, elevate)
}
