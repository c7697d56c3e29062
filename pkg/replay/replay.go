package replay

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ormasoftchile/sshrecipe/pkg/transport"
)

// Call is one command the replay runner was asked to run.
type Call struct {
	Dir     string
	Argv    []string
	Elevate bool
}

// Runner implements transport.Runner by matching commands against
// scenario entries in order. Fail-closed: an unmatched command is an error
// unless the scenario has a fallback.
type Runner struct {
	scenario *Scenario

	mu    sync.Mutex
	used  []bool
	calls []Call
}

// NewRunner creates a Runner from a loaded scenario.
func NewRunner(s *Scenario) *Runner {
	return &Runner{
		scenario: s,
		used:     make([]bool, len(s.Commands)),
	}
}

// Run returns the first unused matching response.
func (r *Runner) Run(ctx context.Context, dir string, argv []string, elevate bool) (*transport.CommandResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Dir: dir, Argv: append([]string(nil), argv...), Elevate: elevate})

	for i, sc := range r.scenario.Commands {
		if r.used[i] && !sc.Repeat {
			continue
		}
		if sc.Elevate != elevate || (sc.Dir != "" && sc.Dir != dir) || !argvMatch(argv, sc.Argv) {
			continue
		}
		r.used[i] = true
		return sc.Response.result(), nil
	}
	if r.scenario.Fallback != nil {
		return r.scenario.Fallback.result(), nil
	}
	return nil, fmt.Errorf("replay: no matching scenario entry for command: %s", strings.Join(argv, " "))
}

// Calls returns every command seen so far.
func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Unused returns the scenario entries that never matched.
func (r *Runner) Unused() []ScenarioCommand {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ScenarioCommand
	for i, sc := range r.scenario.Commands {
		if !r.used[i] {
			out = append(out, sc)
		}
	}
	return out
}

func (resp Response) result() *transport.CommandResult {
	return &transport.CommandResult{ExitCode: resp.ExitCode, Stdout: resp.Stdout, Stderr: resp.Stderr}
}

// argvMatch compares actual against a pattern where "*" matches one
// argument and a trailing "**" matches any remainder.
func argvMatch(actual, pattern []string) bool {
	for i, p := range pattern {
		if p == "**" && i == len(pattern)-1 {
			return true
		}
		if i >= len(actual) {
			return false
		}
		if p != "*" && p != actual[i] {
			return false
		}
	}
	return len(actual) == len(pattern)
}

// Uploader implements transport.Uploader by recording requests.
type Uploader struct {
	mu       sync.Mutex
	requests []transport.UploadRequest
	// Err, if set, is returned by every upload.
	Err error
}

// Upload records req.
func (u *Uploader) Upload(ctx context.Context, req transport.UploadRequest) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.requests = append(u.requests, req)
	return u.Err
}

// Requests returns the recorded uploads.
func (u *Uploader) Requests() []transport.UploadRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]transport.UploadRequest(nil), u.requests...)
}

// Recorder wraps a live runner and captures every exchange into a
// scenario that can be saved and replayed later.
type Recorder struct {
	Runner transport.Runner

	mu       sync.Mutex
	scenario Scenario
}

// Run forwards to the wrapped runner and records the result.
func (r *Recorder) Run(ctx context.Context, dir string, argv []string, elevate bool) (*transport.CommandResult, error) {
	res, err := r.Runner.Run(ctx, dir, argv, elevate)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.scenario.Commands = append(r.scenario.Commands, ScenarioCommand{
		Argv:     append([]string(nil), argv...),
		Dir:      dir,
		Elevate:  elevate,
		Response: Response{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode},
	})
	r.mu.Unlock()
	return res, nil
}

// Scenario returns a copy of what was recorded.
func (r *Recorder) Scenario() *Scenario {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &Scenario{Commands: append([]ScenarioCommand(nil), r.scenario.Commands...)}
}
