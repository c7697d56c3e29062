// Package tmux manages named background sessions on the target. Session
// state is never cached: every decision queries tmux on the target.
package tmux

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ormasoftchile/sshrecipe/pkg/shellquote"
	"github.com/ormasoftchile/sshrecipe/pkg/transport"
)

const (
	// DefaultPollInterval is the delay between has-session checks while
	// waiting for a session to exit.
	DefaultPollInterval = 500 * time.Millisecond
	// DefaultLaunchTimeout bounds a detached new-session call.
	DefaultLaunchTimeout = 5 * time.Second
)

// SessionError reports an unexpected answer from tmux.
type SessionError struct {
	Op      string
	Session string
	Result  *transport.CommandResult
}

func (e *SessionError) Error() string {
	if e.Session == "" {
		return fmt.Sprintf("tmux %s: %s", e.Op, e.Result)
	}
	return fmt.Sprintf("tmux %s %s: %s", e.Op, e.Session, e.Result)
}

// Policy carries the operator's per-run session choices.
type Policy struct {
	// Kill lists sessions that must not be (re)started; they are
	// terminated by RunActions.
	Kill []string
	// ForceKill lists sessions terminated with kill-session instead of C-c.
	ForceKill []string
	// Restart lists sessions torn down before being launched again.
	Restart []string
	// Inline names a session whose payload runs in the foreground.
	Inline string
	// Skip leaves sessions alone unless a restart was requested.
	Skip bool

	// Post-run actions.
	PrintSession    string
	ListSessions    bool
	KillProcess     string
	KillProcessHard bool
}

// ImpliesSkip reports whether any post-run action was requested, in which
// case launches are skipped unless forced.
func (p Policy) ImpliesSkip() bool {
	return p.PrintSession != "" || len(p.Kill) > 0 || p.Inline != "" || p.KillProcess != "" || p.ListSessions
}

// Launch describes one LaunchTmux directive.
type Launch struct {
	Name string
	// Dir is the absolute working directory on the target.
	Dir  string
	Args []string
	// LogTail, if set, is a wrapper script prepended to detached payloads
	// as "<LogTail> <name> <payload...>".
	LogTail string
	Elevate bool
}

// Manager drives tmux through a transport.Runner.
type Manager struct {
	Runner        transport.Runner
	Policy        Policy
	PollInterval  time.Duration
	LaunchTimeout time.Duration
	// Debug removes the launch timeout for interactive stepping.
	Debug  bool
	Logger *log.Logger
}

func (m *Manager) logger() *log.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return log.Default()
}

// Payload returns the command that runs l's program in its directory.
// PowerShell scripts are sent as an encoded command.
func Payload(l Launch) []string {
	if len(l.Args) > 0 && strings.HasSuffix(l.Args[0], ".ps1") {
		script := shellquote.PowerShellCommand(l.Dir, l.Args)
		return []string{"pwsh", "-EncodedCommand", shellquote.EncodePowerShell(script)}
	}
	return append([]string{"env", "-C", l.Dir}, l.Args...)
}

// NewSessionArgv returns the tmux command that starts l detached,
// wrapped by the log-tail script when one is set.
func NewSessionArgv(l Launch) []string {
	payload := Payload(l)
	if l.LogTail != "" {
		payload = append([]string{l.LogTail, l.Name}, payload...)
	}
	return append([]string{"tmux", "new-session", "-d", "-s", l.Name}, payload...)
}

// EnsureRunning brings session l.Name up according to the policy. It
// returns a nil result when nothing was launched. For inline launches the
// foreground result is returned unchecked so the caller can apply its own
// exit-code rules.
func (m *Manager) EnsureRunning(ctx context.Context, l Launch) (*transport.CommandResult, error) {
	p := m.Policy
	forced := slices.Contains(p.Restart, l.Name) || p.Inline == l.Name
	if forced {
		if err := m.Terminate(ctx, l.Name, slices.Contains(p.ForceKill, l.Name), l.Elevate); err != nil {
			return nil, err
		}
	}
	if p.Skip && !forced {
		m.logger().Debug("skipping session", "name", l.Name)
		return nil, nil
	}
	if slices.Contains(p.Kill, l.Name) {
		return nil, nil
	}

	if p.Inline == l.Name {
		return m.Runner.Run(ctx, "", Payload(l), l.Elevate)
	}

	argv := NewSessionArgv(l)
	if !m.Debug {
		timeout := m.LaunchTimeout
		if timeout <= 0 {
			timeout = DefaultLaunchTimeout
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	r, err := m.Runner.Run(ctx, "", argv, l.Elevate)
	if err != nil {
		return nil, fmt.Errorf("launch session %s: %w", l.Name, err)
	}
	// Exit code 1 means the session already exists.
	if r.ExitCode != 0 && r.ExitCode != 1 {
		return nil, &SessionError{Op: "new-session", Session: l.Name, Result: r}
	}
	return r, nil
}

// Terminate stops a session. Forceful mode kills it outright; graceful
// mode sends C-c and waits until the session is gone. A session that
// does not exist counts as terminated. Elevated sessions live on root's
// tmux server, so elevate must match how the session was launched.
func (m *Manager) Terminate(ctx context.Context, name string, forceful, elevate bool) error {
	if forceful {
		r, err := m.Runner.Run(ctx, "", []string{"tmux", "kill-session", "-t", name}, elevate)
		if err != nil {
			return err
		}
		if r.ExitCode != 0 && r.ExitCode != 1 && !isAbsent(r.Stderr) {
			return &SessionError{Op: "kill-session", Session: name, Result: r}
		}
		return nil
	}

	r, err := m.Runner.Run(ctx, "", []string{"tmux", "send-keys", "-t", name, "C-c"}, elevate)
	if err != nil {
		return err
	}
	if r.ExitCode == 1 && isAbsent(r.Stderr) {
		return nil
	}
	if r.ExitCode != 0 {
		return &SessionError{Op: "send-keys", Session: name, Result: r}
	}

	interval := m.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	for {
		alive, err := m.Exists(ctx, name, elevate)
		if err != nil {
			return err
		}
		if !alive {
			return nil
		}
		m.logger().Info("  Waiting for session " + name + " to exit...")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func isAbsent(stderr string) bool {
	for _, prefix := range []string{"can't find session", "can't find pane", "no server running", "session not found"} {
		if strings.HasPrefix(stderr, prefix) {
			return true
		}
	}
	return false
}

// Exists queries has-session on the user's or, with elevate, root's server.
func (m *Manager) Exists(ctx context.Context, name string, elevate bool) (bool, error) {
	r, err := m.Runner.Run(ctx, "", []string{"tmux", "has-session", "-t", name}, elevate)
	if err != nil {
		return false, err
	}
	switch r.ExitCode {
	case 0:
		return true, nil
	case 1:
		return false, nil
	}
	return false, &SessionError{Op: "has-session", Session: name, Result: r}
}

// List runs tmux ls.
func (m *Manager) List(ctx context.Context) (*transport.CommandResult, error) {
	r, err := m.Runner.Run(ctx, "", []string{"tmux", "ls"}, false)
	if err != nil {
		return nil, err
	}
	if r.ExitCode != 0 {
		return nil, &SessionError{Op: "ls", Result: r}
	}
	return r, nil
}

// Capture returns the last 100 lines of a session's pane.
func (m *Manager) Capture(ctx context.Context, name string) (*transport.CommandResult, error) {
	r, err := m.Runner.Run(ctx, "", []string{"tmux", "capture-pane", "-p", "-S", "-100", "-t", name}, false)
	if err != nil {
		return nil, err
	}
	if r.ExitCode != 0 {
		return nil, &SessionError{Op: "capture-pane", Session: name, Result: r}
	}
	return r, nil
}

// KillProcess signals processes matching name with SIGINT, or SIGKILL when
// hard is set. It reports whether anything matched.
func (m *Manager) KillProcess(ctx context.Context, name string, hard bool) (bool, error) {
	sig := "-SIGINT"
	if hard {
		sig = "-SIGKILL"
	}
	r, err := m.Runner.Run(ctx, "", []string{"pkill", sig, name}, true)
	if err != nil {
		return false, err
	}
	switch r.ExitCode {
	case 0:
		return true, nil
	case 1:
		return false, nil
	}
	return false, fmt.Errorf("pkill: %s", r)
}

// RunActions performs the post-run actions selected in the policy:
// process kill, session termination, listing and pane capture.
func (m *Manager) RunActions(ctx context.Context) error {
	p := m.Policy
	if p.KillProcess != "" {
		found, err := m.KillProcess(ctx, p.KillProcess, p.KillProcessHard)
		if err != nil {
			return err
		}
		if found {
			m.logger().Info("Process " + p.KillProcess + " killed.")
		} else {
			m.logger().Info("No process was found matching the provided name.")
		}
	}
	for _, name := range p.Kill {
		if err := m.Terminate(ctx, name, slices.Contains(p.ForceKill, name), false); err != nil {
			return err
		}
	}
	if p.ListSessions {
		if _, err := m.List(ctx); err != nil {
			return err
		}
	}
	if p.PrintSession != "" {
		if _, err := m.Capture(ctx, p.PrintSession); err != nil {
			return err
		}
	}
	return nil
}
