// Package transport runs commands and copies files on the target machine,
// either the controller itself or a host reached through the ssh client.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/ormasoftchile/sshrecipe/pkg/shellquote"
)

// LocalAddress selects the controller as the target.
const LocalAddress = "."

// DefaultSuperuser is the account used for elevated remote commands.
const DefaultSuperuser = "root"

// Machine is a command target.
type Machine struct {
	Address string
	// User is the remote account; empty means Superuser.
	User string
	// SSHBinary defaults to "ssh".
	SSHBinary string
	// SSHOptions are inserted before the destination, e.g. -p 2222.
	SSHOptions []string
	// Superuser defaults to DefaultSuperuser.
	Superuser string

	Logger *log.Logger
	// Redact, if set, is applied to each output line before it is logged.
	// Captured buffers are never redacted.
	Redact func(string) string
}

// IsLocal reports whether commands run on the controller.
func (m *Machine) IsLocal() bool { return m.Address == LocalAddress }

// Account returns the remote account a command will run as.
func (m *Machine) Account(elevate bool) string {
	if elevate || m.User == "" {
		if m.Superuser != "" {
			return m.Superuser
		}
		return DefaultSuperuser
	}
	return m.User
}

// Argv returns the process that Run starts for the given command, and the
// working directory to start it in (local targets only).
func (m *Machine) Argv(dir string, argv []string, elevate bool) (procArgv []string, procDir string) {
	if m.IsLocal() {
		return argv, dir
	}
	var remote []string
	if dir != "" {
		remote = append(remote, "env", "-C", dir)
	}
	remote = append(remote, argv...)

	bin := m.SSHBinary
	if bin == "" {
		bin = "ssh"
	}
	procArgv = append([]string{bin}, m.SSHOptions...)
	// ssh joins its trailing arguments with spaces and hands the result to
	// the remote shell, so pass exactly one pre-quoted argument.
	procArgv = append(procArgv, m.Account(elevate)+"@"+m.Address, shellquote.PosixJoin(remote))
	return procArgv, ""
}

// Run executes argv on the target and captures its output. A non-zero exit
// code is reported in the result, not as an error.
func (m *Machine) Run(ctx context.Context, dir string, argv []string, elevate bool) (*CommandResult, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	logger := m.logger()
	line := "Running: " + strings.Join(argv, ", ")
	if m.Redact != nil {
		line = m.Redact(line)
	}
	logger.Info(line)

	procArgv, procDir := m.Argv(dir, argv, elevate)
	cmd := exec.Command(procArgv[0], procArgv[1:]...)
	cmd.Dir = procDir
	return runProcess(ctx, cmd, logger, m.Redact)
}

func (m *Machine) logger() *log.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return log.Default()
}

type stream int

const (
	streamStdout stream = iota
	streamStderr
)

type lineEvent struct {
	stream stream
	line   string
	eof    bool
	err    error
}

// runProcess starts cmd and drains both output streams concurrently: one
// goroutine per stream pushes lines, then an EOF marker, onto a shared
// channel. The process is always killed on return.
func runProcess(ctx context.Context, cmd *exec.Cmd, logger *log.Logger, redact func(string) string) (*CommandResult, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}

	done := make(chan struct{})
	waited := false
	defer func() {
		close(done)
		_ = cmd.Process.Kill()
		if !waited {
			_ = cmd.Wait()
		}
	}()

	events := make(chan lineEvent)
	go drain(stdout, streamStdout, events, done)
	go drain(stderr, streamStderr, events, done)

	var outBuf, errBuf strings.Builder
	for open := 2; open > 0; {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev := <-events:
			if ev.eof {
				if ev.err != nil {
					logger.Warn("output stream failed", "err", ev.err)
				}
				open--
				continue
			}
			shown := ev.line
			if redact != nil {
				shown = redact(shown)
			}
			if ev.stream == streamStdout {
				outBuf.WriteString(ev.line + "\n")
				logger.Info("    STDOUT: " + shown)
			} else {
				errBuf.WriteString(ev.line + "\n")
				logger.Info("    STDERR: " + shown)
			}
		}
	}

	waited = true
	err = cmd.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("wait %s: %w", cmd.Path, err)
		}
		code = exitErr.ExitCode()
	}
	return &CommandResult{ExitCode: code, Stdout: outBuf.String(), Stderr: errBuf.String()}, nil
}

func drain(r io.Reader, s stream, events chan<- lineEvent, done <-chan struct{}) {
	br := bufio.NewReader(r)
	send := func(ev lineEvent) bool {
		select {
		case events <- ev:
			return true
		case <-done:
			return false
		}
	}
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
			if !send(lineEvent{stream: s, line: line}) {
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				err = nil
			}
			send(lineEvent{stream: s, eof: true, err: err})
			return
		}
	}
}
