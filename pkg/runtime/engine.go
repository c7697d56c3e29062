package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ormasoftchile/sshrecipe/pkg/config"
	"github.com/ormasoftchile/sshrecipe/pkg/governance"
	"github.com/ormasoftchile/sshrecipe/pkg/ledger"
	"github.com/ormasoftchile/sshrecipe/pkg/remotepath"
	"github.com/ormasoftchile/sshrecipe/pkg/script"
	"github.com/ormasoftchile/sshrecipe/pkg/tmux"
	"github.com/ormasoftchile/sshrecipe/pkg/transport"
	"github.com/ormasoftchile/sshrecipe/pkg/vars"
)

// Engine executes recipes against one target. All run state lives here;
// it is not safe for concurrent use.
type Engine struct {
	Env       *vars.Env
	Connector Connector
	Gov       *governance.Engine
	Sessions  tmux.Policy
	Logger    *log.Logger

	// LedgerDir holds per-target ledger files. Empty means ledger.DefaultDir.
	LedgerDir string
	// Export, when set, collects a bash script instead of executing, and
	// the ledger is neither read nor written.
	Export *ShellExport
	Trace  *TraceWriter
	RunID  string

	Superuser         string
	UploadArgs        []string
	LogTailScript     string
	ReconnectInterval time.Duration
	PollInterval      time.Duration
	LaunchTimeout     time.Duration
	// Debug lifts the bound on detached session launches.
	Debug bool

	// BeforeDirective, if set, runs before each directive is dispatched.
	// A non-nil error stops the run.
	BeforeDirective func(ctx context.Context, s Step) error

	target   *Target
	runner   transport.Runner
	uploader transport.Uploader
	sessions *tmux.Manager
	ledger   *ledger.Ledger
	summary  Summary
	sleep    func(ctx context.Context, d time.Duration) error
}

// Step identifies the directive about to run.
type Step struct {
	Script    string
	Directive script.Directive
}

type scriptFrame struct {
	path string
	dir  string
}

// NewEngine wires an engine from a profile: governance policy, ssh and
// upload transports, ledger location and tmux timings.
func NewEngine(p *config.Profile, logger *log.Logger) (*Engine, error) {
	if p == nil {
		p = config.Default()
	}
	if logger == nil {
		logger = log.Default()
	}
	gov, err := governance.New(p.Governance)
	if err != nil {
		return nil, err
	}
	return &Engine{
		Env:               vars.New(),
		Connector:         &ProfileConnector{Profile: p, Logger: logger, Redact: gov.Redact},
		Gov:               gov,
		Logger:            logger,
		LedgerDir:         config.ExpandHome(p.LedgerDir),
		RunID:             NewRunID(),
		Superuser:         p.SSH.Superuser,
		UploadArgs:        p.Upload.ExtraArgs,
		LogTailScript:     p.Tmux.LogTailScript,
		ReconnectInterval: p.ReconnectInterval.D(),
		PollInterval:      p.Tmux.PollInterval.D(),
		LaunchTimeout:     p.Tmux.LaunchTimeout.D(),
	}, nil
}

func (e *Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

func (e *Engine) gov() *governance.Engine {
	if e.Gov == nil {
		e.Gov, _ = governance.New(nil)
	}
	return e.Gov
}

// Redact masks secrets in s for display.
func (e *Engine) Redact(s string) string { return e.gov().Redact(s) }

// Summary returns the outcome counts so far.
func (e *Engine) Summary() Summary { return e.summary }

// Ledger returns the open ledger, or nil before the target is known or in
// export mode.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// RunFile executes the recipe at path. Directives run strictly in order and
// the first failure stops the recipe.
func (e *Engine) RunFile(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	directives, err := script.ParseFile(abs)
	if err != nil {
		return err
	}

	e.Env.Push(abs)
	defer func() {
		e.Env.Pop()
		e.Env.Refresh()
	}()
	if err := e.Env.Refresh(); err != nil {
		return err
	}

	f := &scriptFrame{path: abs, dir: filepath.Dir(abs)}
	for _, d := range directives {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.step(ctx, f, d); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) step(ctx context.Context, f *scriptFrame, d script.Directive) error {
	if e.BeforeDirective != nil {
		if err := e.BeforeDirective(ctx, Step{Script: f.path, Directive: d}); err != nil {
			return err
		}
	}

	start := time.Now()
	rec := &DirectiveResult{RunID: e.RunID, Script: f.path, Line: d.Line}
	outcome, err := e.dispatch(ctx, f, d, rec)
	// Redact afterwards so a secret assigned by this directive is masked.
	rec.Directive = e.Redact(d.String())
	rec.Outcome = outcome
	rec.Duration = time.Since(start)
	if err != nil {
		rec.Error = e.Redact(err.Error())
	} else {
		e.summary.add(outcome)
	}
	if e.Trace != nil {
		if terr := e.Trace.Write(rec); terr != nil {
			e.logger().Warn("trace write failed", "err", terr)
		}
	}
	if err == nil {
		return nil
	}

	var de *DirectiveError
	if errors.As(err, &de) {
		return err
	}
	return &DirectiveError{Script: f.path, Line: d.Line, Directive: e.Redact(d.Name()), Err: err}
}

// dispatch runs one directive. Guards are checked before expansion; state
// directives never touch the target or the ledger.
func (e *Engine) dispatch(ctx context.Context, f *scriptFrame, d script.Directive, rec *DirectiveResult) (Outcome, error) {
	args := d.Args
	for {
		rest, guard := consume(args, "IfDef")
		negate := false
		if !guard {
			rest, guard = consume(args, "IfNotDef")
			negate = true
		}
		if !guard {
			break
		}
		if len(rest) < 2 {
			return OutcomeExecuted, &ArgumentError{Directive: args[0], Msg: "expects a variable name and a directive"}
		}
		if _, defined := e.Env.GetNormalized(rest[0]); defined == negate {
			return OutcomeGuarded, nil
		}
		args = rest[1:]
	}

	args, err := e.Env.ExpandAll(args)
	if err != nil {
		return OutcomeExecuted, err
	}

	if done, err := e.dispatchState(ctx, f, d, args); done || err != nil {
		return OutcomeState, err
	}

	if err := e.materialize(); err != nil {
		return OutcomeExecuted, err
	}

	fp, err := e.fingerprint(f, d, args)
	if err != nil {
		return OutcomeExecuted, err
	}

	elevate := false
	if rest, ok := consume(args, "sudo"); ok {
		if len(rest) == 0 {
			return OutcomeExecuted, &ArgumentError{Directive: "sudo", Msg: "expects a command"}
		}
		elevate = true
		args = rest
	}

	memoized := e.ledger != nil && !isSessionLaunch(args)
	if memoized && e.ledger.Contains(fp) {
		e.logger().Debug("already executed", "directive", e.Redact(d.String()))
		return OutcomeSkipped, nil
	}

	if err := e.execute(ctx, f, args, elevate, rec); err != nil {
		return OutcomeExecuted, err
	}
	if memoized {
		if err := e.ledger.Record(fp); err != nil {
			return OutcomeExecuted, err
		}
	}
	return OutcomeExecuted, nil
}

// dispatchState handles directives that only change engine state. It
// reports whether args was one of them.
func (e *Engine) dispatchState(ctx context.Context, f *scriptFrame, d script.Directive, args []string) (bool, error) {
	name := args[0]
	switch {
	case is(name, "Abort"):
		e.logger().Error("Encountered ABORT directive.")
		return true, &AbortError{Script: f.path, Line: d.Line}

	case is(name, "SetVersion"):
		if len(args) < 2 {
			return true, &ArgumentError{Directive: name, Msg: "expects a version"}
		}
		e.Env.Set(vars.Version, args[1], true)
		return true, nil

	case is(name, "Set"), is(name, "SetLocal"):
		if len(args) < 3 {
			return true, &ArgumentError{Directive: name, Msg: "expects a name and a value"}
		}
		varName, value := args[1], args[2]
		if err := e.Env.Assign(varName, value, is(name, "SetLocal")); err != nil {
			return true, err
		}
		if e.gov().IsSecretVariable(varName) {
			e.gov().AddSecret(value)
		}
		return true, nil

	case is(name, "cd"):
		if len(args) < 2 || args[1] == "" {
			home, err := e.Env.Mandatory(vars.Home)
			if err != nil {
				return true, err
			}
			e.Env.Rebind(vars.PWD, home)
			return true, nil
		}
		dir, err := e.fullPath(args[1])
		if err != nil {
			return true, err
		}
		e.Env.Rebind(vars.PWD, dir)
		return true, nil

	case strings.HasSuffix(name, script.FileSuffix):
		return true, e.RunFile(ctx, filepath.Join(f.dir, name))
	}
	return false, nil
}

// fingerprint identifies the directive on the current target. Uploads
// include the source modification time so edited files are sent again.
func (e *Engine) fingerprint(f *scriptFrame, d script.Directive, args []string) (ledger.Fingerprint, error) {
	pwd, err := e.Env.Mandatory(vars.PWD)
	if err != nil {
		return ledger.Fingerprint{}, err
	}
	bump := d.Bump
	if v, ok := e.Env.GetNormalized(vars.Version); ok {
		bump += "+" + v
	}
	fp := ledger.Fingerprint{
		Account: e.target.User,
		Dir:     pwd,
		Bump:    bump,
		Key:     d.Key,
	}
	if d.Key == "" {
		fp.Args = args
	}

	cmd := args
	if rest, ok := consume(cmd, "sudo"); ok && len(rest) > 0 {
		cmd = rest
	}
	if (is(cmd[0], "Upload") || is(cmd[0], "UploadAs")) && len(cmd) > 1 {
		if info, err := os.Stat(filepath.Join(f.dir, cmd[1])); err == nil {
			fp.SourceModTime = info.ModTime()
		}
	}
	return fp, nil
}

// materialize builds the target from IP, USER and WINDOWS and opens its
// ledger unless exporting. The connection is rebuilt whenever the account
// in scope differs from the connected one, including after an included
// recipe's local USER goes out of scope.
func (e *Engine) materialize() error {
	addr, err := e.Env.Mandatory(vars.IP)
	if err != nil {
		return err
	}
	user, _ := e.Env.GetNormalized(vars.User)
	t := Target{Address: addr, User: user, Windows: e.Env.IsWindows()}
	if e.target != nil && *e.target == t {
		return nil
	}

	if e.ledger == nil && e.Export == nil {
		id, err := ledger.Identity(addr)
		if err != nil {
			return err
		}
		dir := e.LedgerDir
		if dir == "" {
			if dir, err = ledger.DefaultDir(); err != nil {
				return err
			}
		}
		l, err := ledger.Open(dir, id)
		if err != nil {
			return err
		}
		e.ledger = l
		e.logger().Debug("ledger opened", "path", l.Path(), "entries", l.Len())
	}

	if e.Connector == nil {
		e.Connector = &ProfileConnector{Logger: e.logger(), Redact: e.Redact}
	}
	runner, uploader, err := e.Connector.Connect(t)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	e.target = &t
	e.runner = runner
	e.uploader = uploader
	e.sessions = &tmux.Manager{
		Runner:        runner,
		Policy:        e.Sessions,
		PollInterval:  e.PollInterval,
		LaunchTimeout: e.LaunchTimeout,
		Debug:         e.Debug,
		Logger:        e.logger(),
	}
	return nil
}

// fullPath resolves path against PWD on the target.
func (e *Engine) fullPath(path string) (string, error) {
	pwd, err := e.Env.Mandatory(vars.PWD)
	if err != nil {
		return "", err
	}
	return remotepath.Resolve(pwd, path, e.Env.IsWindows())
}

// RunSessionActions performs the post-run session actions selected in
// Sessions: process kill, session termination, listing and capture.
func (e *Engine) RunSessionActions(ctx context.Context) error {
	p := e.Sessions
	if p.KillProcess == "" && len(p.Kill) == 0 && !p.ListSessions && p.PrintSession == "" {
		return nil
	}
	if e.Export != nil {
		return nil
	}
	if err := e.materialize(); err != nil {
		return err
	}
	return e.sessions.RunActions(ctx)
}

// Close releases the ledger and trace files.
func (e *Engine) Close() error {
	var errs []error
	if e.ledger != nil {
		errs = append(errs, e.ledger.Close())
		e.ledger = nil
	}
	if e.Trace != nil {
		errs = append(errs, e.Trace.Close())
		e.Trace = nil
	}
	return errors.Join(errs...)
}

// consume reports whether args starts with directive (case-insensitive)
// and returns the remaining arguments.
func consume(args []string, directive string) ([]string, bool) {
	if len(args) == 0 || !is(args[0], directive) {
		return nil, false
	}
	return slices.Clone(args[1:]), true
}

// isSessionLaunch reports whether args is a LaunchTmux directive, possibly
// behind AllowExitCode. Session launches are never memoized.
func isSessionLaunch(args []string) bool {
	if rest, ok := consume(args, "AllowExitCode"); ok && len(rest) > 1 {
		args = rest[1:]
	}
	return len(args) > 0 && is(args[0], "LaunchTmux")
}

func is(arg, directive string) bool { return strings.EqualFold(arg, directive) }
