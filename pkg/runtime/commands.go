package runtime

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ormasoftchile/sshrecipe/pkg/tmux"
	"github.com/ormasoftchile/sshrecipe/pkg/transport"
	"github.com/ormasoftchile/sshrecipe/pkg/vars"
)

// DefaultReconnectInterval is the wait between AwaitReconnect probes.
const DefaultReconnectInterval = 30 * time.Second

// execute performs a target-bound directive after the ledger check.
func (e *Engine) execute(ctx context.Context, f *scriptFrame, args []string, elevate bool, rec *DirectiveResult) error {
	args, elevate, err := e.rewrite(args, elevate)
	if err != nil {
		return err
	}

	switch name := args[0]; {
	case is(name, "Sleep"):
		if len(args) < 2 {
			return &ArgumentError{Directive: name, Msg: "expects a number of seconds"}
		}
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 0 {
			return &ArgumentError{Directive: name, Msg: fmt.Sprintf("invalid duration %q", args[1])}
		}
		if e.Export != nil {
			e.Export.Command("", []string{"sleep", args[1]}, false)
			return nil
		}
		return e.wait(ctx, time.Duration(n)*time.Second)

	case is(name, "AwaitReconnect"):
		return e.awaitReconnect(ctx)
	}

	var allowed []int
	if rest, ok := consume(args, "AllowExitCode"); ok {
		if len(rest) < 2 {
			return &ArgumentError{Directive: "AllowExitCode", Msg: "expects codes and a command"}
		}
		for _, s := range strings.Split(rest[0], ",") {
			code, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil {
				return &ArgumentError{Directive: "AllowExitCode", Msg: fmt.Sprintf("invalid exit code %q", s)}
			}
			allowed = append(allowed, code)
		}
		args = rest[1:]
	}

	switch name := args[0]; {
	case is(name, "LaunchTmux"):
		return e.launchSession(ctx, args[1:], elevate, allowed, rec)
	case is(name, "Upload"):
		return e.upload(ctx, f, args[1:], false, elevate)
	case is(name, "UploadAs"):
		return e.upload(ctx, f, args[1:], true, elevate)
	}
	return e.run(ctx, withInterpreter(args), elevate, allowed, rec)
}

// rewrite expands the file-manipulation directives into the commands that
// implement them.
func (e *Engine) rewrite(args []string, elevate bool) ([]string, bool, error) {
	need := func(n int) error {
		if len(args) < n+1 {
			return &ArgumentError{Directive: args[0], Msg: fmt.Sprintf("expects %d arguments", n)}
		}
		return nil
	}
	switch name := args[0]; {
	case is(name, "Download"):
		if err := need(2); err != nil {
			return nil, false, err
		}
		return []string{"curl", "-fsSL", args[1], "-o", args[2]}, elevate, nil

	case is(name, "CreateSymLink"):
		if err := need(2); err != nil {
			return nil, false, err
		}
		target, err := e.fullPath(args[1])
		if err != nil {
			return nil, false, err
		}
		link, err := e.fullPath(args[2])
		if err != nil {
			return nil, false, err
		}
		return []string{"ln", "-f", "-s", target, link}, true, nil

	case is(name, "WriteFile"), is(name, "AppendFile"):
		if err := need(2); err != nil {
			return nil, false, err
		}
		redirect := ">"
		if is(name, "AppendFile") {
			redirect = ">>"
		}
		return []string{"sh", "-c", `  echo "$2" ` + redirect + ` "$1" `, "_", args[1], args[2]}, elevate, nil

	case is(name, "ReplaceInPlace"):
		if err := need(3); err != nil {
			return nil, false, err
		}
		expr := "s/" + sedPattern(args[2]) + "/" + sedReplacement(args[3]) + "/g"
		return []string{"sed", "-i", expr, args[1]}, elevate, nil
	}
	return args, elevate, nil
}

// sedPattern escapes s for a sed basic regular expression delimited by /.
func sedPattern(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\\', '/', '.', '*', '[', ']', '^', '$':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sedReplacement escapes s for the replacement half of an s/// command.
func sedReplacement(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\\', '/', '&':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// withInterpreter prefixes script files with the program that runs them.
func withInterpreter(args []string) []string {
	path := args[0]
	switch strings.ToLower(filepath.Ext(path)) {
	case ".reg":
		return append([]string{"reg", "import"}, args...)
	case ".ps1":
		if !strings.ContainsAny(path, `/\`) {
			path = "./" + path
		}
		return append([]string{"pwsh", "-ExecutionPolicy", "Unrestricted", "-NoProfile", path}, args[1:]...)
	case ".cmd", ".bat":
		return append([]string{"cmd", "/c"}, args...)
	}
	return args
}

// run executes argv in PWD, or appends it to the export.
func (e *Engine) run(ctx context.Context, argv []string, elevate bool, allowed []int, rec *DirectiveResult) error {
	if err := e.gov().CheckCommand(argv[0]); err != nil {
		return err
	}
	rec.Argv = e.redactAll(argv)
	pwd, _ := e.Env.GetNormalized(vars.PWD)
	if e.Export != nil {
		e.Export.Command(pwd, argv, len(allowed) > 0)
		return nil
	}

	// Remote ssh sessions already start in the account's home.
	if !elevate && !e.target.IsLocal() {
		if home, _ := e.Env.GetNormalized(vars.Home); pwd == home {
			pwd = ""
		}
	}
	r, err := e.runner.Run(ctx, pwd, argv, elevate)
	if err != nil {
		return err
	}
	rec.ExitCode = &r.ExitCode
	return e.checkExit(argv, allowed, r)
}

// checkExit accepts exit code 0, explicitly allowed codes and codes the
// governance policy marks benign.
func (e *Engine) checkExit(argv []string, allowed []int, r *transport.CommandResult) error {
	if r.ExitCode == 0 || slices.Contains(allowed, r.ExitCode) {
		return nil
	}
	benign, err := e.gov().IsBenign(argv, r.ExitCode, r.Stdout, r.Stderr)
	if err != nil {
		return err
	}
	if benign {
		e.logger().Info("exit code treated as success", "command", argv[0], "code", r.ExitCode)
		return nil
	}
	return &ProcessError{Argv: argv, Result: r}
}

func (e *Engine) launchSession(ctx context.Context, args []string, elevate bool, allowed []int, rec *DirectiveResult) error {
	if len(args) < 3 {
		return &ArgumentError{Directive: "LaunchTmux", Msg: "expects a session name, a directory and a command"}
	}
	dir, err := e.fullPath(args[1])
	if err != nil {
		return err
	}
	l := tmux.Launch{Name: args[0], Dir: dir, Args: args[2:], Elevate: elevate}
	if v, _ := e.Env.GetNormalized(vars.TmuxLogTail); v == "1" {
		home, err := e.Env.Mandatory(vars.Home)
		if err != nil {
			return err
		}
		script := e.LogTailScript
		if script == "" {
			script = "log-tail.sh"
		}
		l.LogTail = home + "/" + script
	}
	if err := e.gov().CheckCommand(l.Args[0]); err != nil {
		return err
	}

	inline := e.Sessions.Inline == l.Name
	if e.Export != nil {
		if inline {
			e.Export.Command("", tmux.Payload(l), len(allowed) > 0)
		} else if !e.Sessions.Skip && !slices.Contains(e.Sessions.Kill, l.Name) {
			e.Export.Command("", tmux.NewSessionArgv(l), true)
		}
		return nil
	}

	r, err := e.sessions.EnsureRunning(ctx, l)
	if err != nil {
		return err
	}
	if r == nil {
		return nil
	}
	rec.ExitCode = &r.ExitCode
	if inline {
		return e.checkExit(tmux.Payload(l), allowed, r)
	}
	return nil
}

func (e *Engine) upload(ctx context.Context, f *scriptFrame, args []string, copyAs, elevate bool) error {
	name := "Upload"
	if copyAs {
		name = "UploadAs"
	}
	if len(args) < 2 {
		return &ArgumentError{Directive: name, Msg: "expects a source and a destination"}
	}
	src, dest := args[0], args[1]
	if e.Export != nil {
		e.Export.Comment("Omitted upload: " + src + " to " + dest)
		return nil
	}
	if strings.TrimSpace(src) == "" || src == "/" || src == `\` {
		return &ArgumentError{Directive: name, Msg: fmt.Sprintf("invalid source %q", src)}
	}
	source := filepath.Join(f.dir, src)
	destPath, err := e.fullPath(dest)
	if err != nil {
		return err
	}

	account := e.Superuser
	if account == "" {
		account = transport.DefaultSuperuser
	}
	if !elevate {
		if account, err = e.Env.Mandatory(vars.UserOrRoot); err != nil {
			return err
		}
	}

	req := transport.UploadRequest{
		Source:      source,
		Destination: destPath,
		Account:     account,
		CopyAs:      copyAs,
		ExtraArgs:   append(slices.Clone(e.UploadArgs), args[2:]...),
	}
	e.logger().Info("Uploading " + source + " to " + destPath)
	if err := e.uploader.Upload(ctx, req); err != nil {
		return err
	}

	if strings.HasSuffix(source, ".sh") {
		r, err := e.runner.Run(ctx, "", []string{"chmod", "+x", transport.UploadedPath(req)}, elevate)
		if err != nil {
			return err
		}
		if r.ExitCode != 0 {
			return fmt.Errorf("chmod: %s", r)
		}
	}
	return nil
}

// awaitReconnect probes the target with echo until it answers, waiting
// ReconnectInterval between attempts.
func (e *Engine) awaitReconnect(ctx context.Context) error {
	if e.Export != nil {
		e.Export.Comment("Omitted AwaitReconnect")
		return nil
	}
	interval := e.ReconnectInterval
	if interval <= 0 {
		interval = DefaultReconnectInterval
	}
	for {
		e.logger().Info("Awaiting reconnection...")
		r, err := e.runner.Run(ctx, "", []string{"echo", "1"}, false)
		if err == nil && r.ExitCode == 0 {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			e.logger().Debug("reconnect probe failed", "err", err)
		} else {
			e.logger().Debug("reconnect probe failed", "result", r.String())
		}
		if err := e.wait(ctx, interval); err != nil {
			return err
		}
	}
}

// wait sleeps for d or until ctx is done.
func (e *Engine) wait(ctx context.Context, d time.Duration) error {
	if e.sleep != nil {
		return e.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Engine) redactAll(argv []string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = e.Redact(a)
	}
	return out
}
