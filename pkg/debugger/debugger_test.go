package debugger

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/google/go-cmp/cmp"

	"github.com/ormasoftchile/sshrecipe/pkg/governance"
	"github.com/ormasoftchile/sshrecipe/pkg/replay"
	"github.com/ormasoftchile/sshrecipe/pkg/runtime"
	"github.com/ormasoftchile/sshrecipe/pkg/script"
	"github.com/ormasoftchile/sshrecipe/pkg/transport"
	"github.com/ormasoftchile/sshrecipe/pkg/vars"
)

// scriptedReader feeds canned input lines to the REPL.
type scriptedReader struct {
	lines   []string
	prompts []string
}

func (r *scriptedReader) Readline() (string, error) {
	if len(r.lines) == 0 {
		return "", io.EOF
	}
	line := r.lines[0]
	r.lines = r.lines[1:]
	return line, nil
}

func (r *scriptedReader) SetPrompt(p string) { r.prompts = append(r.prompts, p) }
func (r *scriptedReader) Close() error       { return nil }

func newTestDebugger(t *testing.T, input ...string) (*Debugger, *replay.Runner, *bytes.Buffer) {
	t.Helper()
	runner := replay.NewRunner(&replay.Scenario{Fallback: &replay.Response{}})
	eng := &runtime.Engine{
		Env: vars.New(),
		Connector: runtime.ConnectorFunc(func(runtime.Target) (transport.Runner, transport.Uploader, error) {
			return runner, &replay.Uploader{}, nil
		}),
		Logger:    log.New(io.Discard),
		LedgerDir: t.TempDir(),
		RunID:     "test-run",
	}
	t.Cleanup(func() { eng.Close() })
	var buf bytes.Buffer
	d := New(eng)
	d.output = &buf
	d.rl = &scriptedReader{lines: input}
	return d, runner, &buf
}

func writeRecipe(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "site.sshrecipe")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func calledArgv(r *replay.Runner) [][]string {
	var out [][]string
	for _, c := range r.Calls() {
		out = append(out, c.Argv)
	}
	return out
}

// TestDebuggerCommandHelp verifies help output lists all commands.
func TestDebuggerCommandHelp(t *testing.T) {
	var buf bytes.Buffer
	d := &Debugger{output: &buf}
	d.handleHelp()
	out := buf.String()
	for _, cmd := range []string{"next", "continue", "break", "print vars", "where", "history", "ledger", "help", "quit"} {
		if !strings.Contains(out, cmd) {
			t.Errorf("help output missing %q", cmd)
		}
	}
}

// TestDebuggerPrintVars verifies print vars output and secret masking.
func TestDebuggerPrintVars(t *testing.T) {
	d, _, buf := newTestDebugger(t)
	d.engine.Env.Set("APP", "web", false)
	d.engine.Env.Set("API_TOKEN", "abc123", false)
	gov, err := governance.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	gov.AddSecret("abc123")
	d.engine.Gov = gov

	d.handlePrint([]string{"print", "vars"})
	out := buf.String()
	if !strings.Contains(out, `APP = "web"`) {
		t.Errorf("print vars missing APP: %s", out)
	}
	if strings.Contains(out, "abc123") {
		t.Errorf("print vars leaked a secret: %s", out)
	}

	buf.Reset()
	d.handlePrint([]string{"print", "app"})
	if got := buf.String(); !strings.Contains(got, `APP = "web"`) {
		t.Errorf("print app = %q", got)
	}

	buf.Reset()
	d.handlePrint([]string{"print", "missing"})
	if got := buf.String(); !strings.Contains(got, "MISSING is not defined") {
		t.Errorf("print missing = %q", got)
	}
}

// TestDebuggerPromptFormat verifies prompt shows the script and line.
func TestDebuggerPromptFormat(t *testing.T) {
	d := &Debugger{}
	if got := d.buildPrompt(); got != "sshrecipe> " {
		t.Errorf("initial prompt = %q", got)
	}
	d.current = &runtime.Step{Script: "/r/site.sshrecipe", Directive: script.Directive{Args: []string{"ls"}, Line: 7}}
	if got := d.buildPrompt(); got != "sshrecipe[site.sshrecipe:7]> " {
		t.Errorf("prompt = %q", got)
	}
}

func TestDebuggerBreakToggle(t *testing.T) {
	var buf bytes.Buffer
	d := &Debugger{output: &buf, breakpoints: map[breakpoint]bool{}, script: "/r/site.sshrecipe"}
	d.handleBreak([]string{"break", "4"})
	d.handleBreak([]string{"break", "2"})
	d.handleBreak([]string{"break", "4"})
	d.handleBreak([]string{"break", "lib/db.sshrecipe:3"})
	want := map[breakpoint]bool{
		{script: "/r/site.sshrecipe", line: 2}:   true,
		{script: "/r/lib/db.sshrecipe", line: 3}: true,
	}
	if diff := cmp.Diff(want, d.breakpoints, cmp.AllowUnexported(breakpoint{})); diff != "" {
		t.Errorf("breakpoints mismatch (-want +got):\n%s", diff)
	}
	for _, bad := range []string{"x", ":3", "site.sshrecipe:0"} {
		buf.Reset()
		d.handleBreak([]string{"break", bad})
		if !strings.Contains(buf.String(), "Usage: break [file:]<line>") {
			t.Errorf("break %s: missing usage: %s", bad, buf.String())
		}
	}

	buf.Reset()
	d.handleBreak([]string{"break"})
	if got := buf.String(); got != "  db.sshrecipe:3\n  site.sshrecipe:2\n" {
		t.Errorf("breakpoint list = %q", got)
	}
}

// TestDebuggerBreakpointIsPerRecipe verifies a breakpoint on a line of the
// main recipe does not stop on the same line of an included recipe.
func TestDebuggerBreakpointIsPerRecipe(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "child.sshrecipe"), []byte("echo c1\necho c2\necho c3\necho c4\n"), 0644); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "main.sshrecipe")
	if err := os.WriteFile(path, []byte("IP=.\nchild.sshrecipe\necho m3\necho m4\n"), 0644); err != nil {
		t.Fatal(err)
	}
	d, runner, _ := newTestDebugger(t, "break 4", "break child.sshrecipe:2", "continue", "continue", "continue")
	if err := d.Run(context.Background(), path); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := len(runner.Calls()); n != 6 {
		t.Errorf("expected 6 commands, got %d", n)
	}
	rl := d.rl.(*scriptedReader)
	want := []string{
		"sshrecipe[main.sshrecipe:1]> ",
		"sshrecipe[main.sshrecipe:1]> ",
		"sshrecipe[main.sshrecipe:1]> ",
		"sshrecipe[child.sshrecipe:2]> ",
		"sshrecipe[main.sshrecipe:4]> ",
	}
	if diff := cmp.Diff(want, rl.prompts); diff != "" {
		t.Errorf("prompts mismatch (-want +got):\n%s", diff)
	}
}

// TestDebuggerStepping verifies next runs one directive at a time and
// quit stops the recipe before the remaining directives.
func TestDebuggerStepping(t *testing.T) {
	path := writeRecipe(t,
		"IP=.",
		"echo one",
		"echo two",
	)
	d, runner, buf := newTestDebugger(t, "next", "where", "next", "quit")
	if err := d.Run(context.Background(), path); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([][]string{{"echo", "one"}}, calledArgv(runner)); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
	out := buf.String()
	if !strings.Contains(out, "→ site.sshrecipe:3  echo two") {
		t.Errorf("missing pause at line 3: %s", out)
	}
	if !strings.Contains(out, "Exiting debugger.") {
		t.Errorf("missing exit message: %s", out)
	}
	if len(d.history) != 3 {
		t.Errorf("history length = %d, want 3", len(d.history))
	}
}

// TestDebuggerContinueStopsAtBreakpoint verifies continue runs until a
// breakpoint line.
func TestDebuggerContinueStopsAtBreakpoint(t *testing.T) {
	path := writeRecipe(t,
		"IP=.",
		"echo one",
		"echo two",
		"echo three",
	)
	d, runner, buf := newTestDebugger(t, "break 4", "continue", "continue")
	if err := d.Run(context.Background(), path); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := [][]string{{"echo", "one"}, {"echo", "two"}, {"echo", "three"}}
	if diff := cmp.Diff(want, calledArgv(runner)); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
	rl := d.rl.(*scriptedReader)
	wantPrompts := []string{"sshrecipe[site.sshrecipe:1]> ", "sshrecipe[site.sshrecipe:1]> ", "sshrecipe[site.sshrecipe:4]> "}
	if diff := cmp.Diff(wantPrompts, rl.prompts); diff != "" {
		t.Errorf("prompts mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(buf.String(), "✓ Recipe complete: 3 executed") {
		t.Errorf("missing summary: %s", buf.String())
	}
}

// TestDebuggerEOFQuits verifies end of input is treated as quit.
func TestDebuggerEOFQuits(t *testing.T) {
	path := writeRecipe(t, "IP=.", "echo one")
	d, runner, _ := newTestDebugger(t)
	if err := d.Run(context.Background(), path); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := len(runner.Calls()); n != 0 {
		t.Errorf("expected no commands, got %d", n)
	}
}

// TestDebuggerLedger verifies the ledger view after a directive ran.
func TestDebuggerLedger(t *testing.T) {
	path := writeRecipe(t, "IP=.", "echo one", "echo two")
	d, _, buf := newTestDebugger(t, "next", "next", "ledger", "quit")
	if err := d.Run(context.Background(), path); err != nil {
		t.Fatalf("Run: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "(1 entries)") {
		t.Errorf("ledger output unexpected: %s", out)
	}
}
