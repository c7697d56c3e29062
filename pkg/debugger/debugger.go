// Package debugger implements the interactive REPL debugger for recipes.
package debugger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"

	"github.com/ormasoftchile/sshrecipe/pkg/runtime"
)

// ErrQuit is returned from the pause hook when the user quits; Run treats
// it as a clean exit.
var ErrQuit = errors.New("debugger: quit")

// lineReader is the subset of *readline.Instance the REPL needs.
type lineReader interface {
	Readline() (string, error)
	SetPrompt(string)
	Close() error
}

// Debugger pauses a recipe run before each directive and lets the user
// inspect variables and the ledger before stepping on.
type Debugger struct {
	engine *runtime.Engine
	output io.Writer
	rl     lineReader

	// script is the recipe passed to Run, as an absolute path.
	script      string
	current     *runtime.Step
	history     []runtime.Step
	breakpoints map[breakpoint]bool
	continuing  bool
}

// breakpoint is a line in one recipe file.
type breakpoint struct {
	script string
	line   int
}

func (b breakpoint) String() string {
	return fmt.Sprintf("%s:%d", filepath.Base(b.script), b.line)
}

// New creates a debugger that drives eng.
func New(eng *runtime.Engine) *Debugger {
	return &Debugger{
		engine:      eng,
		output:      os.Stdout,
		breakpoints: make(map[breakpoint]bool),
	}
}

// Engine returns the underlying runtime engine for external configuration.
func (d *Debugger) Engine() *runtime.Engine {
	return d.engine
}

var commands = []string{"next", "continue", "break", "print vars", "print",
	"where", "history", "ledger", "help", "quit"}

// Run executes the recipe at path, stopping at every directive until the
// user continues or quits.
func (d *Debugger) Run(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	d.script = abs
	if d.rl == nil {
		completer := readline.NewPrefixCompleter()
		for _, cmd := range commands {
			completer.Children = append(completer.Children, readline.PcItem(cmd))
		}
		rl, err := readline.NewEx(&readline.Config{
			Prompt:          "sshrecipe> ",
			AutoComplete:    completer,
			InterruptPrompt: "^C",
			EOFPrompt:       "quit",
		})
		if err != nil {
			return fmt.Errorf("init readline: %w", err)
		}
		d.rl = rl
	}
	defer d.rl.Close()

	fmt.Fprintf(d.output, "sshrecipe debugger: %s\n", path)
	fmt.Fprintf(d.output, "Type 'help' for available commands, 'next' to execute the next directive.\n\n")

	d.engine.BeforeDirective = d.pause
	err = d.engine.RunFile(ctx, path)
	d.engine.BeforeDirective = nil
	switch {
	case errors.Is(err, ErrQuit):
		fmt.Fprintf(d.output, "Exiting debugger.\n")
		return nil
	case err != nil:
		fmt.Fprintf(d.output, "  ✗ %s\n", d.engine.Redact(err.Error()))
		return err
	}
	s := d.engine.Summary()
	fmt.Fprintf(d.output, "  ✓ Recipe complete: %d executed, %d skipped, %d guarded\n", s.Executed, s.Skipped, s.Guarded)
	return nil
}

// pause is installed as the engine's BeforeDirective hook.
func (d *Debugger) pause(ctx context.Context, s runtime.Step) error {
	d.current = &s
	d.history = append(d.history, s)
	if d.continuing && !d.breakpoints[breakpoint{script: s.Script, line: s.Directive.Line}] {
		return nil
	}
	d.continuing = false
	d.handleWhere()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		d.rl.SetPrompt(d.buildPrompt())
		line, err := d.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return ErrQuit
			}
			return err
		}

		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		switch parts[0] {
		case "next", "n":
			return nil
		case "continue", "c":
			d.continuing = true
			return nil
		case "break", "b":
			d.handleBreak(parts)
		case "print", "p":
			d.handlePrint(parts)
		case "where", "w":
			d.handleWhere()
		case "history", "h":
			d.handleHistory()
		case "ledger", "l":
			d.handleLedger()
		case "help", "?":
			d.handleHelp()
		case "quit", "q":
			return ErrQuit
		default:
			fmt.Fprintf(d.output, "Unknown command: %q. Type 'help' for available commands.\n", parts[0])
		}
	}
}

// buildPrompt creates the prompt string: sshrecipe[file:line]>
func (d *Debugger) buildPrompt() string {
	if d.current == nil {
		return "sshrecipe> "
	}
	return fmt.Sprintf("sshrecipe[%s:%d]> ", filepath.Base(d.current.Script), d.current.Directive.Line)
}
