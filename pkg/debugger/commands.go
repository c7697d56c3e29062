package debugger

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ormasoftchile/sshrecipe/pkg/ledger"
)

// handleWhere shows the directive about to run.
func (d *Debugger) handleWhere() {
	if d.current == nil {
		fmt.Fprintf(d.output, "Not started.\n")
		return
	}
	fmt.Fprintf(d.output, "→ %s:%d  %s\n", filepath.Base(d.current.Script), d.current.Directive.Line,
		d.engine.Redact(d.current.Directive.String()))
}

// handleBreak toggles a breakpoint, or lists them. A bare line number
// refers to the recipe currently paused in; file:line names another recipe
// relative to it.
func (d *Debugger) handleBreak(parts []string) {
	if len(parts) < 2 {
		if len(d.breakpoints) == 0 {
			fmt.Fprintf(d.output, "No breakpoints set.\n")
			return
		}
		bps := make([]breakpoint, 0, len(d.breakpoints))
		for bp := range d.breakpoints {
			bps = append(bps, bp)
		}
		sort.Slice(bps, func(i, j int) bool {
			if bps[i].script != bps[j].script {
				return bps[i].script < bps[j].script
			}
			return bps[i].line < bps[j].line
		})
		for _, bp := range bps {
			fmt.Fprintf(d.output, "  %s\n", bp)
		}
		return
	}
	bp, ok := d.parseBreakpoint(parts[1])
	if !ok {
		fmt.Fprintf(d.output, "Usage: break [file:]<line>\n")
		return
	}
	if d.breakpoints[bp] {
		delete(d.breakpoints, bp)
		fmt.Fprintf(d.output, "  Breakpoint at %s cleared\n", bp)
		return
	}
	d.breakpoints[bp] = true
	fmt.Fprintf(d.output, "  Breakpoint at %s set\n", bp)
}

func (d *Debugger) parseBreakpoint(arg string) (breakpoint, bool) {
	base := d.script
	if d.current != nil {
		base = d.current.Script
	}
	script := base
	lineText := arg
	if file, l, found := strings.Cut(arg, ":"); found {
		if file == "" {
			return breakpoint{}, false
		}
		script = file
		if !filepath.IsAbs(script) {
			script = filepath.Join(filepath.Dir(base), file)
		}
		lineText = l
	}
	line, err := strconv.Atoi(lineText)
	if err != nil || line < 1 || script == "" {
		return breakpoint{}, false
	}
	return breakpoint{script: filepath.Clean(script), line: line}, true
}

// handlePrint displays all visible variables or a single one.
func (d *Debugger) handlePrint(parts []string) {
	if len(parts) < 2 {
		fmt.Fprintf(d.output, "Usage: print vars|<NAME>\n")
		return
	}
	if parts[1] == "vars" {
		bindings := d.engine.Env.Visible()
		if len(bindings) == 0 {
			fmt.Fprintf(d.output, "No variables defined.\n")
			return
		}
		for _, b := range bindings {
			scope := ""
			if b.Local {
				scope = " (local)"
			}
			fmt.Fprintf(d.output, "  %s = %q%s\n", b.Name, d.engine.Redact(b.Value), scope)
		}
		return
	}
	v, ok := d.engine.Env.Get(parts[1])
	if !ok {
		fmt.Fprintf(d.output, "  %s is not defined\n", strings.ToUpper(parts[1]))
		return
	}
	fmt.Fprintf(d.output, "  %s = %q\n", strings.ToUpper(parts[1]), d.engine.Redact(v))
}

// handleHistory lists the directives reached so far.
func (d *Debugger) handleHistory() {
	if len(d.history) == 0 {
		fmt.Fprintf(d.output, "No directives reached yet.\n")
		return
	}
	for i, s := range d.history {
		marker := "✓"
		if i == len(d.history)-1 {
			marker = "→"
		}
		fmt.Fprintf(d.output, "  %s %s:%d  %s\n", marker, filepath.Base(s.Script), s.Directive.Line,
			d.engine.Redact(s.Directive.String()))
	}
}

// handleLedger shows the ledger of the current target.
func (d *Debugger) handleLedger() {
	l := d.engine.Ledger()
	if l == nil {
		fmt.Fprintf(d.output, "No ledger open (target not contacted yet, or exporting).\n")
		return
	}
	fmt.Fprintf(d.output, "  %s (%d entries)\n", l.Path(), l.Len())
	entries, err := ledger.ReadEntries(l.Path())
	if err != nil {
		fmt.Fprintf(d.output, "  Error: %v\n", err)
		return
	}
	const tail = 10
	if len(entries) > tail {
		entries = entries[len(entries)-tail:]
	}
	for _, e := range entries {
		fmt.Fprintf(d.output, "    %s\n", d.engine.Redact(e))
	}
}

// handleHelp displays available commands.
func (d *Debugger) handleHelp() {
	fmt.Fprintln(d.output, "Available commands:")
	fmt.Fprintln(d.output, "  next (n)         Execute the next directive")
	fmt.Fprintln(d.output, "  continue (c)     Run until a breakpoint or the end")
	fmt.Fprintln(d.output, "  break (b) [f:]N  Toggle a breakpoint; no argument lists them")
	fmt.Fprintln(d.output, "  print vars       Show visible variables")
	fmt.Fprintln(d.output, "  print <NAME>     Show one variable")
	fmt.Fprintln(d.output, "  where (w)        Show the directive about to run")
	fmt.Fprintln(d.output, "  history (h)      Show directives reached so far")
	fmt.Fprintln(d.output, "  ledger (l)       Show the target's ledger")
	fmt.Fprintln(d.output, "  help (?)         Show this help")
	fmt.Fprintln(d.output, "  quit (q)         Stop the recipe and exit")
}
