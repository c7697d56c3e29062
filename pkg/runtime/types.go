// Package runtime drives recipe execution: it walks directives in order,
// applies variable and ledger rules, and hands commands to the target.
package runtime

import (
	"fmt"
	"time"

	"github.com/ormasoftchile/sshrecipe/pkg/transport"
)

// Outcome classifies how a directive finished.
type Outcome int

const (
	// OutcomeExecuted means the directive performed work on the target.
	OutcomeExecuted Outcome = iota
	// OutcomeSkipped means the ledger already held the fingerprint.
	OutcomeSkipped
	// OutcomeGuarded means an IfDef or IfNotDef condition was false.
	OutcomeGuarded
	// OutcomeState means only engine state changed (Set, cd, include).
	OutcomeState
)

func (o Outcome) String() string {
	switch o {
	case OutcomeExecuted:
		return "executed"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeGuarded:
		return "guarded"
	case OutcomeState:
		return "state"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// MarshalText renders the outcome name.
func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// UnmarshalText parses an outcome name.
func (o *Outcome) UnmarshalText(b []byte) error {
	for _, c := range []Outcome{OutcomeExecuted, OutcomeSkipped, OutcomeGuarded, OutcomeState} {
		if c.String() == string(b) {
			*o = c
			return nil
		}
	}
	return fmt.Errorf("unknown outcome %q", b)
}

// AbortError is returned when a recipe reaches an Abort directive.
type AbortError struct {
	Script string
	Line   int
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("encountered ABORT directive at %s:%d", e.Script, e.Line)
}

// ProcessError reports a command that exited with a code that was neither
// allowed nor benign.
type ProcessError struct {
	Argv   []string
	Result *transport.CommandResult
}

func (e *ProcessError) Error() string {
	return e.Result.String()
}

// ArgumentError reports a directive called with too few arguments or a
// malformed one.
type ArgumentError struct {
	Directive string
	Msg       string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Directive, e.Msg)
}

// DirectiveError attaches the recipe location to a failure.
type DirectiveError struct {
	Script    string
	Line      int
	Directive string
	Err       error
}

func (e *DirectiveError) Error() string {
	return fmt.Sprintf("%s:%d: %s: %v", e.Script, e.Line, e.Directive, e.Err)
}

func (e *DirectiveError) Unwrap() error { return e.Err }

// DirectiveResult is the trace record for one dispatched directive.
type DirectiveResult struct {
	RunID     string        `json:"run_id"`
	Script    string        `json:"script"`
	Line      int           `json:"line"`
	Directive string        `json:"directive"`
	Outcome   Outcome       `json:"outcome"`
	Argv      []string      `json:"argv,omitempty"`
	ExitCode  *int          `json:"exit_code,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
	Error     string        `json:"error,omitempty"`
}

// TraceEvent wraps a DirectiveResult for JSONL trace output.
type TraceEvent struct {
	Type      string           `json:"type"` // directive_result
	Timestamp time.Time        `json:"timestamp"`
	RunID     string           `json:"run_id"`
	Result    *DirectiveResult `json:"result"`
}

// Summary counts directive outcomes for one run.
type Summary struct {
	Executed int `yaml:"executed" json:"executed"`
	Skipped  int `yaml:"skipped"  json:"skipped"`
	Guarded  int `yaml:"guarded"  json:"guarded"`
	State    int `yaml:"state"    json:"state"`
}

func (s *Summary) add(o Outcome) {
	switch o {
	case OutcomeExecuted:
		s.Executed++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeGuarded:
		s.Guarded++
	case OutcomeState:
		s.State++
	}
}
