package governance

import (
	"fmt"
	"slices"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// WingetAlreadyInstalled is winget's "already installed, no update
// available" exit code.
const WingetAlreadyInstalled = -1978335189

// BenignExitRule declares non-zero exit codes of one command that mean
// "nothing to do" rather than failure. When, if set, is an expr-lang
// condition over command, args, exit_code, stdout and stderr.
type BenignExitRule struct {
	Command   string `yaml:"command"        json:"command"        jsonschema:"required"`
	ExitCodes []int  `yaml:"exit_codes"     json:"exit_codes"     jsonschema:"required,minItems=1"`
	When      string `yaml:"when,omitempty" json:"when,omitempty"`
}

// DefaultBenignExitCodes returns the rules used when a profile sets none.
func DefaultBenignExitCodes() []BenignExitRule {
	return []BenignExitRule{{Command: "winget", ExitCodes: []int{WingetAlreadyInstalled}}}
}

type compiledBenignRule struct {
	BenignExitRule
	program *vm.Program
}

func benignEnv(command string, args []string, exitCode int, stdout, stderr string) map[string]any {
	return map[string]any{
		"command":   command,
		"args":      args,
		"exit_code": exitCode,
		"stdout":    stdout,
		"stderr":    stderr,
	}
}

func compileBenignRules(rules []BenignExitRule) ([]*compiledBenignRule, error) {
	var out []*compiledBenignRule
	for _, r := range rules {
		c := &compiledBenignRule{BenignExitRule: r}
		if w := strings.TrimSpace(r.When); w != "" {
			program, err := expr.Compile(w, expr.Env(benignEnv("", nil, 0, "", "")), expr.AsBool())
			if err != nil {
				return nil, fmt.Errorf("compile benign exit condition %q: %w", w, err)
			}
			c.program = program
		}
		out = append(out, c)
	}
	return out, nil
}

// IsBenign reports whether a non-zero exit of argv should be treated as
// success.
func (g *Engine) IsBenign(argv []string, exitCode int, stdout, stderr string) (bool, error) {
	if len(argv) == 0 {
		return false, nil
	}
	name := commandName(argv[0])
	for _, r := range g.benign {
		if !strings.EqualFold(r.Command, name) || !slices.Contains(r.ExitCodes, exitCode) {
			continue
		}
		if r.program == nil {
			return true, nil
		}
		out, err := expr.Run(r.program, benignEnv(name, argv[1:], exitCode, stdout, stderr))
		if err != nil {
			return false, fmt.Errorf("eval benign exit condition %q: %w", r.When, err)
		}
		if ok, _ := out.(bool); ok {
			return true, nil
		}
	}
	return false, nil
}
