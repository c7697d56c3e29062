// Package governance applies the operator's safety policy to a run:
// command allow/deny lists, benign exit codes, and output redaction.
package governance

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

// Policy is the governance section of a profile.
type Policy struct {
	AllowedCommands []string         `yaml:"allowed_commands,omitempty"  json:"allowed_commands,omitempty"`
	DeniedCommands  []string         `yaml:"denied_commands,omitempty"   json:"denied_commands,omitempty"`
	SecretVariables []string         `yaml:"secret_variables,omitempty"  json:"secret_variables,omitempty"  jsonschema:"description=Glob patterns of recipe variables whose values are masked in logs"`
	Redact          []RedactionRule  `yaml:"redact,omitempty"            json:"redact,omitempty"`
	BenignExitCodes []BenignExitRule `yaml:"benign_exit_codes,omitempty" json:"benign_exit_codes,omitempty"`
}

// PolicyError is returned when a command is rejected.
type PolicyError struct {
	Command string
	Reason  string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("command %q %s", e.Command, e.Reason)
}

// Engine evaluates a compiled Policy.
type Engine struct {
	AllowedCommands []string
	DeniedCommands  []string
	SecretVariables []string

	redactor *redactor
	benign   []*compiledBenignRule
}

// New compiles policy. A nil policy permits every command. A nil
// BenignExitCodes list means DefaultBenignExitCodes; an explicit empty list
// disables them.
func New(policy *Policy) (*Engine, error) {
	if policy == nil {
		policy = &Policy{}
	}
	benignRules := policy.BenignExitCodes
	if benignRules == nil {
		benignRules = DefaultBenignExitCodes()
	}
	red, err := newRedactor(policy.Redact)
	if err != nil {
		return nil, fmt.Errorf("compile redaction rules: %w", err)
	}
	benign, err := compileBenignRules(benignRules)
	if err != nil {
		return nil, err
	}
	for _, pattern := range policy.SecretVariables {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("invalid secret variable pattern %q: %w", pattern, err)
		}
	}
	return &Engine{
		AllowedCommands: policy.AllowedCommands,
		DeniedCommands:  policy.DeniedCommands,
		SecretVariables: policy.SecretVariables,
		redactor:        red,
		benign:          benign,
	}, nil
}

// CheckCommand validates argv[0] against the denylist and allowlist.
// Deny takes precedence over allow. Names compare by base name, so
// /usr/bin/curl matches "curl".
func (g *Engine) CheckCommand(command string) error {
	name := commandName(command)
	if slices.Contains(g.DeniedCommands, name) || slices.Contains(g.DeniedCommands, command) {
		return &PolicyError{Command: command, Reason: "is denied by governance policy"}
	}
	if len(g.AllowedCommands) > 0 && !slices.Contains(g.AllowedCommands, name) && !slices.Contains(g.AllowedCommands, command) {
		return &PolicyError{Command: command, Reason: "is not in the governance allowlist"}
	}
	return nil
}

// IsSecretVariable reports whether a recipe variable's value must be masked.
func (g *Engine) IsSecretVariable(name string) bool {
	for _, pattern := range g.SecretVariables {
		if ok, _ := filepath.Match(strings.ToUpper(pattern), strings.ToUpper(name)); ok {
			return true
		}
	}
	return false
}

// commandName strips directories and a Windows .exe suffix.
func commandName(command string) string {
	base := command
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	if strings.EqualFold(filepath.Ext(base), ".exe") {
		base = base[:len(base)-4]
	}
	return base
}
