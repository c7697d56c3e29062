package governance

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// SecretMask replaces secret variable values in displayed text.
const SecretMask = "***"

// RedactionRule is a regex pattern-replacement pair for sanitizing output.
// Replace may use $1-style references to pattern groups.
type RedactionRule struct {
	Pattern string `yaml:"pattern" json:"pattern" jsonschema:"required"`
	Replace string `yaml:"replace" json:"replace" jsonschema:"required"`
}

type redaction struct {
	re      *regexp.Regexp
	replace string
}

// redactor masks known secret values first, then applies the profile's
// pattern rules.
type redactor struct {
	rules []redaction
	// secrets is kept longest first so a secret containing another is
	// masked whole.
	secrets []string
}

func newRedactor(rules []RedactionRule) (*redactor, error) {
	r := &redactor{}
	for i, rule := range rules {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("redact[%d]: %w", i, err)
		}
		r.rules = append(r.rules, redaction{re: re, replace: rule.Replace})
	}
	return r, nil
}

func (r *redactor) add(secret string) {
	for _, s := range r.secrets {
		if s == secret {
			return
		}
	}
	r.secrets = append(r.secrets, secret)
	sort.SliceStable(r.secrets, func(i, j int) bool { return len(r.secrets[i]) > len(r.secrets[j]) })
}

func (r *redactor) apply(s string) string {
	for _, secret := range r.secrets {
		s = strings.ReplaceAll(s, secret, SecretMask)
	}
	for _, rule := range r.rules {
		s = rule.re.ReplaceAllString(s, rule.replace)
	}
	return s
}

// Redact masks secret variable values, then applies the redaction rules.
func (g *Engine) Redact(s string) string {
	if g.redactor == nil {
		return s
	}
	return g.redactor.apply(s)
}

// AddSecret masks every later occurrence of value in displayed output.
func (g *Engine) AddSecret(value string) {
	if value == "" {
		return
	}
	if g.redactor == nil {
		g.redactor = &redactor{}
	}
	g.redactor.add(value)
}
