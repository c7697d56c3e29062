package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/invopop/jsonschema"
	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/ormasoftchile/sshrecipe/pkg/governance"
)

// ValidationError represents a single profile problem with its location.
type ValidationError struct {
	Phase   string `json:"phase"` // structural, semantic, domain
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("[%s] %s", e.Phase, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Phase, e.Path, e.Message)
}

// GenerateJSONSchema produces a JSON Schema Draft 2020-12 document for
// sshrecipe.yaml from the Profile struct.
func GenerateJSONSchema() ([]byte, error) {
	r := new(jsonschema.Reflector)
	r.DoNotReference = false

	s := r.Reflect(&Profile{})
	s.ID = "https://github.com/ormasoftchile/sshrecipe/schemas/profile-v1.json"
	s.Title = "sshrecipe profile"
	s.Description = "Operator settings for sshrecipe runs"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return data, nil
}

// ValidateFile loads a profile and runs the structural, semantic and
// domain checks. The profile is returned whenever it decoded.
func ValidateFile(path string) (*Profile, []*ValidationError) {
	p, err := LoadFile(path)
	if err != nil {
		return nil, []*ValidationError{{Phase: "structural", Message: err.Error()}}
	}
	if errs := Validate(p); len(errs) > 0 {
		return p, errs
	}
	return p, nil
}

// Validate checks a decoded profile against the JSON Schema and the
// domain rules.
func Validate(p *Profile) []*ValidationError {
	errs := validateSemantic(p)
	return append(errs, validateDomain(p)...)
}

func validateSemantic(p *Profile) []*ValidationError {
	fail := func(format string, args ...any) []*ValidationError {
		return []*ValidationError{{Phase: "semantic", Message: fmt.Sprintf(format, args...)}}
	}

	schemaJSON, err := GenerateJSONSchema()
	if err != nil {
		return fail("generate schema: %v", err)
	}
	schemaDoc, err := sjsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return fail("unmarshal schema: %v", err)
	}
	c := sjsonschema.NewCompiler()
	if err := c.AddResource("profile-v1.json", schemaDoc); err != nil {
		return fail("add schema resource: %v", err)
	}
	sch, err := c.Compile("profile-v1.json")
	if err != nil {
		return fail("compile schema: %v", err)
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fail("marshal for schema validation: %v", err)
	}
	doc, err := sjsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return fail("unmarshal document: %v", err)
	}

	err = sch.Validate(doc)
	if err == nil {
		return nil
	}
	ve, ok := err.(*sjsonschema.ValidationError)
	if !ok {
		return fail("%v", err)
	}
	var errs []*ValidationError
	for _, cause := range flattenValidationErrors(ve) {
		errs = append(errs, &ValidationError{
			Phase:   "semantic",
			Path:    strings.Join(cause.InstanceLocation, "/"),
			Message: fmt.Sprintf("%v", cause.ErrorKind),
		})
	}
	return errs
}

// flattenValidationErrors recursively collects all leaf validation errors.
func flattenValidationErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flattenValidationErrors(cause)...)
	}
	return flat
}

func validateDomain(p *Profile) []*ValidationError {
	var errs []*ValidationError
	if _, err := log.ParseLevel(p.LogLevel); err != nil {
		errs = append(errs, &ValidationError{Phase: "domain", Path: "log_level", Message: err.Error()})
	}
	if p.Tmux.PollInterval < 0 || p.Tmux.LaunchTimeout < 0 || p.ReconnectInterval < 0 {
		errs = append(errs, &ValidationError{Phase: "domain", Path: "tmux", Message: "durations must not be negative"})
	}
	if p.Governance != nil {
		if _, err := governance.New(p.Governance); err != nil {
			errs = append(errs, &ValidationError{Phase: "domain", Path: "governance", Message: err.Error()})
		}
	}
	return errs
}
