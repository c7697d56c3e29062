// Package replay runs recipes against pre-recorded command responses
// instead of a live target, and records live runs into scenarios.
package replay

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario is a replay file: ordered command responses plus an optional
// fallback for commands that match no entry.
type Scenario struct {
	Commands []ScenarioCommand `yaml:"commands"`
	// Fallback answers unmatched commands. Without it replay is fail-closed.
	Fallback *Response `yaml:"fallback,omitempty"`
}

// ScenarioCommand is a pre-recorded command with its expected output.
// In Argv, "*" matches any single argument and a trailing "**" matches
// the rest. Repeat entries may answer more than once.
type ScenarioCommand struct {
	Argv     []string `yaml:"argv"`
	Dir      string   `yaml:"dir,omitempty"`
	Elevate  bool     `yaml:"elevate,omitempty"`
	Repeat   bool     `yaml:"repeat,omitempty"`
	Response `yaml:",inline"`
}

// Response is the recorded outcome of one command.
type Response struct {
	Stdout   string `yaml:"stdout,omitempty"`
	Stderr   string `yaml:"stderr,omitempty"`
	ExitCode int    `yaml:"exit_code"`
}

// LoadScenario reads and parses a scenario YAML file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML bytes.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if len(s.Commands) == 0 && s.Fallback == nil {
		return nil, fmt.Errorf("scenario must have at least one command or a fallback")
	}
	for i, c := range s.Commands {
		if len(c.Argv) == 0 {
			return nil, fmt.Errorf("scenario command %d has an empty argv", i+1)
		}
	}
	return &s, nil
}

// Save writes the scenario as YAML.
func (s *Scenario) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal scenario: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
