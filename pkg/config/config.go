// Package config loads the operator profile (sshrecipe.yaml) that tunes a
// run: logging, ledger location, ssh and upload settings, tmux timings and
// the governance policy.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/ormasoftchile/sshrecipe/pkg/governance"
)

// FileName is the profile looked up next to a recipe.
const FileName = "sshrecipe.yaml"

// Environment overrides.
const (
	EnvConfig    = "SSHRECIPE_CONFIG"
	EnvLedgerDir = "SSHRECIPE_LEDGER_DIR"
	EnvLogLevel  = "SSHRECIPE_LOG_LEVEL"
)

// Upload transports.
const (
	UploadRclone = "rclone"
	UploadSSH    = "ssh"
)

// Profile is the root of sshrecipe.yaml.
type Profile struct {
	LogLevel          string             `yaml:"log_level,omitempty"          json:"log_level,omitempty"          jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	LedgerDir         string             `yaml:"ledger_dir,omitempty"         json:"ledger_dir,omitempty"`
	SSH               SSHConfig          `yaml:"ssh,omitempty"                json:"ssh,omitempty"`
	Upload            UploadConfig       `yaml:"upload,omitempty"             json:"upload,omitempty"`
	Tmux              TmuxConfig         `yaml:"tmux,omitempty"               json:"tmux,omitempty"`
	ReconnectInterval Duration           `yaml:"reconnect_interval,omitempty" json:"reconnect_interval,omitempty"`
	Governance        *governance.Policy `yaml:"governance,omitempty"         json:"governance,omitempty"`
}

// SSHConfig configures the ssh client used for commands and native uploads.
type SSHConfig struct {
	Binary     string   `yaml:"binary,omitempty"      json:"binary,omitempty"`
	Superuser  string   `yaml:"superuser,omitempty"   json:"superuser,omitempty"`
	KeyFile    string   `yaml:"key_file,omitempty"    json:"key_file,omitempty"`
	Port       int      `yaml:"port,omitempty"        json:"port,omitempty"        jsonschema:"minimum=1,maximum=65535"`
	KnownHosts string   `yaml:"known_hosts,omitempty" json:"known_hosts,omitempty"`
	Options    []string `yaml:"options,omitempty"     json:"options,omitempty"     jsonschema:"description=Extra arguments passed to the ssh binary before the destination"`
}

// UploadConfig selects how Upload directives copy files.
type UploadConfig struct {
	Transport    string   `yaml:"transport,omitempty"     json:"transport,omitempty"     jsonschema:"enum=rclone,enum=ssh"`
	RcloneBinary string   `yaml:"rclone_binary,omitempty" json:"rclone_binary,omitempty"`
	ExtraArgs    []string `yaml:"extra_args,omitempty"    json:"extra_args,omitempty"`
}

// TmuxConfig tunes background session handling.
type TmuxConfig struct {
	PollInterval  Duration `yaml:"poll_interval,omitempty"   json:"poll_interval,omitempty"`
	LaunchTimeout Duration `yaml:"launch_timeout,omitempty"  json:"launch_timeout,omitempty"`
	LogTailScript string   `yaml:"log_tail_script,omitempty" json:"log_tail_script,omitempty" jsonschema:"description=Script under the target HOME that wraps sessions when TMUX_LOG_TAIL=1"`
}

// Duration is a time.Duration written as a Go duration string ("500ms").
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML renders the duration string.
func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

// MarshalJSON renders the duration string.
func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

// UnmarshalJSON parses a duration string.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// JSONSchema describes Duration as a duration string.
func (Duration) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "string",
		Pattern:     `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`,
		Description: "Go duration, e.g. 500ms or 30s",
	}
}

// Default returns the built-in profile.
func Default() *Profile {
	return &Profile{
		LogLevel: "info",
		SSH: SSHConfig{
			Binary:     "ssh",
			Superuser:  "root",
			KeyFile:    "~/.ssh/id_ed25519",
			Port:       22,
			KnownHosts: "~/.ssh/known_hosts",
		},
		Upload: UploadConfig{
			Transport:    UploadRclone,
			RcloneBinary: "rclone",
		},
		Tmux: TmuxConfig{
			PollInterval:  Duration(500 * time.Millisecond),
			LaunchTimeout: Duration(5 * time.Second),
			LogTailScript: "log-tail.sh",
		},
		ReconnectInterval: Duration(30 * time.Second),
	}
}

// LoadFile reads a profile with strict unknown-field rejection.
func LoadFile(path string) (*Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open profile: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load decodes a profile on top of Default. Unknown fields are rejected.
func Load(r io.Reader) (*Profile, error) {
	p := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return p, nil
}

// Find locates the profile for a run: an explicit path wins, then
// $SSHRECIPE_CONFIG, then sshrecipe.yaml beside the recipe. It returns ""
// when no profile applies.
func Find(explicit, recipePath string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv(EnvConfig); env != "" {
		return env
	}
	if recipePath != "" {
		candidate := filepath.Join(filepath.Dir(recipePath), FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// Resolve loads the profile selected by Find, or Default when none
// applies, and applies environment overrides.
func Resolve(explicit, recipePath string) (*Profile, error) {
	p := Default()
	if path := Find(explicit, recipePath); path != "" {
		loaded, errs := ValidateFile(path)
		if len(errs) > 0 {
			return nil, fmt.Errorf("profile %s: %w", path, errs[0])
		}
		p = loaded
	}
	ApplyEnv(p)
	return p, nil
}

// ApplyEnv overlays SSHRECIPE_LEDGER_DIR and SSHRECIPE_LOG_LEVEL.
func ApplyEnv(p *Profile) {
	if v := os.Getenv(EnvLedgerDir); v != "" {
		p.LedgerDir = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		p.LogLevel = v
	}
}

// ExpandHome replaces a leading ~ with the controller's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
