// Package vars holds recipe variables: a global frame plus one frame per
// included recipe, with case-insensitive names, %NAME% expansion and the
// derived variables that follow the target's account and platform.
package vars

import (
	"fmt"
	"os/user"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Well-known variable names.
const (
	IP          = "IP"
	User        = "USER"
	Version     = "VERSION"
	UserOrRoot  = "USER_OR_ROOT"
	PWD         = "PWD"
	Home        = "HOME"
	RootHome    = "ROOT_HOME"
	LocalPath   = "LOCAL_PATH"
	Windows     = "WINDOWS"
	TmuxLogTail = "TMUX_LOG_TAIL"
)

// LocalAddress is the IP value that targets the controller itself.
const LocalAddress = "."

// MissingVariableError is returned when a required variable is absent or empty.
type MissingVariableError struct {
	Name string
}

func (e *MissingVariableError) Error() string {
	return "missing variable " + e.Name
}

// UnresolvedVariableError is returned when %NAME% refers to an absent or
// empty variable.
type UnresolvedVariableError struct {
	Name string
	Text string
}

func (e *UnresolvedVariableError) Error() string {
	return fmt.Sprintf("variable %s is not set or empty (in %q)", e.Name, e.Text)
}

// AddressReassignedError is returned when IP is set to a second, different value.
type AddressReassignedError struct {
	Old, New string
}

func (e *AddressReassignedError) Error() string {
	return fmt.Sprintf("variable IP can be set only once (already %q, got %q)", e.Old, e.New)
}

type frame struct {
	vars   map[string]string
	script string
}

// Env is the variable store for one run. It is not safe for concurrent use.
type Env struct {
	global map[string]string
	frames []frame

	// CurrentUser reports the controller's account name and home directory.
	// It is consulted for local Windows targets without USER.
	CurrentUser func() (name, home string, err error)
}

// New returns an empty environment.
func New() *Env {
	return &Env{
		global:      make(map[string]string),
		CurrentUser: osUser,
	}
}

func osUser() (string, string, error) {
	u, err := user.Current()
	if err != nil {
		return "", "", err
	}
	name := u.Username
	if i := strings.LastIndexAny(name, `\/`); i >= 0 {
		name = name[i+1:]
	}
	return name, u.HomeDir, nil
}

func canon(name string) string { return strings.ToUpper(name) }

// Get looks name up from the innermost frame outwards, then in the global frame.
func (e *Env) Get(name string) (string, bool) {
	k := canon(name)
	for i := len(e.frames) - 1; i >= 0; i-- {
		if v, ok := e.frames[i].vars[k]; ok {
			return v, true
		}
	}
	v, ok := e.global[k]
	return v, ok
}

// GetNormalized is Get with empty values treated as absent.
func (e *Env) GetNormalized(name string) (string, bool) {
	v, ok := e.Get(name)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Mandatory returns the value of name or a *MissingVariableError.
func (e *Env) Mandatory(name string) (string, error) {
	v, ok := e.GetNormalized(name)
	if !ok {
		return "", &MissingVariableError{Name: name}
	}
	return v, nil
}

func (e *Env) target(local bool) map[string]string {
	if local && len(e.frames) > 0 {
		return e.frames[len(e.frames)-1].vars
	}
	return e.global
}

// Set binds name in the innermost frame when local is true, else globally.
func (e *Env) Set(name, value string, local bool) {
	e.target(local)[canon(name)] = value
}

// Unset removes the binding for name from the selected frame.
func (e *Env) Unset(name string, local bool) {
	delete(e.target(local), canon(name))
}

// Rebind updates name in the innermost frame that binds it, or globally
// when no frame does.
func (e *Env) Rebind(name, value string) {
	k := canon(name)
	for i := len(e.frames) - 1; i >= 0; i-- {
		if _, ok := e.frames[i].vars[k]; ok {
			e.frames[i].vars[k] = value
			return
		}
	}
	e.global[k] = value
}

// Assign applies a Set or SetLocal directive. IP may only be set once.
// Changing USER or WINDOWS forgets PWD so it is rederived from the new home;
// a local change pins the new home as PWD for the current frame only.
func (e *Env) Assign(name, value string, local bool) error {
	account := false
	switch canon(name) {
	case IP:
		if old, ok := e.GetNormalized(IP); ok && old != value {
			return &AddressReassignedError{Old: old, New: value}
		}
	case User, Windows:
		account = true
		e.Unset(PWD, local)
	}
	e.Set(name, value, local)
	if err := e.Refresh(); err != nil {
		return err
	}
	if account && local {
		if home, ok := e.GetNormalized(Home); ok {
			e.Set(PWD, home, true)
		}
	}
	return nil
}

// Push enters a recipe file: a fresh frame is opened and scriptPath
// becomes the current script.
func (e *Env) Push(scriptPath string) {
	e.frames = append(e.frames, frame{vars: make(map[string]string), script: scriptPath})
}

// Pop leaves the current recipe file, discarding its local variables.
func (e *Env) Pop() {
	if len(e.frames) > 0 {
		e.frames = e.frames[:len(e.frames)-1]
	}
}

// Depth returns the number of open recipe frames.
func (e *Env) Depth() int { return len(e.frames) }

// ScriptPath returns the recipe currently executing, or "".
func (e *Env) ScriptPath() string {
	if len(e.frames) == 0 {
		return ""
	}
	return e.frames[len(e.frames)-1].script
}

// IsLocal reports whether the target is the controller itself.
func (e *Env) IsLocal() bool {
	v, _ := e.GetNormalized(IP)
	return v == LocalAddress
}

// IsWindows reports whether WINDOWS=1.
func (e *Env) IsWindows() bool {
	v, _ := e.GetNormalized(Windows)
	return v == "1"
}

// Refresh recomputes HOME, ROOT_HOME, USER_OR_ROOT, the default PWD and
// LOCAL_PATH from the current account, platform and script.
func (e *Env) Refresh() error {
	username, hasUser := e.GetNormalized(User)
	if e.IsWindows() {
		var home string
		if !hasUser && e.IsLocal() {
			name, h, err := e.CurrentUser()
			if err != nil {
				return fmt.Errorf("resolve local account: %w", err)
			}
			username, home, hasUser = name, h, true
		}
		if hasUser {
			if home == "" {
				home = `C:\Users\` + username
			}
			e.Set(Home, home, false)
			e.Set(RootHome, home, false)
			e.Set(UserOrRoot, username, false)
		}
	} else {
		if hasUser {
			e.Set(Home, "/home/"+username, false)
			e.Set(UserOrRoot, username, false)
		} else {
			e.Set(Home, "/root", false)
			e.Set(UserOrRoot, "root", false)
		}
		e.Set(RootHome, "/root", false)
	}

	if _, ok := e.GetNormalized(PWD); !ok {
		if home, ok := e.Get(Home); ok {
			e.Set(PWD, home, false)
		} else {
			e.Unset(PWD, false)
		}
	}

	if script := e.ScriptPath(); e.IsLocal() && script != "" {
		e.Set(LocalPath, filepath.Dir(script), false)
	} else {
		e.Unset(LocalPath, false)
	}
	return nil
}

var refPattern = regexp.MustCompile(`%(\w+)%`)

// Expand replaces every %NAME% in text with its normalized value.
func (e *Env) Expand(text string) (string, error) {
	var missing string
	out := refPattern.ReplaceAllStringFunc(text, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := e.GetNormalized(name)
		if !ok {
			if missing == "" {
				missing = name
			}
			return m
		}
		return v
	})
	if missing != "" {
		return "", &UnresolvedVariableError{Name: missing, Text: text}
	}
	return out, nil
}

// ExpandAll expands every element of args.
func (e *Env) ExpandAll(args []string) ([]string, error) {
	out := make([]string, len(args))
	for i, a := range args {
		v, err := e.Expand(a)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Binding is one visible variable.
type Binding struct {
	Name  string
	Value string
	Local bool
}

// Visible lists every variable as Get would resolve it, sorted by name.
func (e *Env) Visible() []Binding {
	seen := make(map[string]Binding)
	for k, v := range e.global {
		seen[k] = Binding{Name: k, Value: v}
	}
	for _, f := range e.frames {
		for k, v := range f.vars {
			seen[k] = Binding{Name: k, Value: v, Local: true}
		}
	}
	out := make([]Binding, 0, len(seen))
	for _, b := range seen {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
