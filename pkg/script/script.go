// Package script parses recipe files into directives.
//
// A recipe is one directive per line. Blank lines and lines starting with
// '#' are ignored. A line may end with a metadata suffix such as
// "[install-node, 3]": the first non-numeric entry becomes the directive's
// key and the first numeric entry its bump. "NAME=value" is shorthand for
// "Set NAME value". Everything else is split into arguments with the
// Windows CRT command-line rules, so recipes quote the same way whether
// they target POSIX or Windows machines.
package script

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// FileSuffix marks a token as a nested recipe to include.
const FileSuffix = ".sshrecipe"

// Directive is one parsed recipe line.
type Directive struct {
	Args []string `json:"args" yaml:"args"`
	Key  string   `json:"key,omitempty" yaml:"key,omitempty"`
	Bump string   `json:"bump,omitempty" yaml:"bump,omitempty"`
	Line int      `json:"line" yaml:"line"`
}

// Name returns the first argument, or "" for an empty directive.
func (d Directive) Name() string {
	if len(d.Args) == 0 {
		return ""
	}
	return d.Args[0]
}

// String renders the directive back into recipe syntax.
func (d Directive) String() string {
	s := JoinArgs(d.Args)
	var meta []string
	if d.Key != "" {
		meta = append(meta, d.Key)
	}
	if d.Bump != "" {
		meta = append(meta, d.Bump)
	}
	if len(meta) > 0 {
		s += " [" + strings.Join(meta, ", ") + "]"
	}
	return s
}

// SyntaxError reports a line that cannot be turned into a directive.
type SyntaxError struct {
	Line int
	Text string
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("line %d: %s: %q", e.Line, e.Msg, e.Text)
}

// ParseFile reads and parses a recipe file.
func ParseFile(path string) ([]Directive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open recipe: %w", err)
	}
	defer f.Close()

	ds, err := ParseReader(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return ds, nil
}

// ParseReader reads all lines from r and parses them.
func ParseReader(r io.Reader) ([]Directive, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read recipe: %w", err)
	}
	return Parse(lines)
}

// Parse converts raw lines into directives. The whole input is parsed
// before anything is returned.
func Parse(lines []string) ([]Directive, error) {
	var out []Directive
	for i, raw := range lines {
		lineNo := i + 1
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		d := Directive{Line: lineNo}
		line, d.Key, d.Bump = splitMetadata(line)

		if name, value, ok := splitAssignment(line); ok {
			out = append(out, Directive{Args: []string{"Set", name, value}, Line: lineNo})
			continue
		}

		args := SplitArgs(line)
		if len(args) == 0 {
			return nil, &SyntaxError{Line: lineNo, Text: raw, Msg: "empty directive"}
		}
		d.Args = args
		out = append(out, d)
	}
	return out, nil
}

// splitMetadata strips a trailing "<space>[a, b]" suffix.
func splitMetadata(line string) (rest, key, bump string) {
	if !strings.HasSuffix(line, "]") {
		return line, "", ""
	}
	open := strings.LastIndexByte(line, '[')
	if open <= 0 {
		return line, "", ""
	}
	inner := line[open+1 : len(line)-1]
	if strings.ContainsAny(inner, "[]") {
		return line, "", ""
	}
	before := line[:open]
	if trimmed := strings.TrimRight(before, " \t"); len(trimmed) == len(before) {
		return line, "", ""
	}

	for _, tok := range strings.Split(inner, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if _, err := strconv.Atoi(tok); err == nil {
			if bump == "" {
				bump = tok
			}
		} else if key == "" {
			key = tok
		}
	}
	return strings.TrimSpace(before), key, bump
}

// splitAssignment recognises NAME=value where NAME is a run of word
// characters.
func splitAssignment(line string) (name, value string, ok bool) {
	eq := strings.IndexByte(line, '=')
	if eq <= 0 {
		return "", "", false
	}
	for i := 0; i < eq; i++ {
		if !isWordByte(line[i]) {
			return "", "", false
		}
	}
	return line[:eq], line[eq+1:], true
}

func isWordByte(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}
