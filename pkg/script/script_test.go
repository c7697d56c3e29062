package script

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSplitArgs(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{`echo hello`, []string{"echo", "hello"}},
		{"  a\t b  ", []string{"a", "b"}},
		{`"a b" c`, []string{"a b", "c"}},
		{`a"b c"d`, []string{"ab cd"}},
		{`""`, []string{""}},
		{`"say ""hi"""`, []string{`say "hi"`}},
		{`a\\b`, []string{`a\\b`}},
		{`a\"b`, []string{`a"b`}},
		{`a\\"b c"`, []string{`a\b c`}},
		{`a\\\"b`, []string{`a\"b`}},
		{`C:\Program" "Files\`, []string{`C:\Program Files\`}},
		{`"unterminated arg`, []string{"unterminated arg"}},
		{``, nil},
	}
	for _, tt := range tests {
		got := SplitArgs(tt.in)
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("SplitArgs(%q) mismatch (-want +got):\n%s", tt.in, diff)
		}
	}
}

// TestJoinArgsRoundTrip verifies that quoting and re-parsing returns the
// original vector for arguments with spaces, quotes and backslashes.
func TestJoinArgsRoundTrip(t *testing.T) {
	vectors := [][]string{
		{"echo", "hello world"},
		{`He said "hi" $HOME`},
		{`C:\Program Files\`, `trailing\\`},
		{`\"`, `\\"`, `"`, `""`},
		{"", "x", ""},
		{"tab\there", `a\b\c`},
		{`\`, `\\`, `\\\`},
	}
	for _, v := range vectors {
		line := JoinArgs(v)
		got := SplitArgs(line)
		if diff := cmp.Diff(v, got); diff != "" {
			t.Errorf("round trip through %q mismatch (-want +got):\n%s", line, diff)
		}
	}
}

func TestParse(t *testing.T) {
	lines := []string{
		"# provision web box",
		"",
		"IP=10.0.0.5",
		"USER=deploy [ignored]",
		`  apt-get install -y "nginx" [nginx, 2]`,
		"echo done [7]",
		"echo [not-meta]",
		"echo x [a, b, 3, 4]",
	}
	got, err := Parse(lines)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []Directive{
		{Args: []string{"Set", "IP", "10.0.0.5"}, Line: 3},
		{Args: []string{"Set", "USER", "deploy"}, Line: 4},
		{Args: []string{"apt-get", "install", "-y", "nginx"}, Key: "nginx", Bump: "2", Line: 5},
		{Args: []string{"echo", "done"}, Bump: "7", Line: 6},
		{Args: []string{"echo"}, Key: "not-meta", Line: 7},
		{Args: []string{"echo", "x"}, Key: "a", Bump: "3", Line: 8},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Parse mismatch (-want +got):\n%s", diff)
	}
}

func TestParseAssignmentNeedsWordName(t *testing.T) {
	got, err := Parse([]string{`--opt=1 run`, `A-B=c`, `X=`})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []Directive{
		{Args: []string{"--opt=1", "run"}, Line: 1},
		{Args: []string{"A-B=c"}, Line: 2},
		{Args: []string{"Set", "X", ""}, Line: 3},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Parse mismatch (-want +got):\n%s", diff)
	}
}

func TestMetadataRequiresLeadingSpace(t *testing.T) {
	got, err := Parse([]string{"echo x[k]"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got[0].Key != "" || got[0].Args[1] != "x[k]" {
		t.Errorf("unexpected directive %+v", got[0])
	}
}

func TestDirectiveString(t *testing.T) {
	d := Directive{Args: []string{"cp", "a b", "c"}, Key: "copy", Bump: "2"}
	if got, want := d.String(), `cp "a b" c [copy, 2]`; got != want {
		t.Errorf("String() = %s, want %s", got, want)
	}
	again, err := Parse([]string{d.String()})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	again[0].Line = 0
	if diff := cmp.Diff(d, again[0]); diff != "" {
		t.Errorf("reparse mismatch (-want +got):\n%s", diff)
	}
}

func TestParseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "web.sshrecipe")
	body := strings.Join([]string{"IP=.", "echo hello"}, "\r\n")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	ds, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if len(ds) != 2 || ds[1].Name() != "echo" || ds[1].Args[1] != "hello" {
		t.Errorf("unexpected directives: %+v", ds)
	}

	_, err = ParseFile(filepath.Join(dir, "missing.sshrecipe"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file error = %v, want os.ErrNotExist", err)
	}
}
