package remotepath

import (
	"errors"
	"testing"
)

func TestNormalizePosix(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/a/b/../c", "/a/c"},
		{"/a/b/", "/a/b/"},
		{"/a/./b", "/a/b"},
		{"//a//b", "/a/b"},
		{`/a\b`, "/a/b"},
		{"/", "/"},
		{"/a/../b", "/b"},
		{"/srv/app/./", "/srv/app/"},
	}
	for _, tt := range tests {
		got, err := Normalize(tt.in, false)
		if err != nil {
			t.Errorf("Normalize(%q): unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeTraversal(t *testing.T) {
	for _, in := range []string{"/a/..", "/..", "/a/../..", "/a/b/../../"} {
		_, err := Normalize(in, false)
		var te *TraversalError
		if !errors.As(err, &te) {
			t.Errorf("Normalize(%q) error = %v, want *TraversalError", in, err)
		}
	}
}

func TestNormalizeNotRooted(t *testing.T) {
	cases := []struct {
		in      string
		windows bool
	}{
		{"a/b", false},
		{"", false},
		{`a\b`, true},
		{`C:`, true},
		{`/usr`, true},
		{`1:\x`, true},
	}
	for _, c := range cases {
		_, err := Normalize(c.in, c.windows)
		var nr *NotRootedError
		if !errors.As(err, &nr) {
			t.Errorf("Normalize(%q, windows=%v) error = %v, want *NotRootedError", c.in, c.windows, err)
		}
	}
}

func TestNormalizeWindows(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`C:\`, `C:\`},
		{`C:\Users\bob\..\alice`, `C:\Users\alice`},
		{`C:/Program Files/./App`, `C:\Program Files\App`},
		{`D:\tools\`, `D:\tools\`},
	}
	for _, tt := range tests {
		got, err := Normalize(tt.in, true)
		if err != nil {
			t.Errorf("Normalize(%q): unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if _, err := Normalize(`C:\..`, true); err == nil {
		t.Error(`Normalize("C:\..") should fail`)
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		pwd, path string
		windows   bool
		want      string
	}{
		{"/home/u", "app", false, "/home/u/app"},
		{"/home/u/", "../v/app", false, "/home/v/app"},
		{"/home/u", "/etc/hosts", false, "/etc/hosts"},
		{`C:\Users\u`, `tools`, true, `C:\Users\u\tools`},
		{`C:\Users\u`, `D:\data`, true, `D:\data`},
	}
	for _, tt := range tests {
		got, err := Resolve(tt.pwd, tt.path, tt.windows)
		if err != nil {
			t.Errorf("Resolve(%q, %q): %v", tt.pwd, tt.path, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Resolve(%q, %q) = %q, want %q", tt.pwd, tt.path, got, tt.want)
		}
	}
}
