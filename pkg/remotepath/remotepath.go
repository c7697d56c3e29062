// Package remotepath resolves and normalizes paths on the target machine.
// Paths are manipulated as strings because the target's separator rules
// are not the controller's.
package remotepath

import (
	"fmt"
	"strings"
)

// NotRootedError is returned when a path has no POSIX root or drive root.
type NotRootedError struct {
	Path    string
	Windows bool
}

func (e *NotRootedError) Error() string {
	if e.Windows {
		return fmt.Sprintf("path %q is not rooted at a drive (expected X:\\...)", e.Path)
	}
	return fmt.Sprintf("path %q is not absolute", e.Path)
}

// TraversalError is returned when ".." segments climb above the root.
type TraversalError struct {
	Path string
}

func (e *TraversalError) Error() string {
	return fmt.Sprintf("too many '..' segments in %q: cannot ascend above the root", e.Path)
}

// Normalize validates that path is rooted and collapses "." and ".."
// segments. Both '/' and '\' are accepted as separators on input.
func Normalize(path string, windows bool) (string, error) {
	if !IsRooted(path, windows) {
		return "", &NotRootedError{Path: path, Windows: windows}
	}

	var kept []string
	ascended := false
	for _, part := range strings.FieldsFunc(path, isSeparator) {
		switch part {
		case ".":
			continue
		case "..":
			if len(kept) == 0 || (windows && len(kept) == 1) {
				return "", &TraversalError{Path: path}
			}
			kept = kept[:len(kept)-1]
			ascended = true
		default:
			kept = append(kept, part)
		}
	}
	// ".." may move between directories but never land back on the root.
	if ascended && (len(kept) == 0 || (windows && len(kept) == 1)) {
		return "", &TraversalError{Path: path}
	}

	trailing := isSeparator(rune(path[len(path)-1]))

	if windows {
		// kept[0] is the drive ("C:"); losing it means we climbed past it.
		if len(kept) == 0 || !isDrive(kept[0]) {
			return "", &TraversalError{Path: path}
		}
		if len(kept) == 1 {
			return kept[0] + `\`, nil
		}
		out := strings.Join(kept, `\`)
		if trailing {
			out += `\`
		}
		return out, nil
	}

	out := "/" + strings.Join(kept, "/")
	if trailing && !strings.HasSuffix(out, "/") {
		out += "/"
	}
	return out, nil
}

// Resolve interprets path relative to pwd when it is not rooted, then
// normalizes the result.
func Resolve(pwd, path string, windows bool) (string, error) {
	if !IsRooted(path, windows) {
		sep := "/"
		if windows {
			sep = `\`
		}
		path = strings.TrimRight(pwd, `/\`) + sep + path
	}
	return Normalize(path, windows)
}

// IsRooted reports whether path starts at a POSIX root or, for Windows
// targets, at a drive root such as C:\.
func IsRooted(path string, windows bool) bool {
	if windows {
		return len(path) >= 3 && isDrive(path[:2]) && isSeparator(rune(path[2]))
	}
	return strings.HasPrefix(path, "/")
}

func isDrive(s string) bool {
	if len(s) != 2 || s[1] != ':' {
		return false
	}
	c := s[0] | 0x20
	return c >= 'a' && c <= 'z'
}

func isSeparator(r rune) bool {
	return r == '/' || r == '\\'
}
