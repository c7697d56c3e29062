// Package shellquote encodes argument vectors for the shells a recipe
// ends up talking to: a POSIX shell on the far side of ssh, and PowerShell
// for Windows payloads.
package shellquote

import (
	"encoding/base64"
	"encoding/binary"
	"strings"
	"unicode/utf16"
)

// posixSpecial lists the characters that force double-quoting.
const posixSpecial = "$'\"\\ \t\n"

// Posix returns arg in a form a POSIX shell re-reads as the same single word.
// Plain tokens pass through untouched.
func Posix(arg string) string {
	if arg != "" && !strings.ContainsAny(arg, posixSpecial) {
		return arg
	}
	var b strings.Builder
	b.Grow(len(arg) + 2)
	b.WriteByte('"')
	for i := 0; i < len(arg); i++ {
		switch c := arg[i]; c {
		case '"', '\\', '$':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// PosixJoin quotes each element of argv and joins them with spaces,
// producing the single opaque command string handed to ssh.
func PosixJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = Posix(a)
	}
	return strings.Join(quoted, " ")
}

// PowerShellArg wraps x in double quotes, doubling embedded quotes, when it
// contains a space or a quote.
func PowerShellArg(x string) string {
	if strings.ContainsAny(x, `" `) {
		return `"` + strings.ReplaceAll(x, `"`, `""`) + `"`
	}
	return x
}

// PowerShellCommand builds the script text that changes into dir and runs
// args as a single PowerShell pipeline.
func PowerShellCommand(dir string, args []string) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = PowerShellArg(a)
	}
	return `cd "` + dir + `"; ` + strings.Join(parts, " ")
}

// EncodePowerShell returns script as base64 over UTF-16LE, the format
// expected by pwsh -EncodedCommand.
func EncodePowerShell(script string) string {
	units := utf16.Encode([]rune(script))
	buf := make([]byte, 2*len(units))
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[2*i:], u)
	}
	return base64.StdEncoding.EncodeToString(buf)
}
