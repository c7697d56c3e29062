package runtime

import (
	"os"
	"strings"

	"github.com/ormasoftchile/sshrecipe/pkg/shellquote"
)

const exportHeader = "#!/usr/bin/env bash\n# Generated by sshrecipe\nset -e\n"

// ShellExport accumulates a bash script equivalent to the commands a run
// would have executed.
type ShellExport struct {
	b   strings.Builder
	pwd string
}

// NewShellExport returns an export with the bash preamble written.
func NewShellExport() *ShellExport {
	x := &ShellExport{}
	x.b.WriteString(exportHeader)
	return x
}

// Command appends argv, changing directory first when pwd differs from the
// last one emitted. Commands with allowed exit codes run under set +e.
func (x *ShellExport) Command(pwd string, argv []string, tolerant bool) {
	if pwd != "" && pwd != x.pwd {
		x.b.WriteString("cd " + shellquote.Posix(pwd) + "\n")
		x.pwd = pwd
	}
	if tolerant {
		x.b.WriteString("set +e\n")
	}
	x.b.WriteString(shellquote.PosixJoin(argv) + "\n")
	if tolerant {
		x.b.WriteString("set -e\n")
	}
}

// Comment appends a # line.
func (x *ShellExport) Comment(text string) {
	x.b.WriteString("# " + strings.ReplaceAll(text, "\n", " ") + "\n")
}

func (x *ShellExport) String() string { return x.b.String() }

// WriteFile stores the script with the executable bit set.
func (x *ShellExport) WriteFile(path string) error {
	return os.WriteFile(path, []byte(x.String()), 0755)
}
