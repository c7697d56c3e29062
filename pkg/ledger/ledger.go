// Package ledger records which directives already succeeded on a target so
// reruns skip them. Each target has an append-only text file holding one
// fingerprint per line.
package ledger

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// EnvDir overrides the default ledger directory.
const EnvDir = "SSHRECIPE_LEDGER_DIR"

// Fingerprint identifies the effect of one directive on one target.
type Fingerprint struct {
	Account string
	Dir     string
	Bump    string
	Key     string
	// Args is used only when Key is empty.
	Args []string
	// SourceModTime is set for uploads so an edited source is sent again.
	SourceModTime time.Time
}

// String renders the fingerprint as a single tab-joined ledger line.
func (f Fingerprint) String() string {
	fields := []string{f.Account, f.Dir, f.Bump, f.Key}
	if f.Key == "" {
		fields = append(fields, f.Args...)
	}
	if !f.SourceModTime.IsZero() {
		fields = append(fields, f.SourceModTime.UTC().Format(time.RFC3339Nano))
	}
	s := strings.Join(fields, "\t")
	s = strings.ReplaceAll(s, "\r", "")
	return strings.ReplaceAll(s, "\n", " ")
}

// Ledger is the in-memory set of recorded fingerprints plus the file it
// is persisted to. It assumes a single writer per file.
type Ledger struct {
	path   string
	seen   map[string]struct{}
	file   *os.File
	writer *bufio.Writer
}

// Open loads <dir>/<identity>.txt, creating the directory if needed, and
// opens the file for appending.
func Open(dir, identity string) (*Ledger, error) {
	if identity == "" {
		return nil, errors.New("ledger identity is empty")
	}
	path := FilePath(dir, identity)

	entries, err := ReadEntries(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		seen[e] = struct{}{}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return &Ledger{
		path:   path,
		seen:   seen,
		file:   f,
		writer: bufio.NewWriter(f),
	}, nil
}

// FilePath returns where the ledger for identity lives under dir.
func FilePath(dir, identity string) string {
	return filepath.Join(dir, sanitize(identity)+".txt")
}

// Path returns the ledger file location.
func (l *Ledger) Path() string { return l.path }

// Len returns the number of recorded fingerprints.
func (l *Ledger) Len() int { return len(l.seen) }

// Contains reports whether fp was recorded by this or an earlier run.
func (l *Ledger) Contains(fp Fingerprint) bool {
	_, ok := l.seen[fp.String()]
	return ok
}

// Record adds fp and appends it to the file, flushing and syncing before
// returning.
func (l *Ledger) Record(fp Fingerprint) error {
	line := fp.String()
	if _, ok := l.seen[line]; ok {
		return nil
	}
	if _, err := l.writer.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("flush ledger: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync ledger: %w", err)
	}
	l.seen[line] = struct{}{}
	return nil
}

// Close flushes and closes the ledger file.
func (l *Ledger) Close() error {
	if err := l.writer.Flush(); err != nil {
		return err
	}
	return l.file.Close()
}

// ReadEntries returns the non-empty lines of a ledger file.
func ReadEntries(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readLines(f)
}

func readLines(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			out = append(out, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	return out, nil
}

// Identity names the ledger file for a target: the controller's hostname
// for the local target, the address otherwise.
func Identity(address string) (string, error) {
	if address != "." {
		return address, nil
	}
	h, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("resolve hostname: %w", err)
	}
	return h, nil
}

// DefaultDir returns $SSHRECIPE_LEDGER_DIR, or sshrecipe/ledger under the
// user config directory.
func DefaultDir() (string, error) {
	if d := os.Getenv(EnvDir); d != "" {
		return d, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(base, "sshrecipe", "ledger"), nil
}

// sanitize keeps identities like "[::1]" or "host:2222" usable as file names.
func sanitize(identity string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, identity)
}
