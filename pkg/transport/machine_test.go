package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/go-cmp/cmp"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func quietMachine() *Machine {
	return &Machine{Address: LocalAddress, Logger: log.New(io.Discard)}
}

// TestRemoteArgv verifies ssh receives one pre-quoted command argument.
func TestRemoteArgv(t *testing.T) {
	m := &Machine{Address: "10.0.0.5", User: "deploy", SSHOptions: []string{"-p", "2222"}}

	got, dir := m.Argv("/srv/my app", []string{"echo", `He said "hi" $HOME`}, false)
	want := []string{"ssh", "-p", "2222", "deploy@10.0.0.5", `env -C "/srv/my app" echo "He said \"hi\" \$HOME"`}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Argv mismatch (-want +got):\n%s", diff)
	}
	if dir != "" {
		t.Errorf("remote process dir = %q, want empty", dir)
	}

	got, _ = m.Argv("", []string{"whoami"}, true)
	if got[3] != "root@10.0.0.5" || got[4] != "whoami" {
		t.Errorf("elevated Argv = %v", got)
	}

	anon := &Machine{Address: "host", Superuser: "admin"}
	if acct := anon.Account(false); acct != "admin" {
		t.Errorf("Account without user = %q, want admin", acct)
	}
}

func TestLocalArgv(t *testing.T) {
	m := quietMachine()
	got, dir := m.Argv("/tmp", []string{"ls", "-l"}, true)
	if diff := cmp.Diff([]string{"ls", "-l"}, got); diff != "" || dir != "/tmp" {
		t.Errorf("local Argv = %v in %q", got, dir)
	}
}

func TestRunCapturesBothStreams(t *testing.T) {
	skipOnWindows(t)
	m := quietMachine()
	r, err := m.Run(context.Background(), "", []string{"sh", "-c", "echo out1; echo err1 >&2; echo out2; exit 3"}, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", r.ExitCode)
	}
	if r.Stdout != "out1\nout2\n" {
		t.Errorf("Stdout = %q", r.Stdout)
	}
	if r.Stderr != "err1\n" {
		t.Errorf("Stderr = %q", r.Stderr)
	}
	if !strings.HasPrefix(r.String(), "Exit code 3.\nerr1") {
		t.Errorf("String() = %q", r.String())
	}
}

func TestRunWorkingDirectory(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	r, err := quietMachine().Run(context.Background(), dir, []string{"pwd"}, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want, _ := filepath.EvalSymlinks(dir)
	got, _ := filepath.EvalSymlinks(strings.TrimSpace(r.Stdout))
	if got != want {
		t.Errorf("pwd = %q, want %q", got, want)
	}
}

func TestRunCancellation(t *testing.T) {
	skipOnWindows(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := quietMachine().Run(ctx, "", []string{"sleep", "30"}, false)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run error = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("Run took %v after cancellation", time.Since(start))
	}
}

func TestRunRedactsLogOnly(t *testing.T) {
	skipOnWindows(t)
	var buf bytes.Buffer
	m := &Machine{
		Address: LocalAddress,
		Logger:  log.New(&buf),
		Redact:  func(s string) string { return strings.ReplaceAll(s, "hunter2", "***") },
	}
	r, err := m.Run(context.Background(), "", []string{"echo", "password=hunter2"}, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(r.Stdout, "hunter2") {
		t.Errorf("captured stdout should be unredacted: %q", r.Stdout)
	}
	if strings.Contains(buf.String(), "password=hunter2") || !strings.Contains(buf.String(), "***") {
		t.Errorf("log output not redacted: %q", buf.String())
	}
}

func TestRunMissingBinary(t *testing.T) {
	_, err := quietMachine().Run(context.Background(), "", []string{"definitely-not-a-real-binary-xyz"}, false)
	if err == nil {
		t.Fatal("expected start error")
	}
}
