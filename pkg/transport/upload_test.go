package transport

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/google/go-cmp/cmp"
)

func TestUploadedPath(t *testing.T) {
	tests := []struct {
		req  UploadRequest
		want string
	}{
		{UploadRequest{Source: "files/run.sh", Destination: "/opt/app"}, "/opt/app/run.sh"},
		{UploadRequest{Source: "files/run.sh", Destination: "/opt/app/"}, "/opt/app/run.sh"},
		{UploadRequest{Source: "files/run.sh", Destination: "/opt/app/start.sh", CopyAs: true}, "/opt/app/start.sh"},
	}
	for _, tt := range tests {
		if got := UploadedPath(tt.req); got != tt.want {
			t.Errorf("UploadedPath(%+v) = %q, want %q", tt.req, got, tt.want)
		}
	}
}

func TestLocalUploaderFileAndTree(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, filepath.Join(src, "conf", "a.ini"), "a=1")
	writeFile(t, filepath.Join(src, "conf", "sub", "b.ini"), "b=2")
	writeFile(t, filepath.Join(src, "run.sh"), "#!/bin/sh\n")

	ctx := context.Background()
	if err := (LocalUploader{}).Upload(ctx, UploadRequest{Source: filepath.Join(src, "run.sh"), Destination: dst}); err != nil {
		t.Fatalf("file upload: %v", err)
	}
	assertFile(t, filepath.Join(dst, "run.sh"), "#!/bin/sh\n")

	target := filepath.Join(dst, "etc")
	if err := (LocalUploader{}).Upload(ctx, UploadRequest{Source: filepath.Join(src, "conf"), Destination: target}); err != nil {
		t.Fatalf("tree upload: %v", err)
	}
	assertFile(t, filepath.Join(target, "a.ini"), "a=1")
	assertFile(t, filepath.Join(target, "sub", "b.ini"), "b=2")

	renamed := filepath.Join(dst, "renamed.ini")
	if err := (LocalUploader{}).Upload(ctx, UploadRequest{Source: filepath.Join(src, "conf", "a.ini"), Destination: renamed, CopyAs: true}); err != nil {
		t.Fatalf("copy-as upload: %v", err)
	}
	assertFile(t, renamed, "a=1")
}

// TestRcloneUploaderInvocation runs a stand-in rclone script and checks the
// arguments and the temporary sftp config.
func TestRcloneUploaderInvocation(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	key := filepath.Join(dir, "id_ed25519")
	writeFile(t, key, "key")
	record := filepath.Join(dir, "args.txt")
	fake := filepath.Join(dir, "rclone")
	script := "#!/bin/sh\nprintf '%s\\n' \"$@\" > " + record + "\ncp \"$5\" " + record + ".conf\n"
	if err := os.WriteFile(fake, []byte(script), 0755); err != nil {
		t.Fatalf("write fake rclone: %v", err)
	}

	tmp := filepath.Join(dir, "tmp")
	if err := os.Mkdir(tmp, 0755); err != nil {
		t.Fatal(err)
	}
	u := &RcloneUploader{Address: "10.0.0.5", KeyFile: key, Binary: fake, TempDir: tmp, Logger: log.New(io.Discard)}
	err := u.Upload(context.Background(), UploadRequest{
		Source: "/local/app", Destination: "/opt/app", Account: "deploy", CopyAs: true, ExtraArgs: []string{"--progress"},
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	data, err := os.ReadFile(record)
	if err != nil {
		t.Fatalf("read args: %v", err)
	}
	args := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(args) != 6 {
		t.Fatalf("rclone args = %v", args)
	}
	want := []string{"copyto", "/local/app", "remotemachine:/opt/app", "--config", args[4], "--progress"}
	if diff := cmp.Diff(want, args); diff != "" {
		t.Errorf("rclone args mismatch (-want +got):\n%s", diff)
	}
	if !strings.HasPrefix(filepath.Base(args[4]), "sshrecipe-rclone-") {
		t.Errorf("config path = %q", args[4])
	}

	conf, _ := os.ReadFile(record + ".conf")
	for _, line := range []string{"type = sftp", "host = 10.0.0.5", "user = deploy", "port = 22", "key_file = " + key} {
		if !strings.Contains(string(conf), line+"\n") {
			t.Errorf("config missing %q:\n%s", line, conf)
		}
	}

	left, _ := os.ReadDir(tmp)
	if len(left) != 0 {
		t.Errorf("temporary config not removed: %v", left)
	}
}

func TestRcloneUploaderMissingKey(t *testing.T) {
	u := &RcloneUploader{Address: "h", KeyFile: filepath.Join(t.TempDir(), "nope")}
	if err := u.Upload(context.Background(), UploadRequest{Source: "a", Destination: "/b"}); err == nil {
		t.Fatal("expected missing key error")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func assertFile(t *testing.T, path, want string) {
	t.Helper()
	got, err := os.ReadFile(path)
	if err != nil {
		t.Errorf("read %s: %v", path, err)
		return
	}
	if string(got) != want {
		t.Errorf("%s = %q, want %q", path, got, want)
	}
}
