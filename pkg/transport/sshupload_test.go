package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/charmbracelet/log"
	"golang.org/x/crypto/ssh"
)

// startExecServer runs an in-process SSH server that executes each exec
// request with the local sh. It returns the listening port and the client key.
func startExecServer(t *testing.T) (int, ssh.Signer) {
	t.Helper()
	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	hostKey, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatal(err)
	}
	_, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	clientKey, err := ssh.NewSignerFromKey(clientPriv)
	if err != nil {
		t.Fatal(err)
	}

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if string(key.Marshal()) == string(clientKey.PublicKey().Marshal()) {
				return &ssh.Permissions{}, nil
			}
			return nil, errors.New("unknown public key")
		},
	}
	config.AddHostKey(hostKey)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skip("cannot listen:", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(conn, config)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, clientKey
}

func serveConn(conn net.Conn, config *ssh.ServerConfig) {
	defer conn.Close()
	_, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close()
			for req := range requests {
				if req.Type != "exec" {
					if req.WantReply {
						_ = req.Reply(false, nil)
					}
					continue
				}
				var payload struct{ Command string }
				_ = ssh.Unmarshal(req.Payload, &payload)
				_ = req.Reply(true, nil)

				cmd := exec.Command("sh", "-c", payload.Command)
				cmd.Stdin = ch
				cmd.Stdout = ch
				cmd.Stderr = ch.Stderr()
				status := uint32(0)
				if err := cmd.Run(); err != nil {
					status = 1
					if ee, ok := err.(*exec.ExitError); ok {
						status = uint32(ee.ExitCode())
					}
				}
				_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
				return
			}
		}()
	}
}

func TestSSHUploader(t *testing.T) {
	skipOnWindows(t)
	port, key := startExecServer(t)

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "tool.sh"), "echo tool\n")
	if err := os.Chmod(filepath.Join(src, "tool.sh"), 0750); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(src, "tree", "x", "y.txt"), "why")

	dst := filepath.Join(t.TempDir(), "remote dir")
	u := &SSHUploader{
		Address:         "127.0.0.1",
		Port:            port,
		Signer:          key,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Logger:          log.New(io.Discard),
	}
	ctx := context.Background()

	if err := u.Upload(ctx, UploadRequest{Source: filepath.Join(src, "tool.sh"), Destination: dst, Account: "anyone"}); err != nil {
		t.Fatalf("file upload: %v", err)
	}
	assertFile(t, filepath.Join(dst, "tool.sh"), "echo tool\n")
	info, err := os.Stat(filepath.Join(dst, "tool.sh"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0750 {
		t.Errorf("mode = %v, want 0750", info.Mode().Perm())
	}

	if err := u.Upload(ctx, UploadRequest{Source: filepath.Join(src, "tree"), Destination: dst + "/t"}); err != nil {
		t.Fatalf("tree upload: %v", err)
	}
	assertFile(t, filepath.Join(dst, "t", "x", "y.txt"), "why")

	as := dst + "/renamed-" + strconv.Itoa(port)
	if err := u.Upload(ctx, UploadRequest{Source: filepath.Join(src, "tool.sh"), Destination: as, CopyAs: true}); err != nil {
		t.Fatalf("copy-as upload: %v", err)
	}
	assertFile(t, as, "echo tool\n")
}

func TestSSHUploaderRejectsUnknownKey(t *testing.T) {
	skipOnWindows(t)
	port, _ := startExecServer(t)
	_, other, _ := ed25519.GenerateKey(rand.Reader)
	signer, _ := ssh.NewSignerFromKey(other)

	src := filepath.Join(t.TempDir(), "f")
	writeFile(t, src, "x")
	u := &SSHUploader{Address: "127.0.0.1", Port: port, Signer: signer, HostKeyCallback: ssh.InsecureIgnoreHostKey()}
	if err := u.Upload(context.Background(), UploadRequest{Source: src, Destination: t.TempDir()}); err == nil {
		t.Fatal("expected authentication failure")
	}
}
