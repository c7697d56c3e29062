package transport

import (
	"context"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/ormasoftchile/sshrecipe/pkg/shellquote"
)

// SSHUploader streams files over a native SSH connection, one session per
// file, without needing rclone on the controller.
type SSHUploader struct {
	Address    string
	Port       int
	KeyFile    string
	KnownHosts string

	// Signer overrides KeyFile; HostKeyCallback overrides KnownHosts.
	Signer          ssh.Signer
	HostKeyCallback ssh.HostKeyCallback

	Logger *log.Logger
}

// Upload writes each source file with `cat >` on the target.
func (u *SSHUploader) Upload(ctx context.Context, req UploadRequest) error {
	info, err := os.Stat(req.Source)
	if err != nil {
		return fmt.Errorf("upload source: %w", err)
	}

	client, err := u.dial(ctx, req.Account)
	if err != nil {
		return err
	}
	defer client.Close()

	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	if !info.IsDir() {
		return u.put(client, req.Source, UploadedPath(req), info.Mode())
	}
	return filepath.WalkDir(req.Source, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(req.Source, p)
		if err != nil {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		return u.put(client, p, joinRemote(req.Destination, filepath.ToSlash(rel)), fi.Mode())
	})
}

func (u *SSHUploader) put(client *ssh.Client, src, dest string, mode fs.FileMode) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer func() { _ = session.Close() }()

	u.logger().Info("Uploading " + src + " to " + dest)
	q := shellquote.Posix(dest)
	cmd := fmt.Sprintf("mkdir -p %s && cat > %s && chmod %o %s",
		shellquote.Posix(path.Dir(dest)), q, mode.Perm(), q)
	session.Stdin = f
	if out, err := session.CombinedOutput(cmd); err != nil {
		return fmt.Errorf("write %s: %w: %s", dest, err, out)
	}
	return nil
}

func (u *SSHUploader) dial(ctx context.Context, account string) (*ssh.Client, error) {
	auth, err := u.auth()
	if err != nil {
		return nil, err
	}
	hostKey := u.HostKeyCallback
	if hostKey == nil {
		hostKey, err = knownhosts.New(u.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
	}
	port := u.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(u.Address, strconv.Itoa(port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh dial failed: %w", err)
	}
	config := &ssh.ClientConfig{
		User:            account,
		Auth:            auth,
		HostKeyCallback: hostKey,
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func (u *SSHUploader) auth() ([]ssh.AuthMethod, error) {
	if u.Signer != nil {
		return []ssh.AuthMethod{ssh.PublicKeys(u.Signer)}, nil
	}
	if u.KeyFile != "" {
		key, err := os.ReadFile(u.KeyFile)
		if err == nil {
			signer, err := ssh.ParsePrivateKey(key)
			if err != nil {
				return nil, fmt.Errorf("parse %s: %w", u.KeyFile, err)
			}
			return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
		}
	}
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		conn, err := net.Dial("unix", sock)
		if err == nil {
			return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(conn).Signers)}, nil
		}
	}
	return nil, fmt.Errorf("no SSH credentials: key %s unreadable and no agent", u.KeyFile)
}

func (u *SSHUploader) logger() *log.Logger {
	if u.Logger != nil {
		return u.Logger
	}
	return log.Default()
}
