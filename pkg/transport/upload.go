package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/log"
)

// UploadRequest describes one file or directory transfer.
type UploadRequest struct {
	// Source is a local path, file or directory.
	Source string
	// Destination is an absolute path on the target. Without CopyAs it
	// names the directory that receives Source.
	Destination string
	// Account is the remote account to write as.
	Account string
	// CopyAs makes Destination the exact target path.
	CopyAs bool
	// ExtraArgs are passed through to the transfer tool.
	ExtraArgs []string
}

// Uploader copies local files onto the target.
type Uploader interface {
	Upload(ctx context.Context, req UploadRequest) error
}

// UploadedPath returns where a file ends up after req completes.
func UploadedPath(req UploadRequest) string {
	if req.CopyAs {
		return req.Destination
	}
	return joinRemote(req.Destination, filepath.Base(req.Source))
}

func joinRemote(dir, name string) string {
	if dir != "" && dir[len(dir)-1] == '/' {
		return dir + name
	}
	return dir + "/" + name
}

// RcloneUploader transfers files with rclone over sftp. A throwaway
// rclone config describing the target lives in the temp dir for the
// duration of each upload.
type RcloneUploader struct {
	Address string
	Port    int
	KeyFile string
	// Binary defaults to "rclone".
	Binary string
	// TempDir defaults to os.TempDir().
	TempDir string
	Logger  *log.Logger
}

// Upload runs rclone copy (or copyto for CopyAs).
func (u *RcloneUploader) Upload(ctx context.Context, req UploadRequest) error {
	if _, err := os.Stat(u.KeyFile); err != nil {
		return fmt.Errorf("could not upload file, SSH private key not found at %s: %w", u.KeyFile, err)
	}
	conf := u.config(req.Account)
	confPath := u.configPath(conf)

	mode := "copy"
	if req.CopyAs {
		mode = "copyto"
	}
	args := []string{mode, req.Source, "remotemachine:" + req.Destination, "--config", confPath}
	args = append(args, req.ExtraArgs...)

	if err := os.WriteFile(confPath, conf, 0600); err != nil {
		return fmt.Errorf("write rclone config: %w", err)
	}
	defer os.Remove(confPath)

	bin := u.Binary
	if bin == "" {
		bin = "rclone"
	}
	logger := u.Logger
	if logger == nil {
		logger = log.Default()
	}
	r, err := runProcess(ctx, exec.Command(bin, args...), logger, nil)
	if err != nil {
		return fmt.Errorf("rclone: %w", err)
	}
	if r.ExitCode != 0 {
		return fmt.Errorf("rclone exit code: %d", r.ExitCode)
	}
	return nil
}

func (u *RcloneUploader) config(account string) []byte {
	port := u.Port
	if port == 0 {
		port = 22
	}
	return []byte("[remotemachine]\n" +
		"type = sftp\n" +
		"host = " + u.Address + "\n" +
		"user = " + account + "\n" +
		"port = " + strconv.Itoa(port) + "\n" +
		"key_file = " + u.KeyFile + "\n" +
		"use_insecure_cipher = false\n" +
		"md5sum_command = md5sum\n" +
		"sha1sum_command = sha1sum\n" +
		"shell_type = unix\n")
}

// configPath names the config file after the SHA-256 of its content.
func (u *RcloneUploader) configPath(conf []byte) string {
	sum := sha256.Sum256(conf)
	dir := u.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "sshrecipe-rclone-"+hex.EncodeToString(sum[:])+".conf")
}

// LocalUploader copies files on the controller, for the local target.
type LocalUploader struct{}

// Upload copies req.Source into (or, with CopyAs, onto) req.Destination.
func (LocalUploader) Upload(ctx context.Context, req UploadRequest) error {
	info, err := os.Stat(req.Source)
	if err != nil {
		return fmt.Errorf("upload source: %w", err)
	}
	if !info.IsDir() {
		return copyFile(req.Source, UploadedPath(req), info.Mode())
	}
	// Directories copy their contents into the destination, like rclone copy.
	return filepath.WalkDir(req.Source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(req.Source, path)
		if err != nil {
			return err
		}
		dest := filepath.Join(req.Destination, rel)
		if d.IsDir() {
			return os.MkdirAll(dest, 0755)
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, dest, fi.Mode())
	})
}

func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}
