package runtime

import (
	"strconv"

	"github.com/charmbracelet/log"

	"github.com/ormasoftchile/sshrecipe/pkg/config"
	"github.com/ormasoftchile/sshrecipe/pkg/transport"
)

// Target is the destination a recipe runs against, fixed by IP and USER.
type Target struct {
	Address string
	User    string
	Windows bool
}

// IsLocal reports whether the target is the controller.
func (t Target) IsLocal() bool { return t.Address == transport.LocalAddress }

// Connector builds the command runner and uploader for a target.
type Connector interface {
	Connect(t Target) (transport.Runner, transport.Uploader, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(t Target) (transport.Runner, transport.Uploader, error)

// Connect calls f.
func (f ConnectorFunc) Connect(t Target) (transport.Runner, transport.Uploader, error) {
	return f(t)
}

// ProfileConnector connects through the ssh binary and the upload
// transport selected in a profile.
type ProfileConnector struct {
	Profile *config.Profile
	Logger  *log.Logger
	// Redact masks secrets in logged command lines and output.
	Redact func(string) string
}

// Connect returns a transport.Machine and the matching uploader.
func (c *ProfileConnector) Connect(t Target) (transport.Runner, transport.Uploader, error) {
	p := c.Profile
	if p == nil {
		p = config.Default()
	}
	opts := append([]string(nil), p.SSH.Options...)
	if p.SSH.Port != 0 && p.SSH.Port != 22 {
		opts = append(opts, "-p", strconv.Itoa(p.SSH.Port))
	}
	m := &transport.Machine{
		Address:    t.Address,
		User:       t.User,
		SSHBinary:  p.SSH.Binary,
		SSHOptions: opts,
		Superuser:  p.SSH.Superuser,
		Logger:     c.Logger,
		Redact:     c.Redact,
	}

	var up transport.Uploader
	switch {
	case t.IsLocal():
		up = transport.LocalUploader{}
	case p.Upload.Transport == config.UploadSSH:
		up = &transport.SSHUploader{
			Address:    t.Address,
			Port:       p.SSH.Port,
			KeyFile:    config.ExpandHome(p.SSH.KeyFile),
			KnownHosts: config.ExpandHome(p.SSH.KnownHosts),
			Logger:     c.Logger,
		}
	default:
		up = &transport.RcloneUploader{
			Address: t.Address,
			Port:    p.SSH.Port,
			KeyFile: config.ExpandHome(p.SSH.KeyFile),
			Binary:  p.Upload.RcloneBinary,
			Logger:  c.Logger,
		}
	}
	return m, up, nil
}
