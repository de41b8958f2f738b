package guest

import (
	"context"

	"al.essio.dev/pkg/shellescape"
	"github.com/Rudd3r/lisrc/pkg/distro"
	"github.com/Rudd3r/lisrc/pkg/ssh"
)

type dialect interface {
	packageQuery(pkg string) string
	restartService(service string) string
}

type debianDialect struct{}

func (debianDialect) packageQuery(pkg string) string {
	return "dpkg -s " + shellescape.Quote(pkg)
}

func (debianDialect) restartService(service string) string {
	return "sudo service " + shellescape.Quote(service) + " restart"
}

type rpmDialect struct {
	sysv bool
}

func (rpmDialect) packageQuery(pkg string) string {
	return "rpm -q " + shellescape.Quote(pkg)
}

func (d rpmDialect) restartService(service string) string {
	if d.sysv {
		return "sudo service " + shellescape.Quote(service) + " restart"
	}
	return "sudo systemctl restart " + shellescape.Quote(service)
}

func dialectFor(v distro.Variant) dialect {
	switch v {
	case distro.Debian:
		return debianDialect{}
	case distro.Fedora:
		// Red Hat 5/6, Oracle and Fedora guests still ship SysV init scripts.
		return rpmDialect{sysv: true}
	default:
		return rpmDialect{}
	}
}

// PackageInstalled reports whether pkg is installed according to the guest's
// package manager.
func (c *Client) PackageInstalled(ctx context.Context, pkg string) (bool, error) {
	result, err := c.remote.Execute(ctx, dialectFor(c.variant).packageQuery(pkg), ssh.IgnoreExitStatus())
	if err != nil {
		return false, err
	}
	return result.ExitStatus == 0, nil
}

func (c *Client) RestartService(ctx context.Context, service string) error {
	command := dialectFor(c.variant).restartService(service)
	c.log.Info("restarting service", "service", service, "variant", c.variant)
	_, err := c.run(ctx, command)
	return err
}
