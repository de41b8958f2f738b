// Package guest wraps a remote session with the checks integration scenarios
// run against a Linux guest.
package guest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/Rudd3r/lisrc/pkg/distro"
	"github.com/Rudd3r/lisrc/pkg/domain"
	"github.com/Rudd3r/lisrc/pkg/ssh"
)

// ScriptDir is where uploaded scripts are placed and run from.
const ScriptDir = "/tmp"

// Remote is the part of ssh.Manager the helpers need.
type Remote interface {
	Execute(ctx context.Context, command string, opts ...ssh.ExecOption) (*domain.CommandResult, error)
	Copy(ctx context.Context, localPath, remoteDir string) (*ssh.CopyResult, error)
}

var _ Remote = (*ssh.Manager)(nil)

type Client struct {
	log     *slog.Logger
	remote  Remote
	variant distro.Variant
	now     func() time.Time
}

func NewClient(log *slog.Logger, remote Remote) *Client {
	return &Client{
		log:     log,
		remote:  remote,
		variant: distro.Default,
		now:     time.Now,
	}
}

func (c *Client) Variant() distro.Variant { return c.variant }

// Detect identifies the guest distribution and switches the client to its
// command dialect.
func (c *Client) Detect(ctx context.Context) (distro.Variant, error) {
	variant, name, err := distro.Detect(ctx, c)
	if err != nil {
		return distro.Default, err
	}
	c.log.Info("detected guest distribution", "os", name, "variant", variant)
	c.variant = variant
	return variant, nil
}

// ExecuteScript uploads content as name into ScriptDir, makes it executable
// and runs it with args.
func (c *Client) ExecuteScript(ctx context.Context, name string, content []byte, args ...string) (*domain.CommandResult, error) {
	tmpDir, err := os.MkdirTemp("", domain.AppName+"-script-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	local := filepath.Join(tmpDir, name)
	if err = os.WriteFile(local, content, 0o755); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}
	if _, err = c.remote.Copy(ctx, local, ScriptDir); err != nil {
		c.log.Error("failed to upload script", "script", name, "error", err)
		return nil, err
	}

	quoted := shellescape.QuoteCommand(args)
	command := fmt.Sprintf("cd %s; chmod +x %s; ./%s %s",
		shellescape.Quote(ScriptDir), shellescape.Quote(name), shellescape.Quote(name), quoted)
	result, err := c.remote.Execute(ctx, strings.TrimSpace(command))
	if err != nil {
		c.log.Error("script failed", "script", path.Join(ScriptDir, name), "error", err)
		return nil, err
	}
	return result, nil
}

func (c *Client) run(ctx context.Context, command string, opts ...ssh.ExecOption) (string, error) {
	result, err := c.remote.Execute(ctx, command, opts...)
	if err != nil {
		return "", err
	}
	return result.StdoutString(), nil
}

func (c *Client) runInt(ctx context.Context, command string) (int, error) {
	out, err := c.run(ctx, command)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("unexpected output of %q: %w", command, err)
	}
	return n, nil
}

func (c *Client) Hostname(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "hostname")
	return strings.TrimRight(out, "\r\n"), err
}

func (c *Client) HostnameEquals(ctx context.Context, expected string) (bool, error) {
	actual, err := c.Hostname(ctx)
	if err != nil {
		return false, err
	}
	return actual == expected, nil
}

// RAMSizeMB returns total memory as reported by free -m.
func (c *Client) RAMSizeMB(ctx context.Context) (int, error) {
	out, err := c.run(ctx, "free -m | grep Mem")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(out)
	if len(fields) < 2 {
		return 0, fmt.Errorf("unexpected free output: %q", out)
	}
	return strconv.Atoi(fields[1])
}

func (c *Client) VCPUCount(ctx context.Context) (int, error) {
	return c.runInt(ctx, "grep -c ^processor /proc/cpuinfo")
}

func (c *Client) Partitions(ctx context.Context) (string, error) {
	return c.run(ctx, "cat /proc/partitions")
}

func (c *Client) BootTime(ctx context.Context) (time.Time, error) {
	secs, err := c.runInt(ctx, "cut -f1 -d. /proc/uptime")
	if err != nil {
		return time.Time{}, err
	}
	return c.now().Add(-time.Duration(secs) * time.Second), nil
}

func (c *Client) UnixTime(ctx context.Context) (time.Time, error) {
	secs, err := c.runInt(ctx, "date +%s")
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(secs), 0), nil
}

func (c *Client) WriteToConsole(ctx context.Context, message string) error {
	inner := "echo " + shellescape.Quote(message) + " >/dev/console"
	_, err := c.run(ctx, "sudo sh -c "+shellescape.Quote(inner))
	return err
}

func (c *Client) Ping(ctx context.Context, host string) (string, error) {
	return c.run(ctx, "ping -c1 -w1 "+shellescape.Quote(host))
}

// VerifyPing sends ten echo requests to destination out of dev.
func (c *Client) VerifyPing(ctx context.Context, destination, dev string) (string, error) {
	if dev == "" {
		dev = "eth0"
	}
	return c.run(ctx, fmt.Sprintf("ping -I %s -c 10 %s", shellescape.Quote(dev), shellescape.Quote(destination)))
}

func (c *Client) MACAddress(ctx context.Context, nic string) (string, error) {
	out, err := c.run(ctx, "cat "+shellescape.Quote(path.Join("/sys/class/net", nic, "address")))
	return strings.TrimSpace(out), err
}

func (c *Client) IPList(ctx context.Context) (string, error) {
	return c.run(ctx, "/bin/ip address")
}

func (c *Client) AssignStaticIP(ctx context.Context, nic, addr string, maskBits int) error {
	_, err := c.run(ctx, fmt.Sprintf("sudo /bin/ip addr add %s/%d dev %s",
		shellescape.Quote(addr), maskBits, shellescape.Quote(nic)))
	return err
}

func (c *Client) TurnNICOn(ctx context.Context, nic string) error {
	_, err := c.run(ctx, "sudo /bin/ip link set "+shellescape.Quote(nic)+" up")
	return err
}

// PIDs returns the process ids whose command line matches name.
func (c *Client) PIDs(ctx context.Context, name string) ([]int, error) {
	result, err := c.remote.Execute(ctx, "pgrep -f -- "+shellescape.Quote(name), ssh.IgnoreExitStatus())
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, field := range strings.Fields(result.StdoutString()) {
		pid, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("unexpected pgrep output: %q", field)
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// LISModuleCount returns the number of loaded Hyper-V (hv_*) kernel modules.
func (c *Client) LISModuleCount(ctx context.Context) (int, error) {
	return c.runInt(ctx, "lsmod | grep -c hv_ || true")
}

// DaemonRunning reports whether a process named daemon exists.
func (c *Client) DaemonRunning(ctx context.Context, daemon string) (bool, error) {
	result, err := c.remote.Execute(ctx, "pgrep -x "+shellescape.Quote(daemon), ssh.IgnoreExitStatus())
	if err != nil {
		return false, err
	}
	return result.ExitStatus == 0, nil
}

func (c *Client) CreateFile(ctx context.Context, name string) error {
	_, err := c.run(ctx, "echo abc > "+shellescape.Quote(name))
	return err
}

func (c *Client) DeleteFile(ctx context.Context, name string) error {
	_, err := c.run(ctx, "rm -f "+shellescape.Quote(name))
	return err
}

func (c *Client) ReadFile(ctx context.Context, name string) (string, error) {
	return c.run(ctx, "cat "+shellescape.Quote(name))
}

func (c *Client) FileExists(ctx context.Context, name string) (bool, error) {
	n, err := c.runInt(ctx, fmt.Sprintf("[ -f %s ] && echo 1 || echo 0", shellescape.Quote(name)))
	return n == 1, err
}

// DiskCount waits settle and then counts the SCSI disks fdisk reports.
func (c *Client) DiskCount(ctx context.Context, settle time.Duration) (int, error) {
	return c.runInt(ctx, fmt.Sprintf(`sleep %d; fdisk -l | grep -c "^Disk /dev/sd" || true`, int(settle/time.Second)))
}
