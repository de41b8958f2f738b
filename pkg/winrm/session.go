// Package winrm runs commands on a Windows host over WS-Management.
package winrm

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/Rudd3r/lisrc/pkg/domain"
	"github.com/google/uuid"
	"github.com/masterzen/winrm"
)

// Runner executes one command and returns its complete output.
type Runner interface {
	RunWithContextWithString(ctx context.Context, command string, stdin string) (string, string, int, error)
}

// RunnerFactory builds a Runner for a single call.
type RunnerFactory func(params domain.WinRMParameters) (Runner, error)

// Session talks to one management endpoint. Every call opens its own remote
// shell and tears it down again; nothing is held between calls.
type Session struct {
	log       *slog.Logger
	params    domain.WinRMParameters
	newRunner RunnerFactory
}

type SessionOption func(s *Session)

func WithRunnerFactory(f RunnerFactory) SessionOption {
	return func(s *Session) { s.newRunner = f }
}

func NewSession(log *slog.Logger, params domain.WinRMParameters, opts ...SessionOption) (*Session, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid winrm parameters: %w", err)
	}
	s := &Session{
		log:       log.With("host", params.Host, "user", params.User),
		params:    params,
		newRunner: NewClient,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewClient builds a masterzen/winrm client for params.
func NewClient(params domain.WinRMParameters) (Runner, error) {
	port := params.Port
	if port == 0 {
		port = domain.DefaultWinRMPort
	}
	endpoint := winrm.NewEndpoint(params.Host, port, params.HTTPS, params.Insecure, nil, nil, nil, params.ConnectTimeout)
	wsParams := winrm.NewParameters(operationTimeout(params.OperationTimeout), "en-US", 153600)
	client, err := winrm.NewClientWithParameters(endpoint, params.User, params.Password, wsParams)
	if err != nil {
		return nil, fmt.Errorf("create winrm client: %w", err)
	}
	return client, nil
}

// operationTimeout renders d as an ISO 8601 duration, e.g. PT3600S.
func operationTimeout(d time.Duration) string {
	if d <= 0 {
		d = domain.DefaultWinRMOperationTimeout
	}
	return fmt.Sprintf("PT%dS", int64(d/time.Second))
}

// RunCommand runs command once and returns its output and exit status. A
// non-zero exit is not an error here; transport failures are logged and
// returned.
func (s *Session) RunCommand(ctx context.Context, command string) (stdout, stderr string, exitStatus int, err error) {
	if strings.TrimSpace(command) == "" {
		return "", "", -1, domain.ErrEmptyCommand
	}
	log := s.log.With("exec", uuid.NewString()[0:8])
	log.Debug("running wsman command", "command", command)

	runner, err := s.newRunner(s.params)
	if err != nil {
		log.Error("failed to create winrm client", "error", err)
		return "", "", -1, err
	}
	stdout, stderr, exitStatus, err = runner.RunWithContextWithString(ctx, command, "")
	if err != nil {
		log.Error("wsman command failed", "command", command, "error", err)
		return "", "", -1, fmt.Errorf("run %q on %s: %w", command, s.params.Host, err)
	}
	log.Debug("wsman command finished", "exit_status", exitStatus)
	return stdout, stderr, exitStatus, nil
}

// RunPowerShell runs "powershell <args> -k v ..." with kv in key order and
// returns stdout. A non-zero exit is a *domain.CommandFailedError.
func (s *Session) RunPowerShell(ctx context.Context, args []string, kv map[string]string) (string, error) {
	parts := append([]string{"powershell"}, args...)
	if flags := formatParams(kv); flags != "" {
		parts = append(parts, flags)
	}
	return s.runChecked(ctx, strings.Join(parts, " "))
}

// PowerShellAttribute runs "powershell (<cmd> -k v ...).<attribute>" and
// returns stdout.
func (s *Session) PowerShellAttribute(ctx context.Context, cmd, attribute string, kv map[string]string) (string, error) {
	inner := cmd
	if flags := formatParams(kv); flags != "" {
		inner += " " + flags
	}
	return s.runChecked(ctx, fmt.Sprintf("powershell (%s).%s", inner, attribute))
}

func (s *Session) runChecked(ctx context.Context, command string) (string, error) {
	stdout, stderr, status, err := s.RunCommand(ctx, command)
	if err != nil {
		return "", err
	}
	if _, err = domain.Classify(command, status, []byte(stdout), []byte(stderr), false); err != nil {
		s.log.Error("powershell command failed", "command", command, "exit_status", status)
		return "", err
	}
	s.log.Info("powershell command finished", "command", command, "output", stdout)
	return stdout, nil
}

func formatParams(kv map[string]string) string {
	flags := make([]string, 0, len(kv))
	for _, k := range slices.Sorted(maps.Keys(kv)) {
		flags = append(flags, "-"+k+" "+kv[k])
	}
	return strings.Join(flags, " ")
}
