// Package ssh runs commands on guests over a retried, reused SSH connection.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Rudd3r/lisrc/pkg/domain"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Manager owns at most one live connection to a single guest. It is not safe
// for concurrent use; run independent Managers to drive guests in parallel.
type Manager struct {
	log       *slog.Logger
	params    domain.ConnectionParameters
	transport Transport
	clock     backoff.Clock
	timer     backoff.Timer
	limiter   *rate.Limiter

	initialDelay time.Duration
	increment    time.Duration

	conn Conn
}

type ManagerOption func(m *Manager)

func WithTransport(t Transport) ManagerOption {
	return func(m *Manager) { m.transport = t }
}

// WithBackoff sets the connect retry delays. The first wait is
// initial+increment and each later one grows by increment.
func WithBackoff(initial, increment time.Duration) ManagerOption {
	return func(m *Manager) {
		m.initialDelay = initial
		m.increment = increment
	}
}

// WithClock replaces the clock used for connect and execute deadlines.
func WithClock(c backoff.Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

// WithRetryTimer replaces the timer used to sleep between connect attempts.
func WithRetryTimer(t backoff.Timer) ManagerOption {
	return func(m *Manager) { m.timer = t }
}

// WithDialLimiter throttles connection attempts, typically shared by many
// Managers dialing guests at the same time.
func WithDialLimiter(l *rate.Limiter) ManagerOption {
	return func(m *Manager) { m.limiter = l }
}

func NewManager(log *slog.Logger, params domain.ConnectionParameters, opts ...ManagerOption) (*Manager, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid connection parameters: %w", err)
	}
	m := &Manager{
		log:          log.With("host", params.Host, "user", params.User),
		params:       params,
		transport:    &NativeTransport{},
		clock:        backoff.SystemClock,
		initialDelay: domain.DefaultRetryInitialDelay,
		increment:    domain.DefaultRetryIncrement,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) Host() string { return m.params.Host }

// Connect returns the held connection, establishing one first if needed.
func (m *Manager) Connect(ctx context.Context) (Conn, error) {
	if m.conn != nil {
		return m.conn, nil
	}
	conn, err := m.dial(ctx)
	if err != nil {
		return nil, err
	}
	m.conn = conn
	return conn, nil
}

// ValidateAuthentication establishes a fresh connection and closes it again.
// It fails with *domain.ConnectionTimeoutError when the guest is unreachable.
func (m *Manager) ValidateAuthentication(ctx context.Context) error {
	conn, err := m.dial(ctx)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Close releases the held connection. It is safe to call more than once.
func (m *Manager) Close() error {
	if m.conn == nil {
		return nil
	}
	err := m.conn.Close()
	m.conn = nil
	return err
}

func (m *Manager) dropConn() {
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}

func (m *Manager) dial(ctx context.Context) (Conn, error) {
	method := "password"
	if m.params.HasPrivateKey() {
		method = "public key"
	} else if m.params.UseAgent {
		method = "agent"
	}
	m.log.Info("creating ssh connection", "addr", m.params.Addr(), "auth", method)

	var (
		conn     Conn
		attempts int
		lastErr  error
		final    bool
	)
	operation := func() error {
		attempts++
		outcome := m.attempt(ctx)
		if outcome.err == nil {
			conn = outcome.conn
			return nil
		}
		lastErr = outcome.err
		if !outcome.retryable {
			final = true
			return backoff.Permanent(outcome.err)
		}
		return outcome.err
	}
	notify := func(err error, next time.Duration) {
		m.log.Warn("failed to establish authenticated ssh connection",
			"attempt", attempts,
			"retry_in", next,
			"error", err,
		)
	}

	b := newLinearBackOff(m.clock, m.initialDelay, m.increment, m.params.Timeout)
	err := backoff.RetryNotifyWithTimer(operation, backoff.WithContext(b, ctx), notify, m.timer)
	if err == nil {
		m.log.Info("ssh connection established", "attempts", attempts)
		return conn, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("connect to %s: %w", m.params.Addr(), ctxErr)
	}
	if final {
		m.log.Error("ssh connection failed", "attempts", attempts, "error", lastErr)
		return nil, fmt.Errorf("connect to %s: %w", m.params.Addr(), lastErr)
	}
	m.log.Error("failed to establish authenticated ssh connection before deadline",
		"attempts", attempts,
		"timeout", m.params.Timeout,
		"error", lastErr,
	)
	return nil, &domain.ConnectionTimeoutError{
		Host:     m.params.Host,
		User:     m.params.User,
		Attempts: attempts,
		Err:      lastErr,
	}
}

func (m *Manager) attempt(ctx context.Context) attemptOutcome {
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return fatal(err)
		}
	}
	conn, err := m.transport.Dial(ctx, m.params)
	if err != nil {
		if ctx.Err() != nil {
			return fatal(err)
		}
		return classifyDialError(err)
	}
	return succeeded(conn)
}

// onConn runs open on the held connection. When that connection turns out to
// be unusable it is replaced by a fresh one and open is tried once more.
func onConn[T any](ctx context.Context, m *Manager, open func(Conn) (T, error)) (T, error) {
	var zero T
	reused := m.conn != nil
	conn, err := m.Connect(ctx)
	if err != nil {
		return zero, err
	}
	v, err := open(conn)
	if err == nil {
		return v, nil
	}
	if !reused {
		return zero, err
	}
	m.log.Warn("held ssh connection is unusable, reconnecting", "error", err)
	m.dropConn()
	if conn, err = m.Connect(ctx); err != nil {
		return zero, err
	}
	return open(conn)
}

type execOptions struct {
	ignoreExitStatus bool
	encoding         string
}

type ExecOption func(o *execOptions)

// IgnoreExitStatus returns a result instead of *domain.CommandFailedError for
// non-zero exits.
func IgnoreExitStatus() ExecOption {
	return func(o *execOptions) { o.ignoreExitStatus = true }
}

// WithEncoding decodes output with the named encoding (a WHATWG label such as
// "utf-8" or "latin1"). An empty name leaves output raw. Output that is not
// valid in the encoding fails Execute with ErrUndecodableOutput.
func WithEncoding(name string) ExecOption {
	return func(o *execOptions) { o.encoding = name }
}

// RawOutput leaves output undecoded.
func RawOutput() ExecOption {
	return WithEncoding("")
}

// Execute runs command through the remote default shell and waits for it to
// finish. Commands are never retried. Errors are *domain.ConnectionTimeoutError,
// *domain.CommandTimeoutError, *domain.CommandFailedError or a transport error.
func (m *Manager) Execute(ctx context.Context, command string, opts ...ExecOption) (*domain.CommandResult, error) {
	if strings.TrimSpace(command) == "" {
		return nil, domain.ErrEmptyCommand
	}
	o := &execOptions{encoding: domain.DefaultEncoding}
	for _, opt := range opts {
		opt(o)
	}
	decoder, err := newDecoder(o.encoding)
	if err != nil {
		return nil, err
	}

	start := m.clock.Now()
	log := m.log.With("exec", uuid.NewString()[0:8])
	log.Debug("executing command", "command", command)

	channel, err := onConn(ctx, m, func(c Conn) (Channel, error) {
		return c.OpenChannel(command)
	})
	if err != nil {
		var timeoutErr *domain.ConnectionTimeoutError
		if errors.As(err, &timeoutErr) {
			return nil, err
		}
		return nil, fmt.Errorf("open channel on %s: %w", m.params.Host, err)
	}
	defer func() { _ = channel.Close() }()

	var stdout, stderr []byte
	if m.transport.SupportsReadinessPoll() {
		stdout, stderr, err = m.pollDrain(ctx, channel, command, start)
	} else {
		stdout, stderr, err = blockingDrain(channel)
	}
	if err != nil {
		log.Error("failed reading command output", "command", command, "error", err)
		return nil, err
	}

	exitStatus, err := channel.ExitStatus()
	if err != nil {
		return nil, fmt.Errorf("command %q on %s: %w", command, m.params.Host, err)
	}

	if stdout, err = decoder(stdout); err != nil {
		return nil, fmt.Errorf("decode stdout: %w", err)
	}
	if stderr, err = decoder(stderr); err != nil {
		return nil, fmt.Errorf("decode stderr: %w", err)
	}

	result, err := domain.Classify(command, exitStatus, stdout, stderr, o.ignoreExitStatus)
	if err != nil {
		log.Warn("command failed", "command", command, "exit_status", exitStatus)
		return nil, err
	}
	result.Encoding = o.encoding
	log.Debug("command finished", "exit_status", exitStatus, "duration", m.clock.Now().Sub(start))
	return result, nil
}
