package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/Rudd3r/lisrc/pkg/domain"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Transport opens authenticated connections to a guest.
type Transport interface {
	// Dial makes a single connection attempt. It does not retry.
	Dial(ctx context.Context, params domain.ConnectionParameters) (Conn, error)

	// SupportsReadinessPoll reports whether command output can be drained by
	// waiting on both streams at once. When false, streams are read to
	// completion one after the other.
	SupportsReadinessPoll() bool
}

// Conn is one authenticated connection, owned by a single Manager.
type Conn interface {
	// OpenChannel starts command on a new channel with stdin already closed.
	OpenChannel(command string) (Channel, error)
	OpenFileTransfer() (FileTransfer, error)
	Close() error
}

// Channel is a started remote command.
type Channel interface {
	Stdout() io.Reader
	Stderr() io.Reader
	// ExitStatus waits for the command to exit. It must only be called once
	// both streams returned io.EOF; a remote process still writing output
	// would otherwise never exit.
	ExitStatus() (int, error)
	Close() error
}

// FileTransfer is the subset of sftp used for uploads.
type FileTransfer interface {
	MkdirAll(path string) error
	Stat(path string) (os.FileInfo, error)
	Open(path string) (io.ReadCloser, error)
	Create(path string) (io.WriteCloser, error)
	Close() error
}

var _ Transport = (*NativeTransport)(nil)

// NativeTransport speaks SSH through golang.org/x/crypto/ssh and sftp through
// github.com/pkg/sftp.
type NativeTransport struct {
	// PassphrasePrompt is asked for the passphrase of encrypted key files.
	PassphrasePrompt PassphrasePrompt
	// BlockingReads disables concurrent draining of stdout and stderr. Commands
	// then run without a CommandTimeout, and a command that fills the stderr
	// window before closing stdout blocks until the remote side gives up.
	BlockingReads bool
}

func (t *NativeTransport) SupportsReadinessPoll() bool {
	return !t.BlockingReads
}

func (t *NativeTransport) Dial(ctx context.Context, params domain.ConnectionParameters) (Conn, error) {
	auth, cleanup, err := authMethods(params, t.PassphrasePrompt)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	hostKeyCallback, err := hostKeyCallback(params)
	if err != nil {
		return nil, err
	}

	addr := params.Addr()
	dialer := &net.Dialer{Timeout: params.ChannelTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	// Bound the handshake as well as the TCP dial.
	_ = conn.SetDeadline(time.Now().Add(params.ChannelTimeout))
	connection, chans, reqs, err := ssh.NewClientConn(
		conn,
		addr,
		&ssh.ClientConfig{
			Config:          ssh.Config{},
			User:            params.User,
			Auth:            auth,
			HostKeyCallback: hostKeyCallback,
			Timeout:         params.ChannelTimeout,
		},
	)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	return &nativeConn{client: ssh.NewClient(connection, chans, reqs)}, nil
}

type nativeConn struct {
	client *ssh.Client
}

func (c *nativeConn) OpenChannel(command string) (Channel, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err = session.Start(command); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("start command: %w", err)
	}
	// The remote command never gets interactive input.
	_ = stdin.Close()

	return &nativeChannel{session: session, stdout: stdout, stderr: stderr}, nil
}

func (c *nativeConn) OpenFileTransfer() (FileTransfer, error) {
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, fmt.Errorf("failed to create SFTP client: %w", err)
	}
	return &sftpTransfer{client: client}, nil
}

func (c *nativeConn) Close() error {
	return c.client.Close()
}

type nativeChannel struct {
	session *ssh.Session
	stdout  io.Reader
	stderr  io.Reader
}

func (c *nativeChannel) Stdout() io.Reader { return c.stdout }

func (c *nativeChannel) Stderr() io.Reader { return c.stderr }

func (c *nativeChannel) ExitStatus() (int, error) {
	err := c.session.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return -1, fmt.Errorf("session wait: %w", err)
}

func (c *nativeChannel) Close() error {
	if err := c.session.Close(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

type sftpTransfer struct {
	client *sftp.Client
}

func (s *sftpTransfer) MkdirAll(path string) error { return s.client.MkdirAll(path) }

func (s *sftpTransfer) Stat(path string) (os.FileInfo, error) { return s.client.Stat(path) }

func (s *sftpTransfer) Open(path string) (io.ReadCloser, error) {
	f, err := s.client.Open(path)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *sftpTransfer) Create(path string) (io.WriteCloser, error) {
	f, err := s.client.Create(path)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *sftpTransfer) Close() error { return s.client.Close() }
