// Package sshtest runs a small in-process SSH server that executes commands
// through the local shell and serves sftp, for exercising real clients.
package sshtest

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

type Config struct {
	// Passwords maps user names to passwords.
	Passwords map[string]string
	// AuthorizedKeys maps user names to their accepted public keys.
	AuthorizedKeys map[string][]ssh.PublicKey
	Shell          string
	Dir            string
	// RejectLogins makes the first n otherwise valid logins fail.
	RejectLogins int32
}

type Server struct {
	cfg      Config
	log      *slog.Logger
	listener net.Listener
	hostKey  ssh.Signer
	wg       sync.WaitGroup

	logins   atomic.Int32
	rejected atomic.Int32
}

// Start listens on a random loopback port and serves until ctx is done or the
// test ends.
func Start(t testing.TB, ctx context.Context, log *slog.Logger, cfg Config) *Server {
	t.Helper()
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostKey, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatalf("host key signer: %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	s := &Server{cfg: cfg, log: log, listener: listener, hostKey: hostKey}
	config := &ssh.ServerConfig{
		PasswordCallback:  s.passwordCallback,
		PublicKeyCallback: s.publicKeyCallback,
	}
	config.AddHostKey(hostKey)

	go s.acceptConnections(config)
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()
	t.Cleanup(func() {
		_ = listener.Close()
		s.wg.Wait()
	})
	return s
}

func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *Server) HostKey() ssh.PublicKey {
	return s.hostKey.PublicKey()
}

// Logins returns the number of successful authentications so far.
func (s *Server) Logins() int {
	return int(s.logins.Load())
}

func (s *Server) acceptConnections(config *ssh.ServerConfig) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Error("failed to accept connection", "error", err)
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn, config)
		}()
	}
}

func (s *Server) handleConnection(conn net.Conn, config *ssh.ServerConfig) {
	defer func() { _ = conn.Close() }()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		s.log.Debug("failed to handshake", "error", err, "remote", conn.RemoteAddr())
		return
	}
	defer func() { _ = sshConn.Close() }()
	s.logins.Add(1)

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			s.log.Error("failed to accept channel", "error", err)
			continue
		}
		go s.handleSession(channel, requests)
	}
}

func (s *Server) handleSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer func() { _ = channel.Close() }()

	for req := range requests {
		switch req.Type {
		case "exec":
			execReq := &execRequestMsg{}
			if err := ssh.Unmarshal(req.Payload, execReq); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			s.runCommand(channel, execReq.Command)
			return

		case "subsystem":
			subsysReq := &subsystemRequestMsg{}
			if err := ssh.Unmarshal(req.Payload, subsysReq); err != nil || subsysReq.Subsystem != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			s.serveSFTP(channel)
			return

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *Server) runCommand(channel ssh.Channel, command string) {
	cmd := exec.Command(s.cfg.Shell, "-c", command)
	cmd.Dir = s.cfg.Dir
	cmd.Stdout = channel
	cmd.Stderr = channel.Stderr()

	status := 0
	if err := cmd.Run(); err != nil {
		status = 1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			status = exitErr.ExitCode()
		}
	}
	_ = channel.CloseWrite()
	_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(&exitStatusMsg{Status: uint32(status)}))
}

func (s *Server) serveSFTP(channel ssh.Channel) {
	server, err := sftp.NewServer(channel)
	if err != nil {
		s.log.Error("failed to create SFTP server", "error", err)
		return
	}
	defer func() { _ = server.Close() }()
	if err := server.Serve(); err != nil && !errors.Is(err, io.EOF) {
		s.log.Error("SFTP server error", "error", err)
	}
}

func (s *Server) admit(user string) error {
	if s.rejected.Load() < s.cfg.RejectLogins {
		s.rejected.Add(1)
		return fmt.Errorf("login for %s rejected", user)
	}
	return nil
}

func (s *Server) passwordCallback(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	expected, ok := s.cfg.Passwords[conn.User()]
	if !ok || expected != string(password) {
		return nil, errors.New("password mismatch")
	}
	if err := s.admit(conn.User()); err != nil {
		return nil, err
	}
	return &ssh.Permissions{}, nil
}

func (s *Server) publicKeyCallback(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	for _, authorized := range s.cfg.AuthorizedKeys[conn.User()] {
		if keysEqual(key, authorized) {
			if err := s.admit(conn.User()); err != nil {
				return nil, err
			}
			return &ssh.Permissions{}, nil
		}
	}
	return nil, errors.New("key not authorized")
}

func keysEqual(a, b ssh.PublicKey) bool {
	return a.Type() == b.Type() && string(a.Marshal()) == string(b.Marshal())
}

type execRequestMsg struct {
	Command string
}

type subsystemRequestMsg struct {
	Subsystem string
}

type exitStatusMsg struct {
	Status uint32
}
