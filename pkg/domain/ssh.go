package domain

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

const (
	DefaultSSHPort           = 22
	DefaultSSHTimeout        = 300 * time.Second
	DefaultSSHChannelTimeout = 10 * time.Second
	DefaultEncoding          = "utf-8"
)

var (
	ErrMissingHost        = errors.New("host is required")
	ErrMissingUser        = errors.New("username is required")
	ErrMissingCredentials = errors.New("a password, private key or ssh agent is required")
	ErrEmptyCommand       = errors.New("command is empty")
)

// ConnectionParameters describes how to reach and authenticate against a guest.
// It is passed by value and never mutated after construction.
type ConnectionParameters struct {
	Host           string
	Port           int
	User           string
	Password       string `json:"-"`
	PrivateKey     []byte `json:"-"`
	PrivateKeyFile string
	UseAgent       bool

	// Timeout bounds both connection establishment and a single command execution.
	Timeout time.Duration
	// ChannelTimeout bounds a single dial attempt and each idle wait while draining output.
	ChannelTimeout time.Duration

	// InsecureIgnoreHostKey accepts any host key (trust on first use for throwaway guests).
	InsecureIgnoreHostKey bool
	KnownHostsFile        string
}

func NewConnectionParameters(host, user string) ConnectionParameters {
	return ConnectionParameters{
		Host:                  host,
		Port:                  DefaultSSHPort,
		User:                  user,
		Timeout:               DefaultSSHTimeout,
		ChannelTimeout:        DefaultSSHChannelTimeout,
		InsecureIgnoreHostKey: true,
	}
}

func (p ConnectionParameters) Validate() error {
	if p.Host == "" {
		return ErrMissingHost
	}
	if p.User == "" {
		return ErrMissingUser
	}
	if p.Password == "" && len(p.PrivateKey) == 0 && p.PrivateKeyFile == "" && !p.UseAgent {
		return ErrMissingCredentials
	}
	if p.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", p.Timeout)
	}
	if p.ChannelTimeout <= 0 {
		return fmt.Errorf("channel timeout must be positive, got %s", p.ChannelTimeout)
	}
	if p.Port < 0 || p.Port > 65535 {
		return fmt.Errorf("port number out of range: %d", p.Port)
	}
	return nil
}

// Addr returns host:port, defaulting the port to 22.
func (p ConnectionParameters) Addr() string {
	port := p.Port
	if port == 0 {
		port = DefaultSSHPort
	}
	return net.JoinHostPort(p.Host, strconv.Itoa(port))
}

// HasPrivateKey reports whether key material was supplied inline or as a file.
func (p ConnectionParameters) HasPrivateKey() bool {
	return len(p.PrivateKey) > 0 || p.PrivateKeyFile != ""
}
