package domain

import (
	"net"
	"strconv"
	"time"
)

const (
	DefaultWinRMPort             = 5986
	DefaultWinRMHTTPPort         = 5985
	DefaultWinRMOperationTimeout = 3600 * time.Second
	DefaultWinRMConnectTimeout   = 60 * time.Second
)

// WinRMParameters describes a Windows management endpoint.
type WinRMParameters struct {
	Host     string
	Port     int
	HTTPS    bool
	Insecure bool
	User     string
	Password string `json:"-"`

	// OperationTimeout is the server-side WS-Management operation timeout.
	OperationTimeout time.Duration
	// ConnectTimeout bounds the HTTP round trip.
	ConnectTimeout time.Duration
}

func NewWinRMParameters(host, user, password string) WinRMParameters {
	return WinRMParameters{
		Host:             host,
		Port:             DefaultWinRMPort,
		HTTPS:            true,
		Insecure:         true,
		User:             user,
		Password:         password,
		OperationTimeout: DefaultWinRMOperationTimeout,
		ConnectTimeout:   DefaultWinRMConnectTimeout,
	}
}

func (p WinRMParameters) Validate() error {
	if p.Host == "" {
		return ErrMissingHost
	}
	if p.User == "" {
		return ErrMissingUser
	}
	if p.Password == "" {
		return ErrMissingCredentials
	}
	return nil
}

func (p WinRMParameters) Addr() string {
	port := p.Port
	if port == 0 {
		port = DefaultWinRMPort
	}
	return net.JoinHostPort(p.Host, strconv.Itoa(port))
}
