package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/Rudd3r/lisrc/pkg/domain"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"
)

var (
	ErrPassphraseRequired  = errors.New("passphrase required for private key")
	ErrSSHAgentUnavailable = errors.New("ssh agent not available")
)

// PassphrasePrompt returns the passphrase for the provided key path.
type PassphrasePrompt func(keyPath string) (string, error)

// ParameterError reports connection parameters that can never succeed, such as
// unreadable key material. It stops the connect retry loop at once.
type ParameterError struct {
	What string
	Err  error
}

func (e *ParameterError) Error() string { return e.What + ": " + e.Err.Error() }

func (e *ParameterError) Unwrap() error { return e.Err }

// authMethods builds auth methods in order: private key, agent, password.
// The returned cleanup releases the agent connection once the handshake is over.
func authMethods(params domain.ConnectionParameters, prompt PassphrasePrompt) ([]ssh.AuthMethod, func(), error) {
	var methods []ssh.AuthMethod
	cleanup := func() {}

	if params.HasPrivateKey() {
		signer, err := loadSigner(params, prompt)
		if err != nil {
			return nil, cleanup, &ParameterError{What: "private key", Err: err}
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if params.UseAgent {
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			if len(methods) == 0 && params.Password == "" {
				return nil, cleanup, &ParameterError{What: "ssh agent", Err: ErrSSHAgentUnavailable}
			}
		} else if conn, err := net.Dial("unix", sock); err == nil {
			client := agent.NewClient(conn)
			methods = append(methods, ssh.PublicKeysCallback(client.Signers))
			cleanup = func() { _ = conn.Close() }
		}
	}

	if params.Password != "" {
		password := params.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	if len(methods) == 0 {
		return nil, cleanup, &ParameterError{What: "authentication", Err: domain.ErrMissingCredentials}
	}
	return methods, cleanup, nil
}

func loadSigner(params domain.ConnectionParameters, prompt PassphrasePrompt) (ssh.Signer, error) {
	keyBytes := params.PrivateKey
	source := "inline key"
	if len(keyBytes) == 0 {
		var err error
		keyBytes, err = os.ReadFile(params.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		source = params.PrivateKeyFile
	}

	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err == nil {
		return signer, nil
	}

	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	if prompt == nil {
		return nil, ErrPassphraseRequired
	}
	passphrase, err := prompt(source)
	if err != nil {
		return nil, fmt.Errorf("passphrase prompt failed: %w", err)
	}
	if passphrase == "" {
		return nil, ErrPassphraseRequired
	}
	signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(passphrase))
	if err != nil {
		return nil, fmt.Errorf("parse private key with passphrase: %w", err)
	}
	return signer, nil
}

// DefaultPassphrasePrompt reads a passphrase from stdin without echoing input.
func DefaultPassphrasePrompt(path string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("stdin is not a terminal")
	}

	_, _ = fmt.Fprintf(os.Stderr, "Enter passphrase for %s: ", path)
	passphrase, err := term.ReadPassword(fd)
	_, _ = fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(passphrase), nil
}

func hostKeyCallback(params domain.ConnectionParameters) (ssh.HostKeyCallback, error) {
	if params.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := params.KnownHostsFile
	if path == "" {
		var err error
		if path, err = domain.DefaultKnownHostsFile(); err != nil {
			return nil, &ParameterError{What: "known hosts", Err: err}
		}
	}
	callback, err := knownhosts.New(path)
	if err != nil {
		return nil, &ParameterError{What: "known hosts", Err: err}
	}
	return callback, nil
}
