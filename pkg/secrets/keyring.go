package secrets

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Rudd3r/lisrc/pkg/domain"
	"github.com/google/uuid"
	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	// keyringSecretStorePassword is the key for the secret store password in the keyring
	keyringSecretStorePassword = domain.AppName + "_secret_store_password"
)

var (
	// keyringService is the service name used in the keyring
	// Can be overridden for testing to avoid interfering with production keyring
	keyringService = domain.AppName

	// ErrSecretNotFound is returned when a secret is not found in the keyring
	ErrSecretNotFound = errors.New("secret not found in keyring")

	ErrStorePasswordNotConfigured = errors.New("secret store password not configured: set " +
		domain.EnvSecretStorePassword + ", configure InsecureSecretStorePassword, or run secrets set")
)

func setKeyringServiceForTesting(testServiceName string) func() {
	originalService := keyringService
	keyringService = testServiceName
	return func() {
		keyringService = originalService
	}
}

// GetSecretStorePasswordFromKeyring retrieves the secret store password from the keyring
func GetSecretStorePasswordFromKeyring() (string, error) {
	password, err := keyring.Get(keyringService, keyringSecretStorePassword)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrSecretNotFound
		}
		return "", fmt.Errorf("failed to get password from keyring: %w", err)
	}
	return password, nil
}

func SetSecretStorePasswordInKeyring(password string) error {
	if err := keyring.Set(keyringService, keyringSecretStorePassword, password); err != nil {
		return fmt.Errorf("failed to set password in keyring: %w", err)
	}
	return nil
}

func DeleteSecretStorePasswordFromKeyring() error {
	if err := keyring.Delete(keyringService, keyringSecretStorePassword); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete password from keyring: %w", err)
	}
	return nil
}

// IsKeyringAvailable checks if the keyring is available on the system
func IsKeyringAvailable() bool {
	_, err := keyring.Get(keyringService, uuid.New().String())
	return err == nil || errors.Is(err, keyring.ErrNotFound)
}

type configManager interface {
	HasSecretStorePassword() bool
	SetSecretStorePassword(string)
}

// EnsurePasswordFromConfig falls back to the keyring when neither the
// environment nor the config file supplied the store password.
func EnsurePasswordFromConfig(cfg configManager) error {
	if cfg.HasSecretStorePassword() {
		return nil
	}
	password, err := GetSecretStorePasswordFromKeyring()
	if err == nil && password != "" {
		cfg.SetSecretStorePassword(password)
		return nil
	}
	if err != nil && !errors.Is(err, ErrSecretNotFound) {
		return err
	}
	return ErrStorePasswordNotConfigured
}

// PromptPassword asks for a password on the terminal, or reads one line from
// in when it is not a terminal.
func PromptPassword(in *os.File, out io.Writer, prompt string) (string, error) {
	_, _ = fmt.Fprint(out, prompt)

	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return readLine(in)
	}

	passwordBytes, err := term.ReadPassword(fd)
	if err != nil {
		return "", err
	}
	_, _ = fmt.Fprintln(out)

	return string(passwordBytes), nil
}

// readLine reads up to a newline without buffering past it, so consecutive
// prompts can share one input.
func readLine(r io.Reader) (string, error) {
	var line []byte
	b := make([]byte, 1)
	for {
		n, err := r.Read(b)
		if n > 0 {
			if b[0] == '\n' {
				break
			}
			line = append(line, b[0])
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(line) > 0 {
				break
			}
			return "", err
		}
	}
	return strings.TrimSpace(string(line)), nil
}
