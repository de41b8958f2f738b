package secrets

import (
	"errors"
	"fmt"
	"io"
	"os"
)

const minStorePasswordLength = 8

// SetupSecretStorePassword asks for a new store password and keeps it in the
// keyring. Without a keyring the password has to come from the environment.
func SetupSecretStorePassword(in *os.File, out io.Writer, cfg configManager) error {
	if !IsKeyringAvailable() {
		return ErrStorePasswordNotConfigured
	}
	_, _ = fmt.Fprintln(out, "The secret store needs a password. It will be kept in the system keyring.")

	password, err := PromptPassword(in, out, "New secret store password: ")
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	if len(password) < minStorePasswordLength {
		return fmt.Errorf("password must be at least %d characters long", minStorePasswordLength)
	}
	confirm, err := PromptPassword(in, out, "Confirm password: ")
	if err != nil {
		return fmt.Errorf("failed to read confirmation password: %w", err)
	}
	if password != confirm {
		return errors.New("passwords do not match")
	}

	if err = SetSecretStorePasswordInKeyring(password); err != nil {
		return err
	}
	cfg.SetSecretStorePassword(password)
	return nil
}
