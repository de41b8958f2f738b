package secrets

import (
	"errors"
	"log/slog"
	"os"

	"github.com/Rudd3r/lisrc/pkg/domain"
)

// ResolveCredentials fills in the guest password, guest private key and host
// password the config does not already carry. Environment, config file and
// flag values take precedence over the store.
func ResolveCredentials(log *slog.Logger, cfg *domain.Config, store domain.SecretReader) {
	lookup := func(kind, user string) string {
		key, err := domain.SecretKey(kind, user)
		if err != nil {
			return ""
		}
		val, err := store.GetSecret(key)
		if err != nil {
			if !errors.Is(err, ErrEntryNotFound) {
				log.Debug("secret store lookup failed", "kind", kind, "user", user, "error", err)
			}
			return ""
		}
		return val
	}

	if cfg.SSHPassword() == "" {
		if val := lookup(domain.SecretKindSSH, cfg.SSHUser); val != "" {
			cfg.SetSSHPassword(val)
		}
	}
	if cfg.SSHKeyFile == "" && len(cfg.SSHPrivateKey()) == 0 {
		if val := lookup(domain.SecretKindSSHKey, cfg.SSHUser); val != "" {
			cfg.SetSSHPrivateKey([]byte(val))
		}
	}
	if cfg.WinRMPassword() == "" {
		if val := lookup(domain.SecretKindWinRM, cfg.WinRMUser); val != "" {
			cfg.SetWinRMPassword(val)
		}
	}
}

// LoadCredentials resolves credentials from the store in the config
// directory. A missing store, or no password to open it with, leaves the
// config unchanged.
func LoadCredentials(log *slog.Logger, cfg *domain.Config) {
	path := cfg.SecretStoreFile()
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := EnsurePasswordFromConfig(cfg); err != nil {
		log.Debug("secret store not opened", "path", path, "error", err)
		return
	}
	store, err := OpenSecretStore(path, cfg.SecretStorePassword())
	if err != nil {
		log.Warn("failed to open secret store", "path", path, "error", err)
		return
	}
	ResolveCredentials(log, cfg, store)
}

// UpdateSecretStore opens the store in the config directory, creating it when
// absent, applies update and writes the result back.
func UpdateSecretStore(cfg *domain.Config, update func(store *SecretStore) error) error {
	if err := EnsurePasswordFromConfig(cfg); err != nil {
		return err
	}
	path := cfg.SecretStoreFile()
	store, err := OpenSecretStore(path, cfg.SecretStorePassword())
	if err != nil {
		return err
	}
	if err = update(store); err != nil {
		return err
	}
	return store.Save(path)
}
