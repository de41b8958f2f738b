package domain

import (
	"errors"
	"fmt"
)

const (
	SecretKindSSH    = "ssh"
	SecretKindSSHKey = "ssh-key"
	SecretKindWinRM  = "winrm"
)

var ErrUnknownSecretKind = errors.New("unknown secret kind")

// SecretReader is an unlocked credential store.
type SecretReader interface {
	GetSecret(key string) (string, error)
	ListSecrets() ([]string, error)
}

type SecretReadWriter interface {
	SecretReader
	SetSecret(key, val string) error
	DeleteSecret(key string) error
}

// SecretKey names the store entry holding the secret of kind for user.
func SecretKey(kind, user string) (string, error) {
	switch kind {
	case SecretKindSSH, SecretKindSSHKey, SecretKindWinRM:
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSecretKind, kind)
	}
	if user == "" {
		return "", ErrMissingUser
	}
	return kind + ":" + user, nil
}
