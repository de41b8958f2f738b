package secrets

import (
	"bytes"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Rudd3r/lisrc/pkg/domain"
	"github.com/tobischo/gokeepasslib/v3"
	"github.com/tobischo/gokeepasslib/v3/wrappers"
	gossh "golang.org/x/crypto/ssh"
)

var _ domain.SecretReadWriter = (*SecretStore)(nil)

var (
	ErrDatabaseNotUnlocked = errors.New("database not unlocked")
	ErrEntryNotFound       = errors.New("entry not found")
	ErrInvalidSSHKey       = errors.New("invalid SSH key format")
)

// SecretStore is a KeePass database held in memory. Read and Write move the
// encrypted form in and out; Unlock and Lock convert between the two.
type SecretStore struct {
	buff   *bytes.Buffer
	db     *gokeepasslib.Database
	pass   string
	locked bool
}

func NewSecretStore(pass string) *SecretStore {
	return &SecretStore{
		buff:   &bytes.Buffer{},
		pass:   pass,
		locked: true,
	}
}

// OpenSecretStore reads and unlocks the store at path. A missing file yields
// an empty store that Save will create.
func OpenSecretStore(path, pass string) (*SecretStore, error) {
	s := NewSecretStore(pass)
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read secret store: %w", err)
	}
	if _, err = s.Write(data); err != nil {
		return nil, err
	}
	if err = s.Unlock(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SecretStore) Reset() {
	s.buff.Reset()
}

func (s *SecretStore) Bytes() []byte {
	return s.buff.Bytes()
}

func (s *SecretStore) Read(p []byte) (n int, err error) {
	return s.buff.Read(p)
}

func (s *SecretStore) Write(p []byte) (n int, err error) {
	return s.buff.Write(p)
}

func (s *SecretStore) Unlock() error {
	if s.buff.Len() == 0 {
		s.createNewDatabase(s.pass)
		return nil
	}

	db := gokeepasslib.NewDatabase()
	db.Credentials = gokeepasslib.NewPasswordCredentials(s.pass)

	if err := gokeepasslib.NewDecoder(s).Decode(db); err != nil {
		return fmt.Errorf("failed to decode database: %w", err)
	}
	if err := db.UnlockProtectedEntries(); err != nil {
		return fmt.Errorf("failed to unlock protected entries: %w", err)
	}

	s.db = db
	s.locked = false
	return nil
}

func (s *SecretStore) createNewDatabase(pass string) {
	db := gokeepasslib.NewDatabase()
	db.Credentials = gokeepasslib.NewPasswordCredentials(pass)

	rootGroup := gokeepasslib.NewGroup()
	rootGroup.Name = domain.AppName

	db.Content = &gokeepasslib.DBContent{
		Meta: gokeepasslib.NewMetaData(),
		Root: &gokeepasslib.RootData{
			Groups: []gokeepasslib.Group{rootGroup},
		},
	}

	s.db = db
	s.locked = false
}

// Lock encrypts the database into the buffer.
func (s *SecretStore) Lock() error {
	if s.db == nil {
		return ErrDatabaseNotUnlocked
	}
	if err := s.db.LockProtectedEntries(); err != nil {
		return fmt.Errorf("failed to lock protected entries: %w", err)
	}

	s.buff.Truncate(0)
	if err := gokeepasslib.NewEncoder(s).Encode(s.db); err != nil {
		return fmt.Errorf("failed to encode database: %w", err)
	}
	s.locked = true
	return nil
}

// Save writes the encrypted database to path and leaves the store unlocked.
func (s *SecretStore) Save(path string) error {
	if s.locked || s.db == nil {
		return ErrDatabaseNotUnlocked
	}
	if err := s.Lock(); err != nil {
		return err
	}
	if err := s.db.UnlockProtectedEntries(); err != nil {
		return fmt.Errorf("failed to unlock protected entries: %w", err)
	}
	s.locked = false

	if err := domain.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, s.buff.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write secret store: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace secret store: %w", err)
	}
	return nil
}

func (s *SecretStore) GetSecret(key string) (string, error) {
	if s.locked || s.db == nil {
		return "", ErrDatabaseNotUnlocked
	}
	entry := s.findEntry(key)
	if entry == nil {
		return "", ErrEntryNotFound
	}
	return entry.GetPassword(), nil
}

func (s *SecretStore) SetSecret(key, val string) error {
	if s.locked || s.db == nil {
		return ErrDatabaseNotUnlocked
	}

	values := []gokeepasslib.ValueData{
		{Key: "Title", Value: gokeepasslib.V{Content: key}},
		{Key: "Password", Value: gokeepasslib.V{Content: val, Protected: wrappers.NewBoolWrapper(true)}},
	}
	if entry := s.findEntry(key); entry != nil {
		entry.Values = append(entry.Values[:0], values...)
		return nil
	}

	newEntry := gokeepasslib.NewEntry()
	newEntry.Values = values
	if len(s.db.Content.Root.Groups) == 0 {
		rootGroup := gokeepasslib.NewGroup()
		rootGroup.Name = domain.AppName
		s.db.Content.Root.Groups = []gokeepasslib.Group{rootGroup}
	}
	s.db.Content.Root.Groups[0].Entries = append(s.db.Content.Root.Groups[0].Entries, newEntry)
	return nil
}

// DeleteSecret removes key. Removing a missing key is not an error.
func (s *SecretStore) DeleteSecret(key string) error {
	if s.locked || s.db == nil {
		return ErrDatabaseNotUnlocked
	}
	if s.db.Content == nil || s.db.Content.Root == nil {
		return nil
	}
	for i := range s.db.Content.Root.Groups {
		group := &s.db.Content.Root.Groups[i]
		for j := range group.Entries {
			if group.Entries[j].GetTitle() == key {
				group.Entries = append(group.Entries[:j], group.Entries[j+1:]...)
				return nil
			}
		}
	}
	return nil
}

// SetSSHKey stores a PEM encoded private key. Passphrase protected keys are
// accepted as they are.
func (s *SecretStore) SetSSHKey(key string, pemData []byte) error {
	if s.locked || s.db == nil {
		return ErrDatabaseNotUnlocked
	}
	if block, _ := pem.Decode(pemData); block == nil {
		return ErrInvalidSSHKey
	}
	if _, err := gossh.ParseRawPrivateKey(pemData); err != nil {
		var missing *gossh.PassphraseMissingError
		if !errors.As(err, &missing) {
			return fmt.Errorf("%w: %w", ErrInvalidSSHKey, err)
		}
	}
	return s.SetSecret(key, string(pemData))
}

func (s *SecretStore) GetSSHKey(key string) ([]byte, error) {
	pemData, err := s.GetSecret(key)
	if err != nil {
		return nil, err
	}
	if block, _ := pem.Decode([]byte(pemData)); block == nil {
		return nil, ErrInvalidSSHKey
	}
	return []byte(pemData), nil
}

func (s *SecretStore) findEntry(title string) *gokeepasslib.Entry {
	if s.db == nil || s.db.Content == nil || s.db.Content.Root == nil {
		return nil
	}
	for i := range s.db.Content.Root.Groups {
		for j := range s.db.Content.Root.Groups[i].Entries {
			entry := &s.db.Content.Root.Groups[i].Entries[j]
			if entry.GetTitle() == title {
				return entry
			}
		}
	}
	return nil
}

// ListSecrets returns all secret keys (titles) in the database
func (s *SecretStore) ListSecrets() ([]string, error) {
	if s.locked || s.db == nil {
		return nil, ErrDatabaseNotUnlocked
	}

	var keys []string
	if s.db.Content == nil || s.db.Content.Root == nil {
		return keys, nil
	}
	for i := range s.db.Content.Root.Groups {
		for j := range s.db.Content.Root.Groups[i].Entries {
			if title := s.db.Content.Root.Groups[i].Entries[j].GetTitle(); title != "" {
				keys = append(keys, title)
			}
		}
	}
	return keys, nil
}
