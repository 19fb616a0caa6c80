package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/botdock/botdock/pkg/log"
	"github.com/botdock/botdock/pkg/session"
	"github.com/botdock/botdock/pkg/types"
)

var secretNameRe = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)

// Secret is one decoded vault entry; plaintext is never stored
type Secret struct {
	Name       string
	Nonce      []byte
	Ciphertext []byte // includes the GCM tag
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Vault is the at-rest encrypted key-value store for one deployment's
// runtime secrets. Local storage is ciphertext only; plaintext exists only
// in memory and in the materialized env file on the host.
type Vault struct {
	path   string
	key    []byte
	logger zerolog.Logger
}

// Open returns a vault backed by the file at path, encrypted with the
// 32-byte workstation key. The file is created on first Set.
func Open(path string, key []byte) (*Vault, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}
	return &Vault{
		path:   path,
		key:    key,
		logger: log.WithComponent("vault"),
	}, nil
}

func (v *Vault) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// associatedData binds the secret name and format version into the
// authentication tag so renaming an entry on disk is detected as tampering.
func associatedData(name string) []byte {
	ad := make([]byte, 0, len(name)+2)
	ad = append(ad, name...)
	ad = append(ad, 0, FormatVersion)
	return ad
}

// Set creates or updates a secret. Values containing newlines or null
// bytes are rejected because the env file format cannot represent them.
func (v *Vault) Set(name, plaintext string) error {
	if !secretNameRe.MatchString(name) {
		return &types.ConfigInvalidError{Reason: fmt.Sprintf("secret name %q must match [A-Z_][A-Z0-9_]*", name)}
	}
	if strings.ContainsAny(plaintext, "\n\r\x00") {
		return &types.ConfigInvalidError{Reason: fmt.Sprintf("secret %s value must not contain newlines or null bytes", name)}
	}

	return v.mutate(func(secrets map[string]*Secret) error {
		gcm, err := v.aead()
		if err != nil {
			return err
		}
		nonce := make([]byte, gcm.NonceSize())
		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return fmt.Errorf("failed to generate nonce: %w", err)
		}

		now := time.Now().UTC()
		sec := &Secret{
			Name:       name,
			Nonce:      nonce,
			Ciphertext: gcm.Seal(nil, nonce, []byte(plaintext), associatedData(name)),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if prev, ok := secrets[name]; ok {
			sec.CreatedAt = prev.CreatedAt
		}
		secrets[name] = sec
		return nil
	})
}

// Get returns the decrypted value of a secret
func (v *Vault) Get(name string) (string, error) {
	secrets, err := v.load()
	if err != nil {
		return "", err
	}
	return v.decrypt(secrets, name)
}

func (v *Vault) decrypt(secrets map[string]*Secret, name string) (string, error) {
	sec, ok := secrets[name]
	if !ok {
		return "", &types.SecretMissingError{Name: name}
	}
	gcm, err := v.aead()
	if err != nil {
		return "", err
	}
	plaintext, err := gcm.Open(nil, sec.Nonce, sec.Ciphertext, associatedData(name))
	if err != nil {
		return "", &types.SecretCorruptError{Name: name}
	}
	return string(plaintext), nil
}

// Remove deletes a secret; removing an absent name is not an error
func (v *Vault) Remove(name string) error {
	return v.mutate(func(secrets map[string]*Secret) error {
		delete(secrets, name)
		return nil
	})
}

// List returns the stored secret names in sorted order, never plaintext
func (v *Vault) List() ([]string, error) {
	secrets, err := v.load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(secrets))
	for name := range secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Materialize writes the plaintext env file for the given required secret
// names to remotePath (mode 0600), replacing any previous file atomically
// via a host-side temp-then-rename. The file contains exactly the required
// set, sorted by name.
func (v *Vault) Materialize(ctx context.Context, sess session.Session, remotePath string, required []string) error {
	secrets, err := v.load()
	if err != nil {
		return err
	}

	names := append([]string(nil), required...)
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		value, err := v.decrypt(secrets, name)
		if err != nil {
			return err
		}
		fmt.Fprintf(&b, "%s=%s\n", name, value)
	}

	tmpPath := remotePath + ".tmp"
	if err := sess.Upload(ctx, []byte(b.String()), tmpPath, 0o600); err != nil {
		return err
	}
	if _, err := sess.Run(ctx, fmt.Sprintf("mv -f %q %q", tmpPath, remotePath)); err != nil {
		return err
	}

	v.logger.Info().Int("secrets", len(names)).Str("path", remotePath).Msg("materialized secrets on host")
	return nil
}

// mutate loads the vault, applies fn, and writes it back under a file lock
func (v *Vault) mutate(fn func(map[string]*Secret) error) error {
	if err := os.MkdirAll(filepath.Dir(v.path), 0o700); err != nil {
		return fmt.Errorf("failed to create vault directory: %w", err)
	}

	lock := flock.New(v.path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock vault: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	secrets, err := v.load()
	if err != nil {
		return err
	}
	if err := fn(secrets); err != nil {
		return err
	}
	return v.save(secrets)
}

func (v *Vault) load() (map[string]*Secret, error) {
	data, err := os.ReadFile(v.path)
	if os.IsNotExist(err) {
		return map[string]*Secret{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read vault: %w", err)
	}
	return decodeFile(data)
}

func (v *Vault) save(secrets map[string]*Secret) error {
	data := encodeFile(secrets)

	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write vault: %w", err)
	}
	if err := os.Rename(tmp, v.path); err != nil {
		return fmt.Errorf("failed to replace vault: %w", err)
	}
	return nil
}
