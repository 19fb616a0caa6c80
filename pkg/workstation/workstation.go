package workstation

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/botdock/botdock/pkg/log"
)

// KeySize is the symmetric key length for vault encryption (AES-256)
const KeySize = 32

// Paths owns the workstation-side shared state: the app directory, the
// vault encryption key file, and the known-hosts file. Initialize once at
// process start and pass it down; packages never touch these files directly.
type Paths struct {
	Root string
}

// Default returns Paths rooted at ~/.botdock
func Default() (*Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return &Paths{Root: filepath.Join(home, ".botdock")}, nil
}

// KeyPath is the 32-byte symmetric key file (mode 0600)
func (p *Paths) KeyPath() string {
	return filepath.Join(p.Root, "key")
}

// KnownHostsPath is the pinned host-key file
func (p *Paths) KnownHostsPath() string {
	return filepath.Join(p.Root, "known_hosts")
}

// VaultPath is the encrypted secret store for one deployment
func (p *Paths) VaultPath(deploymentID string) string {
	return filepath.Join(p.Root, "vaults", deploymentID+".vault")
}

// RegistryPath is the local deployment registry database
func (p *Paths) RegistryPath() string {
	return filepath.Join(p.Root, "registry.db")
}

// EnsureKey loads the vault encryption key, generating it from a
// cryptographically secure source on first use. The key never leaves the
// workstation.
func (p *Paths) EnsureKey() ([]byte, error) {
	keyPath := p.KeyPath()

	data, err := os.ReadFile(keyPath)
	if err == nil {
		if len(data) != KeySize {
			return nil, fmt.Errorf("key file %s has %d bytes, want %d; refusing to use it", keyPath, len(data), KeySize)
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	if err := os.MkdirAll(p.Root, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create app directory: %w", err)
	}

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if err := os.WriteFile(keyPath, key, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}

	logger := log.WithComponent("workstation")
	logger.Info().Str("path", keyPath).Msg("generated new vault key")
	return key, nil
}
