package session

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/botdock/botdock/pkg/log"
)

// HostKeyMismatchError reports a host key that differs from the pinned one.
// It surfaces to callers as an AuthError; no remote command runs.
type HostKeyMismatchError struct {
	Host string
}

func (e *HostKeyMismatchError) Error() string {
	return fmt.Sprintf("host key for %s does not match the pinned key; remove the stale entry from the known hosts file if the host was reinstalled", e.Host)
}

// TrustOnFirstUse returns a HostKeyCallback backed by the given known-hosts
// file. Unknown hosts are pinned on first contact (the fingerprint is logged);
// a later mismatch fails with HostKeyMismatchError. Appends are serialized
// with a file lock so parallel deployments do not corrupt the file.
func TrustOnFirstUse(path, host string) (ssh.HostKeyCallback, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create known hosts dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create known hosts file: %w", err)
	}
	_ = f.Close()

	logger := log.WithComponent("session")

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		check, err := knownhosts.New(path)
		if err != nil {
			return fmt.Errorf("load known hosts: %w", err)
		}

		err = check(hostname, remote, key)
		if err == nil {
			return nil
		}

		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) {
			return err
		}
		if len(keyErr.Want) > 0 {
			return &HostKeyMismatchError{Host: host}
		}

		// First contact: pin the key and inform the user.
		if err := appendKnownHost(path, hostname, key); err != nil {
			return fmt.Errorf("pin host key: %w", err)
		}
		logger.Info().
			Str("host", hostname).
			Str("fingerprint", ssh.FingerprintSHA256(key)).
			Msg("pinned new host key on first contact")
		return nil
	}, nil
}

func appendKnownHost(path, hostname string, key ssh.PublicKey) error {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock known hosts file: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	_, err = fmt.Fprintln(f, line)
	return err
}
