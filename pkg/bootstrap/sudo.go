package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/botdock/botdock/pkg/session"
	"github.com/botdock/botdock/pkg/types"
)

// SudoPasswordFunc supplies the user's sudo password when passwordless
// elevation is unavailable. The default reads from the local TTY. The
// password lives only in process memory and is sent once per command over
// the command's stdin; it is never persisted or echoed.
type SudoPasswordFunc func() (string, error)

// TerminalPassword prompts on the controlling terminal without echo
func TerminalPassword() (string, error) {
	fmt.Fprint(os.Stderr, "sudo password for remote host: ")
	defer fmt.Fprintln(os.Stderr)

	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", fmt.Errorf("failed to read password from terminal: %w", err)
	}
	return string(pw), nil
}

// elevate runs cmd with privileges: sudo -n first, then a password-fed
// sudo -S if the host demands one.
func (b *Bootstrapper) elevate(ctx context.Context, cmd string) (*session.Result, error) {
	res, err := b.sess.Run(ctx, fmt.Sprintf("sudo -n sh -c '%s'", cmd), session.WithTimeout(installTimeout))
	if err == nil {
		return res, nil
	}

	var execErr *types.RemoteExecError
	if !errors.As(err, &execErr) || !needsPassword(execErr.Stderr) {
		return res, err
	}

	if b.sudoPassword == nil {
		return nil, &types.RemoteExecError{Cmd: cmd, ExitCode: execErr.ExitCode, Stderr: "sudo requires a password and no prompt is available"}
	}
	if b.cachedPassword == "" {
		pw, err := b.sudoPassword()
		if err != nil {
			return nil, err
		}
		b.cachedPassword = pw
	}

	stdin := strings.NewReader(b.cachedPassword + "\n")
	return b.sess.Run(ctx, fmt.Sprintf("sudo -S -p '' sh -c '%s'", cmd),
		session.WithStdin(stdin), session.WithTimeout(installTimeout))
}

func needsPassword(stderr string) bool {
	return strings.Contains(stderr, "password is required") ||
		strings.Contains(stderr, "a password is required") ||
		strings.Contains(stderr, "sudo: a terminal is required")
}
