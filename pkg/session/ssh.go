package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/botdock/botdock/pkg/log"
	"github.com/botdock/botdock/pkg/metrics"
	"github.com/botdock/botdock/pkg/types"
)

const uploadChunkSize = 32 * 1024

// stderrTailBytes bounds how much stderr is carried inside RemoteExecError
const stderrTailBytes = 4 * 1024

// SSHSession implements Session over a single multiplexed SSH connection
// with an SFTP subsystem for file transfer.
type SSHSession struct {
	host   string
	client *ssh.Client
	sftp   *sftp.Client
	logger zerolog.Logger

	mu       sync.Mutex
	progress ProgressFunc
	home     string
}

var _ Session = (*SSHSession)(nil)

// Dial opens an authenticated session to the host described by cfg.
// Host keys are verified against knownHostsPath (trust-on-first-use).
func Dial(ctx context.Context, cfg *types.DeploymentConfig, knownHostsPath string) (*SSHSession, error) {
	auth, err := authMethod(cfg)
	if err != nil {
		return nil, err
	}

	hostKeyCallback, err := TrustOnFirstUse(knownHostsPath, cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("failed to set up host key verification: %w", err)
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	clientConfig := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hostKeyCallback,
		Timeout:         15 * time.Second,
	}

	dialer := net.Dialer{Timeout: clientConfig.Timeout}
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &types.NetworkError{Host: cfg.Host, Err: err}
	}

	conn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, clientConfig)
	if err != nil {
		_ = tcpConn.Close()
		if isAuthFailure(err) {
			return nil, &types.AuthError{Host: cfg.Host, Reason: err.Error()}
		}
		return nil, &types.NetworkError{Host: cfg.Host, Err: err}
	}

	client := ssh.NewClient(conn, chans, reqs)
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		return nil, &types.NetworkError{Host: cfg.Host, Err: fmt.Errorf("open sftp subsystem: %w", err)}
	}

	return &SSHSession{
		host:   cfg.Host,
		client: client,
		sftp:   sftpClient,
		logger: log.WithComponent("session").With().Str("host", cfg.Host).Logger(),
	}, nil
}

func authMethod(cfg *types.DeploymentConfig) (ssh.AuthMethod, error) {
	switch cfg.Auth.Kind {
	case types.AuthKindKey:
		pem, err := os.ReadFile(cfg.Auth.Path)
		if err != nil {
			return nil, &types.AuthError{Host: cfg.Host, Reason: fmt.Sprintf("read key file: %v", err)}
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, &types.AuthError{Host: cfg.Host, Reason: fmt.Sprintf("parse key file: %v", err)}
		}
		return ssh.PublicKeys(signer), nil

	case types.AuthKindAgent:
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, &types.AuthError{Host: cfg.Host, Reason: "auth kind=agent but SSH_AUTH_SOCK is not set"}
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, &types.AuthError{Host: cfg.Host, Reason: fmt.Sprintf("connect to ssh agent: %v", err)}
		}
		ag := agent.NewClient(conn)
		return ssh.PublicKeysCallback(ag.Signers), nil

	default:
		return nil, &types.ConfigInvalidError{Reason: fmt.Sprintf("unknown auth kind %q", cfg.Auth.Kind)}
	}
}

func isAuthFailure(err error) bool {
	var hostKeyErr *HostKeyMismatchError
	if errors.As(err, &hostKeyErr) {
		return true
	}
	return strings.Contains(err.Error(), "unable to authenticate")
}

// Run executes cmd with the soft timeout. Non-zero exits return the Result
// together with a RemoteExecError; transport failures return NetworkError.
func (s *SSHSession) Run(ctx context.Context, cmd string, opts ...RunOption) (*Result, error) {
	options := runOptions{timeout: DefaultRunTimeout}
	for _, opt := range opts {
		opt(&options)
	}

	sess, err := s.client.NewSession()
	if err != nil {
		return nil, &types.NetworkError{Host: s.host, Err: err}
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdin = options.stdin
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	s.logger.Debug().Str("cmd", cmd).Msg("running remote command")
	metrics.RemoteCommandsTotal.Inc()

	runCtx := ctx
	if options.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, options.timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		done <- sess.Run(cmd)
	}()

	select {
	case <-runCtx.Done():
		// Best-effort abort of the in-flight command.
		_ = sess.Close()
		<-done
		return nil, &types.NetworkError{Host: s.host, Err: fmt.Errorf("command %q: %w", cmd, runCtx.Err())}
	case err = <-done:
	}

	result := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err == nil {
		return result, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitStatus()
		return result, &types.RemoteExecError{
			Cmd:      cmd,
			ExitCode: result.ExitCode,
			Stderr:   tail(result.Stderr, stderrTailBytes),
		}
	}
	return nil, &types.NetworkError{Host: s.host, Err: err}
}

// Upload writes data to remotePath in chunks, creating parent directories
func (s *SSHSession) Upload(ctx context.Context, data []byte, remotePath string, mode os.FileMode) error {
	if err := s.sftp.MkdirAll(path.Dir(remotePath)); err != nil {
		return &types.NetworkError{Host: s.host, Err: fmt.Errorf("mkdir %s: %w", path.Dir(remotePath), err)}
	}

	f, err := s.sftp.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return &types.NetworkError{Host: s.host, Err: fmt.Errorf("open %s: %w", remotePath, err)}
	}

	total := int64(len(data))
	var written int64
	for written < total {
		if err := ctx.Err(); err != nil {
			_ = f.Close()
			return &types.NetworkError{Host: s.host, Err: err}
		}
		end := written + uploadChunkSize
		if end > total {
			end = total
		}
		n, err := f.Write(data[written:end])
		if err != nil {
			_ = f.Close()
			return &types.NetworkError{Host: s.host, Err: fmt.Errorf("write %s: %w", remotePath, err)}
		}
		written += int64(n)
		s.report(written, total)
	}

	if err := f.Close(); err != nil {
		return &types.NetworkError{Host: s.host, Err: fmt.Errorf("close %s: %w", remotePath, err)}
	}
	if err := s.sftp.Chmod(remotePath, mode); err != nil {
		return &types.NetworkError{Host: s.host, Err: fmt.Errorf("chmod %s: %w", remotePath, err)}
	}
	metrics.TransferBytes.WithLabelValues("upload").Add(float64(total))
	return nil
}

// Download reads the remote file into memory
func (s *SSHSession) Download(ctx context.Context, remotePath string) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := s.DownloadTo(ctx, remotePath, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DownloadTo streams the remote file into w and returns the byte count
func (s *SSHSession) DownloadTo(ctx context.Context, remotePath string, w io.Writer) (int64, error) {
	f, err := s.sftp.Open(remotePath)
	if err != nil {
		return 0, &types.NetworkError{Host: s.host, Err: fmt.Errorf("open %s: %w", remotePath, err)}
	}
	defer f.Close()

	total := int64(-1)
	if fi, err := f.Stat(); err == nil {
		total = fi.Size()
	}

	var copied int64
	buf := make([]byte, uploadChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return copied, &types.NetworkError{Host: s.host, Err: err}
		}
		n, readErr := f.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return copied, fmt.Errorf("write local copy: %w", err)
			}
			copied += int64(n)
			s.report(copied, total)
		}
		if readErr == io.EOF {
			metrics.TransferBytes.WithLabelValues("download").Add(float64(copied))
			return copied, nil
		}
		if readErr != nil {
			return copied, &types.NetworkError{Host: s.host, Err: fmt.Errorf("read %s: %w", remotePath, readErr)}
		}
	}
}

// Exists reports whether remotePath exists on the host
func (s *SSHSession) Exists(_ context.Context, remotePath string) (bool, error) {
	_, err := s.sftp.Stat(remotePath)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, &types.NetworkError{Host: s.host, Err: fmt.Errorf("stat %s: %w", remotePath, err)}
}

// HomeDir returns the remote user's home directory, cached after first use
func (s *SSHSession) HomeDir(ctx context.Context) (string, error) {
	s.mu.Lock()
	home := s.home
	s.mu.Unlock()
	if home != "" {
		return home, nil
	}

	res, err := s.Run(ctx, `printf '%s' "$HOME"`)
	if err != nil {
		return "", err
	}
	home = strings.TrimSpace(res.Stdout)
	if home == "" {
		return "", &types.RemoteExecError{Cmd: "printf $HOME", ExitCode: 0, Stderr: "empty HOME"}
	}

	s.mu.Lock()
	s.home = home
	s.mu.Unlock()
	return home, nil
}

// SetProgress installs a transfer progress hook
func (s *SSHSession) SetProgress(fn ProgressFunc) {
	s.mu.Lock()
	s.progress = fn
	s.mu.Unlock()
}

func (s *SSHSession) report(transferred, total int64) {
	s.mu.Lock()
	fn := s.progress
	s.mu.Unlock()
	if fn != nil {
		fn(transferred, total)
	}
}

// Close tears down the SFTP subsystem and the underlying connection
func (s *SSHSession) Close() error {
	var errs []error
	if s.sftp != nil {
		if err := s.sftp.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// tail returns at most n trailing bytes of s, starting at a line boundary
// when one is available
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[len(s)-n:]
	if idx := strings.IndexByte(cut, '\n'); idx >= 0 && idx < len(cut)-1 {
		return cut[idx+1:]
	}
	return cut
}
