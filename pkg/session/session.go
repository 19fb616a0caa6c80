package session

import (
	"context"
	"io"
	"os"
	"time"
)

// DefaultRunTimeout is the soft timeout applied to Run when no override is
// given. Uploads and downloads have no timeout; they stream in chunks.
const DefaultRunTimeout = 60 * time.Second

// Result carries the outcome of one remote command
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ProgressFunc observes transfer progress. total is -1 when unknown.
type ProgressFunc func(transferred, total int64)

// RunOption customizes a single Run invocation
type RunOption func(*runOptions)

type runOptions struct {
	timeout time.Duration
	stdin   io.Reader
}

// WithTimeout extends or shortens the soft timeout for one command
func WithTimeout(d time.Duration) RunOption {
	return func(o *runOptions) { o.timeout = d }
}

// WithStdin feeds the command's standard input
func WithStdin(r io.Reader) RunOption {
	return func(o *runOptions) { o.stdin = r }
}

// Session is one authenticated shell and file-transfer channel to a host.
// A Session is exclusively owned by the coordinator call that opened it and
// must be closed on all exit paths. Run is a pure passthrough; callers are
// responsible for the idempotency of the commands they issue.
type Session interface {
	// Run executes cmd on the host. A non-zero exit returns the populated
	// Result together with a *types.RemoteExecError.
	Run(ctx context.Context, cmd string, opts ...RunOption) (*Result, error)

	// Upload writes data to remotePath with the given mode, streaming in
	// chunks and reporting progress.
	Upload(ctx context.Context, data []byte, remotePath string, mode os.FileMode) error

	// Download reads the remote file into memory.
	Download(ctx context.Context, remotePath string) ([]byte, error)

	// DownloadTo streams the remote file into w, for large archives.
	DownloadTo(ctx context.Context, remotePath string, w io.Writer) (int64, error)

	// Exists reports whether remotePath exists.
	Exists(ctx context.Context, remotePath string) (bool, error)

	// HomeDir returns the remote user's home directory.
	HomeDir(ctx context.Context) (string, error)

	// SetProgress installs a transfer progress hook. The hook must not block.
	SetProgress(fn ProgressFunc)

	Close() error
}
