package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/botdock/botdock/pkg/backup"
	"github.com/botdock/botdock/pkg/bootstrap"
	"github.com/botdock/botdock/pkg/lifecycle"
	"github.com/botdock/botdock/pkg/log"
	"github.com/botdock/botdock/pkg/metrics"
	"github.com/botdock/botdock/pkg/registry"
	"github.com/botdock/botdock/pkg/session"
	"github.com/botdock/botdock/pkg/types"
	"github.com/botdock/botdock/pkg/vault"
	"github.com/botdock/botdock/pkg/workstation"
)

const (
	// lockSuffix names the host-side lock file next to state.json
	lockSuffix = ".lock"

	// unwindGrace bounds the inconsistency marking after a cancelled
	// operation; it runs on a fresh context because the caller's is dead.
	unwindGrace = 30 * time.Second
)

// netBackoff is the retry schedule for transient network failures
var netBackoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// DialFunc opens a session to the configured host
type DialFunc func(ctx context.Context, cfg *types.DeploymentConfig, knownHostsPath string) (session.Session, error)

// Coordinator is the top-level orchestrator for one deployment. Every
// public operation opens its own session, takes the host-side deployment
// lock if it mutates anything, and closes the session on all paths.
type Coordinator struct {
	cfg   *types.DeploymentConfig
	paths *workstation.Paths
	vault *vault.Vault
	reg   *registry.Registry

	logger zerolog.Logger

	dial         DialFunc
	confirm      lifecycle.ConfirmFunc
	sudoPassword bootstrap.SudoPasswordFunc
	sourceRev    string
	pollInterval time.Duration
	now          func() time.Time
}

// Option customizes a Coordinator
type Option func(*Coordinator)

// WithDialer overrides how sessions are opened (tests)
func WithDialer(dial DialFunc) Option {
	return func(c *Coordinator) { c.dial = dial }
}

// WithRegistry records successful operations in the local registry
func WithRegistry(reg *registry.Registry) Option {
	return func(c *Coordinator) { c.reg = reg }
}

// WithConfirm installs the hook for inconclusive container-state checks
func WithConfirm(fn lifecycle.ConfirmFunc) Option {
	return func(c *Coordinator) { c.confirm = fn }
}

// WithSudoPassword overrides the sudo password prompt
func WithSudoPassword(fn bootstrap.SudoPasswordFunc) Option {
	return func(c *Coordinator) { c.sudoPassword = fn }
}

// WithSourceRevision tags new versions with a source control revision
func WithSourceRevision(rev string) Option {
	return func(c *Coordinator) { c.sourceRev = rev }
}

// WithPollInterval overrides the health probe interval (tests)
func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.pollInterval = d }
}

// WithClock overrides the time source (tests)
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New returns a Coordinator for one deployment config. The vault may be nil
// when the config requires no secrets.
func New(cfg *types.DeploymentConfig, paths *workstation.Paths, vlt *vault.Vault, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:   cfg,
		paths: paths,
		vault: vlt,
		logger: log.WithComponent("coordinator").With().
			Str("deployment", cfg.DeploymentID).Str("host", cfg.Host).Logger(),
		dial: func(ctx context.Context, cfg *types.DeploymentConfig, knownHostsPath string) (session.Session, error) {
			return session.Dial(ctx, cfg, knownHostsPath)
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// manager builds the lifecycle manager for one session
func (c *Coordinator) manager(sess session.Session, layout types.Layout) *lifecycle.Manager {
	opts := []lifecycle.Option{}
	if c.confirm != nil {
		opts = append(opts, lifecycle.WithConfirm(c.confirm))
	}
	if c.pollInterval > 0 {
		opts = append(opts, lifecycle.WithPollInterval(c.pollInterval))
	}
	return lifecycle.NewManager(sess, layout, c.cfg, opts...)
}

// backups builds the backup store for one session
func (c *Coordinator) backups(sess session.Session, layout types.Layout, container backup.ContainerControl) *backup.Store {
	return backup.NewStore(sess, layout, c.cfg, container,
		c.paths.VaultPath(c.cfg.DeploymentID), backup.WithClock(c.now))
}

// preflight runs every local check before the host is touched: the vault
// must hold, and be able to decrypt, every required secret.
func (c *Coordinator) preflight() error {
	if len(c.cfg.SecretsRequired) == 0 {
		return nil
	}
	if c.vault == nil {
		return &types.ConfigInvalidError{Reason: "config requires secrets but no vault is available"}
	}
	for _, name := range c.cfg.SecretsRequired {
		if _, err := c.vault.Get(name); err != nil {
			return err
		}
	}
	return nil
}

// run wraps one operation: session, optional lock, metrics, and the
// inconsistency marker for operations cancelled mid-mutation.
func (c *Coordinator) run(ctx context.Context, op string, locked bool, fn func(ctx context.Context, sess session.Session, layout types.Layout) error) error {
	timer := metrics.NewTimer()
	err := c.doRun(ctx, op, locked, fn)

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.OperationsTotal.WithLabelValues(op, outcome).Inc()
	timer.ObserveDurationVec(metrics.OperationDuration, op)

	if err != nil {
		c.logger.Error().Str("operation", op).Err(err).Msg("operation failed")
	} else {
		c.logger.Info().Str("operation", op).Dur("took", timer.Duration()).Msg("operation complete")
	}
	return err
}

func (c *Coordinator) doRun(ctx context.Context, op string, locked bool, fn func(ctx context.Context, sess session.Session, layout types.Layout) error) error {
	sess, layout, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	if locked {
		release, err := c.acquireLock(ctx, sess, layout)
		if err != nil {
			return err
		}
		defer release()
	}

	err = fn(ctx, sess, layout)
	if err != nil && locked && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		c.markInconsistent(sess, layout, fmt.Sprintf("%s cancelled mid-flight", op))
		return &types.DeploymentInconsistentError{
			DeploymentID: c.cfg.DeploymentID,
			Reason:       fmt.Sprintf("%s was cancelled before it could unwind; run status and recover", op),
		}
	}
	return err
}

// connect dials the host (retrying transient network failures) and resolves
// the deployment layout from the remote home directory.
func (c *Coordinator) connect(ctx context.Context) (session.Session, types.Layout, error) {
	var sess session.Session
	err := retryNetwork(ctx, c.logger, func() error {
		s, err := c.dial(ctx, c.cfg, c.paths.KnownHostsPath())
		if err != nil {
			return err
		}
		sess = s
		return nil
	})
	if err != nil {
		return nil, types.Layout{}, err
	}

	home, err := sess.HomeDir(ctx)
	if err != nil {
		sess.Close()
		return nil, types.Layout{}, err
	}
	return sess, types.NewLayout(home, c.cfg.DeploymentID), nil
}

// retryNetwork retries fn on NetworkError with 1s/2s/4s backoff. Any other
// error kind fails immediately.
func retryNetwork(ctx context.Context, logger zerolog.Logger, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		var netErr *types.NetworkError
		if err == nil || !errors.As(err, &netErr) || attempt >= len(netBackoff) {
			return err
		}
		logger.Warn().Err(err).Dur("backoff", netBackoff[attempt]).Msg("transient network failure, retrying")
		select {
		case <-ctx.Done():
			return err
		case <-time.After(netBackoff[attempt]):
		}
	}
}

// acquireLock takes the host-side deployment lock: a token file next to
// state.json created under flock with noclobber, so racing acquirers
// serialize and a held lock survives across commands. Contention fails fast
// with DeploymentBusy.
func (c *Coordinator) acquireLock(ctx context.Context, sess session.Session, layout types.Layout) (func(), error) {
	token := uuid.New().String()
	lockPath := layout.StatePath() + lockSuffix

	cmd := fmt.Sprintf("mkdir -p %q && touch %q && flock -n %q sh -c 'set -C; echo %s > %q'",
		layout.Root(), layout.StatePath(), layout.StatePath(), token, lockPath)
	if _, err := sess.Run(ctx, cmd); err != nil {
		var execErr *types.RemoteExecError
		if errors.As(err, &execErr) {
			return nil, &types.DeploymentBusyError{DeploymentID: c.cfg.DeploymentID}
		}
		return nil, err
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), unwindGrace)
		defer cancel()
		cmd := fmt.Sprintf(`sh -c '[ "$(cat %q 2>/dev/null)" = "%s" ] && rm -f %q'`, lockPath, token, lockPath)
		if _, err := sess.Run(releaseCtx, cmd); err != nil {
			c.logger.Warn().Err(err).Msg("failed to release deployment lock")
		}
	}
	return release, nil
}

// readState loads state.json; a missing file returns nil. Unknown format
// versions are refused rather than guessed at.
func (c *Coordinator) readState(ctx context.Context, sess session.Session, layout types.Layout) (*types.State, error) {
	exists, err := sess.Exists(ctx, layout.StatePath())
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	data, err := sess.Download(ctx, layout.StatePath())
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	var state types.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, &types.DeploymentInconsistentError{
			DeploymentID: c.cfg.DeploymentID,
			Reason:       "state.json is unreadable",
		}
	}
	if state.FormatVersion != types.StateFormatVersion {
		return nil, &types.ConfigInvalidError{
			Reason: fmt.Sprintf("state.json format_version %d is not supported (want %d); upgrade botdock",
				state.FormatVersion, types.StateFormatVersion),
		}
	}
	return &state, nil
}

func (c *Coordinator) writeState(ctx context.Context, sess session.Session, layout types.Layout, state *types.State) error {
	state.FormatVersion = types.StateFormatVersion
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	return sess.Upload(ctx, append(data, '\n'), layout.StatePath(), 0o644)
}

// requireOperable refuses mutations on a deployment marked inconsistent
func (c *Coordinator) requireOperable(state *types.State) error {
	if state != nil && state.ContainerState == types.ContainerStateInconsistent {
		return &types.DeploymentInconsistentError{
			DeploymentID: c.cfg.DeploymentID,
			Reason:       "a previous operation did not unwind cleanly; run status and recover first",
		}
	}
	return nil
}

// markInconsistent best-effort stamps state.json after a failed unwind.
// It runs on a fresh context because the operation's context is already
// cancelled.
func (c *Coordinator) markInconsistent(sess session.Session, layout types.Layout, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), unwindGrace)
	defer cancel()

	state, err := c.readState(ctx, sess, layout)
	if err != nil || state == nil {
		state = &types.State{}
	}
	state.ContainerState = types.ContainerStateInconsistent
	if err := c.writeState(ctx, sess, layout, state); err != nil {
		c.logger.Error().Err(err).Str("reason", reason).Msg("failed to mark deployment inconsistent")
		return
	}
	c.logger.Warn().Str("reason", reason).Msg("deployment marked inconsistent")
}

// recordOp best-effort updates the local registry after a successful
// operation
func (c *Coordinator) recordOp(op string, state *types.State) {
	if c.reg == nil {
		return
	}
	entry := &registry.Entry{
		DeploymentID:  c.cfg.DeploymentID,
		Host:          c.cfg.Host,
		LastOperation: op,
		LastOpTime:    c.now().UTC(),
	}
	if state != nil {
		if state.ActiveVersion != nil {
			entry.ActiveVersion = *state.ActiveVersion
		}
		if state.LastBackup != nil {
			entry.LastBackup = *state.LastBackup
		}
	}
	if err := c.reg.Put(entry); err != nil {
		c.logger.Warn().Err(err).Msg("failed to update local registry")
	}
}
