package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/botdock/botdock/pkg/config"
	"github.com/botdock/botdock/pkg/log"
	"github.com/botdock/botdock/pkg/session"
	"github.com/botdock/botdock/pkg/types"
)

const (
	// buildTimeout bounds image builds, which routinely exceed the default
	// command timeout
	buildTimeout = 10 * time.Minute

	// errorTailBudget caps recent_error_lines in a StatusReport
	errorTailBudget = 16 * 1024

	defaultPollInterval = 2 * time.Second
)

// ConfirmFunc resolves an inconclusive "already running" check. The prompt
// describes what could not be determined; returning false refuses the
// operation.
type ConfirmFunc func(prompt string) bool

// Manager drives the remote container through the compose tool. All state
// transitions go through one Manager instance bound to a session, a layout,
// and the deployment config.
type Manager struct {
	sess   session.Session
	layout types.Layout
	cfg    *types.DeploymentConfig
	logger zerolog.Logger

	confirm      ConfirmFunc
	pollInterval time.Duration
	buildLog     chan<- string

	// compose is the detected invocation: "docker compose" or "docker-compose"
	compose string
}

// Option customizes a Manager
type Option func(*Manager)

// WithConfirm installs the hook for inconclusive running-state checks
func WithConfirm(fn ConfirmFunc) Option {
	return func(m *Manager) { m.confirm = fn }
}

// WithPollInterval overrides the health probe interval (tests)
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) { m.pollInterval = d }
}

// WithBuildLog installs a channel receiving build output lines. Sends never
// block; lines are dropped when the receiver falls behind.
func WithBuildLog(ch chan<- string) Option {
	return func(m *Manager) { m.buildLog = ch }
}

// NewManager returns a Manager for one deployment
func NewManager(sess session.Session, layout types.Layout, cfg *types.DeploymentConfig, opts ...Option) *Manager {
	m := &Manager{
		sess:         sess,
		layout:       layout,
		cfg:          cfg,
		logger:       log.WithComponent("lifecycle").With().Str("deployment", cfg.DeploymentID).Logger(),
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// emitBuildLog forwards output lines to the build log channel, dropping
// lines rather than blocking the build on a slow receiver
func (m *Manager) emitBuildLog(output string) {
	if m.buildLog == nil || output == "" {
		return
	}
	for _, line := range strings.Split(strings.TrimRight(output, "\n"), "\n") {
		select {
		case m.buildLog <- line:
		default:
		}
	}
}

// containerName matches container_name in the rendered compose file
func (m *Manager) containerName() string { return m.cfg.DeploymentID }

// imageTag matches the image name in the rendered compose file
func (m *Manager) imageTag(versionID string) string {
	return fmt.Sprintf("botdock/%s:%s", m.cfg.DeploymentID, versionID)
}

// composeCmd detects the compose invocation once: the docker CLI plugin
// first, the standalone binary as fallback.
func (m *Manager) composeCmd(ctx context.Context) (string, error) {
	if m.compose != "" {
		return m.compose, nil
	}
	if _, err := m.sess.Run(ctx, "docker compose version"); err == nil {
		m.compose = "docker compose"
		return m.compose, nil
	}
	if _, err := m.sess.Run(ctx, "docker-compose --version"); err == nil {
		m.compose = "docker-compose"
		return m.compose, nil
	}
	return "", &types.UnsupportedHostError{OSID: "unknown", Hint: "no compose tool found; run init to provision the host"}
}

// composeIn builds a compose invocation rooted in dir. The project name is
// pinned to the deployment id so the container identity survives version
// directory changes.
func (m *Manager) composeIn(ctx context.Context, dir, args string) (string, error) {
	compose, err := m.composeCmd(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("cd %q && %s -p %s %s", dir, compose, m.cfg.DeploymentID, args), nil
}

// Build builds the image for versionID from its uploaded bundle and returns
// the image digest.
func (m *Manager) Build(ctx context.Context, versionID string) (string, error) {
	cmd, err := m.composeIn(ctx, m.layout.VersionDir(versionID), "build")
	if err != nil {
		return "", err
	}

	m.logger.Info().Str("version", versionID).Msg("building image")
	out, err := m.sess.Run(ctx, cmd, session.WithTimeout(buildTimeout))
	if err != nil {
		var execErr *types.RemoteExecError
		if errors.As(err, &execErr) {
			m.emitBuildLog(execErr.Stderr)
			return "", &types.BuildFailedError{StderrTail: clipTail(execErr.Stderr, errorTailBudget)}
		}
		return "", err
	}
	m.emitBuildLog(out.Stdout)
	m.emitBuildLog(out.Stderr)

	res, err := m.sess.Run(ctx, fmt.Sprintf("docker image inspect --format '{{.Id}}' %s", m.imageTag(versionID)))
	if err != nil {
		return "", &types.BuildFailedError{StderrTail: "build reported success but the image is missing"}
	}
	digest := strings.TrimSpace(res.Stdout)
	m.logger.Info().Str("version", versionID).Str("digest", digest).Msg("image built")
	return digest, nil
}

// Up starts the container bound to current/ and blocks until its health
// probe reports healthy or the configured deadline elapses. If the container
// is already running with the same config hash, Up is a no-op.
func (m *Manager) Up(ctx context.Context) error {
	running, err := m.AlreadyRunning(ctx)
	if err != nil {
		return err
	}
	if running {
		m.logger.Info().Msg("container already running with matching config hash")
		return nil
	}

	cmd, err := m.composeIn(ctx, m.layout.CurrentLink(), "up -d")
	if err != nil {
		return err
	}
	if _, err := m.sess.Run(ctx, cmd, session.WithTimeout(buildTimeout)); err != nil {
		return err
	}
	return m.waitHealthy(ctx)
}

// AlreadyRunning reads the container's effective config hash from its
// labels and reports whether it matches the desired config. An unparseable
// answer goes through the confirm hook; without one the operation is
// refused.
func (m *Manager) AlreadyRunning(ctx context.Context) (bool, error) {
	res, err := m.sess.Run(ctx, fmt.Sprintf(
		`docker inspect --format '{{.State.Running}} {{index .Config.Labels "botdock.config_hash"}}' %s`,
		m.containerName()))
	if err != nil {
		if isNoSuchContainer(err) {
			return false, nil
		}
		// Anything else (transport drop, daemon down) keeps its kind; a
		// dropped connection must not read as "not running".
		return false, err
	}

	fields := strings.Fields(strings.TrimSpace(res.Stdout))
	if len(fields) != 2 || (fields[0] != "true" && fields[0] != "false") {
		prompt := fmt.Sprintf("cannot determine the running state of container %s; proceed with start anyway?", m.containerName())
		if m.confirm != nil && m.confirm(prompt) {
			return false, nil
		}
		return false, &types.DeploymentInconsistentError{
			DeploymentID: m.cfg.DeploymentID,
			Reason:       "container running state could not be determined",
		}
	}

	return fields[0] == "true" && fields[1] == config.Hash(m.cfg), nil
}

// waitHealthy polls the container health probe until healthy or deadline.
// On deadline the container is left running for the caller to inspect.
func (m *Manager) waitHealthy(ctx context.Context) error {
	deadline := m.cfg.StartupTimeout()
	probe := fmt.Sprintf("docker inspect --format '{{.State.Health.Status}}' %s", m.containerName())

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		res, err := m.sess.Run(ctx, probe)
		if err == nil {
			switch strings.TrimSpace(res.Stdout) {
			case "healthy":
				m.logger.Info().Msg("container healthy")
				return nil
			case "unhealthy":
				return m.startupTimeout(ctx, deadline)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return m.startupTimeout(ctx, deadline)
		case <-ticker.C:
		}
	}
}

func (m *Manager) startupTimeout(ctx context.Context, deadline time.Duration) error {
	versionID := ""
	if res, err := m.sess.Run(ctx, fmt.Sprintf("readlink %s", m.layout.CurrentLink())); err == nil {
		versionID = strings.TrimSpace(res.Stdout)
		if i := strings.LastIndex(versionID, "/"); i >= 0 {
			versionID = versionID[i+1:]
		}
	}
	return &types.StartupTimeoutError{VersionID: versionID, Deadline: deadline}
}

// Stop stops the container, escalating from SIGTERM to SIGKILL after grace
func (m *Manager) Stop(ctx context.Context, grace time.Duration) error {
	cmd := fmt.Sprintf("docker stop -t %d %s", int(grace.Seconds()), m.containerName())
	_, err := m.sess.Run(ctx, cmd, session.WithTimeout(grace+30*time.Second))
	if err != nil && isNoSuchContainer(err) {
		return nil
	}
	return err
}

// Swap atomically points current/ at new_version_id and recreates the
// container from it. The cutover is health-gated: on startup failure
// current/ is reverted before the error surfaces.
func (m *Manager) Swap(ctx context.Context, newVersionID string) error {
	var oldTarget string
	if res, err := m.sess.Run(ctx, fmt.Sprintf("readlink %s", m.layout.CurrentLink())); err == nil {
		oldTarget = strings.TrimSpace(res.Stdout)
	}

	relink := fmt.Sprintf("ln -sfn %q %q", m.layout.VersionDir(newVersionID), m.layout.CurrentLink())
	if _, err := m.sess.Run(ctx, relink); err != nil {
		return err
	}

	err := m.recreate(ctx)
	if err == nil {
		err = m.waitHealthy(ctx)
	}
	if err != nil && oldTarget != "" {
		revert := fmt.Sprintf("ln -sfn %q %q", oldTarget, m.layout.CurrentLink())
		if _, rerr := m.sess.Run(ctx, revert); rerr != nil {
			m.logger.Error().Err(rerr).Msg("failed to revert current/ after failed swap")
		}
	}
	return err
}

func (m *Manager) recreate(ctx context.Context) error {
	cmd, err := m.composeIn(ctx, m.layout.CurrentLink(), "up -d --force-recreate")
	if err != nil {
		return err
	}
	_, err = m.sess.Run(ctx, cmd, session.WithTimeout(buildTimeout))
	return err
}

// Down removes the container entirely. The image and version directories
// are left in place.
func (m *Manager) Down(ctx context.Context) error {
	if cmd, err := m.composeIn(ctx, m.layout.CurrentLink(), "down"); err == nil {
		if _, err := m.sess.Run(ctx, cmd); err == nil {
			return nil
		}
	}
	// current/ may already be gone; remove the container directly.
	_, err := m.sess.Run(ctx, fmt.Sprintf("docker rm -f %s", m.containerName()))
	if err != nil && isNoSuchContainer(err) {
		return nil
	}
	return err
}

func isNoSuchContainer(err error) bool {
	var execErr *types.RemoteExecError
	return errors.As(err, &execErr) && strings.Contains(execErr.Stderr, "No such container")
}

func clipTail(s string, budget int) string {
	if len(s) <= budget {
		return s
	}
	clipped := s[len(s)-budget:]
	if i := strings.IndexByte(clipped, '\n'); i >= 0 && i < len(clipped)-1 {
		clipped = clipped[i+1:]
	}
	return clipped
}

// Status inspects the container and returns its observable state
func (m *Manager) Status(ctx context.Context) (*types.StatusReport, error) {
	res, err := m.sess.Run(ctx, fmt.Sprintf(
		"docker inspect --format '{{.State.Status}}|{{.State.StartedAt}}|{{.RestartCount}}|{{.Image}}' %s",
		m.containerName()))
	if err != nil {
		if !isNoSuchContainer(err) && !isRemoteExec(err) {
			return nil, err
		}
		return m.absentStatus(ctx)
	}

	parts := strings.Split(strings.TrimSpace(res.Stdout), "|")
	if len(parts) != 4 {
		return &types.StatusReport{State: types.ContainerStateInconsistent}, nil
	}

	report := &types.StatusReport{ImageDigest: parts[3]}
	switch parts[0] {
	case "running":
		report.State = types.ContainerStateRunning
	case "exited", "created", "dead":
		report.State = types.ContainerStateStopped
	default:
		report.State = types.ContainerStateInconsistent
	}

	if started, perr := time.Parse(time.RFC3339Nano, parts[1]); perr == nil && report.State == types.ContainerStateRunning {
		report.UptimeSeconds = int64(time.Since(started).Seconds())
	}
	if restarts, perr := strconv.Atoi(parts[2]); perr == nil {
		report.Restarts = restarts
	}

	// docker logs writes the container's stderr stream to stderr.
	if logRes, lerr := m.sess.Run(ctx, fmt.Sprintf("docker logs --tail 200 %s", m.containerName())); lerr == nil {
		if tail := clipTail(logRes.Stderr, errorTailBudget); tail != "" {
			report.RecentErrorLines = strings.Split(strings.TrimRight(tail, "\n"), "\n")
		}
	}

	return report, nil
}

// absentStatus distinguishes "image built but no container" from "nothing"
func (m *Manager) absentStatus(ctx context.Context) (*types.StatusReport, error) {
	res, err := m.sess.Run(ctx, fmt.Sprintf("readlink %s", m.layout.CurrentLink()))
	if err != nil {
		return &types.StatusReport{State: types.ContainerStateAbsent}, nil
	}
	target := strings.TrimSpace(res.Stdout)
	versionID := target[strings.LastIndex(target, "/")+1:]

	if _, err := m.sess.Run(ctx, fmt.Sprintf("docker image inspect %s >/dev/null 2>&1", m.imageTag(versionID))); err == nil {
		return &types.StatusReport{State: types.ContainerStateBuilt}, nil
	}
	return &types.StatusReport{State: types.ContainerStateAbsent}, nil
}

func isRemoteExec(err error) bool {
	var execErr *types.RemoteExecError
	return errors.As(err, &execErr)
}
