package bootstrap

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/botdock/botdock/pkg/log"
	"github.com/botdock/botdock/pkg/session"
	"github.com/botdock/botdock/pkg/types"
)

// installTimeout bounds package installs, which can exceed the default
// command timeout on slow hosts
const installTimeout = 10 * time.Minute

// DepState classifies one probed dependency
type DepState string

const (
	StatePresent DepState = "present"
	StateAbsent  DepState = "absent"
	StateTooOld  DepState = "too_old"
)

// Dependency is one entry of a PrerequisiteReport
type Dependency struct {
	Name      string
	State     DepState // state at first probe
	Version   string   // version at first probe, when detectable
	Installed bool     // true when this run installed or started it
}

// PrerequisiteReport enumerates every checked dependency
type PrerequisiteReport struct {
	Dependencies []Dependency
}

// Modified reports whether the run changed the host at all. A second run on
// a fully provisioned host performs probes only, so Modified is false.
func (r *PrerequisiteReport) Modified() bool {
	for _, d := range r.Dependencies {
		if d.Installed {
			return true
		}
	}
	return false
}

// Bootstrapper detects and installs host prerequisites over one session
type Bootstrapper struct {
	sess           session.Session
	logger         zerolog.Logger
	sudoPassword   SudoPasswordFunc
	cachedPassword string

	// pm is resolved lazily on the first install
	pm *PackageManager
}

// Option customizes a Bootstrapper
type Option func(*Bootstrapper)

// WithSudoPassword overrides the sudo password prompt (tests, automation)
func WithSudoPassword(fn SudoPasswordFunc) Option {
	return func(b *Bootstrapper) { b.sudoPassword = fn }
}

// New returns a Bootstrapper bound to one session
func New(sess session.Session, opts ...Option) *Bootstrapper {
	b := &Bootstrapper{
		sess:         sess,
		logger:       log.WithComponent("bootstrap"),
		sudoPassword: TerminalPassword,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// EnsurePrerequisites probes and, where needed, installs the host
// dependencies in fixed order: shell basics, language runtime, container
// runtime daemon, compose tool. Each step runs only if the previous one
// succeeded; each install is re-probed before the run continues.
func (b *Bootstrapper) EnsurePrerequisites(ctx context.Context, runtime types.RuntimeRequirement) (*PrerequisiteReport, error) {
	report := &PrerequisiteReport{}

	if err := b.probeShellBasics(ctx, report); err != nil {
		return report, err
	}
	if err := b.ensureRuntime(ctx, runtime, report); err != nil {
		return report, err
	}
	if err := b.ensureContainerRuntime(ctx, report); err != nil {
		return report, err
	}
	if err := b.ensureCompose(ctx, report); err != nil {
		return report, err
	}

	b.logger.Info().Bool("modified", report.Modified()).Msg("prerequisites satisfied")
	return report, nil
}

func (b *Bootstrapper) probeShellBasics(ctx context.Context, report *PrerequisiteReport) error {
	_, err := b.sess.Run(ctx, "command -v sh && command -v uname && command -v id")
	if err != nil {
		report.Dependencies = append(report.Dependencies, Dependency{Name: "shell", State: StateAbsent})
		return &types.UnsupportedHostError{OSID: "unknown", Hint: "host lacks basic shell tools (sh, uname, id)"}
	}
	report.Dependencies = append(report.Dependencies, Dependency{Name: "shell", State: StatePresent})
	return nil
}

func (b *Bootstrapper) ensureRuntime(ctx context.Context, runtime types.RuntimeRequirement, report *PrerequisiteReport) error {
	family, probeCmd, err := runtimeProbe(runtime.ID)
	if err != nil {
		return err
	}

	state, version := b.probeVersion(ctx, probeCmd, runtime.MinVersion)
	dep := Dependency{Name: family, State: state, Version: version}

	if state != StatePresent {
		if err := b.install(ctx, family); err != nil {
			report.Dependencies = append(report.Dependencies, dep)
			return err
		}
		dep.Installed = true

		if newState, newVersion := b.probeVersion(ctx, probeCmd, runtime.MinVersion); newState != StatePresent {
			report.Dependencies = append(report.Dependencies, dep)
			return &types.InstallVerificationError{
				Package: family,
				Detail:  fmt.Sprintf("still %s (version %q) after install", newState, newVersion),
			}
		}
	}

	report.Dependencies = append(report.Dependencies, dep)
	return nil
}

func (b *Bootstrapper) ensureContainerRuntime(ctx context.Context, report *PrerequisiteReport) error {
	dep := Dependency{Name: "docker", State: StatePresent}

	if _, err := b.sess.Run(ctx, "docker --version"); err != nil {
		dep.State = StateAbsent
		if err := b.install(ctx, "docker"); err != nil {
			report.Dependencies = append(report.Dependencies, dep)
			return err
		}
		dep.Installed = true
	}

	// Daemon present but stopped: start and enable it.
	if _, err := b.sess.Run(ctx, "docker info >/dev/null 2>&1"); err != nil {
		if _, err := b.elevate(ctx, "systemctl enable --now docker 2>/dev/null || service docker start"); err != nil {
			report.Dependencies = append(report.Dependencies, dep)
			return err
		}
		dep.Installed = true

		if _, err := b.sess.Run(ctx, "docker info >/dev/null 2>&1"); err != nil {
			report.Dependencies = append(report.Dependencies, dep)
			return &types.InstallVerificationError{Package: "docker", Detail: "daemon not responding after start"}
		}
	}

	report.Dependencies = append(report.Dependencies, dep)
	return nil
}

func (b *Bootstrapper) ensureCompose(ctx context.Context, report *PrerequisiteReport) error {
	// Plugin first, standalone binary as fallback.
	if _, err := b.sess.Run(ctx, "docker compose version"); err == nil {
		report.Dependencies = append(report.Dependencies, Dependency{Name: "compose", State: StatePresent})
		return nil
	}
	if _, err := b.sess.Run(ctx, "docker-compose --version"); err == nil {
		report.Dependencies = append(report.Dependencies, Dependency{Name: "compose", State: StatePresent})
		return nil
	}

	dep := Dependency{Name: "compose", State: StateAbsent}
	if err := b.install(ctx, "compose"); err != nil {
		report.Dependencies = append(report.Dependencies, dep)
		return err
	}
	dep.Installed = true

	if _, err := b.sess.Run(ctx, "docker compose version || docker-compose --version"); err != nil {
		report.Dependencies = append(report.Dependencies, dep)
		return &types.InstallVerificationError{Package: "compose", Detail: "compose tool still missing after install"}
	}

	report.Dependencies = append(report.Dependencies, dep)
	return nil
}

// install resolves the package manager lazily and installs one dependency
func (b *Bootstrapper) install(ctx context.Context, dep string) error {
	if b.pm == nil {
		pm, err := DetectPackageManager(ctx, b.sess)
		if err != nil {
			return err
		}
		b.pm = &pm
	}

	pkg := b.pm.packageName(dep)
	b.logger.Info().Str("package", pkg).Str("pm", string(b.pm.Kind)).Msg("installing host dependency")

	_, err := b.elevate(ctx, b.pm.InstallCommand(pkg))
	return err
}

// probeVersion runs probeCmd and classifies the result against minVersion
func (b *Bootstrapper) probeVersion(ctx context.Context, probeCmd, minVersion string) (DepState, string) {
	res, err := b.sess.Run(ctx, probeCmd)
	if err != nil {
		return StateAbsent, ""
	}
	version := extractVersion(res.Stdout + res.Stderr)
	if version == "" {
		return StateAbsent, ""
	}
	if minVersion != "" && compareVersions(version, minVersion) < 0 {
		return StateTooOld, version
	}
	return StatePresent, version
}

// runtimeProbe maps a runtime id to its family and version probe command
func runtimeProbe(runtimeID string) (family, probeCmd string, err error) {
	switch {
	case strings.HasPrefix(runtimeID, "py"), strings.HasPrefix(runtimeID, "python"):
		return "python", "python3 --version 2>&1", nil
	case strings.HasPrefix(runtimeID, "node"):
		return "node", "node --version", nil
	case strings.HasPrefix(runtimeID, "go"):
		return "go", "go version", nil
	default:
		return "", "", &types.ConfigInvalidError{Reason: fmt.Sprintf("unknown runtime id %q", runtimeID)}
	}
}

var versionRe = regexp.MustCompile(`[0-9]+(?:\.[0-9]+)+`)

func extractVersion(output string) string {
	return versionRe.FindString(output)
}

// compareVersions compares dotted numeric versions: -1, 0, or 1
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		av, bv := 0, 0
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}
