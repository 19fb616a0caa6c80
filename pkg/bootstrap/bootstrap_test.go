package bootstrap

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botdock/botdock/pkg/config"
	"github.com/botdock/botdock/pkg/log"
	"github.com/botdock/botdock/pkg/session"
	"github.com/botdock/botdock/pkg/session/sessiontest"
	"github.com/botdock/botdock/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	m.Run()
}

const debianOSRelease = `PRETTY_NAME="Debian GNU/Linux 12 (bookworm)"
ID=debian
VERSION_ID="12"
`

func TestSelectPackageManager(t *testing.T) {
	tests := []struct {
		name      string
		osRelease string
		want      PMKind
		wantErr   bool
	}{
		{"debian", "ID=debian\n", PMApt, false},
		{"ubuntu quoted", `ID="ubuntu"` + "\nID_LIKE=debian\n", PMApt, false},
		{"fedora", "ID=fedora\n", PMDnf, false},
		{"rocky via id_like", "ID=rocky\nID_LIKE=\"rhel centos fedora\"\n", PMDnf, false},
		{"alpine", "ID=alpine\n", PMApk, false},
		{"derivative via id_like", "ID=linuxmint\nID_LIKE=ubuntu\n", PMApt, false},
		{"unknown", "ID=nixos\n", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pm, err := selectPackageManager(tt.osRelease)
			if tt.wantErr {
				var unsupported *types.UnsupportedHostError
				assert.ErrorAs(t, err, &unsupported)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, pm.Kind)
		})
	}
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"3.11.4", "3.10", 1},
		{"3.10", "3.10.0", 0},
		{"3.9.18", "3.10", -1},
		{"20.11.0", "20", 1},
		{"1.22", "1.22", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, compareVersions(tt.a, tt.b), "%s vs %s", tt.a, tt.b)
	}
}

func TestExtractVersion(t *testing.T) {
	assert.Equal(t, "3.11.4", extractVersion("Python 3.11.4"))
	assert.Equal(t, "20.11.0", extractVersion("v20.11.0"))
	assert.Equal(t, "1.22.1", extractVersion("go version go1.22.1 linux/amd64"))
	assert.Equal(t, "", extractVersion("command not found"))
}

func TestRuntimeProbeUnknownRuntime(t *testing.T) {
	_, _, err := runtimeProbe("rust1.75")
	var invalid *types.ConfigInvalidError
	assert.ErrorAs(t, err, &invalid)
}

func TestEnsurePrerequisitesProvisionedHostProbesOnly(t *testing.T) {
	fake := sessiontest.New("/home/bot")
	fake.HandlePrefix("python3 --version", &session.Result{Stdout: "Python 3.11.4\n"}, nil)

	b := New(fake)
	report, err := b.EnsurePrerequisites(context.Background(), types.RuntimeRequirement{ID: "py3.11", MinVersion: "3.10"})
	require.NoError(t, err)
	assert.False(t, report.Modified())

	for _, cmd := range fake.Commands() {
		assert.NotContains(t, cmd, "sudo", "a provisioned host must not trigger elevation")
	}
}

func TestEnsurePrerequisitesInstallsMissingRuntime(t *testing.T) {
	fake := sessiontest.New("/home/bot")
	fake.PutFile("/etc/os-release", []byte(debianOSRelease))

	installed := false
	fake.Handle(func(cmd string) (*session.Result, error, bool) {
		switch {
		case strings.HasPrefix(cmd, "node --version"):
			if installed {
				return &session.Result{Stdout: "v20.11.0\n"}, nil, true
			}
			return &session.Result{ExitCode: 127}, &types.RemoteExecError{Cmd: cmd, ExitCode: 127}, true
		case strings.HasPrefix(cmd, "sudo -n") && strings.Contains(cmd, "apt-get install"):
			installed = true
			return &session.Result{}, nil, true
		}
		return nil, nil, false
	})

	b := New(fake)
	report, err := b.EnsurePrerequisites(context.Background(), types.RuntimeRequirement{ID: "node20", MinVersion: "20"})
	require.NoError(t, err)
	assert.True(t, report.Modified())
	assert.True(t, installed, "expected an apt-get install for nodejs")
}

func TestEnsurePrerequisitesInstallVerificationFails(t *testing.T) {
	fake := sessiontest.New("/home/bot")
	fake.PutFile("/etc/os-release", []byte(debianOSRelease))
	// Probe reports an outdated interpreter before and after the install.
	fake.HandlePrefix("python3 --version", &session.Result{Stdout: "Python 3.8.0\n"}, nil)

	b := New(fake)
	_, err := b.EnsurePrerequisites(context.Background(), types.RuntimeRequirement{ID: "py3.11", MinVersion: "3.10"})
	var verify *types.InstallVerificationError
	require.ErrorAs(t, err, &verify)
	assert.Equal(t, "python", verify.Package)
}

func TestEnsurePrerequisitesUnsupportedDistribution(t *testing.T) {
	fake := sessiontest.New("/home/bot")
	fake.PutFile("/etc/os-release", []byte("ID=nixos\n"))
	fake.HandlePrefix("python3 --version", &session.Result{ExitCode: 127}, &types.RemoteExecError{ExitCode: 127})

	b := New(fake)
	_, err := b.EnsurePrerequisites(context.Background(), types.RuntimeRequirement{ID: "py3.11"})
	var unsupported *types.UnsupportedHostError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "nixos", unsupported.OSID)
}

func TestElevateFallsBackToPassword(t *testing.T) {
	fake := sessiontest.New("/home/bot")
	var sawPasswordSudo bool
	fake.Handle(func(cmd string) (*session.Result, error, bool) {
		switch {
		case strings.HasPrefix(cmd, "sudo -n"):
			return &session.Result{ExitCode: 1, Stderr: "sudo: a password is required"},
				&types.RemoteExecError{Cmd: cmd, ExitCode: 1, Stderr: "sudo: a password is required"}, true
		case strings.HasPrefix(cmd, "sudo -S"):
			sawPasswordSudo = true
			return &session.Result{}, nil, true
		}
		return nil, nil, false
	})

	prompts := 0
	b := New(fake, WithSudoPassword(func() (string, error) {
		prompts++
		return "hunter2", nil
	}))

	_, err := b.elevate(context.Background(), "true")
	require.NoError(t, err)
	_, err = b.elevate(context.Background(), "true")
	require.NoError(t, err)

	assert.True(t, sawPasswordSudo)
	assert.Equal(t, 1, prompts, "the password must be prompted once and cached in memory")
}

func testConfig(id string) *types.DeploymentConfig {
	cfg := &types.DeploymentConfig{
		DeploymentID: id,
		Host:         "host.example",
		User:         "bot",
		Auth:         types.AuthConfig{Kind: types.AuthKindAgent},
		Runtime:      types.RuntimeRequirement{ID: "py3.11"},
		ImageBase:    "python:3.11-slim",
		DataDirs:     []string{"data"},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestEnsureLayoutCreatesTreeAndStoresConfig(t *testing.T) {
	fake := sessiontest.New("/home/bot")
	layout := types.NewLayout("/home/bot", "demo")
	b := New(fake)

	require.NoError(t, b.EnsureLayout(context.Background(), layout, testConfig("demo")))

	stored, ok := fake.FileContent(layout.ConfigPath())
	require.True(t, ok)
	parsed, err := config.Parse(stored)
	require.NoError(t, err)
	assert.Equal(t, "demo", parsed.DeploymentID)

	var sawMkdir bool
	for _, cmd := range fake.Commands() {
		if strings.HasPrefix(cmd, "mkdir -p") &&
			strings.Contains(cmd, layout.VersionsDir()) &&
			strings.Contains(cmd, layout.BackupsDir()) &&
			strings.Contains(cmd, layout.DataDir("data")) {
			sawMkdir = true
		}
	}
	assert.True(t, sawMkdir, "expected one mkdir -p covering the full tree")
}

func TestEnsureLayoutIdempotent(t *testing.T) {
	fake := sessiontest.New("/home/bot")
	layout := types.NewLayout("/home/bot", "demo")
	b := New(fake)

	require.NoError(t, b.EnsureLayout(context.Background(), layout, testConfig("demo")))
	require.NoError(t, b.EnsureLayout(context.Background(), layout, testConfig("demo")))
}

func TestEnsureLayoutRefusesForeignDeployment(t *testing.T) {
	fake := sessiontest.New("/home/bot")
	layout := types.NewLayout("/home/bot", "demo")
	other, err := config.Marshal(testConfig("other"))
	require.NoError(t, err)
	fake.PutFile(layout.ConfigPath(), other)

	b := New(fake)
	err = b.EnsureLayout(context.Background(), layout, testConfig("demo"))
	var invalid *types.ConfigInvalidError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Reason, `"other"`)
}
