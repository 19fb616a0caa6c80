package types

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExitCodeMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"generic", fmt.Errorf("boom"), ExitGeneric},
		{"config", &ConfigInvalidError{Reason: "bad id"}, ExitConfig},
		{"secret missing", &SecretMissingError{Name: "API_KEY"}, ExitConfig},
		{"no previous", &NoPreviousVersionError{}, ExitConfig},
		{"auth", &AuthError{Host: "h1", Reason: "key rejected"}, ExitAuth},
		{"network", &NetworkError{Host: "h1", Err: fmt.Errorf("refused")}, ExitNetwork},
		{"remote exec", &RemoteExecError{Cmd: "ls", ExitCode: 2}, ExitRemoteExec},
		{"unsupported host", &UnsupportedHostError{OSID: "nixos"}, ExitRemoteExec},
		{"install verification", &InstallVerificationError{Package: "docker"}, ExitRemoteExec},
		{"build failed", &BuildFailedError{StderrTail: "step 3 failed"}, ExitRemoteExec},
		{"startup timeout", &StartupTimeoutError{VersionID: "01A", Deadline: time.Second}, ExitRemoteExec},
		{"busy", &DeploymentBusyError{DeploymentID: "demo"}, ExitBusy},
		{"inconsistent", &DeploymentInconsistentError{DeploymentID: "demo", Reason: "x"}, ExitInconsistent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestExitCodeSeesThroughWrapping(t *testing.T) {
	err := fmt.Errorf("up failed: %w", &StartupTimeoutError{VersionID: "01A", Deadline: time.Second})
	assert.Equal(t, ExitRemoteExec, ExitCode(err))

	upd := &UpdateError{Err: err, RollbackOutcome: "succeeded"}
	assert.Equal(t, ExitRemoteExec, ExitCode(upd), "an update error carries its cause's code")
}

func TestUpdateErrorReportsBothOutcomes(t *testing.T) {
	upd := &UpdateError{
		Err:             &StartupTimeoutError{VersionID: "01B", Deadline: 30 * time.Second},
		RollbackOutcome: "succeeded",
	}
	assert.Contains(t, upd.Error(), "01B")
	assert.Contains(t, upd.Error(), "auto_rollback: succeeded")
}

func TestBusyOutranksWrappedKinds(t *testing.T) {
	err := fmt.Errorf("lock: %w", &DeploymentBusyError{DeploymentID: "demo"})
	assert.Equal(t, ExitBusy, ExitCode(err))
}

func TestLayoutPaths(t *testing.T) {
	layout := NewLayout("/home/bot", "demo")

	assert.Equal(t, "/home/bot/deployments/demo", layout.Root())
	assert.Equal(t, "/home/bot/deployments/demo/current", layout.CurrentLink())
	assert.Equal(t, "/home/bot/deployments/demo/versions/01A", layout.VersionDir("01A"))
	assert.Equal(t, "/home/bot/deployments/demo/backups/20260824T120000Z", layout.BackupDir("20260824T120000Z"))
	assert.Equal(t, "/home/bot/deployments/demo/secrets.env", layout.SecretsEnvPath())
	assert.Equal(t, "/home/bot/deployments/demo/state.json", layout.StatePath())
	assert.Equal(t, "/home/bot/deployments/demo/deployment.yaml", layout.ConfigPath())
	assert.Equal(t, "/home/bot/deployments/demo/data/db", layout.DataDir("data/db"))
}
