package types

import (
	"errors"
	"fmt"
	"time"
)

// The error taxonomy is a small closed set of tagged kinds. Components return
// these unchanged (wrapping with %w is fine, converting kinds is not); only
// the CLI maps them to exit codes via ExitCode.

// ConfigInvalidError reports a pre-flight configuration or validation failure
type ConfigInvalidError struct {
	Reason string
}

func (e *ConfigInvalidError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", e.Reason)
}

// AuthError reports an authentication or host-key verification failure
type AuthError struct {
	Host   string
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %s", e.Host, e.Reason)
}

// NetworkError reports a transport-level failure; retried by the coordinator
type NetworkError struct {
	Host string
	Err  error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error talking to %s: %v", e.Host, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RemoteExecError reports a remote command that exited non-zero
type RemoteExecError struct {
	Cmd      string
	ExitCode int
	Stderr   string
}

func (e *RemoteExecError) Error() string {
	return fmt.Sprintf("remote command failed (exit %d): %s: %s", e.ExitCode, e.Cmd, e.Stderr)
}

// UnsupportedHostError reports an unrecognized host distribution
type UnsupportedHostError struct {
	OSID string
	Hint string
}

func (e *UnsupportedHostError) Error() string {
	return fmt.Sprintf("unsupported host distribution %q: %s", e.OSID, e.Hint)
}

// InstallVerificationError reports a dependency that still fails its probe
// after installation
type InstallVerificationError struct {
	Package string
	Detail  string
}

func (e *InstallVerificationError) Error() string {
	return fmt.Sprintf("install verification failed for %s: %s", e.Package, e.Detail)
}

// BuildFailedError reports a failed container image build
type BuildFailedError struct {
	StderrTail string
}

func (e *BuildFailedError) Error() string {
	return fmt.Sprintf("image build failed: %s", e.StderrTail)
}

// StartupTimeoutError reports a container that did not become healthy in time
type StartupTimeoutError struct {
	VersionID string
	Deadline  time.Duration
}

func (e *StartupTimeoutError) Error() string {
	return fmt.Sprintf("container for version %s not healthy after %s", e.VersionID, e.Deadline)
}

// UpdateError pairs an update failure with the outcome of the automatic
// rollback that followed it. Unwrap exposes the original kind.
type UpdateError struct {
	Err             error
	RollbackOutcome string // "succeeded" or "failed: <reason>"
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("update failed: %v (auto_rollback: %s)", e.Err, e.RollbackOutcome)
}

func (e *UpdateError) Unwrap() error { return e.Err }

// BackupNotQuiescedError reports a container that would not stop within the
// grace period before a backup
type BackupNotQuiescedError struct {
	Grace time.Duration
}

func (e *BackupNotQuiescedError) Error() string {
	return fmt.Sprintf("container did not quiesce within %s; retry with unsafe=true for a hot backup", e.Grace)
}

// NoPreviousVersionError reports a rollback target that does not exist
type NoPreviousVersionError struct {
	Ref string
}

func (e *NoPreviousVersionError) Error() string {
	if e.Ref == "" || e.Ref == "previous" {
		return "no previous version to roll back to"
	}
	return fmt.Sprintf("no version matching %q", e.Ref)
}

// SecretMissingError reports a secret absent from the vault
type SecretMissingError struct {
	Name string
}

func (e *SecretMissingError) Error() string {
	return fmt.Sprintf("secret %s not found in vault", e.Name)
}

// SecretCorruptError reports a secret whose authentication tag failed
type SecretCorruptError struct {
	Name string
}

func (e *SecretCorruptError) Error() string {
	return fmt.Sprintf("secret %s failed authentication; vault entry is corrupt or tampered", e.Name)
}

// DeploymentBusyError reports a concurrent operation holding the lock
type DeploymentBusyError struct {
	DeploymentID string
}

func (e *DeploymentBusyError) Error() string {
	return fmt.Sprintf("deployment %s is locked by another operation", e.DeploymentID)
}

// DeploymentInconsistentError reports a deployment that could not unwind
// cleanly; operations refuse until an explicit recovery
type DeploymentInconsistentError struct {
	DeploymentID string
	Reason       string
}

func (e *DeploymentInconsistentError) Error() string {
	return fmt.Sprintf("deployment %s is in an inconsistent state: %s", e.DeploymentID, e.Reason)
}

// Exit codes for the CLI collaborator
const (
	ExitOK           = 0
	ExitGeneric      = 1
	ExitConfig       = 2
	ExitAuth         = 3
	ExitNetwork      = 4
	ExitRemoteExec   = 5
	ExitBusy         = 6
	ExitInconsistent = 7
)

// ExitCode maps the error taxonomy to process exit codes
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var (
		configErr       *ConfigInvalidError
		authErr         *AuthError
		netErr          *NetworkError
		execErr         *RemoteExecError
		unsupportedErr  *UnsupportedHostError
		installErr      *InstallVerificationError
		buildErr        *BuildFailedError
		startupErr      *StartupTimeoutError
		secretMissing   *SecretMissingError
		noPrevious      *NoPreviousVersionError
		busyErr         *DeploymentBusyError
		inconsistentErr *DeploymentInconsistentError
	)

	switch {
	case errors.As(err, &busyErr):
		return ExitBusy
	case errors.As(err, &inconsistentErr):
		return ExitInconsistent
	case errors.As(err, &configErr),
		errors.As(err, &secretMissing),
		errors.As(err, &noPrevious):
		return ExitConfig
	case errors.As(err, &authErr):
		return ExitAuth
	case errors.As(err, &netErr):
		return ExitNetwork
	case errors.As(err, &execErr),
		errors.As(err, &unsupportedErr),
		errors.As(err, &installErr),
		errors.As(err, &buildErr),
		errors.As(err, &startupErr):
		return ExitRemoteExec
	default:
		return ExitGeneric
	}
}
