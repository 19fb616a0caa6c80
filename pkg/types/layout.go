package types

import "path"

// Layout computes the remote directory layout for one deployment.
// All paths are POSIX paths on the target host; path (not filepath) keeps
// them stable when the workstation runs on a non-POSIX OS.
type Layout struct {
	// Home is the deployment user's home directory on the host.
	Home string
	// DeploymentID names the directory under <home>/deployments.
	DeploymentID string
}

// NewLayout returns the layout rooted at <home>/deployments/<id>
func NewLayout(home, deploymentID string) Layout {
	return Layout{Home: home, DeploymentID: deploymentID}
}

// Root is <home>/deployments/<deployment_id>
func (l Layout) Root() string {
	return path.Join(l.Home, "deployments", l.DeploymentID)
}

// CurrentLink is the current/ symlink pointing at the active version
func (l Layout) CurrentLink() string {
	return path.Join(l.Root(), "current")
}

// VersionsDir holds one directory per deployment version
func (l Layout) VersionsDir() string {
	return path.Join(l.Root(), "versions")
}

// VersionDir is versions/<id>
func (l Layout) VersionDir(id string) string {
	return path.Join(l.VersionsDir(), id)
}

// BackupsDir holds timestamped snapshot directories
func (l Layout) BackupsDir() string {
	return path.Join(l.Root(), "backups")
}

// BackupDir is backups/<ts>
func (l Layout) BackupDir(ts string) string {
	return path.Join(l.BackupsDir(), ts)
}

// SecretsEnvPath is the materialized plaintext env file (mode 0600)
func (l Layout) SecretsEnvPath() string {
	return path.Join(l.Root(), "secrets.env")
}

// StatePath is the state.json marker guarded by the deployment lock
func (l Layout) StatePath() string {
	return path.Join(l.Root(), "state.json")
}

// ConfigPath is the stored copy of the deployment config on the host,
// used to detect deployment_id collisions in an existing directory.
func (l Layout) ConfigPath() string {
	return path.Join(l.Root(), "deployment.yaml")
}

// DataDir resolves a config-declared data directory under the root
func (l Layout) DataDir(rel string) string {
	return path.Join(l.Root(), rel)
}
