package types

import (
	"time"
)

// AuthKind selects how a session authenticates against the host
type AuthKind string

const (
	AuthKindKey   AuthKind = "key"
	AuthKindAgent AuthKind = "agent"
)

// AuthConfig describes SSH authentication material
type AuthConfig struct {
	Kind AuthKind `yaml:"kind" json:"kind"`
	// Path to the private key file (kind=key only)
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

// RuntimeRequirement names the language runtime the bot needs on the host
type RuntimeRequirement struct {
	ID         string `yaml:"id" json:"id"` // e.g. "py3.11", "node20", "go1.22"
	MinVersion string `yaml:"min_version,omitempty" json:"min_version,omitempty"`
}

// Resources holds optional CPU/memory caps for the container
type Resources struct {
	CPUs     float64 `yaml:"cpus,omitempty" json:"cpus,omitempty"`
	MemoryMB int     `yaml:"memory_mb,omitempty" json:"memory_mb,omitempty"`
}

// Retention governs how many versions/backups are kept
type Retention struct {
	MaxCount   int `yaml:"max_count" json:"max_count"`
	MaxAgeDays int `yaml:"max_age_days" json:"max_age_days"`
}

// DeploymentConfig is the input document for every coordinator operation.
// It is created by the CLI collaborator and read-only to the core.
type DeploymentConfig struct {
	DeploymentID string             `yaml:"deployment_id" json:"deployment_id"`
	Host         string             `yaml:"host" json:"host"`
	Port         int                `yaml:"port,omitempty" json:"port,omitempty"`
	User         string             `yaml:"user" json:"user"`
	Auth         AuthConfig         `yaml:"auth" json:"auth"`
	Runtime      RuntimeRequirement `yaml:"runtime" json:"runtime"`
	ImageBase    string             `yaml:"image_base" json:"image_base"`
	Resources    *Resources         `yaml:"resources,omitempty" json:"resources,omitempty"`
	EnvPlain     map[string]string  `yaml:"env_plain,omitempty" json:"env_plain,omitempty"`

	// SecretsRequired lists secret names the runtime expects; values live in
	// the local vault and are materialized on the host at deploy time.
	SecretsRequired []string `yaml:"secrets_required,omitempty" json:"secrets_required,omitempty"`

	// DataDirs are host-relative directories (under the deployment root) that
	// hold user data; included in backups only on request.
	DataDirs []string `yaml:"data_dirs,omitempty" json:"data_dirs,omitempty"`

	// BackupData makes pre-update automatic backups include data directories.
	BackupData bool `yaml:"backup_data,omitempty" json:"backup_data,omitempty"`

	Retention Retention `yaml:"retention,omitempty" json:"retention,omitempty"`

	// StartupTimeoutSec bounds how long Up/Swap wait for the health probe.
	StartupTimeoutSec int `yaml:"startup_timeout_sec,omitempty" json:"startup_timeout_sec,omitempty"`
	// StopGraceSec is the SIGTERM-to-SIGKILL grace for container stops.
	StopGraceSec int `yaml:"stop_grace_sec,omitempty" json:"stop_grace_sec,omitempty"`
	// QuiesceGraceSec bounds how long a backup waits for a clean exit.
	QuiesceGraceSec int `yaml:"quiesce_grace_sec,omitempty" json:"quiesce_grace_sec,omitempty"`
}

// StartupTimeout returns the health probe deadline as a duration
func (c *DeploymentConfig) StartupTimeout() time.Duration {
	return time.Duration(c.StartupTimeoutSec) * time.Second
}

// StopGrace returns the stop grace period as a duration
func (c *DeploymentConfig) StopGrace() time.Duration {
	return time.Duration(c.StopGraceSec) * time.Second
}

// QuiesceGrace returns the quiesce grace period as a duration
func (c *DeploymentConfig) QuiesceGrace() time.Duration {
	return time.Duration(c.QuiesceGraceSec) * time.Second
}

// ContainerState is the observable lifecycle state of the remote container
type ContainerState string

const (
	ContainerStateAbsent       ContainerState = "absent"
	ContainerStateBuilt        ContainerState = "built"
	ContainerStateRunning      ContainerState = "running"
	ContainerStateStopped      ContainerState = "stopped"
	ContainerStateInconsistent ContainerState = "inconsistent"
)

// StateFormatVersion is the only state.json format this build understands
const StateFormatVersion = 1

// State mirrors the host-side state.json, the single source of truth for a
// deployment. Unknown format versions are refused by the coordinator.
type State struct {
	ActiveVersion  *string        `json:"active_version"`
	LastBackup     *string        `json:"last_backup"`
	ContainerState ContainerState `json:"container_state"`
	FormatVersion  int            `json:"format_version"`
}

// VersionRecord is an immutable record of one built deployment version
type VersionRecord struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	SourceRevision string    `json:"source_revision,omitempty"`
	ImageDigest    string    `json:"image_digest"`
	ConfigHash     string    `json:"config_hash"`
}

// BackupRecord describes one host-side backup archive
type BackupRecord struct {
	Timestamp       string    `json:"timestamp"` // backups/<ts> directory name
	CreatedAt       time.Time `json:"created_at"`
	IncludesData    bool      `json:"includes_data"`
	Hot             bool      `json:"hot,omitempty"` // taken without quiesce
	SourceVersionID string    `json:"source_version_id"`
	SizeBytes       int64     `json:"size_bytes"`
	ArchiveName     string    `json:"archive_name"`
	LocalPath       string    `json:"local_path,omitempty"`
}

// StatusReport combines container status with version and backup context
type StatusReport struct {
	State            ContainerState `json:"state"`
	ImageDigest      string         `json:"image_digest,omitempty"`
	UptimeSeconds    int64          `json:"uptime_seconds"`
	Restarts         int            `json:"restarts"`
	RecentErrorLines []string       `json:"recent_error_lines,omitempty"`

	ActiveVersion *VersionRecord `json:"active_version,omitempty"`
	LastBackup    *BackupRecord  `json:"last_backup,omitempty"`
}
