package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/botdock/botdock/pkg/types"
)

var (
	deploymentIDRe = regexp.MustCompile(`^[a-z0-9-]{1,32}$`)
	secretNameRe   = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)
	envNameRe      = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Defaults applied by ApplyDefaults for absent fields
const (
	DefaultPort            = 22
	DefaultStartupTimeout  = 120 // seconds
	DefaultStopGrace       = 10  // seconds
	DefaultQuiesceGrace    = 30  // seconds
	DefaultRetentionCount  = 10
	DefaultRetentionDays   = 90
	DefaultMemoryMB        = 256
	DefaultCPUs            = 0.5
)

// Load reads, defaults, and validates a DeploymentConfig from a YAML file
func Load(path string) (*types.DeploymentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a DeploymentConfig from YAML bytes
func Parse(data []byte) (*types.DeploymentConfig, error) {
	var cfg types.DeploymentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &types.ConfigInvalidError{Reason: fmt.Sprintf("parse YAML: %v", err)}
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills absent fields with conservative defaults
func ApplyDefaults(cfg *types.DeploymentConfig) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.StartupTimeoutSec == 0 {
		cfg.StartupTimeoutSec = DefaultStartupTimeout
	}
	if cfg.StopGraceSec == 0 {
		cfg.StopGraceSec = DefaultStopGrace
	}
	if cfg.QuiesceGraceSec == 0 {
		cfg.QuiesceGraceSec = DefaultQuiesceGrace
	}
	if cfg.Retention.MaxCount == 0 {
		cfg.Retention.MaxCount = DefaultRetentionCount
	}
	if cfg.Retention.MaxAgeDays == 0 {
		cfg.Retention.MaxAgeDays = DefaultRetentionDays
	}
	if cfg.Resources == nil {
		cfg.Resources = &types.Resources{}
	}
	if cfg.Resources.MemoryMB == 0 {
		cfg.Resources.MemoryMB = DefaultMemoryMB
	}
	if cfg.Resources.CPUs == 0 {
		cfg.Resources.CPUs = DefaultCPUs
	}
}

// Validate checks a DeploymentConfig; returns ConfigInvalidError on the
// first violation
func Validate(cfg *types.DeploymentConfig) error {
	if !deploymentIDRe.MatchString(cfg.DeploymentID) {
		return &types.ConfigInvalidError{Reason: fmt.Sprintf("deployment_id %q must match [a-z0-9-]{1,32}", cfg.DeploymentID)}
	}
	if cfg.Host == "" {
		return &types.ConfigInvalidError{Reason: "host is required"}
	}
	if cfg.User == "" {
		return &types.ConfigInvalidError{Reason: "user is required"}
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &types.ConfigInvalidError{Reason: fmt.Sprintf("port %d out of range", cfg.Port)}
	}

	switch cfg.Auth.Kind {
	case types.AuthKindKey:
		if cfg.Auth.Path == "" {
			return &types.ConfigInvalidError{Reason: "auth.path is required for kind=key"}
		}
	case types.AuthKindAgent:
		if cfg.Auth.Path != "" {
			return &types.ConfigInvalidError{Reason: "auth.path is not allowed for kind=agent"}
		}
	default:
		return &types.ConfigInvalidError{Reason: fmt.Sprintf("auth.kind %q must be key or agent", cfg.Auth.Kind)}
	}

	if cfg.Runtime.ID == "" {
		return &types.ConfigInvalidError{Reason: "runtime.id is required"}
	}
	if cfg.ImageBase == "" {
		return &types.ConfigInvalidError{Reason: "image_base is required"}
	}

	for _, name := range cfg.SecretsRequired {
		if !secretNameRe.MatchString(name) {
			return &types.ConfigInvalidError{Reason: fmt.Sprintf("secret name %q must match [A-Z_][A-Z0-9_]*", name)}
		}
	}
	for name, value := range cfg.EnvPlain {
		if !envNameRe.MatchString(name) {
			return &types.ConfigInvalidError{Reason: fmt.Sprintf("env name %q is not a valid identifier", name)}
		}
		if strings.ContainsAny(value, "\n\r") {
			return &types.ConfigInvalidError{Reason: fmt.Sprintf("env value for %s must not contain newlines", name)}
		}
	}
	for _, dir := range cfg.DataDirs {
		if dir == "" || strings.HasPrefix(dir, "/") || strings.Contains(dir, "..") {
			return &types.ConfigInvalidError{Reason: fmt.Sprintf("data dir %q must be a relative path inside the deployment root", dir)}
		}
	}

	if cfg.Retention.MaxCount < 1 {
		return &types.ConfigInvalidError{Reason: "retention.max_count must be at least 1"}
	}
	if cfg.Retention.MaxAgeDays < 1 {
		return &types.ConfigInvalidError{Reason: "retention.max_age_days must be at least 1"}
	}
	return nil
}

// hashedConfig is the subset of DeploymentConfig that participates in the
// config hash. Host credentials (host, port, user, auth) are excluded so
// moving a deployment between hosts does not force a rebuild.
type hashedConfig struct {
	DeploymentID    string                   `json:"deployment_id"`
	Runtime         types.RuntimeRequirement `json:"runtime"`
	ImageBase       string                   `json:"image_base"`
	Resources       *types.Resources         `json:"resources,omitempty"`
	EnvPlain        map[string]string        `json:"env_plain,omitempty"`
	SecretsRequired []string                 `json:"secrets_required,omitempty"`
	DataDirs        []string                 `json:"data_dirs,omitempty"`
}

// Hash returns the stable hex SHA-256 over the credential-free subset of the
// config. encoding/json sorts map keys, so the encoding is canonical.
func Hash(cfg *types.DeploymentConfig) string {
	secrets := append([]string(nil), cfg.SecretsRequired...)
	sort.Strings(secrets)
	h := hashedConfig{
		DeploymentID:    cfg.DeploymentID,
		Runtime:         cfg.Runtime,
		ImageBase:       cfg.ImageBase,
		Resources:       cfg.Resources,
		EnvPlain:        cfg.EnvPlain,
		SecretsRequired: secrets,
		DataDirs:        cfg.DataDirs,
	}
	data, err := json.Marshal(h)
	if err != nil {
		// hashedConfig contains only marshalable fields
		panic(fmt.Sprintf("marshal config for hashing: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Marshal renders the config back to YAML, used to store a copy on the host
func Marshal(cfg *types.DeploymentConfig) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}
