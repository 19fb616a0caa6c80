package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botdock/botdock/pkg/types"
)

func validConfig() *types.DeploymentConfig {
	cfg := &types.DeploymentConfig{
		DeploymentID: "demo",
		Host:         "h1.example.com",
		User:         "bot",
		Auth:         types.AuthConfig{Kind: types.AuthKindAgent},
		Runtime:      types.RuntimeRequirement{ID: "py3.11", MinVersion: "3.11"},
		ImageBase:    "python:3.11-slim",
		EnvPlain:     map[string]string{"TZ": "UTC"},
		SecretsRequired: []string{
			"API_KEY",
		},
	}
	ApplyDefaults(cfg)
	return cfg
}

func TestParseValid(t *testing.T) {
	doc := `
deployment_id: demo
host: h1.example.com
user: bot
auth:
  kind: key
  path: /home/dev/.ssh/id_ed25519
runtime:
  id: py3.11
  min_version: "3.11"
image_base: python:3.11-slim
env_plain:
  TZ: UTC
secrets_required:
  - API_KEY
retention:
  max_count: 2
  max_age_days: 30
`
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "demo", cfg.DeploymentID)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, 2, cfg.Retention.MaxCount)
	assert.Equal(t, DefaultMemoryMB, cfg.Resources.MemoryMB)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*types.DeploymentConfig)
	}{
		{"uppercase id", func(c *types.DeploymentConfig) { c.DeploymentID = "Demo" }},
		{"long id", func(c *types.DeploymentConfig) {
			c.DeploymentID = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" // 33 chars
		}},
		{"empty host", func(c *types.DeploymentConfig) { c.Host = "" }},
		{"empty user", func(c *types.DeploymentConfig) { c.User = "" }},
		{"bad auth kind", func(c *types.DeploymentConfig) { c.Auth.Kind = "password" }},
		{"key without path", func(c *types.DeploymentConfig) {
			c.Auth = types.AuthConfig{Kind: types.AuthKindKey}
		}},
		{"lowercase secret", func(c *types.DeploymentConfig) { c.SecretsRequired = []string{"api_key"} }},
		{"secret starting with digit", func(c *types.DeploymentConfig) { c.SecretsRequired = []string{"1KEY"} }},
		{"newline in env value", func(c *types.DeploymentConfig) { c.EnvPlain = map[string]string{"A": "x\ny"} }},
		{"absolute data dir", func(c *types.DeploymentConfig) { c.DataDirs = []string{"/var/data"} }},
		{"escaping data dir", func(c *types.DeploymentConfig) { c.DataDirs = []string{"../other"} }},
		{"missing runtime", func(c *types.DeploymentConfig) { c.Runtime.ID = "" }},
		{"missing image", func(c *types.DeploymentConfig) { c.ImageBase = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			var kind *types.ConfigInvalidError
			assert.ErrorAs(t, err, &kind)
		})
	}
}

func TestHashStable(t *testing.T) {
	a := validConfig()
	b := validConfig()
	assert.Equal(t, Hash(a), Hash(b))
}

func TestHashIgnoresCredentials(t *testing.T) {
	a := validConfig()
	b := validConfig()
	b.Host = "h2.example.com"
	b.Port = 2222
	b.User = "other"
	b.Auth = types.AuthConfig{Kind: types.AuthKindKey, Path: "/tmp/key"}
	assert.Equal(t, Hash(a), Hash(b))
}

func TestHashChangesWithImage(t *testing.T) {
	a := validConfig()
	b := validConfig()
	b.ImageBase = "python:3.12-slim"
	assert.NotEqual(t, Hash(a), Hash(b))
}

func TestHashIgnoresSecretOrder(t *testing.T) {
	a := validConfig()
	a.SecretsRequired = []string{"B_KEY", "A_KEY"}
	b := validConfig()
	b.SecretsRequired = []string{"A_KEY", "B_KEY"}
	assert.Equal(t, Hash(a), Hash(b))
}
