package recipe

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/botdock/botdock/pkg/config"
	"github.com/botdock/botdock/pkg/types"
)

// Artifact file names within a rendered bundle
const (
	FileDockerfile = "Dockerfile"
	FileCompose    = "compose.yaml"
	FileEntrypoint = "entrypoint.sh"
	FileMakefile   = "Makefile"
)

// Bundle is the set of rendered artifacts for one version, kept in memory
// until the coordinator uploads it into versions/<id>/
type Bundle struct {
	VersionID string
	Files     map[string][]byte
}

// Names returns the artifact names in sorted order
func (b *Bundle) Names() []string {
	names := make([]string, 0, len(b.Files))
	for name := range b.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// templateData is the closed set of names templates may reference
type templateData struct {
	DeploymentID   string
	ImageBase      string
	VersionID      string
	ConfigHash     string
	RuntimeID      string
	Family         string
	EnvLines       []string // sorted KEY=value pairs from env_plain
	CPUs           string
	MemoryMB       int
	StopGraceSec   int
	SecretsEnvPath string   // absolute host path; compose resolves relative paths lexically
	DataMounts     []string // absolute host-path:container-path pairs
}

// Render produces the bundle for (cfg, layout, versionID). The rendering is
// pure: identical inputs yield byte-identical output, which is what keeps
// config_hash reproducible. Host paths in the compose file are absolute:
// the compose project directory is the current/ symlink, and compose
// resolves relative paths lexically, so ../-style paths would escape the
// deployment root.
func Render(cfg *types.DeploymentConfig, layout types.Layout, versionID string) (*Bundle, error) {
	family, err := runtimeFamily(cfg.Runtime.ID)
	if err != nil {
		return nil, err
	}

	mounts := make([]string, 0, len(cfg.DataDirs))
	for _, rel := range cfg.DataDirs {
		mounts = append(mounts, fmt.Sprintf("%s:/app/%s", layout.DataDir(rel), rel))
	}

	data := templateData{
		DeploymentID:   cfg.DeploymentID,
		ImageBase:      cfg.ImageBase,
		VersionID:      versionID,
		ConfigHash:     config.Hash(cfg),
		RuntimeID:      cfg.Runtime.ID,
		Family:         family,
		EnvLines:       envLines(cfg.EnvPlain),
		CPUs:           trimFloat(cfg.Resources.CPUs),
		MemoryMB:       cfg.Resources.MemoryMB,
		StopGraceSec:   cfg.StopGraceSec,
		SecretsEnvPath: layout.SecretsEnvPath(),
		DataMounts:     mounts,
	}

	files := map[string][]byte{}
	for name, tmpl := range artifactTemplates {
		rendered, err := renderOne(name, tmpl, data)
		if err != nil {
			return nil, err
		}
		files[name] = rendered
	}

	return &Bundle{VersionID: versionID, Files: files}, nil
}

func renderOne(name, text string, data templateData) ([]byte, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

// runtimeFamily maps a runtime id like "py3.11" to its template set
func runtimeFamily(runtimeID string) (string, error) {
	switch {
	case strings.HasPrefix(runtimeID, "py"), strings.HasPrefix(runtimeID, "python"):
		return "python", nil
	case strings.HasPrefix(runtimeID, "node"):
		return "node", nil
	case strings.HasPrefix(runtimeID, "go"):
		return "go", nil
	default:
		return "", &types.ConfigInvalidError{Reason: fmt.Sprintf("no template set for runtime %q (supported: py*, node*, go*)", runtimeID)}
	}
}

func envLines(env map[string]string) []string {
	lines := make([]string, 0, len(env))
	for k, v := range env {
		lines = append(lines, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(lines)
	return lines
}

// trimFloat formats a CPU cap without trailing zeros
func trimFloat(f float64) string {
	s := fmt.Sprintf("%.2f", f)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}
