package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/botdock/botdock/pkg/session"
	"github.com/botdock/botdock/pkg/types"
)

// PMKind is the tagged variant over supported package managers
type PMKind string

const (
	PMApt PMKind = "apt"
	PMDnf PMKind = "dnf"
	PMApk PMKind = "apk"
)

// PackageManager issues install commands for one supported distribution
// family. Detection happens once per bootstrap run from /etc/os-release.
type PackageManager struct {
	Kind PMKind
}

// InstallCommand returns the non-interactive install invocation for pkgs.
// The command assumes it already runs elevated.
func (pm PackageManager) InstallCommand(pkgs ...string) string {
	list := strings.Join(pkgs, " ")
	switch pm.Kind {
	case PMApt:
		return fmt.Sprintf("DEBIAN_FRONTEND=noninteractive apt-get update -qq && DEBIAN_FRONTEND=noninteractive apt-get install -y -qq %s", list)
	case PMDnf:
		return fmt.Sprintf("dnf install -y -q %s", list)
	case PMApk:
		return fmt.Sprintf("apk add -q %s", list)
	default:
		return ""
	}
}

// packageName maps a logical dependency to the distribution's package name
func (pm PackageManager) packageName(dep string) string {
	names, ok := packageNames[dep]
	if !ok {
		return dep
	}
	if name, ok := names[pm.Kind]; ok {
		return name
	}
	return dep
}

var packageNames = map[string]map[PMKind]string{
	"python": {PMApt: "python3", PMDnf: "python3", PMApk: "python3"},
	"node":   {PMApt: "nodejs", PMDnf: "nodejs", PMApk: "nodejs"},
	"go":     {PMApt: "golang", PMDnf: "golang", PMApk: "go"},
	"docker": {PMApt: "docker.io", PMDnf: "docker", PMApk: "docker"},
	"compose": {
		PMApt: "docker-compose-v2",
		PMDnf: "docker-compose-plugin",
		PMApk: "docker-cli-compose",
	},
}

// DetectPackageManager reads /etc/os-release and selects the installer.
// Unknown distributions fail with UnsupportedHostError.
func DetectPackageManager(ctx context.Context, sess session.Session) (PackageManager, error) {
	res, err := sess.Run(ctx, "cat /etc/os-release")
	if err != nil {
		return PackageManager{}, err
	}
	return selectPackageManager(res.Stdout)
}

func selectPackageManager(osRelease string) (PackageManager, error) {
	id, idLike := parseOSRelease(osRelease)

	candidates := append([]string{id}, idLike...)
	for _, c := range candidates {
		switch c {
		case "debian", "ubuntu", "raspbian":
			return PackageManager{Kind: PMApt}, nil
		case "fedora", "rhel", "centos", "rocky", "almalinux":
			return PackageManager{Kind: PMDnf}, nil
		case "alpine":
			return PackageManager{Kind: PMApk}, nil
		}
	}

	return PackageManager{}, &types.UnsupportedHostError{
		OSID: id,
		Hint: "install the container runtime, compose plugin, and language runtime manually, then re-run init",
	}
}

func parseOSRelease(content string) (id string, idLike []string) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "ID="):
			id = strings.Trim(strings.TrimPrefix(line, "ID="), `"`)
		case strings.HasPrefix(line, "ID_LIKE="):
			like := strings.Trim(strings.TrimPrefix(line, "ID_LIKE="), `"`)
			idLike = strings.Fields(like)
		}
	}
	return id, idLike
}
