package bootstrap

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/botdock/botdock/pkg/config"
	"github.com/botdock/botdock/pkg/types"
)

// EnsureLayout creates the per-deployment directory tree and stores the
// deployment configuration on the host. Existing directories are left
// untouched, so repeated runs are safe. If the deployment root already
// holds a configuration for a different deployment_id the call refuses
// rather than adopt the directory.
func (b *Bootstrapper) EnsureLayout(ctx context.Context, layout types.Layout, cfg *types.DeploymentConfig) error {
	data, err := config.Marshal(cfg)
	if err != nil {
		return err
	}

	unchanged := false
	if stored, derr := b.sess.Download(ctx, layout.ConfigPath()); derr == nil {
		storedCfg, perr := config.Parse(stored)
		if perr != nil {
			return &types.DeploymentInconsistentError{
				DeploymentID: cfg.DeploymentID,
				Reason:       "stored deployment.yaml is unreadable",
			}
		}
		if storedCfg.DeploymentID != cfg.DeploymentID {
			return &types.ConfigInvalidError{
				Reason: fmt.Sprintf("deployment directory %s belongs to %q, not %q",
					layout.Root(), storedCfg.DeploymentID, cfg.DeploymentID),
			}
		}
		unchanged = bytes.Equal(stored, data)
	}

	dirs := []string{layout.VersionsDir(), layout.BackupsDir()}
	for _, rel := range cfg.DataDirs {
		dirs = append(dirs, layout.DataDir(rel))
	}
	if _, err := b.sess.Run(ctx, fmt.Sprintf("mkdir -p %s", strings.Join(quoteAll(dirs), " "))); err != nil {
		return err
	}

	if !unchanged {
		if err := b.sess.Upload(ctx, data, layout.ConfigPath(), 0o644); err != nil {
			return err
		}
	}

	b.logger.Debug().Str("root", layout.Root()).Msg("deployment layout ensured")
	return nil
}

func quoteAll(paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = fmt.Sprintf("%q", p)
	}
	return out
}
