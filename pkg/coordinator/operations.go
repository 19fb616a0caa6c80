package coordinator

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/botdock/botdock/pkg/bootstrap"
	"github.com/botdock/botdock/pkg/config"
	"github.com/botdock/botdock/pkg/lifecycle"
	"github.com/botdock/botdock/pkg/metrics"
	"github.com/botdock/botdock/pkg/recipe"
	"github.com/botdock/botdock/pkg/session"
	"github.com/botdock/botdock/pkg/types"
	"github.com/botdock/botdock/pkg/version"
)

// Init provisions the host and creates the deployment layout. It builds and
// starts nothing; a second run against a provisioned host performs probes
// only.
func (c *Coordinator) Init(ctx context.Context) error {
	if err := c.preflight(); err != nil {
		return err
	}

	return c.run(ctx, "init", true, func(ctx context.Context, sess session.Session, layout types.Layout) error {
		var bootOpts []bootstrap.Option
		if c.sudoPassword != nil {
			bootOpts = append(bootOpts, bootstrap.WithSudoPassword(c.sudoPassword))
		}
		boot := bootstrap.New(sess, bootOpts...)

		if _, err := boot.EnsurePrerequisites(ctx, c.cfg.Runtime); err != nil {
			return err
		}
		if err := boot.EnsureLayout(ctx, layout, c.cfg); err != nil {
			return err
		}

		state, err := c.readState(ctx, sess, layout)
		if err != nil {
			return err
		}
		if state == nil {
			state = &types.State{ContainerState: types.ContainerStateAbsent}
			if err := c.writeState(ctx, sess, layout, state); err != nil {
				return err
			}
		}

		c.recordOp("init", state)
		return nil
	})
}

// Up deploys and starts a new version. If the container is already running
// with a matching config hash the call is a no-op and returns nil. On any
// failure after the version record is written, the version directory is
// kept for inspection but current/ is not advanced.
func (c *Coordinator) Up(ctx context.Context) (*types.VersionRecord, error) {
	if err := c.preflight(); err != nil {
		return nil, err
	}

	var record *types.VersionRecord
	err := c.run(ctx, "up", true, func(ctx context.Context, sess session.Session, layout types.Layout) error {
		state, err := c.readState(ctx, sess, layout)
		if err != nil {
			return err
		}
		if err := c.requireOperable(state); err != nil {
			return err
		}
		if state == nil {
			state = &types.State{ContainerState: types.ContainerStateAbsent}
		}

		life := c.manager(sess, layout)
		running, err := life.AlreadyRunning(ctx)
		if err != nil {
			return err
		}
		if running {
			c.logger.Info().Msg("already running with matching config; nothing to do")
			return nil
		}

		rec, err := c.buildVersion(ctx, sess, layout, life)
		if err != nil {
			return err
		}
		record = rec

		if err := c.materializeSecrets(ctx, sess, layout); err != nil {
			return err
		}
		if err := c.advanceAndStart(ctx, sess, layout, life, rec.ID, life.Up); err != nil {
			return err
		}

		previousID := ""
		if state.ActiveVersion != nil {
			previousID = *state.ActiveVersion
		}
		state.ActiveVersion = &rec.ID
		state.ContainerState = types.ContainerStateRunning
		if err := c.writeState(ctx, sess, layout, state); err != nil {
			return err
		}

		c.applyVersionRetention(ctx, sess, layout, rec.ID, previousID)
		c.recordOp("up", state)
		return nil
	})
	return record, err
}

// Update deploys a new version over a running one: automatic pre-update
// backup, health-gated swap, and automatic rollback to the previous version
// if the new one fails to start. The returned error then carries both the
// original failure and the rollback outcome.
func (c *Coordinator) Update(ctx context.Context, unsafeBackup bool) (*types.VersionRecord, error) {
	if err := c.preflight(); err != nil {
		return nil, err
	}

	var record *types.VersionRecord
	err := c.run(ctx, "update", true, func(ctx context.Context, sess session.Session, layout types.Layout) error {
		state, err := c.readState(ctx, sess, layout)
		if err != nil {
			return err
		}
		if err := c.requireOperable(state); err != nil {
			return err
		}
		if state == nil || state.ActiveVersion == nil {
			return &types.ConfigInvalidError{Reason: "nothing is deployed yet; run up first"}
		}
		previousID := *state.ActiveVersion

		life := c.manager(sess, layout)
		running, err := life.AlreadyRunning(ctx)
		if err != nil {
			return err
		}
		if running {
			c.logger.Info().Msg("already running with matching config; nothing to do")
			return nil
		}

		backupRec, err := c.backups(sess, layout, life).Create(ctx, c.cfg.BackupData, unsafeBackup)
		if err != nil {
			return err
		}
		metrics.BackupsTotal.WithLabelValues(backupKind(backupRec.Hot)).Inc()

		rec, err := c.buildVersion(ctx, sess, layout, life)
		if err != nil {
			return err
		}
		record = rec

		if err := c.materializeSecrets(ctx, sess, layout); err != nil {
			return err
		}

		if err := life.Swap(ctx, rec.ID); err != nil {
			// Swap reverted current/; bring the previous version back up.
			outcome := "succeeded"
			if rbErr := life.Swap(ctx, previousID); rbErr != nil {
				outcome = fmt.Sprintf("failed: %v", rbErr)
				c.markInconsistent(sess, layout, "automatic rollback failed")
			}
			metrics.RollbacksTotal.WithLabelValues("automatic").Inc()
			return &types.UpdateError{Err: err, RollbackOutcome: outcome}
		}

		state.ActiveVersion = &rec.ID
		state.ContainerState = types.ContainerStateRunning
		state.LastBackup = &backupRec.Timestamp
		if err := c.writeState(ctx, sess, layout, state); err != nil {
			return err
		}

		c.applyVersionRetention(ctx, sess, layout, rec.ID, previousID)
		c.recordOp("update", state)
		return nil
	})
	return record, err
}

// Rollback swaps the deployment to ref ("previous" by default, or an
// explicit version id) without building anything.
func (c *Coordinator) Rollback(ctx context.Context, ref string) (*types.VersionRecord, error) {
	if ref == "" {
		ref = version.RefPrevious
	}

	var record *types.VersionRecord
	err := c.run(ctx, "rollback", true, func(ctx context.Context, sess session.Session, layout types.Layout) error {
		state, err := c.readState(ctx, sess, layout)
		if err != nil {
			return err
		}
		if err := c.requireOperable(state); err != nil {
			return err
		}

		target, err := version.NewStore(sess, layout).Resolve(ctx, ref)
		if err != nil {
			return err
		}
		record = target

		life := c.manager(sess, layout)
		if err := c.materializeSecrets(ctx, sess, layout); err != nil {
			return err
		}
		if err := life.Swap(ctx, target.ID); err != nil {
			return err
		}

		if state == nil {
			state = &types.State{}
		}
		state.ActiveVersion = &target.ID
		state.ContainerState = types.ContainerStateRunning
		if err := c.writeState(ctx, sess, layout, state); err != nil {
			return err
		}

		metrics.RollbacksTotal.WithLabelValues("manual").Inc()
		c.recordOp("rollback", state)
		return nil
	})
	return record, err
}

// Status combines the container status with the active version record and
// the most recent backup. It takes no lock and mutates nothing.
func (c *Coordinator) Status(ctx context.Context) (*types.StatusReport, error) {
	var report *types.StatusReport
	err := c.run(ctx, "status", false, func(ctx context.Context, sess session.Session, layout types.Layout) error {
		life := c.manager(sess, layout)
		r, err := life.Status(ctx)
		if err != nil {
			return err
		}
		report = r

		state, err := c.readState(ctx, sess, layout)
		if err == nil && state != nil && state.ContainerState == types.ContainerStateInconsistent {
			report.State = types.ContainerStateInconsistent
		}

		vstore := version.NewStore(sess, layout)
		if active, err := vstore.Resolve(ctx, version.RefCurrent); err == nil {
			report.ActiveVersion = active
		}
		if backups, err := c.backups(sess, layout, life).List(ctx); err == nil && len(backups) > 0 {
			report.LastBackup = &backups[0]
		}
		return nil
	})
	return report, err
}

// Recover re-probes the container and rewrites state.json from what is
// actually observed, clearing an inconsistency marker. It is the explicit
// escape hatch after a cancelled operation.
func (c *Coordinator) Recover(ctx context.Context) (*types.StatusReport, error) {
	var report *types.StatusReport
	err := c.run(ctx, "recover", true, func(ctx context.Context, sess session.Session, layout types.Layout) error {
		life := c.manager(sess, layout)
		r, err := life.Status(ctx)
		if err != nil {
			return err
		}
		report = r

		state := &types.State{ContainerState: r.State}
		if res, err := sess.Run(ctx, fmt.Sprintf("readlink %s", layout.CurrentLink())); err == nil {
			target := strings.TrimSpace(res.Stdout)
			id := target[strings.LastIndex(target, "/")+1:]
			if id != "" {
				state.ActiveVersion = &id
			}
		}
		if err := c.writeState(ctx, sess, layout, state); err != nil {
			return err
		}

		c.recordOp("recover", state)
		return nil
	})
	return report, err
}

// Down stops and removes the container and the current/ link. With
// removeData the entire remote layout is deleted, backups and data
// directories included. The local vault is never touched.
func (c *Coordinator) Down(ctx context.Context, removeData bool) error {
	return c.run(ctx, "down", true, func(ctx context.Context, sess session.Session, layout types.Layout) error {
		life := c.manager(sess, layout)
		if err := life.Stop(ctx, c.cfg.StopGrace()); err != nil {
			return err
		}
		if err := life.Down(ctx); err != nil {
			return err
		}
		if _, err := sess.Run(ctx, fmt.Sprintf("rm -f %q", layout.CurrentLink())); err != nil {
			return err
		}

		if removeData {
			if _, err := sess.Run(ctx, fmt.Sprintf("rm -rf %q", layout.Root())); err != nil {
				return err
			}
			if c.reg != nil {
				if err := c.reg.Delete(c.cfg.DeploymentID); err != nil {
					c.logger.Warn().Err(err).Msg("failed to drop registry entry")
				}
			}
			return nil
		}

		state := &types.State{ContainerState: types.ContainerStateAbsent}
		if err := c.writeState(ctx, sess, layout, state); err != nil {
			return err
		}
		c.recordOp("down", state)
		return nil
	})
}

// buildVersion renders the recipe bundle, uploads it, builds the image, and
// records the version. The bundle upload precedes the build because the
// build runs inside the uploaded version directory.
func (c *Coordinator) buildVersion(ctx context.Context, sess session.Session, layout types.Layout, life *lifecycle.Manager) (*types.VersionRecord, error) {
	vstore := version.NewStore(sess, layout)
	id := vstore.NewID(c.now())

	bundle, err := recipe.Render(c.cfg, layout, id)
	if err != nil {
		return nil, err
	}
	for _, name := range bundle.Names() {
		mode := os.FileMode(0o644)
		if name == recipe.FileEntrypoint {
			mode = 0o755
		}
		if err := sess.Upload(ctx, bundle.Files[name], path.Join(layout.VersionDir(id), name), mode); err != nil {
			return nil, err
		}
	}

	buildTimer := metrics.NewTimer()
	digest, err := life.Build(ctx, id)
	if err != nil {
		return nil, err
	}
	buildTimer.ObserveDuration(metrics.BuildDuration)

	return vstore.Record(ctx, id, config.Hash(c.cfg), digest, c.sourceRev)
}

// materializeSecrets rewrites the host-side secrets.env to exactly the
// required set. With nothing required the file still gets rewritten, so
// secrets dropped from the config disappear from the host.
func (c *Coordinator) materializeSecrets(ctx context.Context, sess session.Session, layout types.Layout) error {
	if c.vault == nil {
		return sess.Upload(ctx, []byte{}, layout.SecretsEnvPath(), 0o600)
	}
	return c.vault.Materialize(ctx, sess, layout.SecretsEnvPath(), c.cfg.SecretsRequired)
}

// advanceAndStart points current/ at versionID and starts the container,
// reverting current/ if the start fails so a kept version never becomes
// active.
func (c *Coordinator) advanceAndStart(ctx context.Context, sess session.Session, layout types.Layout, life *lifecycle.Manager, versionID string, start func(context.Context) error) error {
	var oldTarget string
	if res, err := sess.Run(ctx, fmt.Sprintf("readlink %s", layout.CurrentLink())); err == nil {
		oldTarget = strings.TrimSpace(res.Stdout)
	}

	relink := fmt.Sprintf("ln -sfn %q %q", layout.VersionDir(versionID), layout.CurrentLink())
	if _, err := sess.Run(ctx, relink); err != nil {
		return err
	}

	if err := start(ctx); err != nil {
		if oldTarget != "" {
			revert := fmt.Sprintf("ln -sfn %q %q", oldTarget, layout.CurrentLink())
			if _, rerr := sess.Run(ctx, revert); rerr != nil {
				c.logger.Error().Err(rerr).Msg("failed to revert current/ after failed start")
			}
		} else {
			if _, rerr := sess.Run(ctx, fmt.Sprintf("rm -f %q", layout.CurrentLink())); rerr != nil {
				c.logger.Error().Err(rerr).Msg("failed to remove current/ after failed start")
			}
		}
		return err
	}
	return nil
}

// applyVersionRetention best-effort prunes old versions after a deploy
func (c *Coordinator) applyVersionRetention(ctx context.Context, sess session.Session, layout types.Layout, activeID, previousID string) {
	pruned, err := version.NewStore(sess, layout).ApplyRetention(ctx, c.cfg.Retention, activeID, previousID)
	if err != nil {
		c.logger.Warn().Err(err).Msg("version retention pass failed")
		return
	}
	if len(pruned) > 0 {
		c.logger.Info().Strs("pruned", pruned).Msg("pruned old versions")
	}
}

func backupKind(hot bool) string {
	if hot {
		return "hot"
	}
	return "quiesced"
}
