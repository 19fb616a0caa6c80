package coordinator

import (
	"context"

	"github.com/botdock/botdock/pkg/metrics"
	"github.com/botdock/botdock/pkg/session"
	"github.com/botdock/botdock/pkg/types"
	"github.com/botdock/botdock/pkg/version"
)

// Backup creates an on-demand backup. includeData archives the declared
// data directories; unsafe skips the quiesce and marks the record hot.
func (c *Coordinator) Backup(ctx context.Context, includeData, unsafe bool) (*types.BackupRecord, error) {
	var record *types.BackupRecord
	err := c.run(ctx, "backup", true, func(ctx context.Context, sess session.Session, layout types.Layout) error {
		state, err := c.readState(ctx, sess, layout)
		if err != nil {
			return err
		}
		if err := c.requireOperable(state); err != nil {
			return err
		}

		life := c.manager(sess, layout)
		rec, err := c.backups(sess, layout, life).Create(ctx, includeData, unsafe)
		if err != nil {
			return err
		}
		record = rec
		metrics.BackupsTotal.WithLabelValues(backupKind(rec.Hot)).Inc()

		if state != nil {
			state.LastBackup = &rec.Timestamp
			if err := c.writeState(ctx, sess, layout, state); err != nil {
				return err
			}
			c.recordOp("backup", state)
		}
		return nil
	})
	return record, err
}

// RestoreBackup stops the container, restores the archive, and starts the
// restored version.
func (c *Coordinator) RestoreBackup(ctx context.Context, timestamp string) error {
	return c.run(ctx, "restore", true, func(ctx context.Context, sess session.Session, layout types.Layout) error {
		state, err := c.readState(ctx, sess, layout)
		if err != nil {
			return err
		}
		if err := c.requireOperable(state); err != nil {
			return err
		}

		life := c.manager(sess, layout)
		if err := life.Stop(ctx, c.cfg.StopGrace()); err != nil {
			return err
		}

		bstore := c.backups(sess, layout, life)
		if err := bstore.Restore(ctx, timestamp); err != nil {
			return err
		}
		if err := c.materializeSecrets(ctx, sess, layout); err != nil {
			return err
		}
		if err := life.Up(ctx); err != nil {
			return err
		}

		if state == nil {
			state = &types.State{}
		}
		if active, err := version.NewStore(sess, layout).Resolve(ctx, version.RefCurrent); err == nil {
			state.ActiveVersion = &active.ID
		}
		state.ContainerState = types.ContainerStateRunning
		if err := c.writeState(ctx, sess, layout, state); err != nil {
			return err
		}

		c.recordOp("restore", state)
		return nil
	})
}

// DownloadBackup streams a backup archive to a local file
func (c *Coordinator) DownloadBackup(ctx context.Context, timestamp, localPath string) (*types.BackupRecord, error) {
	var record *types.BackupRecord
	err := c.run(ctx, "download-backup", false, func(ctx context.Context, sess session.Session, layout types.Layout) error {
		life := c.manager(sess, layout)
		rec, err := c.backups(sess, layout, life).Download(ctx, timestamp, localPath)
		if err != nil {
			return err
		}
		record = rec
		return nil
	})
	return record, err
}

// ListBackups returns every backup record, newest first
func (c *Coordinator) ListBackups(ctx context.Context) ([]types.BackupRecord, error) {
	var records []types.BackupRecord
	err := c.run(ctx, "list-backups", false, func(ctx context.Context, sess session.Session, layout types.Layout) error {
		life := c.manager(sess, layout)
		recs, err := c.backups(sess, layout, life).List(ctx)
		if err != nil {
			return err
		}
		records = recs
		return nil
	})
	return records, err
}

// ListVersions returns every version record, newest first
func (c *Coordinator) ListVersions(ctx context.Context) ([]*types.VersionRecord, error) {
	var records []*types.VersionRecord
	err := c.run(ctx, "list-versions", false, func(ctx context.Context, sess session.Session, layout types.Layout) error {
		recs, err := version.NewStore(sess, layout).List(ctx)
		if err != nil {
			return err
		}
		records = recs
		return nil
	})
	return records, err
}
