package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/botdock/botdock/pkg/log"
	"github.com/botdock/botdock/pkg/session"
	"github.com/botdock/botdock/pkg/types"
)

const (
	// RecordFile is the per-backup metadata document under backups/<ts>/
	RecordFile = "backup.json"

	// ArchiveZst and ArchiveGz are the archive names; zstd is preferred,
	// gzip covers hosts whose tar lacks --zstd.
	ArchiveZst = "archive.tar.zst"
	ArchiveGz  = "archive.tar.gz"

	// vaultCopy is the staged ciphertext vault included in every archive
	vaultCopy = "vault.enc"

	// undoFile is the one-slot restore undo pointer under backups/
	undoFile = ".undo"

	// TimestampLayout names backups/<ts> directories; lexicographic order
	// equals chronological order.
	TimestampLayout = "20060102T150405Z"

	archiveTimeout = 10 * time.Minute
)

// ContainerControl is the slice of the lifecycle manager a backup needs:
// quiesce before archiving, restart after.
type ContainerControl interface {
	Stop(ctx context.Context, grace time.Duration) error
	Up(ctx context.Context) error
}

// Store creates, restores, and prunes host-side backup archives
type Store struct {
	sess      session.Session
	layout    types.Layout
	cfg       *types.DeploymentConfig
	container ContainerControl
	vaultPath string // local vault file; staged into every archive
	logger    zerolog.Logger
	now       func() time.Time
}

// Option customizes a Store
type Option func(*Store)

// WithClock overrides the timestamp source (tests)
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore returns a backup store for one deployment
func NewStore(sess session.Session, layout types.Layout, cfg *types.DeploymentConfig, container ContainerControl, vaultPath string, opts ...Option) *Store {
	s := &Store{
		sess:      sess,
		layout:    layout,
		cfg:       cfg,
		container: container,
		vaultPath: vaultPath,
		logger:    log.WithComponent("backup").With().Str("deployment", cfg.DeploymentID).Logger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create takes a snapshot of the deployment: the active version directory,
// state.json, the (still encrypted) vault file, and optionally the declared
// data directories. Unless unsafe is set the container is quiesced first and
// restarted after; a container that will not stop within the quiesce grace
// aborts with BackupNotQuiesced. With unsafe the archive is taken hot and
// the record marked accordingly.
func (s *Store) Create(ctx context.Context, includeData, unsafe bool) (*types.BackupRecord, error) {
	sourceID, err := s.activeVersionID(ctx)
	if err != nil {
		return nil, err
	}

	quiesced := false
	if !unsafe {
		if err := s.quiesce(ctx); err != nil {
			return nil, err
		}
		quiesced = true
		defer func() {
			if err := s.container.Up(ctx); err != nil {
				s.logger.Error().Err(err).Msg("failed to restart container after backup")
			}
		}()
	}

	ts := s.now().UTC().Format(TimestampLayout)
	dir := s.layout.BackupDir(ts)
	if _, err := s.sess.Run(ctx, fmt.Sprintf("mkdir -p %q", dir)); err != nil {
		return nil, err
	}

	vaultStaged, err := s.stageVault(ctx, dir)
	if err != nil {
		return nil, err
	}

	archiveName, err := s.archive(ctx, ts, sourceID, includeData, vaultStaged)
	if err != nil {
		return nil, err
	}

	record := &types.BackupRecord{
		Timestamp:       ts,
		CreatedAt:       s.now().UTC(),
		IncludesData:    includeData,
		Hot:             !quiesced,
		SourceVersionID: sourceID,
		SizeBytes:       s.archiveSize(ctx, path.Join(dir, archiveName)),
		ArchiveName:     archiveName,
	}
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal backup record: %w", err)
	}
	if err := s.sess.Upload(ctx, data, path.Join(dir, RecordFile), 0o644); err != nil {
		return nil, err
	}

	pruned, err := s.applyRetention(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("backup retention pass failed")
	} else if len(pruned) > 0 {
		s.logger.Info().Strs("pruned", pruned).Msg("pruned old backups")
	}

	s.logger.Info().Str("timestamp", ts).Bool("hot", record.Hot).Str("archive", archiveName).Msg("backup created")
	return record, nil
}

// quiesce stops the container and verifies it actually exited. Only a
// stop that failed on the host maps to BackupNotQuiesced; transport and
// auth failures keep their kind.
func (s *Store) quiesce(ctx context.Context) error {
	grace := s.cfg.QuiesceGrace()
	if err := s.container.Stop(ctx, grace); err != nil {
		var execErr *types.RemoteExecError
		if errors.As(err, &execErr) {
			return &types.BackupNotQuiescedError{Grace: grace}
		}
		return err
	}

	res, err := s.sess.Run(ctx, fmt.Sprintf("docker inspect --format '{{.State.Running}}' %s", s.cfg.DeploymentID))
	if err == nil && strings.TrimSpace(res.Stdout) == "true" {
		return &types.BackupNotQuiescedError{Grace: grace}
	}
	return nil
}

// stageVault uploads the local vault ciphertext next to the archive so the
// backup is self-contained. It reports whether a file was staged; a missing
// vault (no secrets yet) stages nothing.
func (s *Store) stageVault(ctx context.Context, dir string) (bool, error) {
	data, err := os.ReadFile(s.vaultPath)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read vault file: %w", err)
	}
	if err := s.sess.Upload(ctx, data, path.Join(dir, vaultCopy), 0o600); err != nil {
		return false, err
	}
	return true, nil
}

// archive runs tar on the host, preferring zstd and falling back to gzip
func (s *Store) archive(ctx context.Context, ts, sourceID string, includeData, vaultStaged bool) (string, error) {
	members := []string{
		fmt.Sprintf("versions/%s", sourceID),
		"state.json",
	}
	if includeData {
		members = append(members, s.cfg.DataDirs...)
	}
	if vaultStaged {
		// The staged vault copy is picked up from the backup dir itself.
		members = append(members, fmt.Sprintf("-C backups/%s %s", ts, vaultCopy))
	}
	memberArgs := strings.Join(members, " ")

	zstCmd := fmt.Sprintf("cd %q && tar --zstd -cf backups/%s/%s %s", s.layout.Root(), ts, ArchiveZst, memberArgs)
	if _, err := s.sess.Run(ctx, zstCmd, session.WithTimeout(archiveTimeout)); err == nil {
		if vaultStaged {
			s.cleanupStagedVault(ctx, ts)
		}
		return ArchiveZst, nil
	}

	gzCmd := fmt.Sprintf("cd %q && tar -czf backups/%s/%s %s", s.layout.Root(), ts, ArchiveGz, memberArgs)
	if _, err := s.sess.Run(ctx, gzCmd, session.WithTimeout(archiveTimeout)); err != nil {
		return "", err
	}
	if vaultStaged {
		s.cleanupStagedVault(ctx, ts)
	}
	return ArchiveGz, nil
}

func (s *Store) cleanupStagedVault(ctx context.Context, ts string) {
	cmd := fmt.Sprintf("rm -f %q", path.Join(s.layout.BackupDir(ts), vaultCopy))
	if _, err := s.sess.Run(ctx, cmd); err != nil {
		s.logger.Warn().Err(err).Msg("failed to remove staged vault copy")
	}
}

func (s *Store) archiveSize(ctx context.Context, archivePath string) int64 {
	res, err := s.sess.Run(ctx, fmt.Sprintf("wc -c < %q", archivePath))
	if err != nil {
		return 0
	}
	size, _ := strconv.ParseInt(strings.TrimSpace(res.Stdout), 10, 64)
	return size
}

func (s *Store) activeVersionID(ctx context.Context) (string, error) {
	res, err := s.sess.Run(ctx, fmt.Sprintf("readlink %s", s.layout.CurrentLink()))
	if err != nil {
		return "", &types.DeploymentInconsistentError{
			DeploymentID: s.cfg.DeploymentID,
			Reason:       "no active version to back up",
		}
	}
	target := strings.TrimSpace(res.Stdout)
	return target[strings.LastIndex(target, "/")+1:], nil
}

// List returns every backup record, newest first
func (s *Store) List(ctx context.Context) ([]types.BackupRecord, error) {
	res, err := s.sess.Run(ctx, fmt.Sprintf("ls -1 %q", s.layout.BackupsDir()))
	if err != nil {
		// No backups directory yet means no backups.
		return nil, nil
	}

	var records []types.BackupRecord
	for _, name := range strings.Fields(res.Stdout) {
		data, err := s.sess.Download(ctx, path.Join(s.layout.BackupDir(name), RecordFile))
		if err != nil {
			continue // partial or foreign directory
		}
		var rec types.BackupRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Timestamp > records[j].Timestamp })
	return records, nil
}

// Restore extracts a backup and points current/ at the restored version.
// The container must be stopped by the caller; on any failure the prior
// current/ target is reinstated from the undo slot.
func (s *Store) Restore(ctx context.Context, timestamp string) error {
	record, err := s.record(ctx, timestamp)
	if err != nil {
		return err
	}

	// One-slot undo pointer: the current/ target before the restore.
	var undo string
	if res, err := s.sess.Run(ctx, fmt.Sprintf("readlink %s", s.layout.CurrentLink())); err == nil {
		undo = strings.TrimSpace(res.Stdout)
		undoPath := path.Join(s.layout.BackupsDir(), undoFile)
		if err := s.sess.Upload(ctx, []byte(undo+"\n"), undoPath, 0o644); err != nil {
			return err
		}
	}

	extract := fmt.Sprintf("cd %q && tar -xf backups/%s/%s", s.layout.Root(), timestamp, record.ArchiveName)
	if _, err := s.sess.Run(ctx, extract, session.WithTimeout(archiveTimeout)); err != nil {
		return s.unwind(ctx, undo, err)
	}

	// The archive's vault member lands at the deployment root on
	// extraction; the ciphertext stays only under backups/.
	if _, err := s.sess.Run(ctx, fmt.Sprintf("rm -f %q", path.Join(s.layout.Root(), vaultCopy))); err != nil {
		s.logger.Warn().Err(err).Msg("failed to remove extracted vault copy")
	}

	relink := fmt.Sprintf("ln -sfn %q %q", s.layout.VersionDir(record.SourceVersionID), s.layout.CurrentLink())
	if _, err := s.sess.Run(ctx, relink); err != nil {
		return s.unwind(ctx, undo, err)
	}

	s.logger.Info().Str("timestamp", timestamp).Str("version", record.SourceVersionID).Msg("backup restored")
	return nil
}

// unwind reinstates the pre-restore current/ target and reports the cause
func (s *Store) unwind(ctx context.Context, undo string, cause error) error {
	if undo == "" {
		return cause
	}
	relink := fmt.Sprintf("ln -sfn %q %q", undo, s.layout.CurrentLink())
	if _, err := s.sess.Run(ctx, relink); err != nil {
		s.logger.Error().Err(err).Msg("failed to reinstate current/ after failed restore")
	}
	return cause
}

// Download streams a backup archive to a local file
func (s *Store) Download(ctx context.Context, timestamp, localPath string) (*types.BackupRecord, error) {
	record, err := s.record(ctx, timestamp)
	if err != nil {
		return nil, err
	}

	f, err := os.Create(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", localPath, err)
	}
	defer f.Close()

	remote := path.Join(s.layout.BackupDir(timestamp), record.ArchiveName)
	n, err := s.sess.DownloadTo(ctx, remote, f)
	if err != nil {
		return nil, err
	}

	record.LocalPath = localPath
	record.SizeBytes = n
	s.logger.Info().Str("timestamp", timestamp).Int64("bytes", n).Str("path", localPath).Msg("backup downloaded")
	return record, nil
}

func (s *Store) record(ctx context.Context, timestamp string) (*types.BackupRecord, error) {
	data, err := s.sess.Download(ctx, path.Join(s.layout.BackupDir(timestamp), RecordFile))
	if err != nil {
		return nil, &types.ConfigInvalidError{Reason: fmt.Sprintf("no backup with timestamp %q", timestamp)}
	}
	var rec types.BackupRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode backup record %s: %w", timestamp, err)
	}
	return &rec, nil
}

// applyRetention prunes backups beyond retention.max_count AND older than
// retention.max_age_days. The newest backup per distinct source version is
// always kept.
func (s *Store) applyRetention(ctx context.Context) ([]string, error) {
	records, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	newestPerVersion := map[string]string{}
	for _, rec := range records { // newest first
		if _, ok := newestPerVersion[rec.SourceVersionID]; !ok {
			newestPerVersion[rec.SourceVersionID] = rec.Timestamp
		}
	}

	cutoff := s.now().UTC().AddDate(0, 0, -s.cfg.Retention.MaxAgeDays)
	var pruned []string
	for i, rec := range records {
		if i < s.cfg.Retention.MaxCount {
			continue
		}
		if !rec.CreatedAt.Before(cutoff) {
			continue
		}
		if newestPerVersion[rec.SourceVersionID] == rec.Timestamp {
			continue
		}
		if _, err := s.sess.Run(ctx, fmt.Sprintf("rm -rf %q", s.layout.BackupDir(rec.Timestamp))); err != nil {
			return pruned, err
		}
		pruned = append(pruned, rec.Timestamp)
	}
	return pruned, nil
}
