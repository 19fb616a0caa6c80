package backup

import (
	"context"
	"encoding/json"
	"os"
	"path"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botdock/botdock/pkg/config"
	"github.com/botdock/botdock/pkg/log"
	"github.com/botdock/botdock/pkg/session"
	"github.com/botdock/botdock/pkg/session/sessiontest"
	"github.com/botdock/botdock/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	m.Run()
}

type fakeContainer struct {
	stopErr error
	stops   int
	ups     int
}

func (f *fakeContainer) Stop(context.Context, time.Duration) error {
	f.stops++
	return f.stopErr
}

func (f *fakeContainer) Up(context.Context) error {
	f.ups++
	return nil
}

func testConfig() *types.DeploymentConfig {
	cfg := &types.DeploymentConfig{
		DeploymentID: "demo",
		Host:         "host.example",
		User:         "bot",
		Auth:         types.AuthConfig{Kind: types.AuthKindAgent},
		Runtime:      types.RuntimeRequirement{ID: "py3.11"},
		ImageBase:    "python:3.11-slim",
		DataDirs:     []string{"data"},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func testStore(t *testing.T, opts ...Option) (*Store, *sessiontest.Fake, *fakeContainer, types.Layout) {
	t.Helper()
	fake := sessiontest.New("/home/bot")
	layout := types.NewLayout("/home/bot", "demo")
	container := &fakeContainer{}
	vaultPath := filepath.Join(t.TempDir(), "demo.vault")

	fixed := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	opts = append([]Option{WithClock(func() time.Time { return fixed })}, opts...)
	store := NewStore(fake, layout, testConfig(), container, vaultPath, opts...)
	return store, fake, container, layout
}

func seedActiveVersion(fake *sessiontest.Fake, layout types.Layout, id string) {
	fake.SetLink(layout.CurrentLink(), layout.VersionDir(id))
}

func seedRecord(t *testing.T, fake *sessiontest.Fake, layout types.Layout, rec types.BackupRecord) {
	t.Helper()
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	fake.PutFile(path.Join(layout.BackupDir(rec.Timestamp), RecordFile), data)
}

func TestCreateQuiescedBackup(t *testing.T) {
	store, fake, container, layout := testStore(t)
	seedActiveVersion(fake, layout, "01A")

	rec, err := store.Create(context.Background(), false, false)
	require.NoError(t, err)
	assert.Equal(t, "20260824T120000Z", rec.Timestamp)
	assert.Equal(t, "01A", rec.SourceVersionID)
	assert.Equal(t, ArchiveZst, rec.ArchiveName)
	assert.False(t, rec.Hot)
	assert.False(t, rec.IncludesData)

	assert.Equal(t, 1, container.stops, "the container must be quiesced")
	assert.Equal(t, 1, container.ups, "the container must be restarted")

	data, ok := fake.FileContent(path.Join(layout.BackupDir(rec.Timestamp), RecordFile))
	require.True(t, ok)
	var stored types.BackupRecord
	require.NoError(t, json.Unmarshal(data, &stored))
	assert.Equal(t, rec.Timestamp, stored.Timestamp)

	var sawArchive bool
	for _, cmd := range fake.Commands() {
		if strings.Contains(cmd, "tar --zstd -cf") {
			assert.Contains(t, cmd, "versions/01A")
			assert.Contains(t, cmd, "state.json")
			assert.NotContains(t, cmd, " data", "data dirs are excluded unless requested")
			sawArchive = true
		}
	}
	assert.True(t, sawArchive)
}

func TestCreateIncludesDataOnRequest(t *testing.T) {
	store, fake, _, layout := testStore(t)
	seedActiveVersion(fake, layout, "01A")

	rec, err := store.Create(context.Background(), true, false)
	require.NoError(t, err)
	assert.True(t, rec.IncludesData)

	var sawData bool
	for _, cmd := range fake.Commands() {
		if strings.Contains(cmd, "tar --zstd -cf") && strings.Contains(cmd, " data ") {
			sawData = true
		}
	}
	assert.True(t, sawData, "requested data dirs must be in the archive")
}

func TestCreateFallsBackToGzip(t *testing.T) {
	store, fake, _, layout := testStore(t)
	seedActiveVersion(fake, layout, "01A")
	fake.Handle(func(cmd string) (*session.Result, error, bool) {
		if strings.Contains(cmd, "--zstd") {
			return &session.Result{ExitCode: 2, Stderr: "tar: unrecognized option '--zstd'"},
				&types.RemoteExecError{Cmd: cmd, ExitCode: 2, Stderr: "tar: unrecognized option '--zstd'"}, true
		}
		return nil, nil, false
	})

	rec, err := store.Create(context.Background(), false, false)
	require.NoError(t, err)
	assert.Equal(t, ArchiveGz, rec.ArchiveName)
}

func TestCreateHotBackupSkipsQuiesce(t *testing.T) {
	store, fake, container, layout := testStore(t)
	seedActiveVersion(fake, layout, "01A")

	rec, err := store.Create(context.Background(), false, true)
	require.NoError(t, err)
	assert.True(t, rec.Hot)
	assert.Zero(t, container.stops)
	assert.Zero(t, container.ups)
}

func TestCreateAbortsWhenNotQuiesced(t *testing.T) {
	store, fake, _, layout := testStore(t)
	seedActiveVersion(fake, layout, "01A")
	// The stop succeeds but the container is still running afterwards.
	fake.HandlePrefix("docker inspect --format '{{.State.Running}}'",
		&session.Result{Stdout: "true\n"}, nil)

	_, err := store.Create(context.Background(), false, false)
	var notQuiesced *types.BackupNotQuiescedError
	require.ErrorAs(t, err, &notQuiesced)
	assert.Equal(t, testConfig().QuiesceGrace(), notQuiesced.Grace)
}

func TestCreateWithoutVaultOmitsVaultMember(t *testing.T) {
	store, fake, _, layout := testStore(t)
	seedActiveVersion(fake, layout, "01A")

	_, err := store.Create(context.Background(), false, false)
	require.NoError(t, err)

	// No vault file on the workstation: tar must not reference the
	// never-staged copy, or the whole backup fails.
	for _, cmd := range fake.Commands() {
		if strings.Contains(cmd, "tar ") {
			assert.NotContains(t, cmd, vaultCopy)
		}
	}
}

func TestQuiesceKeepsStopErrorKind(t *testing.T) {
	store, fake, container, layout := testStore(t)
	seedActiveVersion(fake, layout, "01A")
	container.stopErr = &types.NetworkError{Host: "host.example", Err: context.DeadlineExceeded}

	_, err := store.Create(context.Background(), false, false)
	var netErr *types.NetworkError
	require.ErrorAs(t, err, &netErr, "a dropped connection during stop is not a quiesce failure")

	container.stopErr = &types.RemoteExecError{Cmd: "docker stop", ExitCode: 1}
	_, err = store.Create(context.Background(), false, false)
	var notQuiesced *types.BackupNotQuiescedError
	assert.ErrorAs(t, err, &notQuiesced)
}

func TestCreateWithoutActiveVersion(t *testing.T) {
	store, _, _, _ := testStore(t)

	_, err := store.Create(context.Background(), false, false)
	var inconsistent *types.DeploymentInconsistentError
	assert.ErrorAs(t, err, &inconsistent)
}

func TestCreateStagesVaultCiphertext(t *testing.T) {
	store, fake, _, layout := testStore(t)
	seedActiveVersion(fake, layout, "01A")
	require.NoError(t, os.WriteFile(store.vaultPath, []byte("ciphertext"), 0o600))

	rec, err := store.Create(context.Background(), false, false)
	require.NoError(t, err)

	// The staged copy is archived and then removed from the backup dir.
	staged := path.Join(layout.BackupDir(rec.Timestamp), vaultCopy)
	_, ok := fake.FileContent(staged)
	assert.False(t, ok)
	assert.Contains(t, fake.Commands(), "rm -f "+`"`+staged+`"`)

	var sawVaultMember bool
	for _, cmd := range fake.Commands() {
		if strings.Contains(cmd, "tar --zstd -cf") {
			sawVaultMember = strings.Contains(cmd, "-C backups/"+rec.Timestamp+" "+vaultCopy)
		}
	}
	assert.True(t, sawVaultMember, "the staged vault must be archived from the backup dir")
}

func TestListNewestFirst(t *testing.T) {
	store, fake, _, layout := testStore(t)
	now := time.Now().UTC()
	seedRecord(t, fake, layout, types.BackupRecord{Timestamp: "20260101T000000Z", CreatedAt: now.Add(-48 * time.Hour), SourceVersionID: "01A"})
	seedRecord(t, fake, layout, types.BackupRecord{Timestamp: "20260201T000000Z", CreatedAt: now, SourceVersionID: "01B"})

	records, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "20260201T000000Z", records[0].Timestamp)
}

func TestListEmptyWithoutBackupsDir(t *testing.T) {
	store, _, _, _ := testStore(t)
	records, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRestoreRelinksCurrent(t *testing.T) {
	store, fake, _, layout := testStore(t)
	seedActiveVersion(fake, layout, "01B")
	seedRecord(t, fake, layout, types.BackupRecord{
		Timestamp: "20260101T000000Z", SourceVersionID: "01A", ArchiveName: ArchiveZst,
	})

	require.NoError(t, store.Restore(context.Background(), "20260101T000000Z"))

	target, ok := fake.Link(layout.CurrentLink())
	require.True(t, ok)
	assert.Equal(t, layout.VersionDir("01A"), target)

	undo, ok := fake.FileContent(path.Join(layout.BackupsDir(), undoFile))
	require.True(t, ok)
	assert.Equal(t, layout.VersionDir("01B")+"\n", string(undo))
}

func TestRestoreRemovesExtractedVaultCopy(t *testing.T) {
	store, fake, _, layout := testStore(t)
	seedActiveVersion(fake, layout, "01B")
	seedRecord(t, fake, layout, types.BackupRecord{
		Timestamp: "20260101T000000Z", SourceVersionID: "01A", ArchiveName: ArchiveZst,
	})
	// The archive's vault member lands at the deployment root.
	fake.PutFile(path.Join(layout.Root(), vaultCopy), []byte("ciphertext"))

	require.NoError(t, store.Restore(context.Background(), "20260101T000000Z"))

	_, ok := fake.FileContent(path.Join(layout.Root(), vaultCopy))
	assert.False(t, ok, "extraction must not leave a vault copy outside backups/")
}

func TestRestoreUnwindsOnFailure(t *testing.T) {
	store, fake, _, layout := testStore(t)
	seedActiveVersion(fake, layout, "01B")
	seedRecord(t, fake, layout, types.BackupRecord{
		Timestamp: "20260101T000000Z", SourceVersionID: "01A", ArchiveName: ArchiveZst,
	})
	fake.Handle(func(cmd string) (*session.Result, error, bool) {
		if strings.Contains(cmd, "tar -xf") {
			return &session.Result{ExitCode: 2, Stderr: "tar: damaged archive"},
				&types.RemoteExecError{Cmd: cmd, ExitCode: 2, Stderr: "tar: damaged archive"}, true
		}
		return nil, nil, false
	})

	err := store.Restore(context.Background(), "20260101T000000Z")
	require.Error(t, err)

	target, ok := fake.Link(layout.CurrentLink())
	require.True(t, ok)
	assert.Equal(t, layout.VersionDir("01B"), target, "a failed restore must reinstate current/")
}

func TestRestoreUnknownTimestamp(t *testing.T) {
	store, _, _, _ := testStore(t)
	err := store.Restore(context.Background(), "19990101T000000Z")
	var invalid *types.ConfigInvalidError
	assert.ErrorAs(t, err, &invalid)
}

func TestDownloadStreamsArchive(t *testing.T) {
	store, fake, _, layout := testStore(t)
	seedRecord(t, fake, layout, types.BackupRecord{
		Timestamp: "20260101T000000Z", SourceVersionID: "01A", ArchiveName: ArchiveZst,
	})
	fake.PutFile(path.Join(layout.BackupDir("20260101T000000Z"), ArchiveZst), []byte("archive-bytes"))

	local := filepath.Join(t.TempDir(), "demo.tar.zst")
	rec, err := store.Download(context.Background(), "20260101T000000Z", local)
	require.NoError(t, err)
	assert.Equal(t, local, rec.LocalPath)
	assert.Equal(t, int64(len("archive-bytes")), rec.SizeBytes)

	data, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "archive-bytes", string(data))
}

func TestRetentionKeepsNewestPerSourceVersion(t *testing.T) {
	store, fake, _, layout := testStore(t)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	old := now.AddDate(0, 0, -120)

	// Both old and beyond the count, but the only backups of their versions.
	seedRecord(t, fake, layout, types.BackupRecord{Timestamp: "20260101T000000Z", CreatedAt: old, SourceVersionID: "01A"})
	seedRecord(t, fake, layout, types.BackupRecord{Timestamp: "20260102T000000Z", CreatedAt: old, SourceVersionID: "01B"})

	store.cfg.Retention = types.Retention{MaxCount: 1, MaxAgeDays: 30}
	pruned, err := store.applyRetention(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pruned)

	// A second old backup of the same version is prunable.
	seedRecord(t, fake, layout, types.BackupRecord{Timestamp: "20251231T000000Z", CreatedAt: old.AddDate(0, 0, -1), SourceVersionID: "01B"})
	pruned, err = store.applyRetention(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"20251231T000000Z"}, pruned)
}
