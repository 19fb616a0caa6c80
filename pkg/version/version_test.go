package version

import (
	"context"
	"encoding/json"
	"path"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botdock/botdock/pkg/log"
	"github.com/botdock/botdock/pkg/session/sessiontest"
	"github.com/botdock/botdock/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	m.Run()
}

func testStore(t *testing.T) (*Store, *sessiontest.Fake, types.Layout) {
	t.Helper()
	fake := sessiontest.New("/home/bot")
	layout := types.NewLayout("/home/bot", "demo")
	return NewStore(fake, layout), fake, layout
}

func seedRecord(t *testing.T, fake *sessiontest.Fake, layout types.Layout, id string, createdAt time.Time) {
	t.Helper()
	rec := types.VersionRecord{ID: id, CreatedAt: createdAt, ImageDigest: "sha256:" + id, ConfigHash: "hash-" + id}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	fake.PutFile(path.Join(layout.VersionDir(id), RecordFile), data)
}

func TestNewIDMonotonic(t *testing.T) {
	store, _, _ := testStore(t)
	now := time.Now()

	prev := store.NewID(now)
	for i := 0; i < 100; i++ {
		id := store.NewID(now)
		assert.Greater(t, id, prev, "ids must be strictly increasing")
		prev = id
	}
}

func TestRecordWritesMetadata(t *testing.T) {
	store, fake, layout := testStore(t)

	rec, err := store.Record(context.Background(), "01A", "cfg-hash", "sha256:abc", "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, "01A", rec.ID)

	data, ok := fake.FileContent(path.Join(layout.VersionDir("01A"), RecordFile))
	require.True(t, ok)
	var stored types.VersionRecord
	require.NoError(t, json.Unmarshal(data, &stored))
	assert.Equal(t, "sha256:abc", stored.ImageDigest)
	assert.Equal(t, "cfg-hash", stored.ConfigHash)
	assert.Equal(t, "deadbeef", stored.SourceRevision)
}

func TestListDescending(t *testing.T) {
	store, fake, layout := testStore(t)
	now := time.Now().UTC()
	seedRecord(t, fake, layout, "01A", now.Add(-3*time.Hour))
	seedRecord(t, fake, layout, "01C", now.Add(-1*time.Hour))
	seedRecord(t, fake, layout, "01B", now.Add(-2*time.Hour))

	records, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "01C", records[0].ID)
	assert.Equal(t, "01B", records[1].ID)
	assert.Equal(t, "01A", records[2].ID)
}

func TestListEmptyWhenNoVersionsDir(t *testing.T) {
	store, _, _ := testStore(t)
	records, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestResolve(t *testing.T) {
	store, fake, layout := testStore(t)
	now := time.Now().UTC()
	seedRecord(t, fake, layout, "01A", now.Add(-2*time.Hour))
	seedRecord(t, fake, layout, "01B", now.Add(-1*time.Hour))
	fake.SetLink(layout.CurrentLink(), layout.VersionDir("01B"))

	current, err := store.Resolve(context.Background(), RefCurrent)
	require.NoError(t, err)
	assert.Equal(t, "01B", current.ID)

	previous, err := store.Resolve(context.Background(), RefPrevious)
	require.NoError(t, err)
	assert.Equal(t, "01A", previous.ID)

	explicit, err := store.Resolve(context.Background(), "01A")
	require.NoError(t, err)
	assert.Equal(t, "01A", explicit.ID)

	_, err = store.Resolve(context.Background(), "01Z")
	var noPrev *types.NoPreviousVersionError
	assert.ErrorAs(t, err, &noPrev)
}

func TestResolvePreviousNeedsTwoVersions(t *testing.T) {
	store, fake, layout := testStore(t)
	seedRecord(t, fake, layout, "01A", time.Now().UTC())

	_, err := store.Resolve(context.Background(), RefPrevious)
	var noPrev *types.NoPreviousVersionError
	assert.ErrorAs(t, err, &noPrev)
}

func TestRetentionIntersection(t *testing.T) {
	store, fake, layout := testStore(t)
	now := time.Now().UTC()

	// Old enough and beyond the count: pruned.
	seedRecord(t, fake, layout, "01A", now.AddDate(0, 0, -60))
	seedRecord(t, fake, layout, "01B", now.AddDate(0, 0, -50))
	// Beyond the count but recent: kept (intersection, not union).
	seedRecord(t, fake, layout, "01C", now.AddDate(0, 0, -1))
	seedRecord(t, fake, layout, "01D", now)
	seedRecord(t, fake, layout, "01E", now)

	pruned, err := store.ApplyRetention(context.Background(), types.Retention{MaxCount: 2, MaxAgeDays: 30}, "01E", "01D")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"01A", "01B"}, pruned)

	records, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 3)
}

func TestRetentionKeepsActiveAndPredecessor(t *testing.T) {
	store, fake, layout := testStore(t)
	now := time.Now().UTC()
	seedRecord(t, fake, layout, "01A", now.AddDate(0, 0, -60))
	seedRecord(t, fake, layout, "01B", now.AddDate(0, 0, -55))
	seedRecord(t, fake, layout, "01C", now)
	seedRecord(t, fake, layout, "01D", now)

	// 01A is active (rolled back far); 01B its predecessor.
	pruned, err := store.ApplyRetention(context.Background(), types.Retention{MaxCount: 1, MaxAgeDays: 30}, "01A", "01B")
	require.NoError(t, err)
	assert.Empty(t, pruned)
}
