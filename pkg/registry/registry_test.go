package registry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Registry {
	t.Helper()
	reg, err := Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestPutGetRoundTrip(t *testing.T) {
	reg := openTest(t)

	entry := &Entry{
		DeploymentID:  "demo",
		Host:          "host.example",
		ActiveVersion: "01A",
		LastOperation: "up",
		LastOpTime:    time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, reg.Put(entry))

	got, err := reg.Get("demo")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entry, got)
}

func TestGetUnknownReturnsNil(t *testing.T) {
	reg := openTest(t)
	got, err := reg.Get("nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPutUpserts(t *testing.T) {
	reg := openTest(t)
	require.NoError(t, reg.Put(&Entry{DeploymentID: "demo", LastOperation: "init"}))
	require.NoError(t, reg.Put(&Entry{DeploymentID: "demo", LastOperation: "up", ActiveVersion: "01A"}))

	got, err := reg.Get("demo")
	require.NoError(t, err)
	assert.Equal(t, "up", got.LastOperation)
	assert.Equal(t, "01A", got.ActiveVersion)
}

func TestListSortedByID(t *testing.T) {
	reg := openTest(t)
	require.NoError(t, reg.Put(&Entry{DeploymentID: "zeta"}))
	require.NoError(t, reg.Put(&Entry{DeploymentID: "alpha"}))
	require.NoError(t, reg.Put(&Entry{DeploymentID: "mid"}))

	entries, err := reg.List()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "alpha", entries[0].DeploymentID)
	assert.Equal(t, "mid", entries[1].DeploymentID)
	assert.Equal(t, "zeta", entries[2].DeploymentID)
}

func TestDeleteIdempotent(t *testing.T) {
	reg := openTest(t)
	require.NoError(t, reg.Put(&Entry{DeploymentID: "demo"}))
	require.NoError(t, reg.Delete("demo"))
	require.NoError(t, reg.Delete("demo"))

	got, err := reg.Get("demo")
	require.NoError(t, err)
	assert.Nil(t, got)
}
