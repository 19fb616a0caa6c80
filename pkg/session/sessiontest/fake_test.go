package sessiontest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunReturnsStageOutput(t *testing.T) {
	fake := New("/home/bot")
	fake.SetLink("/home/bot/deployments/demo/current", "/home/bot/deployments/demo/versions/01B")

	res, err := fake.Run(context.Background(), "readlink /home/bot/deployments/demo/current")
	require.NoError(t, err)
	assert.Equal(t, "/home/bot/deployments/demo/versions/01B\n", res.Stdout)
}

func TestRunReturnsLastStageOutput(t *testing.T) {
	fake := New("/home/bot")
	fake.PutFile("/home/bot/notes.txt", []byte("hello\n"))

	res, err := fake.Run(context.Background(), "mkdir -p /home/bot/tmp && cat /home/bot/notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.True(t, fake.dirs["/home/bot/tmp"])
}

func TestRunListsDirectoryEntries(t *testing.T) {
	fake := New("/home/bot")
	fake.PutFile("/home/bot/versions/01A/version.json", []byte("{}"))
	fake.PutFile("/home/bot/versions/01B/version.json", []byte("{}"))

	res, err := fake.Run(context.Background(), "ls -1 /home/bot/versions")
	require.NoError(t, err)
	assert.Equal(t, "01A\n01B\n", res.Stdout)
}

func TestRunStopsAtFirstFailingStage(t *testing.T) {
	fake := New("/home/bot")

	res, err := fake.Run(context.Background(), "cat /home/bot/missing && mkdir /home/bot/never")
	require.Error(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.False(t, fake.dirs["/home/bot/never"])
}
