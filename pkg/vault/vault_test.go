package vault

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

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

func testVault(t *testing.T) *Vault {
	t.Helper()
	key := bytes.Repeat([]byte{0x42}, 32)
	v, err := Open(filepath.Join(t.TempDir(), "demo.vault"), key)
	require.NoError(t, err)
	return v
}

func TestOpenRejectsShortKey(t *testing.T) {
	_, err := Open("/tmp/x.vault", []byte("short"))
	assert.Error(t, err)
}

func TestSetGetRoundTrip(t *testing.T) {
	v := testVault(t)

	require.NoError(t, v.Set("API_KEY", "abc123"))
	got, err := v.Get("API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "abc123", got)

	// Values survive a fresh open of the same file.
	v2, err := Open(v.path, v.key)
	require.NoError(t, err)
	got, err = v2.Get("API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "abc123", got)
}

func TestSetUpdates(t *testing.T) {
	v := testVault(t)

	require.NoError(t, v.Set("TOKEN", "one"))
	first, err := v.load()
	require.NoError(t, err)

	require.NoError(t, v.Set("TOKEN", "two"))
	second, err := v.load()
	require.NoError(t, err)

	got, err := v.Get("TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "two", got)
	assert.Equal(t, first["TOKEN"].CreatedAt, second["TOKEN"].CreatedAt)
}

func TestSetRejectsBadInput(t *testing.T) {
	v := testVault(t)

	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"lowercase name", "api_key", "x"},
		{"leading digit", "1KEY", "x"},
		{"newline in value", "KEY", "a\nb"},
		{"null byte in value", "KEY", "a\x00b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Set(tt.key, tt.value)
			var kind *types.ConfigInvalidError
			assert.ErrorAs(t, err, &kind)
		})
	}
}

func TestGetMissing(t *testing.T) {
	v := testVault(t)
	_, err := v.Get("NOPE")
	var missing *types.SecretMissingError
	assert.ErrorAs(t, err, &missing)
}

func TestRemoveIdempotent(t *testing.T) {
	v := testVault(t)
	require.NoError(t, v.Set("A_KEY", "x"))
	require.NoError(t, v.Remove("A_KEY"))
	require.NoError(t, v.Remove("A_KEY"))
	_, err := v.Get("A_KEY")
	var missing *types.SecretMissingError
	assert.ErrorAs(t, err, &missing)
}

func TestListSortedNamesOnly(t *testing.T) {
	v := testVault(t)
	require.NoError(t, v.Set("ZEBRA", "1"))
	require.NoError(t, v.Set("ALPHA", "2"))
	require.NoError(t, v.Set("MIDDLE", "3"))

	names, err := v.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"ALPHA", "MIDDLE", "ZEBRA"}, names)
}

func TestCorruptCiphertextDetected(t *testing.T) {
	v := testVault(t)
	require.NoError(t, v.Set("API_KEY", "abc123"))

	secrets, err := v.load()
	require.NoError(t, err)
	secrets["API_KEY"].Ciphertext[0] ^= 0xff
	require.NoError(t, v.save(secrets))

	_, err = v.Get("API_KEY")
	var corrupt *types.SecretCorruptError
	assert.ErrorAs(t, err, &corrupt)
}

func TestCorruptNonceDetected(t *testing.T) {
	v := testVault(t)
	require.NoError(t, v.Set("API_KEY", "abc123"))

	secrets, err := v.load()
	require.NoError(t, err)
	for i := range secrets["API_KEY"].Nonce {
		secrets["API_KEY"].Nonce[i] ^= 0xa5
	}
	require.NoError(t, v.save(secrets))

	_, err = v.Get("API_KEY")
	var corrupt *types.SecretCorruptError
	assert.ErrorAs(t, err, &corrupt)
}

// Swapping two entries' names on disk must fail authentication for both,
// because the name participates in the associated data.
func TestNameBindingDetectsSwap(t *testing.T) {
	v := testVault(t)
	require.NoError(t, v.Set("FIRST", "value-one"))
	require.NoError(t, v.Set("SECOND", "value-two"))

	secrets, err := v.load()
	require.NoError(t, err)
	a, b := secrets["FIRST"], secrets["SECOND"]
	a.Name, b.Name = "SECOND", "FIRST"
	require.NoError(t, v.save(map[string]*Secret{a.Name: a, b.Name: b}))

	var corrupt *types.SecretCorruptError
	_, err = v.Get("FIRST")
	assert.ErrorAs(t, err, &corrupt)
	_, err = v.Get("SECOND")
	assert.ErrorAs(t, err, &corrupt)
}

func TestUnknownFormatVersionRejected(t *testing.T) {
	v := testVault(t)
	require.NoError(t, v.Set("API_KEY", "abc123"))

	data, err := os.ReadFile(v.path)
	require.NoError(t, err)
	data[8] = 99
	require.NoError(t, os.WriteFile(v.path, data, 0o600))

	_, err = v.Get("API_KEY")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported vault format version")
}

func TestMaterialize(t *testing.T) {
	v := testVault(t)
	require.NoError(t, v.Set("B_TOKEN", "bbb"))
	require.NoError(t, v.Set("A_TOKEN", "aaa"))
	require.NoError(t, v.Set("UNUSED", "zzz"))

	fake := sessiontest.New("/home/bot")
	envPath := "/home/bot/deployments/demo/secrets.env"
	err := v.Materialize(context.Background(), fake, envPath, []string{"B_TOKEN", "A_TOKEN"})
	require.NoError(t, err)

	// Written via temp file, then renamed on the host.
	var sawRename bool
	for _, cmd := range fake.Commands() {
		if strings.HasPrefix(cmd, "mv -f") {
			sawRename = true
		}
	}
	assert.True(t, sawRename, "expected temp-then-rename on the host")

	content, ok := fake.FileContent(envPath)
	require.True(t, ok)
	assert.Equal(t, "A_TOKEN=aaa\nB_TOKEN=bbb\n", string(content))
}

func TestMaterializeMissingSecret(t *testing.T) {
	v := testVault(t)
	require.NoError(t, v.Set("PRESENT", "x"))

	fake := sessiontest.New("/home/bot")
	err := v.Materialize(context.Background(), fake, "/home/bot/deployments/demo/secrets.env", []string{"PRESENT", "ABSENT"})
	var missing *types.SecretMissingError
	assert.ErrorAs(t, err, &missing)
}
