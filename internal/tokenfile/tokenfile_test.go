package tokenfile

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")

	creds := &Credentials{
		AccessToken:  "access-abc",
		RefreshToken: "refresh-xyz",
		Expiry:       time.Now().Add(time.Hour).Round(time.Second),
	}
	meta := map[string]string{"workspace": "acme", "email": "user@example.com"}

	require.NoError(t, Save(path, creds, meta))

	loaded, loadedMeta, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, creds.AccessToken, loaded.AccessToken)
	assert.Equal(t, creds.RefreshToken, loaded.RefreshToken)
	assert.True(t, creds.Expiry.Equal(loaded.Expiry))
	assert.Equal(t, meta, loadedMeta)
}

func TestSave_FilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}

	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, Save(path, &Credentials{AccessToken: "tok"}, nil))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSave_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "credentials.json")
	require.NoError(t, Save(path, &Credentials{AccessToken: "tok"}, nil))

	_, _, err := Load(path)
	assert.NoError(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	creds, meta, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Nil(t, creds)
	assert.Nil(t, meta)
}

func TestLoad_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, _, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingCredentialsField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"meta":{}}`), 0o600))

	_, _, err := Load(path)
	assert.Error(t, err)
}

func TestCredentials_Valid(t *testing.T) {
	assert.False(t, (*Credentials)(nil).Valid())
	assert.False(t, (&Credentials{}).Valid())

	// Zero expiry means the server reported none; treat as valid.
	assert.True(t, (&Credentials{AccessToken: "tok"}).Valid())

	assert.True(t, (&Credentials{
		AccessToken: "tok",
		Expiry:      time.Now().Add(time.Minute),
	}).Valid())

	assert.False(t, (&Credentials{
		AccessToken: "tok",
		Expiry:      time.Now().Add(-time.Minute),
	}).Valid())
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, Save(path, &Credentials{AccessToken: "tok"}, nil))

	require.NoError(t, Remove(path))

	creds, _, err := Load(path)
	require.NoError(t, err)
	assert.Nil(t, creds)

	// Removing a missing file is not an error.
	assert.NoError(t, Remove(path))
}

func TestMergeMeta(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, Save(path, &Credentials{AccessToken: "tok"}, map[string]string{
		"workspace": "old",
		"email":     "user@example.com",
	}))

	require.NoError(t, MergeMeta(path, map[string]string{"workspace": "new"}))

	_, meta, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "new", meta["workspace"])
	assert.Equal(t, "user@example.com", meta["email"])
}

func TestMergeMeta_NoFile(t *testing.T) {
	err := MergeMeta(filepath.Join(t.TempDir(), "nope.json"), map[string]string{"k": "v"})
	assert.Error(t, err)
}
