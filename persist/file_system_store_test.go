package persist

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"southwinds.dev/keystone/internal/crypto"
)

func newTestContainer(t *testing.T, keyID string) *ExportContainer {
	t.Helper()
	wrapped := []byte("wrapped-key-material-for-" + keyID)
	return &ExportContainer{
		KeyID:          keyID,
		OrganizationID: "acme",
		ExportedAt:     time.Now().UTC(),
		Algorithm:      "aes-256-gcm",
		KDF:            "pbkdf2-sha256",
		Salt:           base64.StdEncoding.EncodeToString([]byte("0123456789abcdef")),
		Nonce:          base64.StdEncoding.EncodeToString([]byte("0123456789ab")),
		AuthTag:        base64.StdEncoding.EncodeToString([]byte("0123456789abcdef")),
		WrappedKey:     base64.StdEncoding.EncodeToString(wrapped),
		Checksum:       crypto.CalculateChecksum(wrapped),
	}
}

func TestFileSystemStoreExportRoundTrip(t *testing.T) {
	store, err := NewFileSystemStore(t.TempDir(), "acme")
	require.NoError(t, err)
	defer store.Close()

	container := newTestContainer(t, "key_acme_1")

	version, err := store.SaveExport("key_acme_1", container, "")
	require.NoError(t, err)
	assert.NotEmpty(t, version)
	assert.NotEmpty(t, container.ExportID)

	exists, err := store.ExportExists("key_acme_1")
	require.NoError(t, err)
	assert.True(t, exists)

	loaded, err := store.LoadExport("key_acme_1")
	require.NoError(t, err)
	assert.Equal(t, container.KeyID, loaded.KeyID)
	assert.Equal(t, container.WrappedKey, loaded.WrappedKey)
	assert.Equal(t, container.Checksum, loaded.Checksum)
	assert.Equal(t, "acme", loaded.OrganizationID)
}

func TestFileSystemStoreExportNotFound(t *testing.T) {
	store, err := NewFileSystemStore(t.TempDir(), "acme")
	require.NoError(t, err)
	defer store.Close()

	_, err = store.LoadExport("key_missing")
	assert.Error(t, err)

	exists, err := store.ExportExists("key_missing")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFileSystemStoreExportChecksumMismatch(t *testing.T) {
	store, err := NewFileSystemStore(t.TempDir(), "acme")
	require.NoError(t, err)
	defer store.Close()

	container := newTestContainer(t, "key_acme_2")
	container.Checksum = "deadbeef"

	_, err = store.SaveExport("key_acme_2", container, "")
	require.NoError(t, err)

	// Corrupt containers are persisted but rejected on load
	_, err = store.LoadExport("key_acme_2")
	assert.ErrorContains(t, err, "checksum mismatch")

	infos, err := store.ListExports()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.False(t, infos[0].IsValid)
}

func TestFileSystemStoreExportVersionConflict(t *testing.T) {
	store, err := NewFileSystemStore(t.TempDir(), "acme")
	require.NoError(t, err)
	defer store.Close()

	container := newTestContainer(t, "key_acme_3")

	version, err := store.SaveExport("key_acme_3", container, "")
	require.NoError(t, err)

	// Matching version succeeds
	_, err = store.SaveExport("key_acme_3", container, version)
	require.NoError(t, err)

	// Stale version fails with a ConcurrencyError
	_, err = store.SaveExport("key_acme_3", container, "stale-version")
	require.Error(t, err)
	var concErr ConcurrencyError
	assert.ErrorAs(t, err, &concErr)
	assert.Equal(t, "SaveExport", concErr.Operation)
}

func TestFileSystemStoreExportKeyIDValidation(t *testing.T) {
	store, err := NewFileSystemStore(t.TempDir(), "acme")
	require.NoError(t, err)
	defer store.Close()

	for _, keyID := range []string{"", "../escape", "a/b", "a\\b"} {
		_, err = store.SaveExport(keyID, newTestContainer(t, "x"), "")
		assert.Error(t, err, "key ID %q should be rejected", keyID)
	}
}

func TestFileSystemStoreDeleteExport(t *testing.T) {
	store, err := NewFileSystemStore(t.TempDir(), "acme")
	require.NoError(t, err)
	defer store.Close()

	_, err = store.SaveExport("key_acme_4", newTestContainer(t, "key_acme_4"), "")
	require.NoError(t, err)

	require.NoError(t, store.DeleteExport("key_acme_4"))

	exists, err := store.ExportExists("key_acme_4")
	require.NoError(t, err)
	assert.False(t, exists)

	assert.Error(t, store.DeleteExport("key_acme_4"))
}

func TestFileSystemStorePolicySnapshot(t *testing.T) {
	store, err := NewFileSystemStore(t.TempDir(), "acme")
	require.NoError(t, err)
	defer store.Close()

	exists, err := store.PolicySnapshotExists()
	require.NoError(t, err)
	assert.False(t, exists)

	snapshot := []byte(`[{"organization_id":"acme","purpose":"pii","rotation_interval_days":90}]`)

	version, err := store.SavePolicySnapshot(snapshot, "")
	require.NoError(t, err)

	loaded, err := store.LoadPolicySnapshot()
	require.NoError(t, err)
	assert.Equal(t, snapshot, loaded.Data)
	assert.Equal(t, version, loaded.Version)

	// Stale version fails
	_, err = store.SavePolicySnapshot([]byte(`[]`), "stale")
	var concErr ConcurrencyError
	assert.ErrorAs(t, err, &concErr)

	// Current version succeeds and changes the version
	newVersion, err := store.SavePolicySnapshot([]byte(`[]`), version)
	require.NoError(t, err)
	assert.NotEqual(t, version, newVersion)
}

func TestFileSystemStoreListOrganizations(t *testing.T) {
	basePath := t.TempDir()

	for _, org := range []string{"acme", "globex", "initech"} {
		store, err := NewFileSystemStore(basePath, org)
		require.NoError(t, err)
		require.NoError(t, store.Close())
	}

	store, err := NewFileSystemStore(basePath, "acme")
	require.NoError(t, err)
	defer store.Close()

	orgs, err := store.ListOrganizations()
	require.NoError(t, err)
	assert.Equal(t, []string{"acme", "globex", "initech"}, orgs)
}

func TestFileSystemStoreDeleteOrganization(t *testing.T) {
	basePath := t.TempDir()

	acme, err := NewFileSystemStore(basePath, "acme")
	require.NoError(t, err)
	defer acme.Close()

	globex, err := NewFileSystemStore(basePath, "globex")
	require.NoError(t, err)
	require.NoError(t, globex.Close())

	// Cannot delete own organization
	assert.Error(t, acme.DeleteOrganization("acme"))

	require.NoError(t, acme.DeleteOrganization("globex"))
	assert.Error(t, acme.DeleteOrganization("globex"))

	orgs, err := acme.ListOrganizations()
	require.NoError(t, err)
	assert.Equal(t, []string{"acme"}, orgs)
}

func TestFileSystemStoreIsolation(t *testing.T) {
	basePath := t.TempDir()

	acme, err := NewFileSystemStore(basePath, "acme")
	require.NoError(t, err)
	defer acme.Close()

	globex, err := NewFileSystemStore(basePath, "globex")
	require.NoError(t, err)
	defer globex.Close()

	_, err = acme.SaveExport("key_shared_name", newTestContainer(t, "key_shared_name"), "")
	require.NoError(t, err)

	exists, err := globex.ExportExists("key_shared_name")
	require.NoError(t, err)
	assert.False(t, exists, "exports must not leak across organizations")
}

func TestFileSystemStoreFilePermissions(t *testing.T) {
	basePath := t.TempDir()
	store, err := NewFileSystemStore(basePath, "acme")
	require.NoError(t, err)
	defer store.Close()

	_, err = store.SaveExport("key_perm", newTestContainer(t, "key_perm"), "")
	require.NoError(t, err)

	matches, err := filepath.Glob(filepath.Join(basePath, "acme", "exports", "*.export"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	info, err := os.Stat(matches[0])
	require.NoError(t, err)
	assert.Equal(t, FilePermissions, info.Mode().Perm())
}
