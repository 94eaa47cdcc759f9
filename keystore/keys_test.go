package keystore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveDeterministic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "master.key")
	mk, err := GenerateMasterKey(path)
	require.NoError(t, err)
	defer mk.Close()

	p1, err := mk.DerivePublicKey("repo:outlayer/example@abc123")
	require.NoError(t, err)
	p2, err := mk.DerivePublicKey("repo:outlayer/example@abc123")
	require.NoError(t, err)
	require.Equal(t, p1, p2, "derivation must be deterministic for the same accessor")

	p3, err := mk.DerivePublicKey("repo:outlayer/other@def456")
	require.NoError(t, err)
	require.NotEqual(t, p1, p3, "different accessors must derive different keys")
}

func TestSealDecryptRoundTrip(t *testing.T) {
	dir := t.TempDir()
	mk, err := GenerateMasterKey(filepath.Join(dir, "master.key"))
	require.NoError(t, err)
	defer mk.Close()

	accessor := "project:42"
	pub, err := mk.DerivePublicKey(accessor)
	require.NoError(t, err)

	senderPub, sealed, err := Seal(pub, []byte(`{"API_KEY":"sk-test"}`))
	require.NoError(t, err)

	plain, err := mk.Decrypt(accessor, senderPub, sealed)
	require.NoError(t, err)
	require.Equal(t, `{"API_KEY":"sk-test"}`, string(plain))

	m, err := DecryptToSecretMap(plain)
	require.NoError(t, err)
	require.Equal(t, "sk-test", m["API_KEY"])
}

func TestLoadMasterKeyRejectsBadLength(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "master.key")
	require.NoError(t, os.WriteFile(path, []byte("too-short"), 0600))
	_, err := LoadMasterKey(path)
	require.Error(t, err)
}
