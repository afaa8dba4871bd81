package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/godaddy/asherah/go/securememory/memguard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKeyed(t *testing.T, secret string) *KeyedDeriver {
	t.Helper()

	d, err := NewKeyed(new(memguard.SecretFactory), []byte(secret))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	return d
}

func TestKeyedDeriver_Derive(t *testing.T) {
	d := newKeyed(t, "server-secret")
	pub := []byte("0123456789abcdef0123456789abcdef")

	got, err := d.Derive(pub)
	require.NoError(t, err)

	mac := hmac.New(sha256.New, []byte("server-secret"))
	mac.Write(pub)
	assert.Equal(t, mac.Sum(nil), got)

	again, err := d.Derive(pub)
	require.NoError(t, err)
	assert.Equal(t, got, again, "derivation must be deterministic")
	assert.Equal(t, ModeHMAC, d.Mode())
}

func TestKeyedDeriver_SecretChangesIdentity(t *testing.T) {
	pub := []byte("same-public-key")

	a, err := newKeyed(t, "secret-a").Derive(pub)
	require.NoError(t, err)
	b, err := newKeyed(t, "secret-b").Derive(pub)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestKeyedDeriver_WipesCallerSecret(t *testing.T) {
	secret := []byte("wipe-me")
	d, err := NewKeyed(new(memguard.SecretFactory), secret)
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, make([]byte, len(secret)), secret)
}

func TestKeyedDeriver_Closed(t *testing.T) {
	d, err := NewKeyed(new(memguard.SecretFactory), []byte("s"))
	require.NoError(t, err)
	require.NoError(t, d.Close())

	_, err = d.Derive([]byte("k"))
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	factory := new(memguard.SecretFactory)

	_, err := New(ModeHMAC, nil, factory)
	assert.ErrorIs(t, err, ErrMissingSecret)

	_, err = New("rot13", []byte("x"), factory)
	assert.ErrorIs(t, err, ErrUnknownMode)

	d, err := New(ModeHash, nil, factory)
	require.NoError(t, err)
	assert.Equal(t, ModeHash, d.Mode())
	assert.NoError(t, d.Close())
}

func TestHashedDeriver(t *testing.T) {
	var d HashedDeriver

	a, err := d.Derive([]byte("key-1"))
	require.NoError(t, err)
	b, err := d.Derive([]byte("key-1"))
	require.NoError(t, err)
	c, err := d.Derive([]byte("key-2"))
	require.NoError(t, err)

	assert.Len(t, a, 32)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestReadSecret(t *testing.T) {
	got, err := ReadSecret("inline", "/does/not/matter")
	require.NoError(t, err)
	assert.Equal(t, []byte("inline"), got)

	path := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(path, []byte("  from-file\n"), 0o600))

	got, err = ReadSecret("", path)
	require.NoError(t, err)
	assert.Equal(t, []byte("from-file"), got)

	got, err = ReadSecret("", "")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = ReadSecret("", filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
