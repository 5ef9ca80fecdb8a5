package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeystoreRoundTrip(t *testing.T) {
	data, err := EncryptSecret("gw-secret", "hunter2")
	require.NoError(t, err)
	assert.NotContains(t, string(data), "gw-secret")

	path := filepath.Join(t.TempDir(), "secret.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	got, err := LoadSecret(SecretSource{Path: path, Password: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, "gw-secret", got)

	_, err = LoadSecret(SecretSource{Path: path, Password: "wrong"})
	assert.Error(t, err)
}

func TestLoadSecretPrefersRaw(t *testing.T) {
	got, err := LoadSecret(SecretSource{Raw: "plain", Path: "/does/not/exist"})
	require.NoError(t, err)
	assert.Equal(t, "plain", got)

	_, err = LoadSecret(SecretSource{})
	assert.Error(t, err)
}

func TestEncryptSecretRejectsEmpty(t *testing.T) {
	_, err := EncryptSecret("s", "")
	assert.Error(t, err)
	_, err = EncryptSecret("", "p")
	assert.Error(t, err)
}

func TestLoginFrameAt(t *testing.T) {
	a := GatewayAuth{Key: "key-1", Secret: "topsecretvalue"}
	l := a.LoginFrameAt(1700000000000)

	assert.Equal(t, "login", l.Type)
	assert.Equal(t, "key-1", l.APIKey)
	assert.Equal(t, "1700000000000", l.Timestamp)
	assert.Equal(t, Sign("topsecretvalue", "1700000000000key-1"), l.Signature)
	assert.NotEqual(t, Sign("other", "1700000000000key-1"), l.Signature)
	assert.NotContains(t, a.String(), "topsecretvalue")
}
