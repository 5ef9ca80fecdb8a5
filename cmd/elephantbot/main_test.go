package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/elephantbot/internal/crypto"
)

func TestEncryptSecretWritesKeystore(t *testing.T) {
	out := filepath.Join(t.TempDir(), "gateway.key")
	require.NoError(t, encryptSecret([]string{"-out", out, "-password", "pw"}, strings.NewReader("s3cr3t\n")))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	secret, err := crypto.DecryptSecret(data, "pw")
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", secret)
}

func TestEncryptSecretRejectsEmptyInput(t *testing.T) {
	out := filepath.Join(t.TempDir(), "gateway.key")
	assert.Error(t, encryptSecret([]string{"-out", out, "-password", "pw"}, strings.NewReader("\n")))
	t.Setenv("ELEPHANT_GATEWAY_API_SECRET_PASSWORD", "")
	assert.Error(t, encryptSecret([]string{"-out", out}, strings.NewReader("s3cr3t\n")))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}
