package tls

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndLoad(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "relay.crt")
	keyFile := filepath.Join(dir, "relay.key")

	require.NoError(t, GenerateSelfSignedCert(certFile, keyFile, "relay.local", "192.168.1.50", "track"))

	info, err := os.Stat(keyFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	srv, err := LoadServerConfig(certFile, keyFile)
	require.NoError(t, err)
	require.Len(t, srv.Certificates, 1)

	cli, err := LoadClientConfig(certFile)
	require.NoError(t, err)
	assert.NotNil(t, cli.RootCAs)
}

func TestLoadClientConfigDefaults(t *testing.T) {
	cfg, err := LoadClientConfig("")
	require.NoError(t, err)
	assert.Nil(t, cfg.RootCAs)
	assert.False(t, cfg.InsecureSkipVerify)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadServerConfig(filepath.Join(dir, "missing.crt"), filepath.Join(dir, "missing.key"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not pem"), 0o644))
	_, err = LoadClientConfig(bad)
	assert.Error(t, err)
}
