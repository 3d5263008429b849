package ssh

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKnownHostsAppend(t *testing.T) {
	dir := t.TempDir()
	kh := filepath.Join(dir, "known_hosts")
	priv := filepath.Join(dir, "id_ed25519")
	pub, err := GenerateEd25519Keypair(priv)
	require.NoError(t, err)

	require.NoError(t, AppendKnownHost(kh, "edge-1.example.com", pub))

	b, err := os.ReadFile(kh)
	require.NoError(t, err)
	assert.NotEmpty(t, b)

	cb, err := LoadKnownHostsCallback(kh)
	require.NoError(t, err)
	assert.NotNil(t, cb)
}
