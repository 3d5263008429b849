package ssh

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateEd25519Keypair(t *testing.T) {
	dir := t.TempDir()
	priv := filepath.Join(dir, "id_ed25519")
	pub, err := GenerateEd25519Keypair(priv)
	require.NoError(t, err)
	_, err = os.Stat(priv)
	require.NoError(t, err, "private key not written")
	assert.NotEmpty(t, pub)

	// The written key must round-trip into a usable signer.
	signer, err := LoadPrivateKeySigner(priv)
	require.NoError(t, err)
	assert.Equal(t, "ssh-ed25519", signer.PublicKey().Type())
}
