package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	kp := NewKeypair()
	msg := []byte("gossip value payload")
	sig := kp.Sign(msg)
	assert.True(t, Verify(kp.Pubkey(), msg, sig))
	assert.False(t, Verify(kp.Pubkey(), []byte("other"), sig))

	other := NewKeypair()
	assert.False(t, Verify(other.Pubkey(), msg, sig))
}

func TestPubkeyBase58RoundTrip(t *testing.T) {
	pk := RandomPubkey()
	decoded, err := PubkeyFromBase58(pk.String())
	require.NoError(t, err)
	assert.Equal(t, pk, decoded)

	_, err = PubkeyFromBytes(make([]byte, 31))
	assert.ErrorIs(t, err, ErrBadPubkeyLen)
}

func TestKeypairFileRoundTrip(t *testing.T) {
	kp := NewKeypair()
	path := filepath.Join(t.TempDir(), "id.json")
	require.NoError(t, SaveKeypair(path, kp))

	loaded, err := LoadKeypair(path)
	require.NoError(t, err)
	assert.Equal(t, kp.Pubkey(), loaded.Pubkey())

	msg := []byte("same key signs the same")
	assert.Equal(t, kp.Sign(msg), loaded.Sign(msg))
}

func TestLoadKeypairRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id.json")
	require.NoError(t, os.WriteFile(path, []byte("[1,2,3]"), 0600))
	_, err := LoadKeypair(path)
	assert.ErrorIs(t, err, ErrBadKeyFile)
}
