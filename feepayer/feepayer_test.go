package feepayer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/latinumai/x402-facilitator/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromBase58(t *testing.T) {
	pk, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	k, err := FromBase58(pk.String())
	require.NoError(t, err)
	assert.Equal(t, pk.PublicKey(), k.PublicKey())

	msg := []byte("message")
	sig, err := k.Sign(msg)
	require.NoError(t, err)
	assert.True(t, sig.Verify(k.PublicKey(), msg))
}

func TestNew_RejectsShortKey(t *testing.T) {
	_, err := New(solana.PrivateKey(make([]byte, 32)))
	assert.Error(t, err)
}

func TestNew_CopiesKey(t *testing.T) {
	pk, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	want := pk.PublicKey()

	k, err := New(pk)
	require.NoError(t, err)
	for i := range pk {
		pk[i] = 0
	}
	assert.Equal(t, want, k.PublicKey())

	sig, err := k.Sign([]byte("x"))
	require.NoError(t, err)
	assert.True(t, sig.Verify(want, []byte("x")))
}

func TestLoad(t *testing.T) {
	_, err := Load(config.FeePayerConfig{})
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = Load(config.FeePayerConfig{PrivateKeyBase58: "not-a-key"})
	assert.Error(t, err)

	pk, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	raw := make([]int, len(pk))
	for i, b := range pk {
		raw[i] = int(b)
	}
	data, err := json.Marshal(raw)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "id.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	k, err := Load(config.FeePayerConfig{KeypairPath: path})
	require.NoError(t, err)
	assert.Equal(t, pk.PublicKey(), k.PublicKey())
}
