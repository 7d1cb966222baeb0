package decoder

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosign(t *testing.T) {
	for _, versioned := range []bool{true, false} {
		k := newTestKeys()
		original := nativeTx(t, k, 1_000_000, versioned)
		d, err := Decode(marshal(t, original))
		require.NoError(t, err)
		before := append([]solana.Signature(nil), d.Tx.Signatures...)

		raw, err := Cosign(d, keySigner{k.feePayer})
		require.NoError(t, err)

		signed, err := Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, d.Format, signed.Format)
		assert.NoError(t, signed.Tx.VerifySignatures())
		assert.Equal(t, before, d.Tx.Signatures, "decoded transaction untouched")
	}
}

func TestCosign_LegacyPadsSlots(t *testing.T) {
	k := newTestKeys()
	tx := nativeTx(t, k, 5000, false)
	msg, err := tx.Message.MarshalBinary()
	require.NoError(t, err)

	d, err := Decode(append([]byte{0}, msg...))
	require.NoError(t, err)

	raw, err := Cosign(d, keySigner{k.feePayer})
	require.NoError(t, err)
	signed, err := Decode(raw)
	require.NoError(t, err)
	require.Len(t, signed.Tx.Signatures, 2)
	assert.False(t, signed.Tx.Signatures[0].IsZero())
	assert.True(t, signed.Tx.Signatures[1].IsZero())
}

func TestCosign_FeePayerNotSigner(t *testing.T) {
	k := newTestKeys()
	d, err := Decode(marshal(t, nativeTx(t, k, 5000, true)))
	require.NoError(t, err)

	_, err = Cosign(d, keySigner{solana.NewWallet().PrivateKey})
	assert.ErrorIs(t, err, ErrNotRequiredSigner)
}

func TestMissingSignatures(t *testing.T) {
	k := newTestKeys()
	tx := nativeTx(t, k, 5000, true)
	d, err := Decode(marshal(t, tx))
	require.NoError(t, err)

	missing, err := MissingSignatures(d, k.feePayer.PublicKey())
	require.NoError(t, err)
	assert.Empty(t, missing)

	missing, err = MissingSignatures(d, solana.PublicKey{})
	require.NoError(t, err)
	assert.Equal(t, []solana.PublicKey{k.feePayer.PublicKey()}, missing)

	// corrupt the user signature
	tx.Signatures[1][0] ^= 0xff
	d, err = Decode(marshal(t, tx))
	require.NoError(t, err)
	missing, err = MissingSignatures(d, k.feePayer.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, []solana.PublicKey{k.user.PublicKey()}, missing)
}

func TestReconstruct(t *testing.T) {
	k := newTestKeys()
	tx := nativeTx(t, k, 5000, true)
	msg, err := tx.Message.MarshalBinary()
	require.NoError(t, err)
	sig, err := k.user.Sign(msg)
	require.NoError(t, err)

	raw, err := Reconstruct(k.user.PublicKey(), msg, sig)
	require.NoError(t, err)

	d, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, FormatVersioned, d.Format)
	missing, err := MissingSignatures(d, k.feePayer.PublicKey())
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestReconstruct_Rejects(t *testing.T) {
	k := newTestKeys()
	tx := nativeTx(t, k, 5000, false)
	msg, err := tx.Message.MarshalBinary()
	require.NoError(t, err)

	stranger := solana.NewWallet().PrivateKey
	strangerSig, err := stranger.Sign(msg)
	require.NoError(t, err)
	_, err = Reconstruct(stranger.PublicKey(), msg, strangerSig)
	assert.ErrorIs(t, err, ErrNotRequiredSigner)

	userSig, err := k.user.Sign(msg)
	require.NoError(t, err)
	_, err = Reconstruct(k.recipient, msg, userSig)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = Reconstruct(k.user.PublicKey(), nil, userSig)
	assert.Error(t, err)
}

func TestSignerIndex(t *testing.T) {
	k := newTestKeys()
	tx := nativeTx(t, k, 5000, false)
	assert.Equal(t, 0, SignerIndex(&tx.Message, k.feePayer.PublicKey()))
	assert.Equal(t, 1, SignerIndex(&tx.Message, k.user.PublicKey()))
	assert.Equal(t, -1, SignerIndex(&tx.Message, k.recipient))
}
