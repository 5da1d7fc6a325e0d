package winternitz

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParams(t *testing.T) {
	t.Parallel()

	// 4 byte messages: 8 digits, max checksum 120 = 0x78.
	p := NewParams(4)
	require.Equal(t, 8, p.MessageDigits())
	require.Equal(t, 2, p.ChecksumDigits())
	require.Equal(t, 10, p.Digits())

	// 32 byte messages: 64 digits, max checksum 960 = 0x3c0.
	p = NewParams(32)
	require.Equal(t, 64, p.MessageDigits())
	require.Equal(t, 3, p.ChecksumDigits())
	require.Equal(t, 67, p.Digits())
}

// TestSignVerifyProperty checks that every signature verifies and yields the
// signed message, and that any tampered digit is rejected.
func TestSignVerifyProperty(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		msgLen := rapid.IntRange(1, 32).Draw(t, "msgLen")
		p := NewParams(msgLen)
		secret := rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, "secret")
		msg := rapid.SliceOfN(rapid.Byte(), msgLen, msgLen).Draw(
			t, "msg",
		)

		pk := GeneratePublicKey(p, secret)
		sig, err := Sign(p, secret, msg)
		require.NoError(t, err)

		got, err := Verify(p, pk, sig)
		require.NoError(t, err)
		require.Equal(t, msg, got)

		parsed, err := SignatureFromWitness(p, sig.Witness())
		require.NoError(t, err)
		require.Equal(t, sig, parsed)

		// Bumping a digit without recomputing the chain must fail.
		idx := rapid.IntRange(0, p.Digits()-1).Draw(t, "idx")
		if sig.Digits[idx] < D {
			tampered := &Signature{
				Digits:    append([]uint8{}, sig.Digits...),
				Preimages: sig.Preimages,
			}
			tampered.Digits[idx]++
			_, err = Verify(p, pk, tampered)
			require.ErrorIs(t, err, ErrInvalidSignature)
		}
	})
}

func TestWrongLength(t *testing.T) {
	t.Parallel()

	_, err := Sign(NewParams(4), []byte("secret"), []byte{1, 2, 3})
	require.ErrorIs(t, err, ErrMessageLength)

	_, err = SignatureFromWitness(NewParams(4), [][]byte{{1}})
	require.ErrorIs(t, err, ErrMalformedWitness)
}

func TestPublicKeyJSON(t *testing.T) {
	t.Parallel()

	p := NewParams(4)
	pk := GeneratePublicKey(p, DeriveSecret([]byte("seed"), "start"))

	b, err := json.Marshal(pk)
	require.NoError(t, err)

	var decoded PublicKey
	require.NoError(t, json.Unmarshal(b, &decoded))
	require.True(t, pk.Equal(decoded))

	other := GeneratePublicKey(p, DeriveSecret([]byte("seed"), "other"))
	require.False(t, pk.Equal(other))
}

// spendLeaf runs the script engine over a transaction spending a single leaf
// taproot output with the given witness items.
func spendLeaf(t *testing.T, leaf []byte, items [][]byte) error {
	t.Helper()

	internal, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	tree := txscript.AssembleTaprootScriptTree(txscript.NewBaseTapLeaf(leaf))
	root := tree.RootNode.TapHash()
	outputKey := txscript.ComputeTaprootOutputKey(
		internal.PubKey(), root[:],
	)
	pkScript, err := txscript.PayToTaprootScript(outputKey)
	require.NoError(t, err)

	ctrl := tree.LeafMerkleProofs[0].ToControlBlock(internal.PubKey())
	ctrlBytes, err := ctrl.ToBytes()
	require.NoError(t, err)

	prevOut := wire.OutPoint{Hash: chainhash.Hash{1}, Index: 0}
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&prevOut, nil, nil))
	tx.AddTxOut(wire.NewTxOut(1_000, pkScript))

	witness := append([][]byte{}, items...)
	witness = append(witness, leaf, ctrlBytes)
	tx.TxIn[0].Witness = witness

	fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, 2_000)
	vm, err := txscript.NewEngine(
		pkScript, tx, 0, txscript.StandardVerifyFlags, nil,
		txscript.NewTxSigHashes(tx, fetcher), 2_000, fetcher,
	)
	require.NoError(t, err)

	return vm.Execute()
}

// TestVerifyScript executes the on-chain verifier with valid and invalid
// signatures.
func TestVerifyScript(t *testing.T) {
	t.Parallel()

	for _, msgLen := range []int{4, 32} {
		p := NewParams(msgLen)
		secret := DeriveSecret([]byte("operator"), "commitment")
		pk := GeneratePublicKey(p, secret)

		b := txscript.NewScriptBuilder()
		AppendVerifyScript(b, p, pk)
		b.AddOp(txscript.OP_TRUE)
		leaf, err := b.Script()
		require.NoError(t, err)

		msg := bytes.Repeat([]byte{0xa5}, msgLen)
		msg[0] = 0x00
		sig, err := Sign(p, secret, msg)
		require.NoError(t, err)

		require.NoError(t, spendLeaf(t, leaf, sig.Witness()))

		// A signature of another key must not pass.
		forged, err := Sign(p, []byte("someone else"), msg)
		require.NoError(t, err)
		require.Error(t, spendLeaf(t, leaf, forged.Witness()))

		// Nor may a digit be increased: the checksum catches it.
		bumped := &Signature{
			Digits:    append([]uint8{}, sig.Digits...),
			Preimages: append([][HashSize]byte{}, sig.Preimages...),
		}
		last := p.Digits() - 1
		if bumped.Digits[last] < D {
			bumped.Digits[last]++
			bumped.Preimages[last] = hashChain(
				bumped.Preimages[last], 1,
			)
			require.Error(t, spendLeaf(t, leaf, bumped.Witness()))
		}
	}
}
