package transactions

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"
)

func TestPSBTExport(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	confirm := h.confirm(t)

	packet, err := confirm.PSBT()
	require.NoError(t, err)
	require.Len(t, packet.Inputs, 1)

	in := packet.Inputs[0]
	require.Equal(t, confirm.PrevOuts[0], in.WitnessUtxo)
	require.Equal(t, txscript.SigHashAll, in.SighashType)
	require.Len(t, in.TaprootLeafScript, 1)
	require.Equal(t, confirm.PrevScripts[0], in.TaprootLeafScript[0].Script)

	// Only the depositor signed so far.
	require.Len(t, in.TaprootScriptSpendSig, 1)
	require.Equal(t,
		schnorr.SerializePubKey(h.depositor.PublicKey()),
		in.TaprootScriptSpendSig[0].XOnlyPubKey,
	)

	h.presign(t, confirm)

	packet, err = confirm.PSBT()
	require.NoError(t, err)
	require.Len(t, packet.Inputs[0].TaprootScriptSpendSig, 2)

	var buf bytes.Buffer
	require.NoError(t, packet.Serialize(&buf))

	decoded, err := psbt.NewFromRawBytes(&buf, false)
	require.NoError(t, err)
	require.Equal(t, confirm.TxID(), decoded.UnsignedTx.TxHash())
}

func TestPSBTExportKeyPath(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	deposit, err := NewPegInDeposit(h.depositor, h.pegIn, h.pegInConns)
	require.NoError(t, err)

	packet, err := deposit.PSBT()
	require.NoError(t, err)

	in := packet.Inputs[0]
	require.Empty(t, in.TaprootLeafScript)
	require.Equal(t,
		schnorr.SerializePubKey(h.depositor.PublicKey()),
		in.TaprootInternalKey,
	)
	require.Len(t, in.TaprootKeySpendSig, schnorr.SignatureSize)
}

func TestPSBTExportNeedsRebuild(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	confirm := h.confirm(t)

	b, err := confirm.MarshalJSON()
	require.NoError(t, err)

	var decoded PreSignedTx
	require.NoError(t, decoded.UnmarshalJSON(b))

	_, err = decoded.PSBT()
	require.ErrorIs(t, err, ErrNotRebuilt)
}
