package transactions

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
)

// PSBT exports the transaction as a BIP-174 packet carrying every prevout,
// the leaf script and control block of each script path input and the
// signatures collected so far. Committee signatures are only included once
// the whole committee signed the input.
func (p *PreSignedTx) PSBT() (*psbt.Packet, error) {
	if !p.Rebuilt() {
		return nil, ErrNotRebuilt
	}

	packet, err := psbt.NewFromUnsignedTx(p.Tx.Copy())
	if err != nil {
		return nil, fmt.Errorf("unable to create psbt for %s: %w",
			p.name, err)
	}

	for i, spend := range p.spends {
		in := &packet.Inputs[i]
		in.WitnessUtxo = p.PrevOuts[i]

		// Open inputs are left for the broadcaster.
		if spend == nil {
			continue
		}
		if spend.SigHash != txscript.SigHashDefault {
			in.SighashType = spend.SigHash
		}

		if spend.KeyPathKey != nil {
			in.TaprootInternalKey = schnorr.SerializePubKey(
				spend.KeyPathKey,
			)
			if sig, err := p.keySig(i, spend.KeyPathKey); err == nil {
				in.TaprootKeySpendSig = sig
			}

			continue
		}

		in.TaprootLeafScript = []*psbt.TaprootTapLeafScript{{
			ControlBlock: spend.ControlBlock,
			Script:       spend.LeafScript,
			LeafVersion:  txscript.BaseLeafVersion,
		}}

		if err := p.addLeafSigs(in, i, spend); err != nil {
			return nil, err
		}
	}

	return packet, nil
}

// addLeafSigs adds the available script path signatures of input idx.
func (p *PreSignedTx) addLeafSigs(in *psbt.PInput, idx int,
	spend *InputSpend) error {

	leafHash := txscript.NewBaseTapLeaf(spend.LeafScript).TapHash()

	add := func(key, sig []byte) {
		in.TaprootScriptSpendSig = append(
			in.TaprootScriptSpendSig, &psbt.TaprootScriptSpendSig{
				XOnlyPubKey: key,
				LeafHash:    leafHash[:],
				Signature:   sig[:schnorr.SignatureSize],
				SigHash:     spend.SigHash,
			},
		)
	}

	for _, slot := range spend.Slots {
		switch slot.Kind {
		case SlotKey:
			sig, err := p.keySig(idx, slot.Key)
			if err != nil {
				continue
			}
			add(schnorr.SerializePubKey(slot.Key), sig)

		case SlotCommittee:
			if len(p.Musig2Signatures[idx]) != p.committee.Size() {
				continue
			}

			sig, err := p.committeeSig(idx, spend.SigHash)
			if err != nil {
				return err
			}
			add(schnorr.SerializePubKey(
				p.committee.AggregateKey(),
			), sig)
		}
	}

	return nil
}
