package transactions

import (
	"fmt"

	"github.com/bitvm/bridge/connectors"
	"github.com/bitvm/bridge/params"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Total returns the sum of the outputs spent by the transaction.
func (p *PreSignedTx) Total() btcutil.Amount {
	var total int64
	for _, prevOut := range p.PrevOuts {
		total += prevOut.Value
	}

	return btcutil.Amount(total)
}

// FinalizeWithReward finalizes a committee slashing transaction and appends
// the broadcaster's share of the slashed amount, paid to rewardScript.
func (p *PreSignedTx) FinalizeWithReward(extra map[int][][]byte,
	rewardScript []byte) (*wire.MsgTx, error) {

	tx, err := p.Finalize(extra)
	if err != nil {
		return nil, err
	}

	reward, _ := params.Reward(p.Total())
	tx.AddTxOut(wire.NewTxOut(int64(reward), rewardScript))

	return tx, nil
}

// FundingInput is a key path output a challenger spends to pay for the
// challenge.
type FundingInput struct {
	Input

	Key *btcec.PrivateKey
}

// FinalizeCrowdfunded finalizes a transaction whose pre-signed inputs only
// commit to themselves and appends funding inputs paying the fee. Change
// above the fee goes back to the first funder.
func (p *PreSignedTx) FinalizeCrowdfunded(funding []FundingInput) (
	*wire.MsgTx, error) {

	if len(funding) == 0 {
		return nil, fmt.Errorf("%w: no funding inputs",
			ErrInsufficientFunds)
	}

	tx, err := p.Finalize(nil)
	if err != nil {
		return nil, err
	}

	fetcher := p.prevOutFetcher()
	prevOuts := make([]*wire.TxOut, len(funding))

	var total btcutil.Amount
	for i, f := range funding {
		pkScript, err := connectors.KeyPathScript(f.Key.PubKey())
		if err != nil {
			return nil, err
		}
		prevOuts[i] = wire.NewTxOut(int64(f.Amount), pkScript)
		fetcher.AddPrevOut(f.Outpoint, prevOuts[i])

		tx.AddTxIn(wire.NewTxIn(&f.Outpoint, nil, nil))
		total += f.Amount
	}

	change := total - params.FeeAmount
	if change < 0 {
		return nil, fmt.Errorf("%w: funding of %v cannot pay the fee",
			ErrInsufficientFunds, total)
	}
	if change > 0 {
		tx.AddTxOut(wire.NewTxOut(int64(change), prevOuts[0].PkScript))
	}

	hashes := txscript.NewTxSigHashes(tx, fetcher)
	offset := len(p.Tx.TxIn)
	for i, f := range funding {
		idx := offset + i
		sig, err := txscript.RawTxInTaprootSignature(
			tx, hashes, idx, prevOuts[i].Value, prevOuts[i].PkScript,
			nil, txscript.SigHashDefault, f.Key,
		)
		if err != nil {
			return nil, fmt.Errorf("unable to sign funding input "+
				"%d: %w", i, err)
		}
		tx.TxIn[idx].Witness = wire.TxWitness{sig}
	}

	return tx, nil
}
