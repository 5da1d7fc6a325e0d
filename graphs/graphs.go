// Package graphs holds the peg-in and peg-out transaction graphs: how they
// are built from their public parameters, checked against a peer's copy,
// merged, signed by the committee and walked on chain.
package graphs

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/bitvm/bridge/chain"
	"github.com/bitvm/bridge/contexts"
	"github.com/bitvm/bridge/musig"
	"github.com/bitvm/bridge/transactions"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrPremature is returned when a transaction's parents are not
	// confirmed deep enough for it to be broadcast.
	ErrPremature = errors.New("transaction cannot be broadcast yet")

	// ErrAlreadyMined is returned when a transaction is already known to
	// the chain.
	ErrAlreadyMined = errors.New("transaction already broadcast")

	// ErrConflict is returned when a transaction spending the same output
	// is already on chain.
	ErrConflict = errors.New("conflicting transaction on chain")

	// ErrInvalidGraph is returned when a graph does not match the graph
	// its parameters describe.
	ErrInvalidGraph = errors.New("invalid graph")

	// ErrInvariant is returned on misuse that no chain or peer state can
	// cause.
	ErrInvariant = errors.New("graph invariant violated")

	// ErrNotPreSigned is returned when a committee transaction is
	// broadcast before every verifier signed it.
	ErrNotPreSigned = errors.New("graph is not pre-signed")

	// ErrWrongOperator is returned when an operator acts on another
	// operator's graph.
	ErrWrongOperator = errors.New("graph belongs to another operator")
)

// SecretNonces are a verifier's secret nonces for one graph, by txid and
// input index.
type SecretNonces map[chainhash.Hash]map[int]musig.SecNonce

// cloneTxs deep copies txs.
func cloneTxs(txs []*transactions.PreSignedTx) []*transactions.PreSignedTx {
	clones := make([]*transactions.PreSignedTx, len(txs))
	for i, tx := range txs {
		clones[i] = tx.Clone()
	}

	return clones
}

// mergeTxs merges theirs into copies of ours. Nothing is returned unless
// every transaction merges.
func mergeTxs(ours, theirs []*transactions.PreSignedTx) (
	[]*transactions.PreSignedTx, error) {

	if len(ours) != len(theirs) {
		return nil, fmt.Errorf("%w: merging %d transactions with %d",
			ErrInvariant, len(ours), len(theirs))
	}

	merged := cloneTxs(ours)
	for i, tx := range merged {
		if err := tx.Merge(theirs[i]); err != nil {
			return nil, err
		}
	}

	return merged, nil
}

// loadTxs checks every stored transaction against its rebuilt counterpart
// and moves the stored signing data over.
func loadTxs(id string, rebuilt, stored []*transactions.PreSignedTx) error {
	if len(rebuilt) != len(stored) {
		return fmt.Errorf("%w: %s has %d transactions, want %d",
			ErrInvalidGraph, id, len(stored), len(rebuilt))
	}

	for i, tx := range rebuilt {
		if stored[i] == nil {
			return fmt.Errorf("%w: %s is missing %s",
				ErrInvalidGraph, id, tx.Name())
		}
		if err := tx.LoadSigningData(stored[i]); err != nil {
			return fmt.Errorf("%w: %s %s: %w", ErrInvalidGraph, id,
				tx.Name(), err)
		}
	}

	return nil
}

// pushNonces runs the nonce round on copies of txs.
func pushNonces(v *contexts.VerifierContext,
	txs []*transactions.PreSignedTx) ([]*transactions.PreSignedTx,
	SecretNonces, error) {

	updated := cloneTxs(txs)
	secrets := make(SecretNonces)
	for _, tx := range updated {
		s, err := tx.PushNonces(v)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", tx.Name(), err)
		}
		if len(s) > 0 {
			secrets[tx.TxID()] = s
		}
	}

	return updated, secrets, nil
}

// preSign runs the signing round on copies of txs. Secrets are only
// consumed once every transaction signed.
func preSign(v *contexts.VerifierContext, txs []*transactions.PreSignedTx,
	secrets SecretNonces) ([]*transactions.PreSignedTx, error) {

	updated := cloneTxs(txs)
	for _, tx := range updated {
		if len(tx.CommitteeInputs()) == 0 {
			continue
		}

		txSecrets := maps.Clone(secrets[tx.TxID()])
		if err := tx.PreSign(v, txSecrets); err != nil {
			return nil, fmt.Errorf("%s: %w", tx.Name(), err)
		}
	}

	for _, tx := range updated {
		delete(secrets, tx.TxID())
	}

	return updated, nil
}

// allPreSigned reports whether every committee input of txs is signed by
// the whole committee.
func allPreSigned(txs []*transactions.PreSignedTx) bool {
	for _, tx := range txs {
		if !tx.IsPreSigned() {
			return false
		}
	}

	return true
}

// verifierProgress reports how far verifier got through the two rounds on
// txs.
func verifierProgress(txs []*transactions.PreSignedTx,
	v *contexts.VerifierContext) (hasNonces, noncesComplete,
	hasPartials bool) {

	hasNonces, noncesComplete, hasPartials = true, true, true
	for _, tx := range txs {
		hasNonces = hasNonces && tx.HasNonces(v.PublicKey())
		noncesComplete = noncesComplete && tx.NoncesComplete()
		hasPartials = hasPartials && tx.HasPartialSigs(v.PublicKey())
	}

	return hasNonces, noncesComplete, hasPartials
}

// checkBroadcast fails with ErrAlreadyMined if name is already on chain and
// with ErrPremature unless every parent is confirmed.
func checkBroadcast(snap *ChainSnapshot, name string,
	parents ...string) error {

	if snap.Known(name) {
		return fmt.Errorf("%w: %s", ErrAlreadyMined, name)
	}
	for _, parent := range parents {
		if !snap.Confirmed(parent) {
			return fmt.Errorf("%w: %s needs %s confirmed",
				ErrPremature, name, parent)
		}
	}

	return nil
}

// checkMatured fails with ErrPremature unless parent is blocks deep.
func checkMatured(snap *ChainSnapshot, name, parent string,
	blocks uint32) error {

	if !snap.Matured(parent, blocks) {
		return fmt.Errorf("%w: %s needs %s %d blocks deep",
			ErrPremature, name, parent, blocks)
	}

	return nil
}

// checkUnspent fails with ErrConflict if a rival spending the same outputs
// is on chain.
func checkUnspent(snap *ChainSnapshot, name string, rivals ...string) error {
	for _, rival := range rivals {
		if snap.Known(rival) {
			return fmt.Errorf("%w: %s conflicts with %s",
				ErrConflict, name, rival)
		}
	}

	return nil
}

// broadcast submits tx and checks that the backend took it.
func broadcast(ctx context.Context, c chain.Client, name string,
	tx *wire.MsgTx) error {

	txid := tx.TxHash()
	if err := c.Broadcast(ctx, tx); err != nil {
		return fmt.Errorf("unable to broadcast %s: %w", name, err)
	}

	status, err := c.GetTxStatus(ctx, txid)
	if err != nil {
		return fmt.Errorf("unable to check %s: %w", name, err)
	}
	if !status.Known {
		return fmt.Errorf("%w: %s %v not seen after broadcast",
			chain.ErrRejected, name, txid)
	}

	log.Infof("Broadcast %s %v", name, txid)

	return nil
}
