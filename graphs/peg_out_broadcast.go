package graphs

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/bitvm/bridge/chain"
	"github.com/bitvm/bridge/connectors"
	"github.com/bitvm/bridge/contexts"
	"github.com/bitvm/bridge/transactions"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// finalizeFunc assembles a graph transaction for broadcast.
type finalizeFunc func(tx *transactions.PreSignedTx) (*wire.MsgTx, error)

// finalizePlain finalizes a transaction that needs no broadcast time data.
func finalizePlain(tx *transactions.PreSignedTx) (*wire.MsgTx, error) {
	return tx.Finalize(nil)
}

// broadcastTx samples the chain, runs check against the snapshot and
// broadcasts the finalized transaction idx.
func (g *PegOutGraph) broadcastTx(ctx context.Context, c chain.Client,
	idx int, check func(*ChainSnapshot) error,
	finalize finalizeFunc) error {

	snap, err := g.Snapshot(ctx, c)
	if err != nil {
		return err
	}
	if err := check(snap); err != nil {
		return err
	}

	tx := g.txs[idx]
	if len(tx.CommitteeInputs()) > 0 && !tx.IsPreSigned() {
		return fmt.Errorf("%w: %s of peg-out %v", ErrNotPreSigned,
			tx.Name(), g.id)
	}

	final, err := finalize(tx)
	if err != nil {
		return err
	}

	return broadcast(ctx, c, tx.Name(), final)
}

// withReward finalizes a slashing transaction paying the broadcaster's
// reward to rewardScript.
func withReward(extra map[int][][]byte, rewardScript []byte) finalizeFunc {
	return func(tx *transactions.PreSignedTx) (*wire.MsgTx, error) {
		return tx.FinalizeWithReward(extra, rewardScript)
	}
}

// withExtra finalizes a transaction with broadcast time witness items.
func withExtra(extra map[int][][]byte) finalizeFunc {
	return func(tx *transactions.PreSignedTx) (*wire.MsgTx, error) {
		return tx.Finalize(extra)
	}
}

// BroadcastPegOut pays the withdrawer.
func (g *PegOutGraph) BroadcastPegOut(ctx context.Context,
	c chain.Client) error {

	payment, err := g.payment.UnwrapOrErr(fmt.Errorf("%w: peg-out %v "+
		"has no withdrawal", ErrPremature, g.id))
	if err != nil {
		return err
	}

	snap, err := g.Snapshot(ctx, c)
	if err != nil {
		return err
	}
	if err := checkBroadcast(snap, transactions.PegOutName); err != nil {
		return err
	}

	tx, err := payment.tx.Finalize(nil)
	if err != nil {
		return err
	}

	return broadcast(ctx, c, transactions.PegOutName, tx)
}

// BroadcastKickOff1 opens the operator's claim once the withdrawer was
// paid.
func (g *PegOutGraph) BroadcastKickOff1(ctx context.Context,
	c chain.Client) error {

	return g.broadcastTx(ctx, c, txKickOff1, func(s *ChainSnapshot) error {
		return checkBroadcast(
			s, transactions.KickOff1Name, transactions.PegOutName,
		)
	}, finalizePlain)
}

// BroadcastStartTime commits the operator's start time.
func (g *PegOutGraph) BroadcastStartTime(ctx context.Context, c chain.Client,
	op *contexts.OperatorContext, startTime uint32) error {

	var msg [connectors.StartTimeMessageLen]byte
	binary.BigEndian.PutUint32(msg[:], startTime)

	items, err := g.sign(
		op, startTimeLabel, connectors.StartTimeParams, msg[:],
	)
	if err != nil {
		return err
	}

	return g.broadcastTx(ctx, c, txStartTime, func(s *ChainSnapshot) error {
		err := checkBroadcast(
			s, transactions.StartTimeName,
			transactions.KickOff1Name,
		)
		if err != nil {
			return err
		}

		return checkUnspent(
			s, transactions.StartTimeName,
			transactions.StartTimeTimeoutName,
		)
	}, withExtra(map[int][][]byte{0: items}))
}

// BroadcastStartTimeTimeout slashes an operator that did not commit its
// start time in time.
func (g *PegOutGraph) BroadcastStartTimeTimeout(ctx context.Context,
	c chain.Client, rewardScript []byte) error {

	const name = transactions.StartTimeTimeoutName

	return g.broadcastTx(ctx, c, txStartTimeTimeout,
		func(s *ChainSnapshot) error {
			err := checkBroadcast(s, name, transactions.KickOff1Name)
			if err != nil {
				return err
			}
			err = checkUnspent(s, name, transactions.StartTimeName)
			if err != nil {
				return err
			}

			return checkMatured(
				s, name, transactions.KickOff1Name,
				connectors.StartTimeTimeout(g.network),
			)
		}, withReward(nil, rewardScript),
	)
}

// BroadcastKickOff2 commits the superblock and creates the challenge, bond
// and take connectors.
func (g *PegOutGraph) BroadcastKickOff2(ctx context.Context, c chain.Client,
	op *contexts.OperatorContext, superblock chainhash.Hash) error {

	const name = transactions.KickOff2Name

	items, err := g.sign(
		op, superblockLabel, connectors.SuperblockParams, superblock[:],
	)
	if err != nil {
		return err
	}

	return g.broadcastTx(ctx, c, txKickOff2, func(s *ChainSnapshot) error {
		err := checkBroadcast(
			s, name, transactions.KickOff1Name,
			transactions.StartTimeName,
		)
		if err != nil {
			return err
		}
		err = checkUnspent(s, name, transactions.KickOffTimeoutName)
		if err != nil {
			return err
		}

		return checkMatured(
			s, name, transactions.KickOff1Name,
			connectors.KickOff2Timelock(g.network),
		)
	}, withExtra(map[int][][]byte{0: items}))
}

// BroadcastKickOffTimeout slashes an operator that did not send kick off 2
// in time.
func (g *PegOutGraph) BroadcastKickOffTimeout(ctx context.Context,
	c chain.Client, rewardScript []byte) error {

	const name = transactions.KickOffTimeoutName

	return g.broadcastTx(ctx, c, txKickOffTimeout,
		func(s *ChainSnapshot) error {
			err := checkBroadcast(s, name, transactions.KickOff1Name)
			if err != nil {
				return err
			}
			err = checkUnspent(s, name, transactions.KickOff2Name)
			if err != nil {
				return err
			}

			return checkMatured(
				s, name, transactions.KickOff1Name,
				connectors.KickOffTimeout(g.network),
			)
		}, withReward(nil, rewardScript),
	)
}

// BroadcastChallenge disputes the operator's claim. The funding inputs pay
// the fee and any change goes back to the first funder.
func (g *PegOutGraph) BroadcastChallenge(ctx context.Context, c chain.Client,
	funding []transactions.FundingInput) error {

	const name = transactions.ChallengeName

	return g.broadcastTx(ctx, c, txChallenge, func(s *ChainSnapshot) error {
		err := checkBroadcast(s, name, transactions.KickOff2Name)
		if err != nil {
			return err
		}

		return checkUnspent(s, name, transactions.Take1Name)
	}, func(tx *transactions.PreSignedTx) (*wire.MsgTx, error) {
		return tx.FinalizeCrowdfunded(funding)
	})
}

// BroadcastAssertInitial starts the operator's answer to a challenge.
func (g *PegOutGraph) BroadcastAssertInitial(ctx context.Context,
	c chain.Client) error {

	const name = transactions.AssertInitialName

	return g.broadcastTx(ctx, c, txAssertInitial,
		func(s *ChainSnapshot) error {
			err := checkBroadcast(s, name, transactions.KickOff2Name)
			if err != nil {
				return err
			}

			return checkUnspent(
				s, name, transactions.BurnName,
				transactions.Take1Name,
			)
		}, finalizePlain,
	)
}

// BroadcastAssertCommit1 reveals the first assert commitment.
func (g *PegOutGraph) BroadcastAssertCommit1(ctx context.Context,
	c chain.Client, op *contexts.OperatorContext,
	commitment [connectors.CommitmentMessageLen]byte) error {

	return g.broadcastCommit(
		ctx, c, op, txAssertCommit1, commitment1Label, commitment,
	)
}

// BroadcastAssertCommit2 reveals the second assert commitment.
func (g *PegOutGraph) BroadcastAssertCommit2(ctx context.Context,
	c chain.Client, op *contexts.OperatorContext,
	commitment [connectors.CommitmentMessageLen]byte) error {

	return g.broadcastCommit(
		ctx, c, op, txAssertCommit2, commitment2Label, commitment,
	)
}

// broadcastCommit signs and broadcasts one of the assert commitments.
func (g *PegOutGraph) broadcastCommit(ctx context.Context, c chain.Client,
	op *contexts.OperatorContext, idx int, label string,
	commitment [connectors.CommitmentMessageLen]byte) error {

	items, err := g.sign(
		op, label, connectors.CommitmentParams, commitment[:],
	)
	if err != nil {
		return err
	}

	return g.broadcastTx(ctx, c, idx, func(s *ChainSnapshot) error {
		return checkBroadcast(
			s, pegOutTxNames[idx], transactions.AssertInitialName,
		)
	}, withExtra(map[int][][]byte{0: items}))
}

// BroadcastAssertFinal gathers the assert outputs into the disprove and
// take 2 connectors.
func (g *PegOutGraph) BroadcastAssertFinal(ctx context.Context,
	c chain.Client) error {

	return g.broadcastTx(ctx, c, txAssertFinal,
		func(s *ChainSnapshot) error {
			return checkBroadcast(
				s, transactions.AssertFinalName,
				transactions.AssertInitialName,
				transactions.AssertCommit1Name,
				transactions.AssertCommit2Name,
			)
		}, finalizePlain,
	)
}

// BroadcastTake1 reimburses an operator that was not challenged.
func (g *PegOutGraph) BroadcastTake1(ctx context.Context,
	c chain.Client) error {

	const name = transactions.Take1Name

	return g.broadcastTx(ctx, c, txTake1, func(s *ChainSnapshot) error {
		err := checkBroadcast(
			s, name, transactions.PegInConfirmName,
			transactions.KickOff2Name,
		)
		if err != nil {
			return err
		}
		err = checkUnspent(
			s, name, transactions.ChallengeName,
			transactions.AssertInitialName, transactions.BurnName,
			transactions.DisproveChainName, transactions.Take2Name,
		)
		if err != nil {
			return err
		}

		return checkMatured(
			s, name, transactions.KickOff2Name,
			connectors.Take1Timelock(g.network),
		)
	}, finalizePlain)
}

// BroadcastTake2 reimburses an operator whose assertion stood.
func (g *PegOutGraph) BroadcastTake2(ctx context.Context,
	c chain.Client) error {

	const name = transactions.Take2Name

	return g.broadcastTx(ctx, c, txTake2, func(s *ChainSnapshot) error {
		err := checkBroadcast(
			s, name, transactions.PegInConfirmName,
			transactions.AssertFinalName,
		)
		if err != nil {
			return err
		}
		err = checkUnspent(
			s, name, transactions.DisproveName,
			transactions.DisproveChainName, transactions.Take1Name,
		)
		if err != nil {
			return err
		}

		return checkMatured(
			s, name, transactions.AssertFinalName,
			connectors.Take2Timelock(g.network),
		)
	}, finalizePlain)
}

// BroadcastBurn burns the bond of an operator that never asserted.
func (g *PegOutGraph) BroadcastBurn(ctx context.Context, c chain.Client,
	rewardScript []byte) error {

	const name = transactions.BurnName

	return g.broadcastTx(ctx, c, txBurn, func(s *ChainSnapshot) error {
		err := checkBroadcast(s, name, transactions.KickOff2Name)
		if err != nil {
			return err
		}
		err = checkUnspent(
			s, name, transactions.AssertInitialName,
			transactions.Take1Name,
		)
		if err != nil {
			return err
		}

		return checkMatured(
			s, name, transactions.KickOff2Name,
			connectors.BurnTimelock(g.network),
		)
	}, withReward(nil, rewardScript))
}

// BroadcastDisprove slashes an operator through disprove leaf of connector
// C, unlocked by the given witness items.
func (g *PegOutGraph) BroadcastDisprove(ctx context.Context, c chain.Client,
	leaf int, unlock [][]byte, rewardScript []byte) error {

	const name = transactions.DisproveName

	conns, err := transactions.NewPegOutConnectors(g.pegOutParams())
	if err != nil {
		return err
	}
	if leaf < 0 || leaf >= conns.CC.TakeLeafIndex() {
		return fmt.Errorf("%w: %d is not a disprove leaf",
			connectors.ErrInvalidLeafIndex, leaf)
	}

	info, err := conns.CC.SpendInfo(leaf)
	if err != nil {
		return err
	}

	witness := make([][]byte, 0, len(unlock)+2)
	witness = append(witness, unlock...)
	witness = append(witness, info.LeafScript, info.ControlBlock)

	return g.broadcastTx(ctx, c, txDisprove, func(s *ChainSnapshot) error {
		err := checkBroadcast(s, name, transactions.AssertFinalName)
		if err != nil {
			return err
		}

		return checkUnspent(s, name, transactions.Take2Name)
	}, withReward(map[int][][]byte{1: witness}, rewardScript))
}

// BroadcastDisproveChain slashes an operator whose committed superblock
// was beaten.
func (g *PegOutGraph) BroadcastDisproveChain(ctx context.Context,
	c chain.Client, rewardScript []byte) error {

	const name = transactions.DisproveChainName

	return g.broadcastTx(ctx, c, txDisproveChain,
		func(s *ChainSnapshot) error {
			err := checkBroadcast(s, name, transactions.KickOff2Name)
			if err != nil {
				return err
			}

			return checkUnspent(
				s, name, transactions.Take1Name,
				transactions.Take2Name,
			)
		}, withReward(nil, rewardScript),
	)
}
