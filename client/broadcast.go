package client

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/bitvm/bridge/connectors"
	"github.com/bitvm/bridge/contexts"
	"github.com/bitvm/bridge/graphs"
	"github.com/bitvm/bridge/params"
	"github.com/bitvm/bridge/transactions"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Step names a graph transaction a participant can broadcast.
type Step string

// The broadcastable steps. Steps are the suffixes of the broadcast
// commands.
const (
	StepDeposit          Step = "deposit"
	StepRefund           Step = "refund"
	StepConfirm          Step = "confirm"
	StepPegOut           Step = "peg-out"
	StepKickOff1         Step = "kick-off-1"
	StepStartTime        Step = "start-time"
	StepStartTimeTimeout Step = "start-time-timeout"
	StepKickOff2         Step = "kick-off-2"
	StepKickOffTimeout   Step = "kick-off-timeout"
	StepChallenge        Step = "challenge"
	StepAssertInitial    Step = "assert-initial"
	StepAssertCommit1    Step = "assert-commit-1"
	StepAssertCommit2    Step = "assert-commit-2"
	StepAssertFinal      Step = "assert-final"
	StepTake1            Step = "take-1"
	StepTake2            Step = "take-2"
	StepBurn             Step = "burn"
	StepDisprove         Step = "disprove"
	StepDisproveChain    Step = "disprove-chain"
)

// stepTxs maps every step to the transaction it broadcasts.
var stepTxs = map[Step]string{
	StepDeposit:          transactions.PegInDepositName,
	StepRefund:           transactions.PegInRefundName,
	StepConfirm:          transactions.PegInConfirmName,
	StepPegOut:           transactions.PegOutName,
	StepKickOff1:         transactions.KickOff1Name,
	StepStartTime:        transactions.StartTimeName,
	StepStartTimeTimeout: transactions.StartTimeTimeoutName,
	StepKickOff2:         transactions.KickOff2Name,
	StepKickOffTimeout:   transactions.KickOffTimeoutName,
	StepChallenge:        transactions.ChallengeName,
	StepAssertInitial:    transactions.AssertInitialName,
	StepAssertCommit1:    transactions.AssertCommit1Name,
	StepAssertCommit2:    transactions.AssertCommit2Name,
	StepAssertFinal:      transactions.AssertFinalName,
	StepTake1:            transactions.Take1Name,
	StepTake2:            transactions.Take2Name,
	StepBurn:             transactions.BurnName,
	StepDisprove:         transactions.DisproveName,
	StepDisproveChain:    transactions.DisproveChainName,
}

// ErrUnknownStep is returned for step names that are not broadcastable.
var ErrUnknownStep = errors.New("unknown broadcast step")

// Steps lists every step in graph order.
func Steps() []Step {
	return []Step{
		StepDeposit, StepRefund, StepConfirm, StepPegOut,
		StepKickOff1, StepStartTime, StepStartTimeTimeout,
		StepKickOff2, StepKickOffTimeout, StepChallenge,
		StepAssertInitial, StepAssertCommit1, StepAssertCommit2,
		StepAssertFinal, StepTake1, StepTake2, StepBurn, StepDisprove,
		StepDisproveChain,
	}
}

// IsPegIn reports whether the step belongs to a peg-in graph.
func (s Step) IsPegIn() bool {
	return s == StepDeposit || s == StepRefund || s == StepConfirm
}

// TxName returns the name of the transaction the step broadcasts.
func (s Step) TxName() (string, error) {
	name, ok := stepTxs[s]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownStep, string(s))
	}

	return name, nil
}

// broadcastOptions are the optional inputs of a broadcast.
type broadcastOptions struct {
	disproveLeaf int
	unlock       [][]byte
	startTime    uint32
	superblock   fn.Option[chainhash.Hash]
}

// BroadcastOption customizes a broadcast.
type BroadcastOption func(*broadcastOptions)

// WithDisproveLeaf selects the disprove leaf of connector C and the witness
// items unlocking it. Without unlock items, the placeholder leaf's own
// index is pushed.
func WithDisproveLeaf(leaf int, unlock ...[]byte) BroadcastOption {
	return func(o *broadcastOptions) {
		o.disproveLeaf = leaf
		o.unlock = unlock
	}
}

// WithStartTime overrides the start time committed by the start time
// transaction, which defaults to the client clock.
func WithStartTime(t uint32) BroadcastOption {
	return func(o *broadcastOptions) {
		o.startTime = t
	}
}

// WithSuperblock sets the block hash committed by kick off 2, which
// defaults to the tip of the superblock source.
func WithSuperblock(hash chainhash.Hash) BroadcastOption {
	return func(o *broadcastOptions) {
		o.superblock = fn.Some(hash)
	}
}

// defaultUnlock is the witness of the placeholder disprove leaf
// `<leaf> OP_EQUAL`: the minimal push of leaf.
func defaultUnlock(leaf int) [][]byte {
	if leaf == 0 {
		return [][]byte{{}}
	}

	return [][]byte{{byte(leaf)}}
}

// assertCommitment returns the commitment the operator reveals in assert
// commit k of graph id.
func assertCommitment(id string,
	k int) [connectors.CommitmentMessageLen]byte {

	return sha256.Sum256([]byte(fmt.Sprintf("%s/assert/%d", id, k)))
}

// operator returns the operator context or ErrRole.
func (c *BitVMClient) operator(step Step) (*contexts.OperatorContext, error) {
	if c.cfg.Operator == nil {
		return nil, fmt.Errorf("%w: %s is broadcast by the operator",
			ErrRole, step)
	}

	return c.cfg.Operator, nil
}

// Broadcast finalizes and broadcasts the transaction of step in the graph
// called id. A transaction already on chain is not an error.
func (c *BitVMClient) Broadcast(ctx context.Context, step Step, id string,
	opts ...BroadcastOption) error {

	txName, err := step.TxName()
	if err != nil {
		return err
	}

	o := &broadcastOptions{
		startTime: uint32(c.clock.Now().Unix()),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.unlock == nil {
		o.unlock = defaultUnlock(o.disproveLeaf)
	}

	if step.IsPegIn() {
		c.mu.Lock()
		g, ok := c.data.PegInGraph(id)
		if ok {
			g = g.Clone()
		}
		c.mu.Unlock()
		if !ok {
			return fmt.Errorf("%w: peg-in %v", ErrUnknownGraph, id)
		}

		err = c.broadcastPegIn(ctx, step, g)
	} else {
		c.mu.Lock()
		g, ok := c.data.PegOutGraph(id)
		if ok {
			g = g.Clone()
		}
		c.mu.Unlock()
		if !ok {
			return fmt.Errorf("%w: peg-out %v", ErrUnknownGraph, id)
		}

		err = c.broadcastPegOut(ctx, step, g, o)
	}

	return c.broadcastResult(txName, id, err)
}

// broadcastResult records the outcome of a broadcast. Transactions already
// on chain count as success.
func (c *BitVMClient) broadcastResult(txName, id string, err error) error {
	result := broadcastOK
	switch {
	case err == nil:

	case errors.Is(err, graphs.ErrAlreadyMined):
		log.Infof("%s of graph %v already on chain", txName, id)
		result, err = broadcastAlreadyMined, nil

	case errors.Is(err, graphs.ErrPremature):
		result = broadcastPremature

	default:
		result = broadcastError
	}
	c.metrics.broadcasts.WithLabelValues(txName, result).Inc()

	return err
}

func (c *BitVMClient) broadcastPegIn(ctx context.Context, step Step,
	g *graphs.PegInGraph) error {

	switch step {
	case StepDeposit:
		return g.BroadcastDeposit(ctx, c.cfg.Chain)
	case StepRefund:
		return g.BroadcastRefund(ctx, c.cfg.Chain)
	case StepConfirm:
		return g.BroadcastConfirm(ctx, c.cfg.Chain)
	}

	return fmt.Errorf("%w: %q on a peg-in", ErrUnknownStep, string(step))
}

func (c *BitVMClient) broadcastPegOut(ctx context.Context, step Step,
	g *graphs.PegOutGraph, o *broadcastOptions) error {

	chain := c.cfg.Chain

	switch step {
	case StepPegOut:
		if _, err := c.operator(step); err != nil {
			return err
		}
		return g.BroadcastPegOut(ctx, chain)

	case StepKickOff1:
		return g.BroadcastKickOff1(ctx, chain)

	case StepStartTime:
		op, err := c.operator(step)
		if err != nil {
			return err
		}
		return g.BroadcastStartTime(ctx, chain, op, o.startTime)

	case StepKickOff2:
		op, err := c.operator(step)
		if err != nil {
			return err
		}
		superblock, err := c.superblock(ctx, o)
		if err != nil {
			return err
		}
		return g.BroadcastKickOff2(ctx, chain, op, superblock)

	case StepAssertInitial:
		return g.BroadcastAssertInitial(ctx, chain)

	case StepAssertCommit1:
		op, err := c.operator(step)
		if err != nil {
			return err
		}
		return g.BroadcastAssertCommit1(
			ctx, chain, op, assertCommitment(g.ID(), 1),
		)

	case StepAssertCommit2:
		op, err := c.operator(step)
		if err != nil {
			return err
		}
		return g.BroadcastAssertCommit2(
			ctx, chain, op, assertCommitment(g.ID(), 2),
		)

	case StepAssertFinal:
		return g.BroadcastAssertFinal(ctx, chain)

	case StepTake1:
		return g.BroadcastTake1(ctx, chain)

	case StepTake2:
		return g.BroadcastTake2(ctx, chain)

	case StepChallenge:
		funding, err := c.challengeFunding(ctx)
		if err != nil {
			return err
		}
		return g.BroadcastChallenge(ctx, chain, funding)
	}

	reward, err := c.rewardScript()
	if err != nil {
		return err
	}

	switch step {
	case StepStartTimeTimeout:
		return g.BroadcastStartTimeTimeout(ctx, chain, reward)
	case StepKickOffTimeout:
		return g.BroadcastKickOffTimeout(ctx, chain, reward)
	case StepBurn:
		return g.BroadcastBurn(ctx, chain, reward)
	case StepDisprove:
		return g.BroadcastDisprove(
			ctx, chain, o.disproveLeaf, o.unlock, reward,
		)
	case StepDisproveChain:
		return g.BroadcastDisproveChain(ctx, chain, reward)
	}

	return fmt.Errorf("%w: %q on a peg-out", ErrUnknownStep, string(step))
}

// superblock returns the block hash kick off 2 commits to.
func (c *BitVMClient) superblock(ctx context.Context,
	o *broadcastOptions) (chainhash.Hash, error) {

	return o.superblock.UnwrapOrFuncErr(func() (chainhash.Hash, error) {
		if c.cfg.Superblocks == nil {
			return chainhash.Hash{}, errors.New("kick off 2 needs " +
				"a superblock: none given and no superblock " +
				"source configured")
		}

		return c.cfg.Superblocks.TipHash(ctx)
	})
}

// challengeFunding selects an output of the role key paying the challenge
// fee.
func (c *BitVMClient) challengeFunding(
	ctx context.Context) ([]transactions.FundingInput, error) {

	role, err := c.roleContext()
	if err != nil {
		return nil, err
	}
	addr, err := c.keyAddress()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	exclude := c.spentInputs()
	c.mu.Unlock()

	input, err := c.selectUTXO(ctx, addr, params.FeeAmount, exclude)
	if err != nil {
		return nil, err
	}

	return []transactions.FundingInput{{
		Input: input,
		Key:   role.PrivateKey(),
	}}, nil
}
