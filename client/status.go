package client

import (
	"context"
	"fmt"
	"time"

	"github.com/bitvm/bridge/graphs"
	"github.com/bitvm/bridge/transactions"
)

// MissingPegOutGraph is the operator's status for a peg-in it has no peg-out
// graph for.
const MissingPegOutGraph = "Missing peg out graph"

// GraphKind tells peg-in and peg-out graphs apart in a status report.
type GraphKind string

const (
	KindPegIn  GraphKind = "peg-in"
	KindPegOut GraphKind = "peg-out"
)

// GraphStatus is one line of a status report: the role's next step on a
// graph.
type GraphStatus struct {
	Kind    GraphKind
	GraphID string

	// PegInID is the peg-in a peg-out graph claims.
	PegInID string

	// Status is the human readable prompt.
	Status string

	// Step is the broadcast the status asks for, empty if none.
	Step Step

	// Signing is the signing round the status asks a verifier for.
	Signing SigningRound

	// Paid is set for peg-out graphs whose peg-out transaction is
	// confirmed.
	Paid bool

	// Terminal is set once no chain event can change the status.
	Terminal bool
}

// SigningRound is a verifier's pending MuSig2 round on a graph.
type SigningRound uint8

const (
	SigningNone SigningRound = iota
	SigningPushNonces
	SigningPreSign
)

// String formats the line like the status command prints it.
func (s GraphStatus) String() string {
	return fmt.Sprintf("[%s %s] %s", s.Kind, s.GraphID, s.Status)
}

// pegOutSnapshot samples the chain for g and checks the superblock kick off
// 2 committed to against the superblock source.
func (c *BitVMClient) pegOutSnapshot(ctx context.Context,
	g *graphs.PegOutGraph) (*graphs.ChainSnapshot, error) {

	snap, err := g.Snapshot(ctx, c.cfg.Chain)
	if err != nil {
		return nil, err
	}
	if c.cfg.Superblocks == nil ||
		!snap.Confirmed(transactions.KickOff2Name) {

		return snap, nil
	}

	startTime, err := g.CommittedStartTime(ctx, c.cfg.Chain)
	if err != nil {
		return nil, err
	}
	superblock, err := g.CommittedSuperblock(ctx, c.cfg.Chain)
	if err != nil {
		return nil, err
	}

	valid, err := c.cfg.Superblocks.SuperblockValid(
		ctx, superblock, time.Unix(int64(startTime), 0),
	)
	if err != nil {
		return nil, err
	}
	snap.SuperblockInvalid = !valid

	return snap, nil
}

// Status reports the next step of the configured role on every known
// graph. Graphs whose chain state cannot be read are reported with the
// error.
func (c *BitVMClient) Status(ctx context.Context) ([]GraphStatus, error) {
	if _, err := c.roleContext(); err != nil {
		return nil, err
	}

	data := c.Data()

	var report []GraphStatus
	for _, g := range data.PegInGraphs {
		report = append(report, c.pegInStatus(ctx, data, g)...)
	}
	for _, g := range data.PegOutGraphs {
		line, ok := c.pegOutStatus(ctx, g)
		if ok {
			report = append(report, line)
		}
	}

	return report, nil
}

func (c *BitVMClient) pegInStatus(ctx context.Context, data *BridgeData,
	g *graphs.PegInGraph) []GraphStatus {

	line := GraphStatus{
		Kind:    KindPegIn,
		GraphID: g.ID(),
		PegInID: g.ID(),
	}

	switch {
	case c.cfg.Depositor != nil:
		if !g.DepositorKey().IsEqual(c.cfg.Depositor.PublicKey()) {
			return nil
		}

		snap, err := g.Snapshot(ctx, c.cfg.Chain)
		if err != nil {
			line.Status = err.Error()
			return []GraphStatus{line}
		}

		status := g.DepositorStatus(snap)
		line.Status, line.Terminal = status.String(), status.Terminal()
		switch status {
		case graphs.PegInDepositorNotStarted:
			line.Step = StepDeposit
		case graphs.PegInDepositorConfirmAvailable:
			line.Step = StepConfirm
		case graphs.PegInDepositorRefundAvailable:
			line.Step = StepRefund
		}

	case c.cfg.Verifier != nil:
		snap, err := g.Snapshot(ctx, c.cfg.Chain)
		if err != nil {
			line.Status = err.Error()
			return []GraphStatus{line}
		}

		status := g.VerifierStatus(c.cfg.Verifier, snap)
		line.Status, line.Terminal = status.String(), status.Terminal()
		switch status {
		case graphs.PegInVerifierPushNonces:
			line.Signing = SigningPushNonces
		case graphs.PegInVerifierPreSign:
			line.Signing = SigningPreSign
		}

	case c.cfg.Operator != nil:
		id := graphs.PegOutGraphID(g.ID(), c.cfg.Operator.PublicKey())
		if _, ok := data.PegOutGraph(id); ok {
			return nil
		}
		line.Status = MissingPegOutGraph

	default:
		return nil
	}

	return []GraphStatus{line}
}

func (c *BitVMClient) pegOutStatus(ctx context.Context,
	g *graphs.PegOutGraph) (GraphStatus, bool) {

	line := GraphStatus{
		Kind:    KindPegOut,
		GraphID: g.ID(),
		PegInID: g.PegInGraphID(),
	}

	if c.cfg.Operator != nil &&
		!g.OperatorKey().IsEqual(c.cfg.Operator.PublicKey()) {

		return line, false
	}

	snap, err := c.pegOutSnapshot(ctx, g)
	if err != nil {
		line.Status = err.Error()
		return line, true
	}
	line.Paid = snap.Confirmed(transactions.PegOutName)

	switch {
	case c.cfg.Operator != nil:
		status := g.OperatorStatus(snap)
		line.Status, line.Terminal = status.String(), status.Terminal()
		line.Step = operatorSteps[status]

	case c.cfg.Verifier != nil:
		status := g.VerifierStatus(c.cfg.Verifier, snap)
		line.Status, line.Terminal = status.String(), status.Terminal()
		line.Step = verifierSteps[status]
		switch status {
		case graphs.PegOutVerifierPushNonces:
			line.Signing = SigningPushNonces
		case graphs.PegOutVerifierPreSign:
			line.Signing = SigningPreSign
		}

	default:
		status := g.DepositorStatus(snap)
		line.Status, line.Terminal = status.String(), status.Terminal()
	}

	return line, true
}

// operatorSteps maps operator statuses to the broadcast they ask for.
var operatorSteps = map[graphs.PegOutOperatorStatus]Step{
	graphs.PegOutOperatorStartPegOut:            StepPegOut,
	graphs.PegOutOperatorKickOff1Available:      StepKickOff1,
	graphs.PegOutOperatorStartTimeAvailable:     StepStartTime,
	graphs.PegOutOperatorKickOff2Available:      StepKickOff2,
	graphs.PegOutOperatorAssertInitialAvailable: StepAssertInitial,
	graphs.PegOutOperatorAssertCommit1Available: StepAssertCommit1,
	graphs.PegOutOperatorAssertCommit2Available: StepAssertCommit2,
	graphs.PegOutOperatorAssertFinalAvailable:   StepAssertFinal,
	graphs.PegOutOperatorTake1Available:         StepTake1,
	graphs.PegOutOperatorTake2Available:         StepTake2,
}

// verifierSteps maps verifier statuses to the broadcast they ask for.
var verifierSteps = map[graphs.PegOutVerifierStatus]Step{
	graphs.PegOutVerifierStartTimeTimeoutAvailable: StepStartTimeTimeout,
	graphs.PegOutVerifierKickOffTimeoutAvailable:   StepKickOffTimeout,
	graphs.PegOutVerifierDisproveChainAvailable:    StepDisproveChain,
	graphs.PegOutVerifierDisproveAvailable:         StepDisprove,
	graphs.PegOutVerifierBurnAvailable:             StepBurn,
	graphs.PegOutVerifierChallengeAvailable:        StepChallenge,
}
