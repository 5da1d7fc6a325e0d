package graphs

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bitvm/bridge/chain"
	"github.com/bitvm/bridge/connectors"
	"github.com/bitvm/bridge/contexts"
	"github.com/bitvm/bridge/params"
	"github.com/bitvm/bridge/transactions"
	"github.com/bitvm/bridge/winternitz"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Indexes of the operator graph transactions.
const (
	txKickOff1 = iota
	txStartTime
	txStartTimeTimeout
	txKickOff2
	txKickOffTimeout
	txChallenge
	txAssertInitial
	txAssertCommit1
	txAssertCommit2
	txAssertFinal
	txTake1
	txTake2
	txBurn
	txDisprove
	txDisproveChain

	numPegOutTxs
)

// pegOutTxNames maps transaction indexes to names.
var pegOutTxNames = [numPegOutTxs]string{
	transactions.KickOff1Name,
	transactions.StartTimeName,
	transactions.StartTimeTimeoutName,
	transactions.KickOff2Name,
	transactions.KickOffTimeoutName,
	transactions.ChallengeName,
	transactions.AssertInitialName,
	transactions.AssertCommit1Name,
	transactions.AssertCommit2Name,
	transactions.AssertFinalName,
	transactions.Take1Name,
	transactions.Take2Name,
	transactions.BurnName,
	transactions.DisproveName,
	transactions.DisproveChainName,
}

// Labels of the operator's Winternitz keys.
const (
	startTimeLabel   = "start_time"
	superblockLabel  = "superblock"
	commitment1Label = "commitment_1"
	commitment2Label = "commitment_2"
)

// PegOutGraphID derives the id of the graph operatorKey builds for a
// peg-in: the upper case hex sha256 of the peg-in id followed by the
// operator's compressed key in hex.
func PegOutGraphID(pegInID string, operatorKey *btcec.PublicKey) string {
	h := sha256.Sum256([]byte(
		pegInID + hex.EncodeToString(operatorKey.SerializeCompressed()),
	))

	return strings.ToUpper(hex.EncodeToString(h[:]))
}

// pegOutPayment is the operator's payment to a withdrawer together with the
// request it answers.
type pegOutPayment struct {
	request *transactions.WithdrawalRequest
	tx      *transactions.PreSignedTx
}

// PegOutGraph is an operator's claim on a peg-in: the kick off, the
// challenge and assert game and the ways the operator is reimbursed or
// slashed.
type PegOutGraph struct {
	version      string
	network      *chaincfg.Params
	id           string
	pegInGraphID string
	operatorKey  *btcec.PublicKey
	committee    *contexts.Committee
	pegInConfirm transactions.Input
	kickOffInput transactions.Input

	startTimeKey    winternitz.PublicKey
	superblockKey   winternitz.PublicKey
	commitment1Key  winternitz.PublicKey
	commitment2Key  winternitz.PublicKey
	disproveScripts [][]byte

	payment fn.Option[pegOutPayment]

	txs [numPegOutTxs]*transactions.PreSignedTx
}

// winternitzSecret derives the operator's Winternitz secret for label on
// the peg-in pegInID.
func winternitzSecret(op *contexts.OperatorContext, pegInID,
	label string) []byte {

	return winternitz.DeriveSecret(
		op.PrivateKey().Serialize(), pegInID+"/"+label,
	)
}

// NewPegOutGraph builds the operator's graph for pegIn, funded by
// kickOffInput, and signs the operator's part of it.
func NewPegOutGraph(ctx *contexts.OperatorContext, pegIn *PegInGraph,
	kickOffInput transactions.Input) (*PegOutGraph, error) {

	committee := pegIn.Committee()
	if !committee.AggregateKey().IsEqual(ctx.Committee().AggregateKey()) {
		return nil, fmt.Errorf("%w: peg-in %v was signed by another "+
			"committee", ErrInvariant, pegIn.ID())
	}

	pegInID := pegIn.ID()
	secret := func(label string) []byte {
		return winternitzSecret(ctx, pegInID, label)
	}

	g := &PegOutGraph{
		version:      params.GraphVersion,
		network:      pegIn.Network(),
		id:           PegOutGraphID(pegInID, ctx.PublicKey()),
		pegInGraphID: pegInID,
		operatorKey:  ctx.PublicKey(),
		committee:    committee,
		pegInConfirm: pegIn.ConfirmOutput(),
		kickOffInput: kickOffInput,
		startTimeKey: winternitz.GeneratePublicKey(
			connectors.StartTimeParams, secret(startTimeLabel),
		),
		superblockKey: winternitz.GeneratePublicKey(
			connectors.SuperblockParams, secret(superblockLabel),
		),
		commitment1Key: winternitz.GeneratePublicKey(
			connectors.CommitmentParams, secret(commitment1Label),
		),
		commitment2Key: winternitz.GeneratePublicKey(
			connectors.CommitmentParams, secret(commitment2Label),
		),
		disproveScripts: connectors.DefaultDisproveScripts(),
		payment:         fn.None[pegOutPayment](),
	}

	txs, err := g.rebuild()
	if err != nil {
		return nil, err
	}
	for _, tx := range txs {
		if err := tx.SignWith(ctx.PrivateKey()); err != nil {
			return nil, err
		}
	}
	copy(g.txs[:], txs)

	log.Debugf("Created peg-out graph %v for peg-in %v", g.id, pegInID)

	return g, nil
}

// pegOutParams returns the public parameters the graph is built from.
func (g *PegOutGraph) pegOutParams() *transactions.PegOutParams {
	return &transactions.PegOutParams{
		Network:         g.network,
		OperatorKey:     g.operatorKey,
		Committee:       g.committee,
		StartTimeKey:    g.startTimeKey,
		SuperblockKey:   g.superblockKey,
		Commitment1Key:  g.commitment1Key,
		Commitment2Key:  g.commitment2Key,
		DisproveScripts: g.disproveScripts,
		PegInConfirm:    g.pegInConfirm,
		KickOffInput:    g.kickOffInput,
	}
}

// rebuild derives the unsigned transactions from the graph parameters, in
// index order.
func (g *PegOutGraph) rebuild() ([]*transactions.PreSignedTx, error) {
	p := g.pegOutParams()

	c, err := transactions.NewPegOutConnectors(p)
	if err != nil {
		return nil, err
	}

	txs := make([]*transactions.PreSignedTx, numPegOutTxs)
	build := func(idx int, f func() (*transactions.PreSignedTx,
		error)) error {

		tx, err := f()
		if err != nil {
			return fmt.Errorf("unable to build %s: %w",
				pegOutTxNames[idx], err)
		}
		txs[idx] = tx

		return nil
	}
	out := func(idx int, vout uint32) transactions.Input {
		return txs[idx].Output(vout)
	}

	steps := []struct {
		idx int
		f   func() (*transactions.PreSignedTx, error)
	}{
		{txKickOff1, func() (*transactions.PreSignedTx, error) {
			return transactions.NewKickOff1ForValidation(p, c)
		}},
		{txStartTime, func() (*transactions.PreSignedTx, error) {
			return transactions.NewStartTimeForValidation(
				p, c, out(txKickOff1, 0),
			)
		}},
		{txStartTimeTimeout, func() (*transactions.PreSignedTx, error) {
			return transactions.NewStartTimeTimeoutForValidation(
				p, c, out(txKickOff1, 0),
			)
		}},
		{txKickOff2, func() (*transactions.PreSignedTx, error) {
			return transactions.NewKickOff2ForValidation(
				p, c, out(txKickOff1, 1), out(txStartTime, 0),
			)
		}},
		{txKickOffTimeout, func() (*transactions.PreSignedTx, error) {
			return transactions.NewKickOffTimeoutForValidation(
				p, c, out(txKickOff1, 1),
			)
		}},
		{txChallenge, func() (*transactions.PreSignedTx, error) {
			return transactions.NewChallengeForValidation(
				p, c, out(txKickOff2, 0),
			)
		}},
		{txAssertInitial, func() (*transactions.PreSignedTx, error) {
			return transactions.NewAssertInitialForValidation(
				p, c, out(txKickOff2, 1),
			)
		}},
		{txAssertCommit1, func() (*transactions.PreSignedTx, error) {
			return transactions.NewAssertCommit1ForValidation(
				p, c, out(txAssertInitial, 0),
			)
		}},
		{txAssertCommit2, func() (*transactions.PreSignedTx, error) {
			return transactions.NewAssertCommit2ForValidation(
				p, c, out(txAssertInitial, 1),
			)
		}},
		{txAssertFinal, func() (*transactions.PreSignedTx, error) {
			return transactions.NewAssertFinalForValidation(
				p, c, out(txAssertInitial, 2),
				out(txAssertCommit1, 0), out(txAssertCommit2, 0),
			)
		}},
		{txTake1, func() (*transactions.PreSignedTx, error) {
			return transactions.NewTake1ForValidation(
				p, c, [3]transactions.Input{
					out(txKickOff2, 0), out(txKickOff2, 1),
					out(txKickOff2, 2),
				},
			)
		}},
		{txTake2, func() (*transactions.PreSignedTx, error) {
			return transactions.NewTake2ForValidation(
				p, c, [2]transactions.Input{
					out(txAssertFinal, 0),
					out(txAssertFinal, 1),
				}, out(txKickOff2, 2),
			)
		}},
		{txBurn, func() (*transactions.PreSignedTx, error) {
			return transactions.NewBurnForValidation(
				p, c, out(txKickOff2, 1),
			)
		}},
		{txDisprove, func() (*transactions.PreSignedTx, error) {
			return transactions.NewDisproveForValidation(
				p, c, [2]transactions.Input{
					out(txAssertFinal, 0),
					out(txAssertFinal, 1),
				},
			)
		}},
		{txDisproveChain, func() (*transactions.PreSignedTx, error) {
			return transactions.NewDisproveChainForValidation(
				p, c, out(txKickOff2, 2),
			)
		}},
	}
	for _, step := range steps {
		if err := build(step.idx, step.f); err != nil {
			return nil, err
		}
	}

	return txs, nil
}

// ID is derived from the peg-in id and the operator key, see PegOutGraphID.
func (g *PegOutGraph) ID() string {
	return g.id
}

// PegInGraphID is the id of the peg-in the graph claims.
func (g *PegOutGraph) PegInGraphID() string {
	return g.pegInGraphID
}

// Network returns the chain the graph lives on.
func (g *PegOutGraph) Network() *chaincfg.Params {
	return g.network
}

// OperatorKey returns the key of the operator owning the graph.
func (g *PegOutGraph) OperatorKey() *btcec.PublicKey {
	return g.operatorKey
}

// Committee returns the verifier roster of the graph.
func (g *PegOutGraph) Committee() *contexts.Committee {
	return g.committee
}

// PegInConfirm is the peg-in output the operator is reimbursed from.
func (g *PegOutGraph) PegInConfirm() transactions.Input {
	return g.pegInConfirm
}

// Withdrawal returns the peg-out request the graph answers, if any.
func (g *PegOutGraph) Withdrawal() fn.Option[*transactions.WithdrawalRequest] {
	return fn.MapOption(func(p pegOutPayment) *transactions.WithdrawalRequest {
		return p.request
	})(g.payment)
}

// Tx returns the graph transaction called name.
func (g *PegOutGraph) Tx(name string) (*transactions.PreSignedTx, bool) {
	for _, tx := range g.txs {
		if tx.Name() == name {
			return tx, true
		}
	}

	if name == transactions.PegOutName {
		payment, err := g.payment.UnwrapOrErr(ErrInvariant)
		if err != nil {
			return nil, false
		}

		return payment.tx, true
	}

	return nil, false
}

// AttachWithdrawal builds and signs the operator's payment answering req.
// Attaching the same request twice is a no-op.
func (g *PegOutGraph) AttachWithdrawal(op *contexts.OperatorContext,
	req *transactions.WithdrawalRequest) error {

	if err := g.checkOperator(op); err != nil {
		return err
	}

	tx, err := transactions.NewPegOut(op, req)
	if err != nil {
		return err
	}

	if g.payment.IsSome() {
		current := g.payment.UnsafeFromSome()
		if current.tx.TxID() == tx.TxID() {
			return nil
		}

		return fmt.Errorf("%w: peg-out %v already answers a "+
			"withdrawal", ErrInvariant, g.id)
	}

	g.payment = fn.Some(pegOutPayment{request: req, tx: tx})

	log.Infof("Attached withdrawal of %v to peg-out %v", req.Amount, g.id)

	return nil
}

// checkOperator fails unless op owns the graph.
func (g *PegOutGraph) checkOperator(op *contexts.OperatorContext) error {
	if !op.PublicKey().IsEqual(g.operatorKey) {
		return fmt.Errorf("%w: %v", ErrWrongOperator, g.id)
	}

	return nil
}

// Validate rebuilds the graph from its parameters and checks the id and
// every stored transaction, with its nonces and signatures. On success the
// graph is ready for signing and broadcasting.
func (g *PegOutGraph) Validate() error {
	if want := PegOutGraphID(g.pegInGraphID, g.operatorKey); g.id != want {
		return fmt.Errorf("%w: peg-out id %v, want %v",
			ErrInvalidGraph, g.id, want)
	}

	rebuilt, err := g.rebuild()
	if err != nil {
		return fmt.Errorf("%w: peg-out %v: %w", ErrInvalidGraph, g.id,
			err)
	}
	if err := loadTxs(g.id, rebuilt, g.txs[:]); err != nil {
		return err
	}

	payment := g.payment
	if g.payment.IsSome() {
		stored := g.payment.UnsafeFromSome()

		tx, err := transactions.NewPegOutForValidation(
			g.operatorKey, g.committee, stored.request,
		)
		if err != nil {
			return fmt.Errorf("%w: peg-out %v: %w",
				ErrInvalidGraph, g.id, err)
		}
		err = loadTxs(
			g.id, []*transactions.PreSignedTx{tx},
			[]*transactions.PreSignedTx{stored.tx},
		)
		if err != nil {
			return err
		}

		payment = fn.Some(pegOutPayment{
			request: stored.request,
			tx:      tx,
		})
	}

	copy(g.txs[:], rebuilt)
	g.payment = payment

	return nil
}

// Merge adds the signing data of other, a copy of the same graph, and its
// withdrawal if g has none. On conflict g is left untouched.
func (g *PegOutGraph) Merge(other *PegOutGraph) error {
	if g.id != other.id {
		return fmt.Errorf("%w: merging peg-out %v into %v",
			ErrInvariant, other.id, g.id)
	}

	merged, err := mergeTxs(g.txs[:], other.txs[:])
	if err != nil {
		return fmt.Errorf("peg-out %v: %w", g.id, err)
	}

	payment, err := mergePayments(g.payment, other.payment)
	if err != nil {
		return fmt.Errorf("peg-out %v: %w", g.id, err)
	}

	copy(g.txs[:], merged)
	g.payment = payment

	return nil
}

// mergePayments merges two optional payments.
func mergePayments(ours, theirs fn.Option[pegOutPayment]) (
	fn.Option[pegOutPayment], error) {

	if theirs.IsNone() {
		return ours, nil
	}
	their := theirs.UnsafeFromSome()

	if ours.IsNone() {
		return fn.Some(pegOutPayment{
			request: their.request,
			tx:      their.tx.Clone(),
		}), nil
	}
	our := ours.UnsafeFromSome()

	tx := our.tx.Clone()
	if err := tx.Merge(their.tx); err != nil {
		return ours, err
	}

	return fn.Some(pegOutPayment{request: our.request, tx: tx}), nil
}

// Clone returns a deep copy.
func (g *PegOutGraph) Clone() *PegOutGraph {
	c := *g
	copy(c.txs[:], cloneTxs(g.txs[:]))
	c.payment = fn.MapOption(func(p pegOutPayment) pegOutPayment {
		return pegOutPayment{request: p.request, tx: p.tx.Clone()}
	})(g.payment)

	return &c
}

// PushNonces adds v's public nonces to every committee input and returns
// the matching secrets.
func (g *PegOutGraph) PushNonces(v *contexts.VerifierContext) (SecretNonces,
	error) {

	txs, secrets, err := pushNonces(v, g.txs[:])
	if err != nil {
		return nil, fmt.Errorf("peg-out %v: %w", g.id, err)
	}
	copy(g.txs[:], txs)

	return secrets, nil
}

// PreSign adds v's partial signatures using the secrets from PushNonces.
// Consumed secrets are removed from secrets.
func (g *PegOutGraph) PreSign(v *contexts.VerifierContext,
	secrets SecretNonces) error {

	txs, err := preSign(v, g.txs[:], secrets)
	if err != nil {
		return fmt.Errorf("peg-out %v: %w", g.id, err)
	}
	copy(g.txs[:], txs)

	return nil
}

// IsPreSigned reports whether the whole committee signed every committee
// input of the graph.
func (g *PegOutGraph) IsPreSigned() bool {
	return allPreSigned(g.txs[:])
}

// Snapshot samples the chain state of the graph transactions and of the
// peg-in confirm the graph is reimbursed from.
func (g *PegOutGraph) Snapshot(ctx context.Context,
	c chain.Client) (*ChainSnapshot, error) {

	watched := []watchedTx{{
		name: transactions.PegInConfirmName,
		txid: g.pegInConfirm.Outpoint.Hash,
	}}
	for _, idx := range []int{
		txKickOff1, txStartTime, txKickOff2, txAssertInitial,
		txAssertCommit1, txAssertCommit2, txAssertFinal, txTake1,
		txTake2,
	} {
		watched = append(watched, watchedTx{
			name: pegOutTxNames[idx],
			txid: g.txs[idx].TxID(),
		})
	}
	g.payment.WhenSome(func(p pegOutPayment) {
		watched = append(watched, watchedTx{
			name: transactions.PegOutName,
			txid: p.tx.TxID(),
		})
	})

	anchor := func(idx int, alternatives ...int) anchoredTx {
		names := make([]string, len(alternatives))
		for i, alt := range alternatives {
			names[i] = pegOutTxNames[alt]
		}

		return anchoredTx{
			name:         pegOutTxNames[idx],
			anchor:       g.txs[idx].Tx.TxIn[0].PreviousOutPoint,
			alternatives: names,
		}
	}
	anchored := []anchoredTx{
		anchor(txStartTimeTimeout, txStartTime),
		anchor(txKickOffTimeout, txKickOff2),
		anchor(txChallenge, txTake1),
		anchor(txBurn, txAssertInitial, txTake1),
		anchor(txDisprove, txTake2),
		anchor(txDisproveChain, txTake1, txTake2),
	}

	return sampleChain(ctx, c, watched, anchored)
}

// reimbursed reports whether the operator took the peg-in.
func reimbursed(snap *ChainSnapshot) bool {
	return snap.Confirmed(transactions.Take1Name) ||
		snap.Confirmed(transactions.Take2Name)
}

// slashed reports whether the committee slashed the operator.
func slashed(snap *ChainSnapshot) bool {
	for _, name := range []string{
		transactions.StartTimeTimeoutName,
		transactions.KickOffTimeoutName,
		transactions.BurnName,
		transactions.DisproveName,
		transactions.DisproveChainName,
	} {
		if snap.Confirmed(name) {
			return true
		}
	}

	return false
}

// operatorStep is a transaction the operator broadcasts once the previous
// step confirmed.
type operatorStep struct {
	name   string
	status PegOutOperatorStatus
}

// walkSteps returns the status of the first unconfirmed step, or false if
// every step confirmed.
func walkSteps(snap *ChainSnapshot, steps []operatorStep) (
	PegOutOperatorStatus, bool) {

	for _, step := range steps {
		switch {
		case !snap.Known(step.name):
			return step.status, true
		case !snap.Confirmed(step.name):
			return PegOutOperatorWait, true
		}
	}

	return 0, false
}

// OperatorStatus returns the operator's next step.
func (g *PegOutGraph) OperatorStatus(
	snap *ChainSnapshot) PegOutOperatorStatus {

	switch {
	case reimbursed(snap):
		return PegOutOperatorComplete
	case slashed(snap):
		return PegOutOperatorFailed
	case !g.IsPreSigned():
		return PegOutOperatorPresignPending
	case g.payment.IsNone():
		return PegOutOperatorPegOutWait
	}

	status, pending := walkSteps(snap, []operatorStep{
		{transactions.PegOutName, PegOutOperatorStartPegOut},
		{transactions.KickOff1Name, PegOutOperatorKickOff1Available},
		{transactions.StartTimeName, PegOutOperatorStartTimeAvailable},
	})
	if pending {
		return status
	}

	if !snap.Known(transactions.KickOff2Name) {
		if snap.Matured(transactions.KickOff1Name,
			connectors.KickOff2Timelock(g.network)) {

			return PegOutOperatorKickOff2Available
		}

		return PegOutOperatorWait
	}
	if !snap.Confirmed(transactions.KickOff2Name) {
		return PegOutOperatorWait
	}

	if snap.Confirmed(transactions.ChallengeName) ||
		snap.Known(transactions.AssertInitialName) {

		status, pending := walkSteps(snap, []operatorStep{
			{
				transactions.AssertInitialName,
				PegOutOperatorAssertInitialAvailable,
			},
			{
				transactions.AssertCommit1Name,
				PegOutOperatorAssertCommit1Available,
			},
			{
				transactions.AssertCommit2Name,
				PegOutOperatorAssertCommit2Available,
			},
			{
				transactions.AssertFinalName,
				PegOutOperatorAssertFinalAvailable,
			},
		})
		if pending {
			return status
		}

		if !snap.Known(transactions.Take2Name) &&
			snap.Matured(transactions.AssertFinalName,
				connectors.Take2Timelock(g.network)) {

			return PegOutOperatorTake2Available
		}

		return PegOutOperatorWait
	}

	if !snap.Known(transactions.ChallengeName) &&
		!snap.Known(transactions.Take1Name) &&
		snap.Matured(transactions.KickOff2Name,
			connectors.Take1Timelock(g.network)) {

		return PegOutOperatorTake1Available
	}

	return PegOutOperatorWait
}

// VerifierStatus returns v's next step.
func (g *PegOutGraph) VerifierStatus(v *contexts.VerifierContext,
	snap *ChainSnapshot) PegOutVerifierStatus {

	if reimbursed(snap) || slashed(snap) {
		return PegOutVerifierComplete
	}

	hasNonces, noncesComplete, hasPartials := verifierProgress(g.txs[:], v)
	switch {
	case !hasNonces:
		return PegOutVerifierPushNonces
	case !noncesComplete:
		return PegOutVerifierWait
	case !hasPartials:
		return PegOutVerifierPreSign
	case !g.IsPreSigned():
		return PegOutVerifierWait
	}

	var (
		net      = g.network
		kickOff1 = snap.Confirmed(transactions.KickOff1Name)
		kickOff2 = snap.Confirmed(transactions.KickOff2Name)
		taken    = snap.Known(transactions.Take1Name) ||
			snap.Known(transactions.Take2Name)
	)

	switch {
	case kickOff1 && !snap.Known(transactions.StartTimeName) &&
		!snap.Known(transactions.StartTimeTimeoutName) &&
		snap.Matured(transactions.KickOff1Name,
			connectors.StartTimeTimeout(net)):

		return PegOutVerifierStartTimeTimeoutAvailable

	case kickOff1 && !snap.Known(transactions.KickOff2Name) &&
		!snap.Known(transactions.KickOffTimeoutName) &&
		snap.Matured(transactions.KickOff1Name,
			connectors.KickOffTimeout(net)):

		return PegOutVerifierKickOffTimeoutAvailable

	case kickOff2 && snap.SuperblockInvalid && !taken &&
		!snap.Known(transactions.DisproveChainName):

		return PegOutVerifierDisproveChainAvailable

	case snap.Confirmed(transactions.AssertFinalName) && !taken &&
		!snap.Known(transactions.DisproveName) &&
		!snap.Matured(transactions.AssertFinalName,
			connectors.Take2Timelock(net)):

		return PegOutVerifierDisproveAvailable

	case kickOff2 && !taken &&
		!snap.Known(transactions.AssertInitialName) &&
		!snap.Known(transactions.BurnName) &&
		snap.Matured(transactions.KickOff2Name,
			connectors.BurnTimelock(net)):

		return PegOutVerifierBurnAvailable

	case kickOff2 && !taken &&
		!snap.Known(transactions.ChallengeName) &&
		!snap.Matured(transactions.KickOff2Name,
			connectors.Take1Timelock(net)):

		return PegOutVerifierChallengeAvailable
	}

	return PegOutVerifierWait
}

// DepositorStatus returns the withdrawer's view of the peg-out.
func (g *PegOutGraph) DepositorStatus(
	snap *ChainSnapshot) PegOutDepositorStatus {

	switch {
	case g.payment.IsNone():
		return PegOutDepositorNotStarted
	case !snap.Confirmed(transactions.PegOutName):
		return PegOutDepositorWait
	default:
		return PegOutDepositorComplete
	}
}

// CommittedStartTime reads the start time the operator committed to in the
// start time transaction.
func (g *PegOutGraph) CommittedStartTime(ctx context.Context,
	c chain.Client) (uint32, error) {

	msg, err := g.readCommitment(
		ctx, c, txStartTime, connectors.StartTimeParams,
		g.startTimeKey,
	)
	if err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint32(msg), nil
}

// CommittedSuperblock reads the superblock hash the operator committed to
// in kick off 2.
func (g *PegOutGraph) CommittedSuperblock(ctx context.Context,
	c chain.Client) (chainhash.Hash, error) {

	var hash chainhash.Hash

	msg, err := g.readCommitment(
		ctx, c, txKickOff2, connectors.SuperblockParams,
		g.superblockKey,
	)
	if err != nil {
		return hash, err
	}
	copy(hash[:], msg)

	return hash, nil
}

// readCommitment verifies and decodes the Winternitz signature in input 0
// of a broadcast graph transaction.
func (g *PegOutGraph) readCommitment(ctx context.Context, c chain.Client,
	idx int, p winternitz.Params,
	pk winternitz.PublicKey) ([]byte, error) {

	tx, err := c.GetRawTx(ctx, g.txs[idx].TxID())
	if err != nil {
		return nil, err
	}

	// Operator signature, Winternitz items, leaf script, control block.
	witness := tx.TxIn[0].Witness
	if len(witness) < 3 {
		return nil, fmt.Errorf("%w: %s input 0 has %d items",
			winternitz.ErrMalformedWitness, pegOutTxNames[idx],
			len(witness))
	}

	sig, err := winternitz.SignatureFromWitness(
		p, witness[1:len(witness)-2],
	)
	if err != nil {
		return nil, err
	}

	return winternitz.Verify(p, pk, sig)
}

// sign returns the Winternitz witness items committing to msg under the
// operator key called label.
func (g *PegOutGraph) sign(op *contexts.OperatorContext, label string,
	p winternitz.Params, msg []byte) ([][]byte, error) {

	if err := g.checkOperator(op); err != nil {
		return nil, err
	}

	sig, err := winternitz.Sign(
		p, winternitzSecret(op, g.pegInGraphID, label), msg,
	)
	if err != nil {
		return nil, err
	}

	return sig.Witness(), nil
}

// pegOutGraphJSON is the serialized form of a PegOutGraph.
type pegOutGraphJSON struct {
	Version         string                               `json:"version"`
	Network         string                               `json:"network"`
	ID              string                               `json:"id"`
	PegInGraphID    string                               `json:"peg_in_graph_id"`
	OperatorKey     string                               `json:"operator_public_key"`
	Committee       []string                             `json:"n_of_n_public_keys"`
	PegInConfirm    transactions.Input                   `json:"peg_in_confirm_input"`
	KickOffInput    transactions.Input                   `json:"kick_off_input"`
	StartTimeKey    winternitz.PublicKey                 `json:"start_time_public_key"`
	SuperblockKey   winternitz.PublicKey                 `json:"superblock_public_key"`
	Commitment1Key  winternitz.PublicKey                 `json:"commitment_1_public_key"`
	Commitment2Key  winternitz.PublicKey                 `json:"commitment_2_public_key"`
	DisproveScripts []string                             `json:"disprove_scripts"`
	Withdrawal      *transactions.WithdrawalRequest      `json:"withdrawal,omitempty"`
	PegOut          *transactions.PreSignedTx            `json:"peg_out,omitempty"`
	Transactions    map[string]*transactions.PreSignedTx `json:"transactions"`
}

// MarshalJSON encodes the graph.
func (g *PegOutGraph) MarshalJSON() ([]byte, error) {
	raw := pegOutGraphJSON{
		Version:      g.version,
		Network:      g.network.Name,
		ID:           g.id,
		PegInGraphID: g.pegInGraphID,
		OperatorKey: hex.EncodeToString(
			g.operatorKey.SerializeCompressed(),
		),
		Committee:       g.committee.HexKeys(),
		PegInConfirm:    g.pegInConfirm,
		KickOffInput:    g.kickOffInput,
		StartTimeKey:    g.startTimeKey,
		SuperblockKey:   g.superblockKey,
		Commitment1Key:  g.commitment1Key,
		Commitment2Key:  g.commitment2Key,
		DisproveScripts: make([]string, len(g.disproveScripts)),
		Transactions: make(
			map[string]*transactions.PreSignedTx, numPegOutTxs,
		),
	}
	for i, script := range g.disproveScripts {
		raw.DisproveScripts[i] = hex.EncodeToString(script)
	}
	for i, tx := range g.txs {
		raw.Transactions[pegOutTxNames[i]] = tx
	}
	g.payment.WhenSome(func(p pegOutPayment) {
		raw.Withdrawal = p.request
		raw.PegOut = p.tx
	})

	return json.Marshal(raw)
}

// UnmarshalJSON decodes a graph written by MarshalJSON. The graph must pass
// Validate before it is used.
func (g *PegOutGraph) UnmarshalJSON(b []byte) error {
	var raw pegOutGraphJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	net, ok := params.NetworkByName(raw.Network)
	if !ok {
		return fmt.Errorf("unknown network %q", raw.Network)
	}
	operatorKey, err := parsePubKey(raw.OperatorKey)
	if err != nil {
		return fmt.Errorf("operator key: %w", err)
	}
	committee, err := contexts.NewCommitteeFromHex(raw.Committee)
	if err != nil {
		return err
	}

	scripts := make([][]byte, len(raw.DisproveScripts))
	for i, script := range raw.DisproveScripts {
		if scripts[i], err = hex.DecodeString(script); err != nil {
			return fmt.Errorf("disprove script %d: %w", i, err)
		}
	}

	decoded := PegOutGraph{
		version:         raw.Version,
		network:         net,
		id:              raw.ID,
		pegInGraphID:    raw.PegInGraphID,
		operatorKey:     operatorKey,
		committee:       committee,
		pegInConfirm:    raw.PegInConfirm,
		kickOffInput:    raw.KickOffInput,
		startTimeKey:    raw.StartTimeKey,
		superblockKey:   raw.SuperblockKey,
		commitment1Key:  raw.Commitment1Key,
		commitment2Key:  raw.Commitment2Key,
		disproveScripts: scripts,
		payment:         fn.None[pegOutPayment](),
	}
	for i, name := range pegOutTxNames {
		tx, ok := raw.Transactions[name]
		if !ok || tx == nil {
			return fmt.Errorf("%w: peg-out %v is missing %s",
				ErrInvalidGraph, raw.ID, name)
		}
		tx.SetName(name)
		decoded.txs[i] = tx
	}
	if len(raw.Transactions) != numPegOutTxs {
		return fmt.Errorf("%w: peg-out %v has %d transactions",
			ErrInvalidGraph, raw.ID, len(raw.Transactions))
	}

	switch {
	case raw.Withdrawal != nil && raw.PegOut != nil:
		raw.PegOut.SetName(transactions.PegOutName)
		decoded.payment = fn.Some(pegOutPayment{
			request: raw.Withdrawal,
			tx:      raw.PegOut,
		})

	case raw.Withdrawal != nil || raw.PegOut != nil:
		return fmt.Errorf("%w: peg-out %v has a withdrawal without "+
			"its payment", ErrInvalidGraph, raw.ID)
	}

	*g = decoded

	return nil
}
