package transactions

import (
	"fmt"

	"github.com/bitvm/bridge/connectors"
	"github.com/bitvm/bridge/contexts"
	"github.com/bitvm/bridge/params"
	"github.com/bitvm/bridge/winternitz"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Names of the peg-out graph transactions.
const (
	KickOff1Name         = "kick_off_1"
	StartTimeName        = "start_time"
	StartTimeTimeoutName = "start_time_timeout"
	KickOff2Name         = "kick_off_2"
	KickOffTimeoutName   = "kick_off_timeout"
	ChallengeName        = "challenge"
	AssertInitialName    = "assert_initial"
	AssertCommit1Name    = "assert_commit_1"
	AssertCommit2Name    = "assert_commit_2"
	AssertFinalName      = "assert_final"
	Take1Name            = "take_1"
	Take2Name            = "take_2"
	BurnName             = "burn"
	DisproveName         = "disprove"
	DisproveChainName    = "disprove_chain"
)

// PegOutParams are the public parameters every operator graph transaction
// is derived from.
type PegOutParams struct {
	Network     *chaincfg.Params
	OperatorKey *btcec.PublicKey
	Committee   *contexts.Committee

	StartTimeKey   winternitz.PublicKey
	SuperblockKey  winternitz.PublicKey
	Commitment1Key winternitz.PublicKey
	Commitment2Key winternitz.PublicKey

	DisproveScripts [][]byte

	// PegInConfirm is output 0 of the peg-in confirm the operator will
	// be reimbursed from.
	PegInConfirm Input

	// KickOffInput is the operator output funding kick off 1.
	KickOffInput Input
}

// PegOutConnectors are the outputs created along an operator graph.
type PegOutConnectors struct {
	C0  *connectors.Connector0
	C1  *connectors.Connector1
	C2  *connectors.Connector2
	C3  *connectors.Connector3
	C4  *connectors.Connector4
	C5  *connectors.Connector5
	C6a *connectors.Connector6
	C6b *connectors.Connector6
	C7  *connectors.Connector7
	CC  *connectors.ConnectorC
}

// NewPegOutConnectors derives the operator graph connectors.
func NewPegOutConnectors(p *PegOutParams) (*PegOutConnectors, error) {
	var (
		c   PegOutConnectors
		err error
		net = p.Network
		op  = p.OperatorKey
		n   = p.Committee.AggregateKey()
	)

	if c.C0, err = connectors.NewConnector0(net, n); err != nil {
		return nil, err
	}
	c.C1, err = connectors.NewConnector1(net, op, n, p.StartTimeKey)
	if err != nil {
		return nil, err
	}
	c.C2, err = connectors.NewConnector2(net, op, n, p.SuperblockKey)
	if err != nil {
		return nil, err
	}
	if c.C3, err = connectors.NewConnector3(net, op); err != nil {
		return nil, err
	}
	if c.C4, err = connectors.NewConnector4(net, op, n); err != nil {
		return nil, err
	}
	if c.C5, err = connectors.NewConnector5(net, op, n); err != nil {
		return nil, err
	}
	c.C6a, err = connectors.NewConnector6(net, op, p.Commitment1Key)
	if err != nil {
		return nil, err
	}
	c.C6b, err = connectors.NewConnector6(net, op, p.Commitment2Key)
	if err != nil {
		return nil, err
	}
	if c.C7, err = connectors.NewConnector7(net, op, n); err != nil {
		return nil, err
	}
	c.CC, err = connectors.NewConnectorC(net, op, p.DisproveScripts)
	if err != nil {
		return nil, err
	}

	return &c, nil
}

// operatorOutput pays amount to the operator's key path address.
func operatorOutput(key *btcec.PublicKey, amount btcutil.Amount) (
	*wire.TxOut, error) {

	pkScript, err := connectors.KeyPathScript(key)
	if err != nil {
		return nil, err
	}

	return wire.NewTxOut(int64(amount), pkScript), nil
}

// burnOutput is output 0 of every committee slashing transaction: the
// burnt part of total. The broadcaster appends its reward as output 1.
func burnOutput(total btcutil.Amount, name string) (*wire.TxOut, error) {
	_, burn := params.Reward(total)
	if burn <= 0 {
		return nil, fmt.Errorf("%w: %s cannot burn %v",
			ErrInsufficientFunds, name, total)
	}

	return wire.NewTxOut(int64(burn), connectors.BurnScript()), nil
}

// NewKickOff1ForValidation builds kick off 1, opening the operator's claim.
func NewKickOff1ForValidation(p *PegOutParams,
	c *PegOutConnectors) (*PreSignedTx, error) {

	tx := newPreSignedTx(KickOff1Name, p.Committee)

	rest := p.KickOffInput.Amount - params.DustAmount - params.FeeAmount
	if rest < 2*params.DustAmount+3*params.FeeAmount {
		return nil, fmt.Errorf("%w: kick off input of %v",
			ErrInsufficientFunds, p.KickOffInput.Amount)
	}

	err := tx.addKeyInput(
		p.OperatorKey, p.KickOffInput, txscript.SigHashDefault,
	)
	if err != nil {
		return nil, err
	}
	tx.addOutput(c.C1.TxOut(params.DustAmount))
	tx.addOutput(c.C2.TxOut(rest))

	return tx, nil
}

// NewStartTimeForValidation builds start time, committing the operator's
// start timestamp.
func NewStartTimeForValidation(p *PegOutParams, c *PegOutConnectors,
	kickOff1 Input) (*PreSignedTx, error) {

	tx := newPreSignedTx(StartTimeName, p.Committee)

	amount, err := spendable(kickOff1, tx.name)
	if err != nil {
		return nil, err
	}

	err = tx.addLeafInput(
		c.C1.TaprootConnector, connectors.StartTimeLeaf, kickOff1,
		txscript.SigHashDefault, KeySlot(p.OperatorKey), ExtraSlot(),
	)
	if err != nil {
		return nil, err
	}

	out, err := operatorOutput(p.OperatorKey, btcutil.Amount(amount))
	if err != nil {
		return nil, err
	}
	tx.addOutput(out)

	return tx, nil
}

// NewStartTimeTimeoutForValidation builds the committee's punishment for an
// operator that never committed its start time.
func NewStartTimeTimeoutForValidation(p *PegOutParams, c *PegOutConnectors,
	kickOff1 Input) (*PreSignedTx, error) {

	tx := newPreSignedTx(StartTimeTimeoutName, p.Committee)

	err := tx.addLeafInput(
		c.C1.TaprootConnector, connectors.StartTimeTimeoutLeaf,
		kickOff1, txscript.SigHashSingle, CommitteeSlot(),
	)
	if err != nil {
		return nil, err
	}

	out, err := burnOutput(kickOff1.Amount, tx.name)
	if err != nil {
		return nil, err
	}
	tx.addOutput(out)

	return tx, nil
}

// NewKickOff2ForValidation builds kick off 2, committing the superblock and
// creating the challenge, bond and take connectors.
func NewKickOff2ForValidation(p *PegOutParams, c *PegOutConnectors,
	kickOff1, startTime Input) (*PreSignedTx, error) {

	tx := newPreSignedTx(KickOff2Name, p.Committee)

	total := kickOff1.Amount + startTime.Amount
	bond := total - 2*params.DustAmount - params.FeeAmount
	if bond <= params.DustAmount {
		return nil, fmt.Errorf("%w: kick off 2 inputs of %v",
			ErrInsufficientFunds, total)
	}

	err := tx.addLeafInput(
		c.C2.TaprootConnector, connectors.KickOff2Leaf, kickOff1,
		txscript.SigHashDefault, KeySlot(p.OperatorKey), ExtraSlot(),
	)
	if err != nil {
		return nil, err
	}
	err = tx.addKeyInput(
		p.OperatorKey, startTime, txscript.SigHashDefault,
	)
	if err != nil {
		return nil, err
	}

	tx.addOutput(c.C3.TxOut(params.DustAmount))
	tx.addOutput(c.C4.TxOut(bond))
	tx.addOutput(c.C5.TxOut(params.DustAmount))

	return tx, nil
}

// NewKickOffTimeoutForValidation builds the committee's punishment for an
// operator that never sent kick off 2.
func NewKickOffTimeoutForValidation(p *PegOutParams, c *PegOutConnectors,
	kickOff1 Input) (*PreSignedTx, error) {

	tx := newPreSignedTx(KickOffTimeoutName, p.Committee)

	err := tx.addLeafInput(
		c.C2.TaprootConnector, connectors.KickOffTimeoutLeaf, kickOff1,
		txscript.SigHashSingle, CommitteeSlot(),
	)
	if err != nil {
		return nil, err
	}

	out, err := burnOutput(kickOff1.Amount, tx.name)
	if err != nil {
		return nil, err
	}
	tx.addOutput(out)

	return tx, nil
}

// NewChallengeForValidation builds the challenge. The operator signs its
// input with SINGLE|ANYONECANPAY so challengers can add the inputs paying
// the fee.
func NewChallengeForValidation(p *PegOutParams, c *PegOutConnectors,
	kickOff2 Input) (*PreSignedTx, error) {

	tx := newPreSignedTx(ChallengeName, p.Committee)

	err := tx.addLeafInput(
		c.C3.TaprootConnector, connectors.ChallengeLeaf, kickOff2,
		txscript.SigHashSingle|txscript.SigHashAnyOneCanPay,
		KeySlot(p.OperatorKey),
	)
	if err != nil {
		return nil, err
	}

	out, err := operatorOutput(p.OperatorKey, kickOff2.Amount)
	if err != nil {
		return nil, err
	}
	tx.addOutput(out)

	return tx, nil
}

// NewAssertInitialForValidation builds assert initial, splitting the bond
// into the two commitment connectors.
func NewAssertInitialForValidation(p *PegOutParams, c *PegOutConnectors,
	bond Input) (*PreSignedTx, error) {

	tx := newPreSignedTx(AssertInitialName, p.Committee)

	rest := bond.Amount - 2*params.DustAmount - params.FeeAmount
	if rest <= params.FeeAmount {
		return nil, fmt.Errorf("%w: bond of %v", ErrInsufficientFunds,
			bond.Amount)
	}

	err := tx.addLeafInput(
		c.C4.TaprootConnector, connectors.AssertLeaf, bond,
		txscript.SigHashDefault, KeySlot(p.OperatorKey),
	)
	if err != nil {
		return nil, err
	}

	tx.addOutput(c.C6a.TxOut(params.DustAmount))
	tx.addOutput(c.C6b.TxOut(params.DustAmount))

	out, err := operatorOutput(p.OperatorKey, rest)
	if err != nil {
		return nil, err
	}
	tx.addOutput(out)

	return tx, nil
}

// newAssertCommitForValidation builds one of the two assert commitments.
func newAssertCommitForValidation(name string, p *PegOutParams,
	conn *connectors.Connector6, in Input) (*PreSignedTx, error) {

	tx := newPreSignedTx(name, p.Committee)

	amount, err := spendable(in, tx.name)
	if err != nil {
		return nil, err
	}

	err = tx.addLeafInput(
		conn.TaprootConnector, 0, in, txscript.SigHashDefault,
		KeySlot(p.OperatorKey), ExtraSlot(),
	)
	if err != nil {
		return nil, err
	}

	out, err := operatorOutput(p.OperatorKey, btcutil.Amount(amount))
	if err != nil {
		return nil, err
	}
	tx.addOutput(out)

	return tx, nil
}

// NewAssertCommit1ForValidation builds the first assert commitment.
func NewAssertCommit1ForValidation(p *PegOutParams, c *PegOutConnectors,
	in Input) (*PreSignedTx, error) {

	return newAssertCommitForValidation(AssertCommit1Name, p, c.C6a, in)
}

// NewAssertCommit2ForValidation builds the second assert commitment.
func NewAssertCommit2ForValidation(p *PegOutParams, c *PegOutConnectors,
	in Input) (*PreSignedTx, error) {

	return newAssertCommitForValidation(AssertCommit2Name, p, c.C6b, in)
}

// NewAssertFinalForValidation builds assert final, gathering the assert
// outputs into connectors 7 and C.
func NewAssertFinalForValidation(p *PegOutParams, c *PegOutConnectors,
	initial, commit1, commit2 Input) (*PreSignedTx, error) {

	tx := newPreSignedTx(AssertFinalName, p.Committee)

	total := initial.Amount + commit1.Amount + commit2.Amount
	rest := total - params.DustAmount - params.FeeAmount
	if rest <= params.FeeAmount {
		return nil, fmt.Errorf("%w: assert final inputs of %v",
			ErrInsufficientFunds, total)
	}

	for _, in := range []Input{initial, commit1, commit2} {
		err := tx.addKeyInput(p.OperatorKey, in, txscript.SigHashDefault)
		if err != nil {
			return nil, err
		}
	}

	tx.addOutput(c.C7.TxOut(rest))
	tx.addOutput(c.CC.TxOut(params.DustAmount))

	return tx, nil
}

// NewTake1ForValidation builds take 1, reimbursing an unchallenged
// operator.
func NewTake1ForValidation(p *PegOutParams, c *PegOutConnectors,
	kickOff2 [3]Input) (*PreSignedTx, error) {

	tx := newPreSignedTx(Take1Name, p.Committee)

	err := tx.addLeafInput(
		c.C0.TaprootConnector, 0, p.PegInConfirm, txscript.SigHashAll,
		CommitteeSlot(),
	)
	if err != nil {
		return nil, err
	}

	op := KeySlot(p.OperatorKey)
	inputs := []struct {
		conn *connectors.TaprootConnector
		leaf int
	}{
		{c.C3.TaprootConnector, connectors.Take1TimelockLeaf},
		{c.C4.TaprootConnector, connectors.AssertLeaf},
		{c.C5.TaprootConnector, connectors.TakeLeaf},
	}
	for i, in := range inputs {
		err := tx.addLeafInput(
			in.conn, in.leaf, kickOff2[i], txscript.SigHashDefault,
			op,
		)
		if err != nil {
			return nil, err
		}
	}

	return tx, takeOutput(tx, p)
}

// NewTake2ForValidation builds take 2, reimbursing an operator whose
// assertion was not disproven.
func NewTake2ForValidation(p *PegOutParams, c *PegOutConnectors,
	assertFinal [2]Input, kickOff2Take Input) (*PreSignedTx, error) {

	tx := newPreSignedTx(Take2Name, p.Committee)

	err := tx.addLeafInput(
		c.C0.TaprootConnector, 0, p.PegInConfirm, txscript.SigHashAll,
		CommitteeSlot(),
	)
	if err != nil {
		return nil, err
	}

	op := KeySlot(p.OperatorKey)
	err = tx.addLeafInput(
		c.C7.TaprootConnector, connectors.Take2TimelockLeaf,
		assertFinal[0], txscript.SigHashDefault, op,
	)
	if err != nil {
		return nil, err
	}
	err = tx.addLeafInput(
		c.CC.TaprootConnector, c.CC.TakeLeafIndex(), assertFinal[1],
		txscript.SigHashDefault, op,
	)
	if err != nil {
		return nil, err
	}
	err = tx.addLeafInput(
		c.C5.TaprootConnector, connectors.TakeLeaf, kickOff2Take,
		txscript.SigHashDefault, op,
	)
	if err != nil {
		return nil, err
	}

	return tx, takeOutput(tx, p)
}

// takeOutput pays everything the take spends, minus the fee, to the
// operator.
func takeOutput(tx *PreSignedTx, p *PegOutParams) error {
	var total int64
	for _, prevOut := range tx.PrevOuts {
		total += prevOut.Value
	}

	out, err := operatorOutput(
		p.OperatorKey, btcutil.Amount(total)-params.FeeAmount,
	)
	if err != nil {
		return err
	}
	tx.addOutput(out)

	return nil
}

// NewBurnForValidation builds the burn of a bond the operator never
// asserted with.
func NewBurnForValidation(p *PegOutParams, c *PegOutConnectors,
	bond Input) (*PreSignedTx, error) {

	tx := newPreSignedTx(BurnName, p.Committee)

	err := tx.addLeafInput(
		c.C4.TaprootConnector, connectors.BurnLeaf, bond,
		txscript.SigHashSingle, CommitteeSlot(),
	)
	if err != nil {
		return nil, err
	}

	out, err := burnOutput(bond.Amount, tx.name)
	if err != nil {
		return nil, err
	}
	tx.addOutput(out)

	return tx, nil
}

// NewDisproveForValidation builds the disprove. Input 1 spends connector C
// through whichever disprove leaf the broadcaster can satisfy, so its
// witness is only chosen at broadcast.
func NewDisproveForValidation(p *PegOutParams, c *PegOutConnectors,
	assertFinal [2]Input) (*PreSignedTx, error) {

	tx := newPreSignedTx(DisproveName, p.Committee)

	err := tx.addLeafInput(
		c.C7.TaprootConnector, connectors.DisproveLeaf, assertFinal[0],
		txscript.SigHashSingle, CommitteeSlot(),
	)
	if err != nil {
		return nil, err
	}
	tx.addOpenInput(c.CC.TaprootConnector, assertFinal[1])

	out, err := burnOutput(
		assertFinal[0].Amount+assertFinal[1].Amount, tx.name,
	)
	if err != nil {
		return nil, err
	}
	tx.addOutput(out)

	return tx, nil
}

// NewDisproveChainForValidation builds the disprove chain, slashing an
// operator whose committed superblock is beaten by a heavier one.
func NewDisproveChainForValidation(p *PegOutParams, c *PegOutConnectors,
	kickOff2Take Input) (*PreSignedTx, error) {

	tx := newPreSignedTx(DisproveChainName, p.Committee)

	err := tx.addLeafInput(
		c.C5.TaprootConnector, connectors.DisproveChainLeaf,
		kickOff2Take, txscript.SigHashSingle, CommitteeSlot(),
	)
	if err != nil {
		return nil, err
	}

	out, err := burnOutput(kickOff2Take.Amount, tx.name)
	if err != nil {
		return nil, err
	}
	tx.addOutput(out)

	return tx, nil
}

// OperatorSigned adds the operator's signatures to a transaction fresh from
// its ForValidation constructor.
func OperatorSigned(ctx *contexts.OperatorContext, tx *PreSignedTx,
	err error) (*PreSignedTx, error) {

	return signed(ctx.PrivateKey(), tx, err)
}
