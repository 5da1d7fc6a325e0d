package connectors

import (
	"encoding/binary"
	"fmt"

	"github.com/bitvm/bridge/winternitz"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

const (
	// StartTimeMessageLen is the size of the committed start time, a
	// big endian unix timestamp.
	StartTimeMessageLen = 4

	// SuperblockMessageLen is the size of the committed superblock hash.
	SuperblockMessageLen = 32

	// CommitmentMessageLen is the size of each assert commitment.
	CommitmentMessageLen = 32

	// DefaultDisproveLeaves is the number of disprove leaves connector C
	// carries when no scripts are given.
	DefaultDisproveLeaves = 4

	// PegOutCommitmentLen is the size of the peg-out OP_RETURN payload.
	PegOutCommitmentLen = 20 + 4 + EVMAddressSize
)

// Leaf indexes shared by the two-leaf peg-out connectors.
const (
	// Connector 1.
	StartTimeLeaf        = 0
	StartTimeTimeoutLeaf = 1

	// Connector 2.
	KickOff2Leaf       = 0
	KickOffTimeoutLeaf = 1

	// Connector 3.
	Take1TimelockLeaf = 0
	ChallengeLeaf     = 1

	// Connector 4.
	AssertLeaf = 0
	BurnLeaf   = 1

	// Connector 5.
	DisproveChainLeaf = 0
	TakeLeaf          = 1

	// Connector 7.
	Take2TimelockLeaf = 0
	DisproveLeaf      = 1
)

// Winternitz parameters of the operator commitments.
var (
	StartTimeParams  = winternitz.NewParams(StartTimeMessageLen)
	SuperblockParams = winternitz.NewParams(SuperblockMessageLen)
	CommitmentParams = winternitz.NewParams(CommitmentMessageLen)
)

// winternitzCheckSigLeaf builds `[CSV] W(pk) <key> CHECKSIG`.
func winternitzCheckSigLeaf(key *btcec.PublicKey, timelock uint32,
	p winternitz.Params, pk winternitz.PublicKey) (Leaf, error) {

	if len(pk) != p.Digits() {
		return Leaf{}, fmt.Errorf("winternitz key has %d digits, "+
			"want %d", len(pk), p.Digits())
	}

	b := txscript.NewScriptBuilder()
	if timelock != 0 {
		addTimelock(b, timelock)
	}
	winternitz.AppendVerifyScript(b, p, pk)
	addCheckSig(b, key)

	script, err := b.Script()
	if err != nil {
		return Leaf{}, err
	}

	return Leaf{Script: script, Sequence: timelock}, nil
}

// twoLeaf assembles a connector out of two leaf constructors.
func twoLeaf(net *chaincfg.Params, first, second func() (Leaf, error)) (
	*TaprootConnector, error) {

	l0, err := first()
	if err != nil {
		return nil, err
	}
	l1, err := second()
	if err != nil {
		return nil, err
	}

	return NewTaprootConnector(net, l0, l1)
}

// Connector1 is kick off 1 output 0. The operator spends it to commit its
// start time; if it doesn't within a day the committee times it out.
type Connector1 struct {
	*TaprootConnector

	OperatorKey  *btcec.PublicKey
	CommitteeKey *btcec.PublicKey
	StartTimeKey winternitz.PublicKey
}

// NewConnector1 builds connector 1.
func NewConnector1(net *chaincfg.Params, operatorKey,
	committeeKey *btcec.PublicKey,
	startTimeKey winternitz.PublicKey) (*Connector1, error) {

	tc, err := twoLeaf(net, func() (Leaf, error) {
		return winternitzCheckSigLeaf(
			operatorKey, 0, StartTimeParams, startTimeKey,
		)
	}, func() (Leaf, error) {
		return checkSigLeaf(committeeKey, StartTimeTimeout(net))
	})
	if err != nil {
		return nil, err
	}

	return &Connector1{
		TaprootConnector: tc,
		OperatorKey:      operatorKey,
		CommitteeKey:     committeeKey,
		StartTimeKey:     startTimeKey,
	}, nil
}

// Connector2 is kick off 1 output 1. After the measurement window the
// operator spends it with a superblock commitment; if it stalls the committee
// times it out.
type Connector2 struct {
	*TaprootConnector

	OperatorKey   *btcec.PublicKey
	CommitteeKey  *btcec.PublicKey
	SuperblockKey winternitz.PublicKey
}

// NewConnector2 builds connector 2.
func NewConnector2(net *chaincfg.Params, operatorKey,
	committeeKey *btcec.PublicKey,
	superblockKey winternitz.PublicKey) (*Connector2, error) {

	tc, err := twoLeaf(net, func() (Leaf, error) {
		return winternitzCheckSigLeaf(
			operatorKey, KickOff2Timelock(net), SuperblockParams,
			superblockKey,
		)
	}, func() (Leaf, error) {
		return checkSigLeaf(committeeKey, KickOffTimeout(net))
	})
	if err != nil {
		return nil, err
	}

	return &Connector2{
		TaprootConnector: tc,
		OperatorKey:      operatorKey,
		CommitteeKey:     committeeKey,
		SuperblockKey:    superblockKey,
	}, nil
}

// Connector3 is kick off 2 output 0. It feeds take 1 after the challenge
// period, or the challenge transaction whose input the operator pre-signs.
type Connector3 struct {
	*TaprootConnector

	OperatorKey *btcec.PublicKey
}

// NewConnector3 builds connector 3.
func NewConnector3(net *chaincfg.Params,
	operatorKey *btcec.PublicKey) (*Connector3, error) {

	tc, err := twoLeaf(net, func() (Leaf, error) {
		return checkSigLeaf(operatorKey, Take1Timelock(net))
	}, func() (Leaf, error) {
		return checkSigLeaf(operatorKey, 0)
	})
	if err != nil {
		return nil, err
	}

	return &Connector3{TaprootConnector: tc, OperatorKey: operatorKey}, nil
}

// Connector4 is kick off 2 output 1, the operator bond. The operator moves
// it into take 1 or the assert chain; if neither happens the committee burns
// it.
type Connector4 struct {
	*TaprootConnector

	OperatorKey  *btcec.PublicKey
	CommitteeKey *btcec.PublicKey
}

// NewConnector4 builds connector 4.
func NewConnector4(net *chaincfg.Params, operatorKey,
	committeeKey *btcec.PublicKey) (*Connector4, error) {

	tc, err := twoLeaf(net, func() (Leaf, error) {
		return checkSigLeaf(operatorKey, 0)
	}, func() (Leaf, error) {
		return checkSigLeaf(committeeKey, BurnTimelock(net))
	})
	if err != nil {
		return nil, err
	}

	return &Connector4{
		TaprootConnector: tc,
		OperatorKey:      operatorKey,
		CommitteeKey:     committeeKey,
	}, nil
}

// Connector5 is kick off 2 output 2. The committee spends it when the
// committed superblock is invalid; otherwise both take transactions consume
// it after the challenge period.
type Connector5 struct {
	*TaprootConnector

	OperatorKey  *btcec.PublicKey
	CommitteeKey *btcec.PublicKey
}

// NewConnector5 builds connector 5.
func NewConnector5(net *chaincfg.Params, operatorKey,
	committeeKey *btcec.PublicKey) (*Connector5, error) {

	tc, err := twoLeaf(net, func() (Leaf, error) {
		return checkSigLeaf(committeeKey, 0)
	}, func() (Leaf, error) {
		return checkSigLeaf(operatorKey, Take1Timelock(net))
	})
	if err != nil {
		return nil, err
	}

	return &Connector5{
		TaprootConnector: tc,
		OperatorKey:      operatorKey,
		CommitteeKey:     committeeKey,
	}, nil
}

// Connector6 is an assert initial commitment output. The operator spends it
// in the matching assert commit transaction, revealing a Winternitz signed
// commitment.
type Connector6 struct {
	*TaprootConnector

	OperatorKey   *btcec.PublicKey
	CommitmentKey winternitz.PublicKey
}

// NewConnector6 builds connector 6 for one commitment key.
func NewConnector6(net *chaincfg.Params, operatorKey *btcec.PublicKey,
	commitmentKey winternitz.PublicKey) (*Connector6, error) {

	leaf, err := winternitzCheckSigLeaf(
		operatorKey, 0, CommitmentParams, commitmentKey,
	)
	if err != nil {
		return nil, err
	}

	tc, err := NewTaprootConnector(net, leaf)
	if err != nil {
		return nil, err
	}

	return &Connector6{
		TaprootConnector: tc,
		OperatorKey:      operatorKey,
		CommitmentKey:    commitmentKey,
	}, nil
}

// Connector7 is assert final output 0. The operator takes it after the
// disprove period; before that the committee may use it to disprove.
type Connector7 struct {
	*TaprootConnector

	OperatorKey  *btcec.PublicKey
	CommitteeKey *btcec.PublicKey
}

// NewConnector7 builds connector 7.
func NewConnector7(net *chaincfg.Params, operatorKey,
	committeeKey *btcec.PublicKey) (*Connector7, error) {

	tc, err := twoLeaf(net, func() (Leaf, error) {
		return checkSigLeaf(operatorKey, Take2Timelock(net))
	}, func() (Leaf, error) {
		return checkSigLeaf(committeeKey, 0)
	})
	if err != nil {
		return nil, err
	}

	return &Connector7{
		TaprootConnector: tc,
		OperatorKey:      operatorKey,
		CommitteeKey:     committeeKey,
	}, nil
}

// ConnectorC is assert final output 1. Its first leaves are the disprove
// scripts, each checking one step of the asserted computation; the last leaf
// hands the output to the operator's take 2.
type ConnectorC struct {
	*TaprootConnector

	OperatorKey     *btcec.PublicKey
	DisproveScripts [][]byte
}

// DefaultDisproveScripts returns the placeholder disprove scripts
// `<i> OP_EQUAL`, unlocked by pushing i.
func DefaultDisproveScripts() [][]byte {
	scripts := make([][]byte, DefaultDisproveLeaves)
	for i := range scripts {
		b := txscript.NewScriptBuilder()
		b.AddInt64(int64(i))
		b.AddOp(txscript.OP_EQUAL)
		scripts[i], _ = b.Script()
	}

	return scripts
}

// NewConnectorC builds connector C over the given disprove scripts.
func NewConnectorC(net *chaincfg.Params, operatorKey *btcec.PublicKey,
	disproveScripts [][]byte) (*ConnectorC, error) {

	if len(disproveScripts) == 0 {
		return nil, fmt.Errorf("connector C needs disprove scripts")
	}

	leaves := make([]Leaf, 0, len(disproveScripts)+1)
	for _, script := range disproveScripts {
		leaves = append(leaves, Leaf{Script: script})
	}

	take, err := checkSigLeaf(operatorKey, 0)
	if err != nil {
		return nil, err
	}
	leaves = append(leaves, take)

	tc, err := NewTaprootConnector(net, leaves...)
	if err != nil {
		return nil, err
	}

	return &ConnectorC{
		TaprootConnector: tc,
		OperatorKey:      operatorKey,
		DisproveScripts:  disproveScripts,
	}, nil
}

// TakeLeafIndex is the leaf take 2 spends.
func (c *ConnectorC) TakeLeafIndex() int {
	return len(c.DisproveScripts)
}

// PegOutCommitmentScript returns the OP_RETURN output binding a peg-out
// payment to its withdrawal request.
func PegOutCommitmentScript(withdrawerHash [20]byte, timestamp uint32,
	evmAddress [EVMAddressSize]byte) ([]byte, error) {

	data := make([]byte, 0, PegOutCommitmentLen)
	data = append(data, withdrawerHash[:]...)
	data = binary.BigEndian.AppendUint32(data, timestamp)
	data = append(data, evmAddress[:]...)

	return txscript.NullDataScript(data)
}
