package transactions

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/bitvm/bridge/connectors"
	"github.com/bitvm/bridge/contexts"
	"github.com/bitvm/bridge/musig"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrDuplicateNonce is returned when a verifier pushes a second nonce
	// for the same input.
	ErrDuplicateNonce = errors.New("nonce already pushed for input")

	// ErrNonceReuse is returned when a verifier that already contributed
	// a partial signature is asked to sign the same input again.
	ErrNonceReuse = errors.New("input already pre-signed by verifier")

	// ErrMergeConflict is returned when two copies of a transaction hold
	// different values for the same slot.
	ErrMergeConflict = errors.New("conflicting transaction data")

	// ErrMissingSignature is returned when finalizing a transaction that
	// still lacks a signature.
	ErrMissingSignature = errors.New("missing signature")

	// ErrMissingWitnessData is returned when data that is only known at
	// broadcast time was not supplied.
	ErrMissingWitnessData = errors.New("missing witness data")

	// ErrNotCommitteeInput is returned for nonce or partial signature
	// operations on an input the committee does not sign.
	ErrNotCommitteeInput = errors.New("input is not signed by the " +
		"committee")

	// ErrUnknownSigner is returned for data attributed to a key with no
	// role in the transaction.
	ErrUnknownSigner = errors.New("unknown signer")

	// ErrInvalidSignature is returned when a stored signature does not
	// verify.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrSkeletonMismatch is returned when a stored transaction differs
	// from the one rebuilt from the graph parameters.
	ErrSkeletonMismatch = errors.New("transaction does not match its " +
		"parameters")

	// ErrNotRebuilt is returned when an operation needs spending
	// information that a freshly decoded transaction does not carry.
	ErrNotRebuilt = errors.New("transaction was not rebuilt from its " +
		"parameters")

	// ErrInsufficientFunds is returned when inputs cannot cover the
	// outputs and fee of a transaction.
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// SlotKind tells how a witness item is produced.
type SlotKind uint8

const (
	// SlotKey is a Schnorr signature by a single key.
	SlotKey SlotKind = iota

	// SlotCommittee is the aggregated MuSig2 signature of the committee.
	SlotCommittee

	// SlotExtra is data only known when the transaction is broadcast,
	// such as a Winternitz signature.
	SlotExtra
)

// Slot is one witness element of a script path spend.
type Slot struct {
	Kind SlotKind
	Key  *btcec.PublicKey
}

// KeySlot is a signature slot for key.
func KeySlot(key *btcec.PublicKey) Slot {
	return Slot{Kind: SlotKey, Key: key}
}

// CommitteeSlot is the committee signature slot.
func CommitteeSlot() Slot {
	return Slot{Kind: SlotCommittee}
}

// ExtraSlot is a slot filled at broadcast time.
func ExtraSlot() Slot {
	return Slot{Kind: SlotExtra}
}

// InputSpend describes how an input is unlocked. A nil InputSpend means
// the whole witness is chosen at broadcast time.
type InputSpend struct {
	// KeyPathKey is set for BIP-86 key path spends.
	KeyPathKey *btcec.PublicKey

	LeafScript   []byte
	ControlBlock []byte

	// Slots lists the witness items below the leaf script, bottom
	// first.
	Slots []Slot

	SigHash txscript.SigHashType
}

// committee reports whether the committee signs this input.
func (s *InputSpend) committee() bool {
	if s == nil {
		return false
	}
	for _, slot := range s.Slots {
		if slot.Kind == SlotCommittee {
			return true
		}
	}

	return false
}

// signs reports whether key has a single-party slot in this input.
func (s *InputSpend) signs(key *btcec.PublicKey) bool {
	if s == nil {
		return false
	}
	if s.KeyPathKey != nil {
		return sameXOnly(s.KeyPathKey, key)
	}
	for _, slot := range s.Slots {
		if slot.Kind == SlotKey && sameXOnly(slot.Key, key) {
			return true
		}
	}

	return false
}

// PreSigned is implemented by every graph transaction.
type PreSigned interface {
	// Name is the role of the transaction inside its graph.
	Name() string

	// TxID is the id of the unsigned transaction. Witnesses never change
	// it, so it is fixed as soon as the graph is built.
	TxID() chainhash.Hash

	// Finalize assembles the witnesses into a broadcastable transaction.
	Finalize(extra map[int][][]byte) (*wire.MsgTx, error)
}

// MuSig2PreSigned is implemented by transactions with committee inputs.
type MuSig2PreSigned interface {
	PreSigned

	CommitteeInputs() []int
	PushNonces(v *contexts.VerifierContext) (map[int]musig.SecNonce, error)
	PreSign(v *contexts.VerifierContext,
		secNonces map[int]musig.SecNonce) error
	IsPreSigned() bool
}

// PreSignedTx is an unsigned transaction together with everything needed to
// sign it and the signatures collected so far.
type PreSignedTx struct {
	Tx          *wire.MsgTx
	PrevOuts    []*wire.TxOut
	PrevScripts [][]byte

	// Musig2Nonces maps input index to verifier key to public nonce.
	Musig2Nonces map[int]map[string]musig.PubNonce

	// Musig2Signatures maps input index to verifier key to partial
	// signature.
	Musig2Signatures map[int]map[string]musig.PartialSig

	// Signatures maps input index to x-only signer key to a Schnorr
	// signature with its sighash byte.
	Signatures map[int]map[string][]byte

	name      string
	spends    []*InputSpend
	committee *contexts.Committee
}

// A compile time check to make sure PreSignedTx is a MuSig2PreSigned.
var _ MuSig2PreSigned = (*PreSignedTx)(nil)

// newPreSignedTx starts an empty version 2 transaction.
func newPreSignedTx(name string,
	committee *contexts.Committee) *PreSignedTx {

	return &PreSignedTx{
		Tx:               wire.NewMsgTx(2),
		Musig2Nonces:     make(map[int]map[string]musig.PubNonce),
		Musig2Signatures: make(map[int]map[string]musig.PartialSig),
		Signatures:       make(map[int]map[string][]byte),
		name:             name,
		committee:        committee,
	}
}

// addInput appends an input together with the output it spends.
func (p *PreSignedTx) addInput(txIn *wire.TxIn, prevOut *wire.TxOut,
	spend *InputSpend) {

	var script []byte
	if spend != nil {
		script = spend.LeafScript
	}

	p.Tx.AddTxIn(txIn)
	p.PrevOuts = append(p.PrevOuts, prevOut)
	p.PrevScripts = append(p.PrevScripts, script)
	p.spends = append(p.spends, spend)
}

// addKeyInput appends a BIP-86 key path spend of in by key.
func (p *PreSignedTx) addKeyInput(key *btcec.PublicKey, in Input,
	hashType txscript.SigHashType) error {

	pkScript, err := connectors.KeyPathScript(key)
	if err != nil {
		return err
	}

	p.addInput(
		wire.NewTxIn(&in.Outpoint, nil, nil),
		wire.NewTxOut(int64(in.Amount), pkScript),
		&InputSpend{KeyPathKey: key, SigHash: hashType},
	)

	return nil
}

// addLeafInput appends a spend of in through leaf of conn.
func (p *PreSignedTx) addLeafInput(conn *connectors.TaprootConnector,
	leaf int, in Input, hashType txscript.SigHashType,
	slots ...Slot) error {

	txIn, err := conn.TxIn(leaf, in.Outpoint)
	if err != nil {
		return err
	}
	info, err := conn.SpendInfo(leaf)
	if err != nil {
		return err
	}

	p.addInput(txIn, conn.TxOut(in.Amount), &InputSpend{
		LeafScript:   info.LeafScript,
		ControlBlock: info.ControlBlock,
		Slots:        slots,
		SigHash:      hashType,
	})

	return nil
}

// addOpenInput appends an input whose witness is only picked at broadcast.
func (p *PreSignedTx) addOpenInput(conn *connectors.TaprootConnector,
	in Input) {

	p.addInput(
		wire.NewTxIn(&in.Outpoint, nil, nil), conn.TxOut(in.Amount),
		nil,
	)
}

// addOutput appends an output.
func (p *PreSignedTx) addOutput(out *wire.TxOut) {
	p.Tx.AddTxOut(out)
}

// Name returns the role of the transaction in its graph.
func (p *PreSignedTx) Name() string {
	return p.name
}

// SetName labels a decoded transaction with its role in the graph. The role
// is not part of the encoding.
func (p *PreSignedTx) SetName(name string) {
	p.name = name
}

// TxID returns the id of the transaction.
func (p *PreSignedTx) TxID() chainhash.Hash {
	return p.Tx.TxHash()
}

// Output returns output vout of this transaction as a future input.
func (p *PreSignedTx) Output(vout uint32) Input {
	return Input{
		Outpoint: wire.OutPoint{Hash: p.TxID(), Index: vout},
		Amount:   btcutil.Amount(p.Tx.TxOut[vout].Value),
	}
}

// SpentInput returns the output spent by input idx.
func (p *PreSignedTx) SpentInput(idx int) Input {
	return Input{
		Outpoint: p.Tx.TxIn[idx].PreviousOutPoint,
		Amount:   btcutil.Amount(p.PrevOuts[idx].Value),
	}
}

// Rebuilt reports whether the transaction carries its spending information.
func (p *PreSignedTx) Rebuilt() bool {
	return p.spends != nil
}

// spend returns the spending information of input idx.
func (p *PreSignedTx) spend(idx int) (*InputSpend, error) {
	if !p.Rebuilt() {
		return nil, ErrNotRebuilt
	}
	if idx < 0 || idx >= len(p.spends) {
		return nil, fmt.Errorf("input %d out of range", idx)
	}

	return p.spends[idx], nil
}

// CommitteeInputs returns the indexes of the inputs the committee signs.
func (p *PreSignedTx) CommitteeInputs() []int {
	var idxs []int
	for i, spend := range p.spends {
		if spend.committee() {
			idxs = append(idxs, i)
		}
	}

	return idxs
}

// prevOutFetcher returns a fetcher over the spent outputs.
func (p *PreSignedTx) prevOutFetcher() *txscript.MultiPrevOutFetcher {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, txIn := range p.Tx.TxIn {
		fetcher.AddPrevOut(txIn.PreviousOutPoint, p.PrevOuts[i])
	}

	return fetcher
}

// SigHash returns the message signed for input idx.
func (p *PreSignedTx) SigHash(idx int) ([32]byte, error) {
	var msg [32]byte

	spend, err := p.spend(idx)
	if err != nil {
		return msg, err
	}
	if spend == nil {
		return msg, fmt.Errorf("input %d is not pre-signed", idx)
	}

	fetcher := p.prevOutFetcher()
	hashes := txscript.NewTxSigHashes(p.Tx, fetcher)

	var hash []byte
	if spend.KeyPathKey != nil {
		hash, err = txscript.CalcTaprootSignatureHash(
			hashes, spend.SigHash, p.Tx, idx, fetcher,
		)
	} else {
		hash, err = txscript.CalcTapscriptSignaturehash(
			hashes, spend.SigHash, p.Tx, idx, fetcher,
			txscript.NewBaseTapLeaf(spend.LeafScript),
		)
	}
	if err != nil {
		return msg, err
	}
	copy(msg[:], hash)

	return msg, nil
}

// SignWith adds signer's single-party signature to every input it has a
// slot in.
func (p *PreSignedTx) SignWith(signer *btcec.PrivateKey) error {
	if !p.Rebuilt() {
		return ErrNotRebuilt
	}

	fetcher := p.prevOutFetcher()
	hashes := txscript.NewTxSigHashes(p.Tx, fetcher)
	pub := signer.PubKey()

	for i, spend := range p.spends {
		if !spend.signs(pub) {
			continue
		}

		prevOut := p.PrevOuts[i]

		var (
			sig []byte
			err error
		)
		if spend.KeyPathKey != nil {
			sig, err = txscript.RawTxInTaprootSignature(
				p.Tx, hashes, i, prevOut.Value,
				prevOut.PkScript, nil, spend.SigHash, signer,
			)
		} else {
			sig, err = txscript.RawTxInTapscriptSignature(
				p.Tx, hashes, i, prevOut.Value,
				prevOut.PkScript,
				txscript.NewBaseTapLeaf(spend.LeafScript),
				spend.SigHash, signer,
			)
		}
		if err != nil {
			return fmt.Errorf("unable to sign input %d of %s: %w",
				i, p.name, err)
		}

		if p.Signatures[i] == nil {
			p.Signatures[i] = make(map[string][]byte)
		}
		p.Signatures[i][xOnlyID(pub)] = sig
	}

	return nil
}

// PushNonce records verifier's public nonce for input idx.
func (p *PreSignedTx) PushNonce(verifier *btcec.PublicKey, idx int,
	nonce musig.PubNonce) error {

	spend, err := p.spend(idx)
	if err != nil {
		return err
	}
	if !spend.committee() {
		return fmt.Errorf("%w: %s input %d", ErrNotCommitteeInput,
			p.name, idx)
	}
	if !p.committee.Contains(verifier) {
		return fmt.Errorf("%w: %s", ErrUnknownSigner,
			musig.KeyID(verifier))
	}

	id := musig.KeyID(verifier)
	if _, ok := p.Musig2Nonces[idx][id]; ok {
		return fmt.Errorf("%w: %s input %d", ErrDuplicateNonce, p.name,
			idx)
	}

	if p.Musig2Nonces[idx] == nil {
		p.Musig2Nonces[idx] = make(map[string]musig.PubNonce)
	}
	p.Musig2Nonces[idx][id] = nonce

	return nil
}

// PushNonces generates and records a nonce for every committee input the
// verifier has not contributed to yet. The returned secrets must be kept
// until the verifier pre-signs.
func (p *PreSignedTx) PushNonces(
	v *contexts.VerifierContext) (map[int]musig.SecNonce, error) {

	if !p.Rebuilt() {
		return nil, ErrNotRebuilt
	}

	pub := v.PublicKey()
	id := musig.KeyID(pub)
	secrets := make(map[int]musig.SecNonce)

	for _, idx := range p.CommitteeInputs() {
		if _, ok := p.Musig2Nonces[idx][id]; ok {
			continue
		}

		nonce, err := musig.GenerateNonce(pub)
		if err != nil {
			return nil, err
		}
		if err := p.PushNonce(pub, idx, nonce.Pub); err != nil {
			return nil, err
		}
		secrets[idx] = nonce.Sec
	}

	return secrets, nil
}

// PreSign adds the verifier's partial signature to every committee input.
// Nothing is recorded unless every input signs. The secret nonces used are
// removed from secNonces so they cannot be used again.
func (p *PreSignedTx) PreSign(v *contexts.VerifierContext,
	secNonces map[int]musig.SecNonce) error {

	if !p.Rebuilt() {
		return ErrNotRebuilt
	}

	pub := v.PublicKey()
	id := musig.KeyID(pub)
	if !p.committee.Contains(pub) {
		return fmt.Errorf("%w: %s", ErrUnknownSigner, id)
	}

	inputs := p.CommitteeInputs()
	partials := make(map[int]musig.PartialSig, len(inputs))
	for _, idx := range inputs {
		if _, ok := p.Musig2Signatures[idx][id]; ok {
			return fmt.Errorf("%w: %s input %d", ErrNonceReuse,
				p.name, idx)
		}

		sec, ok := secNonces[idx]
		if !ok {
			return fmt.Errorf("%w: no secret nonce for %s input "+
				"%d", musig.ErrMissingNonce, p.name, idx)
		}

		msg, err := p.SigHash(idx)
		if err != nil {
			return err
		}

		sig, err := musig.Sign(
			v.PrivateKey(), sec, p.committee, p.Musig2Nonces[idx],
			msg,
		)
		if err != nil {
			return fmt.Errorf("%s input %d: %w", p.name, idx, err)
		}
		partials[idx] = sig
	}

	for idx, sig := range partials {
		if p.Musig2Signatures[idx] == nil {
			p.Musig2Signatures[idx] = make(
				map[string]musig.PartialSig,
			)
		}
		p.Musig2Signatures[idx][id] = sig
		delete(secNonces, idx)
	}

	return nil
}

// HasNonces reports whether the verifier pushed nonces for every committee
// input.
func (p *PreSignedTx) HasNonces(verifier *btcec.PublicKey) bool {
	id := musig.KeyID(verifier)
	for _, idx := range p.CommitteeInputs() {
		if _, ok := p.Musig2Nonces[idx][id]; !ok {
			return false
		}
	}

	return true
}

// HasPartialSigs reports whether the verifier pre-signed every committee
// input.
func (p *PreSignedTx) HasPartialSigs(verifier *btcec.PublicKey) bool {
	id := musig.KeyID(verifier)
	for _, idx := range p.CommitteeInputs() {
		if _, ok := p.Musig2Signatures[idx][id]; !ok {
			return false
		}
	}

	return true
}

// NoncesComplete reports whether every verifier pushed its nonces.
func (p *PreSignedTx) NoncesComplete() bool {
	for _, idx := range p.CommitteeInputs() {
		if len(p.Musig2Nonces[idx]) != p.committee.Size() {
			return false
		}
	}

	return true
}

// IsPreSigned reports whether every committee input carries a partial
// signature from every verifier.
func (p *PreSignedTx) IsPreSigned() bool {
	for _, idx := range p.CommitteeInputs() {
		if len(p.Musig2Signatures[idx]) != p.committee.Size() {
			return false
		}
	}

	return true
}

// committeeSig aggregates the committee signature of input idx.
func (p *PreSignedTx) committeeSig(idx int,
	hashType txscript.SigHashType) ([]byte, error) {

	if len(p.Musig2Signatures[idx]) == 0 {
		return nil, fmt.Errorf("%w: no committee signature for %s "+
			"input %d", ErrMissingSignature, p.name, idx)
	}

	msg, err := p.SigHash(idx)
	if err != nil {
		return nil, err
	}

	sig, err := musig.CombineSigs(
		p.committee, p.Musig2Nonces[idx], p.Musig2Signatures[idx], msg,
	)
	if err != nil {
		return nil, fmt.Errorf("%s input %d: %w", p.name, idx, err)
	}

	return withSigHash(sig.Serialize(), hashType), nil
}

// keySig returns key's stored signature for input idx.
func (p *PreSignedTx) keySig(idx int, key *btcec.PublicKey) ([]byte, error) {
	sig, ok := p.Signatures[idx][xOnlyID(key)]
	if !ok {
		return nil, fmt.Errorf("%w: %s input %d by %s",
			ErrMissingSignature, p.name, idx, xOnlyID(key))
	}

	return sig, nil
}

// Finalize returns a copy of the transaction with every witness filled in.
// extra supplies the broadcast time items per input: the contents of the
// extra slot, or the whole witness for inputs left open.
func (p *PreSignedTx) Finalize(extra map[int][][]byte) (*wire.MsgTx, error) {
	if !p.Rebuilt() {
		return nil, ErrNotRebuilt
	}

	tx := p.Tx.Copy()
	for i, spend := range p.spends {
		switch {
		case spend == nil:
			items, ok := extra[i]
			if !ok {
				return nil, fmt.Errorf("%w: %s input %d",
					ErrMissingWitnessData, p.name, i)
			}
			tx.TxIn[i].Witness = items

		case spend.KeyPathKey != nil:
			sig, err := p.keySig(i, spend.KeyPathKey)
			if err != nil {
				return nil, err
			}
			tx.TxIn[i].Witness = wire.TxWitness{sig}

		default:
			witness, err := p.leafWitness(i, spend, extra[i])
			if err != nil {
				return nil, err
			}
			tx.TxIn[i].Witness = witness
		}
	}

	return tx, nil
}

// leafWitness assembles the script path witness of input idx.
func (p *PreSignedTx) leafWitness(idx int, spend *InputSpend,
	extra [][]byte) (wire.TxWitness, error) {

	var witness wire.TxWitness
	for _, slot := range spend.Slots {
		switch slot.Kind {
		case SlotKey:
			sig, err := p.keySig(idx, slot.Key)
			if err != nil {
				return nil, err
			}
			witness = append(witness, sig)

		case SlotCommittee:
			sig, err := p.committeeSig(idx, spend.SigHash)
			if err != nil {
				return nil, err
			}
			witness = append(witness, sig)

		case SlotExtra:
			if extra == nil {
				return nil, fmt.Errorf("%w: %s input %d",
					ErrMissingWitnessData, p.name, idx)
			}
			witness = append(witness, extra...)
		}
	}

	return append(witness, spend.LeafScript, spend.ControlBlock), nil
}

// SameSkeleton checks that other describes the same unsigned transaction
// spending the same outputs through the same scripts.
func (p *PreSignedTx) SameSkeleton(other *PreSignedTx) error {
	var a, b bytes.Buffer
	if err := p.Tx.SerializeNoWitness(&a); err != nil {
		return err
	}
	if err := other.Tx.SerializeNoWitness(&b); err != nil {
		return err
	}
	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		return fmt.Errorf("%w: %s transaction differs", ErrSkeletonMismatch,
			p.name)
	}

	if len(p.PrevOuts) != len(other.PrevOuts) ||
		len(p.PrevScripts) != len(other.PrevScripts) {

		return fmt.Errorf("%w: %s input count differs",
			ErrSkeletonMismatch, p.name)
	}
	for i := range p.PrevOuts {
		if p.PrevOuts[i].Value != other.PrevOuts[i].Value ||
			!bytes.Equal(p.PrevOuts[i].PkScript,
				other.PrevOuts[i].PkScript) {

			return fmt.Errorf("%w: %s prevout %d differs",
				ErrSkeletonMismatch, p.name, i)
		}
		if !bytes.Equal(p.PrevScripts[i], other.PrevScripts[i]) {
			return fmt.Errorf("%w: %s prev script %d differs",
				ErrSkeletonMismatch, p.name, i)
		}
	}

	return nil
}

// LoadSigningData checks the nonces and signatures of stored, a decoded
// copy of this rebuilt transaction, and merges them in.
func (p *PreSignedTx) LoadSigningData(stored *PreSignedTx) error {
	if !p.Rebuilt() {
		return ErrNotRebuilt
	}
	if err := p.SameSkeleton(stored); err != nil {
		return err
	}
	if err := p.verifySigningData(stored); err != nil {
		return err
	}

	return p.Merge(stored)
}

// verifySigningData checks every nonce and signature in other against this
// transaction's spending information.
func (p *PreSignedTx) verifySigningData(other *PreSignedTx) error {
	for idx, nonces := range other.Musig2Nonces {
		spend, err := p.spend(idx)
		if err != nil {
			return err
		}
		if !spend.committee() {
			return fmt.Errorf("%w: %s input %d",
				ErrNotCommitteeInput, p.name, idx)
		}
		for id := range nonces {
			if !p.committeeHasID(id) {
				return fmt.Errorf("%w: nonce from %s",
					ErrUnknownSigner, id)
			}
		}
	}

	for idx, partials := range other.Musig2Signatures {
		if len(partials) == 0 {
			continue
		}

		nonces := other.Musig2Nonces[idx]
		if len(nonces) != p.committee.Size() {
			return fmt.Errorf("%w: %s input %d signed before all "+
				"nonces were known", ErrInvalidSignature,
				p.name, idx)
		}

		msg, err := p.SigHash(idx)
		if err != nil {
			return err
		}

		for _, key := range p.committee.Keys() {
			sig, ok := partials[musig.KeyID(key)]
			if !ok {
				continue
			}
			err := musig.VerifyPartialSig(
				sig, key, p.committee, nonces, msg,
			)
			if err != nil {
				return fmt.Errorf("%s input %d: %w", p.name,
					idx, err)
			}
		}
		for id := range partials {
			if !p.committeeHasID(id) {
				return fmt.Errorf("%w: partial signature "+
					"from %s", ErrUnknownSigner, id)
			}
		}
	}

	for idx, sigs := range other.Signatures {
		for id, sig := range sigs {
			if err := p.verifyKeySig(idx, id, sig); err != nil {
				return err
			}
		}
	}

	return nil
}

// committeeHasID reports whether id names a roster member.
func (p *PreSignedTx) committeeHasID(id string) bool {
	for _, key := range p.committee.Keys() {
		if musig.KeyID(key) == id {
			return true
		}
	}

	return false
}

// verifyKeySig checks a single-party signature of input idx.
func (p *PreSignedTx) verifyKeySig(idx int, id string, sig []byte) error {
	spend, err := p.spend(idx)
	if err != nil {
		return err
	}
	if spend == nil {
		return fmt.Errorf("%w: %s input %d takes no signatures",
			ErrUnknownSigner, p.name, idx)
	}

	var signer *btcec.PublicKey
	switch {
	case spend.KeyPathKey != nil && xOnlyID(spend.KeyPathKey) == id:
		signer = txscript.ComputeTaprootKeyNoScript(spend.KeyPathKey)

	default:
		for _, slot := range spend.Slots {
			if slot.Kind == SlotKey && xOnlyID(slot.Key) == id {
				signer = slot.Key
			}
		}
	}
	if signer == nil {
		return fmt.Errorf("%w: %s has no slot in %s input %d",
			ErrUnknownSigner, id, p.name, idx)
	}

	raw := sig
	switch {
	case len(sig) == schnorr.SignatureSize+1 &&
		txscript.SigHashType(sig[len(sig)-1]) == spend.SigHash:

		raw = sig[:schnorr.SignatureSize]

	case len(sig) != schnorr.SignatureSize ||
		spend.SigHash != txscript.SigHashDefault:

		return fmt.Errorf("%w: %s input %d has a malformed signature",
			ErrInvalidSignature, p.name, idx)
	}

	parsed, err := schnorr.ParseSignature(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	msg, err := p.SigHash(idx)
	if err != nil {
		return err
	}
	if !parsed.Verify(msg[:], signer) {
		return fmt.Errorf("%w: %s input %d by %s", ErrInvalidSignature,
			p.name, idx, id)
	}

	return nil
}

// Merge adds the nonces and signatures of other, a copy of the same
// transaction. A slot holding different values on both sides is a conflict
// and leaves p untouched.
func (p *PreSignedTx) Merge(other *PreSignedTx) error {
	if p.TxID() != other.TxID() {
		return fmt.Errorf("%w: %s txid %v vs %v", ErrMergeConflict,
			p.name, p.TxID(), other.TxID())
	}

	eqNonce := func(a, b musig.PubNonce) bool { return a == b }
	eqPartial := func(a, b musig.PartialSig) bool { return a == b }

	err := checkConflicts(p.Musig2Nonces, other.Musig2Nonces, eqNonce)
	if err != nil {
		return fmt.Errorf("%s nonces: %w", p.name, err)
	}
	err = checkConflicts(
		p.Musig2Signatures, other.Musig2Signatures, eqPartial,
	)
	if err != nil {
		return fmt.Errorf("%s partial signatures: %w", p.name, err)
	}
	err = checkConflicts(p.Signatures, other.Signatures, bytes.Equal)
	if err != nil {
		return fmt.Errorf("%s signatures: %w", p.name, err)
	}

	p.Musig2Nonces = union(p.Musig2Nonces, other.Musig2Nonces)
	p.Musig2Signatures = union(p.Musig2Signatures, other.Musig2Signatures)
	p.Signatures = union(p.Signatures, other.Signatures)

	return nil
}

// checkConflicts finds slots set on both sides with different values.
func checkConflicts[V any](a, b map[int]map[string]V,
	eq func(V, V) bool) error {

	for idx, entries := range b {
		for id, v := range entries {
			if cur, ok := a[idx][id]; ok && !eq(cur, v) {
				return fmt.Errorf("%w: input %d key %s",
					ErrMergeConflict, idx, id)
			}
		}
	}

	return nil
}

// union adds every entry of src to dst.
func union[V any](dst, src map[int]map[string]V) map[int]map[string]V {
	if dst == nil {
		dst = make(map[int]map[string]V)
	}
	for idx, entries := range src {
		if len(entries) == 0 {
			continue
		}
		if dst[idx] == nil {
			dst[idx] = make(map[string]V, len(entries))
		}
		for id, v := range entries {
			dst[idx][id] = v
		}
	}

	return dst
}

// Clone returns a deep copy.
func (p *PreSignedTx) Clone() *PreSignedTx {
	c := &PreSignedTx{
		Tx:               p.Tx.Copy(),
		PrevOuts:         make([]*wire.TxOut, len(p.PrevOuts)),
		PrevScripts:      make([][]byte, len(p.PrevScripts)),
		Musig2Nonces:     union(nil, p.Musig2Nonces),
		Musig2Signatures: union(nil, p.Musig2Signatures),
		Signatures:       union(nil, p.Signatures),
		name:             p.name,
		spends:           p.spends,
		committee:        p.committee,
	}
	for i, out := range p.PrevOuts {
		c.PrevOuts[i] = wire.NewTxOut(
			out.Value, append([]byte(nil), out.PkScript...),
		)
	}
	for i, script := range p.PrevScripts {
		if script != nil {
			c.PrevScripts[i] = append([]byte(nil), script...)
		}
	}

	return c
}

// SignerKeys returns the sorted x-only ids of every single-party signer.
func (p *PreSignedTx) SignerKeys() []string {
	seen := make(map[string]struct{})
	for _, spend := range p.spends {
		switch {
		case spend == nil:
		case spend.KeyPathKey != nil:
			seen[xOnlyID(spend.KeyPathKey)] = struct{}{}
		default:
			for _, slot := range spend.Slots {
				if slot.Kind == SlotKey {
					seen[xOnlyID(slot.Key)] = struct{}{}
				}
			}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}

// withSigHash appends the sighash byte unless it is the default.
func withSigHash(sig []byte, hashType txscript.SigHashType) []byte {
	if hashType == txscript.SigHashDefault {
		return sig
	}

	return append(sig, byte(hashType))
}

// xOnlyID is how single-party signers are keyed: the x-only key in hex.
func xOnlyID(key *btcec.PublicKey) string {
	return hex.EncodeToString(schnorr.SerializePubKey(key))
}

// sameXOnly compares keys ignoring the parity of y.
func sameXOnly(a, b *btcec.PublicKey) bool {
	return bytes.Equal(
		schnorr.SerializePubKey(a), schnorr.SerializePubKey(b),
	)
}
