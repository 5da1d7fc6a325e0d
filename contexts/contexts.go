// Package contexts holds the immutable key bundles of the four bridge roles.
// Every context knows its network, its own key pair and the committee roster
// of verifiers whose MuSig2 aggregate key guards the graph connectors.
package contexts

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg"
)

var (
	// ErrInvalidSecret is returned when a secret key is not a 32 byte hex
	// string.
	ErrInvalidSecret = errors.New("invalid secret key")

	// ErrEmptyCommittee is returned when a context is created without any
	// verifier public key.
	ErrEmptyCommittee = errors.New("committee roster is empty")

	// ErrDuplicateVerifier is returned when the roster lists the same key
	// twice.
	ErrDuplicateVerifier = errors.New("duplicate verifier in committee")

	// ErrNotInCommittee is returned when a verifier context is created
	// for a key that is not part of the roster.
	ErrNotInCommittee = errors.New("verifier is not a committee member")
)

// Role identifies which participant a context belongs to.
type Role uint8

const (
	// RoleDepositor locks BTC in a peg-in.
	RoleDepositor Role = iota

	// RoleOperator fronts peg-outs and reimburses itself from peg-ins.
	RoleOperator

	// RoleVerifier is a member of the n-of-n signing committee.
	RoleVerifier

	// RoleWithdrawer receives BTC from a peg-out.
	RoleWithdrawer
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleDepositor:
		return "depositor"
	case RoleOperator:
		return "operator"
	case RoleVerifier:
		return "verifier"
	case RoleWithdrawer:
		return "withdrawer"
	default:
		return fmt.Sprintf("unknown role %d", uint8(r))
	}
}

// Context is the capability every role context offers to the signing
// helpers of the graph layer.
type Context interface {
	// Role returns the participant role.
	Role() Role

	// Network returns the chain the context is bound to.
	Network() *chaincfg.Params

	// PrivateKey returns the participant's signing key.
	PrivateKey() *btcec.PrivateKey

	// PublicKey returns the participant's public key.
	PublicKey() *btcec.PublicKey

	// TaprootPublicKey returns the x-only form of PublicKey, parsed back
	// into a point with even y.
	TaprootPublicKey() *btcec.PublicKey

	// Committee returns the verifier roster the context works with.
	Committee() *Committee
}

// keyContext is embedded by every role context.
type keyContext struct {
	network    *chaincfg.Params
	privKey    *btcec.PrivateKey
	pubKey     *btcec.PublicKey
	taprootKey *btcec.PublicKey
	committee  *Committee
}

func newKeyContext(network *chaincfg.Params, secret string,
	committee *Committee) (keyContext, error) {

	privKey, err := ParseSecret(secret)
	if err != nil {
		return keyContext{}, err
	}

	if committee == nil {
		return keyContext{}, ErrEmptyCommittee
	}

	return keyContext{
		network:    network,
		privKey:    privKey,
		pubKey:     privKey.PubKey(),
		taprootKey: XOnly(privKey.PubKey()),
		committee:  committee,
	}, nil
}

// Network returns the chain the context is bound to.
func (k *keyContext) Network() *chaincfg.Params {
	return k.network
}

// PrivateKey returns the participant's signing key.
func (k *keyContext) PrivateKey() *btcec.PrivateKey {
	return k.privKey
}

// PublicKey returns the participant's public key.
func (k *keyContext) PublicKey() *btcec.PublicKey {
	return k.pubKey
}

// TaprootPublicKey returns the x-only public key.
func (k *keyContext) TaprootPublicKey() *btcec.PublicKey {
	return k.taprootKey
}

// Committee returns the verifier roster.
func (k *keyContext) Committee() *Committee {
	return k.committee
}

// DepositorContext is the context of the party locking BTC.
type DepositorContext struct {
	keyContext
}

// NewDepositorContext creates a depositor context from a hex secret.
func NewDepositorContext(network *chaincfg.Params, secret string,
	committee *Committee) (*DepositorContext, error) {

	k, err := newKeyContext(network, secret, committee)
	if err != nil {
		return nil, fmt.Errorf("depositor: %w", err)
	}

	return &DepositorContext{keyContext: k}, nil
}

// Role returns RoleDepositor.
func (d *DepositorContext) Role() Role {
	return RoleDepositor
}

// OperatorContext is the context of the party fronting peg-outs.
type OperatorContext struct {
	keyContext
}

// NewOperatorContext creates an operator context from a hex secret.
func NewOperatorContext(network *chaincfg.Params, secret string,
	committee *Committee) (*OperatorContext, error) {

	k, err := newKeyContext(network, secret, committee)
	if err != nil {
		return nil, fmt.Errorf("operator: %w", err)
	}

	return &OperatorContext{keyContext: k}, nil
}

// Role returns RoleOperator.
func (o *OperatorContext) Role() Role {
	return RoleOperator
}

// VerifierContext is the context of a committee member.
type VerifierContext struct {
	keyContext
}

// NewVerifierContext creates a verifier context. The verifier's key must be
// part of the committee.
func NewVerifierContext(network *chaincfg.Params, secret string,
	committee *Committee) (*VerifierContext, error) {

	k, err := newKeyContext(network, secret, committee)
	if err != nil {
		return nil, fmt.Errorf("verifier: %w", err)
	}

	if !committee.Contains(k.pubKey) {
		return nil, fmt.Errorf("verifier %x: %w",
			k.pubKey.SerializeCompressed(), ErrNotInCommittee)
	}

	return &VerifierContext{keyContext: k}, nil
}

// Role returns RoleVerifier.
func (v *VerifierContext) Role() Role {
	return RoleVerifier
}

// WithdrawerContext is the context of a peg-out recipient.
type WithdrawerContext struct {
	keyContext
}

// NewWithdrawerContext creates a withdrawer context from a hex secret.
func NewWithdrawerContext(network *chaincfg.Params, secret string,
	committee *Committee) (*WithdrawerContext, error) {

	k, err := newKeyContext(network, secret, committee)
	if err != nil {
		return nil, fmt.Errorf("withdrawer: %w", err)
	}

	return &WithdrawerContext{keyContext: k}, nil
}

// Role returns RoleWithdrawer.
func (w *WithdrawerContext) Role() Role {
	return RoleWithdrawer
}

// Compile time checks that every role implements Context.
var (
	_ Context = (*DepositorContext)(nil)
	_ Context = (*OperatorContext)(nil)
	_ Context = (*VerifierContext)(nil)
	_ Context = (*WithdrawerContext)(nil)
)

// ParseSecret decodes a 32 byte hex secret key.
func ParseSecret(secret string) (*btcec.PrivateKey, error) {
	raw, err := hex.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	if len(raw) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d",
			ErrInvalidSecret, btcec.PrivKeyBytesLen, len(raw))
	}

	privKey, _ := btcec.PrivKeyFromBytes(raw)

	return privKey, nil
}

// XOnly drops the parity of a key and returns the point with even y that
// shares its x coordinate.
func XOnly(pub *btcec.PublicKey) *btcec.PublicKey {
	// Parsing a freshly serialized x-only key cannot fail.
	xOnly, _ := schnorr.ParsePubKey(schnorr.SerializePubKey(pub))

	return xOnly
}
