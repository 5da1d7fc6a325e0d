// Package musig coordinates the MuSig2 signing rounds of the verifier
// committee: nonce exchange, partial signing under the aggregate key, and
// combination into a single Schnorr signature.
package musig

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/bitvm/bridge/contexts"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var (
	// ErrMissingNonce is returned when a roster member has not published
	// its public nonce yet, or when a secret nonce is not available.
	ErrMissingNonce = errors.New("missing nonce")

	// ErrNonceCountMismatch is returned when the published nonces do not
	// match the roster.
	ErrNonceCountMismatch = errors.New("nonce count mismatch")

	// ErrInvalidPartialSignature is returned when a partial signature
	// does not verify.
	ErrInvalidPartialSignature = errors.New("invalid partial signature")

	// ErrAggregationFailed is returned when partial signatures can't be
	// combined into a valid signature.
	ErrAggregationFailed = errors.New("signature aggregation failed")
)

const (
	// PubNonceSize is the size of a serialized public nonce.
	PubNonceSize = musig2.PubNonceSize

	// SecNonceSize is the size of a serialized secret nonce.
	SecNonceSize = musig2.SecNonceSize

	// PartialSigSize is the size of a serialized partial signature.
	PartialSigSize = 32
)

// PubNonce is a public MuSig2 nonce.
type PubNonce [PubNonceSize]byte

// MarshalText encodes the nonce as hex.
func (n PubNonce) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(n[:])), nil
}

// UnmarshalText decodes a hex nonce.
func (n *PubNonce) UnmarshalText(text []byte) error {
	return decodeFixed(text, n[:])
}

// SecNonce is a secret MuSig2 nonce. It must be used for exactly one partial
// signature.
type SecNonce [SecNonceSize]byte

// PartialSig is the s value of a MuSig2 partial signature.
type PartialSig [PartialSigSize]byte

// MarshalText encodes the partial signature as hex.
func (s PartialSig) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(s[:])), nil
}

// UnmarshalText decodes a hex partial signature.
func (s *PartialSig) UnmarshalText(text []byte) error {
	return decodeFixed(text, s[:])
}

func decodeFixed(text []byte, out []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(raw) != len(out) {
		return fmt.Errorf("expected %d bytes, got %d", len(out),
			len(raw))
	}
	copy(out, raw)

	return nil
}

// KeyID is how a verifier is identified in nonce and signature maps: its
// compressed public key in hex.
func KeyID(key *btcec.PublicKey) string {
	return hex.EncodeToString(key.SerializeCompressed())
}

// Nonce is a freshly generated nonce pair.
type Nonce struct {
	Pub PubNonce
	Sec SecNonce
}

// GenerateNonce draws a new nonce pair for signer from the system RNG.
func GenerateNonce(signer *btcec.PublicKey) (*Nonce, error) {
	nonces, err := musig2.GenNonces(musig2.WithPublicKey(signer))
	if err != nil {
		return nil, err
	}

	return &Nonce{Pub: nonces.PubNonce, Sec: nonces.SecNonce}, nil
}

// checkNonces makes sure there is exactly one nonce per roster member.
func checkNonces(committee *contexts.Committee,
	nonces map[string]PubNonce) error {

	for _, key := range committee.Keys() {
		if _, ok := nonces[KeyID(key)]; !ok {
			return fmt.Errorf("%w: verifier %s", ErrMissingNonce,
				KeyID(key))
		}
	}

	if len(nonces) != committee.Size() {
		return fmt.Errorf("%w: have %d nonces for %d verifiers",
			ErrNonceCountMismatch, len(nonces), committee.Size())
	}

	return nil
}

// AggregateNonces sums the public nonces of the whole roster.
func AggregateNonces(committee *contexts.Committee,
	nonces map[string]PubNonce) ([PubNonceSize]byte, error) {

	if err := checkNonces(committee, nonces); err != nil {
		return [PubNonceSize]byte{}, err
	}

	// Summation is commutative, but iterate in a fixed order anyway so
	// errors are reproducible.
	ids := make([]string, 0, len(nonces))
	for id := range nonces {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	pubNonces := make([][PubNonceSize]byte, 0, len(ids))
	for _, id := range ids {
		pubNonces = append(pubNonces, nonces[id])
	}

	aggNonce, err := musig2.AggregateNonces(pubNonces)
	if err != nil {
		return [PubNonceSize]byte{}, fmt.Errorf("%w: %v",
			ErrAggregationFailed, err)
	}

	return aggNonce, nil
}

// Sign produces signer's partial signature over msg.
func Sign(signer *btcec.PrivateKey, secNonce SecNonce,
	committee *contexts.Committee, nonces map[string]PubNonce,
	msg [32]byte) (PartialSig, error) {

	aggNonce, err := AggregateNonces(committee, nonces)
	if err != nil {
		return PartialSig{}, err
	}

	sig, err := musig2.Sign(
		secNonce, signer, aggNonce, committee.Keys(), msg,
		musig2.WithSortedKeys(),
	)
	if err != nil {
		return PartialSig{}, fmt.Errorf("unable to sign: %w", err)
	}

	var (
		buf bytes.Buffer
		out PartialSig
	)
	if err := sig.Encode(&buf); err != nil {
		return PartialSig{}, err
	}
	copy(out[:], buf.Bytes())

	return out, nil
}

// parsePartialSig turns the serialized s value back into a signature.
func parsePartialSig(sig PartialSig,
	finalNonce *btcec.PublicKey) (*musig2.PartialSignature, error) {

	var s btcec.ModNScalar
	raw := [32]byte(sig)
	if overflow := s.SetBytes(&raw); overflow == 1 {
		return nil, ErrInvalidPartialSignature
	}

	partial := musig2.NewPartialSignature(&s, finalNonce)

	return &partial, nil
}

// VerifyPartialSig checks signer's partial signature over msg.
func VerifyPartialSig(sig PartialSig, signer *btcec.PublicKey,
	committee *contexts.Committee, nonces map[string]PubNonce,
	msg [32]byte) error {

	aggNonce, err := AggregateNonces(committee, nonces)
	if err != nil {
		return err
	}

	partial, err := parsePartialSig(sig, nil)
	if err != nil {
		return err
	}

	ok := partial.Verify(
		nonces[KeyID(signer)], aggNonce, committee.Keys(), signer, msg,
		musig2.WithSortedKeys(),
	)
	if !ok {
		return fmt.Errorf("%w: verifier %s", ErrInvalidPartialSignature,
			KeyID(signer))
	}

	return nil
}

// FinalNonce computes the nonce R = R1 + b*R2 the combined signature
// commits to.
func FinalNonce(aggNonce [PubNonceSize]byte, aggKey *btcec.PublicKey,
	msg [32]byte) (*btcec.PublicKey, error) {

	var buf bytes.Buffer
	buf.Write(aggNonce[:])
	buf.Write(schnorr.SerializePubKey(aggKey))
	buf.Write(msg[:])
	blindHash := chainhash.TaggedHash(musig2.NonceBlindTag, buf.Bytes())

	var blinder btcec.ModNScalar
	blinder.SetByteSlice(blindHash[:])

	r1, err := btcec.ParseJacobian(
		aggNonce[:btcec.PubKeyBytesLenCompressed],
	)
	if err != nil {
		return nil, err
	}
	r2, err := btcec.ParseJacobian(
		aggNonce[btcec.PubKeyBytesLenCompressed:],
	)
	if err != nil {
		return nil, err
	}

	var nonce btcec.JacobianPoint
	btcec.ScalarMultNonConst(&blinder, &r2, &r2)
	btcec.AddNonConst(&r1, &r2, &nonce)

	// An infinite nonce is replaced by the generator.
	if (nonce.X.IsZero() && nonce.Y.IsZero()) || nonce.Z.IsZero() {
		btcec.Generator().AsJacobian(&nonce)
	}
	nonce.ToAffine()

	return btcec.NewPublicKey(&nonce.X, &nonce.Y), nil
}

// CombineSigs combines the partial signatures of every roster member into a
// Schnorr signature valid under the committee's aggregate key.
func CombineSigs(committee *contexts.Committee, nonces map[string]PubNonce,
	sigs map[string]PartialSig, msg [32]byte) (*schnorr.Signature, error) {

	aggNonce, err := AggregateNonces(committee, nonces)
	if err != nil {
		return nil, err
	}

	if len(sigs) != committee.Size() {
		return nil, fmt.Errorf("%w: have %d partial signatures for %d "+
			"verifiers", ErrAggregationFailed, len(sigs),
			committee.Size())
	}

	finalNonce, err := FinalNonce(aggNonce, committee.AggregateKey(), msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAggregationFailed, err)
	}

	partials := make([]*musig2.PartialSignature, 0, len(sigs))
	for _, key := range committee.Keys() {
		sig, ok := sigs[KeyID(key)]
		if !ok {
			return nil, fmt.Errorf("%w: no partial signature from "+
				"%s", ErrAggregationFailed, KeyID(key))
		}

		err := VerifyPartialSig(sig, key, committee, nonces, msg)
		if err != nil {
			return nil, err
		}

		partial, err := parsePartialSig(sig, finalNonce)
		if err != nil {
			return nil, err
		}
		partials = append(partials, partial)
	}

	final := musig2.CombineSigs(finalNonce, partials)
	if !final.Verify(msg[:], committee.AggregateKey()) {
		return nil, fmt.Errorf("%w: combined signature does not "+
			"verify", ErrAggregationFailed)
	}

	log.Tracef("Combined %d partial signatures for msg %x", len(partials),
		msg[:])

	return final, nil
}
