// Package winternitz implements Winternitz one-time signatures over hash160
// chains together with the tapscript that verifies them on chain. Messages
// are split into 4-bit digits, so every chain is 15 hashes long, and a base-16
// checksum prevents a signature from being bumped to a larger digit value.
package winternitz

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
)

const (
	// LogD is the number of message bits carried by a single digit.
	LogD = 4

	// D is the largest digit value and the length of every hash chain.
	D = 1<<LogD - 1

	// HashSize is the size of a chain element.
	HashSize = 20
)

var (
	// ErrMessageLength is returned when a message does not match the
	// parameters it is signed with.
	ErrMessageLength = errors.New("winternitz message has wrong length")

	// ErrInvalidSignature is returned when a signature does not open the
	// public key.
	ErrInvalidSignature = errors.New("invalid winternitz signature")

	// ErrMalformedWitness is returned when a witness can't be parsed into
	// a signature.
	ErrMalformedWitness = errors.New("malformed winternitz witness")
)

// Params fixes the message length of a key.
type Params struct {
	// MessageLen is the message size in bytes.
	MessageLen int
}

// NewParams returns the parameters for messages of msgLen bytes.
func NewParams(msgLen int) Params {
	return Params{MessageLen: msgLen}
}

// MessageDigits is the number of digits carrying the message.
func (p Params) MessageDigits() int {
	return 2 * p.MessageLen
}

// ChecksumDigits is the number of digits needed to carry the checksum.
func (p Params) ChecksumDigits() int {
	maxChecksum := D * p.MessageDigits()

	n := 0
	for maxChecksum > 0 {
		n++
		maxChecksum >>= LogD
	}

	return n
}

// Digits is the total number of digits, and therefore chains, of a key.
func (p Params) Digits() int {
	return p.MessageDigits() + p.ChecksumDigits()
}

// PublicKey is the list of chain ends, one per digit.
type PublicKey [][HashSize]byte

// Signature is a one-time signature over a message: one chain element per
// digit along with the digit values.
type Signature struct {
	Digits    []uint8
	Preimages [][HashSize]byte
}

// DeriveSecret derives an independent Winternitz secret from a master secret
// and a label. Each label must only ever sign a single message.
func DeriveSecret(master []byte, label string) []byte {
	h := sha256.New()
	h.Write(master)
	h.Write([]byte(label))

	return h.Sum(nil)
}

// digitSecret is the start of the chain for digit i.
func digitSecret(secret []byte, i int) [HashSize]byte {
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], uint32(i))

	var out [HashSize]byte
	copy(out[:], btcutil.Hash160(append(append([]byte{}, secret...),
		idx[:]...)))

	return out
}

// hashChain applies hash160 n times.
func hashChain(start [HashSize]byte, n int) [HashSize]byte {
	cur := start
	for i := 0; i < n; i++ {
		copy(cur[:], btcutil.Hash160(cur[:]))
	}

	return cur
}

// GeneratePublicKey derives the public key of secret.
func GeneratePublicKey(p Params, secret []byte) PublicKey {
	pk := make(PublicKey, p.Digits())
	for i := range pk {
		pk[i] = hashChain(digitSecret(secret, i), D)
	}

	return pk
}

// ToDigits splits msg into its checksum and message digits. The checksum
// digits come first, least significant first.
func ToDigits(p Params, msg []byte) ([]uint8, error) {
	if len(msg) != p.MessageLen {
		return nil, fmt.Errorf("%w: want %d bytes, got %d",
			ErrMessageLength, p.MessageLen, len(msg))
	}

	n1 := p.ChecksumDigits()
	digits := make([]uint8, p.Digits())

	sum := 0
	for j, b := range msg {
		hi, lo := b>>LogD, b&D
		digits[n1+2*j] = hi
		digits[n1+2*j+1] = lo
		sum += int(hi) + int(lo)
	}

	checksum := D*p.MessageDigits() - sum
	for i := 0; i < n1; i++ {
		digits[i] = uint8(checksum & D)
		checksum >>= LogD
	}

	return digits, nil
}

// fromDigits reassembles the message and checks the checksum digits.
func fromDigits(p Params, digits []uint8) ([]byte, error) {
	if len(digits) != p.Digits() {
		return nil, ErrMalformedWitness
	}

	n1 := p.ChecksumDigits()
	msg := make([]byte, p.MessageLen)

	sum := 0
	for j := range msg {
		hi, lo := digits[n1+2*j], digits[n1+2*j+1]
		if hi > D || lo > D {
			return nil, ErrMalformedWitness
		}
		msg[j] = hi<<LogD | lo
		sum += int(hi) + int(lo)
	}

	checksum := 0
	for i := n1 - 1; i >= 0; i-- {
		checksum = checksum<<LogD | int(digits[i])
	}
	if checksum != D*p.MessageDigits()-sum {
		return nil, fmt.Errorf("%w: checksum mismatch",
			ErrInvalidSignature)
	}

	return msg, nil
}

// Sign signs msg with secret.
func Sign(p Params, secret, msg []byte) (*Signature, error) {
	digits, err := ToDigits(p, msg)
	if err != nil {
		return nil, err
	}

	preimages := make([][HashSize]byte, len(digits))
	for i, v := range digits {
		preimages[i] = hashChain(digitSecret(secret, i), int(v))
	}

	return &Signature{Digits: digits, Preimages: preimages}, nil
}

// Verify checks sig against pk and returns the signed message.
func Verify(p Params, pk PublicKey, sig *Signature) ([]byte, error) {
	if len(pk) != p.Digits() || len(sig.Digits) != p.Digits() ||
		len(sig.Preimages) != p.Digits() {

		return nil, ErrMalformedWitness
	}

	msg, err := fromDigits(p, sig.Digits)
	if err != nil {
		return nil, err
	}

	for i, v := range sig.Digits {
		end := hashChain(sig.Preimages[i], D-int(v))
		if !bytes.Equal(end[:], pk[i][:]) {
			return nil, fmt.Errorf("%w: digit %d", ErrInvalidSignature,
				i)
		}
	}

	return msg, nil
}

// Witness lays out the signature as tapscript witness items: a preimage
// followed by its digit for every digit, with digit 0 on top of the stack.
func (s *Signature) Witness() [][]byte {
	items := make([][]byte, 0, 2*len(s.Digits))
	for i := len(s.Digits) - 1; i >= 0; i-- {
		preimage := s.Preimages[i]
		items = append(items, preimage[:], encodeDigit(s.Digits[i]))
	}

	return items
}

// SignatureFromWitness parses the witness items produced by Witness.
func SignatureFromWitness(p Params, items [][]byte) (*Signature, error) {
	n := p.Digits()
	if len(items) != 2*n {
		return nil, fmt.Errorf("%w: want %d items, got %d",
			ErrMalformedWitness, 2*n, len(items))
	}

	sig := &Signature{
		Digits:    make([]uint8, n),
		Preimages: make([][HashSize]byte, n),
	}
	for i := 0; i < n; i++ {
		preimage := items[2*(n-1-i)]
		digit := items[2*(n-1-i)+1]

		if len(preimage) != HashSize || len(digit) > 1 {
			return nil, ErrMalformedWitness
		}
		copy(sig.Preimages[i][:], preimage)
		if len(digit) == 1 {
			sig.Digits[i] = digit[0]
		}
	}

	return sig, nil
}

// encodeDigit pushes v as a minimally encoded script number.
func encodeDigit(v uint8) []byte {
	if v == 0 {
		return []byte{}
	}

	return []byte{v}
}

// AppendVerifyScript appends the tapscript that checks a signature of pk and
// leaves nothing on the stack. The script expects the 2*Digits witness items
// of Witness on top of the stack.
func AppendVerifyScript(b *txscript.ScriptBuilder, p Params, pk PublicKey) {
	for i := 0; i < p.Digits(); i++ {
		// Range check the digit and keep two copies of it around.
		b.AddOp(txscript.OP_DUP)
		b.AddInt64(0)
		b.AddInt64(D + 1)
		b.AddOp(txscript.OP_WITHIN)
		b.AddOp(txscript.OP_VERIFY)
		b.AddOp(txscript.OP_DUP)
		b.AddOp(txscript.OP_TOALTSTACK)
		b.AddOp(txscript.OP_TOALTSTACK)

		for j := 0; j < D; j++ {
			b.AddOp(txscript.OP_DUP)
			b.AddOp(txscript.OP_HASH160)
		}

		b.AddOp(txscript.OP_FROMALTSTACK)
		b.AddOp(txscript.OP_PICK)
		b.AddData(pk[i][:])
		b.AddOp(txscript.OP_EQUALVERIFY)

		for j := 0; j < (D+1)/2; j++ {
			b.AddOp(txscript.OP_2DROP)
		}
	}

	// Sum the message digits, negated, and add the maximum checksum.
	b.AddOp(txscript.OP_FROMALTSTACK)
	b.AddOp(txscript.OP_DUP)
	b.AddOp(txscript.OP_NEGATE)
	for i := 1; i < p.MessageDigits(); i++ {
		b.AddOp(txscript.OP_FROMALTSTACK)
		b.AddOp(txscript.OP_TUCK)
		b.AddOp(txscript.OP_SUB)
	}
	b.AddInt64(int64(D * p.MessageDigits()))
	b.AddOp(txscript.OP_ADD)

	// Rebuild the checksum from its digits, most significant first.
	b.AddOp(txscript.OP_FROMALTSTACK)
	for i := 1; i < p.ChecksumDigits(); i++ {
		for j := 0; j < LogD; j++ {
			b.AddOp(txscript.OP_DUP)
			b.AddOp(txscript.OP_ADD)
		}
		b.AddOp(txscript.OP_FROMALTSTACK)
		b.AddOp(txscript.OP_ADD)
	}
	b.AddOp(txscript.OP_EQUALVERIFY)

	for i := 0; i < p.MessageDigits()/2; i++ {
		b.AddOp(txscript.OP_2DROP)
	}
}

// VerifyScript returns the stand-alone verification script of pk.
func VerifyScript(p Params, pk PublicKey) ([]byte, error) {
	b := txscript.NewScriptBuilder()
	AppendVerifyScript(b, p, pk)

	return b.Script()
}

// MarshalJSON encodes the key as a list of hex chain ends.
func (pk PublicKey) MarshalJSON() ([]byte, error) {
	ends := make([]string, len(pk))
	for i, end := range pk {
		ends[i] = hex.EncodeToString(end[:])
	}

	return json.Marshal(ends)
}

// UnmarshalJSON decodes a key written by MarshalJSON.
func (pk *PublicKey) UnmarshalJSON(b []byte) error {
	var ends []string
	if err := json.Unmarshal(b, &ends); err != nil {
		return err
	}

	key := make(PublicKey, len(ends))
	for i, end := range ends {
		raw, err := hex.DecodeString(end)
		if err != nil {
			return err
		}
		if len(raw) != HashSize {
			return fmt.Errorf("invalid winternitz chain end %q", end)
		}
		copy(key[i][:], raw)
	}
	*pk = key

	return nil
}

// Equal reports whether both keys have the same chain ends.
func (pk PublicKey) Equal(other PublicKey) bool {
	if len(pk) != len(other) {
		return false
	}
	for i := range pk {
		if pk[i] != other[i] {
			return false
		}
	}

	return true
}
