package contexts

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
)

// Committee is the ordered roster of verifier public keys together with their
// MuSig2 aggregate. The aggregate is computed over the sorted key set, so two
// rosters listing the same keys in a different order share one aggregate key.
type Committee struct {
	keys      []*btcec.PublicKey
	aggregate *btcec.PublicKey
}

// NewCommittee aggregates the given verifier keys.
func NewCommittee(keys []*btcec.PublicKey) (*Committee, error) {
	if len(keys) == 0 {
		return nil, ErrEmptyCommittee
	}

	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		id := hex.EncodeToString(key.SerializeCompressed())
		if _, ok := seen[id]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateVerifier,
				id)
		}
		seen[id] = struct{}{}
	}

	roster := make([]*btcec.PublicKey, len(keys))
	copy(roster, keys)

	// Sorted aggregation reorders the slice it is given.
	sorted := make([]*btcec.PublicKey, len(keys))
	copy(sorted, keys)

	aggKey, _, _, err := musig2.AggregateKeys(sorted, true)
	if err != nil {
		return nil, fmt.Errorf("unable to aggregate committee "+
			"keys: %w", err)
	}

	return &Committee{
		keys:      roster,
		aggregate: aggKey.FinalKey,
	}, nil
}

// NewCommitteeFromHex parses compressed hex public keys into a committee.
func NewCommitteeFromHex(keys []string) (*Committee, error) {
	pubKeys := make([]*btcec.PublicKey, 0, len(keys))
	for _, k := range keys {
		raw, err := hex.DecodeString(k)
		if err != nil {
			return nil, fmt.Errorf("invalid verifier key %q: %w",
				k, err)
		}

		pubKey, err := btcec.ParsePubKey(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid verifier key %q: %w",
				k, err)
		}
		pubKeys = append(pubKeys, pubKey)
	}

	return NewCommittee(pubKeys)
}

// Keys returns the roster in the order it was given.
func (c *Committee) Keys() []*btcec.PublicKey {
	keys := make([]*btcec.PublicKey, len(c.keys))
	copy(keys, c.keys)

	return keys
}

// Size returns the number of verifiers.
func (c *Committee) Size() int {
	return len(c.keys)
}

// AggregateKey returns the MuSig2 aggregate of the roster.
func (c *Committee) AggregateKey() *btcec.PublicKey {
	return c.aggregate
}

// TaprootKey returns the x-only aggregate key used inside tapscripts.
func (c *Committee) TaprootKey() *btcec.PublicKey {
	return XOnly(c.aggregate)
}

// Contains reports whether key is on the roster.
func (c *Committee) Contains(key *btcec.PublicKey) bool {
	for _, k := range c.keys {
		if k.IsEqual(key) {
			return true
		}
	}

	return false
}

// HexKeys returns the roster as compressed hex strings.
func (c *Committee) HexKeys() []string {
	keys := make([]string, len(c.keys))
	for i, k := range c.keys {
		keys[i] = hex.EncodeToString(k.SerializeCompressed())
	}

	return keys
}
