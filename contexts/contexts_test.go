package contexts

import (
	"testing"

	"github.com/bitvm/bridge/params"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

func demoCommittee(t *testing.T) *Committee {
	t.Helper()

	v0, err := ParseSecret(params.Verifier0Secret)
	require.NoError(t, err)
	v1, err := ParseSecret(params.Verifier1Secret)
	require.NoError(t, err)

	committee, err := NewCommittee(
		[]*btcec.PublicKey{v0.PubKey(), v1.PubKey()},
	)
	require.NoError(t, err)

	return committee
}

// TestCommitteeOrderIndependent checks that the aggregate key does not depend
// on the order of the roster.
func TestCommitteeOrderIndependent(t *testing.T) {
	t.Parallel()

	c := demoCommittee(t)
	keys := c.Keys()

	reversed, err := NewCommittee(
		[]*btcec.PublicKey{keys[1], keys[0]},
	)
	require.NoError(t, err)

	require.True(t, c.AggregateKey().IsEqual(reversed.AggregateKey()))
	require.Equal(t, 2, reversed.Size())

	fromHex, err := NewCommitteeFromHex(c.HexKeys())
	require.NoError(t, err)
	require.True(t, c.AggregateKey().IsEqual(fromHex.AggregateKey()))
}

// TestCommitteeKeepsRosterOrder checks that the roster is kept in the order it
// was given and that the caller's slice is left alone.
func TestCommitteeKeepsRosterOrder(t *testing.T) {
	t.Parallel()

	keys := demoCommittee(t).Keys()
	v0, v1 := keys[0], keys[1]

	for _, order := range [][]*btcec.PublicKey{{v0, v1}, {v1, v0}} {
		given := []*btcec.PublicKey{order[0], order[1]}

		c, err := NewCommittee(given)
		require.NoError(t, err)

		require.True(t, given[0].IsEqual(order[0]))
		require.True(t, given[1].IsEqual(order[1]))

		roster := c.Keys()
		require.Len(t, roster, 2)
		require.True(t, roster[0].IsEqual(order[0]))
		require.True(t, roster[1].IsEqual(order[1]))

		fromHex, err := NewCommitteeFromHex(c.HexKeys())
		require.NoError(t, err)
		require.Equal(t, c.HexKeys(), fromHex.HexKeys())
	}
}

func TestCommitteeRejectsBadRosters(t *testing.T) {
	t.Parallel()

	_, err := NewCommittee(nil)
	require.ErrorIs(t, err, ErrEmptyCommittee)

	keys := demoCommittee(t).Keys()
	_, err = NewCommittee([]*btcec.PublicKey{keys[0], keys[0]})
	require.ErrorIs(t, err, ErrDuplicateVerifier)

	_, err = NewCommitteeFromHex([]string{"zz"})
	require.Error(t, err)
}

func TestRoleContexts(t *testing.T) {
	t.Parallel()

	net := &chaincfg.TestNet3Params
	committee := demoCommittee(t)

	depositor, err := NewDepositorContext(
		net, params.DepositorSecret, committee,
	)
	require.NoError(t, err)
	require.Equal(t, RoleDepositor, depositor.Role())
	require.Equal(t, net, depositor.Network())
	require.Equal(
		t, schnorr.SerializePubKey(depositor.PublicKey()),
		schnorr.SerializePubKey(depositor.TaprootPublicKey()),
	)

	operator, err := NewOperatorContext(
		net, params.OperatorSecret, committee,
	)
	require.NoError(t, err)
	require.Equal(t, "operator", operator.Role().String())

	verifier, err := NewVerifierContext(
		net, params.Verifier1Secret, committee,
	)
	require.NoError(t, err)
	require.True(t, committee.Contains(verifier.PublicKey()))

	// The operator key is not on the roster.
	_, err = NewVerifierContext(net, params.OperatorSecret, committee)
	require.ErrorIs(t, err, ErrNotInCommittee)

	withdrawer, err := NewWithdrawerContext(
		net, params.WithdrawerSecret, committee,
	)
	require.NoError(t, err)
	require.Equal(t, RoleWithdrawer, withdrawer.Role())

	_, err = NewDepositorContext(net, "abcd", committee)
	require.ErrorIs(t, err, ErrInvalidSecret)

	_, err = NewDepositorContext(net, params.DepositorSecret, nil)
	require.ErrorIs(t, err, ErrEmptyCommittee)
}
