package params

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

// TestNumBlocksPerNetwork asserts that mainnet keeps the declared block counts
// while every test network collapses them to a single block.
func TestNumBlocksPerNetwork(t *testing.T) {
	t.Parallel()

	named := []uint32{
		NumBlocksPerHour, NumBlocksPer6Hours, NumBlocksPerDay,
		NumBlocksPer3Days, NumBlocksPerWeek, NumBlocksPer2Weeks,
		NumBlocksPer4Weeks,
	}

	for _, blocks := range named {
		require.Equal(
			t, blocks,
			NumBlocksPerNetwork(&chaincfg.MainNetParams, blocks),
		)

		for _, net := range []*chaincfg.Params{
			&chaincfg.TestNet3Params, &chaincfg.SigNetParams,
			&chaincfg.RegressionNetParams,
		} {
			require.EqualValues(t, 1, NumBlocksPerNetwork(net, blocks))
		}
	}

	require.EqualValues(t, 2016, NumBlocksPer2Weeks)
	require.EqualValues(t, 4032, NumBlocksPer4Weeks)
	require.EqualValues(t, 36, NumBlocksPer6Hours)
}

func TestReward(t *testing.T) {
	t.Parallel()

	reward, burn := Reward(btcutil.Amount(100_000))
	require.Equal(t, btcutil.Amount(5_000), reward)
	require.Equal(t, btcutil.Amount(94_000), burn)
	require.Equal(t, btcutil.Amount(100_000), reward+burn+FeeAmount)
}

func TestNetworkByName(t *testing.T) {
	t.Parallel()

	net, ok := NetworkByName("regtest")
	require.True(t, ok)
	require.Equal(t, chaincfg.RegressionNetParams.Name, net.Name)

	_, ok = NetworkByName("litecoin")
	require.False(t, ok)
}
