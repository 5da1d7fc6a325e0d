package connectors

import (
	"github.com/bitvm/bridge/params"
	"github.com/btcsuite/btcd/chaincfg"
)

// RefundTimelock is how long the depositor waits before reclaiming an
// unconfirmed deposit.
func RefundTimelock(net *chaincfg.Params) uint32 {
	return params.NumBlocksPerNetwork(net, params.NumBlocksPer2Weeks)
}

// StartTimeTimeout is how long the operator has to commit its start time
// after kick off 1.
func StartTimeTimeout(net *chaincfg.Params) uint32 {
	return params.NumBlocksPerNetwork(net, params.NumBlocksPerDay)
}

// KickOff2Timelock is the measurement window between kick off 1 and the
// superblock commitment of kick off 2.
func KickOff2Timelock(net *chaincfg.Params) uint32 {
	return params.NumBlocksPerNetwork(net, params.NumBlocksPer6Hours)
}

// KickOffTimeout is how long the operator has to broadcast kick off 2 after
// kick off 1.
func KickOffTimeout(net *chaincfg.Params) uint32 {
	return params.NumBlocksPerNetwork(net, params.NumBlocksPer3Days)
}

// Take1Timelock is the challenge period after kick off 2.
func Take1Timelock(net *chaincfg.Params) uint32 {
	return params.NumBlocksPerNetwork(net, params.NumBlocksPer2Weeks)
}

// BurnTimelock is how long after kick off 2 the committee may burn an
// operator bond that was neither taken nor asserted.
func BurnTimelock(net *chaincfg.Params) uint32 {
	return params.NumBlocksPerNetwork(net, params.NumBlocksPer4Weeks)
}

// Take2Timelock is the disprove period after assert final.
func Take2Timelock(net *chaincfg.Params) uint32 {
	return params.NumBlocksPerNetwork(net, params.NumBlocksPer2Weeks)
}
