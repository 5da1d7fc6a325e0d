// Package params holds the named constants shared by every part of the
// bridge: block counts for timelocks, amounts and the demo key material.
package params

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

// Block counts of the named timelock periods on mainnet.
const (
	NumBlocksPerHour   uint32 = 6
	NumBlocksPer6Hours uint32 = 36
	NumBlocksPerDay    uint32 = 144
	NumBlocksPer3Days  uint32 = 432
	NumBlocksPerWeek   uint32 = 1008
	NumBlocksPer2Weeks uint32 = 2016
	NumBlocksPer4Weeks uint32 = 4032
)

const (
	// InitialAmount is the default amount locked by a peg-in deposit.
	InitialAmount btcutil.Amount = 100_000

	// FeeAmount is the flat fee every graph transaction pays.
	FeeAmount btcutil.Amount = 1_000

	// DustAmount is the value of the small connector outputs that only
	// exist to be spent as a timelock or signature anchor.
	DustAmount btcutil.Amount = 10_000

	// RewardPercent is the share of a slashed output paid to whoever
	// broadcasts the slashing transaction.
	RewardPercent = 5
)

const (
	// GraphVersion is stamped into every serialized graph.
	GraphVersion = "0.1"

	// DefaultEsploraURL is the esplora instance used when none is given.
	DefaultEsploraURL = "https://mutinynet.com/api"

	// DefaultEVMAddress is the EVM address used by the demo peg-ins.
	DefaultEVMAddress = "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE"

	// SyncWindow is how far before the newest valid blob older blobs are
	// still merged on sync. Writers racing within this window converge.
	SyncWindow = 10 * time.Minute
)

// Demo secrets used by the --demo flag and by the test suites.
const (
	OperatorSecret   = "3076ca1dfc1e383be26d5dd3c0c427340f96139fa8c2520862cf551ec2d670ac"
	Verifier0Secret  = "ee0817eac0c13aa8ee2dd3256304041f09f0499d1089b56495310ae8093583e2"
	Verifier1Secret  = "fc294c70faf210d4d0807ea7a3dba8f7e41700d90c119e1ae82a0687d89d297f"
	DepositorSecret  = "b8f17ea979be24199e7c3fec71ee88914d92fd4ca508443f765d56ce024ef1d7"
	WithdrawerSecret = "fffd54f6d8f8ad470cb507fd4b6e9b3ea26b4221a4900cc5ad5916ce67c02f1e"
)

// NumBlocksPerNetwork returns the block count to use for a timelock of the
// given mainnet length. Every other network collapses the wait to a single
// block.
func NumBlocksPerNetwork(net *chaincfg.Params, mainnetBlocks uint32) uint32 {
	if net.Net == wire.MainNet {
		return mainnetBlocks
	}

	return 1
}

// Reward splits a slashed amount into the reward paid to the broadcaster and
// the amount burnt. The transaction fee comes out of the burnt part.
func Reward(total btcutil.Amount) (reward, burn btcutil.Amount) {
	reward = total * RewardPercent / 100
	burn = total - reward - FeeAmount

	return reward, burn
}

// NetworkByName maps the names accepted on the command line to chain
// parameters.
func NetworkByName(name string) (*chaincfg.Params, bool) {
	switch name {
	case "mainnet", "bitcoin":
		return &chaincfg.MainNetParams, true
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, true
	case "signet":
		return &chaincfg.SigNetParams, true
	case "regtest":
		return &chaincfg.RegressionNetParams, true
	}

	return nil, false
}
