package evm

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultPollInterval is how often the poller asks for new logs.
	DefaultPollInterval = 30 * time.Second

	// DefaultMaxBlockRange bounds the block range of a single log query,
	// which most providers cap.
	DefaultMaxBlockRange = 10_000

	blockTimeCacheSize = 1024
)

// Config locates the bridge contract.
type Config struct {
	RPCURL         string        `long:"rpcurl" env:"BRIDGE_CHAIN_ADAPTOR_ETHEREUM_RPC_URL" description:"Ethereum JSON-RPC endpoint"`
	BridgeAddress  string        `long:"bridgeaddress" env:"BRIDGE_CHAIN_ADAPTOR_ETHEREUM_BRIDGE_ADDRESS" description:"Address of the bridge contract"`
	BridgeCreation uint64        `long:"bridgecreation" env:"BRIDGE_CHAIN_ADAPTOR_ETHEREUM_BRIDGE_CREATION" description:"Block the bridge contract was deployed in"`
	PollInterval   time.Duration `long:"pollinterval" description:"How often to poll for new events"`
	MaxBlockRange  uint64        `long:"maxblockrange" description:"Largest block range queried at once"`
}

// DefaultConfig returns an unconfigured adaptor config with default polling
// parameters.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:  DefaultPollInterval,
		MaxBlockRange: DefaultMaxBlockRange,
	}
}

// Configured reports whether the node and the contract are known.
func (c *Config) Configured() bool {
	return c != nil && c.RPCURL != "" && c.BridgeAddress != ""
}

// LogClient is the part of an Ethereum client the adaptor uses.
// *ethclient.Client implements it.
type LogClient interface {
	BlockNumber(ctx context.Context) (uint64, error)

	HeaderByNumber(ctx context.Context,
		number *big.Int) (*types.Header, error)

	FilterLogs(ctx context.Context,
		q ethereum.FilterQuery) ([]types.Log, error)
}

// Adaptor reads bridge events.
type Adaptor struct {
	client LogClient
	bridge common.Address

	creation      uint64
	maxBlockRange uint64

	blockTimes *lru.Cache[uint64, uint32]

	mu sync.Mutex

	// next is the first block Poll has not looked at yet.
	next uint64
}

// Dial connects to the configured node.
func Dial(ctx context.Context, cfg *Config) (*Adaptor, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRPC, err)
	}

	return NewAdaptor(client, cfg)
}

// NewAdaptor returns an adaptor reading through client.
func NewAdaptor(client LogClient, cfg *Config) (*Adaptor, error) {
	if !common.IsHexAddress(cfg.BridgeAddress) {
		return nil, fmt.Errorf("invalid bridge address %q",
			cfg.BridgeAddress)
	}

	blockTimes, err := lru.New[uint64, uint32](blockTimeCacheSize)
	if err != nil {
		return nil, err
	}

	maxRange := cfg.MaxBlockRange
	if maxRange == 0 {
		maxRange = DefaultMaxBlockRange
	}

	return &Adaptor{
		client:        client,
		bridge:        common.HexToAddress(cfg.BridgeAddress),
		creation:      cfg.BridgeCreation,
		maxBlockRange: maxRange,
		blockTimes:    blockTimes,
		next:          cfg.BridgeCreation,
	}, nil
}

// filterLogs returns the logs of topics in [from, to], querying at most
// maxBlockRange blocks at a time.
func (a *Adaptor) filterLogs(ctx context.Context, from, to uint64,
	topics ...common.Hash) ([]types.Log, error) {

	var logs []types.Log
	for start := from; start <= to; start += a.maxBlockRange {
		end := start + a.maxBlockRange - 1
		if end > to {
			end = to
		}

		batch, err := a.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{a.bridge},
			Topics:    [][]common.Hash{topics},
		})
		if err != nil {
			return nil, fmt.Errorf("%w: eth_getLogs [%d, %d]: %v",
				ErrRPC, start, end, err)
		}

		log.Tracef("Got %d bridge logs in blocks [%d, %d]", len(batch),
			start, end)

		logs = append(logs, batch...)
	}

	return logs, nil
}

// blockTime returns the timestamp of block number.
func (a *Adaptor) blockTime(ctx context.Context, number uint64) (uint32,
	error) {

	if t, ok := a.blockTimes.Get(number); ok {
		return t, nil
	}

	header, err := a.client.HeaderByNumber(
		ctx, new(big.Int).SetUint64(number),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: header %d: %v", ErrRPC, number, err)
	}

	t := uint32(header.Time)
	a.blockTimes.Add(number, t)

	return t, nil
}

// decode turns logs into events. Removed logs are dropped, undecodable ones
// are logged and skipped so a single bad log does not block the rest.
func (a *Adaptor) decode(ctx context.Context,
	logs []types.Log) ([]Event, error) {

	events := make([]Event, 0, len(logs))
	for i := range logs {
		l := &logs[i]
		if l.Removed {
			continue
		}

		event, err := DecodeLog(l)
		if err != nil {
			log.Warnf("Skipping bridge log: %v", err)
			continue
		}

		if pegOut, ok := event.(*PegOutInitiated); ok {
			pegOut.Timestamp, err = a.blockTime(ctx, l.BlockNumber)
			if err != nil {
				return nil, err
			}
		}

		events = append(events, event)
	}

	return events, nil
}

// tip returns the latest block number.
func (a *Adaptor) tip(ctx context.Context) (uint64, error) {
	tip, err := a.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: eth_blockNumber: %v", ErrRPC, err)
	}

	return tip, nil
}

// PegOutsInitiated returns every peg-out request since the contract was
// created.
func (a *Adaptor) PegOutsInitiated(
	ctx context.Context) ([]*PegOutInitiated, error) {

	events, err := a.history(ctx, PegOutInitiatedTopic)
	if err != nil {
		return nil, err
	}

	pegOuts := make([]*PegOutInitiated, 0, len(events))
	for _, event := range events {
		if pegOut, ok := event.(*PegOutInitiated); ok {
			pegOuts = append(pegOuts, pegOut)
		}
	}

	return pegOuts, nil
}

// PegInsMinted returns every mint since the contract was created.
func (a *Adaptor) PegInsMinted(ctx context.Context) ([]*PegInMinted, error) {
	events, err := a.history(ctx, PegInMintedTopic)
	if err != nil {
		return nil, err
	}

	mints := make([]*PegInMinted, 0, len(events))
	for _, event := range events {
		if mint, ok := event.(*PegInMinted); ok {
			mints = append(mints, mint)
		}
	}

	return mints, nil
}

func (a *Adaptor) history(ctx context.Context,
	topic common.Hash) ([]Event, error) {

	tip, err := a.tip(ctx)
	if err != nil {
		return nil, err
	}
	if tip < a.creation {
		return nil, nil
	}

	logs, err := a.filterLogs(ctx, a.creation, tip, topic)
	if err != nil {
		return nil, err
	}

	return a.decode(ctx, logs)
}

// Poll returns the events emitted since the previous call, starting at the
// contract creation block. On error nothing is consumed.
func (a *Adaptor) Poll(ctx context.Context) ([]Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tip, err := a.tip(ctx)
	if err != nil {
		return nil, err
	}
	if tip < a.next {
		return nil, nil
	}

	logs, err := a.filterLogs(
		ctx, a.next, tip, PegOutInitiatedTopic, PegInMintedTopic,
	)
	if err != nil {
		return nil, err
	}

	events, err := a.decode(ctx, logs)
	if err != nil {
		return nil, err
	}

	log.Debugf("Polled blocks [%d, %d]: %d bridge events", a.next, tip,
		len(events))

	a.next = tip + 1

	return events, nil
}
