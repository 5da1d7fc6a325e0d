package graphs

import (
	"context"
	"sync"

	"github.com/bitvm/bridge/build"
	"github.com/bitvm/bridge/chain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"golang.org/x/sync/errgroup"
)

// TxState is what the chain knows about one graph transaction.
type TxState struct {
	Txid chainhash.Hash

	chain.TxStatus
}

// ChainSnapshot is the chain as seen by a graph at one point in time.
// Statuses are computed from a graph and a snapshot only.
type ChainSnapshot struct {
	// Tip is the height of the best block.
	Tip uint32

	// Txs maps transaction names to their chain state. Transactions the
	// chain does not know are absent.
	Txs map[string]TxState

	// SuperblockInvalid is set when the superblock committed by kick
	// off 2 is known to be beaten.
	SuperblockInvalid bool
}

// NewChainSnapshot returns an empty snapshot at tip.
func NewChainSnapshot(tip uint32) *ChainSnapshot {
	return &ChainSnapshot{
		Tip: tip,
		Txs: make(map[string]TxState),
	}
}

// Known reports whether name is mined or in the mempool.
func (s *ChainSnapshot) Known(name string) bool {
	return s.Txs[name].Known
}

// Confirmed reports whether name is mined.
func (s *ChainSnapshot) Confirmed(name string) bool {
	return s.Txs[name].Confirmed
}

// Height returns the height name was mined at, zero if it was not.
func (s *ChainSnapshot) Height(name string) uint32 {
	return s.Txs[name].BlockHeight
}

// Matured reports whether name was mined at least blocks before the tip.
func (s *ChainSnapshot) Matured(name string, blocks uint32) bool {
	state := s.Txs[name]

	return state.Confirmed && s.Tip >= state.BlockHeight+blocks
}

// watchedTx is a transaction whose txid is fixed when the graph is built.
type watchedTx struct {
	name string
	txid chainhash.Hash
}

// anchoredTx is a transaction whose txid is only fixed at broadcast. It is
// found through the output it spends, unless one of the fixed alternatives
// spent that output.
type anchoredTx struct {
	name         string
	anchor       wire.OutPoint
	alternatives []string
}

// sampleChain queries the tip and every transaction concurrently.
func sampleChain(ctx context.Context, c chain.Client, watched []watchedTx,
	anchored []anchoredTx) (*ChainSnapshot, error) {

	var (
		mu     sync.Mutex
		snap   = NewChainSnapshot(0)
		spends = make([]*chain.OutSpend, len(anchored))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		tip, err := c.GetTipHeight(gctx)
		if err != nil {
			return err
		}

		mu.Lock()
		snap.Tip = tip
		mu.Unlock()

		return nil
	})
	for _, w := range watched {
		g.Go(func() error {
			status, err := c.GetTxStatus(gctx, w.txid)
			if err != nil {
				return err
			}
			if !status.Known {
				return nil
			}

			mu.Lock()
			snap.Txs[w.name] = TxState{
				Txid:     w.txid,
				TxStatus: *status,
			}
			mu.Unlock()

			return nil
		})
	}
	for i, a := range anchored {
		g.Go(func() error {
			spend, err := c.GetOutSpend(gctx, a.anchor)
			if err != nil {
				return err
			}
			spends[i] = spend

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, a := range anchored {
		spend := spends[i]
		if !spend.Spent || spentByAlternative(snap, spend, a) {
			continue
		}

		snap.Txs[a.name] = TxState{
			Txid:     spend.Txid,
			TxStatus: spend.TxStatus,
		}
	}

	log.Tracef("Sampled chain at tip %d: %v", snap.Tip, build.NewLogClosure(
		func() string {
			return spew.Sdump(snap.Txs)
		},
	))

	return snap, nil
}

// spentByAlternative reports whether spend is one of the fixed alternatives
// of a.
func spentByAlternative(snap *ChainSnapshot, spend *chain.OutSpend,
	a anchoredTx) bool {

	for _, name := range a.alternatives {
		state, ok := snap.Txs[name]
		if ok && state.Txid == spend.Txid {
			return true
		}
	}

	return false
}
