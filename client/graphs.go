package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/bitvm/bridge/evm"
	"github.com/bitvm/bridge/graphs"
	"github.com/bitvm/bridge/params"
	"github.com/bitvm/bridge/transactions"
	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/common"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// CreatePegInGraph builds a depositor's peg-in of input minting to
// evmAddress and adds it to the local state. The graph is published by the
// next Flush.
func (c *BitVMClient) CreatePegInGraph(input transactions.Input,
	evmAddress common.Address) (string, error) {

	depositor := c.cfg.Depositor
	if depositor == nil {
		return "", fmt.Errorf("%w: creating a peg-in needs a "+
			"depositor", ErrRole)
	}

	g, err := graphs.NewPegInGraph(depositor, input, evmAddress)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.data.PegInGraph(g.ID()); ok {
		return "", fmt.Errorf("%w: peg-in %v", ErrGraphExists, g.ID())
	}
	c.addPegIn(g)

	log.Infof("Created peg-in graph %v of %v", g.ID(), input.Amount)

	return g.ID(), nil
}

// CreatePegOutGraph builds the operator's peg-out graph claiming the
// peg-in pegInID, funded by kickOff. An operator has at most one graph per
// peg-in.
func (c *BitVMClient) CreatePegOutGraph(pegInID string,
	kickOff transactions.Input) (string, error) {

	operator := c.cfg.Operator
	if operator == nil {
		return "", fmt.Errorf("%w: creating a peg-out needs an "+
			"operator", ErrRole)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	pegIn, ok := c.data.PegInGraph(pegInID)
	if !ok {
		return "", fmt.Errorf("%w: peg-in %v", ErrUnknownGraph, pegInID)
	}

	id := graphs.PegOutGraphID(pegInID, operator.PublicKey())
	if _, ok := c.data.PegOutGraph(id); ok {
		return "", fmt.Errorf("%w: peg-out %v of peg-in %v",
			ErrGraphExists, id, pegInID)
	}

	g, err := graphs.NewPegOutGraph(operator, pegIn, kickOff)
	if err != nil {
		return "", err
	}
	c.addPegOut(g)

	log.Infof("Created peg-out graph %v for peg-in %v", id, pegInID)

	return id, nil
}

// addPegIn inserts a new graph keeping the collection sorted.
func (c *BitVMClient) addPegIn(g *graphs.PegInGraph) {
	c.data.merge(&BridgeData{
		PegInGraphs:  []*graphs.PegInGraph{g},
		PegOutGraphs: []*graphs.PegOutGraph{},
	})
	c.metrics.setGraphs(c.data)
}

// addPegOut inserts a new graph keeping the collection sorted.
func (c *BitVMClient) addPegOut(g *graphs.PegOutGraph) {
	c.data.merge(&BridgeData{
		PegInGraphs:  []*graphs.PegInGraph{},
		PegOutGraphs: []*graphs.PegOutGraph{g},
	})
	c.metrics.setGraphs(c.data)
}

// replacePegOut swaps the stored graph with the same id for g.
func (c *BitVMClient) replacePegOut(g *graphs.PegOutGraph) {
	for i, stored := range c.data.PegOutGraphs {
		if stored.ID() == g.ID() {
			c.data.PegOutGraphs[i] = g
			return
		}
	}
}

// replacePegIn swaps the stored graph with the same id for g.
func (c *BitVMClient) replacePegIn(g *graphs.PegInGraph) {
	for i, stored := range c.data.PegInGraphs {
		if stored.ID() == g.ID() {
			c.data.PegInGraphs[i] = g
			return
		}
	}
}

// pegOutByConfirm returns the operator's graph reimbursed from the peg-in
// confirm output op.
func (c *BitVMClient) pegOutByConfirm(
	op wire.OutPoint) (*graphs.PegOutGraph, bool) {

	key := c.cfg.Operator.PublicKey()
	for _, g := range c.data.PegOutGraphs {
		if g.PegInConfirm().Outpoint == op && g.OperatorKey().IsEqual(key) {
			return g, true
		}
	}

	return nil, false
}

// spentInputs returns the operator outputs already committed to by a graph,
// either as kick off input or as withdrawal funding.
func (c *BitVMClient) spentInputs() map[transactions.Input]struct{} {
	used := make(map[transactions.Input]struct{})
	for _, g := range c.data.PegOutGraphs {
		if tx, ok := g.Tx(transactions.KickOff1Name); ok {
			used[tx.SpentInput(0)] = struct{}{}
		}
		g.Withdrawal().WhenSome(func(r *transactions.WithdrawalRequest) {
			used[r.Funding] = struct{}{}
		})
	}

	return used
}

// HandlePegOutInitiated answers a peg-out request naming this operator:
// the withdrawal is attached to the peg-out graph of the peg-in the request
// is paid from, funded by a confirmed output of the operator's key path
// address. The graph id is returned.
func (c *BitVMClient) HandlePegOutInitiated(ctx context.Context,
	event *evm.PegOutInitiated) (string, error) {

	operator := c.cfg.Operator
	if operator == nil {
		return "", fmt.Errorf("%w: peg-outs are handled by operators",
			ErrRole)
	}

	// Validate the event before spending a chain query on it.
	unfunded, err := event.WithdrawalRequest(
		operator, transactions.Input{},
	)
	if err != nil {
		return "", err
	}

	addr, err := c.keyAddress()
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.pegOutByConfirm(event.SourceOutpoint)
	if !ok {
		return "", fmt.Errorf("%w: no peg-out graph of %v spends "+
			"%v", ErrUnknownGraph, operator.PublicKey(),
			event.SourceOutpoint)
	}

	// A replayed event finds its withdrawal attached already.
	replayed := fn.MapOptionZ(
		g.Withdrawal(), func(r *transactions.WithdrawalRequest) bool {
			return r.Timestamp == unfunded.Timestamp &&
				r.EVMAddress == unfunded.EVMAddress
		},
	)
	if replayed {
		return g.ID(), nil
	}

	funding, err := c.selectUTXO(
		ctx, addr, unfunded.Amount+params.FeeAmount, c.spentInputs(),
	)
	if err != nil {
		return "", err
	}
	req, err := event.WithdrawalRequest(operator, funding)
	if err != nil {
		return "", err
	}

	updated := g.Clone()
	if err := updated.AttachWithdrawal(operator, req); err != nil {
		return "", err
	}
	c.replacePegOut(updated)

	log.Infof("Peg-out %v answers withdrawal of %v to %v", g.ID(),
		req.Amount, event.DestinationAddress)

	return g.ID(), nil
}

// HandleEvents processes bridge events. Only peg-out requests naming this
// operator lead to an action; failures are logged and do not stop the
// remaining events. The requests that failed for a reason that may go away,
// such as a missing graph or funding output, are returned to be tried again.
func (c *BitVMClient) HandleEvents(ctx context.Context,
	events []evm.Event) []evm.Event {

	var retry []evm.Event
	for _, event := range events {
		switch e := event.(type) {
		case *evm.PegOutInitiated:
			if c.cfg.Operator == nil ||
				!e.OperatorKey.IsEqual(c.cfg.Operator.PublicKey()) {

				continue
			}

			_, err := c.HandlePegOutInitiated(ctx, e)
			switch {
			case err == nil:

			case permanentEventError(err):
				log.Errorf("Dropping peg-out request in %v: %v",
					e.TxHash, err)

			default:
				log.Warnf("Unable to handle peg-out request "+
					"in %v, will retry: %v", e.TxHash, err)
				retry = append(retry, e)
			}

		case *evm.PegInMinted:
			log.Debugf("Peg-in of %v minted to %v", e.Amount,
				e.Depositor)
		}
	}

	return retry
}

// permanentEventError reports whether err rejects the event itself, so that
// handling it again cannot succeed.
func permanentEventError(err error) bool {
	return errors.Is(err, evm.ErrUnknownOperator) ||
		errors.Is(err, evm.ErrAddressMismatch) ||
		errors.Is(err, graphs.ErrInvariant) ||
		errors.Is(err, graphs.ErrWrongOperator) ||
		errors.Is(err, ErrRole)
}
