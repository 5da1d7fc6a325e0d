package client

import (
	"fmt"

	"github.com/bitvm/bridge/transactions"
	"github.com/btcsuite/btcd/btcutil/psbt"
)

// ExportPSBT returns the transaction txName of the graph called id as a
// PSBT carrying the signatures collected so far.
func (c *BitVMClient) ExportPSBT(id, txName string) (*psbt.Packet, error) {
	c.mu.Lock()
	tx, err := c.graphTx(id, txName)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	return tx.PSBT()
}

// graphTx returns a copy of transaction txName of the graph called id.
func (c *BitVMClient) graphTx(id,
	txName string) (*transactions.PreSignedTx, error) {

	var (
		tx    *transactions.PreSignedTx
		found bool
	)
	if g, ok := c.data.PegInGraph(id); ok {
		tx, found = g.Tx(txName)
	} else if g, ok := c.data.PegOutGraph(id); ok {
		tx, found = g.Tx(txName)
	} else {
		return nil, fmt.Errorf("%w: %v", ErrUnknownGraph, id)
	}

	if !found {
		return nil, fmt.Errorf("graph %v has no transaction %q", id,
			txName)
	}

	return tx.Clone(), nil
}
