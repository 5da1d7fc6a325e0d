package client

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/bitvm/bridge/connectors"
	"github.com/bitvm/bridge/contexts"
	"github.com/bitvm/bridge/params"
	"github.com/bitvm/bridge/transactions"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// MinKickOffAmount is the smallest operator output a peg-out graph can be
// built on: the kick off dust, the bond outputs and the fees on the way.
const MinKickOffAmount = 4*params.DustAmount + 4*params.FeeAmount

// ErrNoUTXO is returned when an address has no confirmed output large
// enough.
var ErrNoUTXO = errors.New("no suitable utxo")

// roleContext returns the context of the configured role.
func (c *BitVMClient) roleContext() (contexts.Context, error) {
	switch {
	case c.cfg.Depositor != nil:
		return c.cfg.Depositor, nil
	case c.cfg.Operator != nil:
		return c.cfg.Operator, nil
	case c.cfg.Verifier != nil:
		return c.cfg.Verifier, nil
	case c.cfg.Withdrawer != nil:
		return c.cfg.Withdrawer, nil
	}

	return nil, fmt.Errorf("%w: no role configured", ErrRole)
}

// network returns the chain of the configured role.
func (c *BitVMClient) network() (*chaincfg.Params, error) {
	ctx, err := c.roleContext()
	if err != nil {
		return nil, err
	}

	return ctx.Network(), nil
}

// ResolveInput turns arg into a graph input. Arg is either an outpoint
// `txid:vout`, whose amount is read from the chain, or an address, in which
// case its smallest confirmed output of at least minAmount is used.
func (c *BitVMClient) ResolveInput(ctx context.Context, arg string,
	minAmount btcutil.Amount) (transactions.Input, error) {

	if op, err := transactions.ParseOutpoint(arg); err == nil {
		tx, err := c.cfg.Chain.GetRawTx(ctx, op.Hash)
		if err != nil {
			return transactions.Input{}, err
		}
		if int(op.Index) >= len(tx.TxOut) {
			return transactions.Input{}, fmt.Errorf("%v has no "+
				"output %d", op.Hash, op.Index)
		}

		amount := btcutil.Amount(tx.TxOut[op.Index].Value)

		return transactions.NewInput(op.Hash, op.Index, amount), nil
	}

	net, err := c.network()
	if err != nil {
		return transactions.Input{}, err
	}
	addr, err := btcutil.DecodeAddress(arg, net)
	if err != nil {
		return transactions.Input{}, fmt.Errorf("%q is neither an "+
			"outpoint nor a %s address: %w", arg, net.Name, err)
	}

	return c.selectUTXO(ctx, addr, minAmount, nil)
}

// selectUTXO returns the smallest confirmed output of addr holding at least
// minAmount that is not in exclude.
func (c *BitVMClient) selectUTXO(ctx context.Context, addr btcutil.Address,
	minAmount btcutil.Amount,
	exclude map[transactions.Input]struct{}) (transactions.Input, error) {

	utxos, err := c.cfg.Chain.GetAddressUTXOs(ctx, addr)
	if err != nil {
		return transactions.Input{}, err
	}
	sort.Slice(utxos, func(i, j int) bool {
		return utxos[i].Amount < utxos[j].Amount
	})

	for _, utxo := range utxos {
		if !utxo.Confirmed || utxo.Amount < minAmount {
			continue
		}

		input := transactions.Input{
			Outpoint: utxo.Outpoint,
			Amount:   utxo.Amount,
		}
		if _, ok := exclude[input]; ok {
			continue
		}

		return input, nil
	}

	return transactions.Input{}, fmt.Errorf("%w: %v has nothing "+
		"confirmed above %v", ErrNoUTXO, addr, minAmount)
}

// keyAddress returns the key path address of the role key.
func (c *BitVMClient) keyAddress() (btcutil.Address, error) {
	ctx, err := c.roleContext()
	if err != nil {
		return nil, err
	}

	return connectors.KeyPathAddress(ctx.PublicKey(), ctx.Network())
}

// rewardScript is where slashing rewards and challenge change go.
func (c *BitVMClient) rewardScript() ([]byte, error) {
	ctx, err := c.roleContext()
	if err != nil {
		return nil, err
	}

	return connectors.KeyPathScript(ctx.PublicKey())
}
