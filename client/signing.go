package client

import (
	"fmt"

	"github.com/bitvm/bridge/contexts"
	"github.com/bitvm/bridge/graphs"
)

// signingGraph is a graph the committee pre-signs.
type signingGraph interface {
	ID() string
	PushNonces(*contexts.VerifierContext) (graphs.SecretNonces, error)
	PreSign(*contexts.VerifierContext, graphs.SecretNonces) error
	IsPreSigned() bool
}

// verifier returns the verifier context or ErrRole.
func (c *BitVMClient) verifier() (*contexts.VerifierContext, error) {
	if c.cfg.Verifier == nil {
		return nil, fmt.Errorf("%w: signing needs a verifier", ErrRole)
	}

	return c.cfg.Verifier, nil
}

// signingCopy returns a copy of the graph called id and a function storing
// the copy back into the local state.
func (c *BitVMClient) signingCopy(id string) (signingGraph, func(), error) {
	if g, ok := c.data.PegInGraph(id); ok {
		clone := g.Clone()
		return clone, func() { c.replacePegIn(clone) }, nil
	}
	if g, ok := c.data.PegOutGraph(id); ok {
		clone := g.Clone()
		return clone, func() { c.replacePegOut(clone) }, nil
	}

	return nil, nil, fmt.Errorf("%w: %v", ErrUnknownGraph, id)
}

// PushNonces runs the verifier's nonce round on the graph called id. The
// secret nonces are persisted before the public ones enter the local
// state, which is published by the next Flush.
func (c *BitVMClient) PushNonces(id string) error {
	v, err := c.verifier()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.pushNonces(v, id)
}

func (c *BitVMClient) pushNonces(v *contexts.VerifierContext,
	id string) error {

	g, commit, err := c.signingCopy(id)
	if err != nil {
		return err
	}

	secrets, err := g.PushNonces(v)
	if err != nil {
		return err
	}
	if len(secrets) == 0 {
		log.Debugf("Nonces of graph %v already pushed", id)
		return nil
	}

	// Stored secrets of inputs the graph holds no nonce of are left over
	// from a round that never got published.
	stored, err := c.cfg.Nonces.Get(id)
	if err != nil {
		return err
	}
	for txid, inputs := range secrets {
		for input := range inputs {
			delete(stored[txid], input)
		}
	}
	if err := c.cfg.Nonces.Retain(id, stored); err != nil {
		return err
	}
	if err := c.cfg.Nonces.Put(id, secrets); err != nil {
		return err
	}
	commit()

	log.Infof("Pushed nonces for graph %v", id)

	return nil
}

// PreSign runs the verifier's signing round on the graph called id with
// the secret nonces stored by PushNonces. Consumed secrets are deleted
// once the signatures are in the local state.
func (c *BitVMClient) PreSign(id string) error {
	v, err := c.verifier()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.preSign(v, id)
}

func (c *BitVMClient) preSign(v *contexts.VerifierContext, id string) error {
	g, commit, err := c.signingCopy(id)
	if err != nil {
		return err
	}

	secrets, err := c.cfg.Nonces.Get(id)
	if err != nil {
		return err
	}
	if err := g.PreSign(v, secrets); err != nil {
		return err
	}
	commit()

	if err := c.cfg.Nonces.Retain(id, secrets); err != nil {
		return err
	}

	log.Infof("Pre-signed graph %v (complete=%v)", id, g.IsPreSigned())

	return nil
}
