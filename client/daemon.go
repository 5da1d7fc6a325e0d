package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitvm/bridge/evm"
	"github.com/bitvm/bridge/graphs"
	"github.com/lightningnetwork/lnd/ticker"
)

// DefaultDaemonTimeout bounds a single daemon round.
const DefaultDaemonTimeout = 2 * time.Minute

// DaemonConfig holds what a Daemon is built from.
type DaemonConfig struct {
	// Client is the participant the daemon runs.
	Client *BitVMClient

	// Ticker drives the rounds: sync, act on every graph, flush.
	Ticker ticker.Ticker

	// Events delivers bridge events, typically from an evm.Poller.
	// Optional.
	Events <-chan interface{}

	// Timeout bounds a round. Defaults to DefaultDaemonTimeout.
	Timeout time.Duration

	// CreatePegOuts makes an operator build a peg-out graph for every
	// peg-in it has none for, funded from its key path address.
	CreatePegOuts bool
}

// Daemon runs a participant unattended: every tick it syncs, takes every
// action the role's statuses offer and publishes what changed.
type Daemon struct {
	started uint32
	stopped uint32

	cfg     *DaemonConfig
	timeout time.Duration

	// rounds is closed and replaced after every round, for tests.
	roundMtx sync.Mutex
	rounds   chan struct{}

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewDaemon returns a daemon for cfg.
func NewDaemon(cfg *DaemonConfig) *Daemon {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultDaemonTimeout
	}

	return &Daemon{
		cfg:     cfg,
		timeout: timeout,
		rounds:  make(chan struct{}),
		quit:    make(chan struct{}),
	}
}

// Start launches the daemon goroutine.
func (d *Daemon) Start() error {
	if !atomic.CompareAndSwapUint32(&d.started, 0, 1) {
		return nil
	}

	log.Info("Bridge daemon starting")

	d.cfg.Ticker.Resume()

	d.wg.Add(1)
	go d.mainLoop()

	return nil
}

// Stop halts the daemon and waits for the running round.
func (d *Daemon) Stop() error {
	if !atomic.CompareAndSwapUint32(&d.stopped, 0, 1) {
		return nil
	}

	log.Info("Bridge daemon shutting down")

	close(d.quit)
	d.wg.Wait()
	d.cfg.Ticker.Stop()

	return nil
}

// RoundDone returns a channel closed once the next round completed.
func (d *Daemon) RoundDone() <-chan struct{} {
	d.roundMtx.Lock()
	defer d.roundMtx.Unlock()

	return d.rounds
}

// mainLoop is the main goroutine of the daemon.
//
// NOTE: MUST be run as a goroutine.
func (d *Daemon) mainLoop() {
	defer d.wg.Done()

	var pending []evm.Event
	for {
		select {
		case item, ok := <-d.cfg.Events:
			if !ok {
				d.cfg.Events = nil
				continue
			}
			event, ok := item.(evm.Event)
			if !ok {
				log.Errorf("Unexpected event type %T", item)
				continue
			}
			pending = append(pending, event)

		case <-d.cfg.Ticker.Ticks():
			pending = d.round(pending)

		case <-d.quit:
			return
		}
	}
}

// round runs one sync, act, flush cycle. The events still to be handled are
// returned.
func (d *Daemon) round(events []evm.Event) []evm.Event {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	defer func() {
		d.roundMtx.Lock()
		close(d.rounds)
		d.rounds = make(chan struct{})
		d.roundMtx.Unlock()
	}()

	c := d.cfg.Client
	if err := c.Sync(ctx); err != nil {
		log.Errorf("Unable to sync bridge data: %v", err)
		return events
	}

	before := c.Data()

	// Requests are paid from the peg-out graphs, so those are built
	// first.
	if d.cfg.CreatePegOuts {
		d.createPegOuts(ctx)
	}
	retry := c.HandleEvents(ctx, events)
	d.act(ctx)

	if Changed(before, c.Data()) {
		if _, err := c.Flush(ctx); err != nil {
			log.Errorf("Unable to publish bridge data: %v", err)
		}
	}

	return retry
}

// Changed reports whether after differs from before.
func Changed(before, after *BridgeData) bool {
	b, err := json.Marshal(before)
	if err != nil {
		return true
	}
	a, err := json.Marshal(after)
	if err != nil {
		return true
	}

	return string(a) != string(b)
}

// createPegOuts builds the operator's missing peg-out graphs.
func (d *Daemon) createPegOuts(ctx context.Context) {
	c := d.cfg.Client
	if c.cfg.Operator == nil {
		return
	}

	data := c.Data()
	for _, pegIn := range data.PegInGraphs {
		id := graphs.PegOutGraphID(pegIn.ID(), c.cfg.Operator.PublicKey())
		if _, ok := data.PegOutGraph(id); ok {
			continue
		}

		addr, err := c.keyAddress()
		if err != nil {
			log.Errorf("Unable to derive operator address: %v", err)
			return
		}

		c.mu.Lock()
		exclude := c.spentInputs()
		c.mu.Unlock()

		input, err := c.selectUTXO(ctx, addr, MinKickOffAmount, exclude)
		if err != nil {
			log.Warnf("No kick off input for peg-in %v: %v",
				pegIn.ID(), err)
			return
		}

		_, err = c.CreatePegOutGraph(pegIn.ID(), input)
		if err != nil && !errors.Is(err, ErrGraphExists) {
			log.Errorf("Unable to create peg-out graph for %v: %v",
				pegIn.ID(), err)
		}
	}
}

// act takes the action of every status line.
func (d *Daemon) act(ctx context.Context) {
	c := d.cfg.Client

	report, err := c.Status(ctx)
	if err != nil {
		log.Errorf("Unable to compute statuses: %v", err)
		return
	}

	for _, line := range report {
		if err := d.actOn(ctx, line); err != nil {
			log.Errorf("%v: %v", line, err)
		}
	}
}

func (d *Daemon) actOn(ctx context.Context, line GraphStatus) error {
	c := d.cfg.Client

	switch line.Signing {
	case SigningPushNonces:
		return c.PushNonces(line.GraphID)
	case SigningPreSign:
		return c.PreSign(line.GraphID)
	}

	switch line.Step {
	case "":
		return nil

	// Disprove witnesses are supplied by hand.
	case StepDisprove:
		log.Infof("%v", line)
		return nil

	// Only operators claiming without having paid are challenged.
	case StepChallenge:
		if line.Paid {
			return nil
		}
	}

	log.Infof("Broadcasting %s of %s %v", line.Step, line.Kind,
		line.GraphID)

	err := c.Broadcast(ctx, line.Step, line.GraphID)
	if errors.Is(err, graphs.ErrPremature) {
		log.Debugf("%s of %v premature: %v", line.Step, line.GraphID,
			err)
		return nil
	}

	return err
}
