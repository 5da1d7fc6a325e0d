package evm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnd/ticker"
)

const eventQueueSize = 20

// Poller polls an Adaptor on every tick and delivers the events in order on
// an unbounded queue, so a slow consumer never stalls polling.
type Poller struct {
	started uint32
	stopped uint32

	adaptor *Adaptor
	ticker  ticker.Ticker
	timeout time.Duration

	events *queue.ConcurrentQueue

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewPoller returns a poller driven by t. Each poll is bounded by timeout.
func NewPoller(adaptor *Adaptor, t ticker.Ticker,
	timeout time.Duration) *Poller {

	return &Poller{
		adaptor: adaptor,
		ticker:  t,
		timeout: timeout,
		events:  queue.NewConcurrentQueue(eventQueueSize),
		quit:    make(chan struct{}),
	}
}

// Start launches the polling goroutine.
func (p *Poller) Start() error {
	if !atomic.CompareAndSwapUint32(&p.started, 0, 1) {
		return nil
	}

	log.Info("EVM event poller starting")

	p.events.Start()
	p.ticker.Resume()

	p.wg.Add(1)
	go p.pollLoop()

	return nil
}

// Stop halts polling and closes the event channel.
func (p *Poller) Stop() error {
	if !atomic.CompareAndSwapUint32(&p.stopped, 0, 1) {
		return nil
	}

	log.Info("EVM event poller shutting down")

	close(p.quit)
	p.wg.Wait()

	p.ticker.Stop()
	p.events.Stop()

	return nil
}

// Events delivers decoded events. Every value is an Event.
func (p *Poller) Events() <-chan interface{} {
	return p.events.ChanOut()
}

// pollLoop is the main goroutine of the poller.
//
// NOTE: MUST be run as a goroutine.
func (p *Poller) pollLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ticker.Ticks():
			p.poll()

		case <-p.quit:
			return
		}
	}
}

func (p *Poller) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	events, err := p.adaptor.Poll(ctx)
	if err != nil {
		log.Errorf("Unable to poll bridge events: %v", err)
		return
	}

	for _, event := range events {
		select {
		case p.events.ChanIn() <- event:
		case <-p.quit:
			return
		}
	}
}
