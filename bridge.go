// Package bridge wires a bridge participant together from its configuration:
// the blob store, the Bitcoin backend, the secret nonce store and the client
// running the configured role.
package bridge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bitvm/bridge/blobstore"
	"github.com/bitvm/bridge/client"
	"github.com/bitvm/bridge/esplora"
	"github.com/bitvm/bridge/nonces"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const dirPermission = 0700

// Bridge is an opened participant: its client and the resources the client
// runs on.
type Bridge struct {
	cfg *Config

	// registry gathers the client metrics and the process metrics.
	registry *prometheus.Registry

	chain  *esplora.Client
	nonces *nonces.Store
	client *client.BitVMClient
}

// Open connects to the configured blob store and chain backend and loads
// the newest shared state. The Config must have been validated.
func Open(ctx context.Context, cfg *Config) (*Bridge, error) {
	if err := os.MkdirAll(cfg.DataDir, dirPermission); err != nil {
		return nil, err
	}

	driver, err := blobstore.NewDriver(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	clk := clock.NewDefaultClock()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(
			collectors.ProcessCollectorOpts{},
		),
	)

	b := &Bridge{
		cfg:      cfg,
		registry: registry,
		chain:    esplora.NewClient(cfg.Esplora),
	}

	clientCfg := &client.Config{
		Depositor:   cfg.depositor,
		Operator:    cfg.operator,
		Verifier:    cfg.verifier,
		Withdrawer:  cfg.withdrawer,
		Store:       blobstore.NewDataStore(driver, clk),
		Chain:       b.chain,
		Superblocks: b.chain,
		ResultsDir:  cfg.ResultsDir(),
		Clock:       clk,
		Registerer:  registry,
	}

	if cfg.verifier != nil {
		path := cfg.NoncesPath()
		err := os.MkdirAll(filepath.Dir(path), dirPermission)
		if err != nil {
			return nil, err
		}

		b.nonces, err = nonces.Open(path)
		if err != nil {
			return nil, err
		}
		clientCfg.Nonces = b.nonces
	}

	b.client, err = client.New(ctx, clientCfg)
	if err != nil {
		_ = b.Close()
		return nil, err
	}

	role := "observer"
	if r, ok := cfg.Role(); ok {
		role = r.String()
	}
	brdgLog.Infof("Bridge client opened as %v on %v, state version %d",
		role, cfg.netParams.Name, b.client.Data().Version)

	return b, nil
}

// Client returns the participant's client.
func (b *Bridge) Client() *client.BitVMClient {
	return b.client
}

// Registry returns the registry holding the bridge metrics.
func (b *Bridge) Registry() *prometheus.Registry {
	return b.registry
}

// NewDaemon returns a daemon running the client every configured interval
// and acting on the events received on events, which may be nil.
func (b *Bridge) NewDaemon(events <-chan interface{}) *client.Daemon {
	return client.NewDaemon(&client.DaemonConfig{
		Client:        b.client,
		Ticker:        ticker.New(b.cfg.Daemon.Interval),
		Events:        events,
		Timeout:       b.cfg.Daemon.Timeout,
		CreatePegOuts: b.cfg.Daemon.CreatePegOuts,
	})
}

// Close releases the nonce store.
func (b *Bridge) Close() error {
	if b.nonces == nil {
		return nil
	}

	return b.nonces.Close()
}
