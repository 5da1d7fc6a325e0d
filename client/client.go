// Package client is a bridge participant: it keeps the replicated graph
// state in sync with the blob store and runs the participant's role on it.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bitvm/bridge/blobstore"
	"github.com/bitvm/bridge/chain"
	"github.com/bitvm/bridge/contexts"
	"github.com/bitvm/bridge/nonces"
	"github.com/bitvm/bridge/params"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// blobCacheSize bounds the number of decoded blobs kept around. Blobs
	// never change once written, so a cached decode stays valid.
	blobCacheSize = 64

	resultsFilePermission = 0600
	resultsDirPermission  = 0700
)

var (
	// ErrRole is returned when an operation needs a role the client
	// does not have, or when more than one role is configured.
	ErrRole = errors.New("wrong role")

	// ErrUnknownGraph is returned for graph ids not in the local state.
	ErrUnknownGraph = errors.New("unknown graph")

	// ErrGraphExists is returned when creating a graph that already
	// exists.
	ErrGraphExists = errors.New("graph already exists")
)

// SuperblockSource tells which Bitcoin block an operator commits to and
// whether a committed block holds up.
type SuperblockSource interface {
	// TipHash returns the hash of the best block.
	TipHash(ctx context.Context) (chainhash.Hash, error)

	// SuperblockValid reports whether hash is a block of the best chain
	// mined no earlier than notBefore.
	SuperblockValid(ctx context.Context, hash chainhash.Hash,
		notBefore time.Time) (bool, error)
}

// Config holds what a BitVMClient is built from. At most one of the role
// contexts may be set.
type Config struct {
	Depositor  *contexts.DepositorContext
	Operator   *contexts.OperatorContext
	Verifier   *contexts.VerifierContext
	Withdrawer *contexts.WithdrawerContext

	// Store is the shared blob store.
	Store *blobstore.DataStore

	// Chain is the Bitcoin backend.
	Chain chain.Client

	// Superblocks is optional. Without it operators must name the
	// superblock they commit to and verifiers never see a committed
	// superblock as invalid.
	Superblocks SuperblockSource

	// Nonces keeps a verifier's secret nonces. Required for verifiers.
	Nonces *nonces.Store

	// ResultsDir mirrors every blob written or adopted. Mirroring is off
	// if empty.
	ResultsDir string

	// SyncWindow is how far behind the newest blob older blobs are still
	// merged on sync. Defaults to params.SyncWindow.
	SyncWindow time.Duration

	// Clock defaults to the wall clock.
	Clock clock.Clock

	// Registerer receives the client metrics. Defaults to the
	// Prometheus default registerer.
	Registerer prometheus.Registerer
}

// roles returns the number of role contexts set.
func (c *Config) roles() int {
	n := 0
	if c.Depositor != nil {
		n++
	}
	if c.Operator != nil {
		n++
	}
	if c.Verifier != nil {
		n++
	}
	if c.Withdrawer != nil {
		n++
	}

	return n
}

// BitVMClient is one participant of the bridge.
type BitVMClient struct {
	cfg     *Config
	clock   clock.Clock
	window  time.Duration
	metrics *metrics

	// blobs caches the decode result of blob keys.
	blobs *lru.Cache[string, blobEntry]

	// mu guards the local state and serializes sync, flush and every
	// operation changing the state.
	mu sync.Mutex

	data *BridgeData

	// fetchedKey is the newest blob merged into data. Empty if none.
	fetchedKey string
}

// blobEntry is a cached decode of a blob.
type blobEntry struct {
	data *BridgeData
	err  error
}

// New creates a client and loads the newest valid state from the blob
// store. If the store holds no valid state the newest local mirror is used.
func New(ctx context.Context, cfg *Config) (*BitVMClient, error) {
	if cfg.roles() > 1 {
		return nil, fmt.Errorf("%w: at most one role per client",
			ErrRole)
	}
	if cfg.Verifier != nil && cfg.Nonces == nil {
		return nil, fmt.Errorf("%w: verifiers need a nonce store",
			ErrRole)
	}
	if cfg.Store == nil || cfg.Chain == nil {
		return nil, errors.New("client needs a blob store and a chain " +
			"backend")
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	window := cfg.SyncWindow
	if window == 0 {
		window = params.SyncWindow
	}
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m, err := newMetrics(reg)
	if err != nil {
		return nil, err
	}
	blobs, err := lru.New[string, blobEntry](blobCacheSize)
	if err != nil {
		return nil, err
	}

	if cfg.ResultsDir != "" {
		err := os.MkdirAll(cfg.ResultsDir, resultsDirPermission)
		if err != nil {
			return nil, err
		}
	}

	c := &BitVMClient{
		cfg:     cfg,
		clock:   clk,
		window:  window,
		metrics: m,
		blobs:   blobs,
		data:    newBridgeData(),
	}

	if err := c.load(ctx); err != nil {
		return nil, err
	}
	m.setGraphs(c.data)

	return c, nil
}

// load adopts the newest valid remote state, or the newest local mirror.
func (c *BitVMClient) load(ctx context.Context) error {
	keys, err := c.cfg.Store.Keys(ctx)
	if err != nil {
		return err
	}

	data, key, _ := c.fetchLatestValid(ctx, keys)
	if data != nil {
		c.data = data.Clone()
		c.fetchedKey = key
		c.mirror(key, c.data)

		log.Infof("Loaded bridge data %v from %v", key,
			c.cfg.Store.Backend())

		return nil
	}

	data, key = c.loadMirror()
	if data != nil {
		c.data = data
		log.Infof("Loaded bridge data from local mirror %v", key)
	}

	return nil
}

// loadMirror returns the newest valid mirrored state.
func (c *BitVMClient) loadMirror() (*BridgeData, string) {
	if c.cfg.ResultsDir == "" {
		return nil, ""
	}

	entries, err := os.ReadDir(c.cfg.ResultsDir)
	if err != nil {
		log.Warnf("Unable to read results directory: %v", err)
		return nil, ""
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			names = append(names, entry.Name())
		}
	}

	keys := blobstore.SortKeys(names)
	for i := len(keys) - 1; i >= 0; i-- {
		blob, err := os.ReadFile(filepath.Join(c.cfg.ResultsDir, keys[i]))
		if err != nil {
			log.Warnf("Unable to read mirror %v: %v", keys[i], err)
			continue
		}

		data, err := decodeBridgeData(blob)
		if err != nil {
			log.Warnf("Skipping mirror %v: %v", keys[i], err)
			continue
		}

		return data, keys[i]
	}

	return nil, ""
}

// mirror writes data to the results directory under key.
func (c *BitVMClient) mirror(key string, data *BridgeData) {
	if c.cfg.ResultsDir == "" {
		return
	}

	blob, err := json.Marshal(data)
	if err == nil {
		err = os.WriteFile(
			filepath.Join(c.cfg.ResultsDir, key), blob,
			resultsFilePermission,
		)
	}
	if err != nil {
		log.Warnf("Unable to mirror %v: %v", key, err)
	}
}

// fetch returns the decoded blob under key. Decode results are cached,
// transport errors are not.
func (c *BitVMClient) fetch(ctx context.Context, key string) (*BridgeData,
	error) {

	if entry, ok := c.blobs.Get(key); ok {
		return entry.data, entry.err
	}

	blob, err := c.cfg.Store.Fetch(ctx, key)
	if err != nil {
		c.metrics.blobReads.WithLabelValues(blobError).Inc()
		return nil, err
	}

	data, err := decodeBridgeData(blob)
	if err != nil {
		c.metrics.blobReads.WithLabelValues(blobInvalid).Inc()
		c.metrics.graphsInvalid.Inc()
	} else {
		c.metrics.blobReads.WithLabelValues(blobValid).Inc()
	}
	c.blobs.Add(key, blobEntry{data: data, err: err})

	return data, err
}

// fetchLatestValid walks keys from the newest and returns the first blob
// that decodes and validates, its key, and the keys older than it.
func (c *BitVMClient) fetchLatestValid(ctx context.Context,
	keys []string) (*BridgeData, string, []string) {

	for i := len(keys) - 1; i >= 0; i-- {
		data, err := c.fetch(ctx, keys[i])
		if err != nil {
			log.Warnf("Skipping blob %v: %v", keys[i], err)
			continue
		}

		return data, keys[i], keys[:i]
	}

	return nil, "", nil
}

// unfetchedKeys lists the keys newer than the last merged blob.
func (c *BitVMClient) unfetchedKeys(ctx context.Context) ([]string, error) {
	keys, err := c.cfg.Store.Keys(ctx)
	if err != nil {
		return nil, err
	}

	for i, key := range keys {
		if key > c.fetchedKey {
			return keys[i:], nil
		}
	}

	return nil, nil
}

// mergeIn merges data into the local state.
func (c *BitVMClient) mergeIn(data *BridgeData) {
	rejected := c.data.merge(data)
	if len(rejected) > 0 {
		c.metrics.graphsInvalid.Add(float64(len(rejected)))
	}
	c.metrics.setGraphs(c.data)
}

// processBlobs merges every valid blob of keys, newest first, and returns
// the newest one merged.
func (c *BitVMClient) processBlobs(ctx context.Context,
	keys []string) string {

	var newest string
	for i := len(keys) - 1; i >= 0; i-- {
		data, err := c.fetch(ctx, keys[i])
		if err != nil {
			log.Warnf("Skipping blob %v: %v", keys[i], err)
			continue
		}

		log.Debugf("Merging blob %v", keys[i])
		c.mergeIn(data)
		if newest == "" {
			newest = keys[i]
		}
	}

	return newest
}

// Sync merges the blobs published since the last sync: the newest valid
// one and every valid one written within the sync window before it.
func (c *BitVMClient) Sync(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.read(ctx)
}

func (c *BitVMClient) read(ctx context.Context) error {
	keys, err := c.unfetchedKeys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		log.Debugf("Bridge data up to date at %v", c.fetchedKey)
		return nil
	}

	data, key, older := c.fetchLatestValid(ctx, keys)
	if data == nil {
		log.Warnf("None of %d new blobs is valid", len(keys))
		return nil
	}

	c.mergeIn(data)
	c.fetchedKey = key
	c.mirror(key, data)

	refTime, err := blobstore.KeyTime(key)
	if err != nil {
		return err
	}
	cutoff := blobstore.KeyAt(refTime.Add(-c.window))

	var window []string
	for i, k := range older {
		if k >= cutoff {
			window = older[i:]
			break
		}
	}
	c.processBlobs(ctx, window)

	log.Infof("Synced bridge data to %v (%d peg-in, %d peg-out graphs)",
		key, len(c.data.PegInGraphs), len(c.data.PegOutGraphs))

	return nil
}

// Flush merges whatever was published since the last sync and publishes
// the local state under a fresh key, which is returned.
func (c *BitVMClient) Flush(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys, err := c.unfetchedKeys(ctx)
	if err != nil {
		return "", err
	}
	if newest := c.processBlobs(ctx, keys); newest != "" {
		c.fetchedKey = newest
	}

	c.data.Version++
	blob, err := json.Marshal(c.data)
	if err != nil {
		c.data.Version--
		return "", err
	}

	key, err := c.cfg.Store.Write(ctx, blob)
	if err != nil {
		c.data.Version--
		return "", err
	}
	c.metrics.blobWrites.Inc()
	c.mirror(key, c.data)

	log.Infof("Published bridge data version %d as %v", c.data.Version,
		key)

	return key, nil
}

// Data returns a copy of the local state.
func (c *BitVMClient) Data() *BridgeData {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.data.Clone()
}

// FetchedKey returns the newest blob merged so far.
func (c *BitVMClient) FetchedKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.fetchedKey
}
