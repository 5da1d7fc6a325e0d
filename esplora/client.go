// Package esplora implements chain.Client on top of the Esplora REST API.
package esplora

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bitvm/bridge/chain"
	"github.com/bitvm/bridge/params"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/time/rate"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultRetryBackoff   = 100 * time.Millisecond
)

// errNotFound is returned by doGet on a 404.
var errNotFound = errors.New("not found")

// alreadyKnown holds fragments of bitcoind rejection messages meaning the
// transaction is already in the mempool or the chain.
var alreadyKnown = []string{
	"txn-already-known",
	"txn-already-in-mempool",
	"transaction already in block chain",
	"transaction outputs already in utxo set",
}

// Config holds the configuration for the Esplora client.
type Config struct {
	// URL is the base URL of the Esplora API without a trailing slash.
	URL string `long:"url" description:"Base URL of the Esplora API"`

	// RequestTimeout is the timeout for individual HTTP requests.
	RequestTimeout time.Duration `long:"timeout" description:"Timeout of a single request"`

	// MaxRetries is the number of times a failed request is retried.
	MaxRetries int `long:"retries" description:"Number of retries of a failed request"`

	// RequestsPerSecond caps the request rate. Zero disables the limit.
	RequestsPerSecond float64 `long:"rps" description:"Maximum number of requests per second, 0 for no limit"`
}

// DefaultConfig returns a config pointing at the public mutinynet
// instance.
func DefaultConfig() *Config {
	return &Config{
		URL:               params.DefaultEsploraURL,
		RequestTimeout:    defaultRequestTimeout,
		MaxRetries:        3,
		RequestsPerSecond: 5,
	}
}

// txStatus is the status object of the API.
type txStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight uint32 `json:"block_height,omitempty"`
	BlockHash   string `json:"block_hash,omitempty"`
	BlockTime   int64  `json:"block_time,omitempty"`
}

// utxo is an element of the address utxo listing.
type utxo struct {
	TxID   string   `json:"txid"`
	Vout   uint32   `json:"vout"`
	Status txStatus `json:"status"`
	Value  int64    `json:"value"`
}

// outSpend is the spend status of an output.
type outSpend struct {
	Spent  bool     `json:"spent"`
	TxID   string   `json:"txid,omitempty"`
	Vin    uint32   `json:"vin,omitempty"`
	Status txStatus `json:"status,omitempty"`
}

// blockInfo is the part of a block description the client uses.
type blockInfo struct {
	ID        string `json:"id"`
	Height    uint32 `json:"height"`
	Timestamp int64  `json:"timestamp"`
}

// blockStatus tells whether a block is part of the best chain.
type blockStatus struct {
	InBestChain bool   `json:"in_best_chain"`
	Height      uint32 `json:"height"`
}

// Client is an HTTP client for the Esplora REST API.
type Client struct {
	cfg *Config

	httpClient *http.Client
	limiter    *rate.Limiter
}

// A compile time check to make sure Client is a chain.Client.
var _ chain.Client = (*Client)(nil)

// NewClient creates a new Esplora client with the given configuration.
func NewClient(cfg *Config) *Client {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = defaultRequestTimeout
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: limiter,
	}
}

// retryable reports whether a response status is worth another attempt.
func retryable(status int) bool {
	return status == http.StatusTooManyRequests ||
		status >= http.StatusInternalServerError
}

// doRequest performs an HTTP request, retrying transport failures and
// server side errors with a linear backoff. The body of the returned
// response has been read already.
func (c *Client) doRequest(ctx context.Context, method, path string,
	body []byte) (int, []byte, error) {

	url := strings.TrimSuffix(c.cfg.URL, "/") + path

	var lastErr error
	for i := 0; i <= c.cfg.MaxRetries; i++ {
		if i > 0 {
			backoff := time.Duration(i) * defaultRetryBackoff
			select {
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, err
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to create request: %w",
				err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "text/plain")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			log.Debugf("%s %s failed (attempt %d): %v", method, path,
				i+1, err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			continue
		}

		if retryable(resp.StatusCode) {
			lastErr = fmt.Errorf("API returned status %d: %s",
				resp.StatusCode, respBody)
			log.Debugf("%s %s failed (attempt %d): %v", method, path,
				i+1, lastErr)
			continue
		}

		return resp.StatusCode, respBody, nil
	}

	return 0, nil, fmt.Errorf("%w: request failed after %d attempts: %v",
		chain.ErrChainRPC, c.cfg.MaxRetries+1, lastErr)
}

// doGet performs a GET request and returns the response body.
func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	status, body, err := c.doRequest(ctx, http.MethodGet, path, nil)
	switch {
	case err != nil:
		return nil, err

	case status == http.StatusNotFound:
		return nil, errNotFound

	case status != http.StatusOK:
		return nil, fmt.Errorf("%w: API returned status %d: %s",
			chain.ErrChainRPC, status, body)
	}

	return body, nil
}

// getJSON GETs path and decodes the response into v.
func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	body, err := c.doGet(ctx, path)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v",
			chain.ErrChainRPC, err)
	}

	return nil
}

// GetTipHeight returns the current blockchain tip height.
func (c *Client) GetTipHeight(ctx context.Context) (uint32, error) {
	body, err := c.doGet(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}

	height, err := strconv.ParseUint(strings.TrimSpace(string(body)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to parse height: %v",
			chain.ErrChainRPC, err)
	}

	return uint32(height), nil
}

// GetTxStatus fetches the confirmation status of a transaction.
func (c *Client) GetTxStatus(ctx context.Context,
	txid chainhash.Hash) (*chain.TxStatus, error) {

	var status txStatus
	err := c.getJSON(ctx, "/tx/"+txid.String()+"/status", &status)
	switch {
	case errors.Is(err, errNotFound):
		return &chain.TxStatus{}, nil

	case err != nil:
		return nil, err
	}

	return &chain.TxStatus{
		Known:       true,
		Confirmed:   status.Confirmed,
		BlockHeight: status.BlockHeight,
	}, nil
}

// GetRawTx fetches and deserializes a transaction.
func (c *Client) GetRawTx(ctx context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	body, err := c.doGet(ctx, "/tx/"+txid.String()+"/hex")
	switch {
	case errors.Is(err, errNotFound):
		return nil, fmt.Errorf("%w: %v", chain.ErrTxNotFound, txid)

	case err != nil:
		return nil, err
	}

	txBytes, err := hex.DecodeString(strings.TrimSpace(string(body)))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode tx hex: %v",
			chain.ErrChainRPC, err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(txBytes)); err != nil {
		return nil, fmt.Errorf("%w: failed to deserialize tx: %v",
			chain.ErrChainRPC, err)
	}

	return tx, nil
}

// GetOutSpend checks if a specific output is spent.
func (c *Client) GetOutSpend(ctx context.Context,
	op wire.OutPoint) (*chain.OutSpend, error) {

	var spend outSpend
	path := fmt.Sprintf("/tx/%s/outspend/%d", op.Hash, op.Index)
	err := c.getJSON(ctx, path, &spend)
	switch {
	case errors.Is(err, errNotFound):
		return &chain.OutSpend{}, nil

	case err != nil:
		return nil, err
	}

	if !spend.Spent {
		return &chain.OutSpend{}, nil
	}

	txid, err := chainhash.NewHashFromStr(spend.TxID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid spending txid: %v",
			chain.ErrChainRPC, err)
	}

	return &chain.OutSpend{
		Spent: true,
		Txid:  *txid,
		Vin:   spend.Vin,
		TxStatus: chain.TxStatus{
			Known:       true,
			Confirmed:   spend.Status.Confirmed,
			BlockHeight: spend.Status.BlockHeight,
		},
	}, nil
}

// GetAddressUTXOs fetches unspent outputs for an address.
func (c *Client) GetAddressUTXOs(ctx context.Context,
	addr btcutil.Address) ([]chain.UTXO, error) {

	var utxos []utxo
	err := c.getJSON(ctx, "/address/"+addr.EncodeAddress()+"/utxo", &utxos)
	if err != nil && !errors.Is(err, errNotFound) {
		return nil, err
	}

	out := make([]chain.UTXO, 0, len(utxos))
	for _, u := range utxos {
		txid, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid utxo txid: %v",
				chain.ErrChainRPC, err)
		}

		out = append(out, chain.UTXO{
			Outpoint:  *wire.NewOutPoint(txid, u.Vout),
			Amount:    btcutil.Amount(u.Value),
			Confirmed: u.Status.Confirmed,
		})
	}

	return out, nil
}

// Broadcast submits tx. A transaction the backend already has is not an
// error.
func (c *Client) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return fmt.Errorf("failed to serialize tx: %w", err)
	}

	txHex := hex.EncodeToString(buf.Bytes())
	status, body, err := c.doRequest(
		ctx, http.MethodPost, "/tx", []byte(txHex),
	)
	if err != nil {
		return err
	}

	if status == http.StatusOK {
		log.Debugf("Broadcast %v", tx.TxHash())
		return nil
	}

	msg := strings.ToLower(string(body))
	for _, known := range alreadyKnown {
		if strings.Contains(msg, known) {
			log.Debugf("Broadcast %v: already known", tx.TxHash())
			return nil
		}
	}

	return fmt.Errorf("%w: %v: %s", chain.ErrRejected, tx.TxHash(), body)
}

// SuperblockValid reports whether hash is a block of the best chain mined
// no earlier than notBefore.
func (c *Client) SuperblockValid(ctx context.Context, hash chainhash.Hash,
	notBefore time.Time) (bool, error) {

	var status blockStatus
	err := c.getJSON(ctx, "/block/"+hash.String()+"/status", &status)
	switch {
	case errors.Is(err, errNotFound):
		return false, nil

	case err != nil:
		return false, err
	}
	if !status.InBestChain {
		return false, nil
	}

	var info blockInfo
	if err := c.getJSON(ctx, "/block/"+hash.String(), &info); err != nil {
		return false, err
	}

	return !time.Unix(info.Timestamp, 0).Before(notBefore), nil
}

// TipHash returns the hash of the best block.
func (c *Client) TipHash(ctx context.Context) (chainhash.Hash, error) {
	body, err := c.doGet(ctx, "/blocks/tip/hash")
	if err != nil {
		return chainhash.Hash{}, err
	}

	hash, err := chainhash.NewHashFromStr(strings.TrimSpace(string(body)))
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("%w: failed to parse "+
			"block hash: %v", chain.ErrChainRPC, err)
	}

	return *hash, nil
}
