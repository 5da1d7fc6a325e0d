package esplora

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitvm/bridge/chain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return NewClient(&Config{
		URL:            server.URL,
		RequestTimeout: 5 * time.Second,
		MaxRetries:     2,
	})
}

func testTx() *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(
		wire.NewOutPoint(&chainhash.Hash{1}, 0), nil,
		[][]byte{{0x01, 0x02}},
	))
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))

	return tx
}

func TestGetTipHeight(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/blocks/tip/height", func(w http.ResponseWriter,
		_ *http.Request) {

		fmt.Fprint(w, "2016\n")
	})

	height, err := newTestClient(t, mux).GetTipHeight(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2016, height)
}

func TestGetTxStatus(t *testing.T) {
	confirmed := chainhash.Hash{1}
	mempool := chainhash.Hash{2}

	mux := http.NewServeMux()
	mux.HandleFunc("/tx/"+confirmed.String()+"/status",
		func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, `{"confirmed":true,"block_height":120,`+
				`"block_hash":"00ff","block_time":1700000000}`)
		},
	)
	mux.HandleFunc("/tx/"+mempool.String()+"/status",
		func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, `{"confirmed":false}`)
		},
	)
	c := newTestClient(t, mux)
	ctx := context.Background()

	status, err := c.GetTxStatus(ctx, confirmed)
	require.NoError(t, err)
	require.Equal(t, &chain.TxStatus{
		Known: true, Confirmed: true, BlockHeight: 120,
	}, status)

	status, err = c.GetTxStatus(ctx, mempool)
	require.NoError(t, err)
	require.Equal(t, &chain.TxStatus{Known: true}, status)

	// Unknown transactions are a 404, not an error.
	status, err = c.GetTxStatus(ctx, chainhash.Hash{3})
	require.NoError(t, err)
	require.False(t, status.Known)
}

func TestGetRawTx(t *testing.T) {
	tx := testTx()
	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))

	mux := http.NewServeMux()
	mux.HandleFunc("/tx/"+tx.TxHash().String()+"/hex",
		func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, hex.EncodeToString(buf.Bytes()))
		},
	)
	c := newTestClient(t, mux)

	got, err := c.GetRawTx(context.Background(), tx.TxHash())
	require.NoError(t, err)
	require.Equal(t, tx.TxHash(), got.TxHash())
	require.Equal(t, tx.TxIn[0].Witness, got.TxIn[0].Witness)

	_, err = c.GetRawTx(context.Background(), chainhash.Hash{9})
	require.ErrorIs(t, err, chain.ErrTxNotFound)
}

func TestGetOutSpend(t *testing.T) {
	parent := chainhash.Hash{1}
	child := chainhash.Hash{2}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("/tx/%v/outspend/0", parent),
		func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprintf(w, `{"spent":true,"txid":"%v","vin":1,`+
				`"status":{"confirmed":true,"block_height":130}}`,
				child)
		},
	)
	mux.HandleFunc(fmt.Sprintf("/tx/%v/outspend/1", parent),
		func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, `{"spent":false}`)
		},
	)
	c := newTestClient(t, mux)
	ctx := context.Background()

	spend, err := c.GetOutSpend(ctx, *wire.NewOutPoint(&parent, 0))
	require.NoError(t, err)
	require.Equal(t, &chain.OutSpend{
		Spent: true,
		Txid:  child,
		Vin:   1,
		TxStatus: chain.TxStatus{
			Known: true, Confirmed: true, BlockHeight: 130,
		},
	}, spend)

	spend, err = c.GetOutSpend(ctx, *wire.NewOutPoint(&parent, 1))
	require.NoError(t, err)
	require.False(t, spend.Spent)
}

func TestGetAddressUTXOs(t *testing.T) {
	addr, err := btcutil.NewAddressTaproot(
		bytes.Repeat([]byte{0x02}, 32), &chaincfg.TestNet3Params,
	)
	require.NoError(t, err)

	txid := chainhash.Hash{7}
	mux := http.NewServeMux()
	mux.HandleFunc("/address/"+addr.EncodeAddress()+"/utxo",
		func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprintf(w, `[{"txid":"%v","vout":3,"value":100000,`+
				`"status":{"confirmed":true,"block_height":5}}]`,
				txid)
		},
	)

	utxos, err := newTestClient(t, mux).GetAddressUTXOs(
		context.Background(), addr,
	)
	require.NoError(t, err)
	require.Equal(t, []chain.UTXO{{
		Outpoint:  *wire.NewOutPoint(&txid, 3),
		Amount:    100_000,
		Confirmed: true,
	}}, utxos)
}

func TestBroadcast(t *testing.T) {
	tx := testTx()
	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))

	var reply atomic.Value
	reply.Store("ok")

	mux := http.NewServeMux()
	mux.HandleFunc("/tx", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Equal(t, hex.EncodeToString(buf.Bytes()), string(body))

		switch reply.Load().(string) {
		case "ok":
			fmt.Fprint(w, tx.TxHash().String())

		case "known":
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `sendrawtransaction RPC error: `+
				`{"code":-27,"message":"Transaction already in `+
				`block chain"}`)

		case "rejected":
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `sendrawtransaction RPC error: `+
				`{"code":-26,"message":"non-BIP68-final"}`)
		}
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	require.NoError(t, c.Broadcast(ctx, tx))

	reply.Store("known")
	require.NoError(t, c.Broadcast(ctx, tx))

	reply.Store("rejected")
	err := c.Broadcast(ctx, tx)
	require.ErrorIs(t, err, chain.ErrRejected)
	require.Contains(t, err.Error(), "non-BIP68-final")
}

func TestRetries(t *testing.T) {
	var calls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/blocks/tip/height", func(w http.ResponseWriter,
		_ *http.Request) {

		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "7")
	})
	c := newTestClient(t, mux)

	height, err := c.GetTipHeight(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 7, height)
	require.EqualValues(t, 3, calls.Load())

	// One more failure than retries allowed surfaces as a chain error.
	calls.Store(-10)
	_, err = c.GetTipHeight(context.Background())
	require.ErrorIs(t, err, chain.ErrChainRPC)
}

func TestRateLimit(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/blocks/tip/height", func(w http.ResponseWriter,
		_ *http.Request) {

		fmt.Fprint(w, "1")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := NewClient(&Config{
		URL:               server.URL,
		RequestsPerSecond: 20,
	})

	start := time.Now()
	for i := 0; i < 5; i++ {
		_, err := c.GetTipHeight(context.Background())
		require.NoError(t, err)
	}

	// A burst of one lets the first request through immediately and
	// spaces the other four 50ms apart.
	require.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestSuperblockValid(t *testing.T) {
	good := chainhash.Hash{1}
	stale := chainhash.Hash{2}
	blockTime := time.Unix(1_700_000_000, 0)

	mux := http.NewServeMux()
	mux.HandleFunc("/block/"+good.String()+"/status",
		func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, `{"in_best_chain":true,"height":10}`)
		},
	)
	mux.HandleFunc("/block/"+good.String(),
		func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprintf(w, `{"id":"%v","height":10,"timestamp":%d}`,
				good, blockTime.Unix())
		},
	)
	mux.HandleFunc("/block/"+stale.String()+"/status",
		func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, `{"in_best_chain":false}`)
		},
	)
	c := newTestClient(t, mux)
	ctx := context.Background()

	ok, err := c.SuperblockValid(ctx, good, blockTime.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.SuperblockValid(ctx, good, blockTime.Add(time.Second))
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = c.SuperblockValid(ctx, stale, time.Time{})
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = c.SuperblockValid(ctx, chainhash.Hash{3}, time.Time{})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTipHash(t *testing.T) {
	tip := chainhash.Hash{0xaa, 0xbb}

	mux := http.NewServeMux()
	mux.HandleFunc("/blocks/tip/hash", func(w http.ResponseWriter,
		_ *http.Request) {

		fmt.Fprintln(w, tip.String())
	})

	hash, err := newTestClient(t, mux).TipHash(context.Background())
	require.NoError(t, err)
	require.Equal(t, tip, hash)
}
