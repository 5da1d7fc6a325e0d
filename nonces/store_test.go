package nonces

import (
	"path/filepath"
	"testing"

	"github.com/bitvm/bridge/graphs"
	"github.com/bitvm/bridge/musig"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
	"pgregory.net/rapid"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "nonces.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})

	return s, path
}

func secNonce(b byte) musig.SecNonce {
	var sec musig.SecNonce
	for i := range sec {
		sec[i] = b + byte(i)
	}

	return sec
}

func TestStorePutGet(t *testing.T) {
	t.Parallel()

	s, _ := openTestStore(t)

	secrets := graphs.SecretNonces{
		chainhash.Hash{1}: {0: secNonce(1), 2: secNonce(2)},
		chainhash.Hash{2}: {0: secNonce(3)},
	}
	require.NoError(t, s.Put("graph", secrets))

	got, err := s.Get("graph")
	require.NoError(t, err)
	require.Equal(t, secrets, got)

	empty, err := s.Get("other")
	require.NoError(t, err)
	require.Empty(t, empty)

	ids, err := s.Graphs()
	require.NoError(t, err)
	require.Equal(t, []string{"graph"}, ids)
}

func TestStoreRejectsOverwrite(t *testing.T) {
	t.Parallel()

	s, _ := openTestStore(t)

	txid := chainhash.Hash{1}
	require.NoError(t, s.Put("graph", graphs.SecretNonces{
		txid: {0: secNonce(1)},
	}))

	err := s.Put("graph", graphs.SecretNonces{
		chainhash.Hash{9}: {0: secNonce(9)},
		txid:              {0: secNonce(2)},
	})
	require.ErrorIs(t, err, ErrNonceExists)

	// The failed put stored nothing.
	got, err := s.Get("graph")
	require.NoError(t, err)
	require.Equal(t, graphs.SecretNonces{txid: {0: secNonce(1)}}, got)
}

func TestStoreRetain(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nonces.db")
	s, err := Open(path)
	require.NoError(t, err)

	a, b := chainhash.Hash{1}, chainhash.Hash{2}
	err = s.Put("graph", graphs.SecretNonces{
		a: {0: secNonce(1), 1: secNonce(2)},
		b: {0: secNonce(3)},
	})
	require.NoError(t, err)

	remaining := graphs.SecretNonces{a: {1: secNonce(2)}}
	require.NoError(t, s.Retain("graph", remaining))

	got, err := s.Get("graph")
	require.NoError(t, err)
	require.Equal(t, remaining, got)

	require.NoError(t, s.Retain("graph", nil))
	ids, err := s.Graphs()
	require.NoError(t, err)
	require.Empty(t, ids)

	// Consumed secrets stay gone across restarts.
	require.NoError(t, s.Close())
	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	got, err = s2.Get("graph")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestStoreCorruptEntry(t *testing.T) {
	t.Parallel()

	s, _ := openTestStore(t)

	err := s.db.Update(func(tx *bbolt.Tx) error {
		graph, err := tx.Bucket(secretNonceBucket).
			CreateBucketIfNotExists([]byte("graph"))
		if err != nil {
			return err
		}

		return graph.Put(entryKey(chainhash.Hash{1}, 0), []byte{0, 1, 7})
	})
	require.NoError(t, err)

	_, err = s.Get("graph")
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestEntryKeyRoundTrip(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		var txid chainhash.Hash
		raw := rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, "txid")
		copy(txid[:], raw)
		input := rapid.IntRange(0, 1<<20).Draw(t, "input")

		gotTxid, gotInput, err := parseKey(entryKey(txid, input))
		require.NoError(t, err)
		require.Equal(t, txid, gotTxid)
		require.Equal(t, input, gotInput)
	})
}
