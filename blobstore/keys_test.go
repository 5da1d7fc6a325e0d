package blobstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestKeyAt(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_123)

	key := KeyAt(ts)
	require.Equal(t, "1700000000123-bridge-client-data.json", key)
	require.True(t, IsDataKey(key))

	got, err := KeyTime(key)
	require.NoError(t, err)
	require.True(t, ts.Equal(got))

	// Early timestamps are zero padded to keep the width fixed.
	require.Equal(t, "0000000000042-bridge-client-data.json",
		KeyAt(time.UnixMilli(42)))
}

func TestKeyTimeRejectsForeignKeys(t *testing.T) {
	for _, key := range []string{
		"",
		"bridge-client-data.json",
		"170000000012-bridge-client-data.json",
		"17000000001234-bridge-client-data.json",
		"1700000000123-bridge-client-data.json.bak",
		"x1700000000123-bridge-client-data.json",
		"1700000000123-bridge-client-dataxjson",
		"abcdefghijklm-bridge-client-data.json",
	} {
		require.False(t, IsDataKey(key), key)

		_, err := KeyTime(key)
		require.ErrorIs(t, err, ErrInvalidKey, key)
	}
}

func TestSortKeys(t *testing.T) {
	keys := []string{
		"1700000000300-bridge-client-data.json",
		"notes.txt",
		"1700000000100-bridge-client-data.json",
		"1700000000200-bridge-client-data.json",
	}

	require.Equal(t, []string{
		"1700000000100-bridge-client-data.json",
		"1700000000200-bridge-client-data.json",
		"1700000000300-bridge-client-data.json",
	}, SortKeys(keys))
}

// TestKeyOrder checks that key order is timestamp order.
func TestKeyOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		const maxMillis = 9_999_999_999_999

		a := rapid.Int64Range(0, maxMillis).Draw(t, "a")
		b := rapid.Int64Range(0, maxMillis).Draw(t, "b")

		ka, kb := keyFromMillis(a), keyFromMillis(b)
		require.Equal(t, a < b, ka < kb)

		got, err := keyMillis(ka)
		require.NoError(t, err)
		require.Equal(t, a, got)
	})
}
