package blobstore

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"
)

// KeySuffix ends every bridge data key.
const KeySuffix = "-bridge-client-data.json"

var keyPattern = regexp.MustCompile(`^(\d{13})-bridge-client-data\.json$`)

// ErrInvalidKey is returned for keys that are not bridge data keys.
var ErrInvalidKey = fmt.Errorf("key does not match %v", keyPattern)

// KeyAt returns the data key for a blob written at t.
func KeyAt(t time.Time) string {
	return keyFromMillis(t.UnixMilli())
}

func keyFromMillis(ms int64) string {
	return fmt.Sprintf("%013d%s", ms, KeySuffix)
}

// IsDataKey reports whether key is a bridge data key.
func IsDataKey(key string) bool {
	return keyPattern.MatchString(key)
}

// KeyTime returns the writer timestamp embedded in key.
func KeyTime(key string) (time.Time, error) {
	ms, err := keyMillis(key)
	if err != nil {
		return time.Time{}, err
	}

	return time.UnixMilli(ms), nil
}

func keyMillis(key string) (int64, error) {
	m := keyPattern.FindStringSubmatch(key)
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	// Thirteen digits always fit.
	ms, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	return ms, nil
}

// SortKeys drops everything that is not a data key and orders the rest
// oldest first. Fixed width timestamps make the lexicographic order the
// chronological one.
func SortKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if IsDataKey(key) {
			out = append(out, key)
		}
	}
	sort.Strings(out)

	return out
}
