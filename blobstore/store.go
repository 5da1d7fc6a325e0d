package blobstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/lightningnetwork/lnd/clock"
)

// DataStore names, lists and writes bridge data blobs on top of a Driver.
type DataStore struct {
	driver Driver
	clock  clock.Clock

	mu sync.Mutex

	// lastWrite is the timestamp of the last key we wrote, in
	// milliseconds.
	lastWrite int64
}

// NewDataStore wraps driver. Keys are stamped with clk.
func NewDataStore(driver Driver, clk clock.Clock) *DataStore {
	return &DataStore{
		driver: driver,
		clock:  clk,
	}
}

// Backend returns the name of the underlying driver.
func (s *DataStore) Backend() string {
	return s.driver.Name()
}

// Keys returns every data key in the store, oldest first. Foreign objects
// are ignored.
func (s *DataStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.driver.List(ctx)
	if err != nil {
		return nil, err
	}

	return SortKeys(keys), nil
}

// Fetch returns the blob stored under a data key.
func (s *DataStore) Fetch(ctx context.Context, key string) ([]byte, error) {
	if !IsDataKey(key) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	return s.driver.Fetch(ctx, key)
}

// Write stores data under a key stamped with the current time. If another
// blob already uses that millisecond the key is bumped one millisecond at a
// time until it is free.
func (s *DataStore) Write(ctx context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.driver.List(ctx)
	if err != nil {
		return "", err
	}
	taken := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		taken[key] = struct{}{}
	}

	ms := s.clock.Now().UnixMilli()
	if ms <= s.lastWrite {
		ms = s.lastWrite + 1
	}
	key := keyFromMillis(ms)
	for {
		if _, ok := taken[key]; !ok {
			break
		}

		log.Debugf("Blob key %v taken, bumping", key)

		ms++
		key = keyFromMillis(ms)
	}

	n, err := s.driver.Upload(ctx, key, data)
	if err != nil {
		return "", err
	}
	s.lastWrite = ms

	log.Infof("Wrote %d bytes to %v (%v)", n, key, s.driver.Name())

	return key, nil
}
