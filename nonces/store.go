// Package nonces keeps a participant's secret MuSig2 nonces between the
// nonce round and the signing round.
package nonces

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bitvm/bridge/graphs"
	"github.com/bitvm/bridge/musig"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/tlv"
	"go.etcd.io/bbolt"
)

const (
	// dbFilePermission is the permission of a newly created store file.
	dbFilePermission = 0600

	// keyLen is the size of an entry key: a txid followed by the input
	// index.
	keyLen = chainhash.HashSize + 4
)

var (
	// secretNonceBucket holds one nested bucket per graph id, mapping
	// txid||input to an encoded entry.
	secretNonceBucket = []byte("secret-nonces")

	// ErrNonceExists is returned when a secret nonce would overwrite
	// another one for the same input. Pushing a second nonce for an input
	// means the first public nonce is lost, which is a bug.
	ErrNonceExists = errors.New("secret nonce already stored for input")

	// ErrCorrupted is returned when a stored entry can't be decoded.
	ErrCorrupted = errors.New("secret nonce store corrupted")

	byteOrder = binary.BigEndian
)

// TLV types of a stored entry.
const (
	typeSecNonce  tlv.Type = 0
	typeCreatedAt tlv.Type = 2
)

// entry is a single stored secret nonce.
type entry struct {
	secNonce  []byte
	createdAt uint64
}

// records returns the TLV records of the entry.
func (e *entry) records() []tlv.Record {
	return []tlv.Record{
		tlv.MakePrimitiveRecord(typeSecNonce, &e.secNonce),
		tlv.MakePrimitiveRecord(typeCreatedAt, &e.createdAt),
	}
}

// Encode writes the entry as a TLV stream.
func (e *entry) Encode(w io.Writer) error {
	stream, err := tlv.NewStream(e.records()...)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// Decode reads an entry written by Encode.
func (e *entry) Decode(r io.Reader) error {
	stream, err := tlv.NewStream(e.records()...)
	if err != nil {
		return err
	}
	if err := stream.Decode(r); err != nil {
		return err
	}
	if len(e.secNonce) != musig.SecNonceSize {
		return fmt.Errorf("%w: secret nonce of %d bytes", ErrCorrupted,
			len(e.secNonce))
	}

	return nil
}

// Store is a bolt backed map from (graph id, txid, input) to secret nonce.
// It is owned by a single participant.
type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, dbFilePermission, &bbolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to open nonce store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(secretNonceBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	log.Debugf("Opened secret nonce store at %v", path)

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// entryKey encodes txid and input.
func entryKey(txid chainhash.Hash, input int) []byte {
	var k [keyLen]byte
	copy(k[:], txid[:])
	byteOrder.PutUint32(k[chainhash.HashSize:], uint32(input))

	return k[:]
}

// parseKey decodes a key written by entryKey.
func parseKey(k []byte) (chainhash.Hash, int, error) {
	var txid chainhash.Hash
	if len(k) != keyLen {
		return txid, 0, fmt.Errorf("%w: key of %d bytes", ErrCorrupted,
			len(k))
	}
	copy(txid[:], k[:chainhash.HashSize])

	return txid, int(byteOrder.Uint32(k[chainhash.HashSize:])), nil
}

// Put stores the secrets returned by a nonce round on graphID. Nothing is
// stored if any input already has a secret.
func (s *Store) Put(graphID string, secrets graphs.SecretNonces) error {
	createdAt := uint64(s.now().Unix())

	return s.db.Update(func(tx *bbolt.Tx) error {
		graph, err := tx.Bucket(secretNonceBucket).
			CreateBucketIfNotExists([]byte(graphID))
		if err != nil {
			return err
		}

		for txid, inputs := range secrets {
			for input, sec := range inputs {
				k := entryKey(txid, input)
				if graph.Get(k) != nil {
					return fmt.Errorf("%w: %v:%d of %s",
						ErrNonceExists, txid, input,
						graphID)
				}

				e := entry{
					secNonce:  sec[:],
					createdAt: createdAt,
				}
				var b bytes.Buffer
				if err := e.Encode(&b); err != nil {
					return err
				}
				if err := graph.Put(k, b.Bytes()); err != nil {
					return err
				}
			}
		}

		return nil
	})
}

// Get returns every secret stored for graphID. A graph without secrets
// yields an empty map.
func (s *Store) Get(graphID string) (graphs.SecretNonces, error) {
	secrets := make(graphs.SecretNonces)

	err := s.db.View(func(tx *bbolt.Tx) error {
		graph := tx.Bucket(secretNonceBucket).Bucket([]byte(graphID))
		if graph == nil {
			return nil
		}

		return graph.ForEach(func(k, v []byte) error {
			txid, input, err := parseKey(k)
			if err != nil {
				return err
			}

			var e entry
			if err := e.Decode(bytes.NewReader(v)); err != nil {
				return fmt.Errorf("%w: %v", ErrCorrupted, err)
			}

			if secrets[txid] == nil {
				secrets[txid] = make(map[int]musig.SecNonce)
			}
			var sec musig.SecNonce
			copy(sec[:], e.secNonce)
			secrets[txid][input] = sec

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return secrets, nil
}

// Retain deletes every secret of graphID that is not in remaining. It is
// called after a signing round with the secrets it left unused, so that a
// consumed nonce can never be loaded again.
func (s *Store) Retain(graphID string, remaining graphs.SecretNonces) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(secretNonceBucket)
		graph := root.Bucket([]byte(graphID))
		if graph == nil {
			return nil
		}

		var consumed [][]byte
		err := graph.ForEach(func(k, _ []byte) error {
			txid, input, err := parseKey(k)
			if err != nil {
				return err
			}
			if _, ok := remaining[txid][input]; !ok {
				consumed = append(consumed, bytes.Clone(k))
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range consumed {
			if err := graph.Delete(k); err != nil {
				return err
			}
		}
		log.Debugf("Dropped %d consumed secret nonces of %s",
			len(consumed), graphID)

		if k, _ := graph.Cursor().First(); k == nil {
			return root.DeleteBucket([]byte(graphID))
		}

		return nil
	})
}

// Graphs returns the ids of the graphs with stored secrets.
func (s *Store) Graphs() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(secretNonceBucket).ForEach(
			func(k, _ []byte) error {
				ids = append(ids, string(k))
				return nil
			},
		)
	})
	if err != nil {
		return nil, err
	}

	return ids, nil
}
