package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/miel/pkg/errs"
	"github.com/cuemby/miel/pkg/log"
	"github.com/cuemby/miel/pkg/metrics"
	"github.com/cuemby/miel/pkg/types"
)

var bucketSpool = []byte("spool")

// Spool is the bounded local queue Recorder drains into when Store.Append
// returns errs.ErrStorageRetryable. It is itself backed by BoltDB: a
// single-writer embedded store is the right shape for a local, ordered,
// crash-tolerant FIFO, same as the teacher's CRUD store but used here as a
// queue rather than a table-per-entity document store.
type Spool struct {
	db       *bolt.DB
	maxItems int
}

// OpenSpool opens (creating if absent) the spool database at
// <dataDir>/spool.db, bounded to maxItems queued artifacts.
func OpenSpool(dataDir string, maxItems int) (*Spool, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "spool.db"), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open spool: %v", errs.ErrStorageFatal, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSpool)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create spool bucket: %v", errs.ErrStorageFatal, err)
	}
	return &Spool{db: db, maxItems: maxItems}, nil
}

// Enqueue appends an artifact to the spool. If the spool is at maxItems, the
// oldest entry is dropped to make room (metrics.SpoolDroppedTotal counts the
// loss) rather than blocking the caller or rejecting the newest write.
func (s *Spool) Enqueue(artifact types.Artifact) error {
	data, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("%w: marshal spooled artifact: %v", errs.ErrStorageFatal, err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSpool)
		if s.maxItems > 0 && b.Stats().KeyN >= s.maxItems {
			c := b.Cursor()
			if k, _ := c.First(); k != nil {
				if err := b.Delete(k); err != nil {
					return err
				}
				metrics.SpoolDroppedTotal.Inc()
				log.Logger.Warn().Msg("spool full, dropped oldest artifact")
			}
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := sequenceKey(seq)
		metrics.SpoolDepth.Set(float64(b.Stats().KeyN + 1))
		return b.Put(key, data)
	})
}

// Drain replays spooled artifacts into store in FIFO order, stopping at the
// first retryable failure (leaving the remainder queued) and removing each
// artifact only once store.Append succeeds.
func (s *Spool) Drain(ctx context.Context, store Store) error {
	for {
		key, artifact, ok, err := s.peek()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		if err := store.Append(ctx, artifact); err != nil {
			if errors.Is(err, errs.ErrStorageRetryable) {
				return nil // try again on the next drain tick
			}
			// Fatal: the artifact cannot ever be written as constructed.
			// Drop it rather than spin forever on the same poisoned entry.
			log.Logger.Error().Err(err).Str("session_id", artifact.Meta.SessionID).Msg("dropping unwriteable spooled artifact")
		}
		if err := s.remove(key); err != nil {
			return err
		}
		metrics.SpoolDepth.Set(float64(s.Depth()))
	}
}

// Depth returns the current number of spooled artifacts.
func (s *Spool) Depth() int {
	var n int
	_ = s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketSpool).Stats().KeyN
		return nil
	})
	return n
}

// Close closes the spool database.
func (s *Spool) Close() error {
	return s.db.Close()
}

func (s *Spool) peek() ([]byte, types.Artifact, bool, error) {
	var key []byte
	var artifact types.Artifact
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSpool).Cursor()
		k, v := c.First()
		if k == nil {
			return nil
		}
		key = append([]byte(nil), k...)
		return json.Unmarshal(v, &artifact)
	})
	return key, artifact, key != nil, err
}

func (s *Spool) remove(key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSpool).Delete(key)
	})
}

func sequenceKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d", seq))
}
