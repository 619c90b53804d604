// Package checkpoint provides the durable checkpoint store. It is backed by
// bbolt: each save is a single copy-on-write transaction, so an interrupted
// save leaves the previous checkpoint intact.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/codetrek/forkdb/internal/replication"
)

// Open opens (or creates) a checkpoint database file.
func Open(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	return db, nil
}

// BoltStore persists checkpoints for one collection in a bucket named after
// the collection, keyed by direction.
type BoltStore struct {
	db         *bolt.DB
	collection string
}

func NewBoltStore(db *bolt.DB, collection string) (*BoltStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(collection))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create checkpoint bucket: %w", err)
	}
	return &BoltStore{db: db, collection: collection}, nil
}

func (s *BoltStore) Load(_ context.Context, direction replication.Direction) (*replication.Checkpoint, error) {
	var cp *replication.Checkpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(s.collection)).Get([]byte(direction))
		if raw == nil {
			return nil
		}
		var loaded replication.Checkpoint
		if err := json.Unmarshal(raw, &loaded); err != nil {
			return fmt.Errorf("decode %s checkpoint: %w", direction, err)
		}
		cp = &loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

func (s *BoltStore) Save(_ context.Context, direction replication.Direction, cp replication.Checkpoint) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(s.collection))

		if raw := bucket.Get([]byte(direction)); raw != nil {
			var prev replication.Checkpoint
			if err := json.Unmarshal(raw, &prev); err != nil {
				return fmt.Errorf("decode %s checkpoint: %w", direction, err)
			}
			if cp.Seq < prev.Seq {
				return fmt.Errorf("checkpoint regression for %s: seq %d < %d", direction, cp.Seq, prev.Seq)
			}
		}

		raw, err := json.Marshal(cp)
		if err != nil {
			return fmt.Errorf("encode %s checkpoint: %w", direction, err)
		}
		return bucket.Put([]byte(direction), raw)
	})
}
