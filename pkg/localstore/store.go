// Package localstore provides the durable local queue: a bbolt-backed
// key-value store holding a generic entity cache and a FIFO queue of
// pending write operations. The store survives process restarts and full
// reloads; nothing in the sync core ever clears it implicitly.
package localstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketEntities   = []byte("entities")
	bucketPendingOps = []byte("pending_ops")
)

// ErrNotFound is returned when a key has no record.
var ErrNotFound = errors.New("localstore: not found")

// Store is a durable key-value store with two independent collections:
// cached entities keyed "<resourceType>_<id>" and pending operations
// keyed by operation id.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("localstore: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketEntities, bucketPendingOps} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("localstore: init buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// entityKey builds the cache key for a resource.
func entityKey(resourceType, id string) []byte {
	return []byte(resourceType + "_" + id)
}

// PutEntity stores a cached entity under "<resourceType>_<id>".
func (s *Store) PutEntity(resourceType, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("localstore: encode entity %s_%s: %w", resourceType, id, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntities).Put(entityKey(resourceType, id), data)
	})
}

// GetEntity loads a cached entity into out. Returns ErrNotFound when the
// key has never been written or was deleted.
func (s *Store) GetEntity(resourceType, id string, out any) error {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketEntities).Get(entityKey(resourceType, id))
		if raw == nil {
			return ErrNotFound
		}
		data = bytes.Clone(raw)
		return nil
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("localstore: decode entity %s_%s: %w", resourceType, id, err)
	}
	return nil
}

// DeleteEntity removes a cached entity. Deleting an absent key is not an
// error.
func (s *Store) DeleteEntity(resourceType, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntities).Delete(entityKey(resourceType, id))
	})
}

// EnqueueOperation appends op to the pending queue. The store assigns
// the sequence number that fixes the operation's FIFO position.
func (s *Store) EnqueueOperation(op *PendingOperation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPendingOps)
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("localstore: next sequence: %w", err)
		}
		op.Seq = seq
		data, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("localstore: encode operation %s: %w", op.ID, err)
		}
		return b.Put([]byte(op.ID), data)
	})
}

// UpdateOperation rewrites an existing pending operation in place,
// preserving its queue position.
func (s *Store) UpdateOperation(op *PendingOperation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPendingOps)
		if b.Get([]byte(op.ID)) == nil {
			return ErrNotFound
		}
		data, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("localstore: encode operation %s: %w", op.ID, err)
		}
		return b.Put([]byte(op.ID), data)
	})
}

// DeleteOperation removes a pending operation from the queue.
func (s *Store) DeleteOperation(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPendingOps).Delete([]byte(id))
	})
}

// PendingOperations returns all queued operations in FIFO enqueue order:
// by EnqueuedAt, with the store-assigned sequence breaking ties.
func (s *Store) PendingOperations() ([]PendingOperation, error) {
	var ops []PendingOperation
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPendingOps).ForEach(func(_, v []byte) error {
			var op PendingOperation
			if err := json.Unmarshal(v, &op); err != nil {
				return fmt.Errorf("localstore: decode operation: %w", err)
			}
			ops = append(ops, op)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(ops, func(i, j int) bool {
		if !ops[i].EnqueuedAt.Equal(ops[j].EnqueuedAt) {
			return ops[i].EnqueuedAt.Before(ops[j].EnqueuedAt)
		}
		return ops[i].Seq < ops[j].Seq
	})
	return ops, nil
}
