package agent

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var paramsBucket = []byte("params")

// Snapshot persists the parameter store between agent runs.
type Snapshot struct {
	db *bolt.DB
}

// OpenSnapshot opens or creates the snapshot database at path.
func OpenSnapshot(path string) (*Snapshot, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open snapshot %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(paramsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &Snapshot{db: db}, nil
}

// Load returns the saved parameters.
func (s *Snapshot) Load() (map[string]string, error) {
	out := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(paramsBucket).ForEach(func(k, v []byte) error {
			out[string(k)] = string(v)
			return nil
		})
	})
	return out, err
}

// Save replaces the saved parameters with values.
func (s *Snapshot) Save(values map[string]string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(paramsBucket); err != nil {
			return err
		}
		b, err := tx.CreateBucket(paramsBucket)
		if err != nil {
			return err
		}
		for k, v := range values {
			if err := b.Put([]byte(k), []byte(v)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Put writes one parameter.
func (s *Snapshot) Put(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(paramsBucket).Put([]byte(key), []byte(value))
	})
}

func (s *Snapshot) Close() error { return s.db.Close() }
