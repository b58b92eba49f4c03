package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"xsense-go-home/internal/cloud"
)

var (
	bucketState     = []byte("state")
	bucketCooldowns = []byte("cooldowns")
	keySession      = []byte("session")
	keyInventory    = []byte("inventory")
	keyDiagnostics  = []byte("diagnostics")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketState, bucketCooldowns} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) put(bucket, key []byte, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucket)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) get(bucket, key []byte, what string, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucket)
		}
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("%s: %w", what, ErrNotFound)
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) SaveSession(sess *cloud.PersistedSession) error {
	return s.put(bucketState, keySession, sess)
}

func (s *BoltStore) GetSession() (*cloud.PersistedSession, error) {
	var sess cloud.PersistedSession
	if err := s.get(bucketState, keySession, "session", &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// SaveInventory stores data as is; it is already JSON.
func (s *BoltStore) SaveInventory(data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("inventory is not valid json")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketState)
		}
		return b.Put(keyInventory, data)
	})
}

func (s *BoltStore) GetInventory() ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketState)
		}
		data := b.Get(keyInventory)
		if data == nil {
			return fmt.Errorf("inventory: %w", ErrNotFound)
		}
		// Bolt memory is only valid inside the transaction.
		out = append([]byte(nil), data...)
		return nil
	})
	return out, err
}

func (s *BoltStore) SaveCooldown(station string, at time.Time) error {
	return s.put(bucketCooldowns, []byte(station), cooldownStorage{At: at.UTC()})
}

func (s *BoltStore) ListCooldowns() (map[string]time.Time, error) {
	out := make(map[string]time.Time)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCooldowns)
		if b == nil {
			return nil // no bucket = no cooldowns
		}
		return b.ForEach(func(k, v []byte) error {
			var c cooldownStorage
			if err := json.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("cooldown %s: %w", k, err)
			}
			out[string(k)] = c.At
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) SaveDiagnostics(d *Diagnostics) error {
	return s.put(bucketState, keyDiagnostics, d)
}

func (s *BoltStore) GetDiagnostics() (*Diagnostics, error) {
	var d Diagnostics
	if err := s.get(bucketState, keyDiagnostics, "diagnostics", &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *BoltStore) UpdateDiagnostics(fn func(d *Diagnostics) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketState)
		}
		var d Diagnostics
		if data := b.Get(keyDiagnostics); data != nil {
			if err := json.Unmarshal(data, &d); err != nil {
				return err
			}
		}
		if err := fn(&d); err != nil {
			return err
		}
		data, err := json.Marshal(&d)
		if err != nil {
			return err
		}
		return b.Put(keyDiagnostics, data)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
