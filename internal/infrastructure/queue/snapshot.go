package queue

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const snapshotVersion = 1

var snapshotKey = []byte("snapshot")

// Snapshot is the wholesale persisted queue record.
type Snapshot struct {
	Items    []*Item          `json:"items"`
	Metadata SnapshotMetadata `json:"metadata"`
}

type SnapshotMetadata struct {
	PersistedAt time.Time `json:"persisted_at"`
	Version     int       `json:"version"`
	Stats       Stats     `json:"stats"`
}

// SnapshotStore wraps BoltDB to persist the queue across restarts.
type SnapshotStore struct {
	db     *bolt.DB
	bucket []byte
}

// OpenSnapshotStore initializes the BoltDB file and ensures the bucket exists.
func OpenSnapshotStore(path string, bucket string) (*SnapshotStore, error) {
	if bucket == "" {
		bucket = "queue"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &SnapshotStore{
		db:     db,
		bucket: []byte(bucket),
	}, nil
}

// Save rewrites the snapshot record.
func (s *SnapshotStore) Save(snap Snapshot) error {
	if s == nil || s.db == nil {
		return bolt.ErrDatabaseNotOpen
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Put(snapshotKey, payload)
	})
}

// Load returns the persisted snapshot, or nil when none exists.
func (s *SnapshotStore) Load() (*Snapshot, error) {
	if s == nil || s.db == nil {
		return nil, bolt.ErrDatabaseNotOpen
	}
	var snap *Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(s.bucket).Get(snapshotKey)
		if raw == nil {
			return nil
		}
		snap = &Snapshot{}
		return json.Unmarshal(raw, snap)
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Close closes the Bolt database.
func (s *SnapshotStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Stats exposes Bolt statistics for monitoring endpoints.
func (s *SnapshotStore) Stats() bolt.Stats {
	if s == nil || s.db == nil {
		return bolt.Stats{}
	}
	return s.db.Stats()
}
