package auth

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketArtifacts = []byte("artifacts")

// BoltStore persists authorization artifacts in a BoltDB file so a restart
// does not force the owner back through the signing prompt.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (and migrates) the Bolt-backed store at path.
func NewBoltStore(path string, options *bolt.Options) (*BoltStore, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketArtifacts)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *BoltStore) Load(key []byte) (Artifact, bool, error) {
	var artifact Artifact
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketArtifacts).Get(key)
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &artifact); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return Artifact{}, false, err
	}
	return artifact, found, nil
}

func (s *BoltStore) Save(key []byte, artifact Artifact) error {
	raw, err := json.Marshal(artifact)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArtifacts).Put(key, raw)
	})
}

func (s *BoltStore) Delete(key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArtifacts).Delete(key)
	})
}
