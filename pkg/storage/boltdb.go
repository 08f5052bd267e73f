package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketResources = []byte("resources")
)

// DBFile is the ledger file name inside the data directory
const DBFile = "burrow.db"

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the ledger in dataDir. Opening waits at
// most a second for another process holding the file lock.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, DBFile)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketResources); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketResources, err)
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Record(r *types.Resource) error {
	if r.Project == "" || r.ID == "" || r.Kind == "" {
		return fmt.Errorf("incomplete resource %q", r.Key())
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResources)
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return b.Put([]byte(r.Key()), data)
	})
}

func (s *BoltStore) Forget(r *types.Resource) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResources)
		return b.Delete([]byte(r.Key()))
	})
}

func (s *BoltStore) List(project string) ([]*types.Resource, error) {
	var resources []*types.Resource
	prefix := []byte(project + "/")

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketResources).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var r types.Resource
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("corrupt ledger entry %s: %w", k, err)
			}
			resources = append(resources, &r)
		}
		return nil
	})
	return resources, err
}

func (s *BoltStore) ForgetProject(project string) error {
	prefix := []byte(project + "/")

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResources)

		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Projects() ([]string, error) {
	var projects []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResources).ForEach(func(k, _ []byte) error {
			project, _, _ := strings.Cut(string(k), "/")
			if len(projects) == 0 || projects[len(projects)-1] != project {
				projects = append(projects, project)
			}
			return nil
		})
	})
	return projects, err
}
