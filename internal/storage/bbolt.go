package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const (
	bucketRestrictions = "restrictions"
	bucketIncidents    = "incidents"
	bucketWatches      = "watches"
)

type bboltStore struct {
	db *bolt.DB
}

// NewBboltStore opens (or creates) a bbolt database at dataDir/sentry.db.
func NewBboltStore(dataDir string) (Store, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "sentry.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketRestrictions, bucketIncidents, bucketWatches} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &bboltStore{db: db}, nil
}

func snowflakeKey(snowflake int64) []byte {
	return []byte(strconv.FormatInt(snowflake, 10))
}

func incidentKey(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

func watchKey(incidentID uint64, userID int64) []byte {
	return []byte(fmt.Sprintf("%d/%d", incidentID, userID))
}

func watchPrefix(incidentID uint64) []byte {
	return []byte(fmt.Sprintf("%d/", incidentID))
}

// ---- Restriction operations ------------------------------------------------

func (s *bboltStore) RestrictionGet(snowflake int64) (*Restriction, error) {
	var rec Restriction
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketRestrictions)).Get(snowflakeKey(snowflake))
		if v == nil {
			return nil
		}
		found = true
		return msgpack.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

func (s *bboltStore) RestrictionPut(r Restriction) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	data, err := msgpack.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal Restriction: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketRestrictions)).Put(snowflakeKey(r.Snowflake), data)
	})
}

func (s *bboltStore) RestrictionDelete(snowflake int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketRestrictions)).Delete(snowflakeKey(snowflake))
	})
}

func (s *bboltStore) RestrictionList() (map[int64]Restriction, error) {
	result := make(map[int64]Restriction)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketRestrictions)).ForEach(func(k, v []byte) error {
			var rec Restriction
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal Restriction for %s: %w", k, err)
			}
			result[rec.Snowflake] = rec
			return nil
		})
	})
	return result, err
}

// ---- Incident operations ---------------------------------------------------

func (s *bboltStore) IncidentFindOpen(command, signature string) (*Incident, error) {
	var match *Incident
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketIncidents)).ForEach(func(k, v []byte) error {
			if match != nil {
				return nil
			}
			var inc Incident
			if err := msgpack.Unmarshal(v, &inc); err != nil {
				return fmt.Errorf("unmarshal Incident %x: %w", k, err)
			}
			if !inc.Fixed && inc.Command == command && inc.Signature == signature {
				match = &inc
			}
			return nil
		})
	})
	return match, err
}

func (s *bboltStore) IncidentInsert(inc Incident) (Incident, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketIncidents))
		id, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("next incident id: %w", err)
		}
		inc.ID = id
		data, err := msgpack.Marshal(inc)
		if err != nil {
			return fmt.Errorf("marshal Incident: %w", err)
		}
		return b.Put(incidentKey(id), data)
	})
	if err != nil {
		return Incident{}, err
	}
	return inc, nil
}

func (s *bboltStore) IncidentGet(id uint64) (*Incident, error) {
	var rec Incident
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketIncidents)).Get(incidentKey(id))
		if v == nil {
			return nil
		}
		found = true
		return msgpack.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

func (s *bboltStore) IncidentList() ([]Incident, error) {
	var result []Incident
	err := s.db.View(func(tx *bolt.Tx) error {
		// Big-endian keys keep insertion order during iteration.
		return tx.Bucket([]byte(bucketIncidents)).ForEach(func(k, v []byte) error {
			var inc Incident
			if err := msgpack.Unmarshal(v, &inc); err != nil {
				return fmt.Errorf("unmarshal Incident %x: %w", k, err)
			}
			result = append(result, inc)
			return nil
		})
	})
	return result, err
}

func (s *bboltStore) IncidentMarkFixed(id uint64) (bool, error) {
	var found bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketIncidents))
		v := b.Get(incidentKey(id))
		if v == nil {
			return nil
		}
		var inc Incident
		if err := msgpack.Unmarshal(v, &inc); err != nil {
			return fmt.Errorf("unmarshal Incident %d: %w", id, err)
		}
		inc.Fixed = true
		data, err := msgpack.Marshal(inc)
		if err != nil {
			return err
		}
		found = true
		return b.Put(incidentKey(id), data)
	})
	return found, err
}

// ---- Watch operations ------------------------------------------------------

func (s *bboltStore) WatchAdd(incidentID uint64, userID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketWatches)).Put(watchKey(incidentID, userID), []byte{1})
	})
}

func (s *bboltStore) WatchExists(incidentID uint64, userID int64) (bool, error) {
	var exists bool
	err := s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket([]byte(bucketWatches)).Get(watchKey(incidentID, userID)) != nil
		return nil
	})
	return exists, err
}

func (s *bboltStore) WatchRemove(incidentID uint64, userID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketWatches)).Delete(watchKey(incidentID, userID))
	})
}

func (s *bboltStore) WatchList(incidentID uint64) ([]int64, error) {
	var users []int64
	prefix := watchPrefix(incidentID)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketWatches)).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			userID, err := strconv.ParseInt(string(k[len(prefix):]), 10, 64)
			if err != nil {
				continue // skip corrupt entries
			}
			users = append(users, userID)
		}
		return nil
	})
	return users, err
}

func (s *bboltStore) WatchDeleteAll(incidentID uint64) error {
	prefix := watchPrefix(incidentID)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketWatches))
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			key := make([]byte, len(k))
			copy(key, k)
			toDelete = append(toDelete, key)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// ---- Janitor ---------------------------------------------------------------

func (s *bboltStore) PruneExpiredRestrictions() (int, error) {
	now := time.Now().UTC()
	var pruned int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketRestrictions))
		var toDelete [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var rec Restriction
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return nil // skip corrupt entries
			}
			if rec.Expired(now) {
				key := make([]byte, len(k))
				copy(key, k)
				toDelete = append(toDelete, key)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

// ---- Utility ---------------------------------------------------------------

func (s *bboltStore) SizeBytes() (int64, error) {
	info, err := os.Stat(s.db.Path())
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *bboltStore) Close() error {
	return s.db.Close()
}
