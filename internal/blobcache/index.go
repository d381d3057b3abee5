package blobcache

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const bucketBlobs = "blobs" // key: blob key -> Entry JSON

// Entry is the on-disk metadata for one blob.
type Entry struct {
	Key        string    `json:"key"`
	Source     string    `json:"source"`
	Size       int64     `json:"size"`
	StoredAt   time.Time `json:"stored_at"`
	LastAccess time.Time `json:"last_access"`
}

// index records which blobs are on disk. Only the cache lane touches it.
type index struct {
	db *bbolt.DB
}

func openIndex(path string) (*index, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open blob index: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketBlobs))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create blob bucket: %w", err)
	}

	return &index{db: db}, nil
}

func (ix *index) close() error {
	return ix.db.Close()
}

func (ix *index) put(e Entry) error {
	data, err := json.Marshal(&e)
	if err != nil {
		return err
	}
	return ix.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketBlobs)).Put([]byte(e.Key), data)
	})
}

// touch updates LastAccess; unknown keys are ignored.
func (ix *index) touch(key string, at time.Time) error {
	return ix.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketBlobs))
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		e.LastAccess = at
		data, err := json.Marshal(&e)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (ix *index) delete(key string) error {
	return ix.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketBlobs)).Delete([]byte(key))
	})
}

// totals returns the number of indexed blobs and their combined size.
func (ix *index) totals() (count int, size int64, err error) {
	err = ix.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketBlobs)).ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			count++
			size += e.Size
			return nil
		})
	})
	return count, size, err
}

func (ix *index) entries() ([]Entry, error) {
	var out []Entry
	err := ix.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketBlobs)).ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}
