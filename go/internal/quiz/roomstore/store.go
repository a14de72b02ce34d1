package roomstore

import (
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	ErrNotFound = errors.New("no active room stored")

	bucketDevice  = []byte("device")
	keyActiveRoom = []byte("active_room")
)

// Store keeps device-local settings in a bbolt file.
type Store struct {
	db *bbolt.DB
}

// Open opens or creates the bbolt file at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketDevice); err != nil {
			return fmt.Errorf("failed to create device bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Load returns the stored active room or ErrNotFound.
func (s *Store) Load() (string, error) {
	var room string
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketDevice)
		if bucket == nil {
			return fmt.Errorf("device bucket not found")
		}
		v := bucket.Get(keyActiveRoom)
		if len(v) == 0 {
			return ErrNotFound
		}
		room = string(v)
		return nil
	})
	if err != nil {
		return "", err
	}
	return room, nil
}

// Save stores room as the active room.
func (s *Store) Save(room string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketDevice)
		if bucket == nil {
			return fmt.Errorf("device bucket not found")
		}
		if err := bucket.Put(keyActiveRoom, []byte(room)); err != nil {
			return fmt.Errorf("failed to save active room: %w", err)
		}
		return nil
	})
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
