package swapdb

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

// byteOrder matches channeldb's convention for any multi-byte integer keys
// this store writes, so on-disk layouts stay consistent if the two stores
// ever share tooling.
var byteOrder = binary.BigEndian

var (
	swapsBucket = []byte("swaps")

	dbVersionKey = []byte("dbp:version")
)

// version is one entry in the store's migration list, mirroring
// channeldb.version — each bump to latestVersion must append, never edit,
// an entry here.
type version struct {
	number  uint32
	migrate func(*bbolt.Tx) error
}

var versions = []version{
	{number: 0, migrate: nil}, // initial schema: a single top-level swapsBucket
}

// latestVersion is the schema version this build expects on-disk DBs to be
// migrated to before use.
var latestVersion = versions[len(versions)-1].number

// BoltStore is a Store backed by a local bbolt file, the default used when
// no shared Postgres server is configured (spec.md §3's persistence
// interface is deliberately storage-agnostic). It keeps one entry per swap
// ID in swapsBucket, overwritten by each InsertLatestState.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBoltStore opens (creating if necessary) a bbolt-backed Store at path,
// running any pending migrations.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("swapdb: open bbolt db: %w", err)
	}

	s := &BoltStore{db: db}
	if err := s.initOrMigrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *BoltStore) initOrMigrate() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(swapsBucket); err != nil {
			return err
		}

		meta, err := tx.CreateBucketIfNotExists([]byte("meta"))
		if err != nil {
			return err
		}

		existing := meta.Get(dbVersionKey)
		if existing == nil {
			var buf [4]byte
			byteOrder.PutUint32(buf[:], latestVersion)
			return meta.Put(dbVersionKey, buf[:])
		}

		current := byteOrder.Uint32(existing)
		for _, v := range versions {
			if v.number <= current || v.migrate == nil {
				continue
			}
			if err := v.migrate(tx); err != nil {
				return fmt.Errorf("swapdb: migration %d: %w", v.number, err)
			}
			current = v.number
		}

		var buf [4]byte
		byteOrder.PutUint32(buf[:], current)
		return meta.Put(dbVersionKey, buf[:])
	})
}

// InsertLatestState implements Store.
func (s *BoltStore) InsertLatestState(_ context.Context, swapID uuid.UUID, state []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(swapsBucket)
		stored := make([]byte, len(state))
		copy(stored, state)
		return bucket.Put(swapID[:], stored)
	})
}

// GetState implements Store.
func (s *BoltStore) GetState(_ context.Context, swapID uuid.UUID) ([]byte, error) {
	var state []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(swapsBucket)
		v := bucket.Get(swapID[:])
		if v == nil {
			return ErrNoState
		}
		state = make([]byte, len(v))
		copy(state, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// All implements Store.
func (s *BoltStore) All(_ context.Context) (map[uuid.UUID][]byte, error) {
	out := make(map[uuid.UUID][]byte)
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(swapsBucket)
		return bucket.ForEach(func(k, v []byte) error {
			if len(k) != 16 {
				return nil
			}
			id, err := uuid.FromBytes(k)
			if err != nil {
				return nil
			}
			state := make([]byte, len(v))
			copy(state, v)
			out[id] = state
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close implements Store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
