package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketBoot   = []byte("boot")
	bucketCycles = []byte("cycles")
	keyRecord    = []byte("record")
	keyBootCount = []byte("count")
)

// DefaultCycleHistory is the number of cycle records kept.
const DefaultCycleHistory = 256

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db         *bolt.DB
	maxHistory int
}

// NewBoltStore opens or creates a BoltDB database. maxHistory <= 0 selects
// DefaultCycleHistory.
func NewBoltStore(path string, maxHistory int) (*BoltStore, error) {
	if maxHistory <= 0 {
		maxHistory = DefaultCycleHistory
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketBoot, bucketCycles} {
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

	return &BoltStore{db: db, maxHistory: maxHistory}, nil
}

func (s *BoltStore) SaveBootRecord(rec *BootRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBoot)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketBoot)
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(keyRecord, data)
	})
}

func (s *BoltStore) GetBootRecord() (*BootRecord, error) {
	var rec BootRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBoot)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketBoot)
		}
		data := b.Get(keyRecord)
		if data == nil {
			return fmt.Errorf("boot record: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) IncrementBootCount() (uint64, error) {
	var n uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBoot)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketBoot)
		}
		if data := b.Get(keyBootCount); len(data) == 8 {
			n = binary.BigEndian.Uint64(data)
		}
		n++
		return b.Put(keyBootCount, itob(n))
	})
	return n, err
}

func (s *BoltStore) SaveCycle(rec *CycleRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCycles)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketCycles)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := b.Put(itob(seq), data); err != nil {
			return err
		}
		// Keys are sequential, so the oldest records come first.
		c := b.Cursor()
		n := 0
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			n++
		}
		excess := n - s.maxHistory
		for k, _ := c.First(); k != nil && excess > 0; k, _ = c.First() {
			if err := c.Delete(); err != nil {
				return err
			}
			excess--
		}
		return nil
	})
}

func (s *BoltStore) LastCycle() (*CycleRecord, error) {
	var rec CycleRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCycles)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketCycles)
		}
		_, data := b.Cursor().Last()
		if data == nil {
			return fmt.Errorf("cycle: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListCycles returns up to limit records, newest first. limit <= 0 returns
// all of them.
func (s *BoltStore) ListCycles(limit int) ([]*CycleRecord, error) {
	var cycles []*CycleRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCycles)
		if b == nil {
			return nil // no bucket = no cycles
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(cycles) >= limit {
				break
			}
			var rec CycleRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			cycles = append(cycles, &rec)
		}
		return nil
	})
	return cycles, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
