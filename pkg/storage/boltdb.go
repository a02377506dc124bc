package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/provisioner/pkg/metrics"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxRetries bounds the read-modify-write loop of Update
	DefaultMaxRetries = 10

	// DefaultRetryInterval paces Update attempts on a contended row
	DefaultRetryInterval = 25 * time.Millisecond

	// Every stored value starts with a big-endian row version
	versionSize = 8
)

// BoltStore implements Store using BoltDB. Partitions are buckets and
// rows are keys within them.
type BoltStore struct {
	db            *bolt.DB
	maxRetries    int
	retryInterval time.Duration
}

// NewBoltStore opens (or creates) <dataDir>/provisioner.db, creating
// dataDir if needed
func NewBoltStore(dataDir string, partitions ...string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "provisioner.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, partition := range partitions {
			if _, err := tx.CreateBucketIfNotExists([]byte(partition)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", partition, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{
		db:            db,
		maxRetries:    DefaultMaxRetries,
		retryInterval: DefaultRetryInterval,
	}, nil
}

// SetRetryPolicy overrides how often Update retries and how long it waits
// between attempts
func (s *BoltStore) SetRetryPolicy(maxRetries int, interval time.Duration) {
	if maxRetries > 0 {
		s.maxRetries = maxRetries
	}
	if interval > 0 {
		s.retryInterval = interval
	}
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Get(partition, row string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		_, data, err := readRow(tx, partition, row)
		if err != nil {
			return err
		}
		value = data
		return nil
	})
	return value, err
}

func (s *BoltStore) Create(partition, row string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(partition))
		if err != nil {
			return err
		}
		if b.Get([]byte(row)) != nil {
			return ErrExists
		}
		return putRow(b, row, value)
	})
}

func (s *BoltStore) Put(partition, row string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(partition))
		if err != nil {
			return err
		}
		return putRow(b, row, value)
	})
}

// Update reads the row, applies modify outside of any transaction and
// writes the result only if the row version is unchanged. A conflicting
// writer causes a retry; after maxRetries attempts ErrTooManyRetries is
// returned.
func (s *BoltStore) Update(ctx context.Context, partition, row string, modify ModifyFunc) error {
	rl := rate.NewLimiter(rate.Every(s.retryInterval), 1)

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		var (
			version uint64
			current []byte
		)
		err := s.db.View(func(tx *bolt.Tx) error {
			v, data, err := readRow(tx, partition, row)
			if err != nil {
				return err
			}
			version, current = v, data
			return nil
		})
		if err != nil {
			return err
		}

		next, err := modify(current)
		if err != nil {
			return err
		}

		err = s.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket([]byte(partition))
			if b == nil {
				return ErrNotFound
			}
			raw := b.Get([]byte(row))
			if raw == nil {
				return ErrNotFound
			}
			if rowVersion(raw) != version {
				return ErrModified
			}
			return putRow(b, row, next)
		})
		if !errors.Is(err, ErrModified) {
			return err
		}

		metrics.StoreUpdateConflicts.WithLabelValues(partition).Inc()
		if err := rl.Wait(ctx); err != nil {
			return fmt.Errorf("waiting to retry update of %s/%s: %w", partition, row, err)
		}
	}

	return fmt.Errorf("%s/%s: %w", partition, row, ErrTooManyRetries)
}

func (s *BoltStore) Delete(partition, row string) (bool, error) {
	var existed bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(partition))
		if b == nil {
			return nil
		}
		existed = b.Get([]byte(row)) != nil
		return b.Delete([]byte(row))
	})
	return existed, err
}

func (s *BoltStore) Scan(partition string, fn func(row string, value []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(partition))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if len(v) < versionSize {
				return fmt.Errorf("corrupt row %s/%s", partition, k)
			}
			// Values are only valid for the life of the transaction.
			data := make([]byte, len(v)-versionSize)
			copy(data, v[versionSize:])
			return fn(string(k), data)
		})
	})
}

func readRow(tx *bolt.Tx, partition, row string) (uint64, []byte, error) {
	b := tx.Bucket([]byte(partition))
	if b == nil {
		return 0, nil, ErrNotFound
	}
	raw := b.Get([]byte(row))
	if raw == nil {
		return 0, nil, ErrNotFound
	}
	if len(raw) < versionSize {
		return 0, nil, fmt.Errorf("corrupt row %s/%s", partition, row)
	}
	data := make([]byte, len(raw)-versionSize)
	copy(data, raw[versionSize:])
	return rowVersion(raw), data, nil
}

// putRow writes value under the bucket's next sequence number. Versions
// never repeat within a bucket, so a row deleted and created again does
// not match a version read before the delete.
func putRow(b *bolt.Bucket, row string, value []byte) error {
	version, err := b.NextSequence()
	if err != nil {
		return err
	}
	return b.Put([]byte(row), encodeRow(version, value))
}

func encodeRow(version uint64, value []byte) []byte {
	buf := make([]byte, versionSize+len(value))
	binary.BigEndian.PutUint64(buf, version)
	copy(buf[versionSize:], value)
	return buf
}

func rowVersion(raw []byte) uint64 {
	return binary.BigEndian.Uint64(raw[:versionSize])
}
