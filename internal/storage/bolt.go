package storage

import (
	"context"
	"fmt"
	"time"

	kverrors "github.com/devrev/hashkv/internal/errors"
	"github.com/devrev/hashkv/internal/storage/diskmanager"
	"github.com/devrev/hashkv/internal/util"
	"github.com/devrev/hashkv/internal/validation"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var hashesBucket = []byte("hashes")

// BoltBackend persists hashes in a bbolt file. Each key is a nested bucket
// under "hashes" holding one entry per field; every stored value carries a
// CRC32 suffix verified on read.
type BoltBackend struct {
	db     *bolt.DB
	disk   *diskmanager.DiskManager
	logger *zap.Logger
}

// OpenBoltBackend opens (or creates) the database at path. disk may be nil
// to skip free-space checks.
func OpenBoltBackend(path string, disk *diskmanager.DiskManager, logger *zap.Logger) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(hashesBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create root bucket: %w", err)
	}

	return &BoltBackend{db: db, disk: disk, logger: logger}, nil
}

func (b *BoltBackend) Name() string { return "bolt" }

func (b *BoltBackend) Get(_ context.Context, key, field string) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		h := tx.Bucket(hashesBucket).Bucket([]byte(key))
		if h == nil {
			return nil
		}
		raw := h.Get([]byte(field))
		if raw == nil {
			return nil
		}
		v, err := decodeStored(key, field, raw)
		if err != nil {
			return err
		}
		value, found = v, true
		return nil
	})
	return value, found, err
}

func (b *BoltBackend) Set(_ context.Context, key, field string, value []byte) ([]byte, bool, error) {
	if b.disk != nil {
		if err := b.disk.CheckBeforeWrite(validation.EstimateWriteSize(key, field, value)); err != nil {
			return nil, false, err
		}
	}

	var (
		prev    []byte
		existed bool
	)
	err := b.db.Update(func(tx *bolt.Tx) error {
		h, err := tx.Bucket(hashesBucket).CreateBucketIfNotExists([]byte(key))
		if err != nil {
			return err
		}
		if raw := h.Get([]byte(field)); raw != nil {
			// a corrupt previous value is overwritten rather than failing the write
			if v, err := decodeStored(key, field, raw); err == nil {
				prev = v
			} else {
				b.logger.Warn("Overwriting corrupted value",
					zap.String("key", key),
					zap.String("field", field))
				prev = []byte{}
			}
			existed = true
		}
		return h.Put([]byte(field), util.AppendChecksum(value))
	})
	if err != nil {
		return nil, false, err
	}
	return prev, existed, nil
}

func (b *BoltBackend) Del(_ context.Context, key, field string) (bool, error) {
	var removed bool
	err := b.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(hashesBucket)
		h := root.Bucket([]byte(key))
		if h == nil || h.Get([]byte(field)) == nil {
			return nil
		}
		if err := h.Delete([]byte(field)); err != nil {
			return err
		}
		removed = true

		if k, _ := h.Cursor().First(); k == nil {
			return root.DeleteBucket([]byte(key))
		}
		return nil
	})
	return removed, err
}

func (b *BoltBackend) Exists(_ context.Context, key, field string) (bool, error) {
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		h := tx.Bucket(hashesBucket).Bucket([]byte(key))
		found = h != nil && h.Get([]byte(field)) != nil
		return nil
	})
	return found, err
}

func (b *BoltBackend) GetAll(_ context.Context, key string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := b.db.View(func(tx *bolt.Tx) error {
		h := tx.Bucket(hashesBucket).Bucket([]byte(key))
		if h == nil {
			return nil
		}
		return h.ForEach(func(k, raw []byte) error {
			v, err := decodeStored(key, string(k), raw)
			if err != nil {
				return err
			}
			out[string(k)] = v
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BoltBackend) Ping(context.Context) error {
	return b.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(hashesBucket) == nil {
			return fmt.Errorf("root bucket missing")
		}
		return nil
	})
}

func (b *BoltBackend) Close() error {
	return b.db.Close()
}

// DiskUsage reports the filesystem holding the database file
func (b *BoltBackend) DiskUsage() diskmanager.UsageStats {
	if b.disk == nil {
		return diskmanager.UsageStats{}
	}
	return b.disk.Usage()
}

// decodeStored verifies and strips the checksum, copying the value out of
// the transaction's memory map
func decodeStored(key, field string, raw []byte) ([]byte, error) {
	v, ok := util.ValidateAndStripChecksum(raw)
	if !ok {
		return nil, kverrors.CorruptedData("checksum mismatch", nil).
			WithDetail("key", key).
			WithDetail("field", field)
	}
	return cloneValue(v), nil
}
