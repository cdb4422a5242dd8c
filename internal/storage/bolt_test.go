package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/devrev/hashkv/internal/config"
	kverrors "github.com/devrev/hashkv/internal/errors"
	"github.com/devrev/hashkv/internal/storage/diskmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

func storageConfig(kind, path string) config.StorageConfig {
	return config.StorageConfig{Type: kind, Path: path, MaxDiskUsage: 1}
}

func TestBoltBackend_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	ctx := context.Background()

	b, err := OpenBoltBackend(path, nil, zap.NewNop())
	require.NoError(t, err)
	_, _, err = b.Set(ctx, "user:1", "name", []byte("ada"))
	require.NoError(t, err)
	require.NoError(t, b.Close())

	b, err = OpenBoltBackend(path, nil, zap.NewNop())
	require.NoError(t, err)
	defer b.Close()

	v, found, err := b.Get(ctx, "user:1", "name")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("ada"), v)
}

func TestBoltBackend_DetectsCorruption(t *testing.T) {
	b, err := OpenBoltBackend(filepath.Join(t.TempDir(), "kv.db"), nil, zap.NewNop())
	require.NoError(t, err)
	defer b.Close()
	ctx := context.Background()

	_, _, err = b.Set(ctx, "k", "f", []byte("value"))
	require.NoError(t, err)

	require.NoError(t, b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(hashesBucket).Bucket([]byte("k")).Put([]byte("f"), []byte("garbage!"))
	}))

	e := NewEngine(b, zap.NewNop(), nil)
	_, err = e.Get(ctx, "k", "f")
	assert.True(t, kverrors.Is(err, kverrors.ErrCodeCorruptedData))

	_, err = e.GetAll(ctx, "k")
	assert.True(t, kverrors.Is(err, kverrors.ErrCodeCorruptedData))

	// overwriting a corrupt value heals it
	_, err = e.Set(ctx, "k", "f", []byte("fresh"))
	require.NoError(t, err)
	v, err := e.Get(ctx, "k", "f")
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), v.Data)
}

func TestBoltBackend_LastFieldRemovesBucket(t *testing.T) {
	b, err := OpenBoltBackend(filepath.Join(t.TempDir(), "kv.db"), nil, zap.NewNop())
	require.NoError(t, err)
	defer b.Close()
	ctx := context.Background()

	_, _, err = b.Set(ctx, "k", "f", []byte("v"))
	require.NoError(t, err)
	_, err = b.Del(ctx, "k", "f")
	require.NoError(t, err)

	require.NoError(t, b.db.View(func(tx *bolt.Tx) error {
		assert.Nil(t, tx.Bucket(hashesBucket).Bucket([]byte("k")))
		return nil
	}))
}

func TestBoltBackend_DiskFull(t *testing.T) {
	dir := t.TempDir()
	dm, err := diskmanager.NewDiskManager(&diskmanager.Config{
		DataDir:       dir,
		CheckInterval: time.Hour,
		MaxUsage:      0.9,
		StatFunc:      func(string) (uint64, uint64, error) { return 1000, 20, nil },
	}, zap.NewNop())
	require.NoError(t, err)

	b, err := OpenBoltBackend(filepath.Join(dir, "kv.db"), dm, zap.NewNop())
	require.NoError(t, err)
	defer b.Close()

	e := NewEngine(b, zap.NewNop(), nil)
	_, err = e.Set(context.Background(), "k", "f", []byte("v"))
	assert.True(t, kverrors.Is(err, kverrors.ErrCodeDiskFull))
	assert.True(t, b.DiskUsage().Full)

	// reads keep working
	_, err = e.Get(context.Background(), "k", "f")
	assert.NoError(t, err)
}

func TestBoltBackend_PingAfterClose(t *testing.T) {
	b, err := OpenBoltBackend(filepath.Join(t.TempDir(), "kv.db"), nil, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, b.Ping(context.Background()))
	require.NoError(t, b.Close())
	assert.Error(t, b.Ping(context.Background()))
}
