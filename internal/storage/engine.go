package storage

import (
	"context"

	kverrors "github.com/devrev/hashkv/internal/errors"
	"github.com/devrev/hashkv/internal/metrics"
	"go.uber.org/zap"
)

// Value is the result of reading one field. Absence is Present == false and
// is never conflated with an empty value.
type Value struct {
	Data    []byte
	Present bool
}

// Engine executes field-level operations against a backend. Single-field
// operations are atomic per key; multi-field operations resolve each field
// independently and report results in request order.
type Engine struct {
	backend Backend
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewEngine creates an engine over backend. m may be nil.
func NewEngine(backend Backend, logger *zap.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		backend: backend,
		logger:  logger,
		metrics: m,
	}
}

// Backend returns the underlying backend
func (e *Engine) Backend() Backend {
	return e.backend
}

// Get returns the value of field in key
func (e *Engine) Get(ctx context.Context, key, field string) (Value, error) {
	data, found, err := e.backend.Get(ctx, key, field)
	if err != nil {
		return Value{}, e.fail("hget", key, err)
	}
	return Value{Data: data, Present: found}, nil
}

// MGet returns one Value per field, in the order requested
func (e *Engine) MGet(ctx context.Context, key string, fields []string) ([]Value, error) {
	values := make([]Value, len(fields))
	for i, field := range fields {
		v, err := e.Get(ctx, key, field)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

// GetAll returns a snapshot of every field of key. A missing key yields an
// empty map.
func (e *Engine) GetAll(ctx context.Context, key string) (map[string][]byte, error) {
	all, err := e.backend.GetAll(ctx, key)
	if err != nil {
		return nil, e.fail("hgetall", key, err)
	}
	if all == nil {
		all = map[string][]byte{}
	}
	return all, nil
}

// Set upserts field and returns the value it replaced
func (e *Engine) Set(ctx context.Context, key, field string, value []byte) (Value, error) {
	prev, existed, err := e.backend.Set(ctx, key, field, value)
	if err != nil {
		return Value{}, e.fail("hset", key, err)
	}
	return Value{Data: prev, Present: existed}, nil
}

// MSet upserts every pair and returns the replaced values in pair order
func (e *Engine) MSet(ctx context.Context, key string, fields []string, values [][]byte) ([]Value, error) {
	prev := make([]Value, len(fields))
	for i := range fields {
		v, err := e.Set(ctx, key, fields[i], values[i])
		if err != nil {
			return nil, err
		}
		prev[i] = v
	}
	return prev, nil
}

// Del removes field and reports whether it was present
func (e *Engine) Del(ctx context.Context, key, field string) (bool, error) {
	removed, err := e.backend.Del(ctx, key, field)
	if err != nil {
		return false, e.fail("hdel", key, err)
	}
	return removed, nil
}

// MDel removes every field and reports, per field, whether it was present
func (e *Engine) MDel(ctx context.Context, key string, fields []string) ([]bool, error) {
	removed := make([]bool, len(fields))
	for i, field := range fields {
		ok, err := e.Del(ctx, key, field)
		if err != nil {
			return nil, err
		}
		removed[i] = ok
	}
	return removed, nil
}

// Exists reports whether field is present in key
func (e *Engine) Exists(ctx context.Context, key, field string) (bool, error) {
	ok, err := e.backend.Exists(ctx, key, field)
	if err != nil {
		return false, e.fail("hexist", key, err)
	}
	return ok, nil
}

// MExists reports presence per field, in the order requested
func (e *Engine) MExists(ctx context.Context, key string, fields []string) ([]bool, error) {
	present := make([]bool, len(fields))
	for i, field := range fields {
		ok, err := e.Exists(ctx, key, field)
		if err != nil {
			return nil, err
		}
		present[i] = ok
	}
	return present, nil
}

// Ping checks the backend is reachable
func (e *Engine) Ping(ctx context.Context) error {
	if err := e.backend.Ping(ctx); err != nil {
		return kverrors.BackendUnavailable(e.backend.Name()+" backend unreachable", err)
	}
	return nil
}

// Close releases the backend
func (e *Engine) Close() error {
	return e.backend.Close()
}

// fail logs a backend error and classifies it. Disk exhaustion and
// corruption keep their own codes; everything else is BackendUnavailable.
func (e *Engine) fail(op, key string, err error) error {
	e.logger.Error("Storage backend operation failed",
		zap.String("backend", e.backend.Name()),
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(err))
	if e.metrics != nil {
		e.metrics.RecordBackendError(e.backend.Name())
	}

	switch kverrors.GetCode(err) {
	case kverrors.ErrCodeDiskFull, kverrors.ErrCodeCorruptedData:
		return err
	}
	return kverrors.BackendUnavailable(op+" failed on "+e.backend.Name()+" backend", err)
}
