package service

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/devrev/hashkv/internal/command"
	kverrors "github.com/devrev/hashkv/internal/errors"
	"github.com/devrev/hashkv/internal/metrics"
	"github.com/devrev/hashkv/internal/protocol"
	"github.com/devrev/hashkv/internal/pubsub"
	"github.com/devrev/hashkv/internal/storage"
)

// Session is the issuing connection as seen by the dispatcher
type Session interface {
	ID() string
}

// Dispatcher routes decoded commands to the storage engine or the
// subscription registry and shapes their results into responses.
type Dispatcher struct {
	engine      *storage.Engine
	registry    *pubsub.Registry
	broadcaster *pubsub.Broadcaster
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// NewDispatcher creates a dispatcher. m may be nil.
func NewDispatcher(
	engine *storage.Engine,
	registry *pubsub.Registry,
	broadcaster *pubsub.Broadcaster,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Dispatcher {
	return &Dispatcher{
		engine:      engine,
		registry:    registry,
		broadcaster: broadcaster,
		logger:      logger,
		metrics:     m,
	}
}

// Execute runs cmd on behalf of session. Failures are reported in the
// returned response, never as a Go error.
func (d *Dispatcher) Execute(ctx context.Context, session Session, cmd command.Command) *protocol.Response {
	start := time.Now()
	resp, err := d.execute(ctx, session, cmd)
	if err != nil {
		resp = ErrorResponse(err)
		if !kverrors.IsKvError(err) {
			d.logger.Error("Command failed with unclassified error",
				zap.String("session", session.ID()),
				zap.String("verb", cmd.Verb().String()),
				zap.Error(err))
		}
	}
	if d.metrics != nil {
		d.metrics.RecordCommand(cmd.Verb().String(), resp.Status.String(), time.Since(start).Seconds())
	}
	return resp
}

func (d *Dispatcher) execute(ctx context.Context, session Session, cmd command.Command) (*protocol.Response, error) {
	switch c := cmd.(type) {
	case command.Hget:
		v, err := d.engine.Get(ctx, c.Key, c.Field)
		if err != nil {
			return nil, err
		}
		return valueResponse(v), nil

	case command.Hmget:
		vs, err := d.engine.MGet(ctx, c.Key, c.Fields)
		if err != nil {
			return nil, err
		}
		return valuesResponse(vs), nil

	case command.Hgetall:
		hash, err := d.engine.GetAll(ctx, c.Key)
		if err != nil {
			return nil, err
		}
		return pairsResponse(hash), nil

	case command.Hset:
		prev, err := d.engine.Set(ctx, c.Key, c.Field, c.Value)
		if err != nil {
			return nil, err
		}
		return valueResponse(prev), nil

	case command.Hmset:
		prev, err := d.engine.MSet(ctx, c.Key, c.Fields, c.Values)
		if err != nil {
			return nil, err
		}
		return valuesResponse(prev), nil

	case command.Hdel:
		removed, err := d.engine.Del(ctx, c.Key, c.Field)
		if err != nil {
			return nil, err
		}
		return boolResponse(removed), nil

	case command.Hmdel:
		removed, err := d.engine.MDel(ctx, c.Key, c.Fields)
		if err != nil {
			return nil, err
		}
		return boolsResponse(removed), nil

	case command.Hexist:
		ok, err := d.engine.Exists(ctx, c.Key, c.Field)
		if err != nil {
			return nil, err
		}
		return boolResponse(ok), nil

	case command.Hmexist:
		oks, err := d.engine.MExists(ctx, c.Key, c.Fields)
		if err != nil {
			return nil, err
		}
		return boolsResponse(oks), nil

	case command.Subscribe:
		return countResponse(d.registry.Subscribe(session.ID(), c.Topics...))

	case command.Unsubscribe:
		return countResponse(d.registry.Unsubscribe(session.ID(), c.Topics...))

	case command.PSubscribe:
		return countResponse(d.registry.PSubscribe(session.ID(), c.Patterns...))

	case command.PUnsubscribe:
		return countResponse(d.registry.PUnsubscribe(session.ID(), c.Patterns...))

	case command.Publish:
		n := d.broadcaster.Publish(c.Topic, c.Payload)
		return &protocol.Response{Status: codes.OK, Shape: protocol.ShapeCount, Count: int64(n)}, nil

	case command.Ping:
		return &protocol.Response{
			Status: codes.OK,
			Shape:  protocol.ShapeValue,
			Values: []protocol.OptionalValue{{Present: true, Data: []byte("PONG")}},
		}, nil

	default:
		return nil, kverrors.UnknownCommand(cmd.Verb().String())
	}
}

// ErrorResponse converts err into an error response. Errors that are not a
// KvError are reported as Internal.
func ErrorResponse(err error) *protocol.Response {
	var kvErr *kverrors.KvError
	if !kverrors.As(err, &kvErr) {
		kvErr = kverrors.InternalError("internal error", err)
	}
	return &protocol.Response{
		Status:  kvErr.GRPCCode(),
		Message: kvErr.Error(),
	}
}

func valueResponse(v storage.Value) *protocol.Response {
	return &protocol.Response{
		Status: codes.OK,
		Shape:  protocol.ShapeValue,
		Values: []protocol.OptionalValue{{Present: v.Present, Data: v.Data}},
	}
}

func valuesResponse(vs []storage.Value) *protocol.Response {
	out := make([]protocol.OptionalValue, len(vs))
	for i, v := range vs {
		out[i] = protocol.OptionalValue{Present: v.Present, Data: v.Data}
	}
	return &protocol.Response{Status: codes.OK, Shape: protocol.ShapeValues, Values: out}
}

// pairsResponse orders fields so identical hashes encode identically
func pairsResponse(hash map[string][]byte) *protocol.Response {
	pairs := make([]protocol.Pair, 0, len(hash))
	for field, value := range hash {
		pairs = append(pairs, protocol.Pair{Field: field, Value: value})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Field < pairs[j].Field })
	return &protocol.Response{Status: codes.OK, Shape: protocol.ShapePairs, Pairs: pairs}
}

func boolResponse(b bool) *protocol.Response {
	return &protocol.Response{Status: codes.OK, Shape: protocol.ShapeBool, Bools: []bool{b}}
}

func boolsResponse(bs []bool) *protocol.Response {
	return &protocol.Response{Status: codes.OK, Shape: protocol.ShapeBools, Bools: bs}
}

func countResponse(n int, err error) (*protocol.Response, error) {
	if err != nil {
		return nil, err
	}
	return &protocol.Response{Status: codes.OK, Shape: protocol.ShapeCount, Count: int64(n)}, nil
}
