package client

import (
	"context"

	"github.com/devrev/hashkv/internal/protocol"
)

// Value is a field lookup result. Present is false for a missing field,
// which is distinct from an empty value.
type Value = protocol.OptionalValue

// Pair is a field and its value
type Pair = protocol.Pair

// HGet returns the value of field in key
func (c *Client) HGet(ctx context.Context, key, field string) (Value, error) {
	resp, err := c.Do(ctx, &protocol.Request{Verb: protocol.VerbHget, Key: key, Field: field})
	if err != nil {
		return Value{}, err
	}
	return first(resp.Values), nil
}

// HMGet returns one Value per field, in request order
func (c *Client) HMGet(ctx context.Context, key string, fields ...string) ([]Value, error) {
	resp, err := c.Do(ctx, &protocol.Request{Verb: protocol.VerbHmget, Key: key, Names: fields})
	if err != nil {
		return nil, err
	}
	return resp.Values, nil
}

// HGetAll returns every field of key. A missing key yields an empty map.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	resp, err := c.Do(ctx, &protocol.Request{Verb: protocol.VerbHgetall, Key: key})
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(resp.Pairs))
	for _, p := range resp.Pairs {
		out[p.Field] = p.Value
	}
	return out, nil
}

// HSet stores value under field and returns the value it replaced
func (c *Client) HSet(ctx context.Context, key, field string, value []byte) (Value, error) {
	resp, err := c.Do(ctx, &protocol.Request{Verb: protocol.VerbHset, Key: key, Field: field, Payload: value})
	if err != nil {
		return Value{}, err
	}
	return first(resp.Values), nil
}

// HMSet stores several fields and returns the replaced values in order
func (c *Client) HMSet(ctx context.Context, key string, pairs ...Pair) ([]Value, error) {
	resp, err := c.Do(ctx, &protocol.Request{Verb: protocol.VerbHmset, Key: key, Pairs: pairs})
	if err != nil {
		return nil, err
	}
	return resp.Values, nil
}

// HDel removes field and reports whether it existed
func (c *Client) HDel(ctx context.Context, key, field string) (bool, error) {
	resp, err := c.Do(ctx, &protocol.Request{Verb: protocol.VerbHdel, Key: key, Field: field})
	if err != nil {
		return false, err
	}
	return firstBool(resp.Bools), nil
}

// HMDel removes several fields and reports, per field, whether it existed
func (c *Client) HMDel(ctx context.Context, key string, fields ...string) ([]bool, error) {
	resp, err := c.Do(ctx, &protocol.Request{Verb: protocol.VerbHmdel, Key: key, Names: fields})
	if err != nil {
		return nil, err
	}
	return resp.Bools, nil
}

// HExist reports whether field exists in key
func (c *Client) HExist(ctx context.Context, key, field string) (bool, error) {
	resp, err := c.Do(ctx, &protocol.Request{Verb: protocol.VerbHexist, Key: key, Field: field})
	if err != nil {
		return false, err
	}
	return firstBool(resp.Bools), nil
}

// HMExist reports, per field, whether it exists in key
func (c *Client) HMExist(ctx context.Context, key string, fields ...string) ([]bool, error) {
	resp, err := c.Do(ctx, &protocol.Request{Verb: protocol.VerbHmexist, Key: key, Names: fields})
	if err != nil {
		return nil, err
	}
	return resp.Bools, nil
}

// Subscribe adds exact-topic subscriptions and returns the connection's
// total subscription count
func (c *Client) Subscribe(ctx context.Context, topics ...string) (int, error) {
	return c.count(ctx, protocol.VerbSubscribe, topics)
}

// Unsubscribe removes exact-topic subscriptions
func (c *Client) Unsubscribe(ctx context.Context, topics ...string) (int, error) {
	return c.count(ctx, protocol.VerbUnsubscribe, topics)
}

// PSubscribe adds glob-pattern subscriptions
func (c *Client) PSubscribe(ctx context.Context, patterns ...string) (int, error) {
	return c.count(ctx, protocol.VerbPSubscribe, patterns)
}

// PUnsubscribe removes glob-pattern subscriptions
func (c *Client) PUnsubscribe(ctx context.Context, patterns ...string) (int, error) {
	return c.count(ctx, protocol.VerbPUnsubscribe, patterns)
}

// Publish sends payload to every subscriber of topic and returns how many
// connections it was queued for
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) (int, error) {
	resp, err := c.Do(ctx, &protocol.Request{Verb: protocol.VerbPublish, Names: []string{topic}, Payload: payload})
	if err != nil {
		return 0, err
	}
	return int(resp.Count), nil
}

// Ping checks the connection round trip
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Do(ctx, &protocol.Request{Verb: protocol.VerbPing})
	return err
}

func (c *Client) count(ctx context.Context, verb protocol.Verb, names []string) (int, error) {
	resp, err := c.Do(ctx, &protocol.Request{Verb: verb, Names: names})
	if err != nil {
		return 0, err
	}
	return int(resp.Count), nil
}

func first(values []Value) Value {
	if len(values) == 0 {
		return Value{}
	}
	return values[0]
}

func firstBool(bools []bool) bool {
	return len(bools) > 0 && bools[0]
}
