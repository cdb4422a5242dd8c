// Package command turns wire requests into typed, validated commands.
package command

import (
	kverrors "github.com/devrev/hashkv/internal/errors"
	"github.com/devrev/hashkv/internal/protocol"
	"github.com/devrev/hashkv/internal/pubsub"
	"github.com/devrev/hashkv/internal/validation"
)

// Command is one of the variants below. The set is closed: only this
// package can add variants.
type Command interface {
	Verb() protocol.Verb
	command()
}

type Hget struct {
	Key   string
	Field string
}

type Hmget struct {
	Key    string
	Fields []string
}

type Hgetall struct {
	Key string
}

type Hset struct {
	Key   string
	Field string
	Value []byte
}

type Hmset struct {
	Key    string
	Fields []string
	Values [][]byte
}

type Hdel struct {
	Key   string
	Field string
}

type Hmdel struct {
	Key    string
	Fields []string
}

type Hexist struct {
	Key   string
	Field string
}

type Hmexist struct {
	Key    string
	Fields []string
}

type Subscribe struct {
	Topics []string
}

type Unsubscribe struct {
	Topics []string
}

type PSubscribe struct {
	Patterns []string
}

type PUnsubscribe struct {
	Patterns []string
}

type Publish struct {
	Topic   string
	Payload []byte
}

type Ping struct{}

func (Hget) Verb() protocol.Verb         { return protocol.VerbHget }
func (Hmget) Verb() protocol.Verb        { return protocol.VerbHmget }
func (Hgetall) Verb() protocol.Verb      { return protocol.VerbHgetall }
func (Hset) Verb() protocol.Verb         { return protocol.VerbHset }
func (Hmset) Verb() protocol.Verb        { return protocol.VerbHmset }
func (Hdel) Verb() protocol.Verb         { return protocol.VerbHdel }
func (Hmdel) Verb() protocol.Verb        { return protocol.VerbHmdel }
func (Hexist) Verb() protocol.Verb       { return protocol.VerbHexist }
func (Hmexist) Verb() protocol.Verb      { return protocol.VerbHmexist }
func (Subscribe) Verb() protocol.Verb    { return protocol.VerbSubscribe }
func (Unsubscribe) Verb() protocol.Verb  { return protocol.VerbUnsubscribe }
func (PSubscribe) Verb() protocol.Verb   { return protocol.VerbPSubscribe }
func (PUnsubscribe) Verb() protocol.Verb { return protocol.VerbPUnsubscribe }
func (Publish) Verb() protocol.Verb      { return protocol.VerbPublish }
func (Ping) Verb() protocol.Verb         { return protocol.VerbPing }

func (Hget) command()         {}
func (Hmget) command()        {}
func (Hgetall) command()      {}
func (Hset) command()         {}
func (Hmset) command()        {}
func (Hdel) command()         {}
func (Hmdel) command()        {}
func (Hexist) command()       {}
func (Hmexist) command()      {}
func (Subscribe) command()    {}
func (Unsubscribe) command()  {}
func (PSubscribe) command()   {}
func (PUnsubscribe) command() {}
func (Publish) command()      {}
func (Ping) command()         {}

// Decoder validates requests against size limits while decoding them
type Decoder struct {
	validator *validation.Validator
}

// NewDecoder creates a decoder. A nil validator uses the default limits.
func NewDecoder(v *validation.Validator) *Decoder {
	if v == nil {
		v = validation.NewValidator()
	}
	return &Decoder{validator: v}
}

var defaultDecoder = NewDecoder(nil)

// Decode converts a request with the default limits
func Decode(req *protocol.Request) (Command, error) {
	return defaultDecoder.Decode(req)
}

// Decode converts a request into its command. Unknown verbs yield
// UnknownCommand; a missing verb, missing or oversized arguments and
// invalid patterns yield MalformedRequest.
func (d *Decoder) Decode(req *protocol.Request) (Command, error) {
	v := d.validator
	verb := req.Verb.String()

	switch req.Verb {
	case protocol.VerbHget, protocol.VerbHdel, protocol.VerbHexist:
		if err := v.ValidateKey(verb, req.Key); err != nil {
			return nil, err
		}
		if err := v.ValidateField(verb, req.Field); err != nil {
			return nil, err
		}
		switch req.Verb {
		case protocol.VerbHget:
			return Hget{Key: req.Key, Field: req.Field}, nil
		case protocol.VerbHdel:
			return Hdel{Key: req.Key, Field: req.Field}, nil
		default:
			return Hexist{Key: req.Key, Field: req.Field}, nil
		}

	case protocol.VerbHmget, protocol.VerbHmdel, protocol.VerbHmexist:
		if err := v.ValidateKey(verb, req.Key); err != nil {
			return nil, err
		}
		if err := v.ValidateFields(verb, req.Names); err != nil {
			return nil, err
		}
		switch req.Verb {
		case protocol.VerbHmget:
			return Hmget{Key: req.Key, Fields: req.Names}, nil
		case protocol.VerbHmdel:
			return Hmdel{Key: req.Key, Fields: req.Names}, nil
		default:
			return Hmexist{Key: req.Key, Fields: req.Names}, nil
		}

	case protocol.VerbHgetall:
		if err := v.ValidateKey(verb, req.Key); err != nil {
			return nil, err
		}
		return Hgetall{Key: req.Key}, nil

	case protocol.VerbHset:
		if err := v.ValidateKey(verb, req.Key); err != nil {
			return nil, err
		}
		if err := v.ValidateField(verb, req.Field); err != nil {
			return nil, err
		}
		if err := v.ValidateValue(req.Payload); err != nil {
			return nil, err
		}
		return Hset{Key: req.Key, Field: req.Field, Value: nonNil(req.Payload)}, nil

	case protocol.VerbHmset:
		if err := v.ValidateKey(verb, req.Key); err != nil {
			return nil, err
		}
		if len(req.Pairs) == 0 {
			return nil, kverrors.MissingArgument(verb, "pairs")
		}
		cmd := Hmset{
			Key:    req.Key,
			Fields: make([]string, len(req.Pairs)),
			Values: make([][]byte, len(req.Pairs)),
		}
		for i, p := range req.Pairs {
			cmd.Fields[i] = p.Field
			if err := v.ValidateValue(p.Value); err != nil {
				return nil, err
			}
			cmd.Values[i] = nonNil(p.Value)
		}
		if err := v.ValidateFields(verb, cmd.Fields); err != nil {
			return nil, err
		}
		return cmd, nil

	case protocol.VerbSubscribe, protocol.VerbUnsubscribe:
		if err := v.ValidateTopics(verb, req.Names); err != nil {
			return nil, err
		}
		if req.Verb == protocol.VerbSubscribe {
			return Subscribe{Topics: req.Names}, nil
		}
		return Unsubscribe{Topics: req.Names}, nil

	case protocol.VerbPSubscribe, protocol.VerbPUnsubscribe:
		if err := v.ValidateTopics(verb, req.Names); err != nil {
			return nil, err
		}
		if req.Verb == protocol.VerbPSubscribe {
			for _, pattern := range req.Names {
				if _, err := pubsub.CompilePattern(pattern); err != nil {
					return nil, err
				}
			}
			return PSubscribe{Patterns: req.Names}, nil
		}
		return PUnsubscribe{Patterns: req.Names}, nil

	case protocol.VerbPublish:
		if len(req.Names) != 1 {
			return nil, kverrors.MalformedRequest("publish: exactly one topic required", nil).
				WithDetail("topics", len(req.Names))
		}
		if err := v.ValidateTopics(verb, req.Names); err != nil {
			return nil, err
		}
		if err := v.ValidateValue(req.Payload); err != nil {
			return nil, err
		}
		return Publish{Topic: req.Names[0], Payload: nonNil(req.Payload)}, nil

	case protocol.VerbPing:
		return Ping{}, nil

	case protocol.VerbUnspecified:
		return nil, kverrors.MissingArgument("request", "verb")

	default:
		return nil, kverrors.UnknownCommand(verb)
	}
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
