package protocol

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/encoding/protowire"
)

// Verb identifies the command carried by a Request
type Verb int32

const (
	VerbUnspecified Verb = iota
	VerbHget
	VerbHmget
	VerbHgetall
	VerbHset
	VerbHmset
	VerbHdel
	VerbHmdel
	VerbHexist
	VerbHmexist
	VerbSubscribe
	VerbUnsubscribe
	VerbPublish
	VerbPSubscribe
	VerbPUnsubscribe
	VerbPing
)

var verbNames = map[Verb]string{
	VerbHget:         "hget",
	VerbHmget:        "hmget",
	VerbHgetall:      "hgetall",
	VerbHset:         "hset",
	VerbHmset:        "hmset",
	VerbHdel:         "hdel",
	VerbHmdel:        "hmdel",
	VerbHexist:       "hexist",
	VerbHmexist:      "hmexist",
	VerbSubscribe:    "subscribe",
	VerbUnsubscribe:  "unsubscribe",
	VerbPublish:      "publish",
	VerbPSubscribe:   "psubscribe",
	VerbPUnsubscribe: "punsubscribe",
	VerbPing:         "ping",
}

func (v Verb) String() string {
	if name, ok := verbNames[v]; ok {
		return name
	}
	return fmt.Sprintf("verb(%d)", int32(v))
}

// Shape tells the client which Response fields carry the result
type Shape int32

const (
	ShapeNone   Shape = iota
	ShapeValue        // Values[0]
	ShapeValues       // Values, one per requested field
	ShapePairs        // Pairs
	ShapeBool         // Bools[0]
	ShapeBools        // Bools, one per requested field
	ShapeCount        // Count
)

// Pair is one field/value entry of a hash
type Pair struct {
	Field string
	Value []byte
}

// OptionalValue distinguishes an absent field from an empty value
type OptionalValue struct {
	Present bool
	Data    []byte
}

// Request is a client command
type Request struct {
	Verb    Verb
	Key     string
	Names   []string
	Pairs   []Pair
	Payload []byte
	Field   string
}

// Response answers exactly one Request
type Response struct {
	Status  codes.Code
	Message string
	Shape   Shape
	Values  []OptionalValue
	Pairs   []Pair
	Bools   []bool
	Count   int64
}

// OK reports whether the response carries a successful status
func (r *Response) OK() bool {
	return r.Status == codes.OK
}

// Notification is a published message pushed to a subscriber
type Notification struct {
	Topic   string
	Payload []byte
}

// ServerFrame is what the server writes: either a Response or a
// Notification, never both.
type ServerFrame struct {
	Response     *Response
	Notification *Notification
}

// Field numbers
const (
	reqVerb    protowire.Number = 1
	reqKey     protowire.Number = 2
	reqNames   protowire.Number = 3
	reqPairs   protowire.Number = 4
	reqPayload protowire.Number = 5
	reqField   protowire.Number = 6

	pairField protowire.Number = 1
	pairValue protowire.Number = 2

	optPresent protowire.Number = 1
	optData    protowire.Number = 2

	respStatus  protowire.Number = 1
	respMessage protowire.Number = 2
	respShape   protowire.Number = 3
	respValues  protowire.Number = 4
	respPairs   protowire.Number = 5
	respBools   protowire.Number = 6
	respCount   protowire.Number = 7

	noteTopic   protowire.Number = 1
	notePayload protowire.Number = 2

	frameResponse     protowire.Number = 1
	frameNotification protowire.Number = 2
)

var errWireType = errors.New("unexpected wire type")

// Marshal encodes the request
func (r *Request) Marshal() []byte {
	var b []byte
	b = appendVarint(b, reqVerb, uint64(r.Verb))
	b = appendString(b, reqKey, r.Key)
	for _, name := range r.Names {
		b = protowire.AppendTag(b, reqNames, protowire.BytesType)
		b = protowire.AppendString(b, name)
	}
	for _, p := range r.Pairs {
		b = protowire.AppendTag(b, reqPairs, protowire.BytesType)
		b = protowire.AppendBytes(b, p.marshal())
	}
	b = appendBytes(b, reqPayload, r.Payload)
	b = appendString(b, reqField, r.Field)
	return b
}

// Unmarshal decodes a request, replacing the receiver's contents
func (r *Request) Unmarshal(b []byte) error {
	*r = Request{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case reqVerb:
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return 0, err
			}
			if v > math.MaxInt32 {
				return 0, fmt.Errorf("verb %d out of range", v)
			}
			r.Verb = Verb(v)
			return n, nil
		case reqKey:
			v, n, err := consumeBytes(typ, b)
			r.Key = string(v)
			return n, err
		case reqNames:
			v, n, err := consumeBytes(typ, b)
			r.Names = append(r.Names, string(v))
			return n, err
		case reqPairs:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return n, err
			}
			var p Pair
			if err := p.unmarshal(v); err != nil {
				return n, err
			}
			r.Pairs = append(r.Pairs, p)
			return n, nil
		case reqPayload:
			v, n, err := consumeBytes(typ, b)
			r.Payload = cloneBytes(v)
			return n, err
		case reqField:
			v, n, err := consumeBytes(typ, b)
			r.Field = string(v)
			return n, err
		}
		return -1, nil
	})
}

func (p *Pair) marshal() []byte {
	var b []byte
	b = appendString(b, pairField, p.Field)
	b = appendBytes(b, pairValue, p.Value)
	return b
}

func (p *Pair) unmarshal(b []byte) error {
	*p = Pair{Value: []byte{}}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case pairField:
			v, n, err := consumeBytes(typ, b)
			p.Field = string(v)
			return n, err
		case pairValue:
			v, n, err := consumeBytes(typ, b)
			p.Value = cloneBytes(v)
			return n, err
		}
		return -1, nil
	})
}

func (o *OptionalValue) marshal() []byte {
	var b []byte
	if o.Present {
		b = appendVarint(b, optPresent, 1)
	}
	b = appendBytes(b, optData, o.Data)
	return b
}

func (o *OptionalValue) unmarshal(b []byte) error {
	*o = OptionalValue{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case optPresent:
			v, n, err := consumeVarint(typ, b)
			o.Present = v != 0
			return n, err
		case optData:
			v, n, err := consumeBytes(typ, b)
			o.Data = cloneBytes(v)
			return n, err
		}
		return -1, nil
	})
	if o.Present && o.Data == nil {
		o.Data = []byte{}
	}
	return err
}

// Marshal encodes the response
func (r *Response) Marshal() []byte {
	var b []byte
	b = appendVarint(b, respStatus, uint64(r.Status))
	b = appendString(b, respMessage, r.Message)
	b = appendVarint(b, respShape, uint64(r.Shape))
	for i := range r.Values {
		b = protowire.AppendTag(b, respValues, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Values[i].marshal())
	}
	for i := range r.Pairs {
		b = protowire.AppendTag(b, respPairs, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Pairs[i].marshal())
	}
	if len(r.Bools) > 0 {
		var packed []byte
		for _, v := range r.Bools {
			packed = protowire.AppendVarint(packed, protowire.EncodeBool(v))
		}
		b = protowire.AppendTag(b, respBools, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	b = appendVarint(b, respCount, uint64(r.Count))
	return b
}

// Unmarshal decodes a response, replacing the receiver's contents
func (r *Response) Unmarshal(b []byte) error {
	*r = Response{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case respStatus:
			v, n, err := consumeVarint(typ, b)
			r.Status = codes.Code(v)
			return n, err
		case respMessage:
			v, n, err := consumeBytes(typ, b)
			r.Message = string(v)
			return n, err
		case respShape:
			v, n, err := consumeVarint(typ, b)
			r.Shape = Shape(v)
			return n, err
		case respValues:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return n, err
			}
			var o OptionalValue
			if err := o.unmarshal(v); err != nil {
				return n, err
			}
			r.Values = append(r.Values, o)
			return n, nil
		case respPairs:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return n, err
			}
			var p Pair
			if err := p.unmarshal(v); err != nil {
				return n, err
			}
			r.Pairs = append(r.Pairs, p)
			return n, nil
		case respBools:
			return r.consumeBools(typ, b)
		case respCount:
			v, n, err := consumeVarint(typ, b)
			r.Count = int64(v)
			return n, err
		}
		return -1, nil
	})
}

// consumeBools accepts both packed and unpacked encodings
func (r *Response) consumeBools(typ protowire.Type, b []byte) (int, error) {
	if typ == protowire.VarintType {
		v, n, err := consumeVarint(typ, b)
		r.Bools = append(r.Bools, protowire.DecodeBool(v))
		return n, err
	}
	packed, n, err := consumeBytes(typ, b)
	if err != nil {
		return n, err
	}
	for len(packed) > 0 {
		v, m := protowire.ConsumeVarint(packed)
		if m < 0 {
			return n, protowire.ParseError(m)
		}
		r.Bools = append(r.Bools, protowire.DecodeBool(v))
		packed = packed[m:]
	}
	return n, nil
}

// Marshal encodes the notification
func (nt *Notification) Marshal() []byte {
	var b []byte
	b = appendString(b, noteTopic, nt.Topic)
	b = appendBytes(b, notePayload, nt.Payload)
	return b
}

// Unmarshal decodes a notification
func (nt *Notification) Unmarshal(b []byte) error {
	*nt = Notification{Payload: []byte{}}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case noteTopic:
			v, n, err := consumeBytes(typ, b)
			nt.Topic = string(v)
			return n, err
		case notePayload:
			v, n, err := consumeBytes(typ, b)
			nt.Payload = cloneBytes(v)
			return n, err
		}
		return -1, nil
	})
}

// Marshal encodes the server frame
func (f *ServerFrame) Marshal() []byte {
	var b []byte
	switch {
	case f.Response != nil:
		b = protowire.AppendTag(b, frameResponse, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Response.Marshal())
	case f.Notification != nil:
		b = protowire.AppendTag(b, frameNotification, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Notification.Marshal())
	}
	return b
}

// Unmarshal decodes a server frame. A frame carrying neither kind is an error.
func (f *ServerFrame) Unmarshal(b []byte) error {
	*f = ServerFrame{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case frameResponse:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return n, err
			}
			f.Response, f.Notification = &Response{}, nil
			return n, f.Response.Unmarshal(v)
		case frameNotification:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return n, err
			}
			f.Notification, f.Response = &Notification{}, nil
			return n, f.Notification.Unmarshal(v)
		}
		return -1, nil
	})
	if err != nil {
		return err
	}
	if f.Response == nil && f.Notification == nil {
		return errors.New("server frame carries neither response nor notification")
	}
	return nil
}

// consumeFields walks the fields of b. fn returns the number of bytes it
// consumed, or -1 to have an unknown field skipped.
func consumeFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if m < 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
		}
		b = b[m:]
	}
	return nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, errWireType
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, errWireType
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// cloneBytes copies wire bytes out of the frame buffer. The result is never nil.
func cloneBytes(v []byte) []byte {
	return append([]byte{}, v...)
}
