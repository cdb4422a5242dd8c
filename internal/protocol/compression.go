package protocol

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies the compression algorithm of a compressed frame. It is
// written as the first payload byte of every frame with the compressed bit set.
type Codec byte

const (
	CodecNone Codec = 0
	CodecGzip Codec = 1
	CodecLZ4  Codec = 2
	CodecZstd Codec = 3
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecGzip:
		return "gzip"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", byte(c))
	}
}

// ParseCodec maps a configured compression name onto a Codec
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "", "none":
		return CodecNone, nil
	case "gzip":
		return CodecGzip, nil
	case "lz4":
		return CodecLZ4, nil
	case "zstd":
		return CodecZstd, nil
	default:
		return CodecNone, fmt.Errorf("unknown compression codec %q", name)
	}
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

// zstd encoders and decoders are safe for concurrent EncodeAll/DecodeAll
// and expensive to build, so one pair is shared by all connections.
func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(0),
			zstd.WithDecoderMaxMemory(MaxFrameSize))
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

func compress(codec Codec, data []byte) ([]byte, error) {
	switch codec {
	case CodecGzip:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil

	case CodecLZ4:
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil

	case CodecZstd:
		enc, _, err := zstdCodecs()
		if err != nil {
			return nil, err
		}
		return enc.EncodeAll(data, nil), nil

	default:
		return nil, fmt.Errorf("cannot compress with %s", codec)
	}
}

func decompress(codec Codec, data []byte) ([]byte, error) {
	var r io.Reader
	switch codec {
	case CodecGzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr

	case CodecLZ4:
		r = lz4.NewReader(bytes.NewReader(data))

	case CodecZstd:
		_, dec, err := zstdCodecs()
		if err != nil {
			return nil, err
		}
		return dec.DecodeAll(data, nil)

	default:
		return nil, fmt.Errorf("unknown compression codec %d", byte(codec))
	}

	out, err := io.ReadAll(io.LimitReader(r, MaxFrameSize+1))
	if err != nil {
		return nil, err
	}
	if len(out) > MaxFrameSize {
		return nil, fmt.Errorf("decompressed payload exceeds %d bytes", MaxFrameSize)
	}
	return out, nil
}
