package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"testing"

	kverrors "github.com/devrev/hashkv/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame_SmallMessageStaysUncompressed(t *testing.T) {
	msg := []byte("hello")
	var buf bytes.Buffer

	stats, err := WriteFrame(&buf, msg, CodecGzip)
	require.NoError(t, err)
	assert.Equal(t, CodecNone, stats.Codec)
	assert.Equal(t, HeaderSize+len(msg), stats.WireBytes)

	header := binary.BigEndian.Uint32(buf.Bytes()[:HeaderSize])
	assert.Zero(t, header&compressedBit)
	assert.Equal(t, uint32(len(msg)), header)

	got, _, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestFrame_CompressionRoundTrip(t *testing.T) {
	msg := []byte(strings.Repeat("hashkv compresses repetitive payloads ", 200))
	require.Greater(t, len(msg), CompressionThreshold)

	for _, codec := range []Codec{CodecGzip, CodecLZ4, CodecZstd} {
		t.Run(codec.String(), func(t *testing.T) {
			var buf bytes.Buffer
			stats, err := WriteFrame(&buf, msg, codec)
			require.NoError(t, err)
			assert.Equal(t, codec, stats.Codec)
			assert.Less(t, stats.WireBytes, len(msg))

			header := binary.BigEndian.Uint32(buf.Bytes()[:HeaderSize])
			assert.NotZero(t, header&compressedBit)
			assert.Equal(t, byte(codec), buf.Bytes()[HeaderSize])

			got, readStats, err := ReadFrame(&buf)
			require.NoError(t, err)
			assert.Equal(t, msg, got)
			assert.Equal(t, codec, readStats.Codec)
		})
	}
}

func TestFrame_NoCodecNeverCompresses(t *testing.T) {
	msg := bytes.Repeat([]byte{'a'}, 4*CompressionThreshold)
	frame, stats, err := EncodeFrame(msg, CodecNone)
	require.NoError(t, err)
	assert.Equal(t, CodecNone, stats.Codec)
	assert.Len(t, frame, HeaderSize+len(msg))
}

func TestFrame_TooLarge(t *testing.T) {
	t.Run("encode", func(t *testing.T) {
		_, _, err := EncodeFrame(make([]byte, MaxFrameSize+1), CodecNone)
		assert.True(t, kverrors.Is(err, kverrors.ErrCodeFrameTooLarge))
	})

	t.Run("decode", func(t *testing.T) {
		var header [HeaderSize]byte
		binary.BigEndian.PutUint32(header[:], MaxFrameSize+1)
		_, _, err := ReadFrame(bytes.NewReader(header[:]))
		assert.True(t, kverrors.Is(err, kverrors.ErrCodeFrameTooLarge))
	})
}

func TestFrame_Truncated(t *testing.T) {
	frame, _, err := EncodeFrame([]byte("truncated payload"), CodecNone)
	require.NoError(t, err)

	_, _, err = ReadFrame(bytes.NewReader(frame[:len(frame)-3]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, _, err = ReadFrame(bytes.NewReader(nil))
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrame_UnknownCodec(t *testing.T) {
	payload := []byte{0x7f, 1, 2, 3}
	frame := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload))|compressedBit)
	copy(frame[HeaderSize:], payload)

	_, _, err := ReadFrame(bytes.NewReader(frame))
	assert.True(t, kverrors.Is(err, kverrors.ErrCodeMalformedRequest))
}

func TestParseCodec(t *testing.T) {
	for name, want := range map[string]Codec{"": CodecNone, "none": CodecNone, "gzip": CodecGzip, "lz4": CodecLZ4, "zstd": CodecZstd} {
		got, err := ParseCodec(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseCodec("snappy")
	assert.Error(t, err)
}
