// Package protocol implements the hashkv wire format.
//
// Every message travels in a frame:
//
//	[4-byte big-endian header][payload]
//
// Bit 31 of the header flags a compressed payload; bits 0..30 hold the
// payload length. A compressed payload starts with one Codec byte followed
// by the compressed message. Messages themselves use the protobuf wire
// encoding (see messages.go).
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	kverrors "github.com/devrev/hashkv/internal/errors"
)

const (
	// HeaderSize is the size of the frame header in bytes
	HeaderSize = 4

	// MaxFrameSize bounds both the wire payload and the decompressed message
	MaxFrameSize = 2 * 1024 * 1024

	// CompressionThreshold is the message size above which frames are
	// compressed. It keeps a typical frame within one Ethernet MTU.
	CompressionThreshold = 1436

	compressedBit = uint32(1) << 31
	lengthMask    = compressedBit - 1
)

// FrameStats describes one frame as it appeared on the wire
type FrameStats struct {
	WireBytes int
	Codec     Codec
}

// EncodeFrame wraps msg in a frame, compressing it with codec when it
// exceeds CompressionThreshold. Compression is skipped when it would not
// shrink the payload.
func EncodeFrame(msg []byte, codec Codec) ([]byte, FrameStats, error) {
	payload := msg
	used := CodecNone

	if codec != CodecNone && len(msg) > CompressionThreshold {
		compressed, err := compress(codec, msg)
		if err != nil {
			return nil, FrameStats{}, fmt.Errorf("failed to compress frame: %w", err)
		}
		if len(compressed)+1 < len(msg) {
			payload = append([]byte{byte(codec)}, compressed...)
			used = codec
		}
	}

	if len(payload) > MaxFrameSize {
		return nil, FrameStats{}, kverrors.FrameTooLarge(len(payload), MaxFrameSize)
	}

	header := uint32(len(payload))
	if used != CodecNone {
		header |= compressedBit
	}

	frame := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, header)
	copy(frame[HeaderSize:], payload)

	return frame, FrameStats{WireBytes: len(frame), Codec: used}, nil
}

// WriteFrame encodes msg and writes the frame with a single Write call
func WriteFrame(w io.Writer, msg []byte, codec Codec) (FrameStats, error) {
	frame, stats, err := EncodeFrame(msg, codec)
	if err != nil {
		return stats, err
	}
	if _, err := w.Write(frame); err != nil {
		return stats, err
	}
	return stats, nil
}

// ReadFrame reads one frame and returns the (decompressed) message. An
// oversized frame yields a FrameTooLarge error; the stream cannot be
// resynchronised after it.
func ReadFrame(r io.Reader) ([]byte, FrameStats, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, FrameStats{}, err
	}

	raw := binary.BigEndian.Uint32(header[:])
	size := int(raw & lengthMask)
	compressed := raw&compressedBit != 0

	if size > MaxFrameSize {
		return nil, FrameStats{}, kverrors.FrameTooLarge(size, MaxFrameSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, FrameStats{}, err
	}

	stats := FrameStats{WireBytes: HeaderSize + size}
	if !compressed {
		return payload, stats, nil
	}

	if size == 0 {
		return nil, stats, kverrors.MalformedRequest("compressed frame without codec byte", nil)
	}
	stats.Codec = Codec(payload[0])
	msg, err := decompress(stats.Codec, payload[1:])
	if err != nil {
		return nil, stats, kverrors.MalformedRequest("failed to decompress frame", err)
	}
	return msg, stats, nil
}
