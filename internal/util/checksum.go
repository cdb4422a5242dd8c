package util

import (
	"encoding/binary"
	"hash/crc32"
)

// ChecksumSize is the number of bytes AppendChecksum adds
const ChecksumSize = 4

// Castagnoli has hardware support on amd64 and arm64
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ComputeChecksum computes a CRC32-C checksum of data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crcTable)
}

// AppendChecksum returns a copy of data followed by its little-endian checksum
func AppendChecksum(data []byte) []byte {
	out := make([]byte, len(data), len(data)+ChecksumSize)
	copy(out, data)
	return binary.LittleEndian.AppendUint32(out, ComputeChecksum(data))
}

// ValidateAndStripChecksum splits a buffer produced by AppendChecksum.
// The returned data aliases the input.
func ValidateAndStripChecksum(buf []byte) ([]byte, bool) {
	if len(buf) < ChecksumSize {
		return nil, false
	}
	n := len(buf) - ChecksumSize
	data := buf[:n]
	return data, binary.LittleEndian.Uint32(buf[n:]) == ComputeChecksum(data)
}
