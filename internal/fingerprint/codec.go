package fingerprint

import "encoding/binary"

// ToBytes packs a raw fingerprint into little-endian bytes for storage.
func ToBytes(values []uint32) []byte {
	buf := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	return buf
}

// FromBytes unpacks a stored fingerprint. Trailing bytes that do not form
// a full value are ignored.
func FromBytes(data []byte) []uint32 {
	values := make([]uint32, len(data)/4)
	for i := range values {
		values[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	return values
}
