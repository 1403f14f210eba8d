package fileallocator

import "encoding/binary"

// SizeOffsetKey packs a (size, offset) pair into a fixed 16-byte
// big-endian string so it satisfies constraints.Ordered's ~string
// branch directly: lexicographic comparison of a big-endian encoding
// is exactly numeric comparison, giving "size primary, offset
// tie-breaker" ordering without a bespoke comparator.
type SizeOffsetKey string

// MakeSizeOffsetKey builds the key for a free block of the given size
// at the given frame offset.
func MakeSizeOffsetKey(size, offset uint64) SizeOffsetKey {
	var b [16]byte
	binary.BigEndian.PutUint64(b[0:8], size)
	binary.BigEndian.PutUint64(b[8:16], offset)
	return SizeOffsetKey(b[:])
}

// Decode splits the key back into its size and offset components.
func (k SizeOffsetKey) Decode() (size, offset uint64) {
	b := []byte(k)
	return binary.BigEndian.Uint64(b[0:8]), binary.BigEndian.Uint64(b[8:16])
}

type sizeOffsetKeyCodec struct{}

func (sizeOffsetKeyCodec) Size() int { return 16 }
func (sizeOffsetKeyCodec) Encode(k SizeOffsetKey, buf []byte) {
	copy(buf, []byte(k))
}
func (sizeOffsetKeyCodec) Decode(buf []byte) SizeOffsetKey {
	return SizeOffsetKey(append([]byte(nil), buf...))
}

type emptyValCodec struct{}

func (emptyValCodec) Size() int                    { return 0 }
func (emptyValCodec) Encode(struct{}, []byte)      {}
func (emptyValCodec) Decode([]byte) struct{}       { return struct{}{} }
