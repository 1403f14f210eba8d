package serializer

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedWidthRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, binary.LittleEndian)
	require.NoError(t, w.WriteU8(0xAB))
	require.NoError(t, w.WriteI16(-42))
	require.NoError(t, w.WriteU32(123456789))
	require.NoError(t, w.WriteI64(-9876543210))
	require.NoError(t, w.WriteBool(true))
	require.NoError(t, w.WriteF32(3.25))
	require.NoError(t, w.WriteF64(2.5e10))

	r := NewReader(&buf, binary.LittleEndian)
	u8, err := r.ReadU8()
	require.NoError(t, err)
	assert.Equal(t, uint8(0xAB), u8)

	i16, err := r.ReadI16()
	require.NoError(t, err)
	assert.Equal(t, int16(-42), i16)

	u32, err := r.ReadU32()
	require.NoError(t, err)
	assert.Equal(t, uint32(123456789), u32)

	i64, err := r.ReadI64()
	require.NoError(t, err)
	assert.Equal(t, int64(-9876543210), i64)

	b, err := r.ReadBool()
	require.NoError(t, err)
	assert.True(t, b)

	f32, err := r.ReadF32()
	require.NoError(t, err)
	assert.Equal(t, float32(3.25), f32)

	f64, err := r.ReadF64()
	require.NoError(t, err)
	assert.Equal(t, 2.5e10, f64)
}

func TestStringRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, binary.BigEndian)
	require.NoError(t, w.WriteString("hello, pipeline"))

	r := NewReader(&buf, binary.BigEndian)
	s, err := r.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "hello, pipeline", s)
}

func TestVarUintRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, binary.LittleEndian)
	values := []uint64{0, 1, 127, 128, 300, 1 << 40}
	for _, v := range values {
		require.NoError(t, w.WriteVarUint(v))
	}

	r := NewReader(&buf, binary.LittleEndian)
	for _, want := range values {
		got, err := r.ReadVarUint()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestBytesRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, binary.LittleEndian)
	require.NoError(t, w.WriteVarUint(3))
	require.NoError(t, w.WriteBytes([]byte{1, 2, 3}))

	r := NewReader(&buf, binary.LittleEndian)
	n, err := r.ReadVarUint()
	require.NoError(t, err)
	got, err := r.ReadBytes(int(n))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)
}

func TestReadPastEOFFails(t *testing.T) {
	r := NewReader(bytes.NewReader(nil), binary.LittleEndian)
	_, err := r.ReadU32()
	assert.Error(t, err)
}
