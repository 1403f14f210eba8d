// Package serializer implements the endian-aware binary marshalling
// primitive shared by bufferedfile's log records and fileallocator's
// file header and block frames, per spec §4.5.1/§6.1 and
// original_source/src/Serializer.cpp's role as the common layer
// underneath both.
package serializer

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/arvonlabs/sysutil/errs"
)

// Writer marshals fixed- and variable-width values to an io.Writer using
// an explicit byte order — never ambient global state, since the
// on-disk formats are endianness-tagged per file and must round-trip
// regardless of host endianness.
type Writer struct {
	w     io.Writer
	order binary.ByteOrder
}

// NewWriter wraps w for writes encoded with the given byte order.
func NewWriter(w io.Writer, order binary.ByteOrder) *Writer {
	return &Writer{w: w, order: order}
}

func (w *Writer) writeFixed(buf []byte) error {
	if _, err := w.w.Write(buf); err != nil {
		return errs.Wrap(errs.CodeOS, err, "serializer: write failed")
	}
	return nil
}

func (w *Writer) WriteU8(v uint8) error  { return w.writeFixed([]byte{v}) }
func (w *Writer) WriteI8(v int8) error   { return w.WriteU8(uint8(v)) }
func (w *Writer) WriteBool(v bool) error {
	if v {
		return w.WriteU8(1)
	}
	return w.WriteU8(0)
}

func (w *Writer) WriteU16(v uint16) error {
	buf := make([]byte, 2)
	w.order.PutUint16(buf, v)
	return w.writeFixed(buf)
}

func (w *Writer) WriteI16(v int16) error { return w.WriteU16(uint16(v)) }

func (w *Writer) WriteU32(v uint32) error {
	buf := make([]byte, 4)
	w.order.PutUint32(buf, v)
	return w.writeFixed(buf)
}

func (w *Writer) WriteI32(v int32) error { return w.WriteU32(uint32(v)) }

func (w *Writer) WriteU64(v uint64) error {
	buf := make([]byte, 8)
	w.order.PutUint64(buf, v)
	return w.writeFixed(buf)
}

func (w *Writer) WriteI64(v int64) error { return w.WriteU64(uint64(v)) }

func (w *Writer) WriteF32(v float32) error { return w.WriteU32(math.Float32bits(v)) }
func (w *Writer) WriteF64(v float64) error { return w.WriteU64(math.Float64bits(v)) }

// WriteBytes writes raw bytes with no length prefix; the caller is
// expected to have supplied the length out of band or via WriteVarUint.
func (w *Writer) WriteBytes(b []byte) error { return w.writeFixed(b) }

// WriteString writes a u32 length-prefixed UTF-8 string.
func (w *Writer) WriteString(s string) error {
	if err := w.WriteU32(uint32(len(s))); err != nil {
		return err
	}
	return w.WriteBytes([]byte(s))
}

// WriteVarUint writes v as an LEB128-style variable-length unsigned
// integer, compact when most values are small. The BTree node entry
// count and the transaction log's record count are fixed-width and do
// not use it.
func (w *Writer) WriteVarUint(v uint64) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	return w.writeFixed(buf[:n])
}

// Reader unmarshals values written by a Writer using the same explicit
// byte order.
type Reader struct {
	r     io.Reader
	order binary.ByteOrder
}

// NewReader wraps r for reads decoded with the given byte order.
func NewReader(r io.Reader, order binary.ByteOrder) *Reader {
	return &Reader{r: r, order: order}
}

func (r *Reader) readFixed(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, errs.Wrap(errs.CodeOS, err, "serializer: read failed")
	}
	return buf, nil
}

func (r *Reader) ReadU8() (uint8, error) {
	buf, err := r.readFixed(1)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (r *Reader) ReadI8() (int8, error) {
	v, err := r.ReadU8()
	return int8(v), err
}

func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadU8()
	return v == 1, err
}

func (r *Reader) ReadU16() (uint16, error) {
	buf, err := r.readFixed(2)
	if err != nil {
		return 0, err
	}
	return r.order.Uint16(buf), nil
}

func (r *Reader) ReadI16() (int16, error) {
	v, err := r.ReadU16()
	return int16(v), err
}

func (r *Reader) ReadU32() (uint32, error) {
	buf, err := r.readFixed(4)
	if err != nil {
		return 0, err
	}
	return r.order.Uint32(buf), nil
}

func (r *Reader) ReadI32() (int32, error) {
	v, err := r.ReadU32()
	return int32(v), err
}

func (r *Reader) ReadU64() (uint64, error) {
	buf, err := r.readFixed(8)
	if err != nil {
		return 0, err
	}
	return r.order.Uint64(buf), nil
}

func (r *Reader) ReadI64() (int64, error) {
	v, err := r.ReadU64()
	return int64(v), err
}

func (r *Reader) ReadF32() (float32, error) {
	v, err := r.ReadU32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

func (r *Reader) ReadF64() (float64, error) {
	v, err := r.ReadU64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

// ReadBytes reads exactly n raw bytes.
func (r *Reader) ReadBytes(n int) ([]byte, error) { return r.readFixed(n) }

// ReadString reads a u32 length-prefixed UTF-8 string.
func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadU32()
	if err != nil {
		return "", err
	}
	buf, err := r.readFixed(int(n))
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// ReadVarUint reads an LEB128-style variable-length unsigned integer.
// bufio.Reader implements io.ByteReader directly; other readers are
// wrapped in a one-byte-at-a-time adapter.
func (r *Reader) ReadVarUint() (uint64, error) {
	br, ok := r.r.(io.ByteReader)
	if !ok {
		br = &byteReader{r: r.r}
	}
	v, err := binary.ReadUvarint(br)
	if err != nil {
		return 0, errs.Wrap(errs.CodeOS, err, "serializer: read varuint failed")
	}
	return v, nil
}

type byteReader struct {
	r   io.Reader
	buf [1]byte
}

func (b *byteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(b.r, b.buf[:]); err != nil {
		return 0, err
	}
	return b.buf[0], nil
}
