package bufferedfile

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"

	"github.com/arvonlabs/sysutil/errs"
	"github.com/arvonlabs/sysutil/serializer"
)

// logMagic identifies a transaction side-log, written in the byte order
// the log itself was written in, per §6.1's "MAGIC32 whose byte order
// also tells the endianness the log was written in."
const logMagic uint32 = 0x4c4f4731 // "LOG1"

// logRecord is one (offset, bytes) entry from a flush during an open
// transaction.
type logRecord struct {
	offset uint64
	bytes  []byte
}

// logPathFor derives P's side-log path: "<dir>/<base>-<hash>.log", the
// hash taken over the base filename (not the full path) so a file moved
// together with its log still recovers, per §4.5.1.
func logPathFor(path string) string {
	base := filepath.Base(path)
	h := fnv.New32a()
	_, _ = h.Write([]byte(base))
	return filepath.Join(filepath.Dir(path), fmt.Sprintf("%s-%08x.log", base, h.Sum32()))
}

// txLog is the open, growing side-log for one in-progress transaction.
// It is rewritten header-first on every flush and its isClean byte is
// flipped in place at commit — the single atomic operation recovery
// depends on.
type txLog struct {
	f     *os.File
	order binary.ByteOrder

	count             uint64
	sizeOnDiskAtBegin uint64
	logicalSize       uint64
	allRecords        []logRecord
}

func createTxLog(path string, order binary.ByteOrder, sizeOnDiskAtBegin uint64) (*txLog, error) {
	f, err := os.OpenFile(logPathFor(path), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.CodeOS, err, "bufferedfile: create tx log failed")
	}
	l := &txLog{f: f, order: order, sizeOnDiskAtBegin: sizeOnDiskAtBegin, logicalSize: sizeOnDiskAtBegin}
	if err := l.writeHeader(0); err != nil {
		_ = f.Close()
		return nil, err
	}
	return l, nil
}

// writeHeader (re)writes the fixed-size header at offset 0: MAGIC32,
// isClean, count, sizeOnDiskAtBegin, logicalSize.
func (l *txLog) writeHeader(isClean uint32) error {
	if _, err := l.f.Seek(0, io.SeekStart); err != nil {
		return errs.Wrap(errs.CodeOS, err, "bufferedfile: seek tx log header failed")
	}
	w := serializer.NewWriter(l.f, l.order)
	if err := w.WriteU32(logMagic); err != nil {
		return err
	}
	if err := w.WriteU32(isClean); err != nil {
		return err
	}
	if err := w.WriteU64(l.count); err != nil {
		return err
	}
	if err := w.WriteU64(l.sizeOnDiskAtBegin); err != nil {
		return err
	}
	return w.WriteU64(l.logicalSize)
}

// appendRecords appends records (dirty buffers flushed during an open
// transaction) and rewrites the header to reflect the new count and
// logicalSize, leaving isClean == 0 — "the log grows monotonically
// during the transaction."
func (l *txLog) appendRecords(records []logRecord, logicalSize uint64) error {
	if _, err := l.f.Seek(0, io.SeekEnd); err != nil {
		return errs.Wrap(errs.CodeOS, err, "bufferedfile: seek tx log end failed")
	}
	w := serializer.NewWriter(l.f, l.order)
	for _, rec := range records {
		if err := w.WriteU64(rec.offset); err != nil {
			return err
		}
		if err := w.WriteU64(uint64(len(rec.bytes))); err != nil {
			return err
		}
		if err := w.WriteBytes(rec.bytes); err != nil {
			return err
		}
		l.count++
		l.allRecords = append(l.allRecords, rec)
	}
	l.logicalSize = logicalSize
	return l.writeHeader(0)
}

// flipClean is the atomic commit point: isClean flips from 0 to 1 in
// place. From this instant, recovery will replay the log.
func (l *txLog) flipClean() error {
	return l.writeHeader(1)
}

func (l *txLog) close() error {
	return l.f.Close()
}

func (l *txLog) remove(path string) {
	_ = l.f.Close()
	_ = os.Remove(logPathFor(path))
}

// logContents is a fully-parsed, closed log file, for recovery.
type logContents struct {
	isClean           uint32
	sizeOnDiskAtBegin uint64
	logicalSize       uint64
	records           []logRecord
}

// readLogFile parses an existing log file, determining its byte order
// from which endian interpretation of the first 4 bytes matches
// logMagic. A log whose magic matches neither order is corrupt.
func readLogFile(path string) (*logContents, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.CodeOS, err, "bufferedfile: open tx log failed")
	}
	defer f.Close()

	var magicBuf [4]byte
	if _, err := io.ReadFull(f, magicBuf[:]); err != nil {
		return nil, errs.Wrap(errs.CodeCorruption, err, "bufferedfile: tx log header truncated")
	}
	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(magicBuf[:]) == logMagic:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(magicBuf[:]) == logMagic:
		order = binary.BigEndian
	default:
		return nil, errs.New(errs.CodeCorruption, "bufferedfile: tx log %s: bad magic", path)
	}

	r := serializer.NewReader(f, order)
	isClean, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	count, err := r.ReadU64()
	if err != nil {
		return nil, err
	}
	sizeOnDiskAtBegin, err := r.ReadU64()
	if err != nil {
		return nil, err
	}
	logicalSize, err := r.ReadU64()
	if err != nil {
		return nil, err
	}

	records := make([]logRecord, 0, count)
	for i := uint64(0); i < count; i++ {
		offset, err := r.ReadU64()
		if err != nil {
			return nil, err
		}
		length, err := r.ReadU64()
		if err != nil {
			return nil, err
		}
		bytes, err := r.ReadBytes(int(length))
		if err != nil {
			return nil, err
		}
		records = append(records, logRecord{offset: offset, bytes: bytes})
	}
	return &logContents{
		isClean:           isClean,
		sizeOnDiskAtBegin: sizeOnDiskAtBegin,
		logicalSize:       logicalSize,
		records:           records,
	}, nil
}
