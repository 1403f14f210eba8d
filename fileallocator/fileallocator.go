// Package fileallocator implements a variable-size block heap over a
// buffered file, with a BTree-indexed free list, per spec §3.6/§4.6/§6.2.
package fileallocator

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/arvonlabs/sysutil/btree"
	"github.com/arvonlabs/sysutil/bufferedfile"
	"github.com/arvonlabs/sysutil/errs"
	"github.com/arvonlabs/sysutil/serializer"
	"github.com/arvonlabs/sysutil/sysinfo"
)

const (
	fileMagic uint32 = 0x46414c31 // "FAL1"

	headerFlagSecure      uint32 = 1 << 0
	headerFlagFramesMagic uint32 = 1 << 1

	frameFlagFree      uint32 = 1 << 0
	frameFlagBTreeNode uint32 = 1 << 1

	formatVersion uint16 = 1

	// headerLen is the fixed on-disk size of the file header: magic,
	// version, flags, heapStart, btreeOffset, freeBTreeNodeOffset,
	// rootOffset.
	headerLen = 4 + 2 + 4 + 8 + 8 + 8 + 8

	// MinUserDataSize is the smallest payload Alloc ever hands back —
	// small, but big enough that a freed block can carry its own
	// free-list bookkeeping entirely in its payload.
	MinUserDataSize uint64 = 16

	// btreeOrder is the free-space index's node fanout.
	btreeOrder = 128
)

func frameHeaderLen(magic bool) int {
	n := 4 + 8
	if magic {
		n += 4
	}
	return n
}

func frameFooterLen(magic bool) int {
	return frameHeaderLen(magic)
}

// frameHeaderLenFor is a block's actual on-disk header length. BTree-node
// blocks always reserve the 8-byte next-free-node slot, whether or not
// they are currently free: §4.6.3's free-btree-node list threads nodes
// in place by flipping only the free bit, and a header that changed
// length across that flip would shift the footer and corrupt the
// following block's frame. Reserving the slot unconditionally for any
// BTree-node block (free or allocated; the value is simply unused while
// allocated) keeps a node's total frame span constant for its entire
// lifetime. Ordinary (non-BTree-node) blocks never carry this field.
func frameHeaderLenFor(magic bool, btreeNode bool) int {
	n := frameHeaderLen(magic)
	if btreeNode {
		n += 8
	}
	return n
}

// Allocator is a variable-size block heap living inside a BufferedFile,
// with its free space indexed by an in-file BTree keyed by (size, offset).
type Allocator struct {
	mu    sync.Mutex
	bf    *bufferedfile.BufferedFile
	order binary.ByteOrder

	secure      bool
	framesMagic bool
	version     uint16

	heapStart           uint64
	btreeOffset         uint64
	freeBTreeNodeOffset uint64
	rootOffset          uint64

	tree *btree.Tree[SizeOffsetKey, struct{}]
}

// Open opens an allocator over bf: if bf is empty, a fresh heap is
// created with the given secure/framesMagic modes; otherwise the
// existing header is read and framesMagic must match what the file was
// created with (§4.6.4 — subsequent opens must agree).
func Open(bf *bufferedfile.BufferedFile, secure, framesMagic bool) (*Allocator, error) {
	a := &Allocator{bf: bf}
	if bf.Size() == 0 {
		a.order = sysinfo.Get().Endian
		a.secure = secure
		a.framesMagic = framesMagic
		a.version = formatVersion
		a.heapStart = headerLen
		if err := a.writeHeader(); err != nil {
			return nil, err
		}
	} else {
		if err := a.readHeader(); err != nil {
			return nil, err
		}
		if a.framesMagic != framesMagic {
			return nil, errs.New(errs.CodeArgument,
				"fileallocator: frame-magic mode mismatch: file has %v, requested %v", a.framesMagic, framesMagic)
		}
	}
	a.tree = btree.New[SizeOffsetKey, struct{}](&fileNodeStore{a: a}, sizeOffsetKeyCodec{}, emptyValCodec{}, btreeOrder, a.btreeOffset)
	return a, nil
}

func (a *Allocator) writeHeader() error {
	if _, err := a.bf.Seek(0, io.SeekStart); err != nil {
		return errs.Wrap(errs.CodeOS, err, "fileallocator: seek header failed")
	}
	w := serializer.NewWriter(a.bf, a.order)
	if err := w.WriteU32(fileMagic); err != nil {
		return err
	}
	if err := w.WriteU16(a.version); err != nil {
		return err
	}
	flags := uint32(0)
	if a.secure {
		flags |= headerFlagSecure
	}
	if a.framesMagic {
		flags |= headerFlagFramesMagic
	}
	if err := w.WriteU32(flags); err != nil {
		return err
	}
	if err := w.WriteU64(a.heapStart); err != nil {
		return err
	}
	if err := w.WriteU64(a.btreeOffset); err != nil {
		return err
	}
	if err := w.WriteU64(a.freeBTreeNodeOffset); err != nil {
		return err
	}
	return w.WriteU64(a.rootOffset)
}

func (a *Allocator) readHeader() error {
	if _, err := a.bf.Seek(0, io.SeekStart); err != nil {
		return errs.Wrap(errs.CodeOS, err, "fileallocator: seek header failed")
	}
	var magicBuf [4]byte
	if _, err := io.ReadFull(a.bf, magicBuf[:]); err != nil {
		return errs.Wrap(errs.CodeCorruption, err, "fileallocator: header truncated")
	}
	switch {
	case binary.LittleEndian.Uint32(magicBuf[:]) == fileMagic:
		a.order = binary.LittleEndian
	case binary.BigEndian.Uint32(magicBuf[:]) == fileMagic:
		a.order = binary.BigEndian
	default:
		return errs.New(errs.CodeCorruption, "fileallocator: bad file magic").AtOffset(0)
	}
	r := serializer.NewReader(a.bf, a.order)
	version, err := r.ReadU16()
	if err != nil {
		return err
	}
	flags, err := r.ReadU32()
	if err != nil {
		return err
	}
	a.version = version
	a.secure = flags&headerFlagSecure != 0
	a.framesMagic = flags&headerFlagFramesMagic != 0
	if a.heapStart, err = r.ReadU64(); err != nil {
		return err
	}
	if a.btreeOffset, err = r.ReadU64(); err != nil {
		return err
	}
	if a.freeBTreeNodeOffset, err = r.ReadU64(); err != nil {
		return err
	}
	a.rootOffset, err = r.ReadU64()
	return err
}

// frameInfo is a parsed block frame header.
type frameInfo struct {
	flags     uint32
	size      uint64
	next      uint64
	headerLen int
}

func (a *Allocator) readFrameHeader(offset uint64) (frameInfo, error) {
	if _, err := a.bf.Seek(int64(offset), io.SeekStart); err != nil {
		return frameInfo{}, errs.Wrap(errs.CodeOS, err, "fileallocator: seek frame failed")
	}
	r := serializer.NewReader(a.bf, a.order)
	hdrLen := 0
	if a.framesMagic {
		magic, err := r.ReadU32()
		if err != nil {
			return frameInfo{}, err
		}
		if magic != fileMagic {
			return frameInfo{}, errs.New(errs.CodeCorruption, "fileallocator: bad block magic at offset %d", offset).AtOffset(int64(offset))
		}
		hdrLen += 4
	}
	flags, err := r.ReadU32()
	if err != nil {
		return frameInfo{}, err
	}
	hdrLen += 4
	size, err := r.ReadU64()
	if err != nil {
		return frameInfo{}, err
	}
	hdrLen += 8
	var next uint64
	if flags&frameFlagBTreeNode != 0 {
		if next, err = r.ReadU64(); err != nil {
			return frameInfo{}, err
		}
		hdrLen += 8
	}
	return frameInfo{flags: flags, size: size, next: next, headerLen: hdrLen}, nil
}

func (a *Allocator) readFrameFooter(offset uint64) (uint32, uint64, error) {
	if _, err := a.bf.Seek(int64(offset), io.SeekStart); err != nil {
		return 0, 0, errs.Wrap(errs.CodeOS, err, "fileallocator: seek footer failed")
	}
	r := serializer.NewReader(a.bf, a.order)
	if a.framesMagic {
		magic, err := r.ReadU32()
		if err != nil {
			return 0, 0, err
		}
		if magic != fileMagic {
			return 0, 0, errs.New(errs.CodeCorruption, "fileallocator: bad block magic at offset %d", offset).AtOffset(int64(offset))
		}
	}
	flags, err := r.ReadU32()
	if err != nil {
		return 0, 0, err
	}
	size, err := r.ReadU64()
	return flags, size, err
}

// writeBlockFrames writes a header+footer pair for a block at offset
// with the given payload size, returning the header's on-disk length
// (needed to locate the payload).
func (a *Allocator) writeBlockFrames(offset uint64, flags uint32, size uint64, next uint64) (int, error) {
	if _, err := a.bf.Seek(int64(offset), io.SeekStart); err != nil {
		return 0, errs.Wrap(errs.CodeOS, err, "fileallocator: seek frame failed")
	}
	w := serializer.NewWriter(a.bf, a.order)
	hdrLen := 0
	if a.framesMagic {
		if err := w.WriteU32(fileMagic); err != nil {
			return 0, err
		}
		hdrLen += 4
	}
	if err := w.WriteU32(flags); err != nil {
		return 0, err
	}
	hdrLen += 4
	if err := w.WriteU64(size); err != nil {
		return 0, err
	}
	hdrLen += 8
	if flags&frameFlagBTreeNode != 0 {
		if err := w.WriteU64(next); err != nil {
			return 0, err
		}
		hdrLen += 8
	}
	footerOff := offset + uint64(hdrLen) + size
	if _, err := a.bf.Seek(int64(footerOff), io.SeekStart); err != nil {
		return 0, errs.Wrap(errs.CodeOS, err, "fileallocator: seek footer failed")
	}
	w = serializer.NewWriter(a.bf, a.order)
	if a.framesMagic {
		if err := w.WriteU32(fileMagic); err != nil {
			return 0, err
		}
	}
	if err := w.WriteU32(flags); err != nil {
		return 0, err
	}
	if err := w.WriteU64(size); err != nil {
		return 0, err
	}
	return hdrLen, nil
}

// verifyFrame reads a block's header, cross-checks it against the
// footer (corruption if they disagree), and returns the footer's
// offset alongside the parsed header.
func (a *Allocator) verifyFrame(offset uint64) (frameInfo, uint64, error) {
	hdr, err := a.readFrameHeader(offset)
	if err != nil {
		return frameInfo{}, 0, err
	}
	footerOff := offset + uint64(hdr.headerLen) + hdr.size
	ffFlags, ffSize, err := a.readFrameFooter(footerOff)
	if err != nil {
		return frameInfo{}, 0, err
	}
	if ffFlags != hdr.flags || ffSize != hdr.size {
		return frameInfo{}, 0, errs.New(errs.CodeCorruption,
			"fileallocator: header/footer mismatch at block offset %d", offset).AtOffset(int64(offset))
	}
	return hdr, footerOff, nil
}

func (a *Allocator) zeroRange(offset, length uint64) error {
	if length == 0 {
		return nil
	}
	if _, err := a.bf.Seek(int64(offset), io.SeekStart); err != nil {
		return errs.Wrap(errs.CodeOS, err, "fileallocator: seek zero range failed")
	}
	_, err := a.bf.Write(make([]byte, length))
	if err != nil {
		return errs.Wrap(errs.CodeOS, err, "fileallocator: zero range write failed")
	}
	return nil
}

func (a *Allocator) readAt(offset uint64, buf []byte) error {
	if _, err := a.bf.Seek(int64(offset), io.SeekStart); err != nil {
		return errs.Wrap(errs.CodeOS, err, "fileallocator: seek read failed")
	}
	_, err := io.ReadFull(a.bf, buf)
	if err != nil {
		return errs.Wrap(errs.CodeOS, err, "fileallocator: read failed")
	}
	return nil
}

func (a *Allocator) writeAt(offset uint64, buf []byte) error {
	if _, err := a.bf.Seek(int64(offset), io.SeekStart); err != nil {
		return errs.Wrap(errs.CodeOS, err, "fileallocator: seek write failed")
	}
	if _, err := a.bf.Write(buf); err != nil {
		return errs.Wrap(errs.CodeOS, err, "fileallocator: write failed")
	}
	return nil
}

func (a *Allocator) frameOverhead() uint64 {
	return uint64(frameHeaderLen(a.framesMagic) + frameFooterLen(a.framesMagic))
}

func (a *Allocator) minBlockSize() uint64 {
	return a.frameOverhead() + MinUserDataSize
}

func (a *Allocator) syncTreeRoot() error {
	a.btreeOffset = a.tree.Root()
	return a.writeHeader()
}

// Alloc reserves a payload of at least size bytes, per §4.6.1, and
// returns the offset of its payload.
func (a *Allocator) Alloc(size uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if size < MinUserDataSize {
		size = MinUserDataSize
	}

	ceilKey, _, ok, err := a.tree.Ceiling(MakeSizeOffsetKey(size, 0))
	if err != nil {
		return 0, err
	}
	if ok {
		foundSize, foundOffset := ceilKey.Decode()
		if err := a.tree.Delete(ceilKey); err != nil {
			return 0, err
		}
		var payloadOffset uint64
		if foundSize-size >= a.minBlockSize() {
			hdrLen, err := a.writeBlockFrames(foundOffset, 0, size, 0)
			if err != nil {
				return 0, err
			}
			newFreeOffset := foundOffset + a.frameOverhead() + size
			newFreeSize := foundSize - size - a.frameOverhead()
			if _, err := a.writeBlockFrames(newFreeOffset, frameFlagFree, newFreeSize, 0); err != nil {
				return 0, err
			}
			if err := a.tree.Insert(MakeSizeOffsetKey(newFreeSize, newFreeOffset), struct{}{}); err != nil {
				return 0, err
			}
			payloadOffset = foundOffset + uint64(hdrLen)
		} else {
			hdrLen, err := a.writeBlockFrames(foundOffset, 0, foundSize, 0)
			if err != nil {
				return 0, err
			}
			payloadOffset = foundOffset + uint64(hdrLen)
		}
		if err := a.syncTreeRoot(); err != nil {
			return 0, err
		}
		return payloadOffset, nil
	}

	newOffset := uint64(a.bf.Size())
	hdrLen := frameHeaderLen(a.framesMagic)
	footLen := frameFooterLen(a.framesMagic)
	newTotal := newOffset + uint64(hdrLen) + size + uint64(footLen)
	if err := a.bf.SetSize(int64(newTotal)); err != nil {
		return 0, err
	}
	if _, err := a.writeBlockFrames(newOffset, 0, size, 0); err != nil {
		return 0, err
	}
	return newOffset + uint64(hdrLen), nil
}

// Free releases the block at payload offset, coalescing with free
// non-BTree-node neighbours, per §4.6.2.
func (a *Allocator) Free(offset uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	hdrLen := frameHeaderLen(a.framesMagic)
	footLen := frameFooterLen(a.framesMagic)
	frameOffset := offset - uint64(hdrLen)
	if offset < a.heapStart+uint64(hdrLen) || frameOffset >= uint64(a.bf.Size()) {
		// A freed last block is truncated away, so a second Free of it
		// lands past the end of the file.
		return errs.New(errs.CodeCorruption, "fileallocator: double free or invalid offset %d", frameOffset).AtOffset(int64(frameOffset))
	}

	hdr, footerOff, err := a.verifyFrame(frameOffset)
	if err != nil {
		return err
	}
	if hdr.flags&frameFlagFree != 0 {
		return errs.New(errs.CodeCorruption, "fileallocator: double free at offset %d", frameOffset).AtOffset(int64(frameOffset))
	}

	spanStart := frameOffset
	spanEnd := footerOff + uint64(footLen)

	if spanStart > a.heapStart {
		prevFooterOff := spanStart - uint64(footLen)
		prevFlags, prevSize, ferr := a.readFrameFooter(prevFooterOff)
		if ferr == nil && prevFlags&frameFlagFree != 0 && prevFlags&frameFlagBTreeNode == 0 {
			prevHeaderOffset := prevFooterOff - prevSize - uint64(hdrLen)
			if err := a.tree.Delete(MakeSizeOffsetKey(prevSize, prevHeaderOffset)); err != nil {
				return err
			}
			spanStart = prevHeaderOffset
		}
	}

	if spanEnd < uint64(a.bf.Size()) {
		next, nerr := a.readFrameHeader(spanEnd)
		if nerr == nil && next.flags&frameFlagFree != 0 && next.flags&frameFlagBTreeNode == 0 {
			nextFooterOff := spanEnd + uint64(next.headerLen) + next.size
			if err := a.tree.Delete(MakeSizeOffsetKey(next.size, spanEnd)); err != nil {
				return err
			}
			spanEnd = nextFooterOff + uint64(footLen)
		}
	}

	if spanEnd == uint64(a.bf.Size()) {
		if err := a.bf.SetSize(int64(spanStart)); err != nil {
			return err
		}
		return a.syncTreeRoot()
	}

	mergedSize := spanEnd - spanStart - uint64(hdrLen) - uint64(footLen)
	if a.secure {
		if err := a.zeroRange(spanStart+uint64(hdrLen), mergedSize); err != nil {
			return err
		}
	}
	if _, err := a.writeBlockFrames(spanStart, frameFlagFree, mergedSize, 0); err != nil {
		return err
	}
	if err := a.tree.Insert(MakeSizeOffsetKey(mergedSize, spanStart), struct{}{}); err != nil {
		return err
	}
	return a.syncTreeRoot()
}

// AllocBTreeNode reserves a block for the free-space index itself, via
// its own dedicated free list — never the main free-list BTree, which
// would recurse into itself (§4.6.3).
func (a *Allocator) AllocBTreeNode(size uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocBTreeNodeLocked(size)
}

func (a *Allocator) allocBTreeNodeLocked(size uint64) (uint64, error) {
	if a.freeBTreeNodeOffset != 0 {
		frameOffset := a.freeBTreeNodeOffset
		hdr, err := a.readFrameHeader(frameOffset)
		if err != nil {
			return 0, err
		}
		footerOff := frameOffset + uint64(hdr.headerLen) + hdr.size
		ffFlags, ffSize, err := a.readFrameFooter(footerOff)
		if err != nil || ffFlags != hdr.flags || ffSize != hdr.size {
			return 0, errs.New(errs.CodeCorruption, "fileallocator: btree free-list node corrupt at offset %d", frameOffset).AtOffset(int64(frameOffset))
		}
		a.freeBTreeNodeOffset = hdr.next
		hdrLen, err := a.writeBlockFrames(frameOffset, frameFlagBTreeNode, hdr.size, 0)
		if err != nil {
			return 0, err
		}
		if err := a.writeHeader(); err != nil {
			return 0, err
		}
		return frameOffset + uint64(hdrLen), nil
	}

	newOffset := uint64(a.bf.Size())
	hdrLen := frameHeaderLenFor(a.framesMagic, true)
	footLen := frameFooterLen(a.framesMagic)
	newTotal := newOffset + uint64(hdrLen) + size + uint64(footLen)
	if err := a.bf.SetSize(int64(newTotal)); err != nil {
		return 0, err
	}
	if _, err := a.writeBlockFrames(newOffset, frameFlagBTreeNode, size, 0); err != nil {
		return 0, err
	}
	return newOffset + uint64(hdrLen), nil
}

// FreeBTreeNode releases a block allocated via AllocBTreeNode back onto
// the dedicated free-btree-node list (or shrinks the file if it was the
// last block), per §4.6.3.
func (a *Allocator) FreeBTreeNode(offset uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeBTreeNodeLocked(offset)
}

func (a *Allocator) freeBTreeNodeLocked(offset uint64) error {
	hdrLen := frameHeaderLenFor(a.framesMagic, true)
	frameOffset := offset - uint64(hdrLen)
	hdr, footerOff, err := a.verifyFrame(frameOffset)
	if err != nil {
		return err
	}
	if hdr.flags&frameFlagBTreeNode == 0 {
		return errs.New(errs.CodeArgument, "fileallocator: offset %d is not a btree-node block", offset)
	}
	footLen := frameFooterLen(a.framesMagic)
	if footerOff+uint64(footLen) == uint64(a.bf.Size()) {
		return a.bf.SetSize(int64(frameOffset))
	}
	if a.secure {
		if err := a.zeroRange(frameOffset+uint64(hdrLen), hdr.size); err != nil {
			return err
		}
	}
	next := a.freeBTreeNodeOffset
	if _, err := a.writeBlockFrames(frameOffset, frameFlagFree|frameFlagBTreeNode, hdr.size, next); err != nil {
		return err
	}
	a.freeBTreeNodeOffset = frameOffset
	return a.writeHeader()
}

// UserRoot returns the opaque, caller-owned root offset stored in the
// file header.
func (a *Allocator) UserRoot() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rootOffset
}

// SetUserRoot persists offset as the opaque, caller-owned root.
func (a *Allocator) SetUserRoot(offset uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rootOffset = offset
	return a.writeHeader()
}

// fileNodeStore backs the free-space BTree with the allocator's own
// dedicated BTree-node free list and raw payload IO.
type fileNodeStore struct {
	a *Allocator
}

func (s *fileNodeStore) Alloc(size uint64) (uint64, error) { return s.a.allocBTreeNodeLocked(size) }
func (s *fileNodeStore) Free(offset uint64) error          { return s.a.freeBTreeNodeLocked(offset) }
func (s *fileNodeStore) Read(offset uint64, buf []byte) error {
	return s.a.readAt(offset, buf)
}
func (s *fileNodeStore) Write(offset uint64, buf []byte) error {
	return s.a.writeAt(offset, buf)
}
