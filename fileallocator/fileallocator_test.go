package fileallocator

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arvonlabs/sysutil/bufferedfile"
	"github.com/arvonlabs/sysutil/errs"
)

func newAllocator(t *testing.T, secure, framesMagic bool) *Allocator {
	t.Helper()
	bf, err := bufferedfile.Open(filepath.Join(t.TempDir(), "heap.bin"), secure)
	require.NoError(t, err)
	a, err := Open(bf, secure, framesMagic)
	require.NoError(t, err)
	return a
}

func TestAllocGrowsFileAndReturnsNonOverlappingBlocks(t *testing.T) {
	a := newAllocator(t, false, false)
	off1, err := a.Alloc(32)
	require.NoError(t, err)
	off2, err := a.Alloc(32)
	require.NoError(t, err)
	assert.NotEqual(t, off1, off2)
	assert.Greater(t, off2, off1)
}

func TestAllocRoundsUpBelowMinUserDataSize(t *testing.T) {
	a := newAllocator(t, false, false)
	off, err := a.Alloc(1)
	require.NoError(t, err)
	assert.Greater(t, off, uint64(0))
}

func TestFreeThenAllocReusesBlock(t *testing.T) {
	a := newAllocator(t, false, false)
	off, err := a.Alloc(64)
	require.NoError(t, err)
	sizeBefore := a.bf.Size()

	require.NoError(t, a.Free(off))
	off2, err := a.Alloc(64)
	require.NoError(t, err)
	assert.Equal(t, off, off2)
	assert.Equal(t, sizeBefore, a.bf.Size())
}

func TestFreeOfLastBlockShrinksFile(t *testing.T) {
	a := newAllocator(t, false, false)
	off, err := a.Alloc(64)
	require.NoError(t, err)
	sizeBefore := a.bf.Size()
	require.NoError(t, a.Free(off))
	assert.Less(t, a.bf.Size(), sizeBefore)
}

func TestFreeCoalescesAdjacentFreeBlocks(t *testing.T) {
	a := newAllocator(t, false, false)
	off1, err := a.Alloc(64)
	require.NoError(t, err)
	off2, err := a.Alloc(64)
	require.NoError(t, err)
	off3, err := a.Alloc(64)
	require.NoError(t, err)

	require.NoError(t, a.Free(off1))
	require.NoError(t, a.Free(off3))
	require.NoError(t, a.Free(off2))

	// All three were contiguous, so freeing off2 last merges them into
	// one free block starting at off1's frame. The free-space index's
	// BTree node block sits after it at the end of the file, so the
	// merged block stays in the index, and Alloc(200) reuses it at off1.
	off4, err := a.Alloc(200)
	require.NoError(t, err)
	assert.Equal(t, off1, off4)
}

func TestDoubleFreeIsRejected(t *testing.T) {
	a := newAllocator(t, false, false)
	off, err := a.Alloc(32)
	require.NoError(t, err)
	require.NoError(t, a.Free(off))
	err = a.Free(off)
	require.Error(t, err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.CodeCorruption, e.Code)
}

func TestAllocBTreeNodeReuseViaFreeList(t *testing.T) {
	a := newAllocator(t, false, false)
	off1, err := a.AllocBTreeNode(128)
	require.NoError(t, err)
	_, err = a.AllocBTreeNode(128)
	require.NoError(t, err)

	// off1 is no longer the last block, so freeing it threads it onto
	// the dedicated free-btree-node list instead of shrinking the file.
	require.NoError(t, a.FreeBTreeNode(off1))
	off3, err := a.AllocBTreeNode(128)
	require.NoError(t, err)
	assert.Equal(t, off1, off3)
}

func TestManyAllocFreeCyclesKeepBTreeConsistent(t *testing.T) {
	a := newAllocator(t, false, false)
	var offs []uint64
	for i := 0; i < 40; i++ {
		off, err := a.Alloc(uint64(32 + i%5*16))
		require.NoError(t, err)
		offs = append(offs, off)
	}
	for i := 0; i < len(offs); i += 2 {
		require.NoError(t, a.Free(offs[i]))
	}
	for i := 0; i < 20; i++ {
		_, err := a.Alloc(40)
		require.NoError(t, err)
	}
}

func TestSecureModeZeroesFreedPayload(t *testing.T) {
	a := newAllocator(t, true, false)
	off, err := a.Alloc(64)
	require.NoError(t, err)
	_, err = a.bf.Seek(int64(off), 0)
	require.NoError(t, err)
	_, err = a.bf.Write([]byte("sensitive-data-payload-content!"))
	require.NoError(t, err)

	off2, err := a.Alloc(64)
	require.NoError(t, err)
	require.NoError(t, a.Free(off))
	require.NoError(t, a.Free(off2))

	off3, err := a.Alloc(128)
	require.NoError(t, err)
	assert.Equal(t, off, off3)
	buf := make([]byte, 64)
	require.NoError(t, a.readAt(off3, buf))
	assert.NotContains(t, string(buf), "sensitive")
}

func TestFrameMagicMismatchOnReopenIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heap.bin")
	bf, err := bufferedfile.Open(path, false)
	require.NoError(t, err)
	a, err := Open(bf, false, true)
	require.NoError(t, err)
	_, err = a.Alloc(32)
	require.NoError(t, err)
	require.NoError(t, bf.Close())

	bf2, err := bufferedfile.Open(path, false)
	require.NoError(t, err)
	_, err = Open(bf2, false, false)
	require.Error(t, err)
}

func TestUserRootPersists(t *testing.T) {
	a := newAllocator(t, false, false)
	require.NoError(t, a.SetUserRoot(12345))
	assert.Equal(t, uint64(12345), a.UserRoot())
}
