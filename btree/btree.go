// Package btree implements a generic B-tree over a caller-supplied
// block store, so the tree's nodes can live inside any byte-addressed
// backing store (typically a file) rather than the process heap.
package btree

import (
	"encoding/binary"

	"golang.org/x/exp/constraints"
)

// NodeStore persists fixed-size node blocks. Alloc/Free/Read/Write all
// operate on the same uniform node size the Tree computes from its
// order and codecs; the store owns the allocation policy (a file
// allocator's dedicated BTree-node free list, for instance).
type NodeStore[K constraints.Ordered, V any] interface {
	Alloc(size uint64) (uint64, error)
	Free(offset uint64) error
	Read(offset uint64, buf []byte) error
	Write(offset uint64, buf []byte) error
}

// Codec encodes/decodes a fixed-size value to/from a byte slice of
// exactly Size() bytes.
type Codec[T any] interface {
	Size() int
	Encode(v T, buf []byte)
	Decode(buf []byte) T
}

// Tree is a classic (not B+) B-tree: every node, leaf or internal,
// stores key/value pairs directly; order is the maximum number of
// keys per node (children = order+1 for internal nodes).
type Tree[K constraints.Ordered, V any] struct {
	store    NodeStore[K, V]
	keyCodec Codec[K]
	valCodec Codec[V]
	order    int
	nodeSize uint64
	root     uint64
}

// New builds a Tree over an existing root (0 for an empty tree).
func New[K constraints.Ordered, V any](store NodeStore[K, V], keyCodec Codec[K], valCodec Codec[V], order int, root uint64) *Tree[K, V] {
	return &Tree[K, V]{
		store:    store,
		keyCodec: keyCodec,
		valCodec: valCodec,
		order:    order,
		nodeSize: uint64(nodeByteSize(order, keyCodec.Size(), valCodec.Size())),
		root:     root,
	}
}

// nodeByteSize is the fixed encoded size of any node: a leaf flag, an
// entry count, up to order (key,value) pairs, and up to order+1 child
// offsets (unused and zeroed for leaves).
func nodeByteSize(order, keySize, valSize int) int {
	return 1 + 4 + order*(keySize+valSize) + (order+1)*8
}

// Root returns the current root block offset (0 if the tree is empty).
func (t *Tree[K, V]) Root() uint64 { return t.root }

type node[K constraints.Ordered, V any] struct {
	leaf     bool
	keys     []K
	vals     []V
	children []uint64
}

func (t *Tree[K, V]) childOffsetBase() int {
	return 1 + 4 + t.order*(t.keyCodec.Size()+t.valCodec.Size())
}

func (t *Tree[K, V]) encodeNode(n *node[K, V]) []byte {
	buf := make([]byte, t.nodeSize)
	if n.leaf {
		buf[0] = 1
	}
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(n.keys)))
	ks, vs := t.keyCodec.Size(), t.valCodec.Size()
	off := 5
	for i, k := range n.keys {
		t.keyCodec.Encode(k, buf[off:off+ks])
		off += ks
		t.valCodec.Encode(n.vals[i], buf[off:off+vs])
		off += vs
	}
	if !n.leaf {
		childOff := t.childOffsetBase()
		for i, c := range n.children {
			binary.BigEndian.PutUint64(buf[childOff+i*8:], c)
		}
	}
	return buf
}

func (t *Tree[K, V]) decodeNode(buf []byte) *node[K, V] {
	n := &node[K, V]{leaf: buf[0] == 1}
	count := int(binary.BigEndian.Uint32(buf[1:5]))
	ks, vs := t.keyCodec.Size(), t.valCodec.Size()
	off := 5
	n.keys = make([]K, count)
	n.vals = make([]V, count)
	for i := 0; i < count; i++ {
		n.keys[i] = t.keyCodec.Decode(buf[off : off+ks])
		off += ks
		n.vals[i] = t.valCodec.Decode(buf[off : off+vs])
		off += vs
	}
	if !n.leaf {
		childOff := t.childOffsetBase()
		n.children = make([]uint64, count+1)
		for i := 0; i < count+1; i++ {
			n.children[i] = binary.BigEndian.Uint64(buf[childOff+i*8:])
		}
	}
	return n
}

func (t *Tree[K, V]) readNode(offset uint64) (*node[K, V], error) {
	buf := make([]byte, t.nodeSize)
	if err := t.store.Read(offset, buf); err != nil {
		return nil, err
	}
	return t.decodeNode(buf), nil
}

func (t *Tree[K, V]) writeNode(offset uint64, n *node[K, V]) error {
	return t.store.Write(offset, t.encodeNode(n))
}

func (t *Tree[K, V]) allocNode(leaf bool) (uint64, *node[K, V], error) {
	off, err := t.store.Alloc(t.nodeSize)
	if err != nil {
		return 0, nil, err
	}
	return off, &node[K, V]{leaf: leaf}, nil
}

// Insert adds key/val, splitting full nodes on the way down.
func (t *Tree[K, V]) Insert(key K, val V) error {
	if t.root == 0 {
		off, n, err := t.allocNode(true)
		if err != nil {
			return err
		}
		n.keys = []K{key}
		n.vals = []V{val}
		if err := t.writeNode(off, n); err != nil {
			return err
		}
		t.root = off
		return nil
	}
	root, err := t.readNode(t.root)
	if err != nil {
		return err
	}
	if len(root.keys) == t.order {
		newRootOff, newRoot, err := t.allocNode(false)
		if err != nil {
			return err
		}
		newRoot.children = []uint64{t.root}
		if err := t.writeNode(newRootOff, newRoot); err != nil {
			return err
		}
		if err := t.splitChild(newRootOff, newRoot, 0, t.root, root); err != nil {
			return err
		}
		t.root = newRootOff
		newRoot, err = t.readNode(newRootOff)
		if err != nil {
			return err
		}
		return t.insertNonFull(newRootOff, newRoot, key, val)
	}
	return t.insertNonFull(t.root, root, key, val)
}

func (t *Tree[K, V]) splitChild(parentOff uint64, parent *node[K, V], idx int, childOff uint64, child *node[K, V]) error {
	mid := len(child.keys) / 2
	midKey, midVal := child.keys[mid], child.vals[mid]

	rightOff, right, err := t.allocNode(child.leaf)
	if err != nil {
		return err
	}
	right.keys = append([]K{}, child.keys[mid+1:]...)
	right.vals = append([]V{}, child.vals[mid+1:]...)
	if !child.leaf {
		right.children = append([]uint64{}, child.children[mid+1:]...)
		child.children = child.children[:mid+1]
	}
	child.keys = child.keys[:mid]
	child.vals = child.vals[:mid]

	parent.keys = insertAt(parent.keys, idx, midKey)
	parent.vals = insertAt(parent.vals, idx, midVal)
	parent.children = insertAt(parent.children, idx+1, rightOff)

	if err := t.writeNode(childOff, child); err != nil {
		return err
	}
	if err := t.writeNode(rightOff, right); err != nil {
		return err
	}
	return t.writeNode(parentOff, parent)
}

func insertAt[T any](s []T, idx int, v T) []T {
	s = append(s, v)
	copy(s[idx+1:], s[idx:len(s)-1])
	s[idx] = v
	return s
}

func (t *Tree[K, V]) insertNonFull(off uint64, n *node[K, V], key K, val V) error {
	if n.leaf {
		i := len(n.keys)
		n.keys = append(n.keys, key)
		n.vals = append(n.vals, val)
		for i > 0 && key < n.keys[i-1] {
			n.keys[i], n.vals[i] = n.keys[i-1], n.vals[i-1]
			i--
		}
		n.keys[i], n.vals[i] = key, val
		return t.writeNode(off, n)
	}
	i := 0
	for i < len(n.keys) && !(key < n.keys[i]) {
		i++
	}
	childOff := n.children[i]
	child, err := t.readNode(childOff)
	if err != nil {
		return err
	}
	if len(child.keys) == t.order {
		if err := t.splitChild(off, n, i, childOff, child); err != nil {
			return err
		}
		if n, err = t.readNode(off); err != nil {
			return err
		}
		if key >= n.keys[i] {
			i++
		}
		childOff = n.children[i]
		if child, err = t.readNode(childOff); err != nil {
			return err
		}
	}
	return t.insertNonFull(childOff, child, key, val)
}

// Ceiling returns the smallest stored key >= key, if any. It descends
// the subtree that could hold a tighter answer before settling for the
// current node's own separator key.
func (t *Tree[K, V]) Ceiling(key K) (K, V, bool, error) {
	var zk K
	var zv V
	if t.root == 0 {
		return zk, zv, false, nil
	}
	return t.ceilingAt(t.root, key)
}

func (t *Tree[K, V]) ceilingAt(off uint64, key K) (K, V, bool, error) {
	var zk K
	var zv V
	n, err := t.readNode(off)
	if err != nil {
		return zk, zv, false, err
	}
	i := 0
	for i < len(n.keys) && n.keys[i] < key {
		i++
	}
	if !n.leaf {
		if k, v, ok, err := t.ceilingAt(n.children[i], key); err != nil {
			return zk, zv, false, err
		} else if ok {
			return k, v, true, nil
		}
	}
	if i < len(n.keys) {
		return n.keys[i], n.vals[i], true, nil
	}
	return zk, zv, false, nil
}

// Delete removes key if present. A deletion from an internal node
// splices in its in-order predecessor rather than rebalancing
// underfull nodes — simpler, and sufficient for a free-space index
// that is rebuilt incrementally, never bulk-loaded; see DESIGN.md.
func (t *Tree[K, V]) Delete(key K) error {
	if t.root == 0 {
		return nil
	}
	return t.deleteAt(t.root, key)
}

func (t *Tree[K, V]) deleteAt(off uint64, key K) error {
	n, err := t.readNode(off)
	if err != nil {
		return err
	}
	i := 0
	for i < len(n.keys) && n.keys[i] < key {
		i++
	}
	found := i < len(n.keys) && !(key < n.keys[i])
	if found {
		if n.leaf {
			n.keys = append(n.keys[:i], n.keys[i+1:]...)
			n.vals = append(n.vals[:i], n.vals[i+1:]...)
			return t.writeNode(off, n)
		}
		predOff := n.children[i]
		predKey, predVal, err := t.maxOf(predOff)
		if err != nil {
			return err
		}
		n.keys[i], n.vals[i] = predKey, predVal
		if err := t.writeNode(off, n); err != nil {
			return err
		}
		return t.deleteAt(predOff, predKey)
	}
	if n.leaf {
		return nil
	}
	return t.deleteAt(n.children[i], key)
}

func (t *Tree[K, V]) maxOf(off uint64) (K, V, error) {
	n, err := t.readNode(off)
	if err != nil {
		var zk K
		var zv V
		return zk, zv, err
	}
	if n.leaf {
		last := len(n.keys) - 1
		return n.keys[last], n.vals[last], nil
	}
	return t.maxOf(n.children[len(n.children)-1])
}
