package list

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushPopOrder(t *testing.T) {
	var l List[int]
	a, b, c := NewNode(1), NewNode(2), NewNode(3)
	l.PushBack(a)
	l.PushBack(b)
	l.PushBack(c)
	require.Equal(t, 3, l.Len())
	assert.Equal(t, []int{1, 2, 3}, l.ToSlice())

	front := l.PopFront()
	assert.Equal(t, 1, front.Value)
	assert.Equal(t, 2, l.Len())
	assert.False(t, front.InList())
}

func TestPushFrontIsLIFO(t *testing.T) {
	var l List[string]
	a, b := NewNode("a"), NewNode("b")
	l.PushFront(a)
	l.PushFront(b)
	assert.Equal(t, []string{"b", "a"}, l.ToSlice())
}

func TestPushBackNoOpIfAlreadyLinked(t *testing.T) {
	var l1, l2 List[int]
	n := NewNode(7)
	l1.PushBack(n)
	l2.PushBack(n) // n already in l1; this must be a no-op for l2
	assert.Equal(t, 1, l1.Len())
	assert.Equal(t, 0, l2.Len())
}

func TestRemoveMiddle(t *testing.T) {
	var l List[int]
	a, b, c := NewNode(1), NewNode(2), NewNode(3)
	l.PushBack(a)
	l.PushBack(b)
	l.PushBack(c)
	l.Remove(b)
	assert.Equal(t, []int{1, 3}, l.ToSlice())
	// removing again is a no-op
	l.Remove(b)
	assert.Equal(t, 2, l.Len())
}

func TestRemoveThenRelinkToOtherList(t *testing.T) {
	var pending, running List[int]
	n := NewNode(42)
	pending.PushBack(n)
	pending.Remove(n)
	running.PushBack(n)
	assert.Equal(t, 0, pending.Len())
	assert.Equal(t, 1, running.Len())
}
