package sequence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFOAcrossGrowth(t *testing.T) {
	q := NewQueue[int](2)
	for i := 0; i < 5; i++ {
		q.Push(i)
	}
	v, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, 0, v)

	for i := 5; i < 40; i++ {
		q.Push(i)
	}
	assert.Equal(t, 39, q.Len())

	for want := 1; want < 40; want++ {
		head, ok := q.Peek()
		require.True(t, ok)
		assert.Equal(t, want, head)
		got, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	assert.True(t, q.IsEmpty())

	_, ok = q.Pop()
	assert.False(t, ok)
	_, ok = q.Peek()
	assert.False(t, ok)
}

func TestQueueEachStopsEarly(t *testing.T) {
	q := NewQueue[string](0)
	q.Push("a")
	q.Push("b")
	q.Push("c")

	var seen []string
	q.Each(func(s string) bool {
		seen = append(seen, s)
		return s != "b"
	})
	assert.Equal(t, []string{"a", "b"}, seen)
}
