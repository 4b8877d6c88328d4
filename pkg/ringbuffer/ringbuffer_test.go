package ringbuffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuffer_EvictsOldestFirst(t *testing.T) {
	b := New[int](3)

	assert.False(t, b.Push(1))
	assert.False(t, b.Push(2))
	assert.False(t, b.Push(3))
	assert.True(t, b.Push(4))
	assert.True(t, b.Push(5))

	assert.Equal(t, 3, b.Len())
	assert.Equal(t, []int{3, 4, 5}, b.Items())
	assert.Equal(t, 3, b.At(0))
	assert.Equal(t, 5, b.At(2))
}

func TestBuffer_Last(t *testing.T) {
	b := New[string](4)
	for _, s := range []string{"a", "b", "c"} {
		b.Push(s)
	}

	assert.Equal(t, []string{"b", "c"}, b.Last(2))
	assert.Equal(t, []string{"a", "b", "c"}, b.Last(10))
	assert.Empty(t, b.Last(0))
}

func TestBuffer_DropWhile(t *testing.T) {
	b := New[int](5)
	for i := 1; i <= 5; i++ {
		b.Push(i)
	}
	b.Push(6)

	dropped := b.DropWhile(func(v int) bool { return v < 4 })

	assert.Equal(t, 2, dropped)
	assert.Equal(t, []int{4, 5, 6}, b.Items())

	b.Push(7)
	b.Push(8)
	assert.Equal(t, []int{4, 5, 6, 7, 8}, b.Items())
}

func TestBuffer_Clear(t *testing.T) {
	b := New[int](2)
	b.Push(1)
	b.Clear()

	assert.Equal(t, 0, b.Len())
	assert.Empty(t, b.Items())
}
