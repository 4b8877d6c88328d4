package ringbuffer

// Buffer is a fixed-capacity FIFO that evicts the oldest item when full.
// It is not safe for concurrent use; owners guard it with their own lock.
type Buffer[T any] struct {
	items []T
	head  int
	size  int
}

// New creates a buffer holding at most capacity items
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Push appends an item and reports whether an older item was evicted
func (b *Buffer[T]) Push(item T) (evicted bool) {
	idx := (b.head + b.size) % len(b.items)
	if b.size == len(b.items) {
		b.items[b.head] = item
		b.head = (b.head + 1) % len(b.items)
		return true
	}
	b.items[idx] = item
	b.size++
	return false
}

// Len returns the number of stored items
func (b *Buffer[T]) Len() int {
	return b.size
}

// Cap returns the buffer capacity
func (b *Buffer[T]) Cap() int {
	return len(b.items)
}

// At returns the i-th oldest item
func (b *Buffer[T]) At(i int) T {
	if i < 0 || i >= b.size {
		panic("ringbuffer: index out of range")
	}
	return b.items[(b.head+i)%len(b.items)]
}

// Items returns a copy of the contents, oldest first
func (b *Buffer[T]) Items() []T {
	out := make([]T, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.items[(b.head+i)%len(b.items)]
	}
	return out
}

// Last returns up to n of the most recent items, oldest first
func (b *Buffer[T]) Last(n int) []T {
	if n <= 0 || b.size == 0 {
		return []T{}
	}
	if n > b.size {
		n = b.size
	}
	out := make([]T, n)
	start := b.size - n
	for i := 0; i < n; i++ {
		out[i] = b.At(start + i)
	}
	return out
}

// DropWhile removes items from the oldest end while drop returns true
func (b *Buffer[T]) DropWhile(drop func(T) bool) int {
	var zero T
	dropped := 0
	for b.size > 0 && drop(b.items[b.head]) {
		b.items[b.head] = zero
		b.head = (b.head + 1) % len(b.items)
		b.size--
		dropped++
	}
	return dropped
}

// Clear empties the buffer
func (b *Buffer[T]) Clear() {
	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	b.head = 0
	b.size = 0
}
