package sequence

// Queue is a FIFO backed by a growable ring buffer. It is not safe for
// concurrent use; callers guard it.
type Queue[T any] struct {
	items []T
	head  int
	size  int
}

func NewQueue[T any](capacityHint int) *Queue[T] {
	if capacityHint < 1 {
		capacityHint = 16
	}
	return &Queue[T]{items: make([]T, capacityHint)}
}

func (q *Queue[T]) Push(value T) {
	if q.size == len(q.items) {
		q.grow()
	}
	q.items[(q.head+q.size)%len(q.items)] = value
	q.size++
}

// Peek returns the head without removing it.
func (q *Queue[T]) Peek() (T, bool) {
	if q.size == 0 {
		var zero T
		return zero, false
	}
	return q.items[q.head], true
}

func (q *Queue[T]) Pop() (T, bool) {
	var zero T
	if q.size == 0 {
		return zero, false
	}
	value := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.size--
	return value, true
}

func (q *Queue[T]) Len() int {
	return q.size
}

func (q *Queue[T]) IsEmpty() bool {
	return q.size == 0
}

// Each visits items from head to tail until fn returns false.
func (q *Queue[T]) Each(fn func(T) bool) {
	for i := 0; i < q.size; i++ {
		if !fn(q.items[(q.head+i)%len(q.items)]) {
			return
		}
	}
}

func (q *Queue[T]) grow() {
	next := make([]T, len(q.items)*2)
	for i := 0; i < q.size; i++ {
		next[i] = q.items[(q.head+i)%len(q.items)]
	}
	q.items = next
	q.head = 0
}
