// Package queue provides the binary min-heap primitives used by the
// dispatch scheduler.
//
// Two flavors exist. A plain Heap orders elements and supports only
// Push/Peek/Pop. A Direct heap additionally tracks each element's position
// under a caller-supplied stable key, so a parent heap can re-sift an entry
// in place after the ordering of one of its children changed.
package queue

// Heap is a binary min-heap ordered by a less function supplied at
// construction time.
type Heap[T any] struct {
	elems []T
	less  func(a, b T) bool
}

// New returns an empty heap ordered by less.
func New[T any](less func(a, b T) bool) *Heap[T] {
	return &Heap[T]{less: less}
}

// Len returns the number of elements in the heap.
func (h *Heap[T]) Len() int {
	return len(h.elems)
}

// Empty reports whether the heap has no elements.
func (h *Heap[T]) Empty() bool {
	return len(h.elems) == 0
}

// Push inserts v into the heap.
func (h *Heap[T]) Push(v T) {
	h.elems = append(h.elems, v)
	h.siftUp(len(h.elems) - 1)
}

// Peek returns the minimum element without removing it. The second return
// value is false when the heap is empty.
func (h *Heap[T]) Peek() (T, bool) {
	if len(h.elems) == 0 {
		var zero T
		return zero, false
	}
	return h.elems[0], true
}

// Pop removes and returns the minimum element. The second return value is
// false when the heap is empty.
func (h *Heap[T]) Pop() (T, bool) {
	if len(h.elems) == 0 {
		var zero T
		return zero, false
	}
	min := h.elems[0]
	last := len(h.elems) - 1
	h.elems[0] = h.elems[last]
	var zero T
	h.elems[last] = zero
	h.elems = h.elems[:last]
	if last > 0 {
		h.siftDown(0)
	}
	return min, true
}

func (h *Heap[T]) siftUp(i int) int {
	for i > 0 {
		parent := (i - 1) / 2
		if !h.less(h.elems[i], h.elems[parent]) {
			break
		}
		h.swap(i, parent)
		i = parent
	}
	return i
}

func (h *Heap[T]) siftDown(i int) int {
	n := len(h.elems)
	for {
		smallest := i
		if l := 2*i + 1; l < n && h.less(h.elems[l], h.elems[smallest]) {
			smallest = l
		}
		if r := 2*i + 2; r < n && h.less(h.elems[r], h.elems[smallest]) {
			smallest = r
		}
		if smallest == i {
			return i
		}
		h.swap(i, smallest)
		i = smallest
	}
}

func (h *Heap[T]) swap(i, j int) {
	h.elems[i], h.elems[j] = h.elems[j], h.elems[i]
}

// Direct is a min-heap whose elements are addressable by a stable uint64
// key, allowing an element to be re-sifted after its ordering changed.
type Direct[T any] struct {
	heap  Heap[T]
	key   func(T) uint64
	index map[uint64]int
}

// NewDirect returns an empty direct-addressable heap. key must return a
// stable identifier unique among the elements present in the heap.
func NewDirect[T any](key func(T) uint64, less func(a, b T) bool) *Direct[T] {
	d := &Direct[T]{
		key:   key,
		index: make(map[uint64]int),
	}
	d.heap.less = less
	return d
}

// Len returns the number of elements in the heap.
func (d *Direct[T]) Len() int {
	return d.heap.Len()
}

// Empty reports whether the heap has no elements.
func (d *Direct[T]) Empty() bool {
	return d.heap.Empty()
}

// Push inserts v into the heap and records its position.
func (d *Direct[T]) Push(v T) {
	d.heap.elems = append(d.heap.elems, v)
	i := len(d.heap.elems) - 1
	d.index[d.key(v)] = i
	d.fix(d.siftUp(i))
}

// Peek returns the minimum element without removing it.
func (d *Direct[T]) Peek() (T, bool) {
	return d.heap.Peek()
}

// Pop removes and returns the minimum element.
func (d *Direct[T]) Pop() (T, bool) {
	if d.heap.Empty() {
		var zero T
		return zero, false
	}
	min := d.heap.elems[0]
	delete(d.index, d.key(min))
	last := len(d.heap.elems) - 1
	d.heap.elems[0] = d.heap.elems[last]
	var zero T
	d.heap.elems[last] = zero
	d.heap.elems = d.heap.elems[:last]
	if last > 0 {
		d.fix(d.siftDown(0))
	}
	return min, true
}

// Update re-sifts the element identified by key after its ordering changed.
// It is a no-op if the key is not present.
func (d *Direct[T]) Update(key uint64) {
	i, ok := d.index[key]
	if !ok {
		return
	}
	if j := d.siftUp(i); j != i {
		d.fix(j)
		return
	}
	d.fix(d.siftDown(i))
}

// Contains reports whether an element with the given key is in the heap.
func (d *Direct[T]) Contains(key uint64) bool {
	_, ok := d.index[key]
	return ok
}

// siftUp and siftDown mirror the plain heap but keep the index map in sync
// for every swap along the way.

func (d *Direct[T]) siftUp(i int) int {
	for i > 0 {
		parent := (i - 1) / 2
		if !d.heap.less(d.heap.elems[i], d.heap.elems[parent]) {
			break
		}
		d.swap(i, parent)
		i = parent
	}
	return i
}

func (d *Direct[T]) siftDown(i int) int {
	n := len(d.heap.elems)
	for {
		smallest := i
		if l := 2*i + 1; l < n && d.heap.less(d.heap.elems[l], d.heap.elems[smallest]) {
			smallest = l
		}
		if r := 2*i + 2; r < n && d.heap.less(d.heap.elems[r], d.heap.elems[smallest]) {
			smallest = r
		}
		if smallest == i {
			return i
		}
		d.swap(i, smallest)
		i = smallest
	}
}

func (d *Direct[T]) swap(i, j int) {
	d.heap.elems[i], d.heap.elems[j] = d.heap.elems[j], d.heap.elems[i]
	d.index[d.key(d.heap.elems[i])] = i
	d.index[d.key(d.heap.elems[j])] = j
}

func (d *Direct[T]) fix(i int) {
	if i >= 0 && i < len(d.heap.elems) {
		d.index[d.key(d.heap.elems[i])] = i
	}
}
