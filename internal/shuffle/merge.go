package shuffle

import (
	"cmp"
	"container/heap"

	"DistMR/internal/types"
)

// cursor walks one sorted run of entries.
type cursor[K cmp.Ordered, V any] interface {
	next() (entry[K, V], bool, error)
	close() error
}

type sliceCursor[K cmp.Ordered, V any] struct {
	entries []entry[K, V]
	i       int
}

func (c *sliceCursor[K, V]) next() (entry[K, V], bool, error) {
	if c.i >= len(c.entries) {
		return entry[K, V]{}, false, nil
	}
	e := c.entries[c.i]
	c.i++
	return e, true, nil
}

func (c *sliceCursor[K, V]) close() error { return nil }

type segmentCursor[K cmp.Ordered, V any] struct {
	r   SegmentReader
	dec *segmentDecoder[K, V]
}

func (c *segmentCursor[K, V]) next() (entry[K, V], bool, error) {
	return c.dec.decode()
}

func (c *segmentCursor[K, V]) close() error { return c.r.Close() }

func closeCursors[K cmp.Ordered, V any](cs []cursor[K, V]) {
	for _, c := range cs {
		c.close()
	}
}

type head[K cmp.Ordered, V any] struct {
	e   entry[K, V]
	src int
}

type entryHeap[K cmp.Ordered, V any] []head[K, V]

func (h entryHeap[K, V]) Len() int           { return len(h) }
func (h entryHeap[K, V]) Less(i, j int) bool { return compareEntries(h[i].e, h[j].e) < 0 }
func (h entryHeap[K, V]) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap[K, V]) Push(x any)        { *h = append(*h, x.(head[K, V])) }
func (h *entryHeap[K, V]) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// merger performs a k-way merge of sorted cursors.
type merger[K cmp.Ordered, V any] struct {
	cursors []cursor[K, V]
	h       entryHeap[K, V]
}

func newMerger[K cmp.Ordered, V any](cs []cursor[K, V]) (*merger[K, V], error) {
	m := &merger[K, V]{cursors: cs}
	for i, c := range cs {
		e, ok, err := c.next()
		if err != nil {
			return nil, err
		}
		if ok {
			m.h = append(m.h, head[K, V]{e: e, src: i})
		}
	}
	heap.Init(&m.h)
	return m, nil
}

func (m *merger[K, V]) peek() (entry[K, V], bool) {
	if len(m.h) == 0 {
		return entry[K, V]{}, false
	}
	return m.h[0].e, true
}

func (m *merger[K, V]) pop() (entry[K, V], error) {
	top := m.h[0]
	e, ok, err := m.cursors[top.src].next()
	if err != nil {
		return entry[K, V]{}, err
	}
	if ok {
		m.h[0] = head[K, V]{e: e, src: top.src}
		heap.Fix(&m.h, 0)
	} else {
		heap.Pop(&m.h)
	}
	return top.e, nil
}

func (m *merger[K, V]) close() error {
	var first error
	for _, c := range m.cursors {
		if err := c.close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Groups iterates a drained bucket one key at a time.
type Groups[K cmp.Ordered, V any] struct {
	m      *merger[K, V]
	cur    types.Group[K, V]
	err    error
	closed bool
}

// Next advances to the next key. It returns false when the bucket is
// exhausted or an error occurred.
func (g *Groups[K, V]) Next() bool {
	if g.err != nil || g.closed {
		return false
	}
	first, ok := g.m.peek()
	if !ok {
		return false
	}

	grp := types.Group[K, V]{Key: first.Key}
	for {
		e, ok := g.m.peek()
		if !ok || cmp.Compare(e.Key, first.Key) != 0 {
			break
		}
		if _, err := g.m.pop(); err != nil {
			g.err = err
			return false
		}
		grp.Values = append(grp.Values, e.Value)
	}
	g.cur = grp
	return true
}

// Group returns the current key group.
func (g *Groups[K, V]) Group() types.Group[K, V] {
	return g.cur
}

func (g *Groups[K, V]) Err() error {
	return g.err
}

// Close releases the underlying segment readers.
func (g *Groups[K, V]) Close() error {
	if g.closed {
		return nil
	}
	g.closed = true
	return g.m.close()
}
