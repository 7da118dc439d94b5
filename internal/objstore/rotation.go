package objstore

import (
	"container/list"
	"sync"
)

// rotation tracks object folders in least-recently-used order. The store
// evicts from the cold end when more than max folders are present.
type rotation struct {
	mu    sync.Mutex
	max   int
	order *list.List
	nodes map[string]*list.Element
}

func newRotation(max int) *rotation {
	return &rotation{
		max:   max,
		order: list.New(),
		nodes: make(map[string]*list.Element),
	}
}

// touch marks folder as most recently used.
func (r *rotation) touch(folder string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if el, ok := r.nodes[folder]; ok {
		r.order.MoveToFront(el)
		return
	}
	r.nodes[folder] = r.order.PushFront(folder)
}

// seed adds a folder at the cold end, for folders found on disk at start.
func (r *rotation) seed(folder string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[folder]; ok {
		return
	}
	r.nodes[folder] = r.order.PushBack(folder)
}

func (r *rotation) remove(folder string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if el, ok := r.nodes[folder]; ok {
		r.order.Remove(el)
		delete(r.nodes, folder)
	}
}

func (r *rotation) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.order.Len()
}

// candidates lists folders from coldest to warmest, up to the number above
// the bound. It returns nothing when the store is unbounded.
func (r *rotation) candidates() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.max <= 0 || r.order.Len() <= r.max {
		return nil
	}

	out := make([]string, 0, r.order.Len())
	for el := r.order.Back(); el != nil; el = el.Prev() {
		out = append(out, el.Value.(string))
	}
	return out
}

func (r *rotation) over() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.max <= 0 {
		return 0
	}
	return r.order.Len() - r.max
}
