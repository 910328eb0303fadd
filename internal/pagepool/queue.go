package pagepool

import "time"

// request is one caller waiting for a page.
type request struct {
	priority   int
	seq        uint64
	enqueuedAt time.Time
	tag        string
	ch         chan result
	// index is the heap position, -1 once the request left the queue.
	index int
	// abandoned is set when the caller stopped waiting after the request
	// was already popped for a page that is still being created.
	abandoned bool
}

type result struct {
	page    *Page
	err     error
	created bool
}

// requestHeap orders requests by priority (higher first), then by arrival.
type requestHeap []*request

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *requestHeap) Push(x any) {
	r := x.(*request)
	r.index = len(*h)
	*h = append(*h, r)
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	*h = old[:n-1]
	return r
}
