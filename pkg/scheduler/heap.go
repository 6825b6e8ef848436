package scheduler

// readyItem is one heap entry for a Ready task. Entries can go stale
// when a task leaves Ready through cancellation; the dispatch pass
// validates entries against the task table as it pops them.
type readyItem struct {
	priority int
	seq      uint64
	taskID   string
}

// readyHeap orders Ready tasks by descending priority, breaking ties by
// submission order. The ordering is a strict weak order, so dispatch is
// reproducible.
type readyHeap []readyItem

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) {
	*h = append(*h, x.(readyItem))
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
