package bluelet

// sleepHeap orders fibers blocked on Sleep by deadline, the same
// container/heap bookkeeping pattern as any deadline-ordered timer queue,
// generalized from *aiocb to *Fiber.
type sleepHeap []*Fiber

func (h sleepHeap) Len() int { return len(h) }

func (h sleepHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }

func (h sleepHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *sleepHeap) Push(x interface{}) {
	f := x.(*Fiber)
	f.heapIndex = len(*h)
	*h = append(*h, f)
}

func (h *sleepHeap) Pop() interface{} {
	old := *h
	n := len(old)
	f := old[n-1]
	old[n-1] = nil
	f.heapIndex = -1
	*h = old[:n-1]
	return f
}
