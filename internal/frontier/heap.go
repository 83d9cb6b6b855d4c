package frontier

import "container/heap"

// pqItem wraps a Record with the insertion sequence needed to break
// priority/depth ties deterministically (lowest insertion order first).
type pqItem struct {
	rec   Record
	seq   int64
	index int
}

// priorityQueue implements container/heap.Interface ordering by
// (priority desc, depth asc, insertion order asc), matching spec.md
// section 4.1's tie-break rule.
type priorityQueue []*pqItem

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	a, b := pq[i], pq[j]
	if a.rec.Priority != b.rec.Priority {
		return a.rec.Priority > b.rec.Priority
	}
	if a.rec.Depth != b.rec.Depth {
		return a.rec.Depth < b.rec.Depth
	}
	return a.seq < b.seq
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue) Push(x interface{}) {
	item := x.(*pqItem)
	item.index = len(*pq)
	*pq = append(*pq, item)
}

func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[:n-1]
	return item
}

var _ = heap.Interface(&priorityQueue{})
