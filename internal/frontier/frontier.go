package frontier

import (
	"container/heap"
	"hash/fnv"
	"sync"
	"sync/atomic"
)

// Stats reports the running counters a monitor or final summary prints,
// per spec.md section 7's "user-visible behavior" requirement.
type Stats struct {
	Enqueued    int64
	Dequeued    int64
	Duplicates  int64
	DepthCapped int64
	Rejected    int64
}

type partition struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	queue priorityQueue
}

// Frontier is the bounded, partitioned priority collection described in
// spec.md section 4.1. The seen-set and priority heap are split into P
// partitions keyed by hash(url); enqueue hits exactly one partition,
// dequeue scans partitions from a rotating anchor, reducing lock
// contention proportional to P.
type Frontier struct {
	partitions []*partition
	numParts   int

	maxDepth     atomic.Int64
	maxQueueSize atomic.Int64
	totalSize    atomic.Int64
	anchor       atomic.Uint64
	seq          atomic.Int64

	boost *DomainBoost

	enqueued    atomic.Int64
	dequeued    atomic.Int64
	duplicates  atomic.Int64
	depthCapped atomic.Int64
	rejected    atomic.Int64
}

// New creates a Frontier with numParts partitions, a maximum tracked
// depth and a maximum total in-memory record count.
func New(numParts, maxDepth, maxQueueSize int, boost *DomainBoost) *Frontier {
	if numParts < 1 {
		numParts = 1
	}
	f := &Frontier{
		partitions: make([]*partition, numParts),
		numParts:   numParts,
		boost:      boost,
	}
	for i := range f.partitions {
		f.partitions[i] = &partition{seen: make(map[string]struct{})}
		heap.Init(&f.partitions[i].queue)
	}
	f.maxDepth.Store(int64(maxDepth))
	f.maxQueueSize.Store(int64(maxQueueSize))
	return f
}

func (f *Frontier) partitionFor(url string) *partition {
	h := fnv.New32a()
	_, _ = h.Write([]byte(url))
	return f.partitions[h.Sum32()%uint32(f.numParts)]
}

// SetMaxDepth updates the maximum depth accepted at enqueue time.
func (f *Frontier) SetMaxDepth(d int) { f.maxDepth.Store(int64(d)) }

// SetMaxQueueSize updates the total in-memory capacity.
func (f *Frontier) SetMaxQueueSize(n int) { f.maxQueueSize.Store(int64(n)) }

// enqueueOutcome distinguishes why Enqueue rejected a record, so callers
// that spill overflow elsewhere (EnqueueBatch) can tell a genuine
// capacity overflow apart from a terminal drop (depth cap, duplicate).
type enqueueOutcome int

const (
	enqueueAccepted enqueueOutcome = iota
	enqueueDepthCapped
	enqueueDuplicate
	enqueueAtCapacity
)

func (f *Frontier) tryEnqueue(rec Record) enqueueOutcome {
	if int64(rec.Depth) > f.maxDepth.Load() {
		f.depthCapped.Add(1)
		return enqueueDepthCapped
	}
	if f.maxQueueSize.Load() > 0 && f.totalSize.Load() >= f.maxQueueSize.Load() {
		f.rejected.Add(1)
		return enqueueAtCapacity
	}

	p := f.partitionFor(rec.URL)
	p.mu.Lock()
	if _, dup := p.seen[rec.URL]; dup {
		p.mu.Unlock()
		f.duplicates.Add(1)
		return enqueueDuplicate
	}
	p.seen[rec.URL] = struct{}{}
	heap.Push(&p.queue, &pqItem{rec: rec, seq: f.seq.Add(1)})
	p.mu.Unlock()

	f.totalSize.Add(1)
	f.enqueued.Add(1)
	return enqueueAccepted
}

// Enqueue attempts to add a single record. It fails (returns false) if
// depth exceeds the configured maximum, if the canonical URL is already
// in the partition's seen-set, or if the frontier is at capacity.
func (f *Frontier) Enqueue(rec Record) bool {
	return f.tryEnqueue(rec) == enqueueAccepted
}

// EnqueueBatch enqueues as many records as fit, one record at a time;
// the batch as a whole is not atomic with respect to concurrent
// callers. It returns
// only the records rejected for being at capacity — the ones a caller
// should spill to work-stealing deques or disk and retry later. Records
// rejected as depth-capped or duplicate are terminal drops: relocating
// them would let a depth-capped URL back in once disk reload forgets its
// depth (diskspill only persists bare URL strings), or double-fetch a
// URL already queued elsewhere under a different partition's record.
func (f *Frontier) EnqueueBatch(recs []Record) (residual []Record) {
	for _, r := range recs {
		if f.tryEnqueue(r) == enqueueAtCapacity {
			residual = append(residual, r)
		}
	}
	return residual
}

// Readmit re-admits a record that was only ever relocated out of the
// in-memory heap (disk spill, deque overflow), never fetched. Unlike
// Enqueue it does not consult the seen-set; it only marks the URL seen,
// which is a no-op for a URL already marked. The URL was marked
// seen the first time it entered the frontier and, per record.go's
// "consumed exactly once by a fetcher" invariant, must stay marked for
// the frontier's lifetime regardless of how many times it is relocated
// between the heap, the deques and disk. It still honors depth and
// capacity limits.
func (f *Frontier) Readmit(rec Record) bool {
	if int64(rec.Depth) > f.maxDepth.Load() {
		f.depthCapped.Add(1)
		return false
	}
	if f.maxQueueSize.Load() > 0 && f.totalSize.Load() >= f.maxQueueSize.Load() {
		f.rejected.Add(1)
		return false
	}

	p := f.partitionFor(rec.URL)
	p.mu.Lock()
	p.seen[rec.URL] = struct{}{}
	heap.Push(&p.queue, &pqItem{rec: rec, seq: f.seq.Add(1)})
	p.mu.Unlock()

	f.totalSize.Add(1)
	f.enqueued.Add(1)
	return true
}

// Dequeue removes and returns the highest-priority record of the first
// non-empty partition it reaches, scanning from a rotating anchor so no
// single partition is starved; priority order holds only within a
// partition, not across them. It returns (Record{}, false) if every
// partition is empty.
//
// The popped URL stays in the partition's seen-set: a fetcher consumes a
// record exactly once for the frontier's lifetime (record.go), and a
// caller that is only relocating the record rather than fetching it
// (monitor overflow drain, disk-spill/deque replay) must re-admit it via
// Readmit, not Enqueue, or it would be silently rejected as a duplicate.
func (f *Frontier) Dequeue() (Record, bool) {
	start := int(f.anchor.Add(1)) % f.numParts
	for i := 0; i < f.numParts; i++ {
		idx := (start + i) % f.numParts
		p := f.partitions[idx]
		if !p.mu.TryLock() {
			continue
		}
		if p.queue.Len() == 0 {
			p.mu.Unlock()
			continue
		}
		item := heap.Pop(&p.queue).(*pqItem)
		p.mu.Unlock()

		f.totalSize.Add(-1)
		f.dequeued.Add(1)
		return item.rec, true
	}
	// Second pass without try-lock in case every partition was
	// momentarily contended rather than genuinely empty.
	for i := 0; i < f.numParts; i++ {
		idx := (start + i) % f.numParts
		p := f.partitions[idx]
		p.mu.Lock()
		if p.queue.Len() == 0 {
			p.mu.Unlock()
			continue
		}
		item := heap.Pop(&p.queue).(*pqItem)
		p.mu.Unlock()

		f.totalSize.Add(-1)
		f.dequeued.Add(1)
		return item.rec, true
	}
	return Record{}, false
}

// Size returns the total number of records currently held in memory.
func (f *Frontier) Size() int { return int(f.totalSize.Load()) }

// Stats returns a snapshot of running counters.
func (f *Frontier) Stats() Stats {
	return Stats{
		Enqueued:    f.enqueued.Load(),
		Dequeued:    f.dequeued.Load(),
		Duplicates:  f.duplicates.Load(),
		DepthCapped: f.depthCapped.Load(),
		Rejected:    f.rejected.Load(),
	}
}
