package frontier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(url string, depth int, priority float64) Record {
	return Record{URL: url, Depth: depth, Priority: priority, DiscoveredAt: time.Now()}
}

func TestEnqueueDedup(t *testing.T) {
	f := New(4, 16, 0, nil)
	require.True(t, f.Enqueue(rec("https://a.test/", 0, 1.0)))
	require.False(t, f.Enqueue(rec("https://a.test/", 0, 1.0)))
	assert.Equal(t, int64(1), f.Stats().Duplicates)
}

func TestEnqueueDepthCap(t *testing.T) {
	f := New(4, 2, 0, nil)
	require.True(t, f.Enqueue(rec("https://a.test/", 2, 1.0)))
	require.False(t, f.Enqueue(rec("https://a.test/x", 3, 1.0)))
	assert.Equal(t, int64(1), f.Stats().DepthCapped)
}

func TestEnqueueCapacity(t *testing.T) {
	f := New(1, 16, 1, nil)
	require.True(t, f.Enqueue(rec("https://a.test/", 0, 1.0)))
	require.False(t, f.Enqueue(rec("https://b.test/", 0, 1.0)))
}

func TestDequeuePriorityOrder(t *testing.T) {
	f := New(1, 16, 0, nil)
	f.Enqueue(rec("https://a.test/low", 1, 0.2))
	f.Enqueue(rec("https://a.test/high", 1, 0.9))
	f.Enqueue(rec("https://a.test/mid", 1, 0.5))

	first, ok := f.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "https://a.test/high", first.URL)

	second, ok := f.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "https://a.test/mid", second.URL)

	third, ok := f.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "https://a.test/low", third.URL)
}

func TestDequeueTieBreakByDepthThenInsertion(t *testing.T) {
	f := New(1, 16, 0, nil)
	f.Enqueue(rec("https://a.test/deep", 3, 0.5))
	f.Enqueue(rec("https://a.test/shallow", 1, 0.5))

	first, ok := f.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "https://a.test/shallow", first.URL)
}

func TestEnqueueBatchResidual(t *testing.T) {
	f := New(1, 16, 2, nil)
	residual := f.EnqueueBatch([]Record{
		rec("https://a.test/1", 0, 1.0),
		rec("https://a.test/2", 0, 1.0),
		rec("https://a.test/3", 0, 1.0),
	})
	require.Len(t, residual, 1)
	assert.Equal(t, "https://a.test/3", residual[0].URL)
}

func TestEnqueueBatchDropsDepthCappedAndDuplicateTerminally(t *testing.T) {
	f := New(1, 1, 0, nil)
	require.True(t, f.Enqueue(rec("https://a.test/dup", 0, 1.0)))

	residual := f.EnqueueBatch([]Record{
		rec("https://a.test/dup", 0, 1.0),  // duplicate: terminal drop
		rec("https://a.test/deep", 5, 1.0), // depth-capped: terminal drop
		rec("https://a.test/new", 1, 1.0),  // accepted
	})
	assert.Empty(t, residual, "duplicates and depth-capped records must not be spilled for later retry")
}

func TestDequeueEmpty(t *testing.T) {
	f := New(4, 16, 0, nil)
	_, ok := f.Dequeue()
	assert.False(t, ok)
}

func TestDequeuedURLCannotReenterViaEnqueue(t *testing.T) {
	f := New(1, 16, 0, nil)
	require.True(t, f.Enqueue(rec("https://a.test/", 0, 1.0)))

	_, ok := f.Dequeue()
	require.True(t, ok)

	assert.False(t, f.Enqueue(rec("https://a.test/", 0, 1.0)),
		"a URL already consumed by a fetcher must never re-enter the frontier")
	assert.Equal(t, int64(1), f.Stats().Duplicates)
}

func TestReadmitBypassesSeenCheckForRelocatedRecords(t *testing.T) {
	f := New(1, 16, 0, nil)
	require.True(t, f.Enqueue(rec("https://a.test/", 0, 1.0)))

	relocated, ok := f.Dequeue()
	require.True(t, ok)

	require.True(t, f.Readmit(relocated), "relocating an already-seen URL back into the frontier must not be treated as a duplicate")
	assert.Equal(t, 1, f.Size())

	back, ok := f.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "https://a.test/", back.URL)
}

func TestReadmitStillHonorsDepthAndCapacity(t *testing.T) {
	f := New(1, 1, 0, nil)
	assert.False(t, f.Readmit(rec("https://a.test/", 5, 1.0)))
	assert.Equal(t, int64(1), f.Stats().DepthCapped)

	capped := New(1, 16, 1, nil)
	require.True(t, capped.Enqueue(rec("https://a.test/", 0, 1.0)))
	assert.False(t, capped.Readmit(rec("https://b.test/", 0, 1.0)))
	assert.Equal(t, int64(1), capped.Stats().Rejected)
}

func TestDomainBoostMultiplier(t *testing.T) {
	boost := NewDomainBoost(map[string]float64{"trusted.test": 1.5}, map[string]float64{".edu": 1.3})
	assert.Equal(t, 1.5, boost.Multiplier("trusted.test"))
	assert.Equal(t, 1.3, boost.Multiplier("school.edu"))
	assert.Equal(t, 1.0, boost.Multiplier("random.test"))
}

func TestPriorityFormula(t *testing.T) {
	boost := NewDomainBoost(nil, map[string]float64{".edu": 1.3})
	p0 := Priority(0, "plain.test", boost)
	p1 := Priority(1, "plain.test", boost)
	assert.Greater(t, p0, p1)

	pEdu := Priority(0, "school.edu", boost)
	assert.Greater(t, pEdu, p0)
}
