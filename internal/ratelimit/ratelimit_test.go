package ratelimit

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitGap(t *testing.T) {
	mock := clock.NewMock()
	l := New(50*time.Millisecond, mock)

	require.True(t, l.CanRequestNow("a.test"))
	l.RecordRequest("a.test")
	assert.False(t, l.CanRequestNow("a.test"))

	mock.Add(49 * time.Millisecond)
	assert.False(t, l.CanRequestNow("a.test"))

	mock.Add(2 * time.Millisecond)
	assert.True(t, l.CanRequestNow("a.test"))
}

func TestIndependentDomainsDontContend(t *testing.T) {
	mock := clock.NewMock()
	l := New(50*time.Millisecond, mock)
	l.RecordRequest("a.test")
	assert.True(t, l.CanRequestNow("b.test"))
}

func TestThrottleDomainOverridesGap(t *testing.T) {
	mock := clock.NewMock()
	l := New(10*time.Millisecond, mock)
	l.ThrottleDomain("c.test", 5*time.Second)
	assert.False(t, l.CanRequestNow("c.test"))

	mock.Add(5 * time.Second)
	assert.True(t, l.CanRequestNow("c.test"))
}

func TestFailureBackoffWidensGap(t *testing.T) {
	mock := clock.NewMock()
	l := New(1*time.Millisecond, mock)
	l.RecordRequest("d.test")
	for i := 0; i < 20; i++ {
		l.RecordFailure("d.test")
	}
	mock.Add(5 * time.Millisecond)
	assert.False(t, l.CanRequestNow("d.test"))

	mock.Add(20 * time.Millisecond)
	assert.True(t, l.CanRequestNow("d.test"))
}

func TestMinGapOverrideAppliesPerDomainOnly(t *testing.T) {
	mock := clock.NewMock()
	l := New(10*time.Millisecond, mock)
	l.SetMinGapOverride("slow.test", 200*time.Millisecond)

	l.RecordRequest("slow.test")
	l.RecordRequest("fast.test")

	mock.Add(50 * time.Millisecond)
	assert.False(t, l.CanRequestNow("slow.test"), "overridden domain should still be within its own, wider gap")
	assert.True(t, l.CanRequestNow("fast.test"), "domains without an override keep using the global MinGap")

	mock.Add(200 * time.Millisecond)
	assert.True(t, l.CanRequestNow("slow.test"))
}

func TestMinGapOverrideStillWidensUnderFailureBackoff(t *testing.T) {
	mock := clock.NewMock()
	l := New(1*time.Millisecond, mock)
	l.SetMinGapOverride("d.test", 2*time.Millisecond)
	l.RecordRequest("d.test")
	for i := 0; i < 20; i++ {
		l.RecordFailure("d.test")
	}
	mock.Add(5 * time.Millisecond)
	assert.False(t, l.CanRequestNow("d.test"))

	mock.Add(20 * time.Millisecond)
	assert.True(t, l.CanRequestNow("d.test"))
}

func TestRecordSuccessResetsFailures(t *testing.T) {
	l := New(time.Millisecond, clock.NewMock())
	l.RecordFailure("e.test")
	l.RecordFailure("e.test")
	assert.Equal(t, int64(2), l.ConsecutiveFailures("e.test"))
	l.RecordSuccess("e.test")
	assert.Equal(t, int64(0), l.ConsecutiveFailures("e.test"))
}
