// Package monitor implements spec.md section 4.8: a fixed-interval tick
// loop that reports queue depths and crawl rate, refills the frontier
// from disk spill, drains overflow to disk, injects emergency seeds and
// triggers auto-shutdown.
package monitor

import (
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/codepr/polite-crawler/internal/dequepool"
	"github.com/codepr/polite-crawler/internal/diskspill"
	"github.com/codepr/polite-crawler/internal/frontier"
	"github.com/codepr/polite-crawler/internal/urlx"
)

// Thresholds bundles the tunables spec.md section 4.8 names.
type Thresholds struct {
	TickInterval            time.Duration
	RefillThreshold         int
	LowQueueThreshold       int
	CriticalQueueThreshold  int
	ShutdownRateThreshold   float64 // pages/sec
	VeryLowRateThreshold    float64
	MaxEmergencyInjections  int
	FreshGracePeriod        time.Duration
	OverflowDrainPercent    float64 // fraction full that triggers drain, e.g. 0.8
}

// DefaultThresholds matches the figures named in spec.md section 4.8.
func DefaultThresholds() Thresholds {
	return Thresholds{
		TickInterval:           5 * time.Second,
		RefillThreshold:        500,
		LowQueueThreshold:      100,
		CriticalQueueThreshold: 10,
		ShutdownRateThreshold:  1.0,
		VeryLowRateThreshold:   0.2,
		MaxEmergencyInjections: 3,
		FreshGracePeriod:       60 * time.Second,
		OverflowDrainPercent:   0.8,
	}
}

// Logger is the minimal logging surface the monitor needs.
type Logger interface {
	Printf(format string, v ...interface{})
}

// Monitor owns the tick loop and the running counters it reports.
type Monitor struct {
	Frontier   *frontier.Frontier
	Deques     *dequepool.Pool
	Disk       *diskspill.Store // nil in FRESH mode
	Thresholds Thresholds
	FreshMode  bool
	Logger     Logger
	Clock      clock.Clock

	EmergencySeeds []string

	stopFlag        atomic.Bool
	lowTickStreak   int
	criticalStreak  int
	emergencyCount  int
	lastDequeued    int64
	startedAt       time.Time
}

// New creates a Monitor with the given thresholds.
func New(f *frontier.Frontier, deques *dequepool.Pool, disk *diskspill.Store, th Thresholds, fresh bool, logger Logger, clk clock.Clock) *Monitor {
	if clk == nil {
		clk = clock.New()
	}
	return &Monitor{
		Frontier:   f,
		Deques:     deques,
		Disk:       disk,
		Thresholds: th,
		FreshMode:  fresh,
		Logger:     logger,
		Clock:      clk,
		startedAt:  clk.Now(),
	}
}

// StopFlag reports whether the monitor has decided the crawl should
// stop, per spec.md section 4.8's auto-shutdown rule.
func (m *Monitor) StopFlag() bool { return m.stopFlag.Load() }

// Run executes the tick loop until stopCh is closed.
func (m *Monitor) Run(stopCh <-chan struct{}) {
	ticker := m.Clock.Ticker(m.Thresholds.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Monitor) tick() {
	stats := m.Frontier.Stats()
	size := m.Frontier.Size()
	rate := float64(stats.Dequeued-m.lastDequeued) / m.Thresholds.TickInterval.Seconds()
	m.lastDequeued = stats.Dequeued

	m.Logger.Printf("frontier=%d dequeued=%d rate=%.2f/s duplicates=%d depth_capped=%d",
		size, stats.Dequeued, rate, stats.Duplicates, stats.DepthCapped)

	m.maybeRefillFromDisk(size)
	m.maybeDrainOverflow(size)

	if m.FreshMode && m.Clock.Now().Sub(m.startedAt) < m.Thresholds.FreshGracePeriod {
		return
	}

	m.maybeInjectEmergencySeeds(size, rate)
	m.maybeTriggerShutdown(size, rate)
}

func (m *Monitor) maybeRefillFromDisk(frontierSize int) {
	if m.Disk == nil {
		return
	}
	if frontierSize >= m.Thresholds.RefillThreshold || m.Disk.TotalLines() == 0 {
		return
	}
	urls, err := m.Disk.LoadURLsFromDisk(m.Thresholds.RefillThreshold)
	if err != nil {
		m.Logger.Printf("monitor: disk refill failed: %v", err)
		return
	}
	for _, u := range urls {
		// These URLs already passed the seen-set check the first time they
		// were enqueued; Readmit bypasses the dup check Enqueue would
		// otherwise (wrongly) fail them on.
		m.Frontier.Readmit(frontier.Record{URL: u, DiscoveredAt: m.Clock.Now()})
	}
}

func (m *Monitor) maybeDrainOverflow(frontierSize int) {
	maxSize := int(float64(m.Thresholds.RefillThreshold) / m.Thresholds.OverflowDrainPercent)
	frontierFull := maxSize > 0 && float64(frontierSize) > float64(maxSize)*m.Thresholds.OverflowDrainPercent

	dequeFull := false
	if m.Deques != nil && m.Deques.Capacity() > 0 {
		dequeFull = float64(m.Deques.TotalSize()) > float64(m.Deques.Capacity())*m.Thresholds.OverflowDrainPercent
	}

	if !frontierFull && !dequeFull {
		return
	}
	if m.Disk == nil {
		return
	}

	var overflow []string
	for i := 0; i < 50; i++ {
		rec, ok := m.Frontier.Dequeue()
		if !ok {
			break
		}
		overflow = append(overflow, rec.URL)
	}
	if len(overflow) > 0 {
		_ = m.Disk.SaveURLsToDisk(overflow)
	}
}

func (m *Monitor) maybeInjectEmergencySeeds(frontierSize int, rate float64) {
	if frontierSize < m.Thresholds.LowQueueThreshold && rate < m.Thresholds.ShutdownRateThreshold {
		m.lowTickStreak++
	} else {
		m.lowTickStreak = 0
	}

	if m.lowTickStreak >= 2 && m.emergencyCount < m.Thresholds.MaxEmergencyInjections {
		for _, seed := range m.EmergencySeeds {
			canon, err := urlx.Canonicalize(seed)
			if err != nil {
				m.Logger.Printf("monitor: skipping unparseable emergency seed %q: %v", seed, err)
				continue
			}
			m.Frontier.Enqueue(frontier.Record{URL: canon, DiscoveredAt: m.Clock.Now(), Priority: 1.0})
		}
		m.emergencyCount++
		m.lowTickStreak = 0
		m.Logger.Printf("monitor: injected %d emergency seeds (%d/%d)", len(m.EmergencySeeds), m.emergencyCount, m.Thresholds.MaxEmergencyInjections)
	}
}

func (m *Monitor) maybeTriggerShutdown(frontierSize int, rate float64) {
	total := frontierSize
	if m.Deques != nil {
		total += m.Deques.TotalSize()
	}
	if m.Disk != nil {
		total += int(m.Disk.TotalLines())
	}

	if total < m.Thresholds.CriticalQueueThreshold && rate < m.Thresholds.VeryLowRateThreshold {
		m.criticalStreak++
	} else {
		m.criticalStreak = 0
	}

	if m.criticalStreak >= 3 {
		m.stopFlag.Store(true)
		m.Logger.Printf("monitor: triggering auto-shutdown, queues exhausted")
	}
}
