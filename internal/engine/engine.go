// Package engine wires every core-crawl component together, following
// spec.md section 9's "global mutable state" guidance: construct the
// singletons in a fixed order, pass them explicitly by reference, and
// tear them down in the reverse order under the shutdown protocol of
// spec.md section 4.9. Grounded on the teacher's crawler.WebCrawler:
// the same option-function settings struct and the same construct-then-
// Crawl shape, generalized from a single-page recursive crawl to the
// partitioned, multi-worker pipeline SPEC_FULL.md names.
package engine

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/codepr/polite-crawler/internal/blacklist"
	"github.com/codepr/polite-crawler/internal/config"
	"github.com/codepr/polite-crawler/internal/dequepool"
	"github.com/codepr/polite-crawler/internal/diskspill"
	"github.com/codepr/polite-crawler/internal/domainqueue"
	"github.com/codepr/polite-crawler/internal/env"
	"github.com/codepr/polite-crawler/internal/fetcher"
	"github.com/codepr/polite-crawler/internal/frontier"
	"github.com/codepr/polite-crawler/internal/htmlworker"
	"github.com/codepr/polite-crawler/internal/metadata"
	"github.com/codepr/polite-crawler/internal/monitor"
	"github.com/codepr/polite-crawler/internal/ratelimit"
	"github.com/codepr/polite-crawler/internal/robots"
	"github.com/codepr/polite-crawler/internal/storage"
	"github.com/codepr/polite-crawler/internal/urlx"
	"github.com/codepr/polite-crawler/messaging"
)

// Mode distinguishes the two crawl modes of spec.md section 9: REGULAR
// persists overflow to disk, FRESH runs with the disk-spill pointer
// nil and a larger per-worker deque capacity.
type Mode int

const (
	Regular Mode = iota
	Fresh
)

const (
	regularDequeCapacity = 1000
	freshDequeCapacity   = 2000

	defaultMaxDepth        = 16
	defaultMaxQueueSize    = 50000
	defaultNumPartitions   = 8
	defaultMinRequestGap   = 50 * time.Millisecond
	defaultUserAgent       = "Mozilla/5.0 (compatible; PoliteCrawler/1.0; +https://example.invalid/bot)"
	htmlQueueCapacity      = 1000
	domainQueueCapacity    = 100
	forceExitGrace         = 2 * time.Second
)

// Settings mirrors the teacher's CrawlerSettings: a plain struct mixed
// in through CrawlerOpt functions, with defaults applied by New.
type Settings struct {
	Mode            Mode
	UserAgent       string
	NumFetchWorkers int
	NumHTMLWorkers  int
	MaxDepth        int
	MaxQueueSize    int
	NumPartitions   int
	MinRequestGap   time.Duration

	WorkDir string // disk spill root, REGULAR only

	Seeds          []string
	EmergencySeeds []string
	DomainConfig   []config.DomainConfig
	Blacklist      io.Reader // optional permanent blacklist, spec.md section 6f

	Metadata metadata.Store
	Writer   storage.Writer
	Queue    messaging.Producer // optional, forwards ParsedResult events

	Monitor monitor.Thresholds
	Logger  *log.Logger
	Clock   clock.Clock
}

// Opt is the option-function type used by New, following the teacher's
// CrawlerOpt pattern.
type Opt func(*Settings)

func defaultSettings() Settings {
	numWorkers := runtime.NumCPU()
	if numWorkers < 1 {
		numWorkers = 4
	}
	htmlWorkers := numWorkers / 4
	if htmlWorkers < 1 {
		htmlWorkers = 1
	}
	return Settings{
		Mode:            Regular,
		UserAgent:       defaultUserAgent,
		NumFetchWorkers: numWorkers,
		NumHTMLWorkers:  htmlWorkers,
		MaxDepth:        defaultMaxDepth,
		MaxQueueSize:    defaultMaxQueueSize,
		NumPartitions:   defaultNumPartitions,
		MinRequestGap:   defaultMinRequestGap,
		Monitor:         monitor.DefaultThresholds(),
	}
}

// SettingsFromEnv builds Settings from environment variables, following
// the teacher's NewFromEnv convention.
func SettingsFromEnv(opts ...Opt) Settings {
	s := defaultSettings()
	s.UserAgent = env.GetEnv("USER_AGENT", s.UserAgent)
	s.NumFetchWorkers = env.GetEnvAsInt("NUM_FETCH_WORKERS", s.NumFetchWorkers)
	s.NumHTMLWorkers = env.GetEnvAsInt("NUM_HTML_WORKERS", s.NumHTMLWorkers)
	s.MaxDepth = env.GetEnvAsInt("MAX_DEPTH", s.MaxDepth)
	s.MaxQueueSize = env.GetEnvAsInt("MAX_QUEUE_SIZE", s.MaxQueueSize)
	s.NumPartitions = env.GetEnvAsInt("NUM_PARTITIONS", s.NumPartitions)
	s.MinRequestGap = env.GetEnvAsDuration("MIN_REQUEST_GAP", s.MinRequestGap)
	s.WorkDir = env.GetEnv("WORK_DIR", "./crawl-data")
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Engine owns every constructed component and the goroutine groups that
// drive them.
type Engine struct {
	settings Settings
	logger   *log.Logger

	frontier    *frontier.Frontier
	boost       *frontier.DomainBoost
	deques      *dequepool.Pool
	disk        *diskspill.Store
	domainQ     *domainqueue.Manager
	rateLimiter *ratelimit.Limiter
	blacklist   *blacklist.Tracker
	robots      *robots.Gate
	htmlQueue   chan fetcher.HTMLTask

	fetchWorkers []*fetcher.Worker
	htmlPool     *htmlworker.Pool
	monitor      *monitor.Monitor

	stopMonitor chan struct{}
}

// New constructs every component in the fixed order spec.md section 9
// requires: frontier, work-stealing deques, disk spill (nil in FRESH),
// domain queues, rate limiter, blacklist, robots gate, the HTML queue,
// then the worker pools and the monitor that supervises them all.
func New(settings Settings, opts ...Opt) (*Engine, error) {
	defaults := defaultSettings()
	if settings.NumFetchWorkers == 0 {
		settings.NumFetchWorkers = defaults.NumFetchWorkers
	}
	if settings.NumHTMLWorkers == 0 {
		settings.NumHTMLWorkers = defaults.NumHTMLWorkers
	}
	if settings.MaxDepth == 0 {
		settings.MaxDepth = defaults.MaxDepth
	}
	if settings.MaxQueueSize == 0 {
		settings.MaxQueueSize = defaults.MaxQueueSize
	}
	if settings.NumPartitions == 0 {
		settings.NumPartitions = defaults.NumPartitions
	}
	if settings.MinRequestGap == 0 {
		settings.MinRequestGap = defaults.MinRequestGap
	}
	if settings.UserAgent == "" {
		settings.UserAgent = defaults.UserAgent
	}
	if settings.Monitor.TickInterval == 0 {
		settings.Monitor = defaults.Monitor
	}
	for _, opt := range opts {
		opt(&settings)
	}
	if settings.Metadata == nil {
		settings.Metadata = metadata.NewInMemoryStore()
	}
	if settings.Writer == nil {
		return nil, fmt.Errorf("engine: a storage.Writer is required")
	}
	if settings.Clock == nil {
		settings.Clock = clock.New()
	}

	logger := settings.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "engine: ", log.LstdFlags)
	}

	exact := make(map[string]float64, len(settings.DomainConfig))
	for _, dc := range settings.DomainConfig {
		exact[dc.Domain] = dc.PriorityMultiplier
	}
	boost := frontier.NewDomainBoost(exact, nil)

	f := frontier.New(settings.NumPartitions, settings.MaxDepth, settings.MaxQueueSize, boost)

	dequeCap := regularDequeCapacity
	if settings.Mode == Fresh {
		dequeCap = freshDequeCapacity
	}
	deques := dequepool.New(settings.NumFetchWorkers, dequeCap)

	var disk *diskspill.Store
	if settings.Mode == Regular {
		if settings.WorkDir == "" {
			settings.WorkDir = "./crawl-data"
		}
		d, err := diskspill.New(settings.WorkDir)
		if err != nil {
			return nil, fmt.Errorf("engine: init disk spill: %w", err)
		}
		disk = d
	}

	domainQ := domainqueue.New(domainQueueCapacity)
	rateLimiter := ratelimit.New(settings.MinRequestGap, settings.Clock)
	for _, dc := range settings.DomainConfig {
		if dc.MinGapOverrideMillis > 0 {
			rateLimiter.SetMinGapOverride(dc.Domain, time.Duration(dc.MinGapOverrideMillis)*time.Millisecond)
		}
	}

	bl := blacklist.New()
	if settings.Blacklist != nil {
		if err := bl.LoadPermanent(settings.Blacklist); err != nil {
			return nil, fmt.Errorf("engine: load blacklist: %w", err)
		}
	}

	robotsGate := robots.New()
	htmlQueue := make(chan fetcher.HTMLTask, htmlQueueCapacity)

	e := &Engine{
		settings:    settings,
		logger:      logger,
		frontier:    f,
		boost:       boost,
		deques:      deques,
		disk:        disk,
		domainQ:     domainQ,
		rateLimiter: rateLimiter,
		blacklist:   bl,
		robots:      robotsGate,
		htmlQueue:   htmlQueue,
		stopMonitor: make(chan struct{}),
	}

	workerLogger := log.New(os.Stderr, "fetcher: ", log.LstdFlags)
	fetcherDeps := fetcher.Deps{
		Frontier:    f,
		Deques:      deques,
		Disk:        disk,
		DomainQ:     domainQ,
		RateLimiter: rateLimiter,
		Robots:      robotsGate,
		Blacklist:   bl,
		Metadata:    settings.Metadata,
		UserAgent:   settings.UserAgent,
		HTMLQueue:   htmlQueue,
		SyncFallback: func(task fetcher.HTMLTask) {
			select {
			case htmlQueue <- task:
			case <-time.After(time.Second):
				workerLogger.Printf("dropping html task for %s, queue still full", task.URL)
			}
		},
		Logger: workerLogger,
	}
	for i := 0; i < settings.NumFetchWorkers; i++ {
		e.fetchWorkers = append(e.fetchWorkers, fetcher.NewWorker(i, fetcherDeps))
	}

	e.htmlPool = htmlworker.NewPool(htmlworker.Deps{
		Frontier:  f,
		Disk:      disk,
		Writer:    settings.Writer,
		Boost:     boost,
		FreshMode: settings.Mode == Fresh,
		Logger:    log.New(os.Stderr, "htmlworker: ", log.LstdFlags),
		Queue:     settings.Queue,
	}, htmlQueue)

	e.monitor = monitor.New(f, deques, disk, settings.Monitor, settings.Mode == Fresh,
		log.New(os.Stderr, "monitor: ", log.LstdFlags), settings.Clock)
	e.monitor.EmergencySeeds = settings.EmergencySeeds

	return e, nil
}

// Seed enqueues the starting URL set, canonicalizing each one first.
func (e *Engine) Seed(seeds []string) {
	for _, raw := range seeds {
		canon, err := urlx.Canonicalize(raw)
		if err != nil {
			e.logger.Printf("skipping unparseable seed %q: %v", raw, err)
			continue
		}
		domain, err := urlx.RegistrableDomain(canon)
		if err != nil {
			domain = ""
		}
		rec := frontier.Record{
			URL:          canon,
			Depth:        0,
			DiscoveredAt: time.Now(),
			Priority:     frontier.Priority(0, domain, e.boost),
		}
		e.frontier.Enqueue(rec)
	}
}

// Run starts every worker group and blocks until ctx is cancelled or
// the monitor's stop_flag trips, then executes the graceful teardown of
// spec.md section 4.9: fetcher workers drain in-flight requests first,
// then HTML workers flush, then the monitor exits, then teardown runs.
func (e *Engine) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, gctx := errgroup.WithContext(runCtx)

	fetchersDone := make(chan struct{}, len(e.fetchWorkers))
	for _, w := range e.fetchWorkers {
		w := w
		group.Go(func() error {
			defer func() { fetchersDone <- struct{}{} }()
			w.Run(gctx)
			return nil
		})
	}

	// HTML workers run under their own context, cancelled only once every
	// fetcher worker has drained, so pages completed during that drain
	// still reach the HTML queue's consumers.
	htmlCtx, htmlCancel := context.WithCancel(context.Background())
	defer htmlCancel()
	htmlDone := make(chan struct{})
	group.Go(func() error {
		defer close(htmlDone)
		e.htmlPool.Run(htmlCtx, e.settings.NumHTMLWorkers)
		return nil
	})

	group.Go(func() error {
		e.monitor.Run(e.stopMonitor)
		return nil
	})

	group.Go(func() error {
		// Once the run context is cancelled: wait for every fetcher to
		// drain, then stop the HTML workers and wait for their flush, then
		// close stopMonitor so the monitor's goroutine above returns
		// instead of deadlocking the group.
		<-gctx.Done()
		for range e.fetchWorkers {
			<-fetchersDone
		}
		htmlCancel()
		<-htmlDone
		close(e.stopMonitor)
		return nil
	})

	group.Go(func() error {
		e.watchStopFlag(gctx, cancel)
		return nil
	})

	err := group.Wait()
	e.teardown()
	return err
}

// watchStopFlag polls the monitor's stop_flag and cancels the run
// context once it trips, implementing spec.md section 4.8's
// auto-shutdown rule as an input into section 4.9's shutdown protocol.
func (e *Engine) watchStopFlag(ctx context.Context, cancel context.CancelFunc) {
	ticker := e.settings.Clock.Ticker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.monitor.StopFlag() {
				e.logger.Println("monitor requested shutdown: queues exhausted")
				cancel()
				return
			}
		}
	}
}

// teardown runs after every worker group has returned: HTML pool flush
// happens inside its Run loop already; here we flush storage once more
// defensively, then remove empty disk shards, then prune expired
// temporary blacklist entries.
func (e *Engine) teardown() {
	e.htmlPool.Flush()
	if e.disk != nil {
		e.disk.CleanupEmptyShards()
	}
	e.blacklist.PruneExpired()
	e.logger.Println("teardown complete")
}

// Counters reports a final summary, per spec.md section 7's "final
// summary prints totals" requirement.
func (e *Engine) Counters() Summary {
	stats := e.frontier.Stats()
	filtered, parseErrors := e.htmlPool.Counters()
	return Summary{
		Enqueued:    stats.Enqueued,
		Dequeued:    stats.Dequeued,
		Duplicates:  stats.Duplicates,
		DepthCapped: stats.DepthCapped,
		Rejected:    stats.Rejected,
		Filtered:    int64(filtered),
		ParseErrors: int64(parseErrors),
		DiskLines:   diskLines(e.disk),
	}
}

func diskLines(d *diskspill.Store) int64 {
	if d == nil {
		return 0
	}
	return d.TotalLines()
}

// Summary is the final-run report spec.md section 7 describes.
type Summary struct {
	Enqueued    int64
	Dequeued    int64
	Duplicates  int64
	DepthCapped int64
	Rejected    int64
	Filtered    int64
	ParseErrors int64
	DiskLines   int64
}

// RunWithSignals wraps Run with the OS signal escalation of spec.md
// section 4.9: the first stop signal triggers the graceful sequence
// above; a second forces an exit after a short grace period; a third
// terminates immediately. It returns the process exit code from
// spec.md section 6 (0 graceful, 2 forced).
func RunWithSignals(e *Engine, ctx context.Context, signals <-chan os.Signal) int {
	runCtx, cancel := context.WithCancel(ctx)

	done := make(chan error, 1)
	go func() {
		done <- e.Run(runCtx)
	}()

	signalCount := 0
	var forceTimer *time.Timer
	var forceCh <-chan time.Time

	for {
		select {
		case <-done:
			if forceTimer != nil {
				forceTimer.Stop()
			}
			return 0

		case <-signals:
			signalCount++
			switch signalCount {
			case 1:
				e.logger.Println("shutdown signal received, stopping gracefully")
				cancel()
			case 2:
				e.logger.Println("second shutdown signal received, forcing exit in 2s")
				forceTimer = time.NewTimer(forceExitGrace)
				forceCh = forceTimer.C
			default:
				e.logger.Println("third shutdown signal received, terminating immediately")
				return 2
			}

		case <-forceCh:
			e.logger.Println("forced exit grace period elapsed")
			return 2
		}
	}
}
