package fetcher

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/codepr/polite-crawler/internal/blacklist"
	"github.com/codepr/polite-crawler/internal/dequepool"
	"github.com/codepr/polite-crawler/internal/diskspill"
	"github.com/codepr/polite-crawler/internal/domainqueue"
	"github.com/codepr/polite-crawler/internal/frontier"
	"github.com/codepr/polite-crawler/internal/metadata"
	"github.com/codepr/polite-crawler/internal/ratelimit"
	"github.com/codepr/polite-crawler/internal/robots"
	"github.com/codepr/polite-crawler/internal/urlx"
)

// HTMLTask is handed off to the HTML processing pool on a successful,
// quality-acceptable 200 OK completion, per spec.md section 4.5.
type HTMLTask struct {
	HTML      []byte
	URL       string
	Domain    string
	Depth     int
	FetchTime time.Time
	// Metadata is the content-metadata snapshot update_after_crawl
	// already wrote during page completion (spec.md section 6), carried
	// along so the HTML worker can hand it to the storage writer instead
	// of recomputing or re-fetching it.
	Metadata metadata.ContentMetadata
}

// Deps bundles the shared components a worker reads from or writes to.
// None are owned by the worker; they are constructed once by the engine
// and passed by reference to every worker, per spec.md section 9's
// "global mutable state" guidance.
type Deps struct {
	Frontier    *frontier.Frontier
	Deques      *dequepool.Pool
	Disk        *diskspill.Store // nil in FRESH mode
	DomainQ     *domainqueue.Manager
	RateLimiter *ratelimit.Limiter
	Robots      *robots.Gate
	Blacklist   *blacklist.Tracker
	Metadata    metadata.Store
	UserAgent   string
	// HTMLQueue receives completed page tasks. A non-blocking send is
	// attempted first; SyncFallback is invoked when the queue is full.
	HTMLQueue    chan<- HTMLTask
	SyncFallback func(HTMLTask)
	Logger       Logger
}

// Logger is the minimal logging surface workers need, satisfied by
// *log.Logger.
type Logger interface {
	Printf(format string, v ...interface{})
	Println(v ...interface{})
}

// Worker is a single fetcher worker: it owns one connect-timeout/total-
// timeout HTTP client and multiplexes up to MaxConcurrent in-flight
// requests via a semaphore-bounded goroutine pool, matching spec.md
// section 4.4's "one non-blocking I/O multiplexer per worker" in the
// way Go idiomatically expresses bounded concurrent I/O (see
// DESIGN.md's fetcher ledger entry).
type Worker struct {
	ID             int
	Deps           Deps
	Client         *http.Client
	MaxConcurrent  int
	MinRequestGap  time.Duration
	ConnectTimeout time.Duration
	TotalTimeout   time.Duration

	sem     chan struct{}
	results chan Result
	wg      sync.WaitGroup
}

// NewWorker constructs a Worker with the given id and shared
// dependencies, applying spec.md section 4.4's default timeouts.
func NewWorker(id int, deps Deps) *Worker {
	const connectTimeout = 4 * time.Second
	const totalTimeout = 12 * time.Second
	return &Worker{
		ID:             id,
		Deps:           deps,
		Client:         NewClient(connectTimeout, totalTimeout),
		MaxConcurrent:  MaxConcurrent,
		ConnectTimeout: connectTimeout,
		TotalTimeout:   totalTimeout,
		sem:            make(chan struct{}, MaxConcurrent),
		results:        make(chan Result, MaxConcurrent),
	}
}

// Run executes the acquisition/completion loop until ctx is cancelled.
// It returns once all in-flight requests have drained.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case res := <-w.results:
			w.handleCompletion(res)
		default:
		}

		if len(w.sem) < cap(w.sem) {
			rec, ok := w.acquireNext()
			if ok {
				w.dispatch(ctx, rec)
				continue
			}
		}

		select {
		case <-ctx.Done():
			w.drain()
			return
		case res := <-w.results:
			w.handleCompletion(res)
		case <-ticker.C:
		}
	}
}

func (w *Worker) drain() {
	idle := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(idle)
	}()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case res := <-w.results:
			w.handleCompletion(res)
		case <-idle:
			w.drainPending()
			return
		case <-deadline:
			return
		}
	}
}

// drainPending handles any results that arrived in the window between
// the in-flight waitgroup reaching zero and drain noticing it.
func (w *Worker) drainPending() {
	for {
		select {
		case res := <-w.results:
			w.handleCompletion(res)
		default:
			return
		}
	}
}

// acquireNext implements spec.md section 4.4's acquisition order:
// (1) a domain past its rate-limit window, (2) the main frontier,
// (3) stealing from a peer's deque, (4) disk spill (REGULAR only). The
// worker's own local deque is popped between (2) and (3).
func (w *Worker) acquireNext() (frontier.Record, bool) {
	for _, domain := range w.Deps.DomainQ.Domains() {
		if !w.Deps.RateLimiter.CanRequestNow(domain) {
			continue
		}
		if rec, ok := w.Deps.DomainQ.Pop(domain); ok {
			return rec, true
		}
	}

	if rec, ok := w.Deps.Frontier.Dequeue(); ok {
		return rec, true
	}

	if rec, ok := w.Deps.Deques.PopLocal(w.ID); ok {
		return rec, true
	}

	if rec, ok := w.Deps.Deques.TrySteal(w.ID); ok {
		return rec, true
	}

	if w.Deps.Disk != nil {
		urls, err := w.Deps.Disk.LoadURLsFromDisk(50)
		if err != nil {
			w.Deps.Logger.Println("disk spill load failed:", err)
		}
		if len(urls) > 0 {
			first := urls[0]
			for _, u := range urls[1:] {
				rec := frontier.Record{URL: u, DiscoveredAt: time.Now()}
				// These were already marked seen before ever reaching disk;
				// Readmit skips the dup check Enqueue would wrongly fail.
				if !w.Deps.Frontier.Readmit(rec) {
					w.Deps.Deques.PushLocal(w.ID, rec)
				}
			}
			return frontier.Record{URL: first, DiscoveredAt: time.Now()}, true
		}
	}

	return frontier.Record{}, false
}

func (w *Worker) dispatch(ctx context.Context, rec frontier.Record) {
	domain, err := urlx.Host(rec.URL)
	if err != nil || domain == "" {
		return
	}

	if w.Deps.Blacklist.IsBlacklisted(domain) {
		return
	}

	decision, shouldFetch := w.Deps.Robots.IsAllowed(domain, pathOf(rec.URL), rec)
	switch decision {
	case robots.Disallowed:
		return
	case robots.DeferredFetchStarted:
		if shouldFetch {
			w.dispatchRobotsFetch(ctx, domain)
		}
		return
	}

	if !w.Deps.RateLimiter.CanRequestNow(domain) {
		if !w.Deps.DomainQ.Push(domain, rec) {
			w.Deps.Logger.Printf("domain queue full for %s, dropping %s", domain, rec.URL)
		}
		return
	}

	w.sem <- struct{}{}
	w.Deps.RateLimiter.RecordRequest(domain)
	w.wg.Add(1)
	go w.fetchPage(ctx, rec, domain)
}

func pathOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "/"
	}
	p := u.RequestURI()
	if p == "" {
		return "/"
	}
	return p
}

func (w *Worker) dispatchRobotsFetch(ctx context.Context, domain string) {
	w.sem <- struct{}{}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()

		target := "https://" + domain + "/robots.txt"
		start := time.Now()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			w.results <- Result{Request: Request{Tag: TagRobotsTxt, Domain: domain}, Err: err}
			return
		}
		req.Header.Set("User-Agent", w.Deps.UserAgent)
		resp, err := w.Client.Do(req)
		elapsed := time.Since(start)
		if err != nil {
			w.results <- Result{Request: Request{Tag: TagRobotsTxt, Domain: domain}, Err: err, Elapsed: elapsed}
			return
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		w.results <- Result{Request: Request{Tag: TagRobotsTxt, Domain: domain}, Response: resp, Body: body, Elapsed: elapsed}
	}()
}

func (w *Worker) fetchPage(ctx context.Context, rec frontier.Record, domain string) {
	defer w.wg.Done()
	defer func() { <-w.sem }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rec.URL, nil)
	if err != nil {
		w.results <- Result{Request: Request{Tag: TagPage, URL: rec.URL, Domain: domain, Depth: rec.Depth}, Err: err}
		return
	}
	req.Header.Set("User-Agent", w.Deps.UserAgent)
	req.Header.Set("Accept-Encoding", "gzip, deflate")
	if info, ok := w.Deps.Metadata.GetCacheInfo(rec.URL); ok {
		if info.ETag != "" {
			req.Header.Set("If-None-Match", info.ETag)
		}
		if info.LastModified != "" {
			req.Header.Set("If-Modified-Since", info.LastModified)
		}
	}

	start := time.Now()
	resp, err := w.Client.Do(req)
	elapsed := time.Since(start)

	request := Request{Tag: TagPage, URL: rec.URL, Domain: domain, Depth: rec.Depth}
	if err != nil {
		w.results <- Result{Request: request, Err: err, Elapsed: elapsed}
		return
	}
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	resp.Body.Close()
	if readErr != nil {
		w.results <- Result{Request: request, Response: resp, Err: readErr, Elapsed: elapsed}
		return
	}
	w.results <- Result{Request: request, Response: resp, Body: body, Elapsed: elapsed}
}

// handleCompletion implements spec.md section 4.4's completion handling:
// branch on tag, then on status code / error shape.
func (w *Worker) handleCompletion(res Result) {
	switch res.Request.Tag {
	case TagRobotsTxt:
		w.handleRobotsCompletion(res)
	case TagPage:
		w.handlePageCompletion(res)
	}
}

func (w *Worker) handleRobotsCompletion(res Result) {
	deferred := w.Deps.Robots.CompleteFetch(res.Request.Domain, w.Deps.UserAgent, res.Response, res.Body, res.Err)
	for _, entry := range deferred {
		rec, ok := entry.Payload.(frontier.Record)
		if !ok {
			continue
		}
		if !w.Deps.Deques.PushLocal(w.ID, rec) {
			if w.Deps.Disk != nil {
				_ = w.Deps.Disk.SaveURLsToDisk([]string{rec.URL})
			}
		}
	}
}

func (w *Worker) handlePageCompletion(res Result) {
	domain := res.Request.Domain

	if res.Err != nil {
		w.handleTransportFailure(res)
		return
	}

	switch {
	case res.Response.StatusCode == http.StatusNotModified:
		w.Deps.RateLimiter.RecordSuccess(domain)
		w.Deps.Logger.Printf("304 not modified: %s", res.Request.URL)
		return

	case res.Response.StatusCode == http.StatusTooManyRequests || res.Response.StatusCode == http.StatusServiceUnavailable:
		w.Deps.RateLimiter.ThrottleDomain(domain, 30*time.Second)
		w.Deps.Metadata.RecordTemporaryFailure(res.Request.URL)
		return

	case res.Response.StatusCode >= 400:
		w.Deps.RateLimiter.RecordSuccess(domain)
		w.Deps.Logger.Printf("permanent error %d for %s", res.Response.StatusCode, res.Request.URL)
		w.Deps.Metadata.UpdateAfterCrawl(res.Request.URL, "", time.Now())
		return

	default:
		w.handleSuccessfulPage(res)
	}
}

func (w *Worker) handleSuccessfulPage(res Result) {
	domain := res.Request.Domain
	w.Deps.RateLimiter.RecordSuccess(domain)

	w.Deps.Metadata.UpdateCache(res.Request.URL, metadata.CacheInfo{
		ETag:         res.Response.Header.Get("ETag"),
		LastModified: res.Response.Header.Get("Last-Modified"),
	})

	hash := ContentHash(res.Body)
	meta := w.Deps.Metadata.UpdateAfterCrawl(res.Request.URL, hash, time.Now())

	if !QualityAcceptable(res.Body) {
		return
	}

	task := HTMLTask{
		HTML:      res.Body,
		URL:       res.Request.URL,
		Domain:    domain,
		Depth:     res.Request.Depth,
		FetchTime: time.Now(),
		Metadata:  meta,
	}
	select {
	case w.Deps.HTMLQueue <- task:
	default:
		if w.Deps.SyncFallback != nil {
			w.Deps.SyncFallback(task)
		}
	}
}

func (w *Worker) handleTransportFailure(res Result) {
	domain := res.Request.Domain
	if isSSLError(res.Err) && !res.Request.RetryOverHTTP && isHTTPS(res.Request.URL) {
		httpURL := toHTTP(res.Request.URL)
		rec := frontier.Record{URL: httpURL, Depth: res.Request.Depth, DiscoveredAt: time.Now()}
		w.sem <- struct{}{}
		w.wg.Add(1)
		go w.retryOverHTTP(rec, domain)
		return
	}

	fails := w.Deps.RateLimiter.RecordFailure(domain)
	if w.Deps.Blacklist.RecordFailure(domain, fails) {
		w.Deps.Logger.Printf("domain %s temporarily blacklisted after %d failures", domain, fails)
	}
}

func (w *Worker) retryOverHTTP(rec frontier.Record, domain string) {
	defer w.wg.Done()
	defer func() { <-w.sem }()

	req, err := http.NewRequest(http.MethodGet, rec.URL, nil)
	if err != nil {
		return
	}
	req.Header.Set("User-Agent", w.Deps.UserAgent)
	start := time.Now()
	resp, err := w.Client.Do(req)
	elapsed := time.Since(start)
	request := Request{Tag: TagPage, URL: rec.URL, Domain: domain, Depth: rec.Depth, RetryOverHTTP: true}
	if err != nil {
		w.results <- Result{Request: request, Err: err, Elapsed: elapsed}
		return
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	resp.Body.Close()
	w.results <- Result{Request: request, Response: resp, Body: body, Elapsed: elapsed}
}

func isHTTPS(rawURL string) bool {
	u, err := url.Parse(rawURL)
	return err == nil && u.Scheme == "https"
}

func toHTTP(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Scheme = "http"
	return u.String()
}

func isSSLError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"tls:", "x509:", "certificate", "handshake"} {
		if bytes.Contains([]byte(msg), []byte(marker)) {
			return true
		}
	}
	return false
}

// ContentHash computes the digest of the textually-relevant subset of a
// document, per spec.md section 3: the visible text with script/style
// bodies stripped and whitespace runs collapsed, so markup or boilerplate
// churn (ad slots, timestamps, nav chrome) alone does not register as a
// content change. Falls back to hashing the raw, whitespace-collapsed
// body if the document doesn't parse as HTML.
func ContentHash(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		trimmed := bytes.Join(bytes.Fields(body), []byte(" "))
		sum := sha256.Sum256(trimmed)
		return hex.EncodeToString(sum[:])
	}
	doc.Find("script,style,noscript").Remove()
	text := strings.Join(strings.Fields(doc.Text()), " ")
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// QualityAcceptable applies spec.md section 4.4's content-quality check:
// size bounds and a minimal alphanumeric-text floor, ahead of the
// heavier DOM-based structure check the HTML worker performs.
func QualityAcceptable(body []byte) bool {
	if len(body) < 64 || len(body) > 10<<20 {
		return false
	}
	alnum := 0
	for _, b := range body {
		if (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9') {
			alnum++
		}
	}
	return alnum > 32
}
