package htmlworker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/codepr/polite-crawler/internal/diskspill"
	"github.com/codepr/polite-crawler/internal/fetcher"
	"github.com/codepr/polite-crawler/internal/frontier"
	"github.com/codepr/polite-crawler/internal/storage"
	"github.com/codepr/polite-crawler/internal/urlx"
	"github.com/codepr/polite-crawler/messaging"
)

// ParsedResult is the discovery event forwarded onto the message queue
// for each successfully parsed page: the page URL and the canonical
// links extracted from it, decoupling the crawl core from whatever
// downstream consumer (indexer, graph builder) wants them.
type ParsedResult struct {
	URL   string   `json:"url"`
	Links []string `json:"links"`
}

// BatchSize is the default number of pages buffered before a batch is
// handed to the storage writer in REGULAR mode, per spec.md section 4.5.
const BatchSize = 100

// MaxDepthForLinks bounds how deep a document may be before its
// outbound links are no longer extracted, per spec.md section 4.5 step 4.
const MaxDepthForLinks = 5

// Logger is the minimal logging surface the pool needs.
type Logger interface {
	Printf(format string, v ...interface{})
	Println(v ...interface{})
}

// Deps bundles the shared components an HTML worker reads from or
// writes to.
type Deps struct {
	Frontier  *frontier.Frontier
	Disk      *diskspill.Store // nil in FRESH mode
	Writer    storage.Writer
	Boost     *frontier.DomainBoost
	FreshMode bool
	BatchSize int
	Logger    Logger
	// Queue is optional; when set, each parsed page is forwarded as a
	// ParsedResult so a decoupled consumer (indexer, link graph, ...)
	// can process discoveries without the crawl core depending on it.
	Queue messaging.Producer
}

// Pool runs H HTML workers draining a shared task channel, per spec.md
// section 5 ("H HTML workers, W/4, minimum 1").
type Pool struct {
	deps  Deps
	tasks <-chan fetcher.HTMLTask

	mu          sync.Mutex
	batch       []storage.Page
	filtered    int
	parseErrors int
}

// NewPool creates a Pool reading from tasks.
func NewPool(deps Deps, tasks <-chan fetcher.HTMLTask) *Pool {
	if deps.BatchSize <= 0 {
		deps.BatchSize = BatchSize
	}
	return &Pool{deps: deps, tasks: tasks}
}

// Run starts numWorkers goroutines draining the task channel until it is
// closed or ctx is cancelled, then flushes any remaining batch.
func (p *Pool) Run(ctx context.Context, numWorkers int) {
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx)
		}()
	}
	wg.Wait()
	p.Flush()
}

func (p *Pool) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.drainRemaining()
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.Process(task)
		}
	}
}

func (p *Pool) drainRemaining() {
	for {
		select {
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.Process(task)
		default:
			return
		}
	}
}

// Process implements spec.md section 4.5's per-task pipeline.
func (p *Pool) Process(task fetcher.HTMLTask) {
	doc, err := Parse(task.URL, task.HTML)
	if err != nil {
		p.mu.Lock()
		p.parseErrors++
		p.mu.Unlock()
		p.deps.Logger.Printf("parse failed for %s: %v", task.URL, err)
		return
	}

	text := doc.CleanText()
	if !IsEnglish(text) {
		p.mu.Lock()
		p.filtered++
		p.mu.Unlock()
		return
	}

	p.appendToBatch(storage.Page{URL: task.URL, RawHTML: task.HTML, Metadata: task.Metadata})

	if task.Depth < MaxDepthForLinks && doc.HasStructureMarkers() {
		p.extractAndEnqueue(doc, task)
	}
}

func (p *Pool) appendToBatch(page storage.Page) {
	p.mu.Lock()
	p.batch = append(p.batch, page)
	shouldFlush := p.deps.FreshMode || len(p.batch) >= p.deps.BatchSize
	var toFlush []storage.Page
	if shouldFlush {
		toFlush = p.batch
		p.batch = nil
	}
	p.mu.Unlock()

	if toFlush != nil {
		if err := p.deps.Writer.SaveHTMLBatchWithMetadata(toFlush); err != nil {
			p.deps.Logger.Printf("storage write failed: %v", err)
		}
	}
}

// Flush persists any buffered pages immediately, used on shutdown per
// spec.md section 4.5.
func (p *Pool) Flush() {
	p.mu.Lock()
	toFlush := p.batch
	p.batch = nil
	p.mu.Unlock()

	if len(toFlush) == 0 {
		return
	}
	if err := p.deps.Writer.SaveHTMLBatchWithMetadata(toFlush); err != nil {
		p.deps.Logger.Printf("storage flush failed: %v", err)
	}
}

func (p *Pool) extractAndEnqueue(doc *Document, task fetcher.HTMLTask) {
	raw := doc.ExtractLinks()
	var records []frontier.Record
	canonLinks := make([]string, 0, len(raw))
	for _, link := range raw {
		canon, err := urlx.Canonicalize(link)
		if err != nil {
			continue
		}
		domain, err := urlx.RegistrableDomain(canon)
		if err != nil || domain == "" {
			continue
		}
		canonLinks = append(canonLinks, canon)
		records = append(records, frontier.Record{
			URL:             canon,
			Depth:           task.Depth + 1,
			ReferringDomain: task.Domain,
			DiscoveredAt:    time.Now(),
			Priority:        frontier.Priority(task.Depth+1, domain, p.deps.Boost),
		})
	}

	p.publish(task.URL, canonLinks)

	residual := p.deps.Frontier.EnqueueBatch(records)
	if len(residual) == 0 {
		return
	}

	urls := make([]string, len(residual))
	for i, rec := range residual {
		urls[i] = rec.URL
	}
	if p.deps.Disk != nil {
		_ = p.deps.Disk.SaveURLsToDisk(urls)
	} else {
		p.deps.Logger.Printf("dropping %d overflow links (FRESH mode, no disk spill)", len(urls))
	}
}

func (p *Pool) publish(url string, links []string) {
	if p.deps.Queue == nil {
		return
	}
	payload, err := json.Marshal(ParsedResult{URL: url, Links: links})
	if err != nil {
		return
	}
	if err := p.deps.Queue.Produce(payload); err != nil {
		p.deps.Logger.Printf("messaging: unable to publish parsed result for %s: %v", url, err)
	}
}

// Counters returns running filter/parse-error counts for the engine's
// final summary (Engine.Counters), per spec.md section 7.
func (p *Pool) Counters() (filtered, parseErrors int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.filtered, p.parseErrors
}
