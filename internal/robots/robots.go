// Package robots implements the per-domain robots.txt gate and deferred
// fetch protocol of spec.md sections 4.4 and 4.7: a domain is queried
// against robots.txt rules only once those rules are READY; the first
// concurrent caller on an UNKNOWN domain triggers exactly one robots.txt
// fetch, and every other caller is appended to a deferred list replayed
// once that fetch completes.
package robots

import (
	"bytes"
	"net/http"
	"sync"

	"github.com/temoto/robotstxt"
)

// Decision is the result of a gate query.
type Decision int

const (
	// Allowed means the path may be fetched.
	Allowed Decision = iota
	// Disallowed means robots.txt forbids the path.
	Disallowed
	// DeferredFetchStarted means the domain's robots.txt state was
	// UNKNOWN; the caller's URL was appended to the deferred list and a
	// robots.txt fetch was kicked off (by this call, or a concurrent one
	// that got there first).
	DeferredFetchStarted
)

type state int

const (
	stateUnknown state = iota
	stateFetching
	stateReady
	stateFailed
)

type record struct {
	mu       sync.Mutex
	state    state
	group    *robotstxt.Group
	deferred []DeferredEntry
}

// DeferredEntry is an opaque payload (typically a URL record) parked
// behind a domain's in-flight robots.txt fetch.
type DeferredEntry struct {
	Path    string
	Payload interface{}
}

// Gate is the thread-safe domain -> robots-record map.
type Gate struct {
	mu      sync.RWMutex
	records map[string]*record
}

// New creates an empty Gate.
func New() *Gate {
	return &Gate{records: make(map[string]*record)}
}

func (g *Gate) recordFor(domain string) *record {
	g.mu.RLock()
	r, ok := g.records[domain]
	g.mu.RUnlock()
	if ok {
		return r
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok = g.records[domain]; ok {
		return r
	}
	r = &record{}
	g.records[domain] = r
	return r
}

// IsAllowed queries the gate for domain/path. On DeferredFetchStarted,
// the caller's payload is parked in the domain's deferred list; exactly
// one of the concurrent callers receives shouldFetch=true and is
// responsible for actually dispatching the robots.txt request and later
// calling CompleteFetch.
func (g *Gate) IsAllowed(domain, path string, payload interface{}) (decision Decision, shouldFetch bool) {
	r := g.recordFor(domain)
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case stateReady:
		if r.group == nil || r.group.Test(path) {
			return Allowed, false
		}
		return Disallowed, false
	case stateFailed:
		// Permissive default for liveness, per spec.md section 4.7.
		return Allowed, false
	case stateFetching:
		r.deferred = append(r.deferred, DeferredEntry{Path: path, Payload: payload})
		return DeferredFetchStarted, false
	default: // stateUnknown
		r.state = stateFetching
		r.deferred = append(r.deferred, DeferredEntry{Path: path, Payload: payload})
		return DeferredFetchStarted, true
	}
}

// CompleteFetch parses a robots.txt HTTP response (or records a
// failure), transitions the domain to READY (or FAILED), and returns the
// deferred entries accumulated while the fetch was in flight so the
// caller can re-enqueue them.
func (g *Gate) CompleteFetch(domain, userAgent string, resp *http.Response, body []byte, fetchErr error) []DeferredEntry {
	r := g.recordFor(domain)
	r.mu.Lock()
	defer r.mu.Unlock()

	deferred := r.deferred
	r.deferred = nil

	if fetchErr != nil || resp == nil || resp.StatusCode == http.StatusNotFound {
		r.state = stateFailed
		return deferred
	}

	data, err := robotstxt.FromBytes(body)
	if err != nil {
		r.state = stateFailed
		return deferred
	}
	r.group = data.FindGroup(userAgent)
	r.state = stateReady
	return deferred
}

// CrawlDelay returns the robots.txt-specified crawl delay for a domain,
// or zero if no group is set (no robots.txt, or not yet fetched).
func (g *Gate) CrawlDelay(domain string) (d int64, ok bool) {
	r := g.recordFor(domain)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.group == nil {
		return 0, false
	}
	return int64(r.group.CrawlDelay), true
}

// ParseBody is a small helper mirroring robotstxt.FromResponse for a
// body that has already been read into memory, trimming surrounding
// whitespace first. CompleteFetch does not use it; it parses with
// robotstxt.FromBytes directly.
func ParseBody(body []byte) (*robotstxt.RobotsData, error) {
	return robotstxt.FromBytes(bytes.TrimSpace(body))
}
