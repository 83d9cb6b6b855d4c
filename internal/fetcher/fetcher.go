// Package fetcher implements the HTTP fetcher workers of spec.md section
// 4.4: each worker multiplexes up to MaxConcurrent in-flight requests,
// applies per-domain rate limiting, robots gating and conditional GET,
// and branches completion handling on the request's tag (PAGE or
// ROBOTS_TXT), per spec.md section 9's "polymorphism over work items"
// note — no inheritance hierarchy, just a tag switch.
package fetcher

import (
	"crypto/tls"
	"net/http"
	"time"

	"github.com/PuerkitoBio/rehttp"
)

// MaxConcurrent is the default number of in-flight requests a single
// worker holds open at once, per spec.md section 4.4.
const MaxConcurrent = 45

// Tag distinguishes the two request shapes a worker dispatches, per
// spec.md section 9.
type Tag int

const (
	TagPage Tag = iota
	TagRobotsTxt
)

// Request is a single unit of dispatch: a URL to fetch plus the context
// needed to interpret its completion.
type Request struct {
	Tag     Tag
	URL     string
	Domain  string
	Depth   int
	RetryOverHTTP bool // set when this is the HTTPS->HTTP fallback retry
}

// Result is what a worker's internal goroutine reports back once an
// HTTP round-trip finishes (or fails).
type Result struct {
	Request  Request
	Response *http.Response
	Body     []byte
	Err      error
	Elapsed  time.Duration
}

// NewTransport builds the retrying, backing-off http.RoundTripper every
// worker shares for its outbound connections, following the teacher's
// rehttp wiring (exponential jittered delay, up to two retries on
// temporary transport errors). Responses are never retried here,
// whatever their status: a 429/503 goes straight back to the fetcher
// worker, which applies its own domain-level throttle.
func NewTransport(connectTimeout time.Duration) http.RoundTripper {
	base := &http.Transport{
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: false},
		TLSHandshakeTimeout: connectTimeout,
		DisableCompression:  false,
		ForceAttemptHTTP2:   true,
		MaxIdleConnsPerHost: MaxConcurrent,
		IdleConnTimeout:     90 * time.Second,
	}
	return rehttp.NewTransport(
		base,
		rehttp.RetryAll(
			rehttp.RetryMaxRetries(2),
			rehttp.RetryTemporaryErr(),
		),
		rehttp.ExpJitterDelay(50*time.Millisecond, 2*time.Second),
	)
}

// NewClient builds the http.Client used by a single fetcher worker,
// sized by connect/total timeout per spec.md section 4.4 ("connect 3-5s,
// total 8-15s").
func NewClient(connectTimeout, totalTimeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   totalTimeout,
		Transport: NewTransport(connectTimeout),
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 3 {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
}
