// Package htmlworker implements the HTML processing pool of spec.md
// section 4.5: parse the DOM once, filter by language, hand batches to
// the external storage writer, and extract+re-enqueue outbound links.
// Content hashing is done earlier, by internal/fetcher; the pool only
// carries the resulting metadata snapshot through to storage.
package htmlworker

import (
	"net/url"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// excludedExtensions mirrors the teacher parser's extension exclusion
// list (codepr-webcrawler/crawler/fetcher/parser.go), generalized into a
// package-level default instead of a per-parser opt-in set.
var excludedExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".svg": true,
	".css": true, ".js": true, ".pdf": true, ".zip": true, ".mp4": true,
	".mp3": true, ".woff": true, ".woff2": true, ".ico": true,
}

// Document wraps a single parsed DOM so every subsequent extraction
// (links, text, structure check) reuses the same *goquery.Document,
// per spec.md section 4.5 step 1 ("single pass, reused for all
// subsequent extractions").
type Document struct {
	doc     *goquery.Document
	baseURL string
}

// Parse builds a Document from raw HTML bytes.
func Parse(baseURL string, html []byte) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(html)))
	if err != nil {
		return nil, err
	}
	return &Document{doc: doc, baseURL: baseURL}, nil
}

// CleanText returns the visible text content of the document, stripped
// of script/style bodies, used for the language filter. It removes those
// elements from the underlying document as a side effect.
func (d *Document) CleanText() string {
	d.doc.Find("script,style,noscript").Remove()
	return strings.Join(strings.Fields(d.doc.Text()), " ")
}

// HasStructureMarkers reports whether the document looks like real HTML
// rather than a stub or error page: it must carry at least a <title> or
// a handful of block-level elements.
func (d *Document) HasStructureMarkers() bool {
	if d.doc.Find("title").Length() > 0 {
		return true
	}
	return d.doc.Find("p,div,article,section").Length() >= 3
}

// ExtractLinks retrieves every anchor/canonical-link href in the
// document, resolved against baseURL, deduplicated within this single
// document. It mirrors the teacher's GoqueryParser.extractLinks, moved
// here because link extraction and the rest of HTML processing now
// share the one parsed Document per spec.md section 4.5.
func (d *Document) ExtractLinks() []string {
	seen := make(map[string]bool)
	var links []string

	d.doc.Find("a,link").FilterFunction(func(_ int, s *goquery.Selection) bool {
		href, hrefExists := s.Attr("href")
		rel, relExists := s.Attr("rel")
		anchorOK := goquery.NodeName(s) == "a" && hrefExists && !excludedExtensions[strings.ToLower(filepath.Ext(href))]
		linkOK := relExists && rel == "canonical" && !excludedExtensions[strings.ToLower(filepath.Ext(href))]
		return anchorOK || linkOK
	}).Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		resolved, ok := resolve(d.baseURL, href)
		if !ok || seen[resolved] {
			return
		}
		seen[resolved] = true
		links = append(links, resolved)
	})

	return links
}

func resolve(baseURL, relative string) (string, bool) {
	u, err := url.Parse(relative)
	if err != nil {
		return "", false
	}
	if u.Hostname() != "" {
		return u.String(), true
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", false
	}
	return base.ResolveReference(u).String(), true
}
