// Package storage defines the interface to the external enriched
// file-format writer of spec.md section 6: a batch-granular, idempotent
// and crash-safe sink for fetched HTML bodies and their metadata
// snapshot. The concrete writer is out of scope; this module only
// depends on its documented operation.
package storage

import (
	"sync"

	"github.com/codepr/polite-crawler/internal/metadata"
)

// Page is one fetched document handed to the writer.
type Page struct {
	URL      string
	RawHTML  []byte
	Metadata metadata.ContentMetadata
}

// Writer is the collaborator interface HTML workers call into once a
// batch reaches BATCH_SIZE (spec.md section 4.5), or immediately in
// FRESH mode.
type Writer interface {
	// SaveHTMLBatchWithMetadata persists a batch of pages. It must be
	// idempotent and crash-safe at batch granularity: a retried call
	// with the same batch must not corrupt or duplicate state.
	SaveHTMLBatchWithMetadata(batch []Page) error
}

// InMemoryWriter is a reference Writer, used by tests and installed as
// cmd/crawler's writer; it keeps every batch in memory only.
type InMemoryWriter struct {
	mu      sync.Mutex
	Batches [][]Page
}

// SaveHTMLBatchWithMetadata appends the batch to an in-memory log.
func (w *InMemoryWriter) SaveHTMLBatchWithMetadata(batch []Page) error {
	cp := make([]Page, len(batch))
	copy(cp, batch)
	w.mu.Lock()
	w.Batches = append(w.Batches, cp)
	w.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the batches recorded so far, safe to read
// while writers may still be concurrently appending.
func (w *InMemoryWriter) Snapshot() [][]Page {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([][]Page, len(w.Batches))
	copy(out, w.Batches)
	return out
}
