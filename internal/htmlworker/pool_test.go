package htmlworker

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codepr/polite-crawler/internal/fetcher"
	"github.com/codepr/polite-crawler/internal/frontier"
	"github.com/codepr/polite-crawler/internal/metadata"
	"github.com/codepr/polite-crawler/internal/storage"
)

type nullLogger struct{}

func (nullLogger) Printf(string, ...interface{}) {}
func (nullLogger) Println(...interface{})        {}

type fakeProducer struct {
	messages [][]byte
}

func (f *fakeProducer) Produce(data []byte) error {
	f.messages = append(f.messages, data)
	return nil
}

func newTestPool(t *testing.T, queue *fakeProducer) (*Pool, *storage.InMemoryWriter) {
	t.Helper()
	w := &storage.InMemoryWriter{}
	f := frontier.New(4, 10, 0, frontier.NewDomainBoost(nil, nil))
	deps := Deps{
		Frontier:  f,
		Writer:    w,
		Boost:     frontier.NewDomainBoost(nil, nil),
		FreshMode: true, // flush immediately so assertions don't need a batch threshold
		Logger:    nullLogger{},
	}
	if queue != nil {
		deps.Queue = queue
	}
	return NewPool(deps, nil), w
}

func TestProcessFiltersNonEnglish(t *testing.T) {
	p, w := newTestPool(t, nil)
	task := fetcher.HTMLTask{
		URL:   "https://a.test/",
		HTML:  []byte(`<html><body><p>これは日本語のテキストです。英語ではありません。</p></body></html>`),
		Depth: 0,
	}
	p.Process(task)

	filtered, _ := p.Counters()
	assert.Equal(t, 1, filtered)
	assert.Empty(t, w.Batches)
}

func TestProcessPublishesParsedResult(t *testing.T) {
	queue := &fakeProducer{}
	p, w := newTestPool(t, queue)
	task := fetcher.HTMLTask{
		URL:   "https://a.test/",
		HTML:  []byte(`<html><head><title>Example</title></head><body><p>This is an ordinary English paragraph about testing things.</p><a href="/about">About</a></body></html>`),
		Depth: 0,
		Domain: "a.test",
	}
	p.Process(task)

	require.Len(t, queue.messages, 1)
	var result ParsedResult
	require.NoError(t, json.Unmarshal(queue.messages[0], &result))
	assert.Equal(t, "https://a.test/", result.URL)
	assert.Contains(t, result.Links, "https://a.test/about")

	require.Len(t, w.Batches, 1)
	require.Len(t, w.Batches[0], 1)
}

func TestProcessCarriesMetadataSnapshotIntoStoredPage(t *testing.T) {
	p, w := newTestPool(t, nil)
	crawledAt := time.Now()
	task := fetcher.HTMLTask{
		URL:   "https://a.test/",
		HTML:  []byte(`<html><body><p>This is an ordinary English paragraph about testing things.</p></body></html>`),
		Depth: 0,
		Metadata: metadata.ContentMetadata{
			URL:           "https://a.test/",
			ContentHash:   "deadbeef",
			LastCrawledAt: crawledAt,
		},
	}
	p.Process(task)

	require.Len(t, w.Batches, 1)
	require.Len(t, w.Batches[0], 1)
	assert.Equal(t, "deadbeef", w.Batches[0][0].Metadata.ContentHash)
	assert.Equal(t, crawledAt, w.Batches[0][0].Metadata.LastCrawledAt)
}

func TestProcessSkipsLinkExtractionPastMaxDepth(t *testing.T) {
	queue := &fakeProducer{}
	p, _ := newTestPool(t, queue)
	task := fetcher.HTMLTask{
		URL:   "https://a.test/deep",
		HTML:  []byte(`<html><head><title>Example</title></head><body><p>This is an ordinary English paragraph about testing things.</p><a href="/about">About</a></body></html>`),
		Depth: MaxDepthForLinks,
	}
	p.Process(task)

	assert.Empty(t, queue.messages)
}
