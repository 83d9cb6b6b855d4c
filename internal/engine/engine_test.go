package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codepr/polite-crawler/internal/monitor"
	"github.com/codepr/polite-crawler/internal/storage"
)

func newTestSettings(t *testing.T, writer *storage.InMemoryWriter) Settings {
	t.Helper()
	th := monitor.DefaultThresholds()
	th.TickInterval = 50 * time.Millisecond
	th.FreshGracePeriod = 10 * time.Second // keep auto-shutdown quiet during the test window

	return Settings{
		Mode:            Fresh,
		NumFetchWorkers: 1,
		NumHTMLWorkers:  1,
		MaxDepth:        1,
		NumPartitions:   2,
		MinRequestGap:   0,
		Writer:          writer,
		Monitor:         th,
		Clock:           clock.New(),
	}
}

func TestNewAppliesDefaultsAndSkipsDiskInFreshMode(t *testing.T) {
	eng, err := New(newTestSettings(t, &storage.InMemoryWriter{}))
	require.NoError(t, err)
	assert.Nil(t, eng.disk)
	assert.Len(t, eng.fetchWorkers, 1)
}

func TestNewRequiresWriter(t *testing.T) {
	_, err := New(Settings{})
	assert.Error(t, err)
}

func TestSeedCanonicalizesAndDedupes(t *testing.T) {
	eng, err := New(newTestSettings(t, &storage.InMemoryWriter{}))
	require.NoError(t, err)

	eng.Seed([]string{
		"https://A.test/Path/",
		"https://a.test/Path",
		"not a url \x7f",
	})

	assert.Equal(t, 1, eng.frontier.Size())
}

func TestRunFetchesSeedAndFlushesBatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("<html><body>The quick brown fox jumps over the lazy dog and runs into the forest with great speed and joy.</body></html>"))
	}))
	defer server.Close()

	writer := &storage.InMemoryWriter{}
	eng, err := New(newTestSettings(t, writer))
	require.NoError(t, err)
	eng.Seed([]string{server.URL + "/"})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- eng.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for len(writer.Snapshot()) == 0 {
		select {
		case <-deadline:
			cancel()
			t.Fatal("timed out waiting for a flushed batch")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not shut down after cancel")
	}

	batches := writer.Snapshot()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	assert.Equal(t, server.URL+"/", batches[0][0].URL)
}
