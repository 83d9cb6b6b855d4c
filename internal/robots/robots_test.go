package robots

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fetchRobots(t *testing.T, server *httptest.Server) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	buf := make([]byte, 4096)
	n, _ := resp.Body.Read(buf)
	resp.Body.Close()
	return resp, buf[:n]
}

func TestDeferredFetchLiveness(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("User-agent: *\nDisallow: /private/\n"))
	}))
	defer server.Close()

	g := New()

	fetchStarters := 0
	type callResult struct {
		decision    Decision
		shouldFetch bool
	}
	results := make([]callResult, 5)
	for i := 0; i < 5; i++ {
		d, should := g.IsAllowed("f.test", "/private/x", i)
		results[i] = callResult{d, should}
		if should {
			fetchStarters++
		}
	}
	assert.Equal(t, 1, fetchStarters, "exactly one caller should start the fetch")
	for _, r := range results {
		assert.Equal(t, DeferredFetchStarted, r.decision)
	}

	resp, body := fetchRobots(t, server)
	deferred := g.CompleteFetch("f.test", "*", resp, body, nil)
	assert.Len(t, deferred, 5)

	decision, shouldFetch := g.IsAllowed("f.test", "/private/x", nil)
	assert.Equal(t, Disallowed, decision)
	assert.False(t, shouldFetch)

	decision, _ = g.IsAllowed("f.test", "/public/", nil)
	assert.Equal(t, Allowed, decision)
}

func TestFailedFetchIsPermissive(t *testing.T) {
	g := New()
	_, shouldFetch := g.IsAllowed("g.test", "/x", nil)
	require.True(t, shouldFetch)

	g.CompleteFetch("g.test", "*", nil, nil, assertErr)

	decision, _ := g.IsAllowed("g.test", "/x", nil)
	assert.Equal(t, Allowed, decision)
}

var assertErr = &net404Error{}

type net404Error struct{}

func (*net404Error) Error() string { return "not found" }
