package fetcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentHashStableAcrossWhitespace(t *testing.T) {
	a := ContentHash([]byte("hello   world"))
	b := ContentHash([]byte("hello world"))
	assert.Equal(t, a, b)
}

func TestContentHashDiffersOnRealChange(t *testing.T) {
	a := ContentHash([]byte("hello world"))
	b := ContentHash([]byte("hello there"))
	assert.NotEqual(t, a, b)
}

func TestContentHashIgnoresMarkupAndScriptChurn(t *testing.T) {
	a := ContentHash([]byte(`<html><body><p class="v1">hello world</p><script>var ts=1;</script></body></html>`))
	b := ContentHash([]byte(`<html><body><div id="ad-slot-42"><p class="v2">hello world</p></div><script>var ts=2;</script></body></html>`))
	assert.Equal(t, a, b, "markup/attribute/script churn around identical visible text must not register as a content change")
}

func TestQualityAcceptableRejectsTiny(t *testing.T) {
	assert.False(t, QualityAcceptable([]byte("hi")))
}

func TestQualityAcceptableRejectsOversize(t *testing.T) {
	big := make([]byte, 11<<20)
	assert.False(t, QualityAcceptable(big))
}

func TestQualityAcceptableAcceptsNormalPage(t *testing.T) {
	body := []byte("<html><body>" + string(make([]byte, 0)) + "this is a perfectly normal page with enough alphanumeric content to pass the quality floor check" + "</body></html>")
	assert.True(t, QualityAcceptable(body))
}

func TestIsSSLError(t *testing.T) {
	assert.True(t, isSSLError(sslErr{}))
	assert.False(t, isSSLError(plainErr{}))
}

type sslErr struct{}

func (sslErr) Error() string { return "x509: certificate signed by unknown authority" }

type plainErr struct{}

func (plainErr) Error() string { return "connection refused" }

func TestToHTTPRewritesScheme(t *testing.T) {
	assert.Equal(t, "http://a.test/x", toHTTP("https://a.test/x"))
}
