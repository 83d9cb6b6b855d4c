package htmlworker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsEnglishAcceptsOrdinaryProse(t *testing.T) {
	text := "The quick brown fox jumps over the lazy dog and runs into the forest with great speed and joy."
	assert.True(t, IsEnglish(text))
}

func TestIsEnglishRejectsNonLatinScript(t *testing.T) {
	text := "これは日本語のテキストです。英語ではありません。テストのためのサンプル文章です。"
	assert.False(t, IsEnglish(text))
}

func TestIsEnglishRejectsEmpty(t *testing.T) {
	assert.False(t, IsEnglish(""))
}
