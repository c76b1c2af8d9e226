package chat

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeTitle(t *testing.T) {
	assert.Equal(t, "hello world", sanitizeTitle("  hello \n world  "))
	assert.Equal(t, "quoted", sanitizeTitle(`"quoted"`))
	assert.Empty(t, sanitizeTitle("   "))
}

func TestSanitizeTitleTruncatesLongInput(t *testing.T) {
	long := strings.Repeat("abcde ", 40)

	got := sanitizeTitle(long)

	assert.LessOrEqual(t, utf8.RuneCountInString(got), maxTitleLen)
	assert.Equal(t, got, strings.TrimSpace(got))
}

func TestSanitizeTitleTruncatesOnRuneBoundaries(t *testing.T) {
	long := strings.Repeat("héllo wörld ", 20)

	got := sanitizeTitle(long)

	assert.True(t, utf8.ValidString(got), "truncated title must stay valid UTF-8")
	assert.LessOrEqual(t, utf8.RuneCountInString(got), maxTitleLen)
}
