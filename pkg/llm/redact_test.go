package llm

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestRedactRaw(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "openai style key",
			raw:  "error from sk-proj_abc123DEF456 upstream",
			want: "error from [REDACTED_KEY] upstream",
		},
		{
			name: "bearer token",
			raw:  "sent Bearer eyJhbGciOiJIUzI1NiJ9.payload upstream",
			want: "sent [REDACTED_KEY] upstream",
		},
		{
			name: "api key assignment",
			raw:  `{"api_key": "abcd1234efgh"}`,
			want: `{"[REDACTED_KEY]"}`,
		},
		{
			name: "newlines and pipes collapse",
			raw:  "line one\nline two | tail",
			want: "line one line two tail",
		},
		{
			name: "plain text untouched",
			raw:  "a perfectly ordinary reply",
			want: "a perfectly ordinary reply",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RedactRaw(tt.raw))
		})
	}
}

func TestRedactRaw_Truncates(t *testing.T) {
	out := RedactRaw(strings.Repeat("x", 500))
	assert.Len(t, out, rawSnippetMaxLen)
}

func TestRedactRaw_TruncatesOnRuneBoundary(t *testing.T) {
	// 3-byte runes do not divide the byte budget evenly; the cut must not
	// leave a torn rune at the end.
	out := RedactRaw(strings.Repeat("도서관", 60))
	assert.True(t, utf8.ValidString(out))
	assert.LessOrEqual(t, len(out), rawSnippetMaxLen)
	assert.True(t, strings.HasSuffix(out, "도") || strings.HasSuffix(out, "서") || strings.HasSuffix(out, "관"))
}
