package llm

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const rawSnippetMaxLen = 200

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)sk-[a-z0-9_\-]{8,}`),
	regexp.MustCompile(`(?i)bearer\s+[a-z0-9._\-]+`),
	regexp.MustCompile(`(?i)api[_-]?key["']?\s*[:=]\s*["']?[a-z0-9._\-]{8,}`),
	regexp.MustCompile(`(?i)authorization["']?\s*[:=]\s*["']?[a-z0-9._\- ]{8,}`),
}

// RedactRaw prepares a model reply for logs and error payloads: secrets are
// replaced with [REDACTED_KEY], newlines and pipes collapse to spaces, and
// the result is truncated to 200 characters.
func RedactRaw(raw string) string {
	out := raw
	for _, p := range secretPatterns {
		out = p.ReplaceAllString(out, "[REDACTED_KEY]")
	}
	out = strings.NewReplacer("\n", " ", "\r", " ", "|", " ").Replace(out)
	out = strings.Join(strings.Fields(out), " ")
	if len(out) > rawSnippetMaxLen {
		// Back off to a rune boundary so a multi-byte reply stays valid UTF-8.
		cut := rawSnippetMaxLen
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut]
	}
	return out
}
