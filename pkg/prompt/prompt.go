// Package prompt renders the selector and narrator prompts. Both prompts
// are a fixed instruction block followed by a "Context: <json>" suffix and
// are trimmed to the configured character budget after compaction.
package prompt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// SystemJSONOnly is the shared system prompt for every model call.
const SystemJSONOnly = "Return strict JSON, no markdown, no prose."

// renderWithContext appends the compact-marshalled context to the
// instruction block.
func renderWithContext(instructions string, ctx any) (string, error) {
	raw, err := json.Marshal(ctx)
	if err != nil {
		return "", fmt.Errorf("marshal prompt context: %w", err)
	}
	return instructions + "\n\nContext: " + string(raw), nil
}

// impactBrief turns the merged effects into at most four short phrases,
// largest magnitude first.
func impactBrief(total map[string]int) []string {
	type kv struct {
		key string
		val int
	}
	items := make([]kv, 0, len(total))
	for k, v := range total {
		if v != 0 {
			items = append(items, kv{k, v})
		}
	}
	sort.Slice(items, func(i, j int) bool {
		ai, aj := abs(items[i].val), abs(items[j].val)
		if ai != aj {
			return ai > aj
		}
		return items[i].key < items[j].key
	})
	if len(items) > 4 {
		items = items[:4]
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		sign := "+"
		if it.val < 0 {
			sign = ""
		}
		out = append(out, fmt.Sprintf("%s %s%d", it.key, sign, it.val))
	}
	return out
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// nonZero filters a delta map to its non-zero keys.
func nonZero(m map[string]int) map[string]int {
	out := map[string]int{}
	for k, v := range m {
		if v != 0 {
			out[k] = v
		}
	}
	return out
}

// truncateRunes shortens free text fields during compaction without
// splitting multi-byte characters.
func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return strings.TrimSpace(string(r[:max])) + "…"
}
