package story

import (
	"encoding/json"
	"fmt"
)

// DeepMerge merges overlay into base recursively: map-valued keys merge per
// key, everything else in overlay replaces base. Neither input is mutated.
func DeepMerge(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, ov := range overlay {
		bv, ok := out[k]
		if !ok {
			out[k] = ov
			continue
		}
		bm, bIsMap := bv.(map[string]any)
		om, oIsMap := ov.(map[string]any)
		if bIsMap && oIsMap {
			out[k] = DeepMerge(bm, om)
		} else {
			out[k] = ov
		}
	}
	return out
}

// BuildInitialState produces a session's starting state: canonical defaults
// deep-merged with the pack's (possibly partial) initial_state overlay,
// then normalized.
func BuildInitialState(overlay map[string]any) (*State, error) {
	defaults := DefaultInitialState()

	raw, err := json.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal default state: %w", err)
	}
	var base map[string]any
	if err := json.Unmarshal(raw, &base); err != nil {
		return nil, fmt.Errorf("unmarshal default state: %w", err)
	}

	merged := base
	if len(overlay) > 0 {
		merged = DeepMerge(base, overlay)
	}

	mergedRaw, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("marshal merged state: %w", err)
	}
	var st State
	if err := json.Unmarshal(mergedRaw, &st); err != nil {
		return nil, fmt.Errorf("initial_state overlay does not fit the state shape: %w", err)
	}
	st.Normalize()
	return &st, nil
}
