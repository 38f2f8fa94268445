package journal

import (
	"encoding/json"
	"fmt"

	"github.com/Kong/gojsondiff"
	"github.com/Kong/gojsondiff/formatter"
	jsonpatch "github.com/evanphx/json-patch/v5"
)

// computeDelta returns an RFC 6902 JSON Patch that, applied to newVal,
// reproduces oldVal (spec §3/§9's normative delta direction — see
// DESIGN.md's "Delta direction" decision). gojsondiff only diffs JSON
// objects, so both values are wrapped as {"v": <value>} before comparison;
// this keeps the delta well-defined even when State/Context serialize to a
// scalar or array at the top level.
func computeDelta(newVal, oldVal json.RawMessage) (json.RawMessage, error) {
	newWrapped, err := wrapValue(newVal)
	if err != nil {
		return nil, fmt.Errorf("journal: wrap new value: %w", err)
	}
	oldWrapped, err := wrapValue(oldVal)
	if err != nil {
		return nil, fmt.Errorf("journal: wrap old value: %w", err)
	}

	diff, err := gojsondiff.New().Compare(newWrapped, oldWrapped)
	if err != nil {
		return nil, fmt.Errorf("journal: compare: %w", err)
	}
	if !diff.Modified() {
		return json.RawMessage(`[]`), nil
	}

	patch, err := formatter.NewPatchFormatter(newWrapped).Format(diff)
	if err != nil {
		return nil, fmt.Errorf("journal: format patch: %w", err)
	}
	b, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("journal: marshal patch: %w", err)
	}
	return b, nil
}

// applyDelta applies a delta produced by computeDelta to newVal, returning
// the oldVal it was computed from.
func applyDelta(newVal, delta json.RawMessage) (json.RawMessage, error) {
	if len(delta) == 0 || string(delta) == "[]" || string(delta) == "null" {
		return newVal, nil
	}
	newWrapped, err := wrapValue(newVal)
	if err != nil {
		return nil, fmt.Errorf("journal: wrap value: %w", err)
	}
	patch, err := jsonpatch.DecodePatch(delta)
	if err != nil {
		return nil, fmt.Errorf("journal: decode patch: %w", err)
	}
	patched, err := patch.Apply(newWrapped)
	if err != nil {
		return nil, fmt.Errorf("journal: apply patch: %w", err)
	}
	return unwrapValue(patched)
}

func wrapValue(v json.RawMessage) ([]byte, error) {
	if len(v) == 0 {
		v = json.RawMessage("null")
	}
	return json.Marshal(map[string]json.RawMessage{"v": v})
}

func unwrapValue(b []byte) (json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("journal: unwrap value: %w", err)
	}
	return m["v"], nil
}
