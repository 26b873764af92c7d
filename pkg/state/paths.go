// Package state implements the per-workflow three-tier state store: an
// immutable inputs tier, a writable state tier, and a derived computed tier
// recomputed in dependency order after every update batch.
package state

import (
	"fmt"
	"strings"

	"github.com/stepflow-go/stepflow/pkg/workflow"
)

// Tier prefixes of writable update paths.
const (
	TierInputs   = "inputs"
	TierState    = "state"
	TierComputed = "computed"
	TierRaw      = "raw"
)

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// getPath resolves a dotted path against nested maps. Missing intermediate
// keys report ok=false rather than failing.
func getPath(root map[string]interface{}, path string) (interface{}, bool) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return nil, false
	}
	var current interface{} = root
	for _, seg := range segs {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// setPath writes value at a dotted path, creating intermediate maps. It
// fails when an intermediate segment exists but is not a map.
func setPath(root map[string]interface{}, path string, value interface{}) error {
	segs := splitPath(path)
	if len(segs) == 0 {
		return fmt.Errorf("empty path")
	}
	current := root
	for _, seg := range segs[:len(segs)-1] {
		next, ok := current[seg]
		if !ok {
			child := make(map[string]interface{})
			current[seg] = child
			current = child
			continue
		}
		child, ok := next.(map[string]interface{})
		if !ok {
			return fmt.Errorf("path segment %q is not an object", seg)
		}
		current = child
	}
	current[segs[len(segs)-1]] = value
	return nil
}

// applyOperation applies one update operation in place on the tier map,
// where path is already stripped of its tier prefix.
func applyOperation(tier map[string]interface{}, path, operation string, value interface{}) error {
	switch operation {
	case "", workflow.OpSet:
		return setPath(tier, path, value)

	case workflow.OpIncrement:
		current, _ := getPath(tier, path)
		next, err := addNumbers(current, value)
		if err != nil {
			return err
		}
		return setPath(tier, path, next)

	case workflow.OpAppend:
		current, _ := getPath(tier, path)
		var list []interface{}
		switch cur := current.(type) {
		case nil:
			list = []interface{}{}
		case []interface{}:
			list = append([]interface{}{}, cur...)
		default:
			return fmt.Errorf("append target at %q is not an array", path)
		}
		return setPath(tier, path, append(list, value))

	case workflow.OpMerge:
		patch, ok := value.(map[string]interface{})
		if !ok {
			return fmt.Errorf("merge value for %q must be an object", path)
		}
		current, _ := getPath(tier, path)
		base := make(map[string]interface{})
		if cur, ok := current.(map[string]interface{}); ok {
			for k, v := range cur {
				base[k] = v
			}
		} else if current != nil {
			return fmt.Errorf("merge target at %q is not an object", path)
		}
		for k, v := range patch {
			base[k] = v
		}
		return setPath(tier, path, base)

	default:
		return fmt.Errorf("unknown operation %q", operation)
	}
}

// addNumbers adds delta to current, treating a missing current as zero and a
// nil delta as one. Integer inputs stay integers.
func addNumbers(current, delta interface{}) (interface{}, error) {
	if delta == nil {
		delta = 1
	}
	ci, cf, cIsInt, err := asNumber(current, true)
	if err != nil {
		return nil, err
	}
	di, df, dIsInt, err := asNumber(delta, false)
	if err != nil {
		return nil, err
	}
	if cIsInt && dIsInt {
		return ci + di, nil
	}
	return cf + df, nil
}

func asNumber(v interface{}, allowNil bool) (int64, float64, bool, error) {
	switch n := v.(type) {
	case nil:
		if allowNil {
			return 0, 0, true, nil
		}
		return 0, 0, false, fmt.Errorf("value is not a number")
	case int:
		return int64(n), float64(n), true, nil
	case int32:
		return int64(n), float64(n), true, nil
	case int64:
		return n, float64(n), true, nil
	case float32:
		return int64(n), float64(n), false, nil
	case float64:
		return int64(n), n, false, nil
	default:
		return 0, 0, false, fmt.Errorf("value %v is not a number", v)
	}
}

// deepCopyMap copies nested maps and slices; scalars are shared.
func deepCopyMap(src map[string]interface{}) map[string]interface{} {
	if src == nil {
		return map[string]interface{}{}
	}
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = deepCopyValue(v)
	}
	return dst
}

func deepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}

// pathsOverlap reports whether one dotted path is a segment-prefix of the
// other, meaning a write to one is visible through the other.
func pathsOverlap(a, b string) bool {
	as := splitPath(a)
	bs := splitPath(b)
	n := len(as)
	if len(bs) < n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
