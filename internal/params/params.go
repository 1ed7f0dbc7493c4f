// Package params builds remote call parameter objects from ordered override
// layers.
package params

import "strings"

// Layer is a named set of parameter values. The name only serves diagnostics.
type Layer struct {
	Name   string
	Values map[string]any
}

// Merge combines layers, highest precedence first. A key present in an
// earlier layer wins; when both sides hold maps they are merged recursively.
// Slices and scalars are never merged. The inputs are not modified.
func Merge(layers ...Layer) map[string]any {
	out := map[string]any{}
	for i := len(layers) - 1; i >= 0; i-- {
		out = overlay(out, layers[i].Values)
	}
	return out
}

// overlay returns base with top laid over it.
func overlay(base, top map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(top))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range top {
		tm, topIsMap := v.(map[string]any)
		bm, baseIsMap := out[k].(map[string]any)
		if topIsMap && baseIsMap {
			out[k] = overlay(bm, tm)
			continue
		}
		if topIsMap {
			out[k] = overlay(nil, tm)
			continue
		}
		out[k] = v
	}
	return out
}

// Get reads a dotted path such as "user.id" from m. The second result is
// false when any segment is missing.
func Get(m map[string]any, path string) (any, bool) {
	var cur any = m
	for _, seg := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set writes v at a dotted path, creating intermediate maps as needed.
func Set(m map[string]any, path string, v any) {
	segs := strings.Split(path, ".")
	cur := m
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = v
}

// Project builds a map from the mapping source path -> destination path,
// copying only paths that exist in src.
func Project(src map[string]any, mapping map[string]string) map[string]any {
	out := map[string]any{}
	for from, to := range mapping {
		if v, ok := Get(src, from); ok {
			Set(out, to, v)
		}
	}
	return out
}
