// Package reservation implements the pattern-based mutual-exclusion
// service over file path globs: agents declare intent over subsets of the
// source tree via ordered glob patterns, the engine detects overlaps
// against every other agent's active reservations in the same project,
// grants time-bounded leases, and exposes the conflict check the
// pre-commit guard consults.
package reservation

import "github.com/bmatcuk/doublestar/v4"

// patternsOverlap reports whether any path in files matches at least one
// pattern from a and at least one pattern from b. This is the conservative
// interpretation spec.md's open question adopts: two reservations conflict
// only if a concrete file on disk would satisfy both, not merely because
// their glob text could theoretically intersect.
func patternsOverlap(a, b []string, files []string) bool {
	for _, f := range files {
		if matchesAny(a, f) && matchesAny(b, f) {
			return true
		}
	}
	return false
}

func matchesAny(patterns []string, path string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, path); ok {
			return true
		}
	}
	return false
}
