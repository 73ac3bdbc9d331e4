package capability

import (
	"path"
	"strings"
)

// Match checks whether a tool name matches a capability pattern using the
// broker's dot-separated namespace conventions:
//
//   - Exact match: "math.add" matches only "math.add"
//   - Single-segment wildcard: "math.*" matches "math.add" but not "math.trig.sin"
//   - Recursive wildcard: "math.**" matches "math.add", "math.trig.sin", etc.
//   - Universal: "**" matches any tool name
//   - Interior recursive: "game.**.save" matches "game.save", "game.world.save", etc.
//   - Character wildcards: "?" matches a single character within a segment
//
// The single-segment wildcard "*" does not cross "." boundaries. Use "**"
// to match across namespace levels. Matching is case-sensitive.
//
// Returns false for malformed patterns (unmatched brackets, etc.) rather
// than propagating errors; a malformed pattern must never grant access.
func Match(pattern, name string) bool {
	// Tool names and patterns are dot-namespaced; a slash has no meaning
	// and would corrupt the separator translation below.
	if strings.Contains(pattern, "/") || strings.Contains(name, "/") {
		return false
	}
	return matchPath(toPath(pattern), toPath(name))
}

// MatchAny checks whether a tool name matches any of the given patterns.
// Returns true on the first match. Returns false if the pattern slice is
// empty (default-deny).
func MatchAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if Match(pattern, name) {
			return true
		}
	}
	return false
}

// Narrow computes the explicit granted set for an embodiment request: the
// declared tool names matched by at least one requested pattern, in
// declaration order, deduplicated. The result is returned to the guest
// verbatim; anything outside it is denied, never silently truncated.
func Narrow(requested []string, declared []string) []string {
	granted := make([]string, 0, len(declared))
	seen := make(map[string]struct{}, len(declared))
	for _, name := range declared {
		if _, dup := seen[name]; dup {
			continue
		}
		if MatchAny(requested, name) {
			granted = append(granted, name)
			seen[name] = struct{}{}
		}
	}
	return granted
}

// Valid reports whether a pattern is well formed. Registration rejects
// malformed patterns up front so a body never declares capabilities that
// can silently match nothing.
func Valid(pattern string) bool {
	if pattern == "" || strings.Contains(pattern, "/") {
		return false
	}
	p := toPath(pattern)
	probe := strings.ReplaceAll(p, "**", "x")
	_, err := path.Match(probe, probe)
	return err == nil
}

// toPath rewrites a dot-separated name into the slash hierarchy that
// path.Match understands, so "*" stops at segment boundaries.
func toPath(s string) string {
	return strings.ReplaceAll(s, ".", "/")
}

// matchPath implements the glob semantics over a slash hierarchy.
func matchPath(pattern, name string) bool {
	// Universal match.
	if pattern == "**" {
		return true
	}

	// No ** in the pattern: delegate to path.Match which handles
	// single-segment * and ? correctly (not matching /).
	if !strings.Contains(pattern, "**") {
		matched, err := path.Match(pattern, name)
		if err != nil {
			// Malformed pattern, deny.
			return false
		}
		return matched
	}

	// Pattern contains **. Handle the three cases: suffix, prefix, interior.

	// Suffix: "math/**" matches the prefix (with glob wildcards), then
	// anything after.
	if strings.HasSuffix(pattern, "/**") {
		prefix := pattern[:len(pattern)-3]
		// ** matches zero additional segments: the entire name is the prefix.
		if matchGlob(prefix, name) {
			return true
		}
		// ** matches one or more additional segments.
		return hasMatchingPrefix(prefix, name)
	}

	// Prefix: "**/save" matches anything before, then the suffix.
	if strings.HasPrefix(pattern, "**/") {
		suffix := pattern[3:]
		if matchGlob(suffix, name) {
			return true
		}
		return hasMatchingSuffix(suffix, name)
	}

	// Interior: "game/**/save" splits on the first /**, matching prefix
	// and suffix independently with glob wildcards.
	separatorIndex := strings.Index(pattern, "/**/")
	if separatorIndex >= 0 {
		prefix := pattern[:separatorIndex]
		suffix := pattern[separatorIndex+4:]

		// Zero-segment case: ** consumes nothing, prefix and suffix
		// are adjacent. "game/**/save" matches "game/save".
		if matchGlob(prefix+"/"+suffix, name) {
			return true
		}

		// Multi-segment case: prefix matches the start, suffix matches
		// the end, with at least one segment between for ** to consume.
		prefixDepth := strings.Count(prefix, "/") + 1
		suffixDepth := strings.Count(suffix, "/") + 1
		segments := strings.Split(name, "/")

		if len(segments) < prefixDepth+1+suffixDepth {
			return false
		}

		prefixCandidate := strings.Join(segments[:prefixDepth], "/")
		if !matchGlob(prefix, prefixCandidate) {
			return false
		}

		suffixCandidate := strings.Join(segments[len(segments)-suffixDepth:], "/")
		if !matchGlob(suffix, suffixCandidate) {
			return false
		}

		// Segments consumed by ** must be non-empty (reject names with
		// consecutive dots between prefix and suffix).
		for _, segment := range segments[prefixDepth : len(segments)-suffixDepth] {
			if segment == "" {
				return false
			}
		}
		return true
	}

	// Multiple ** separators and other complex patterns are not
	// supported. Deny by default.
	return false
}

// matchGlob matches a pattern against a string using path.Match semantics.
// Returns false for malformed patterns.
func matchGlob(pattern, s string) bool {
	matched, err := path.Match(pattern, s)
	return err == nil && matched
}

// hasMatchingPrefix reports whether the name starts with segments that
// match the given glob pattern, with at least one additional segment after
// the matched portion.
func hasMatchingPrefix(pattern, name string) bool {
	depth := strings.Count(pattern, "/") + 1
	segments := strings.SplitN(name, "/", depth+1)
	if len(segments) <= depth {
		return false
	}
	candidate := strings.Join(segments[:depth], "/")
	return matchGlob(pattern, candidate)
}

// hasMatchingSuffix reports whether the name ends with segments that match
// the given glob pattern, with at least one additional segment before the
// matched portion.
func hasMatchingSuffix(pattern, name string) bool {
	depth := strings.Count(pattern, "/") + 1
	segments := strings.Split(name, "/")
	if len(segments) <= depth {
		return false
	}
	candidate := strings.Join(segments[len(segments)-depth:], "/")
	return matchGlob(pattern, candidate)
}
