// ABOUTME: Normalization of the polymorphic "spaces" value carried by frames.
// ABOUTME: Accepts comma separated strings or sequences and yields clean name lists.

package broker

import "strings"

// parseSpaceNames normalizes the spaces value found in frame data or meta.
// Clients send either a comma separated string ("a, b") or a JSON sequence;
// both collapse to a trimmed list with empties dropped. Anything else yields
// nil.
func parseSpaceNames(v any) []string {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return splitSpaceNames(val)
	case []string:
		return trimSpaceNames(val)
	case []any:
		names := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				names = append(names, s)
			}
		}
		return trimSpaceNames(names)
	}
	return nil
}

func splitSpaceNames(s string) []string {
	return trimSpaceNames(strings.Split(s, ","))
}

func trimSpaceNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n != "" {
			out = append(out, n)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// containsWildcard reports whether names asks for every catalog membership.
func containsWildcard(names []string) bool {
	for _, n := range names {
		if n == "*" {
			return true
		}
	}
	return false
}
