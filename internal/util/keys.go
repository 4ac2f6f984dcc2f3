package util

import (
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// maxInlineParams is the longest normalized parameter list kept verbatim in a key.
// Longer lists are replaced by a hash so composite keys stay bounded.
const maxInlineParams = 64

// NormalizeList trims, drops empties, dedupes and sorts a parameter list.
func NormalizeList(items []string) []string {
	out := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" {
			continue
		}
		if _, dup := seen[it]; dup {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	sort.Strings(out)
	return out
}

// ParamsKey returns a deterministic key segment for a parameter list.
// Order and duplicates do not change the result.
func ParamsKey(items []string) string {
	norm := NormalizeList(items)
	if len(norm) == 0 {
		return "-"
	}
	joined := strings.Join(norm, ",")
	if len(joined) <= maxInlineParams {
		return joined
	}
	return "h" + strconv.FormatUint(xxhash.Sum64String(joined), 16)
}

// Join builds a colon separated composite key.
func Join(parts ...string) string {
	return strings.Join(parts, ":")
}
