package cache

import (
	"sort"
	"strings"
)

// Key builds the deterministic cache key for a (collection, filter
// params) pair. Params are serialized in sorted order so two logically
// identical queries always share one entry.
func Key(collection string, params map[string]string) string {
	if len(params) == 0 {
		return collection
	}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.Grow(len(collection) + len(params)*16)
	b.WriteString(collection)
	b.WriteByte('?')

	for i, name := range names {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(params[name])
	}

	return b.String()
}
