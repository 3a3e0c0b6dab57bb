package store

import (
	"sort"
	"strings"
)

// qualify prefixes every column in a comma-separated list with a table
// alias, so shared column lists work in joined queries.
func qualify(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func sortInt64s(v []int64) {
	sort.Slice(v, func(i, j int) bool { return v[i] < v[j] })
}
