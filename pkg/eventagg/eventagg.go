// Package eventagg groups raw event types into per-type counts.
//
// The aggregation is a pure, total function: it performs no I/O and never
// fails. Grouping is case-insensitive under a locale-independent ASCII fold;
// the representative spelling for each group is the first one observed.
package eventagg

import "sort"

// TypeCount is one aggregated (event type, count) pair.
type TypeCount struct {
	Type  string
	Count int
}

// Aggregate counts event types case-insensitively (ASCII fold) and returns
// the groups sorted by folded type ascending. Each group keeps the
// first-observed spelling as its representative; every count is >= 1.
// Empty input yields empty output.
func Aggregate(types []string) []TypeCount {
	if len(types) == 0 {
		return nil
	}
	idx := make(map[string]int, len(types))
	out := make([]TypeCount, 0, len(types))
	for _, t := range types {
		k := FoldASCII(t)
		if i, ok := idx[k]; ok {
			out[i].Count++
			continue
		}
		idx[k] = len(out)
		out = append(out, TypeCount{Type: t, Count: 1})
	}
	// Stable keeps first-observed order for groups whose folded keys compare
	// equal; distinct groups always have distinct keys, so this is a plain
	// ascending sort in practice.
	sort.SliceStable(out, func(i, j int) bool {
		return FoldASCII(out[i].Type) < FoldASCII(out[j].Type)
	})
	return out
}

// FoldASCII lowercases ASCII letters only, leaving all other bytes intact.
// It is locale-independent by construction.
func FoldASCII(s string) string {
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= 'A' && c <= 'Z' {
			b := []byte(s)
			for ; i < len(b); i++ {
				if c := b[i]; c >= 'A' && c <= 'Z' {
					b[i] = c + ('a' - 'A')
				}
			}
			return string(b)
		}
	}
	return s
}
