package util

import (
	"cmp"
	"slices"
)

// SortedUnique returns a sorted copy of values with duplicates removed.
// A nil or empty input yields nil.
func SortedUnique[T cmp.Ordered](values []T) []T {
	if len(values) == 0 {
		return nil
	}
	out := slices.Clone(values)
	slices.Sort(out)
	return slices.Compact(out)
}
