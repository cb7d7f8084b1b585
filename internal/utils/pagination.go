// Package utils holds tiny helpers shared by the HTTP layer. Nothing in
// here knows about tickets, users, or the database.
package utils

import "strconv"

// AtoiDefault parses s as a base-10 integer, falling back to def when s is
// empty or not a valid number. Handy for query parameters where a missing
// or garbled value should silently become the default.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// ClampInt constrains v to the inclusive range [lo, hi]. Callers are
// expected to pass lo <= hi.
func ClampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
