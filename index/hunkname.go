// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

package index

import "sort"

// parseNumericName parses name as a decimal integer of exactly width
// digits (the zero-padded segment/hunk directory and file names used
// under i/), rejecting anything else.
func parseNumericName(name string, width int) (int, bool) {
	if len(name) != width {
		return 0, false
	}
	n := 0
	for _, c := range name {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

// sortedNumericNames returns names sorted by their integer value,
// dropping anything that isn't a plain decimal string (unrecognized
// directory entries are reported by validation, not here).
func sortedNumericNames(names []string) []string {
	type kv struct {
		name string
		n    int
	}
	var kvs []kv
	for _, name := range names {
		n := 0
		ok := len(name) > 0
		for _, c := range name {
			if c < '0' || c > '9' {
				ok = false
				break
			}
			n = n*10 + int(c-'0')
		}
		if ok {
			kvs = append(kvs, kv{name, n})
		}
	}
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].n < kvs[j].n })
	out := make([]string, len(kvs))
	for i, e := range kvs {
		out[i] = e.name
	}
	return out
}
