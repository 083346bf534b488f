package shard

import "hash/fnv"

// Assign reports whether symbol belongs to the shard at index, given count
// total shards. The assignment is a pure function of the symbol name, so it
// is stable across restarts and across service instances: for a fixed count
// every symbol lands on exactly one index in [0, count).
//
// Callers must guarantee 0 <= index < count and count >= 1; configuration
// validation enforces this before the loop starts.
func Assign(symbol string, index, count int) bool {
	if count <= 1 {
		return index == 0
	}
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return int(h.Sum32())%count == index
}

// Filter returns the subset of symbols assigned to the shard at index.
// Input order is preserved.
func Filter(symbols []string, index, count int) []string {
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if Assign(s, index, count) {
			out = append(out, s)
		}
	}
	return out
}
