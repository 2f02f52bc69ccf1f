// Package shard maps string keys onto a fixed number of lock stripes.
package shard

import "github.com/cespare/xxhash/v2"

// Count is the number of stripes used by the realtime maps.
const Count = 32

// Index returns the stripe for key in [0, n).
func Index(key string, n int) int {
	return int(xxhash.Sum64String(key) % uint64(n))
}
