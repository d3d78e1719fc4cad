// Package cache memoizes query results.
//
// Keys are 128-bit murmur3 hashes over the query vector's little-endian
// bytes, the result limit, and every result-affecting parameter, so
// identical queries issued from different call sites share one entry.
//
// The cache is split into 16 shards, each an LRU list with a per-entry TTL.
// Values are copied on Put and on Get; callers never share slices with the
// cache.
//
// # Freshness
//
// Entries are not invalidated when data is written or an index is rebuilt.
// Freshness relies on TTL expiry alone, so a result can be up to TTL old.
// Callers that need read-after-write consistency call Clear after writes
// (the vault does so when configured with InvalidateOnWrite).
package cache
