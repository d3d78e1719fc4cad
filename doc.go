// Package embedvault is an embedded storage engine for vector embeddings.
//
// A Vault keeps compressed embeddings in an append-only, memory-mapped data
// file, records every mutation in a versioned update log, serves
// approximate nearest-neighbour queries from a persisted IVF-PQ index and
// caches query results.
//
// # Quick Start
//
//	ctx := context.Background()
//	v, _ := embedvault.Open(ctx, "./vault", embedvault.WithMetric(distance.MetricCosine))
//	defer v.Close()
//
//	_ = v.Put(ctx, "doc-1", embedding, map[string]string{"path": "docs/intro.md"})
//	_, _ = v.EnsureIndex(ctx, false)
//	results, _ := v.Search(ctx, query, 10)
//	for _, r := range results {
//	    fmt.Println(r.ID, r.Locator, r.Score)
//	}
//
// # Write Path
//
// Put checks the dimension, compresses the vector (byte shuffle + zstd or
// LZ4, CRC32C over the raw bytes), appends it to the data file and records
// the operation in the update log. Writing unchanged content is a no-op.
// With WithAutoRebuild a write that pushes the row count past the drift
// tolerance starts a background index rebuild.
//
// # Query Path
//
// Search looks up the query cache, deduplicates concurrent misses, asks the
// index for candidates (or scans every row when no index is servable),
// re-scores candidates against the stored vectors and caches the result.
// Cached results expire by TTL; WithInvalidateOnWrite clears the cache on
// every mutation instead.
//
// # Versions
//
// Snapshot marks the current state as a version. Rollback restores any
// earlier version without discarding the log, so later versions remain
// reachable.
//
// # Backup
//
// Backup uploads a consistent image of the vault to a blobstore.Store (local
// directory, S3 or MinIO); Restore downloads it into an empty directory.
package embedvault
