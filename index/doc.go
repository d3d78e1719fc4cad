// Package index manages the lifecycle of approximate-nearest-neighbor
// indexes over the vault's embeddings.
//
// An index is produced by a pluggable Builder and described by a Descriptor
// persisted as JSON under indexes/<table>/<build_id>.json, with
// indexes/<table>/CURRENT naming the live build. Descriptors are written only
// after the build artifact is durable, and a new build always writes a new
// descriptor.
//
// Manager.EnsureIndex decides between reusing the persisted index and
// rebuilding it:
//
//	not forced, descriptor readable, parameters match, drift <= tolerance
//	    -> load + prewarm (StateReused)
//	otherwise
//	    -> StateStale, build bounded by the build timeout (StateBuilt)
//
// Queries go through Manager.Search, which pins the current index for the
// duration of the call. Rebuilds, synchronous or via RebuildAsync, swap the
// new index in atomically; the old one is closed once its last query ends.
package index
