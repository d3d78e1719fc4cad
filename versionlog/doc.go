// Package versionlog records every mutation of the store as a sequenced
// delta operation and supports snapshots and logical rollback.
//
// The log lives in a single CRC-framed file (updates.wal). Each Add or
// Update record carries the compressed embedding envelope and the metadata
// of one id; Delete records carry only the id. Snapshot records mark the
// current sequence number as a version boundary.
//
// # Rollback
//
// RollbackToVersion never truncates the log. It masks every sequence number
// that is not part of the target version's state in a roaring64 bitmap,
// persists that mask as a Rollback record, and rewrites the store to match.
// Later updates continue with fresh sequence numbers, so a rollback can
// itself be rolled forward to any version created before it.
//
// # Concurrency
//
// Updates to different ids run in parallel through compression and the
// store write. Sequence assignment and the log append form one short
// exclusive section; fsync is shared between concurrent appenders.
package versionlog
