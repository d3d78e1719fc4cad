// Package store implements the memory-mapped embedding store.
//
// A store directory holds two files:
//
//	embeddings.dat  append-only concatenation of opaque payloads
//	manifest.json   id -> {offset, size, dimension, compressed}
//
// # Write path
//
// Put runs under a single writer lock: the payload is appended at the end of
// the data file and made durable, a new manifest is built off to the side,
// the mapping is extended if needed, the manifest is persisted atomically
// (temp file, fsync, rename), and finally the new read view is published with
// one atomic pointer swap. A failure at any step truncates the data file back
// and leaves the published view and manifest untouched.
//
// # Read path
//
// Readers load the current view without locking and borrow the mapped bytes
// for the duration of a callback:
//
//	err := s.Read("doc_1", func(b []byte) error {
//	    v, err := compress.DecodeBinary(b)
//	    ...
//	})
//
// Mappings are reference counted; a mapping replaced by a remap is unmapped
// once its last reader returns.
//
// # Limitations
//
// Remove only drops the manifest entry. Bytes of removed or overwritten
// entries stay in the data file until it is rebuilt externally.
package store
