// Package mmap provides read-only memory-mapped file access for zero-copy I/O.
//
// The embedding store maps its append-only data file and hands slices of the
// mapping straight to the decompressor instead of copying payloads through
// kernel buffers.
//
// # Usage
//
//	m, err := mmap.OpenSize("embeddings.dat", capacity)
//	if err != nil { ... }
//	defer m.Close()
//
//	region, _ := m.Region(offset, size)
//	payload := region.Bytes()
//
// # Platform Support
//
//   - Unix: mmap(2) with madvise(2) access hints; mappings may extend past EOF
//   - Windows: CreateFileMapping/MapViewOfFile, clamped to the file length; advice is a no-op
//
// # Thread Safety
//
// Mapping and Region are safe for concurrent read access. Close is idempotent,
// but callers must ensure no goroutine uses a slice obtained from Bytes after
// Close returns. The store enforces this with reference-counted views.
package mmap
