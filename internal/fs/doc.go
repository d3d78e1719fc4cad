// Package fs provides filesystem abstractions for testability and fault injection.
//
// The package defines two key interfaces:
//
//   - [File]: an open file with positional read/write, sync and truncate
//   - [FileSystem]: open, remove, rename, stat and directory operations
//
// # Implementations
//
//   - [LocalFS]: production implementation using the os package
//   - [FaultyFS]: test utility that injects write, sync and rename failures
//
// [WriteFileAtomic] implements the temp-file + fsync + rename protocol used for
// every metadata file (manifests, descriptors, CURRENT pointers).
//
// # Design Notes
//
// This package does not take context.Context parameters. Local filesystem
// calls are short and not interruptible at the syscall level; slow remote
// storage goes through the blobstore package instead.
package fs
