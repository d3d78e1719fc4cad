// Package blobstore abstracts the targets vault backups are written to and
// restored from.
//
// A backup is a set of named blobs (the data file, the manifest, the update
// log and the index descriptors and artifacts). Stores only need whole-blob
// put, get, list and delete.
//
// # Built-in Implementations
//
//   - LocalStore: a directory on the local file system
//   - MemoryStore: in-memory, for tests
//   - s3.Store: Amazon S3 with multipart uploads
//   - minio.Store: MinIO and other S3-compatible services
package blobstore
