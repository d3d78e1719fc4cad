// Package s3 implements blobstore.Store on Amazon S3.
//
// Uploads go through the SDK's multipart upload manager so large data files
// stream without being buffered whole. Credentials and region come from the
// standard AWS configuration chain when NewFromConfig is used.
package s3
