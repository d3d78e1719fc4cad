// Package minio implements blobstore.Store on MinIO and other
// S3-compatible object stores through minio-go.
//
//	client, _ := minio.New("localhost:9000", &minio.Options{
//	    Creds: credentials.NewStaticV4(accessKey, secretKey, ""),
//	})
//	store := blobminio.NewStore(client, "backups", "vault-a")
package minio
