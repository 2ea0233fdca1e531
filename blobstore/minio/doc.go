// Package minio stores uppend backups in MinIO or any other S3-compatible
// server (Ceph, Garage, SeaweedFS) without the AWS SDK.
//
//	bucket, err := minio.Connect(ctx, "localhost:9000", "backups",
//	    minio.WithCredentials("minioadmin", "minioadmin"),
//	    minio.WithPrefix("orders"),
//	    minio.WithCreateBucket(),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	id, err := store.Backup(ctx, bucket)
//
// Backup files are streamed as multipart uploads; an aborted upload leaves
// nothing behind.
package minio
