// Package s3 provides an S3 implementation of the blobstore.BlobStore
// interface and a DynamoDB backed catalog for backup pointers.
//
// # Usage
//
//	store, err := s3.New(ctx, "my-bucket",
//	    s3.WithPrefix("backups/"),
//	    s3.WithRegion("us-east-1"),
//	)
//
//	err = db.Backup(ctx, store)
//
// # Features
//
//   - Range reads for efficient partial fetches
//   - Multipart uploads for large payload files
//   - CRC32C integrity checksums on upload
//   - Conditional writes so a backup is never overwritten
//   - Optional DynamoDB catalog for safe concurrent backup commits
package s3
