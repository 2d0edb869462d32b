// Package blobstore provides the object storage substrate of the block node
// store.
//
// A BlobStore holds immutable named blobs. The block store writes one blob
// per compressed node block, one per committed manifest, and a small CURRENT
// blob naming the live manifest. Implementations must be safe for
// concurrent use.
//
// # Built-in Implementations
//
//   - MemoryStore: in-process map, for tests and volatile deployments
//   - LocalStore: local directory, reads through mmap
//   - CachingStore: block-level read cache in front of any BlobStore
//   - s3.Store, s3.DDBCommitStore: Amazon S3, optionally with DynamoDB commits
//   - minio.Store: MinIO and other S3-compatible services
package blobstore
