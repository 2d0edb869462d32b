// Package s3 provides Amazon S3 implementations of blobstore.BlobStore.
//
// # Usage
//
//	store, err := s3.New(ctx, "my-bucket",
//	    s3.WithPrefix("shapes/"),
//	    s3.WithRegion("eu-central-1"),
//	)
//	bs, err := blockstore.Open(ctx, store, codec.Layout())
//
// Wrap the store in a DDBCommitStore when several processes may commit to
// the same prefix; DynamoDB then arbitrates updates of the CURRENT pointer.
//
// # Features
//
//   - Range reads for node blocks
//   - Streaming multipart uploads with CRC32C checksums
//   - Conditional writes (If-None-Match) for immutable blobs
//   - Paginated listing under a configurable prefix
package s3
