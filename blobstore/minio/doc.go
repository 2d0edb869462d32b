// Package minio stores node blocks and manifests in any S3-compatible
// service reachable through minio-go (MinIO, Ceph, Garage, SeaweedFS).
//
//	client, err := minio.New("localhost:9000", &minio.Options{
//	    Creds: credentials.NewStaticV4(accessKey, secretKey, ""),
//	})
//	if err != nil {
//	    return err
//	}
//	nodes, err := blockstore.Open(ctx, minioblob.NewStore(client, "shapes", "roads/"), codec.Layout())
//
// Manifests are published with If-None-Match so concurrent committers
// cannot overwrite each other's versions.
package minio
