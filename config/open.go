package config

import (
	"context"
	"fmt"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hupe1980/geobkd"
	"github.com/hupe1980/geobkd/blobstore"
	"github.com/hupe1980/geobkd/blobstore/minio"
	"github.com/hupe1980/geobkd/blobstore/s3"
	"github.com/hupe1980/geobkd/codec"
	"github.com/hupe1980/geobkd/geometry"
	"github.com/hupe1980/geobkd/internal/cache"
	"github.com/hupe1980/geobkd/nodestore"
	"github.com/hupe1980/geobkd/nodestore/blockstore"
	"github.com/hupe1980/geobkd/nodestore/filestore"
	"github.com/hupe1980/geobkd/nodestore/memstore"
	"github.com/hupe1980/geobkd/nodestore/sqlstore"
	"github.com/hupe1980/geobkd/resource"
)

// blobCacheBlockSize is the range granularity of the blob cache.
const blobCacheBlockSize = 64 << 10

// IndexOptions returns the index options for the configuration. rc may be
// nil.
func (c *Config) IndexOptions(rc *resource.Controller) []geobkd.Option {
	return []geobkd.Option{
		geobkd.WithLeafCapacity(c.Index.LeafCapacity),
		geobkd.WithRebuildSlack(c.Index.RebuildSlack),
		geobkd.WithAutoRebuild(c.Index.AutoRebuild),
		geobkd.WithLogger(c.Logger()),
		geobkd.WithResourceController(rc),
	}
}

// OpenStore opens the configured node store for layout l. rc may be nil.
func (c *Config) OpenStore(ctx context.Context, l geometry.Layout, rc *resource.Controller) (nodestore.Store, error) {
	cd := codec.MustByName(c.Store.Codec)

	switch c.Store.Backend {
	case BackendMemory:
		s, err := memstore.New(l, memstore.WithMaxNodes(c.Store.Memory.MaxNodes), memstore.WithResourceController(rc))
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendFile:
		opts := []filestore.Option{filestore.WithCodec(cd), filestore.WithResourceController(rc)}
		if c.Store.File.DisableMmap {
			opts = append(opts, filestore.WithoutMmap())
		}
		s, err := filestore.Open(c.Store.File.Path, l, opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendSQLite:
		s, err := sqlstore.Open(ctx, c.Store.SQLite.Path, l, sqlstore.WithCodec(cd), sqlstore.WithResourceController(rc))
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendBlock:
		blobs, err := c.openBlobStore(ctx, rc)
		if err != nil {
			return nil, err
		}
		b := c.Store.Block
		comp, err := blockstore.ParseCompression(b.Compression)
		if err != nil {
			return nil, err
		}
		s, err := blockstore.Open(ctx, blobs, l,
			blockstore.WithCompression(comp),
			blockstore.WithBlockSize(b.BlockSize),
			blockstore.WithFlushThreshold(b.FlushThreshold),
			blockstore.WithConcurrency(b.Concurrency),
			blockstore.WithCacheBytes(b.CacheBytes),
			blockstore.WithCodec(cd),
			blockstore.WithResourceController(rc),
		)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("config: unknown backend %q", c.Store.Backend)
	}
}

func (c *Config) openBlobStore(ctx context.Context, rc *resource.Controller) (blobstore.BlobStore, error) {
	bc := c.Store.Block.Blob
	var blobs blobstore.BlobStore

	switch bc.Kind {
	case BlobMemory:
		blobs = blobstore.NewMemoryStore()
	case BlobLocal:
		blobs = blobstore.NewLocalStore(bc.Local.Root)
	case BlobS3:
		opts := []s3.Option{s3.WithPrefix(bc.S3.Prefix)}
		if bc.S3.Region != "" {
			opts = append(opts, s3.WithRegion(bc.S3.Region))
		}
		if bc.S3.Endpoint != "" {
			opts = append(opts, s3.WithEndpoint(bc.S3.Endpoint, bc.S3.PathStyle))
		}
		store, err := s3.New(ctx, bc.S3.Bucket, opts...)
		if err != nil {
			return nil, fmt.Errorf("config: s3: %w", err)
		}
		blobs = store
		if bc.S3.DynamoDBTable != "" {
			var loadOpts []func(*awsconfig.LoadOptions) error
			if bc.S3.Region != "" {
				loadOpts = append(loadOpts, awsconfig.WithRegion(bc.S3.Region))
			}
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
			if err != nil {
				return nil, fmt.Errorf("config: dynamodb: %w", err)
			}
			baseURI := "s3://" + strings.TrimSuffix(bc.S3.Bucket+"/"+bc.S3.Prefix, "/")
			blobs = s3.NewDDBCommitStore(store, dynamodb.NewFromConfig(awsCfg), bc.S3.DynamoDBTable, baseURI)
		}
	case BlobMinIO:
		client, err := miniogo.New(bc.MinIO.Endpoint, &miniogo.Options{
			Creds:  credentials.NewStaticV4(bc.MinIO.AccessKey, bc.MinIO.SecretKey, ""),
			Secure: bc.MinIO.Secure,
		})
		if err != nil {
			return nil, fmt.Errorf("config: minio: %w", err)
		}
		blobs = minio.NewStore(client, bc.MinIO.Bucket, bc.MinIO.Prefix)
	default:
		return nil, fmt.Errorf("config: unknown blob store %q", bc.Kind)
	}

	if n := c.Store.Block.BlobCacheBytes; n > 0 {
		blobs = blobstore.NewCachingStore(blobs, cache.NewShardedLRUBlockCache(n, rc), blobCacheBlockSize)
	}
	return blobs, nil
}

// OpenIndex opens the configured store and loads its committed tree, if
// any. extra options are applied after the configured ones.
func (c *Config) OpenIndex(ctx context.Context, extra ...geobkd.Option) (*geobkd.Index, error) {
	gc, err := c.GeometryCodec()
	if err != nil {
		return nil, err
	}
	rc := c.ResourceController()
	store, err := c.OpenStore(ctx, gc.Layout(), rc)
	if err != nil {
		return nil, err
	}
	idx, err := geobkd.Open(ctx, store, gc, append(c.IndexOptions(rc), extra...)...)
	if err != nil {
		if cl, ok := store.(interface{ Close() error }); ok {
			_ = cl.Close()
		}
		return nil, err
	}
	return idx, nil
}
