// Package config loads an index configuration from YAML and opens the
// configured node store and index.
//
// Values of the form ${VAR} or ${VAR:-default} are replaced with
// environment variables before parsing.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/geobkd"
	"github.com/hupe1980/geobkd/codec"
	"github.com/hupe1980/geobkd/geometry"
	"github.com/hupe1980/geobkd/nodestore/blockstore"
	"github.com/hupe1980/geobkd/resource"
	"github.com/hupe1980/geobkd/tree"
)

// Backend names.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendBlock  = "block"
	BackendSQLite = "sqlite"
)

// Blob store kinds for the block backend.
const (
	BlobMemory = "memory"
	BlobLocal  = "local"
	BlobS3     = "s3"
	BlobMinIO  = "minio"
)

// Config holds the index configuration.
type Config struct {
	Index     IndexConfig     `yaml:"index"`
	Store     StoreConfig     `yaml:"store"`
	Resources ResourcesConfig `yaml:"resources"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// IndexConfig holds geometry and tree settings.
type IndexConfig struct {
	Geometry      string `yaml:"geometry"` // triangle, point (default: triangle)
	Dims          int    `yaml:"dims"`     // point dimensions (default: 2)
	BytesPerField int    `yaml:"bytes_per_field"`
	LeafCapacity  int    `yaml:"leaf_capacity"`
	RebuildSlack  int    `yaml:"rebuild_slack"`
	AutoRebuild   bool   `yaml:"auto_rebuild"`
}

// StoreConfig selects and configures the node store.
type StoreConfig struct {
	Backend string       `yaml:"backend"` // memory, file, block, sqlite (default: memory)
	Codec   string       `yaml:"codec"`   // cbor, json, go-json (default: cbor)
	Memory  MemoryConfig `yaml:"memory"`
	File    FileConfig   `yaml:"file"`
	SQLite  SQLiteConfig `yaml:"sqlite"`
	Block   BlockConfig  `yaml:"block"`
}

// MemoryConfig configures the volatile backend.
type MemoryConfig struct {
	MaxNodes int `yaml:"max_nodes"`
}

// FileConfig configures the single-file backend.
type FileConfig struct {
	Path        string `yaml:"path"`
	DisableMmap bool   `yaml:"disable_mmap"`
}

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// BlockConfig configures the block backend.
type BlockConfig struct {
	Compression    string     `yaml:"compression"` // none, lz4, zstd (default: lz4)
	BlockSize      int        `yaml:"block_size"`
	FlushThreshold int64      `yaml:"flush_threshold"`
	Concurrency    int        `yaml:"concurrency"`
	CacheBytes     int64      `yaml:"cache_bytes"`
	BlobCacheBytes int64      `yaml:"blob_cache_bytes"` // 0 disables the blob range cache
	Blob           BlobConfig `yaml:"blob"`
}

// BlobConfig selects the blob store under the block backend.
type BlobConfig struct {
	Kind  string      `yaml:"kind"` // memory, local, s3, minio (default: local)
	Local LocalConfig `yaml:"local"`
	S3    S3Config    `yaml:"s3"`
	MinIO MinIOConfig `yaml:"minio"`
}

// LocalConfig configures a directory blob store.
type LocalConfig struct {
	Root string `yaml:"root"`
}

// S3Config configures an S3 blob store.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
	// DynamoDBTable enables DynamoDB commit pointers for concurrent writers.
	DynamoDBTable string `yaml:"dynamodb_table"`
}

// MinIOConfig configures a MinIO blob store.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
}

// ResourcesConfig holds resource limits.
type ResourcesConfig struct {
	MemoryLimitBytes     int64 `yaml:"memory_limit_bytes"`
	MaxBackgroundWorkers int64 `yaml:"max_background_workers"`
	IOLimitBytesPerSec   int64 `yaml:"io_limit_bytes_per_sec"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error; empty disables logging
	Format string `yaml:"format"` // text, json (default: text)
}

// Load reads and parses the YAML file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse expands environment variables in data, parses it and applies
// defaults and validation.
func Parse(data []byte) (Config, error) {
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(path string) Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.Index.Geometry == "" {
		c.Index.Geometry = "triangle"
	}
	if c.Index.Dims <= 0 {
		c.Index.Dims = 2
	}
	if c.Index.BytesPerField <= 0 {
		c.Index.BytesPerField = 4
	}
	if c.Index.LeafCapacity <= 0 {
		c.Index.LeafCapacity = tree.DefaultLeafCapacity
	}
	if c.Index.RebuildSlack <= 0 {
		c.Index.RebuildSlack = geobkd.DefaultRebuildSlack
	}
	if c.Store.Backend == "" {
		c.Store.Backend = BackendMemory
	}
	if c.Store.Codec == "" {
		c.Store.Codec = codec.Default.Name()
	}
	if c.Store.Block.Compression == "" {
		c.Store.Block.Compression = blockstore.CompressionLZ4.String()
	}
	if c.Store.Block.BlockSize <= 0 {
		c.Store.Block.BlockSize = blockstore.DefaultBlockSize
	}
	if c.Store.Block.FlushThreshold <= 0 {
		c.Store.Block.FlushThreshold = blockstore.DefaultFlushThreshold
	}
	if c.Store.Block.Concurrency <= 0 {
		c.Store.Block.Concurrency = 4
	}
	if c.Store.Block.CacheBytes <= 0 {
		c.Store.Block.CacheBytes = blockstore.DefaultCacheBytes
	}
	if c.Store.Block.Blob.Kind == "" {
		c.Store.Block.Blob.Kind = BlobLocal
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	switch c.Index.Geometry {
	case "triangle", "point":
		if _, err := c.GeometryCodec(); err != nil {
			return fmt.Errorf("index: %w", err)
		}
	default:
		return fmt.Errorf("index.geometry must be \"triangle\" or \"point\", got %q", c.Index.Geometry)
	}
	if c.Index.LeafCapacity < 1 {
		return fmt.Errorf("index.leaf_capacity must be positive, got %d", c.Index.LeafCapacity)
	}

	if _, ok := codec.ByName(c.Store.Codec); !ok {
		return fmt.Errorf("store.codec %q is not registered", c.Store.Codec)
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Store.File.Path == "" {
			return fmt.Errorf("store.file.path is required")
		}
	case BackendSQLite:
		if c.Store.SQLite.Path == "" {
			return fmt.Errorf("store.sqlite.path is required")
		}
	case BackendBlock:
		if _, err := blockstore.ParseCompression(c.Store.Block.Compression); err != nil {
			return fmt.Errorf("store.block.compression: %w", err)
		}
		if err := c.Store.Block.Blob.validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("store.backend must be one of memory, file, block, sqlite, got %q", c.Store.Backend)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format)
	}
	if c.Logging.Level != "" {
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(c.Logging.Level)); err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
	}
	return nil
}

func (b *BlobConfig) validate() error {
	switch b.Kind {
	case BlobMemory:
	case BlobLocal:
		if b.Local.Root == "" {
			return fmt.Errorf("store.block.blob.local.root is required")
		}
	case BlobS3:
		if b.S3.Bucket == "" {
			return fmt.Errorf("store.block.blob.s3.bucket is required")
		}
	case BlobMinIO:
		if b.MinIO.Endpoint == "" || b.MinIO.Bucket == "" {
			return fmt.Errorf("store.block.blob.minio.endpoint and bucket are required")
		}
	default:
		return fmt.Errorf("store.block.blob.kind must be one of memory, local, s3, minio, got %q", b.Kind)
	}
	return nil
}

// GeometryCodec returns the codec for the configured geometry.
func (c *Config) GeometryCodec() (geometry.Codec, error) {
	if c.Index.Geometry == "point" {
		return geometry.NewPointCodecWidth(c.Index.Dims, c.Index.BytesPerField)
	}
	return geometry.NewTriangleCodecWidth(c.Index.BytesPerField)
}

// ResourceController returns a controller for the configured limits, or
// nil when no limit is set.
func (c *Config) ResourceController() *resource.Controller {
	r := c.Resources
	if r.MemoryLimitBytes == 0 && r.MaxBackgroundWorkers == 0 && r.IOLimitBytesPerSec == 0 {
		return nil
	}
	return resource.NewController(resource.Config{
		MemoryLimitBytes:     r.MemoryLimitBytes,
		MaxBackgroundWorkers: r.MaxBackgroundWorkers,
		IOLimitBytesPerSec:   r.IOLimitBytesPerSec,
	})
}

// Logger returns the configured logger. An empty level yields a no-op
// logger.
func (c *Config) Logger() *geobkd.Logger {
	if c.Logging.Level == "" {
		return geobkd.NoopLogger()
	}
	var lvl slog.Level
	_ = lvl.UnmarshalText([]byte(c.Logging.Level))
	if c.Logging.Format == "json" {
		return geobkd.NewJSONLogger(lvl)
	}
	return geobkd.NewTextLogger(lvl)
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1])
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
