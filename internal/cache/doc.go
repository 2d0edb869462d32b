// Package cache provides in-memory LRU caches for immutable blocks.
//
// The block store caches decompressed node blocks, and the caching blob
// store caches raw byte ranges of remote blobs. Cached bytes are charged to
// a resource.Controller so caches share the memory budget with volatile
// node stores.
package cache
