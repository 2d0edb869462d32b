// Package nodestore defines the storage contract of the tree and the types
// that cross it.
//
// A Store hands out NodeRefs for leaves and internal nodes and reads them
// back. The tree algorithms only see this interface, so the same build,
// insert and query code runs over every backend:
//
//   - memstore: a volatile slot table
//   - filestore: an append-only file read through mmap
//   - blockstore: compressed blocks over a blobstore.BlobStore
//   - sqlstore: a SQLite table
//
// Optional capabilities (Freer, Committer, ReaderOpener, io.Closer) are
// discovered with type assertions. Every backend must pass the suite in
// nodestore/storetest.
//
// AppendNode and UnmarshalNode define the record format shared by the
// persistent backends.
package nodestore
