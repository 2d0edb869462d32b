// Package geobkd provides a storage-agnostic BKD tree for spatial data.
//
// Shapes (triangles and points) are packed into fixed-width byte tuples by a
// geometry.Codec. The tree only ever sees those tuples: it splits on the
// widest indexed field, prunes with per-node extents and stores nodes through
// the nodestore.Store contract, so the same tree runs on memory, a local file,
// SQLite or an object store.
//
// # Quick Start
//
//	ctx := context.Background()
//	codec := geometry.NewTriangleCodec()
//	store, _ := memstore.New(codec.Layout())
//	idx, _ := geobkd.New(store, codec, geobkd.WithLeafCapacity(256))
//	defer idx.Close()
//
//	tri := geometry.MustTriangle(
//		geometry.Vertex{X: 0, Y: 0}, geometry.Vertex{X: 4, Y: 0}, geometry.Vertex{X: 0, Y: 3},
//		true, true, true)
//	_ = idx.InsertTriangle(ctx, 1, tri)
//
//	for m, err := range idx.Search(ctx, geometry.Box2D(1, 1, 2, 2)) {
//		if err != nil {
//			return err
//		}
//		fmt.Println(m.Payload, m.Shape)
//	}
//
// # Concurrency
//
// Index is safe for concurrent use. Searches pin an immutable Snapshot and
// never block writers. Inserts, builds and rebuilds are serialized; each one
// writes new nodes with copy-on-write and publishes the new root atomically.
// Nodes superseded by a publish are freed once every snapshot that could
// still reach them has been released.
//
// # Durability
//
// Stores implementing nodestore.Committer (filestore, blockstore, sqlstore)
// persist the current root with Commit and restore it with Open:
//
//	store, _ := filestore.Open("./shapes.bkd", codec.Layout())
//	idx, _ := geobkd.Open(ctx, store, codec)
//	...
//	id, _ := idx.Commit(ctx)
//
// # Rebalancing
//
// Incremental inserts never rebalance. NeedsRebuild reports when the tree
// has grown more than WithRebuildSlack levels beyond a bulk build of the
// same items, and Rebuild restores a balanced tree. WithAutoRebuild runs the
// rebuild in the background, bounded by a resource.Controller.
package geobkd
