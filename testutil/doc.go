// Package testutil provides fixtures for tests and benchmarks: a seeded,
// thread-safe RNG producing triangles, points and query boxes, and a brute
// force oracle that query results are checked against.
//
//	rng := testutil.NewRNG(4711)
//	items := testutil.EncodeAll(codec, rng.Triangles(1000, 1<<16))
//	want := testutil.BruteForce(codec, items, rng.Box(1<<16))
package testutil
