// Package geometry defines the coordinate model and the fixed-width codecs
// that turn points and triangles into sortable byte tuples.
//
// Every coordinate is an int32. Encoded fields are written big-endian with
// the sign bit flipped so that bytewise comparison of a field matches its
// numeric order. Floating point inputs enter the integer domain through
// EncodeLatitude, EncodeLongitude or FloatToSortableInt.
//
// Triangles are stored in canonical form: counter-clockwise winding, with the
// vertex of minimum X (ties: minimum Y) first. Every vertex ordering of the
// same triangle therefore encodes to the same bytes.
//
// Triangle encoding (version 1) uses seven fields:
//
//	[minY, minX, maxY, maxX, otherX, otherY, bits]
//
// The first four are index fields. bits holds, from the least significant
// bit: which of B (0) or C (1) has maxX, the index of the first vertex with
// minY (2 bits), the index of the first vertex with maxY (2 bits), and the
// edge flags AB, BC, CA. All higher bits are zero.
package geometry
