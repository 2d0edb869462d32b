// Package mmap provides read-only memory-mapped views of node files.
//
// # Usage
//
//	m, err := mmap.Map(f, size)
//	if err != nil { ... }
//	defer m.Close()
//
//	rec := m.Bytes()[off : off+n]
//
// A Mapping covers a fixed prefix of the file. Files that keep growing are
// remapped by the owner once appended data must become readable.
//
// # Platform Support
//
//   - Unix (Linux, macOS, BSD): mmap(2) with madvise(2) for access hints
//   - Windows: CreateFileMapping/MapViewOfFile (madvise is a no-op)
//
// # Thread Safety
//
// Bytes and ReadAt are safe for concurrent use. Close is idempotent.
// Callers must ensure no goroutine touches Bytes after Close returns.
package mmap
