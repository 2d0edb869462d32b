package mmap

import "errors"

// AccessPattern is an madvise hint for a mapped range.
type AccessPattern int

const (
	AccessDefault AccessPattern = iota
	// AccessSequential suits recovery scans over the whole file.
	AccessSequential
	// AccessRandom suits node lookups by ref.
	AccessRandom
	// AccessWillNeed prefetches a range, e.g. the ref table.
	AccessWillNeed
)

var (
	ErrClosed        = errors.New("mmap: mapping is closed")
	ErrInvalidSize   = errors.New("mmap: invalid file size")
	ErrOutOfBounds   = errors.New("mmap: out of bounds")
	ErrInvalidOffset = errors.New("mmap: invalid offset")
)
