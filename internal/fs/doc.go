// Package fs abstracts the file operations of the single-file node store
// so tests can inject write, sync and truncate failures.
//
// Production code uses fs.Default:
//
//	f, err := fs.Default.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
//
// Tests wrap it in a [FaultyFS]:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule("nodes.bkd", fs.Fault{FailAfterBytes: 1024})
//
// Files returned by [LocalFS] are *os.File, which lets the file store memory
// map them. Files returned by [FaultyFS] are not, so the store falls back to
// pread.
package fs
