package fs

import (
	"io"
	"os"
)

// File represents an open data file.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	Truncate(size int64) error
	// Sync flushes file data to stable storage. It may skip metadata
	// that is not needed to read the data back.
	Sync() error
	Stat() (os.FileInfo, error)
	Fd() uintptr
	Name() string
}

// FileSystem abstracts file system operations for testability.
type FileSystem interface {
	OpenFile(name string, flag int, perm os.FileMode) (File, error)
}

// LocalFS implements FileSystem using the local os package.
type LocalFS struct{}

func (LocalFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	f, err := os.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &localFile{File: f}, nil
}

// Default is the default local file system.
var Default FileSystem = LocalFS{}

type localFile struct {
	*os.File
}

func (f *localFile) Sync() error {
	return fdatasync(f.File)
}
