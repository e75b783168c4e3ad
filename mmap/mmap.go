// Package mmap provides shared file mappings used as read views of the data file.
package mmap

// Map represents a memory-mapped file region.
// A Map never moves or shrinks; growing the file means creating a new Map.
type Map struct {
	data   []byte // Mapped memory region
	size   int64  // Mapped length
	locked bool   // True after a successful Lock
}

// Data returns the mapped byte slice.
func (m *Map) Data() []byte {
	return m.data
}

// Size returns the mapped length.
func (m *Map) Size() int64 {
	return m.size
}

// Error represents an mmap error.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "mmap: " + e.Op + ": " + e.Err.Error()
	}
	return "mmap: " + e.Op
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Common errors
var (
	ErrInvalidSize  = &Error{Op: "invalid size"}
	ErrInvalidRange = &Error{Op: "invalid range"}
	ErrNotMapped    = &Error{Op: "not mapped"}
)
