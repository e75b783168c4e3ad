//go:build unix

package mmap

import (
	"golang.org/x/sys/unix"
)

// New creates a shared read-only mapping of the first length bytes of fd.
// flags are OR-ed into MAP_SHARED (for example MAP_POPULATE on linux).
// The mapping may extend past the end of the file; touching such pages
// raises SIGBUS, so callers must bound reads by the file size.
func New(fd int, length int, flags int) (*Map, error) {
	if length <= 0 {
		return nil, ErrInvalidSize
	}

	data, err := unix.Mmap(fd, 0, length, unix.PROT_READ, unix.MAP_SHARED|flags)
	if err != nil {
		return nil, &Error{Op: "mmap", Err: err}
	}

	return &Map{
		data: data,
		size: int64(length),
	}, nil
}

// Slice returns length bytes starting at offset.
func (m *Map) Slice(offset, length int64) ([]byte, error) {
	if m.data == nil {
		return nil, ErrNotMapped
	}
	if offset < 0 || length < 0 || offset+length > m.size {
		return nil, ErrInvalidRange
	}
	return m.data[offset : offset+length : offset+length], nil
}

// Close releases the memory mapping.
func (m *Map) Close() error {
	if m.data == nil {
		return nil
	}

	if m.locked {
		_ = unix.Munlock(m.data)
		m.locked = false
	}
	err := unix.Munmap(m.data)
	m.data = nil
	m.size = 0
	if err != nil {
		return &Error{Op: "munmap", Err: err}
	}
	return nil
}

// Lock locks the mapped pages in memory (prevents swapping).
func (m *Map) Lock() error {
	if m.data == nil {
		return ErrNotMapped
	}
	if err := unix.Mlock(m.data); err != nil {
		return &Error{Op: "mlock", Err: err}
	}
	m.locked = true
	return nil
}

// advise provides hints to the kernel about memory usage patterns.
func (m *Map) advise(advice int) error {
	if m.data == nil {
		return ErrNotMapped
	}
	return unix.Madvise(m.data, advice)
}

// AdviseRandom hints that pages will be accessed randomly.
func (m *Map) AdviseRandom() error {
	return m.advise(unix.MADV_RANDOM)
}
