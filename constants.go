package cowdb

import (
	"os"
	"time"
)

// File format constants
const (
	// Magic identifies cowdb data files
	Magic uint32 = 0xC0DBF11E

	// FormatVersion is the data file format version
	FormatVersion uint32 = 2
)

// Page size constraints
const (
	// MinPageSize is the smallest accepted page size
	MinPageSize = 1024

	// MaxPageSize is the largest accepted page size
	MaxPageSize = 65536
)

// Mapping and growth limits
const (
	// maxMapSize is the largest mapping on 64-bit platforms (256TB)
	maxMapSize = 0xFFFFFFFFFFFF

	// maxAllocSize bounds a single page run buffer
	maxAllocSize = 0x7FFFFFFF

	// minMmapSize is the first step of the doubling policy (32KB)
	minMmapSize = 1 << 15

	// DefaultMaxMmapStep is the size above which the mapping grows
	// linearly instead of doubling (1GB)
	DefaultMaxMmapStep = 1 << 30
)

// Defaults applied to zero-valued Options fields
const (
	DefaultMaxBatchSize  int = 1000
	DefaultMaxBatchDelay     = 10 * time.Millisecond
	DefaultAllocSize         = 16 * 1024 * 1024
)

// pgidNoFreelist is stored in meta.freelist when the freelist is not persisted.
const pgidNoFreelist Pgid = 0xFFFFFFFFFFFFFFFF

// flockRetryTimeout is the poll interval while waiting for the file lock.
const flockRetryTimeout = 50 * time.Millisecond

// DefaultPageSize is the OS page size, used when Options.PageSize is zero.
var DefaultPageSize = os.Getpagesize()
