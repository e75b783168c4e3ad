package cowdb

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Giulio2002/cowdb/freelist"
	"github.com/Giulio2002/cowdb/internal/fs"
)

// FreelistType selects the free page backend.
type FreelistType string

const (
	// FreelistArrayType keeps free ids sorted and always allocates the
	// lowest fitting run, which keeps the file compact.
	FreelistArrayType = FreelistType("array")

	// FreelistMapType keeps free spans in hash maps for O(1) average
	// allocation with no ordering guarantee.
	FreelistMapType = FreelistType("hashmap")
)

func (t FreelistType) newFreelist() *freelist.Freelist {
	if t == FreelistMapType {
		return freelist.NewHashMap()
	}
	return freelist.NewArray()
}

// Options represents the options that can be set when opening a database.
type Options struct {
	// Timeout bounds the wait for the file lock and for the writer lock.
	// Zero waits indefinitely. A negative value never waits: Open reports
	// ErrDatabaseOpen if another handle holds the file lock, and Begin(true)
	// reports ErrTimeout if another writer is active.
	Timeout time.Duration

	// NoSync skips the data sync after every commit. A crash may then lose
	// or corrupt recent commits.
	NoSync bool

	// NoGrowSync skips the sync after the file is extended.
	NoGrowSync bool

	// NoFreelistSync skips persisting the freelist on commit. Opening the
	// database then rebuilds it by scanning every reachable page.
	NoFreelistSync bool

	// ReleaseReaderGaps also reuses pages that were allocated and freed
	// entirely between two open readers, before the oldest reader closes.
	// Off by default: a page freed by txid T then stays pending until every
	// reader with txid <= T has closed.
	ReleaseReaderGaps bool

	// PreLoadFreelist loads the freelist at open even in read-only mode,
	// so Stats reports it.
	PreLoadFreelist bool

	// FreelistType selects the free page backend. Defaults to FreelistArrayType.
	FreelistType FreelistType

	// ReadOnly opens the file with a shared lock and rejects write transactions.
	ReadOnly bool

	// MmapFlags are OR-ed into the mmap flags (for example syscall.MAP_POPULATE).
	MmapFlags int

	// InitialMmapSize is the minimum size of the first mapping. A mapping
	// large enough for the whole life of the database never needs to grow.
	InitialMmapSize int

	// PageSize overrides the OS page size for new files. Existing files
	// keep the page size they were created with.
	PageSize int

	// Mlock pins the mapped pages in physical memory.
	Mlock bool

	// MaxBatchSize is the number of calls that triggers a batch commit.
	MaxBatchSize int

	// MaxBatchDelay is the longest a batch waits before committing.
	MaxBatchDelay time.Duration

	// AllocSize is the chunk the file grows by once it is past AllocSize.
	AllocSize int

	// MaxMmapStep is the mapping size past which growth is linear in
	// steps of MaxMmapStep instead of doubling.
	MaxMmapStep int

	// FileSystem opens the data file. Defaults to the local file system.
	FileSystem fs.FileSystem

	// Logger receives open, grow, commit failure and close events.
	// Defaults to a no-op logger.
	Logger *zap.Logger
}

// DefaultOptions represent the options used if nil options are passed into Open().
var DefaultOptions = &Options{
	Timeout:       0,
	NoGrowSync:    false,
	FreelistType:  FreelistArrayType,
	MaxBatchSize:  DefaultMaxBatchSize,
	MaxBatchDelay: DefaultMaxBatchDelay,
	AllocSize:     DefaultAllocSize,
	MaxMmapStep:   DefaultMaxMmapStep,
}

// withDefaults returns a copy of o with zero-valued fields defaulted.
func (o *Options) withDefaults() (Options, error) {
	if o == nil {
		o = DefaultOptions
	}
	opts := *o

	if opts.FreelistType == "" {
		opts.FreelistType = FreelistArrayType
	}
	if opts.FreelistType != FreelistArrayType && opts.FreelistType != FreelistMapType {
		return opts, WrapError(ErrIncompatible, fmt.Errorf("unknown freelist type %q", opts.FreelistType))
	}
	if opts.PageSize == 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.PageSize < MinPageSize || opts.PageSize > MaxPageSize || opts.PageSize&(opts.PageSize-1) != 0 {
		return opts, WrapError(ErrIncompatible, fmt.Errorf("page size %d", opts.PageSize))
	}
	if opts.MaxBatchSize == 0 {
		opts.MaxBatchSize = DefaultMaxBatchSize
	}
	if opts.MaxBatchDelay == 0 {
		opts.MaxBatchDelay = DefaultMaxBatchDelay
	}
	if opts.AllocSize == 0 {
		opts.AllocSize = DefaultAllocSize
	}
	if opts.MaxMmapStep == 0 {
		opts.MaxMmapStep = DefaultMaxMmapStep
	}
	if opts.FileSystem == nil {
		opts.FileSystem = fs.Default
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return opts, nil
}

func (o *Options) String() string {
	if o == nil {
		return "{}"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "{Timeout:%s", o.Timeout)
	fmt.Fprintf(&b, " NoSync:%t NoGrowSync:%t NoFreelistSync:%t", o.NoSync, o.NoGrowSync, o.NoFreelistSync)
	fmt.Fprintf(&b, " ReleaseReaderGaps:%t", o.ReleaseReaderGaps)
	fmt.Fprintf(&b, " PreLoadFreelist:%t FreelistType:%s ReadOnly:%t", o.PreLoadFreelist, o.FreelistType, o.ReadOnly)
	fmt.Fprintf(&b, " MmapFlags:%#x InitialMmapSize:%d PageSize:%d Mlock:%t", o.MmapFlags, o.InitialMmapSize, o.PageSize, o.Mlock)
	fmt.Fprintf(&b, " MaxBatchSize:%d MaxBatchDelay:%s", o.MaxBatchSize, o.MaxBatchDelay)
	fmt.Fprintf(&b, " AllocSize:%d MaxMmapStep:%d}", o.AllocSize, o.MaxMmapStep)
	return b.String()
}
