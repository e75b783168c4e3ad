package cowdb

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Giulio2002/cowdb/internal/fs"
	"github.com/Giulio2002/cowdb/mmap"
)

// mapping is one generation of the read-only file mapping. A mapping is
// never moved or shrunk: growth creates a new generation and retires the
// old one, which is unmapped once its last transaction releases it.
type mapping struct {
	m        *mmap.Map
	refs     atomic.Int64
	retired  atomic.Bool
	unmapped atomic.Bool
}

func (mp *mapping) size() int64 { return mp.m.Size() }

// page returns the page run starting at id. Bounds are checked against
// the mapping only; callers check the snapshot high-water mark.
func (mp *mapping) page(id Pgid, pageSize int) (*Page, error) {
	off := int64(id) * int64(pageSize)
	head, err := mp.m.Slice(off, int64(pageSize))
	if err != nil {
		return nil, WrapError(ErrPageNotFound, fmt.Errorf("page %d: %w", id, err))
	}
	p := &Page{buf: head}
	if n := p.Overflow(); n > 0 {
		run, err := mp.m.Slice(off, int64(n+1)*int64(pageSize))
		if err != nil {
			return nil, WrapError(ErrPageNotFound, fmt.Errorf("page %d overflow %d: %w", id, n, err))
		}
		p.buf = run
	}
	return p, nil
}

func (mp *mapping) unmap() error {
	if !mp.unmapped.CompareAndSwap(false, true) {
		return nil
	}
	return mp.m.Close()
}

// pageStore owns the data file and its mapping generations.
type pageStore struct {
	file     fs.File
	pageSize int
	opts     *Options
	logger   *zap.Logger

	mmaplock sync.RWMutex // exclusive while a new generation is installed
	current  *mapping

	filesz int64 // current file size, only touched by the writer
}

func openPageStore(file fs.File, pageSize int, opts *Options, logger *zap.Logger) (*pageStore, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, WrapError(ErrIO, err)
	}

	s := &pageStore{
		file:     file,
		pageSize: pageSize,
		opts:     opts,
		logger:   logger,
		filesz:   info.Size(),
	}

	size := s.filesz
	if int64(opts.InitialMmapSize) > size {
		size = int64(opts.InitialMmapSize)
	}
	mp, err := s.mmap(size)
	if err != nil {
		return nil, err
	}
	s.current = mp
	return s, nil
}

// mmapSize returns the mapping size for at least size bytes: doubling from
// 32KB up to MaxMmapStep, then growing in MaxMmapStep increments.
func (s *pageStore) mmapSize(size int64) (int64, error) {
	step := int64(s.opts.MaxMmapStep)
	for sz := int64(minMmapSize); sz <= step; sz <<= 1 {
		if size <= sz {
			return sz, nil
		}
	}

	if size > maxMapSize {
		return 0, WrapError(ErrIO, fmt.Errorf("mmap too large: %d", size))
	}

	sz := size
	if remainder := sz % step; remainder > 0 {
		sz += step - remainder
	}

	// Keep the mapping a multiple of the page size.
	pageSize := int64(s.pageSize)
	if sz%pageSize != 0 {
		sz = ((sz / pageSize) + 1) * pageSize
	}
	if sz > maxMapSize {
		sz = maxMapSize
	}
	return sz, nil
}

func (s *pageStore) mmap(minsz int64) (*mapping, error) {
	size, err := s.mmapSize(minsz)
	if err != nil {
		return nil, err
	}

	m, err := mmap.New(int(s.file.Fd()), int(size), s.opts.MmapFlags)
	if err != nil {
		return nil, WrapError(ErrIO, err)
	}
	if err := m.AdviseRandom(); err != nil {
		m.Close()
		return nil, WrapError(ErrIO, fmt.Errorf("madvise: %w", err))
	}
	if s.opts.Mlock {
		if err := m.Lock(); err != nil {
			m.Close()
			return nil, WrapError(ErrIO, err)
		}
	}
	return &mapping{m: m}, nil
}

// acquire pins the current generation for a new transaction.
func (s *pageStore) acquire() *mapping {
	s.mmaplock.RLock()
	mp := s.current
	mp.refs.Add(1)
	s.mmaplock.RUnlock()
	return mp
}

// release unpins a generation and unmaps it if it was retired.
func (s *pageStore) release(mp *mapping) {
	if mp.refs.Add(-1) == 0 && mp.retired.Load() {
		if err := mp.unmap(); err != nil {
			s.logger.Warn("unmap retired mapping", zap.Error(err))
		}
	}
}

func (s *pageStore) retire(mp *mapping) {
	mp.retired.Store(true)
	if mp.refs.Load() == 0 {
		if err := mp.unmap(); err != nil {
			s.logger.Warn("unmap retired mapping", zap.Error(err))
		}
	}
}

// grow makes the file and the mapping cover at least sz bytes. It reports
// whether anything was extended. Transactions keep reading their own
// generation while the new one is installed.
func (s *pageStore) grow(sz int64) (bool, error) {
	grown := false

	s.mmaplock.RLock()
	cur := s.current
	s.mmaplock.RUnlock()

	if sz > cur.size() {
		next, err := s.mmap(sz)
		if err != nil {
			return false, err
		}
		s.mmaplock.Lock()
		s.current = next
		s.mmaplock.Unlock()
		s.retire(cur)
		grown = true

		s.logger.Debug("mapping grown",
			zap.Int64("old", cur.size()),
			zap.Int64("new", next.size()))
		cur = next
	}

	if sz > s.filesz {
		// Small files grow to the mapping size, larger ones by AllocSize.
		if cur.size() <= int64(s.opts.AllocSize) {
			sz = cur.size()
		} else {
			sz += int64(s.opts.AllocSize)
		}
		if err := s.file.Truncate(sz); err != nil {
			return grown, WrapError(ErrIO, fmt.Errorf("file resize: %w", err))
		}
		if !s.opts.NoGrowSync {
			if err := s.file.Sync(); err != nil {
				return grown, WrapError(ErrIO, fmt.Errorf("file sync: %w", err))
			}
		}
		s.logger.Debug("file grown", zap.Int64("old", s.filesz), zap.Int64("new", sz))
		s.filesz = sz
		grown = true
	}
	return grown, nil
}

// flush writes dirty pages in ascending id order and syncs unless NoSync.
func (s *pageStore) flush(pages []*Page) (int64, time.Duration, error) {
	start := time.Now()
	sort.Slice(pages, func(i, j int) bool { return pages[i].ID() < pages[j].ID() })

	var written int64
	for _, p := range pages {
		off := int64(p.ID()) * int64(s.pageSize)
		if _, err := s.file.WriteAt(p.buf, off); err != nil {
			return written, time.Since(start), WrapError(ErrIO, fmt.Errorf("write page %d: %w", p.ID(), err))
		}
		written += int64(p.Overflow()) + 1
	}

	if !s.opts.NoSync {
		if err := s.file.Sync(); err != nil {
			return written, time.Since(start), WrapError(ErrIO, fmt.Errorf("sync: %w", err))
		}
	}
	return written, time.Since(start), nil
}

// sync forces a data sync regardless of NoSync.
func (s *pageStore) sync() error {
	if err := s.file.Sync(); err != nil {
		return WrapError(ErrIO, err)
	}
	return nil
}

// close retires the current generation. Callers ensure no transaction is open.
func (s *pageStore) close() {
	s.mmaplock.Lock()
	cur := s.current
	s.current = nil
	s.mmaplock.Unlock()
	if cur != nil {
		s.retire(cur)
	}
}
