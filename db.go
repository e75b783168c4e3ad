package cowdb

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Giulio2002/cowdb/freelist"
	"github.com/Giulio2002/cowdb/internal/common"
	"github.com/Giulio2002/cowdb/internal/fs"
)

// DB represents a single-file page store with one writer and many readers.
// All methods are safe for concurrent use.
type DB struct {
	path     string
	opts     Options
	logger   *zap.Logger
	pageSize int
	readOnly bool

	file     fs.File
	store    *pageStore
	metas    *metaManager
	freelist *freelist.Freelist
	pagePool sync.Pool

	// Lifecycle: opened is guarded by mu; txWg counts open transactions.
	mu     sync.RWMutex
	opened bool
	txWg   sync.WaitGroup

	rwlock *semaphore.Weighted // single writer

	// metalock orders reader registration, meta snapshots and page release.
	metalock sync.Mutex
	readers  map[Txid]int

	statlock sync.Mutex
	stats    Stats

	batchMu sync.Mutex
	batch   *batch
}

// Open creates and opens a database at the given path with the given file mode.
// If the file does not exist then it will be created automatically with a given file mode.
// Passing in nil options will cause cowdb to open the database with the default options.
func Open(path string, mode os.FileMode, options *Options) (*DB, error) {
	opts, err := options.withDefaults()
	if err != nil {
		return nil, err
	}

	db := &DB{
		path:     path,
		opts:     opts,
		logger:   opts.Logger.With(zap.String("path", path)),
		readOnly: opts.ReadOnly,
		rwlock:   semaphore.NewWeighted(1),
		readers:  make(map[Txid]int),
	}

	flag := os.O_RDWR | os.O_CREATE
	if db.readOnly {
		flag = os.O_RDONLY
	}
	db.file, err = opts.FileSystem.OpenFile(path, flag, mode)
	if err != nil {
		return nil, WrapError(ErrIO, err)
	}

	// A read-write handle excludes every other handle; readers share.
	if err := flock(db.file, !db.readOnly, opts.Timeout); err != nil {
		_ = db.file.Close()
		return nil, err
	}

	if err := db.load(); err != nil {
		_ = db.close()
		return nil, err
	}

	db.pagePool = sync.Pool{
		New: func() any {
			return make([]byte, db.pageSize)
		},
	}

	db.opened = true
	db.logger.Info("database opened",
		zap.String("version", Version()),
		zap.Int("page_size", db.pageSize),
		zap.Uint64("txid", uint64(db.metas.snapshot().txid)),
		zap.String("freelist", string(opts.FreelistType)),
		zap.Stringer("options", &opts))
	return db, nil
}

// load initializes an empty file, maps it and loads the meta and freelist.
func (db *DB) load() error {
	info, err := db.file.Stat()
	if err != nil {
		return WrapError(ErrIO, err)
	}
	if info.Size() == 0 {
		if db.readOnly {
			return WrapError(ErrInvalid, fmt.Errorf("empty file opened read-only"))
		}
		if err := db.init(); err != nil {
			return err
		}
	}

	db.pageSize, err = db.detectPageSize()
	if err != nil {
		return err
	}

	db.store, err = openPageStore(db.file, db.pageSize, &db.opts, db.logger)
	if err != nil {
		return err
	}

	db.metas = &metaManager{file: db.file, pageSize: db.pageSize, noSync: db.opts.NoSync}
	mp := db.store.acquire()
	defer db.store.release(mp)
	data := mp.m.Data()
	if err := db.metas.load(data[:db.pageSize], data[db.pageSize:2*db.pageSize]); err != nil {
		return err
	}

	db.freelist = db.opts.FreelistType.newFreelist()
	if !db.readOnly || db.opts.PreLoadFreelist {
		return db.loadFreelist()
	}
	return nil
}

// init writes the two meta pages of a new database.
func (db *DB) init() error {
	buf := initMetas(db.opts.PageSize)
	if _, err := db.file.WriteAt(buf, 0); err != nil {
		return WrapError(ErrIO, err)
	}
	if err := db.file.Sync(); err != nil {
		return WrapError(ErrIO, err)
	}
	return nil
}

// detectPageSize reads the page size from the first valid meta slot.
// Meta 0 sits at offset 0; if it is damaged meta 1 is searched at every
// supported page size.
func (db *DB) detectPageSize() (int, error) {
	buf := make([]byte, pageHeaderSize+metaSize)

	if _, err := db.file.ReadAt(buf, 0); err == nil {
		if m := readMeta(buf); m.validate() == nil {
			return int(m.pageSize), nil
		}
	}

	candidates := []int{db.opts.PageSize, DefaultPageSize}
	for sz := MinPageSize; sz <= MaxPageSize; sz <<= 1 {
		candidates = append(candidates, sz)
	}
	for _, sz := range candidates {
		if _, err := db.file.ReadAt(buf, int64(sz)); err != nil {
			continue
		}
		if m := readMeta(buf); m.validate() == nil && int(m.pageSize) == sz {
			return sz, nil
		}
	}

	// No slot validates at any size: report both slots at the configured size.
	buf0 := make([]byte, pageHeaderSize+metaSize)
	buf1 := make([]byte, pageHeaderSize+metaSize)
	if _, err := db.file.ReadAt(buf0, 0); err != nil {
		return 0, WrapError(ErrCorrupted, fmt.Errorf("meta 0: %w", err))
	}
	if _, err := db.file.ReadAt(buf1, int64(db.opts.PageSize)); err != nil {
		return 0, WrapError(ErrCorrupted, fmt.Errorf("meta 1: %w", err))
	}
	_, _, err := selectMeta(readMeta(buf0), readMeta(buf1))
	return 0, err
}

// loadFreelist reads the persisted freelist or rebuilds it by scanning.
func (db *DB) loadFreelist() error {
	m := db.metas.snapshot()
	if m.freelist == pgidNoFreelist {
		ids, err := db.scanFreePages(&m)
		if err != nil {
			return err
		}
		db.freelist.Init(ids)
		db.logger.Info("freelist rebuilt by scan",
			zap.Uint64("pages", uint64(m.pgid)),
			zap.Int("free", len(ids)))
		return nil
	}

	tx := db.snapshotTx(m)
	defer db.store.release(tx.mapping)
	p, err := tx.Page(m.freelist)
	if err != nil {
		return err
	}
	ids, err := p.freelistIDs()
	if err != nil {
		return err
	}
	if err := checkFreeIDs(ids, &m); err != nil {
		return err
	}
	db.freelist.Init(ids)
	return nil
}

// checkFreeIDs rejects persisted free ids that are metas, past the high
// water mark, the freelist page itself, or listed twice.
func checkFreeIDs(ids []Pgid, m *meta) error {
	seen := bitset.New(uint(m.pgid))
	for _, id := range ids {
		if id < numMetas || id >= m.pgid || id == m.freelist {
			return WrapError(ErrCorrupted, fmt.Errorf("freelist page %d: free id %d outside [%d, %d)", m.freelist, id, numMetas, m.pgid))
		}
		if seen.Test(uint(id)) {
			return WrapError(ErrCorrupted, fmt.Errorf("freelist page %d: free id %d listed twice", m.freelist, id))
		}
		seen.Set(uint(id))
	}
	return nil
}

// snapshotTx returns an unregistered read view of m used during open.
func (db *DB) snapshotTx(m meta) *Tx {
	return &Tx{db: db, meta: m, mapping: db.store.acquire(), highWater: m.pgid}
}

// scanFreePages returns every id in [2, m.pgid) not reachable from the root.
func (db *DB) scanFreePages(m *meta) (common.Pgids, error) {
	tx := db.snapshotTx(*m)
	defer db.store.release(tx.mapping)

	reachable := bitset.New(uint(m.pgid))
	if m.root != 0 {
		err := tx.walk(m.root, 0, bitset.New(uint(m.pgid)), func(p *Page, _ int) error {
			for i := uint(0); i <= uint(p.Overflow()); i++ {
				reachable.Set(uint(p.ID()) + i)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	var ids common.Pgids
	for id := uint(numMetas); id < uint(m.pgid); id++ {
		if !reachable.Test(id) {
			ids = append(ids, Pgid(id))
		}
	}
	return ids, nil
}

// Path returns the path to the currently open database file.
func (db *DB) Path() string {
	return db.path
}

// IsReadOnly reports whether the database was opened read-only.
func (db *DB) IsReadOnly() bool {
	return db.readOnly
}

// String returns the string representation of the database.
func (db *DB) String() string {
	return fmt.Sprintf("DB<%q>", db.path)
}

// Begin starts a new transaction.
//
// Multiple read-only transactions can be used concurrently but only one
// write transaction can be used at a time. Starting a write transaction
// waits up to Options.Timeout for the current writer to finish.
//
// Read-only transactions must be closed with Rollback; an open reader keeps
// every page it can observe from being reused.
func (db *DB) Begin(writable bool) (*Tx, error) {
	if writable {
		return db.beginRWTx()
	}
	return db.beginTx()
}

func (db *DB) beginTx() (*Tx, error) {
	db.mu.RLock()
	if !db.opened {
		db.mu.RUnlock()
		return nil, NewError(ErrDatabaseNotOpen)
	}
	db.txWg.Add(1)
	db.mu.RUnlock()

	// Snapshot and registration are atomic with respect to freePages.
	db.metalock.Lock()
	m := db.metas.snapshot()
	mp := db.store.acquire()
	db.readers[m.txid]++
	db.metalock.Unlock()

	db.statlock.Lock()
	db.stats.TxN++
	db.stats.OpenTxN++
	db.statlock.Unlock()

	return &Tx{db: db, meta: m, mapping: mp, highWater: m.pgid}, nil
}

func (db *DB) beginRWTx() (*Tx, error) {
	if db.readOnly {
		return nil, NewError(ErrDatabaseReadOnly)
	}

	if err := db.acquireWriter(); err != nil {
		return nil, err
	}

	db.mu.RLock()
	if !db.opened {
		db.mu.RUnlock()
		db.rwlock.Release(1)
		return nil, NewError(ErrDatabaseNotOpen)
	}
	db.txWg.Add(1)
	db.mu.RUnlock()

	db.metalock.Lock()
	m := db.metas.snapshot()
	mp := db.store.acquire()
	db.freePages()
	db.metalock.Unlock()

	tx := &Tx{
		db:        db,
		writable:  true,
		meta:      m,
		mapping:   mp,
		pages:     make(map[Pgid]*Page),
		highWater: m.pgid,
	}
	tx.meta.txid++

	db.statlock.Lock()
	db.stats.WriteTxN++
	db.stats.OpenWriteTxN++
	db.statlock.Unlock()
	return tx, nil
}

// acquireWriter takes the writer lock, bounded by Options.Timeout.
// A negative timeout tries once.
func (db *DB) acquireWriter() error {
	switch t := db.opts.Timeout; {
	case t < 0:
		if !db.rwlock.TryAcquire(1) {
			return NewError(ErrTimeout)
		}
		return nil
	case t > 0:
		ctx, cancel := context.WithTimeout(context.Background(), t)
		defer cancel()
		if err := db.rwlock.Acquire(ctx, 1); err != nil {
			return WrapError(ErrTimeout, err)
		}
		return nil
	default:
		return db.rwlock.Acquire(context.Background(), 1)
	}
}

func (db *DB) removeReader(txid Txid) {
	db.metalock.Lock()
	if db.readers[txid]--; db.readers[txid] <= 0 {
		delete(db.readers, txid)
	}
	db.freePages()
	db.metalock.Unlock()

	db.statlock.Lock()
	db.stats.OpenTxN--
	db.statlock.Unlock()
}

// freePages moves pending pages to the free set once every open reader
// is newer than the transaction that freed them. With ReleaseReaderGaps
// pages whose whole lifetime falls between two readers are released too.
// Callers hold metalock.
func (db *DB) freePages() {
	if db.freelist == nil {
		return
	}
	// Pending entries of an uncommitted writer are never released.
	limit := db.metas.snapshot().txid

	txids := make([]Txid, 0, len(db.readers))
	for txid := range db.readers {
		txids = append(txids, txid)
	}
	slices.Sort(txids)

	if len(txids) == 0 {
		db.freelist.Release(limit)
		return
	}
	if minid := txids[0]; minid > 0 {
		db.freelist.Release(min(minid-1, limit))
	}

	if !db.opts.ReleaseReaderGaps {
		return
	}
	// Pages born and freed between two readers are invisible to both.
	for i := 0; i+1 < len(txids); i++ {
		db.freelist.ReleaseRange(txids[i]+1, min(txids[i+1]-1, limit))
	}
	db.freelist.ReleaseRange(txids[len(txids)-1]+1, limit)
}

// View executes a function within the context of a managed read-only transaction.
// Any error that is returned from the function is returned from the View() method.
//
// Attempting to manually rollback within the function will cause an error.
func (db *DB) View(fn func(*Tx) error) error {
	tx, err := db.Begin(false)
	if err != nil {
		return err
	}

	// Make sure the transaction rolls back in the event of a panic.
	defer tx.rollback()

	tx.managed = true
	err = fn(tx)
	tx.managed = false
	return err
}

// Update executes a function within the context of a read-write managed transaction.
// If no error is returned from the function then the transaction is committed.
// If an error is returned then the entire transaction is rolled back.
// Any error that is returned from the function or returned from the commit is
// returned from the Update() method.
//
// Attempting to manually commit or rollback within the function will cause an error.
func (db *DB) Update(fn func(*Tx) error) error {
	tx, err := db.Begin(true)
	if err != nil {
		return err
	}

	// Make sure the transaction rolls back in the event of a panic.
	defer tx.rollback()

	tx.managed = true
	err = fn(tx)
	tx.managed = false
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Sync executes fdatasync() against the database file handle, regardless
// of Options.NoSync.
func (db *DB) Sync() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if !db.opened {
		return NewError(ErrDatabaseNotOpen)
	}
	return db.store.sync()
}

// Stats retrieves ongoing performance stats for the database.
// This is only updated when a transaction closes.
func (db *DB) Stats() Stats {
	db.statlock.Lock()
	s := db.stats
	db.statlock.Unlock()

	if db.freelist != nil {
		s.FreePageN = db.freelist.FreeCount()
		s.PendingPageN = db.freelist.PendingCount()
		s.FreeAlloc = (s.FreePageN + s.PendingPageN) * db.pageSize
		if db.metas.snapshot().freelist != pgidNoFreelist {
			s.FreelistInuse = freelistPageSize(s.FreePageN + s.PendingPageN)
		}
	}
	return s
}

// Close releases all database resources. It waits for the current writer
// and every open read transaction to finish.
func (db *DB) Close() error {
	if err := db.rwlock.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer db.rwlock.Release(1)

	db.mu.Lock()
	if !db.opened {
		db.mu.Unlock()
		return NewError(ErrDatabaseNotOpen)
	}
	db.opened = false
	db.mu.Unlock()

	db.txWg.Wait()

	err := db.close()
	db.logger.Info("database closed", zap.Error(err))
	return err
}

func (db *DB) close() error {
	if db.store != nil {
		db.store.close()
		db.store = nil
	}
	var err error
	if db.file != nil {
		if uerr := funlock(db.file); uerr != nil {
			err = uerr
		}
		if cerr := db.file.Close(); cerr != nil && err == nil {
			err = WrapError(ErrIO, cerr)
		}
		db.file = nil
	}
	return err
}

// Info returns the page size and size in bytes of the committed snapshot.
func (db *DB) Info() (pageSize int, size int64) {
	m := db.metas.snapshot()
	return db.pageSize, int64(m.pgid) * int64(db.pageSize)
}
