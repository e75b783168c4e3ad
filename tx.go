package cowdb

import (
	"errors"
	"fmt"
	"time"

	"github.com/bits-and-blooms/bitset"
	"go.uber.org/zap"

	"github.com/Giulio2002/cowdb/freelist"
	"github.com/Giulio2002/cowdb/internal/common"
)

// Tx represents a read-only or read/write transaction on the page store.
//
// Read-only transactions see the snapshot that was authoritative when they
// began and must be closed with Rollback, otherwise the pages they can see
// are never reclaimed. Read/write transactions are exclusive; changes are
// published atomically by Commit.
type Tx struct {
	db       *DB
	writable bool
	managed  bool
	meta     meta
	mapping  *mapping

	pages     map[Pgid]*Page // dirty pages, write transactions only
	highWater Pgid           // meta.pgid when the transaction began

	stats          TxStats
	commitHandlers []func()
}

// ID returns the transaction id.
func (tx *Tx) ID() Txid {
	if tx == nil {
		return 0
	}
	return tx.meta.txid
}

// DB returns a reference to the database that created the transaction.
// It is nil once the transaction is closed.
func (tx *Tx) DB() *DB {
	return tx.db
}

// Writable returns whether the transaction can perform write operations.
func (tx *Tx) Writable() bool {
	return tx.writable
}

// Size returns the size of the database in bytes as seen by this transaction.
func (tx *Tx) Size() int64 {
	return int64(tx.meta.pgid) * int64(tx.meta.pageSize)
}

// PageSize returns the page size of the database.
func (tx *Tx) PageSize() int {
	return int(tx.meta.pageSize)
}

// Stats returns the statistics of this transaction so far.
func (tx *Tx) Stats() TxStats {
	return tx.stats
}

// Root returns the root page id of the tree, 0 if the tree is empty.
func (tx *Tx) Root() Pgid {
	return tx.meta.root
}

// SetRoot sets the root page id recorded in the next meta.
func (tx *Tx) SetRoot(id Pgid) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	if id != 0 && (id < numMetas || id >= tx.meta.pgid) {
		return WrapError(ErrPageNotFound, fmt.Errorf("root %d outside [%d, %d)", id, numMetas, tx.meta.pgid))
	}
	tx.meta.root = id
	return nil
}

// OnCommit adds a handler function to be executed after the transaction
// successfully commits.
func (tx *Tx) OnCommit(fn func()) {
	tx.commitHandlers = append(tx.commitHandlers, fn)
}

func (tx *Tx) checkOpen() error {
	if tx.db == nil {
		return NewError(ErrTxClosed)
	}
	return nil
}

func (tx *Tx) checkWritable() error {
	if tx.db == nil {
		return NewError(ErrTxClosed)
	}
	if !tx.writable {
		return NewError(ErrTxNotWritable)
	}
	return nil
}

// Page returns the page run starting at id: the dirty copy if this
// transaction wrote one, otherwise the snapshot page from the mapping.
func (tx *Tx) Page(id Pgid) (*Page, error) {
	if err := tx.checkOpen(); err != nil {
		return nil, err
	}
	if tx.pages != nil {
		if p, ok := tx.pages[id]; ok {
			return p, nil
		}
	}
	if id >= tx.highWater {
		return nil, WrapError(ErrPageNotFound, fmt.Errorf("page %d beyond high-water mark %d", id, tx.highWater))
	}

	p, err := tx.mapping.page(id, tx.db.pageSize)
	if err != nil {
		return nil, err
	}
	if p.ID() != id {
		return nil, WrapError(ErrCorrupted, fmt.Errorf("page %d has header id %d", id, p.ID()))
	}
	if end := id + Pgid(p.Overflow()); end >= tx.highWater {
		return nil, WrapError(ErrCorrupted, fmt.Errorf("page %d overflow runs to %d past high-water mark %d", id, end, tx.highWater))
	}
	return p, nil
}

// Allocate returns a zeroed dirty run of count pages. The id is never
// reachable from any snapshot an open transaction can observe.
func (tx *Tx) Allocate(count int) (*Page, error) {
	if err := tx.checkWritable(); err != nil {
		return nil, err
	}
	if count < 1 || count*tx.db.pageSize > maxAllocSize {
		return nil, WrapError(ErrIncompatible, fmt.Errorf("page run of %d pages", count))
	}

	id, err := tx.db.freelist.Allocate(tx.meta.txid, count)
	switch {
	case errors.Is(err, freelist.ErrNeedsGrowth):
		id = tx.meta.pgid
		tx.meta.pgid += Pgid(count)
	case err != nil:
		return nil, err
	}

	var buf []byte
	if count == 1 {
		buf = tx.db.pagePool.Get().([]byte)
		clear(buf)
	} else {
		buf = make([]byte, count*tx.db.pageSize)
	}

	p := &Page{buf: buf, dirty: true}
	h := p.header()
	h.id = id
	h.overflow = uint32(count - 1)
	tx.pages[id] = p

	tx.stats.PageCount += int64(count)
	tx.stats.PageAlloc += int64(count * tx.db.pageSize)
	return p, nil
}

// Free releases the page run starting at id. The pages become reusable
// once no open reader can observe them.
func (tx *Tx) Free(id Pgid) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}

	var overflow uint32
	if p, ok := tx.pages[id]; ok {
		overflow = p.Overflow()
		delete(tx.pages, id)
		tx.recycle(p)
	} else {
		p, err := tx.Page(id)
		if err != nil {
			return err
		}
		overflow = p.Overflow()
	}

	if err := tx.db.freelist.Free(tx.meta.txid, id, overflow); err != nil {
		return WrapError(ErrBadFree, err)
	}
	tx.stats.FreeCount++
	return nil
}

// Clone copies the run at id into a newly allocated run and frees the
// original. The caller must drop every reference to the old page.
func (tx *Tx) Clone(id Pgid) (*Page, error) {
	src, err := tx.Page(id)
	if err != nil {
		return nil, err
	}
	if tx.writable && src.dirty {
		return src, nil
	}

	p, err := tx.Allocate(int(src.Overflow()) + 1)
	if err != nil {
		return nil, err
	}
	copy(p.buf[pageHeaderSize:], src.buf[pageHeaderSize:])
	h := p.header()
	h.flags = src.header().flags
	h.count = src.header().count

	if err := tx.Free(id); err != nil {
		return nil, err
	}
	return p, nil
}

// ForEachPage calls fn for every page reachable from the root, depth first.
func (tx *Tx) ForEachPage(fn func(p *Page, depth int) error) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	if tx.meta.root == 0 {
		return nil
	}
	seen := bitset.New(uint(tx.meta.pgid))
	return tx.walk(tx.meta.root, 0, seen, fn)
}

// walk visits the run at id and its children. A page reached twice means
// the tree is not a tree.
func (tx *Tx) walk(id Pgid, depth int, seen *bitset.BitSet, fn func(*Page, int) error) error {
	if seen.Test(uint(id)) {
		return WrapError(ErrCorrupted, fmt.Errorf("page %d reachable twice", id))
	}
	seen.Set(uint(id))

	p, err := tx.Page(id)
	if err != nil {
		return err
	}
	if err := fn(p, depth); err != nil {
		return err
	}

	if p.Flags() == BranchPageFlag {
		n := p.Count()
		if n > p.MaxBranchElements() {
			return WrapError(ErrCorrupted, fmt.Errorf("%v: %d elements do not fit", p, n))
		}
		for i := 0; i < n; i++ {
			if err := tx.walk(p.BranchChild(i), depth+1, seen, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// Info is a bounded view over the mapped data file and its page size.
// Data must not be used after the transaction that returned it closes.
type Info struct {
	Data     []byte
	PageSize int
}

// Info returns the committed bytes of this transaction's snapshot.
func (tx *Tx) Info() (*Info, error) {
	if err := tx.checkOpen(); err != nil {
		return nil, err
	}
	n := int64(tx.highWater) * int64(tx.db.pageSize)
	data, err := tx.mapping.m.Slice(0, n)
	if err != nil {
		return nil, WrapError(ErrIO, err)
	}
	return &Info{Data: data, PageSize: tx.db.pageSize}, nil
}

// Commit writes all changes to disk and publishes them in a new meta.
// Any error leaves the previous meta authoritative and rolls back.
func (tx *Tx) Commit() error {
	if tx.managed {
		return NewError(ErrTxManaged)
	}
	if err := tx.checkWritable(); err != nil {
		return err
	}

	db := tx.db
	start := time.Now()

	// The old freelist page is released first so its pages are persisted as pending.
	if tx.meta.freelist != pgidNoFreelist {
		if err := tx.Free(tx.meta.freelist); err != nil {
			return tx.failCommit(err)
		}
		tx.meta.freelist = pgidNoFreelist
	}
	if !db.opts.NoFreelistSync {
		if err := tx.commitFreelist(); err != nil {
			return tx.failCommit(err)
		}
	}

	// The file and the mapping must cover every page the new meta references.
	if tx.meta.pgid > tx.highWater {
		growStart := time.Now()
		grown, err := db.store.grow(int64(tx.meta.pgid) * int64(db.pageSize))
		if err != nil {
			return tx.failCommit(err)
		}
		if grown {
			tx.stats.Grow++
			tx.stats.GrowTime += time.Since(growStart)
		}
	}

	if err := tx.write(); err != nil {
		return tx.failCommit(err)
	}

	if err := db.metas.commit(&tx.meta); err != nil {
		return tx.failCommit(err)
	}

	tx.stats.Commit++
	tx.stats.CommitTime += time.Since(start)

	handlers := tx.commitHandlers
	tx.close()
	for _, fn := range handlers {
		fn()
	}
	return nil
}

func (tx *Tx) failCommit(err error) error {
	tx.db.logger.Warn("commit failed", zap.Uint64("txid", uint64(tx.meta.txid)), zap.Error(err))
	tx.rollback()
	return err
}

// commitFreelist persists free and pending ids into a new freelist page.
func (tx *Tx) commitFreelist() error {
	fl := tx.db.freelist
	size := freelistPageSize(fl.Count())
	p, err := tx.Allocate(size/tx.db.pageSize + 1)
	if err != nil {
		return err
	}

	// Allocating the page only shrinks the set, so the count still fits.
	ids := make([]Pgid, fl.Count())
	n := fl.Copyall(ids)
	p.writeFreelist(ids[:n])
	tx.meta.freelist = p.ID()
	return nil
}

// write flushes the dirty pages in ascending id order.
func (tx *Tx) write() error {
	pages := make([]*Page, 0, len(tx.pages))
	for _, p := range tx.pages {
		pages = append(pages, p)
	}
	n, d, err := tx.db.store.flush(pages)
	tx.stats.Write += n
	tx.stats.WriteTime += d
	return err
}

// Rollback closes the transaction and discards its changes. It is the
// only way to close a read-only transaction.
func (tx *Tx) Rollback() error {
	if tx.managed {
		return NewError(ErrTxManaged)
	}
	if tx.db == nil {
		return NewError(ErrTxClosed)
	}
	tx.rollback()
	return nil
}

func (tx *Tx) rollback() {
	if tx.db == nil {
		return
	}
	if tx.writable {
		// Pages below the starting high-water mark came from the freelist.
		var owned common.Pgids
		for id, p := range tx.pages {
			if id >= tx.highWater {
				continue
			}
			for i := Pgid(0); i <= Pgid(p.Overflow()); i++ {
				owned = append(owned, id+i)
			}
		}
		tx.db.freelist.Rollback(tx.meta.txid, owned)
		tx.stats.Rollback++
	}
	tx.close()
}

func (tx *Tx) recycle(p *Page) {
	if len(p.buf) == tx.db.pageSize {
		tx.db.pagePool.Put(p.buf)
	}
	p.buf = nil
}

func (tx *Tx) close() {
	if tx.db == nil {
		return
	}
	db := tx.db

	if tx.writable {
		for _, p := range tx.pages {
			tx.recycle(p)
		}
		tx.pages = nil

		db.rwlock.Release(1)

		db.metalock.Lock()
		db.freePages()
		db.metalock.Unlock()

		db.statlock.Lock()
		db.stats.TxStats.add(&tx.stats)
		db.stats.OpenWriteTxN--
		db.statlock.Unlock()
	} else {
		db.removeReader(tx.meta.txid)
	}

	db.store.release(tx.mapping)
	tx.mapping = nil
	tx.db = nil
	tx.commitHandlers = nil
	db.txWg.Done()
}
