package cowdb

import (
	"fmt"
	"unsafe"

	"github.com/Giulio2002/cowdb/internal/common"
)

// Pgid is a page identifier. Page n starts at byte n*pageSize of the file.
type Pgid = common.Pgid

// Txid is a transaction identifier and MVCC snapshot version.
type Txid = common.Txid

// Page layout constants
const (
	// pageHeaderSize is the fixed page header size (16 bytes)
	pageHeaderSize = int(unsafe.Sizeof(pageHeader{}))

	// branchElementSize is the size of one branch element (16 bytes)
	branchElementSize = int(unsafe.Sizeof(branchElement{}))

	// freelistCountOverflow marks a freelist page whose real count is
	// stored in the first element
	freelistCountOverflow = 0xFFFF
)

// PageFlags define page types
type PageFlags uint16

const (
	// BranchPageFlag marks an interior tree page
	BranchPageFlag PageFlags = 0x01

	// LeafPageFlag marks a leaf tree page
	LeafPageFlag PageFlags = 0x02

	// MetaPageFlag marks one of the two meta pages
	MetaPageFlag PageFlags = 0x04

	// FreelistPageFlag marks a persisted freelist page
	FreelistPageFlag PageFlags = 0x10
)

func (f PageFlags) String() string {
	switch f {
	case BranchPageFlag:
		return "branch"
	case LeafPageFlag:
		return "leaf"
	case MetaPageFlag:
		return "meta"
	case FreelistPageFlag:
		return "freelist"
	}
	return fmt.Sprintf("unknown<%02x>", uint16(f))
}

// pageHeader is the in-place header at the start of every page.
//
// Memory layout:
//
//	Offset  Size  Field
//	0       8     id
//	8       2     flags
//	10      2     count
//	12      4     overflow
type pageHeader struct {
	id       Pgid
	flags    PageFlags
	count    uint16
	overflow uint32
}

// branchElement points from a branch page to a child page. The key bytes
// at pos/ksize belong to the tree layer; the page layer only follows pgid.
type branchElement struct {
	pos   uint32
	ksize uint32
	pgid  Pgid
}

// Page is a run of 1+Overflow() pages. Pages returned by Tx.Allocate are
// dirty and writable until the transaction closes. Pages read from the
// mapping are shared by every reader and must never be modified.
type Page struct {
	buf   []byte
	dirty bool
}

func (p *Page) header() *pageHeader {
	return (*pageHeader)(unsafe.Pointer(&p.buf[0]))
}

func (p *Page) mustBeDirty() {
	if !p.dirty {
		panic("cowdb: write to a page that is not dirty")
	}
}

// ID returns the page id.
func (p *Page) ID() Pgid { return p.header().id }

// Flags returns the page type flags.
func (p *Page) Flags() PageFlags { return p.header().flags }

// Count returns the element count stored in the header.
func (p *Page) Count() int { return int(p.header().count) }

// Overflow returns the number of continuation pages after the first one.
func (p *Page) Overflow() uint32 { return p.header().overflow }

// Dirty reports whether the page belongs to the current write transaction.
func (p *Page) Dirty() bool { return p.dirty }

// Bytes returns the whole run, header included.
func (p *Page) Bytes() []byte { return p.buf }

// Data returns the bytes following the header.
func (p *Page) Data() []byte { return p.buf[pageHeaderSize:] }

// SetFlags sets the page type.
func (p *Page) SetFlags(f PageFlags) {
	p.mustBeDirty()
	p.header().flags = f
}

// SetCount sets the element count.
func (p *Page) SetCount(n int) {
	p.mustBeDirty()
	p.header().count = uint16(n)
}

func (p *Page) branchElement(i int) *branchElement {
	off := pageHeaderSize + i*branchElementSize
	return (*branchElement)(unsafe.Pointer(&p.buf[off]))
}

// BranchChild returns the child page id of element i of a branch page.
func (p *Page) BranchChild(i int) Pgid {
	return p.branchElement(i).pgid
}

// SetBranchElement writes element i of a branch page.
func (p *Page) SetBranchElement(i int, pos, ksize uint32, child Pgid) {
	p.mustBeDirty()
	e := p.branchElement(i)
	e.pos = pos
	e.ksize = ksize
	e.pgid = child
}

// MaxBranchElements returns how many branch elements fit in the run.
func (p *Page) MaxBranchElements() int {
	n := (len(p.buf) - pageHeaderSize) / branchElementSize
	if n > freelistCountOverflow-1 {
		n = freelistCountOverflow - 1
	}
	return n
}

func (p *Page) String() string {
	return fmt.Sprintf("page<%d %s count=%d overflow=%d>", p.ID(), p.Flags(), p.Count(), p.Overflow())
}

// freelistPageSize returns the bytes needed to persist n page ids.
func freelistPageSize(n int) int {
	if n >= freelistCountOverflow {
		n++
	}
	return pageHeaderSize + n*int(unsafe.Sizeof(Pgid(0)))
}

func (p *Page) pgids() []Pgid {
	n := (len(p.buf) - pageHeaderSize) / int(unsafe.Sizeof(Pgid(0)))
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*Pgid)(unsafe.Pointer(&p.buf[pageHeaderSize])), n)
}

// freelistIDs decodes the page ids stored in a freelist page.
func (p *Page) freelistIDs() ([]Pgid, error) {
	if p.Flags() != FreelistPageFlag {
		return nil, WrapError(ErrCorrupted, fmt.Errorf("%v is not a freelist page", p))
	}

	ids := p.pgids()
	count := p.Count()
	if count == freelistCountOverflow {
		if len(ids) == 0 {
			return nil, WrapError(ErrCorrupted, fmt.Errorf("%v: missing count element", p))
		}
		count = int(ids[0])
		ids = ids[1:]
	}
	if count > len(ids) {
		return nil, WrapError(ErrCorrupted, fmt.Errorf("%v: %d ids do not fit", p, count))
	}
	out := make([]Pgid, count)
	copy(out, ids[:count])
	return out, nil
}

// writeFreelist encodes ids into a dirty freelist page.
func (p *Page) writeFreelist(ids []Pgid) {
	p.mustBeDirty()
	p.header().flags = FreelistPageFlag

	dst := p.pgids()
	if len(ids) < freelistCountOverflow {
		p.header().count = uint16(len(ids))
		copy(dst, ids)
		return
	}
	p.header().count = freelistCountOverflow
	dst[0] = Pgid(len(ids))
	copy(dst[1:], ids)
}
