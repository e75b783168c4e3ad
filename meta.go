package cowdb

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/cespare/xxhash/v2"

	"github.com/Giulio2002/cowdb/internal/fs"
)

// numMetas is the number of meta slots (pages 0 and 1)
const numMetas = 2

// meta is the superblock stored right after the page header of pages 0 and 1.
//
// Memory layout:
//
//	Offset  Size  Field
//	0       4     magic
//	4       4     version
//	8       4     pageSize
//	12      4     flags
//	16      8     root
//	24      8     freelist
//	32      8     pgid (high-water mark)
//	40      8     txid
//	48      8     checksum
type meta struct {
	magic    uint32
	version  uint32
	pageSize uint32
	flags    uint32
	root     Pgid
	freelist Pgid
	pgid     Pgid
	txid     Txid
	checksum uint64
}

const metaSize = int(unsafe.Sizeof(meta{}))

// readMeta returns a view of the meta stored in a page buffer.
func readMeta(buf []byte) *meta {
	return (*meta)(unsafe.Pointer(&buf[pageHeaderSize]))
}

// sum64 hashes every field before the checksum.
func (m *meta) sum64() uint64 {
	b := unsafe.Slice((*byte)(unsafe.Pointer(m)), unsafe.Offsetof(m.checksum))
	return xxhash.Sum64(b)
}

// validate checks the magic, version and checksum.
func (m *meta) validate() error {
	if m.magic != Magic {
		return NewError(ErrInvalid)
	}
	if m.version != FormatVersion {
		return WrapError(ErrVersionMismatch, fmt.Errorf("file version %d, library version %d", m.version, FormatVersion))
	}
	if m.checksum != m.sum64() {
		return NewError(ErrChecksum)
	}
	return nil
}

// write encodes m into the page buffer for its slot and sets the checksum.
func (m *meta) write(buf []byte, slot int) {
	clear(buf)
	h := (*pageHeader)(unsafe.Pointer(&buf[0]))
	h.id = Pgid(slot)
	h.flags = MetaPageFlag

	dst := readMeta(buf)
	*dst = *m
	dst.checksum = dst.sum64()
	m.checksum = dst.checksum
}

func (m *meta) String() string {
	freelist := "none"
	if m.freelist != pgidNoFreelist {
		freelist = fmt.Sprint(m.freelist)
	}
	return fmt.Sprintf("meta<txid=%d root=%d freelist=%s pgid=%d pagesize=%d>",
		m.txid, m.root, freelist, m.pgid, m.pageSize)
}

// selectMeta returns the valid meta with the larger txid and its slot.
// Slot 0 wins a tie. Both invalid means the database is unreadable.
func selectMeta(m0, m1 *meta) (*meta, int, error) {
	err0 := m0.validate()
	err1 := m1.validate()
	switch {
	case err0 != nil && err1 != nil:
		return nil, -1, WrapError(ErrCorrupted, fmt.Errorf("meta 0: %w; meta 1: %w", err0, err1))
	case err0 != nil:
		return m1, 1, nil
	case err1 != nil:
		return m0, 0, nil
	case m1.txid > m0.txid:
		return m1, 1, nil
	default:
		return m0, 0, nil
	}
}

// metaManager owns the authoritative meta and publishes new ones.
// Commits always go to the slot that is not authoritative.
type metaManager struct {
	file     fs.File
	pageSize int
	noSync   bool

	mu      sync.Mutex // guards current and slot
	current meta
	slot    int
}

// load selects the authoritative meta from the two slot buffers.
func (mm *metaManager) load(slot0, slot1 []byte) error {
	m, slot, err := selectMeta(readMeta(slot0), readMeta(slot1))
	if err != nil {
		return err
	}

	mm.mu.Lock()
	mm.current = *m
	mm.slot = slot
	mm.mu.Unlock()
	return nil
}

// snapshot returns a copy of the authoritative meta.
func (mm *metaManager) snapshot() meta {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.current
}

// commit writes m into the other slot, syncs it and makes it authoritative.
// On error the previous meta stays authoritative.
func (mm *metaManager) commit(m *meta) error {
	mm.mu.Lock()
	target := 1 - mm.slot
	mm.mu.Unlock()

	buf := make([]byte, mm.pageSize)
	m.write(buf, target)
	if _, err := mm.file.WriteAt(buf, int64(target)*int64(mm.pageSize)); err != nil {
		return WrapError(ErrIO, fmt.Errorf("write meta %d: %w", target, err))
	}
	if !mm.noSync {
		if err := mm.file.Sync(); err != nil {
			return WrapError(ErrIO, fmt.Errorf("sync meta %d: %w", target, err))
		}
	}

	mm.mu.Lock()
	mm.current = *m
	mm.slot = target
	mm.mu.Unlock()
	return nil
}

// initMetas returns the two identical slot pages of a fresh database.
func initMetas(pageSize int) []byte {
	buf := make([]byte, numMetas*pageSize)
	for i := 0; i < numMetas; i++ {
		m := meta{
			magic:    Magic,
			version:  FormatVersion,
			pageSize: uint32(pageSize),
			root:     0,
			freelist: pgidNoFreelist,
			pgid:     numMetas,
			txid:     0,
		}
		m.write(buf[i*pageSize:(i+1)*pageSize], i)
	}
	return buf
}
