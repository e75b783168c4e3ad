package cowdb

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Giulio2002/cowdb/internal/common"
)

// churn builds a tree and then rewrites parts of it so the file has holes.
func churn(t *testing.T, db *DB) {
	t.Helper()
	for i := 0; i < 20; i++ {
		require.NoError(t, db.Update(func(tx *Tx) error {
			if i%5 == 0 {
				return rewriteLeaves(tx, 3, fmt.Sprintf("gen-%d", i))
			}
			return putLeaf(tx, fmt.Sprintf("leaf-%d", i))
		}))
	}
}

func TestFreelistPersistRoundTrip(t *testing.T) {
	for _, typ := range []FreelistType{FreelistArrayType, FreelistMapType} {
		t.Run(string(typ), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "persist.db")
			opts := &Options{PageSize: testPageSize, FreelistType: typ}

			db, err := Open(path, 0o600, opts)
			require.NoError(t, err)
			churn(t, db)

			// Nothing is pending once the last writer closed with no readers.
			require.Empty(t, db.freelist.PendingPageIds())
			want := db.freelist.FreePageIds()
			require.NotEmpty(t, want)
			m := db.metas.snapshot()
			require.NoError(t, db.Close())

			db = openTestDBAt(t, path, opts)
			assert.Empty(t, db.freelist.PendingPageIds())

			got := db.freelist.FreePageIds()
			assert.Equal(t, want, got)
			assert.NotContains(t, got, m.freelist)
			assert.NotContains(t, got, m.root)
		})
	}
}

// With freelist persistence off, the scan at open finds exactly the pages
// not reachable from the root.
func TestFreelistRebuildMatchesPersisted(t *testing.T) {
	dir := t.TempDir()

	persisted := filepath.Join(dir, "persisted.db")
	db, err := Open(persisted, 0o600, &Options{PageSize: testPageSize})
	require.NoError(t, err)
	churn(t, db)
	require.NoError(t, db.Close())

	// Reopen with persistence off: the meta still references a freelist
	// page, so the first load reads it.
	db = openTestDBAt(t, persisted, &Options{NoFreelistSync: true})
	loaded := db.freelist.FreePageIds()

	// The next commit stops persisting and frees the old freelist page.
	require.NoError(t, db.Update(func(tx *Tx) error { return nil }))
	m := db.metas.snapshot()
	require.Equal(t, pgidNoFreelist, m.freelist)
	afterCommit := db.freelist.FreePageIds()
	require.NoError(t, db.Close())

	core, logs := observer.New(zap.InfoLevel)
	db = openTestDBAt(t, persisted, &Options{NoFreelistSync: true, Logger: zap.New(core)})
	assert.Equal(t, afterCommit, db.freelist.FreePageIds())
	assert.Equal(t, 1, logs.FilterMessage("freelist rebuilt by scan").Len())
	assert.Subset(t, afterCommit, loaded)

	var reachable common.Pgids
	require.NoError(t, db.View(func(tx *Tx) error {
		return tx.ForEachPage(func(p *Page, _ int) error {
			for i := Pgid(0); i <= Pgid(p.Overflow()); i++ {
				reachable = append(reachable, p.ID()+i)
			}
			return nil
		})
	}))
	free := db.freelist.FreePageIds()
	assert.Equal(t, int(m.pgid)-numMetas, len(reachable)+len(free))
	for _, id := range reachable {
		assert.NotContains(t, free, id)
	}
}

func TestFreelistLargePage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "large.db")
	db, err := Open(path, 0o600, &Options{PageSize: MinPageSize})
	require.NoError(t, err)

	// Free enough pages that the persisted freelist spans several pages.
	require.NoError(t, db.Update(func(tx *Tx) error {
		for i := 0; i < 300; i++ {
			p, err := tx.Allocate(1)
			if err != nil {
				return err
			}
			if err := tx.Free(p.ID()); err != nil {
				return err
			}
		}
		return putLeaf(tx, "x")
	}))
	require.NoError(t, db.Update(func(tx *Tx) error { return nil }))

	want := db.freelist.FreePageIds()
	require.Greater(t, freelistPageSize(len(want)), MinPageSize)
	require.NoError(t, db.Close())

	db = openTestDBAt(t, path, &Options{PageSize: MinPageSize})
	assert.Equal(t, want, db.freelist.FreePageIds())
	assert.Positive(t, db.Stats().FreelistInuse)
}

// A damaged freelist page fails Open with ErrCorrupted instead of handing
// out meta pages or ids past the end of the file.
func TestFreelistDamagedIDs(t *testing.T) {
	for name, id := range map[string]func(m meta) Pgid{
		"meta":     func(meta) Pgid { return 1 },
		"past-end": func(m meta) Pgid { return m.pgid + 7 },
		"self":     func(m meta) Pgid { return m.freelist },
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "damaged.db")
			opts := &Options{PageSize: testPageSize}

			db, err := Open(path, 0o600, opts)
			require.NoError(t, err)
			churn(t, db)
			require.NotEmpty(t, db.freelist.FreePageIds())
			m := db.metas.snapshot()
			require.NoError(t, db.Close())

			f, err := os.OpenFile(path, os.O_RDWR, 0)
			require.NoError(t, err)
			var buf [8]byte
			binary.NativeEndian.PutUint64(buf[:], uint64(id(m)))
			_, err = f.WriteAt(buf[:], int64(m.freelist)*testPageSize+int64(pageHeaderSize))
			require.NoError(t, err)
			require.NoError(t, f.Close())

			_, err = Open(path, 0o600, opts)
			assert.ErrorIs(t, err, ErrCorruptedError)
		})
	}
}
