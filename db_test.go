package cowdb

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Giulio2002/cowdb/internal/common"
)

func TestOpenFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fresh.db")
	db := openTestDBAt(t, path, nil)

	m := db.metas.snapshot()
	assert.Equal(t, Txid(0), m.txid)
	assert.Equal(t, Pgid(0), m.root)
	assert.Equal(t, Pgid(numMetas), m.pgid)
	assert.Equal(t, pgidNoFreelist, m.freelist)
	assert.Equal(t, testPageSize, db.pageSize)
	assert.Equal(t, path, db.Path())
	assert.False(t, db.IsReadOnly())
	assert.Contains(t, db.String(), "fresh.db")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(numMetas*testPageSize), info.Size())
}

func TestOpenInvalidOptions(t *testing.T) {
	dir := t.TempDir()

	_, err := Open(filepath.Join(dir, "a.db"), 0o600, &Options{PageSize: 3000})
	assert.ErrorIs(t, err, ErrIncompatibleError)

	_, err = Open(filepath.Join(dir, "b.db"), 0o600, &Options{FreelistType: "btree"})
	assert.ErrorIs(t, err, ErrIncompatibleError)
}

func TestOpenNotADatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.db")
	require.NoError(t, os.WriteFile(path, make([]byte, 3*testPageSize), 0o600))

	_, err := Open(path, 0o600, nil)
	assert.ErrorIs(t, err, ErrCorruptedError)
	assert.ErrorIs(t, err, ErrInvalidError)
}

func TestOpenEmptyReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.db")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	_, err := Open(path, 0o600, &Options{ReadOnly: true})
	assert.ErrorIs(t, err, ErrInvalidError)
}

// Committing a root at pgid 2 and reopening, then freeing it under three
// readers: the page stays pending until the last of them closes.
func TestEndToEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "e2e.db")
	opts := &Options{PageSize: testPageSize, NoFreelistSync: true}

	db, err := Open(path, 0o600, opts)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *Tx) error {
		assert.Equal(t, Txid(1), tx.ID())
		p, err := tx.Allocate(1)
		if err != nil {
			return err
		}
		assert.Equal(t, Pgid(2), p.ID())
		p.SetFlags(LeafPageFlag)
		return tx.SetRoot(p.ID())
	}))
	require.NoError(t, db.Close())

	db = openTestDBAt(t, path, opts)
	m := db.metas.snapshot()
	require.Equal(t, Txid(1), m.txid)
	require.Equal(t, Pgid(2), m.root)

	readers := make([]*Tx, 3)
	for i := range readers {
		readers[i], err = db.Begin(false)
		require.NoError(t, err)
		assert.Equal(t, Txid(1), readers[i].ID())
	}

	require.NoError(t, db.Update(func(tx *Tx) error {
		assert.Equal(t, Txid(2), tx.ID())
		p, err := tx.Clone(2)
		if err != nil {
			return err
		}
		assert.Equal(t, Pgid(3), p.ID())
		return tx.SetRoot(p.ID())
	}))

	pending := map[Txid]common.Pgids{2: {2}}
	assert.Equal(t, pending, db.freelist.PendingPageIds())

	require.NoError(t, readers[0].Rollback())
	require.NoError(t, readers[1].Rollback())
	assert.Equal(t, pending, db.freelist.PendingPageIds())
	assert.Empty(t, db.freelist.FreePageIds())

	// The remaining reader still sees the old root.
	p, err := readers[2].Page(readers[2].Root())
	require.NoError(t, err)
	assert.Equal(t, Pgid(2), p.ID())

	require.NoError(t, readers[2].Rollback())
	assert.Empty(t, db.freelist.PendingPageIds())
	assert.Equal(t, common.Pgids{2}, db.freelist.FreePageIds())
}

func TestReopenPersists(t *testing.T) {
	for _, typ := range []FreelistType{FreelistArrayType, FreelistMapType} {
		t.Run(string(typ), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "reopen.db")
			opts := &Options{PageSize: testPageSize, FreelistType: typ}

			db, err := Open(path, 0o600, opts)
			require.NoError(t, err)
			for i := 0; i < 10; i++ {
				require.NoError(t, db.Update(func(tx *Tx) error {
					return putLeaf(tx, string(rune('a'+i)))
				}))
			}
			require.NoError(t, db.Close())

			db = openTestDBAt(t, path, opts)
			require.NoError(t, db.View(func(tx *Tx) error {
				assert.Equal(t, Txid(10), tx.ID())
				got, err := leaves(tx)
				require.NoError(t, err)
				assert.Equal(t, []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}, got)
				return nil
			}))
		})
	}
}

func TestReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ro.db")
	db, err := Open(path, 0o600, &Options{PageSize: testPageSize})
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *Tx) error { return putLeaf(tx, "x") }))
	require.NoError(t, db.Close())

	ro1 := openTestDBAt(t, path, &Options{ReadOnly: true})
	ro2 := openTestDBAt(t, path, &Options{ReadOnly: true, PreLoadFreelist: true})
	assert.True(t, ro1.IsReadOnly())

	_, err = ro1.Begin(true)
	assert.ErrorIs(t, err, ErrDatabaseReadOnlyError)
	assert.ErrorIs(t, ro1.Update(func(*Tx) error { return nil }), ErrDatabaseReadOnlyError)

	for _, db := range []*DB{ro1, ro2} {
		require.NoError(t, db.View(func(tx *Tx) error {
			got, err := leaves(tx)
			require.NoError(t, err)
			assert.Equal(t, []string{"x"}, got)
			return nil
		}))
	}

	// Shared locks exclude a writer.
	_, err = Open(path, 0o600, &Options{Timeout: -1})
	assert.ErrorIs(t, err, ErrDatabaseOpenError)
}

func TestOpenFileLockTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locked.db")
	openTestDBAt(t, path, nil)

	start := time.Now()
	_, err := Open(path, 0o600, &Options{Timeout: 100 * time.Millisecond})
	assert.ErrorIs(t, err, ErrTimeoutError)
	assert.Less(t, time.Since(start), 2*time.Second)

	_, err = Open(path, 0o600, &Options{Timeout: -1})
	assert.ErrorIs(t, err, ErrDatabaseOpenError)
}

func TestCloseWaitsForReaders(t *testing.T) {
	db := openTestDB(t, nil)

	tx, err := db.Begin(false)
	require.NoError(t, err)

	closed := make(chan error, 1)
	go func() { closed <- db.Close() }()

	select {
	case err := <-closed:
		t.Fatalf("close returned %v with an open reader", err)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, tx.Rollback())
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("close did not return after the reader closed")
	}
}

func TestClosedDatabase(t *testing.T) {
	db := openTestDB(t, nil)
	require.NoError(t, db.Close())

	assert.ErrorIs(t, db.Close(), ErrDatabaseNotOpenError)
	_, err := db.Begin(false)
	assert.ErrorIs(t, err, ErrDatabaseNotOpenError)
	_, err = db.Begin(true)
	assert.ErrorIs(t, err, ErrDatabaseNotOpenError)
	assert.ErrorIs(t, db.Sync(), ErrDatabaseNotOpenError)
	assert.ErrorIs(t, db.View(func(*Tx) error { return nil }), ErrDatabaseNotOpenError)
}

func TestViewReleasesOnPanic(t *testing.T) {
	db := openTestDB(t, nil)

	assert.Panics(t, func() {
		_ = db.View(func(*Tx) error { panic("boom") })
	})
	assert.Panics(t, func() {
		_ = db.Update(func(tx *Tx) error {
			_, _ = tx.Allocate(1)
			panic("boom")
		})
	})

	assert.Equal(t, 0, db.Stats().OpenTxN)
	// The writer lock was released by the panicking Update.
	require.NoError(t, db.Update(func(tx *Tx) error { return putLeaf(tx, "after") }))
}

func TestUpdateHandlerError(t *testing.T) {
	db := openTestDB(t, nil)
	errBoom := errors.New("boom")

	err := db.Update(func(tx *Tx) error {
		if err := putLeaf(tx, "lost"); err != nil {
			return err
		}
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)

	require.NoError(t, db.View(func(tx *Tx) error {
		assert.Equal(t, Txid(0), tx.ID())
		assert.Equal(t, Pgid(0), tx.Root())
		return nil
	}))
	assert.Equal(t, int64(1), db.Stats().TxStats.Rollback)
}

func TestSync(t *testing.T) {
	db := openTestDB(t, &Options{NoSync: true})
	require.NoError(t, db.Update(func(tx *Tx) error { return putLeaf(tx, "x") }))
	assert.NoError(t, db.Sync())
}

func TestOpenLogsEvents(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	db := openTestDB(t, &Options{Logger: zap.New(core), NoFreelistSync: true})
	require.NoError(t, db.Close())

	db = openTestDBAt(t, db.Path(), &Options{Logger: zap.New(core), NoFreelistSync: true})
	assert.Equal(t, 2, logs.FilterMessage("database opened").Len())
	assert.Equal(t, 1, logs.FilterMessage("database closed").Len())
	assert.Equal(t, 2, logs.FilterMessage("freelist rebuilt by scan").Len())
}

func TestConcurrentReadersAndWriter(t *testing.T) {
	db := openTestDB(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = db.View(func(tx *Tx) error {
					_, err := leaves(tx)
					assert.NoError(t, err)
					return nil
				})
			}
		}()
	}
	for i := 0; i < 50; i++ {
		require.NoError(t, db.Update(func(tx *Tx) error { return putLeaf(tx, "w") }))
	}
	wg.Wait()

	s := db.Stats()
	assert.Equal(t, int64(50), s.TxStats.Commit)
	assert.Equal(t, 0, s.OpenTxN)
	assert.Equal(t, 400, s.TxN)
}
