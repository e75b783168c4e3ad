package cowdb

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const testPageSize = 4096

// openTestDB opens a database in a temp dir and closes it when the test ends.
func openTestDB(t testing.TB, opts *Options) *DB {
	t.Helper()
	return openTestDBAt(t, filepath.Join(t.TempDir(), "test.db"), opts)
}

func openTestDBAt(t testing.TB, path string, opts *Options) *DB {
	t.Helper()
	if opts == nil {
		opts = &Options{}
	}
	if opts.PageSize == 0 {
		opts.PageSize = testPageSize
	}
	db, err := Open(path, 0o600, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := db.Close(); err != nil && !errors.Is(err, ErrDatabaseNotOpenError) {
			t.Errorf("close: %v", err)
		}
	})
	return db
}

// putLeaf appends a leaf holding payload under a branch root, copying the
// root on write.
func putLeaf(tx *Tx, payload string) error {
	var root *Page
	var err error
	if tx.Root() == 0 {
		root, err = tx.Allocate(1)
		if err != nil {
			return err
		}
		root.SetFlags(BranchPageFlag)
	} else {
		root, err = tx.Clone(tx.Root())
		if err != nil {
			return err
		}
	}

	leaf, err := newLeaf(tx, payload)
	if err != nil {
		return err
	}
	n := root.Count()
	root.SetBranchElement(n, 0, 0, leaf.ID())
	root.SetCount(n + 1)
	return tx.SetRoot(root.ID())
}

// rewriteLeaves replaces the whole tree with n leaves holding payload.
func rewriteLeaves(tx *Tx, n int, payload string) error {
	if tx.Root() != 0 {
		var ids []Pgid
		if err := tx.ForEachPage(func(p *Page, _ int) error {
			ids = append(ids, p.ID())
			return nil
		}); err != nil {
			return err
		}
		for _, id := range ids {
			if err := tx.Free(id); err != nil {
				return err
			}
		}
		if err := tx.SetRoot(0); err != nil {
			return err
		}
	}
	for i := 0; i < n; i++ {
		if err := putLeaf(tx, payload); err != nil {
			return err
		}
	}
	return nil
}

func newLeaf(tx *Tx, payload string) (*Page, error) {
	count := (len(payload)+pageHeaderSize)/tx.PageSize() + 1
	p, err := tx.Allocate(count)
	if err != nil {
		return nil, err
	}
	p.SetFlags(LeafPageFlag)
	p.SetCount(len(payload))
	copy(p.Data(), payload)
	return p, nil
}

// leaves returns the payloads of every reachable leaf in tree order.
func leaves(tx *Tx) ([]string, error) {
	var out []string
	err := tx.ForEachPage(func(p *Page, _ int) error {
		if p.Flags() == LeafPageFlag {
			out = append(out, string(p.Data()[:p.Count()]))
		}
		return nil
	})
	return out, err
}
