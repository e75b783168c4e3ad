// Package cowdb is the page layer of an embedded, single-file database:
// a copy-on-write page store with MVCC snapshots.
//
// A database file is a sequence of fixed-size pages. Pages 0 and 1 hold two
// meta slots; the valid slot with the higher transaction id is authoritative.
// A write transaction never modifies a page that a committed meta can reach.
// It allocates fresh pages, writes them, and publishes the result by writing
// the other meta slot. Readers see the snapshot that was authoritative when
// they began, for as long as they stay open.
//
// Key features:
//   - Single writer, multiple concurrent readers
//   - Read-only memory mapping that only grows
//   - Two-slot meta with xxhash checksums for crash safety
//   - Freelist with pending pages held back from open readers
//   - Array and hashmap freelist backends
//   - Batched writes that share one commit
//
// The B+tree living on top of the pages uses the Tx page methods: Page,
// Allocate, Free, Clone, Root and SetRoot.
//
// Basic usage:
//
//	db, err := cowdb.Open("/path/to/db", 0644, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	err = db.Update(func(tx *cowdb.Tx) error {
//	    p, err := tx.Allocate(1)
//	    if err != nil {
//	        return err
//	    }
//	    p.SetFlags(cowdb.LeafPageFlag)
//	    copy(p.Data(), "hello")
//	    return tx.SetRoot(p.ID())
//	})
//
//	err = db.View(func(tx *cowdb.Tx) error {
//	    p, err := tx.Page(tx.Root())
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Printf("%s\n", p.Data()[:5])
//	    return nil
//	})
package cowdb
