// Package benchmarks compares the cowdb commit and snapshot paths with
// bbolt and libmdbx (through mdbx-go) on equivalent single-page workloads.
package benchmarks

import (
	"path/filepath"
	"runtime"
	"testing"

	mdbxgo "github.com/erigontech/mdbx-go/mdbx"
	bolt "go.etcd.io/bbolt"

	"github.com/Giulio2002/cowdb"
)

const benchPageSize = 4096

var benchBucket = []byte("bench")

func openCowDB(b *testing.B, opts *cowdb.Options) *cowdb.DB {
	b.Helper()
	if opts == nil {
		opts = &cowdb.Options{}
	}
	opts.PageSize = benchPageSize
	opts.InitialMmapSize = 64 << 20

	db, err := cowdb.Open(filepath.Join(b.TempDir(), "bench.cowdb"), 0644, opts)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { db.Close() })

	// A one-leaf tree for updates and reads to work on.
	if err := db.Update(func(tx *cowdb.Tx) error {
		p, err := tx.Allocate(1)
		if err != nil {
			return err
		}
		p.SetFlags(cowdb.LeafPageFlag)
		return tx.SetRoot(p.ID())
	}); err != nil {
		b.Fatal(err)
	}
	return db
}

// updateLeaf copies the root leaf and writes val into it.
func updateLeaf(tx *cowdb.Tx, val []byte) error {
	p, err := tx.Clone(tx.Root())
	if err != nil {
		return err
	}
	copy(p.Data(), val)
	p.SetCount(len(val))
	return tx.SetRoot(p.ID())
}

func openBolt(b *testing.B, noSync bool) *bolt.DB {
	b.Helper()
	db, err := bolt.Open(filepath.Join(b.TempDir(), "bench.bolt"), 0644, &bolt.Options{
		NoSync:          noSync,
		NoFreelistSync:  true,
		InitialMmapSize: 64 << 20,
		PageSize:        benchPageSize,
	})
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { db.Close() })

	if err := db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists(benchBucket)
		if err != nil {
			return err
		}
		return bkt.Put([]byte("k"), make([]byte, 32))
	}); err != nil {
		b.Fatal(err)
	}
	return db
}

func openMdbx(b *testing.B, noSync bool) (*mdbxgo.Env, mdbxgo.DBI) {
	b.Helper()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	env, err := mdbxgo.NewEnv(mdbxgo.Label("bench"))
	if err != nil {
		b.Fatal(err)
	}
	env.SetOption(mdbxgo.OptMaxDB, 10)
	env.SetGeometry(-1, -1, 1<<30, -1, -1, benchPageSize)

	path := filepath.Join(b.TempDir(), "bench.mdbx")
	if noSync {
		err = env.Open(path, mdbxgo.NoSubdir|mdbxgo.NoMetaSync|mdbxgo.WriteMap, 0644)
	} else {
		err = env.Open(path, mdbxgo.NoSubdir, 0644)
	}
	if err != nil {
		env.Close()
		b.Fatal(err)
	}
	b.Cleanup(func() { env.Close() })

	txn, err := env.BeginTxn(nil, 0)
	if err != nil {
		b.Fatal(err)
	}
	dbi, err := txn.OpenDBI(string(benchBucket), mdbxgo.Create, nil, nil)
	if err != nil {
		txn.Abort()
		b.Fatal(err)
	}
	if err := txn.Put(dbi, []byte("k"), make([]byte, 32), mdbxgo.Upsert); err != nil {
		txn.Abort()
		b.Fatal(err)
	}
	if _, err := txn.Commit(); err != nil {
		b.Fatal(err)
	}
	return env, dbi
}
