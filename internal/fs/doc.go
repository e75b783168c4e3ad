// Package fs provides the file abstraction the page store writes through.
//
// The package defines two interfaces:
//
//   - [File]: an open data file with positioned reads and writes, truncation and sync
//   - [FileSystem]: opens and inspects files
//
// # Implementations
//
//   - [LocalFS]: production implementation on top of the os package
//   - [FaultyFS]: test wrapper that injects write, sync and truncate failures
//
// Tests can inject [FaultyFS] to simulate a crash in the middle of a commit:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule("data.db", fs.Fault{FailAfterBytes: -1, FailOnSync: true})
package fs
