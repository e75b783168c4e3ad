package cowdb

import "time"

// Stats represents statistics about the database.
type Stats struct {
	// Aggregated statistics of committed and rolled back write transactions
	TxStats TxStats

	// Freelist stats
	FreePageN     int // total number of free pages on the freelist
	PendingPageN  int // total number of pending pages on the freelist
	FreeAlloc     int // total bytes allocated in free and pending pages
	FreelistInuse int // total bytes used by the persisted freelist

	// Transaction stats
	TxN          int // total number of started read transactions
	OpenTxN      int // number of currently open read transactions
	WriteTxN     int // total number of started write transactions
	OpenWriteTxN int // number of currently open write transactions, 0 or 1
}

// Sub calculates and returns the difference between two sets of database stats.
// This is useful when obtaining stats at two different points in time and
// you need the performance counters that occurred within that time span.
// A nil other returns a copy of s.
func (s *Stats) Sub(other *Stats) Stats {
	if other == nil {
		return *s
	}
	var diff Stats
	diff.FreePageN = s.FreePageN
	diff.PendingPageN = s.PendingPageN
	diff.FreeAlloc = s.FreeAlloc
	diff.FreelistInuse = s.FreelistInuse
	diff.TxN = s.TxN - other.TxN
	diff.OpenTxN = s.OpenTxN
	diff.WriteTxN = s.WriteTxN - other.WriteTxN
	diff.OpenWriteTxN = s.OpenWriteTxN
	diff.TxStats = s.TxStats.Sub(&other.TxStats)
	return diff
}

// TxStats represents statistics about the actions performed by a write transaction.
type TxStats struct {
	// Page statistics
	PageCount int64 // number of page allocations
	PageAlloc int64 // total bytes allocated

	// Free statistics
	FreeCount int64 // number of page runs freed

	// Write statistics
	Write     int64         // number of pages written
	WriteTime time.Duration // total time spent writing to disk

	// Growth statistics
	Grow     int64         // number of file or mapping extensions
	GrowTime time.Duration // total time spent growing

	// Commit statistics
	Commit     int64         // number of successful commits
	CommitTime time.Duration // total time spent committing
	Rollback   int64         // number of rolled back write transactions
}

func (s *TxStats) add(other *TxStats) {
	s.PageCount += other.PageCount
	s.PageAlloc += other.PageAlloc
	s.FreeCount += other.FreeCount
	s.Write += other.Write
	s.WriteTime += other.WriteTime
	s.Grow += other.Grow
	s.GrowTime += other.GrowTime
	s.Commit += other.Commit
	s.CommitTime += other.CommitTime
	s.Rollback += other.Rollback
}

// Sub calculates and returns the difference between two sets of transaction stats.
// A nil other returns a copy of s.
func (s *TxStats) Sub(other *TxStats) TxStats {
	if other == nil {
		return *s
	}
	return TxStats{
		PageCount:  s.PageCount - other.PageCount,
		PageAlloc:  s.PageAlloc - other.PageAlloc,
		FreeCount:  s.FreeCount - other.FreeCount,
		Write:      s.Write - other.Write,
		WriteTime:  s.WriteTime - other.WriteTime,
		Grow:       s.Grow - other.Grow,
		GrowTime:   s.GrowTime - other.GrowTime,
		Commit:     s.Commit - other.Commit,
		CommitTime: s.CommitTime - other.CommitTime,
		Rollback:   s.Rollback - other.Rollback,
	}
}
