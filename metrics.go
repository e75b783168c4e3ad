package cowdb

import (
	"github.com/prometheus/client_golang/prometheus"
)

// collector exports DB.Stats as Prometheus metrics on every scrape.
type collector struct {
	db *DB

	freePages     *prometheus.Desc
	pendingPages  *prometheus.Desc
	freeAlloc     *prometheus.Desc
	freelistInuse *prometheus.Desc
	readTxs       *prometheus.Desc
	openReadTxs   *prometheus.Desc
	writeTxs      *prometheus.Desc
	openWriteTxs  *prometheus.Desc
	pageAllocs    *prometheus.Desc
	pagesWritten  *prometheus.Desc
	grows         *prometheus.Desc
	commits       *prometheus.Desc
	rollbacks     *prometheus.Desc
	commitSeconds *prometheus.Desc
	writeSeconds  *prometheus.Desc
}

// NewCollector returns a prometheus.Collector for db. Register it with a
// prometheus.Registerer; each scrape takes one Stats snapshot.
func NewCollector(db *DB, namespace string) prometheus.Collector {
	labels := prometheus.Labels{"path": db.Path()}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "cowdb", name), help, nil, labels)
	}
	return &collector{
		db:            db,
		freePages:     desc("free_pages", "Pages on the free list."),
		pendingPages:  desc("pending_pages", "Freed pages still visible to an open reader."),
		freeAlloc:     desc("free_alloc_bytes", "Bytes held by free and pending pages."),
		freelistInuse: desc("freelist_inuse_bytes", "Bytes used by the persisted freelist."),
		readTxs:       desc("read_tx_total", "Read transactions started."),
		openReadTxs:   desc("read_tx_open", "Read transactions currently open."),
		writeTxs:      desc("write_tx_total", "Write transactions started."),
		openWriteTxs:  desc("write_tx_open", "Write transactions currently open."),
		pageAllocs:    desc("page_alloc_total", "Pages allocated by write transactions."),
		pagesWritten:  desc("page_write_total", "Pages written to the data file."),
		grows:         desc("grow_total", "File or mapping extensions."),
		commits:       desc("commit_total", "Committed write transactions."),
		rollbacks:     desc("rollback_total", "Rolled back write transactions."),
		commitSeconds: desc("commit_seconds_total", "Time spent committing."),
		writeSeconds:  desc("write_seconds_total", "Time spent writing pages."),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.freePages
	ch <- c.pendingPages
	ch <- c.freeAlloc
	ch <- c.freelistInuse
	ch <- c.readTxs
	ch <- c.openReadTxs
	ch <- c.writeTxs
	ch <- c.openWriteTxs
	ch <- c.pageAllocs
	ch <- c.pagesWritten
	ch <- c.grows
	ch <- c.commits
	ch <- c.rollbacks
	ch <- c.commitSeconds
	ch <- c.writeSeconds
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	s := c.db.Stats()
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	counter := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v)
	}

	gauge(c.freePages, float64(s.FreePageN))
	gauge(c.pendingPages, float64(s.PendingPageN))
	gauge(c.freeAlloc, float64(s.FreeAlloc))
	gauge(c.freelistInuse, float64(s.FreelistInuse))
	counter(c.readTxs, float64(s.TxN))
	gauge(c.openReadTxs, float64(s.OpenTxN))
	counter(c.writeTxs, float64(s.WriteTxN))
	gauge(c.openWriteTxs, float64(s.OpenWriteTxN))
	counter(c.pageAllocs, float64(s.TxStats.PageCount))
	counter(c.pagesWritten, float64(s.TxStats.Write))
	counter(c.grows, float64(s.TxStats.Grow))
	counter(c.commits, float64(s.TxStats.Commit))
	counter(c.rollbacks, float64(s.TxStats.Rollback))
	counter(c.commitSeconds, s.TxStats.CommitTime.Seconds())
	counter(c.writeSeconds, s.TxStats.WriteTime.Seconds())
}
