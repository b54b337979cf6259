package estore

import (
	"fmt"
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// dbMetrics holds the counters of one DB. Each DB gets its own set so that
// several databases can be open in one process.
type dbMetrics struct {
	set *metrics.Set

	commits       *metrics.Counter
	rollbacks     *metrics.Counter
	lockConflicts *metrics.Counter
	cursorLeaks   *metrics.Counter

	stores []*storeMetrics
}

type storeMetrics struct {
	puts         *metrics.Counter
	deletes      *metrics.Counter
	cascades     *metrics.Counter
	nullifies    *metrics.Counter
	fkViolations *metrics.Counter
}

func newDBMetrics(db *DB) *dbMetrics {
	set := metrics.NewSet()
	m := &dbMetrics{
		set:           set,
		commits:       set.NewCounter("estore_tx_commits_total"),
		rollbacks:     set.NewCounter("estore_tx_rollbacks_total"),
		lockConflicts: set.NewCounter("estore_lock_conflicts_total"),
		cursorLeaks:   set.NewCounter("estore_cursor_leaks_total"),
	}
	set.NewGauge("estore_cursors_open", func() float64 {
		return float64(db.cursorsOpened.Load() - db.cursorsReleased.Load())
	})
	set.NewGauge("estore_pending_writers", func() float64 {
		return float64(db.PendingWriterCount.Load())
	})
	set.NewGauge("estore_size_bytes", func() float64 {
		return float64(db.lastSize.Load())
	})
	for _, s := range db.schema.stores {
		m.stores = append(m.stores, &storeMetrics{
			puts:         set.NewCounter(storeMetricName("estore_puts_total", s)),
			deletes:      set.NewCounter(storeMetricName("estore_deletes_total", s)),
			cascades:     set.NewCounter(storeMetricName("estore_cascade_deletes_total", s)),
			nullifies:    set.NewCounter(storeMetricName("estore_nullified_total", s)),
			fkViolations: set.NewCounter(storeMetricName("estore_fk_violations_total", s)),
		})
	}
	return m
}

func storeMetricName(name string, s *storeCore) string {
	return fmt.Sprintf("%s{store=%q}", name, s.name)
}

func (m *dbMetrics) store(s *storeCore) *storeMetrics {
	return m.stores[s.pos]
}

// WriteMetrics writes the metrics of db in Prometheus text format.
func (db *DB) WriteMetrics(w io.Writer) {
	db.metrics.set.WritePrometheus(w)
}
