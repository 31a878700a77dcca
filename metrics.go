package bdtree

import "github.com/prometheus/client_golang/prometheus"

// Metrics is an optional instrumentation surface. A nil *Metrics (or one
// built with NewMetrics(nil)) is safe to call into; NewMetrics registers the
// counters with a caller-supplied, non-nil prometheus.Registerer.
type Metrics struct {
	cacheHits    prometheus.Counter
	cacheMisses  prometheus.Counter
	casRetries   prometheus.Counter
	splits       prometheus.Counter
	merges       prometheus.Counter
	consolidates prometheus.Counter
}

// NewMetrics builds the counter set. Pass a prometheus.Registerer to export
// them (e.g. prometheus.DefaultRegisterer); pass nil to keep them unexported
// but still countable in-process (useful in tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bdtree_cache_hits_total",
			Help: "Logical-pointer cache hits that satisfied the tx_id visibility rule.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bdtree_cache_misses_total",
			Help: "Cache misses (cold slot, stale tx_id, or failed resolve) requiring a fresh read.",
		}),
		casRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bdtree_cas_retries_total",
			Help: "Pointer-table CAS attempts that failed with WrongVersion or NotFound and were retried.",
		}),
		splits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bdtree_splits_total",
			Help: "Completed split structure-modifying operations.",
		}),
		merges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bdtree_merges_total",
			Help: "Completed merge structure-modifying operations.",
		}),
		consolidates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bdtree_consolidations_total",
			Help: "Delta chains replaced by a single materialized node.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.cacheHits, m.cacheMisses, m.casRetries, m.splits, m.merges, m.consolidates)
	}
	return m
}

func (m *Metrics) hit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func (m *Metrics) miss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

func (m *Metrics) casRetry() {
	if m != nil {
		m.casRetries.Inc()
	}
}

func (m *Metrics) split() {
	if m != nil {
		m.splits.Inc()
	}
}

func (m *Metrics) merge() {
	if m != nil {
		m.merges.Inc()
	}
}

func (m *Metrics) consolidate() {
	if m != nil {
		m.consolidates.Inc()
	}
}
