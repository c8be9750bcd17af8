package intel

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/intelify/internal/observability"
)

// Manager fans ingestion and lookups out across the configured feed adapters.
// It is constructed once at startup with the full adapter set; there is no
// package-level registry.
type Manager struct {
	adapters []Adapter
	logger   *zap.Logger
	metrics  *observability.Metrics
	cache    SearchCache
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics attaches Prometheus metrics to the manager.
func WithMetrics(m *observability.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithSearchCache attaches a lookup cache used by SearchAll.
func WithSearchCache(c SearchCache) Option {
	return func(mgr *Manager) { mgr.cache = c }
}

// NewManager creates a manager over the given adapters.
func NewManager(logger *zap.Logger, adapters []Adapter, opts ...Option) *Manager {
	m := &Manager{
		adapters: adapters,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Adapters returns the registered adapters in registration order.
func (m *Manager) Adapters() []Adapter {
	return m.adapters
}

// IngestLatest fetches from every adapter concurrently, waits for all of them
// to settle, and merges the results. A failing (or panicking) adapter
// contributes zero indicators; it never aborts the run. The second return
// value lists the SourceIDs of the adapters that fetched successfully, in
// registration order, so callers can update per-source freshness without
// crediting a dead feed.
//
// Merging dedupes by (type, value): the concatenated results are walked in
// adapter-registration order and the last occurrence of each key wins. This
// is a plain last-write-wins pre-persistence merge; field-level merging
// happens later at reconciliation.
func (m *Manager) IngestLatest(ctx context.Context, limitPerSource int) ([]Indicator, []string) {
	results := make([][]Indicator, len(m.adapters))
	succeeded := make([]bool, len(m.adapters))

	var wg sync.WaitGroup
	for i, a := range m.adapters {
		wg.Add(1)
		go func(i int, a Adapter) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("adapter panicked during fetch",
						zap.String("adapter", a.Name()),
						zap.Any("panic", r))
				}
			}()

			start := time.Now()
			indicators, err := a.FetchLatest(ctx, limitPerSource)
			if m.metrics != nil {
				m.metrics.FeedFetchDuration.WithLabelValues(a.SourceID()).Observe(time.Since(start).Seconds())
			}
			if err != nil {
				if m.metrics != nil {
					m.metrics.FeedFetchErrors.WithLabelValues(a.SourceID()).Inc()
				}
				m.logger.Warn("feed fetch failed",
					zap.String("adapter", a.Name()),
					zap.Error(err))
				return
			}
			if m.metrics != nil {
				m.metrics.IndicatorsIngested.WithLabelValues(a.SourceID()).Add(float64(len(indicators)))
			}
			results[i] = indicators
			succeeded[i] = true
		}(i, a)
	}
	wg.Wait()

	fetched := make([]string, 0, len(m.adapters))
	for i, a := range m.adapters {
		if succeeded[i] {
			fetched = append(fetched, a.SourceID())
		}
	}

	merged := make(map[string]Indicator)
	var order []string
	dropped := 0
	for _, batch := range results {
		for _, ind := range batch {
			key := ind.Key()
			if _, seen := merged[key]; !seen {
				order = append(order, key)
			} else {
				dropped++
			}
			merged[key] = ind
		}
	}
	if m.metrics != nil && dropped > 0 {
		m.metrics.DedupDropped.Add(float64(dropped))
	}

	out := make([]Indicator, 0, len(order))
	for _, key := range order {
		out = append(out, merged[key])
	}
	return out, fetched
}

// SearchAll performs a point lookup across every adapter with the same
// settle-all semantics as IngestLatest. It returns every hit, one per adapter
// that found something; unlike ingestion there is no dedup here, since the
// caller wants each feed's independent view of the indicator.
func (m *Manager) SearchAll(ctx context.Context, value string, t Type) []Indicator {
	cacheKey := string(t) + ":" + value
	if m.cache != nil {
		if hits, ok := m.cache.Get(ctx, cacheKey); ok {
			return hits
		}
	}

	results := make([]*Indicator, len(m.adapters))

	var wg sync.WaitGroup
	for i, a := range m.adapters {
		wg.Add(1)
		go func(i int, a Adapter) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("adapter panicked during search",
						zap.String("adapter", a.Name()),
						zap.Any("panic", r))
				}
			}()

			hit, err := a.Search(ctx, value, t)
			if err != nil {
				m.logger.Warn("feed lookup failed",
					zap.String("adapter", a.Name()),
					zap.String("value", value),
					zap.Error(err))
				return
			}
			results[i] = hit
		}(i, a)
	}
	wg.Wait()

	hits := make([]Indicator, 0, len(results))
	for _, hit := range results {
		if hit != nil {
			hits = append(hits, *hit)
		}
	}

	if m.cache != nil {
		m.cache.Set(ctx, cacheKey, hits)
	}
	return hits
}
