package internal

import "sync"

// MetricStore collects extracted metrics for one run. Repeated extractions
// of the same (instance, metric) form a time series; Latest is authoritative
// unless a check explicitly asks for history.
type MetricStore struct {
	mu     sync.RWMutex
	series map[metricKey][]Metric
}

type metricKey struct {
	instance string
	metric   string
}

// NewMetricStore creates an empty run-scoped metric store.
func NewMetricStore() *MetricStore {
	return &MetricStore{series: make(map[metricKey][]Metric)}
}

// Record appends metrics to their series.
func (s *MetricStore) Record(metrics ...Metric) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range metrics {
		key := metricKey{instance: m.Instance, metric: m.Name}
		s.series[key] = append(s.series[key], m)
	}
}

// Latest returns the most recent value for (instance, metric).
func (s *MetricStore) Latest(instance, metric string) (Metric, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	series := s.series[metricKey{instance: instance, metric: metric}]
	if len(series) == 0 {
		return Metric{}, false
	}
	return series[len(series)-1], true
}

// History returns the full series for (instance, metric) in extraction order.
func (s *MetricStore) History(instance, metric string) []Metric {
	s.mu.RLock()
	defer s.mu.RUnlock()
	series := s.series[metricKey{instance: instance, metric: metric}]
	out := make([]Metric, len(series))
	copy(out, series)
	return out
}

// Snapshot returns the latest value of every recorded series, for report
// aggregation.
func (s *MetricStore) Snapshot() []Metric {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Metric, 0, len(s.series))
	for _, series := range s.series {
		out = append(out, series[len(series)-1])
	}
	return out
}
