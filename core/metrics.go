package core

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type NopMetricsRecorder struct{}

func (NopMetricsRecorder) IncCounter(context.Context, string, int64, map[string]string) {}

func (NopMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

// MetricSample is one aggregated series in a MemoryMetricsRecorder snapshot.
type MetricSample struct {
	Name  string            `json:"name"`
	Tags  map[string]string `json:"tags,omitempty"`
	Count int64             `json:"count"`
	// Sum is the counter total, or the sum of observed histogram values.
	Sum float64 `json:"sum"`
}

// MemoryMetricsRecorder aggregates counters and histograms in process. Series
// are keyed by name plus tags.
type MemoryMetricsRecorder struct {
	mu     sync.Mutex
	series map[string]*MetricSample
}

func NewMemoryMetricsRecorder() *MemoryMetricsRecorder {
	return &MemoryMetricsRecorder{series: map[string]*MetricSample{}}
}

func (m *MemoryMetricsRecorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	m.add(name, tags, float64(value))
}

func (m *MemoryMetricsRecorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	m.add(name, tags, value)
}

func (m *MemoryMetricsRecorder) add(name string, tags map[string]string, value float64) {
	name = strings.TrimSpace(name)
	if m == nil || name == "" {
		return
	}
	key := seriesKey(name, tags)
	m.mu.Lock()
	defer m.mu.Unlock()
	sample, ok := m.series[key]
	if !ok {
		sample = &MetricSample{Name: name, Tags: cloneTags(tags)}
		m.series[key] = sample
	}
	sample.Count++
	sample.Sum += value
}

// Snapshot returns every series sorted by name, then tags.
func (m *MemoryMetricsRecorder) Snapshot() []MetricSample {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	keys := make([]string, 0, len(m.series))
	for key := range m.series {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]MetricSample, 0, len(keys))
	for _, key := range keys {
		sample := *m.series[key]
		sample.Tags = cloneTags(sample.Tags)
		out = append(out, sample)
	}
	m.mu.Unlock()
	return out
}

func seriesKey(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	keys := make([]string, 0, len(tags))
	for key := range tags {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, key := range keys {
		b.WriteString("|")
		b.WriteString(key)
		b.WriteString("=")
		b.WriteString(tags[key])
	}
	return b.String()
}

func cloneTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return map[string]string{}
	}
	copied := make(map[string]string, len(tags))
	for key, value := range tags {
		copied[key] = value
	}
	return copied
}

var (
	_ MetricsRecorder = NopMetricsRecorder{}
	_ MetricsRecorder = (*MemoryMetricsRecorder)(nil)
)
