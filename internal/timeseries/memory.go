package timeseries

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps series in process memory with the same retention rules
// as the Redis backend. It is the default when no Redis address is
// configured.
type MemoryStore struct {
	mu     sync.RWMutex
	series map[string][]memberEntry
	now    func() time.Time
}

type memberEntry struct {
	score int64
	data  []byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		series: make(map[string][]memberEntry),
		now:    time.Now,
	}
}

// SetClock overrides the wall clock, for tests.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *MemoryStore) append(key string, score int64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.series[key]
	idx := sort.Search(len(entries), func(i int) bool { return entries[i].score > score })
	entries = append(entries, memberEntry{})
	copy(entries[idx+1:], entries[idx:])
	entries[idx] = memberEntry{score: score, data: data}

	// Prune past the retention horizon on every write.
	cutoff := m.now().Add(-RetentionPeriod).UnixMilli()
	first := sort.Search(len(entries), func(i int) bool { return entries[i].score >= cutoff })
	m.series[key] = entries[first:]
}

func (m *MemoryStore) rangeQuery(key string, startMs, endMs int64, limit int) [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out [][]byte
	for _, e := range m.series[key] {
		if startMs > 0 && e.score < startMs {
			continue
		}
		if endMs > 0 && e.score > endMs {
			break
		}
		out = append(out, e.data)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (m *MemoryStore) tail(key string, count int) [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.series[key]
	if count > 0 && len(entries) > count {
		entries = entries[len(entries)-count:]
	}
	out := make([][]byte, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.data)
	}
	return out
}

// AppendCore stores one core record.
func (m *MemoryStore) AppendCore(_ context.Context, key SeriesKey, rec *CoreRecord) error {
	data, err := encodeCore(rec)
	if err != nil {
		return err
	}
	m.append(key.storageKey(ClassCore), rec.TimestampMs, data)
	return nil
}

// AppendAdvanced stores one advanced record.
func (m *MemoryStore) AppendAdvanced(_ context.Context, key SeriesKey, rec *AdvancedRecord) error {
	data, err := encodeAdvanced(rec)
	if err != nil {
		return err
	}
	m.append(key.storageKey(ClassAdvanced), rec.TimestampMs, data)
	return nil
}

// RangeCore returns core records in [startMs, endMs], time ascending.
func (m *MemoryStore) RangeCore(_ context.Context, key SeriesKey, startMs, endMs int64, limit int) ([]CoreRecord, error) {
	raw := m.rangeQuery(key.storageKey(ClassCore), startMs, endMs, limit)
	out := make([]CoreRecord, 0, len(raw))
	for _, data := range raw {
		rec, err := decodeCore(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// RangeAdvanced returns advanced records in [startMs, endMs], time ascending.
func (m *MemoryStore) RangeAdvanced(_ context.Context, key SeriesKey, startMs, endMs int64, limit int) ([]AdvancedRecord, error) {
	raw := m.rangeQuery(key.storageKey(ClassAdvanced), startMs, endMs, limit)
	out := make([]AdvancedRecord, 0, len(raw))
	for _, data := range raw {
		rec, err := decodeAdvanced(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Recent returns the newest count records, oldest first.
func (m *MemoryStore) Recent(_ context.Context, key SeriesKey, count int, includeAdvanced bool) (*RecentResult, error) {
	res := &RecentResult{}
	for _, data := range m.tail(key.storageKey(ClassCore), count) {
		rec, err := decodeCore(data)
		if err != nil {
			return nil, err
		}
		res.Core = append(res.Core, rec)
	}
	if includeAdvanced {
		for _, data := range m.tail(key.storageKey(ClassAdvanced), count) {
			rec, err := decodeAdvanced(data)
			if err != nil {
				return nil, err
			}
			res.Advanced = append(res.Advanced, rec)
		}
	}
	return res, nil
}

// Stats reports counts and the combined time range for a pair.
func (m *MemoryStore) Stats(_ context.Context, key SeriesKey) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	core := m.series[key.storageKey(ClassCore)]
	adv := m.series[key.storageKey(ClassAdvanced)]

	stats := &Stats{CoreCount: int64(len(core)), AdvancedCount: int64(len(adv))}
	for _, entries := range [][]memberEntry{core, adv} {
		if len(entries) == 0 {
			continue
		}
		first, last := entries[0].score, entries[len(entries)-1].score
		if stats.TimeRange.Start == 0 || first < stats.TimeRange.Start {
			stats.TimeRange.Start = first
		}
		if last > stats.TimeRange.End {
			stats.TimeRange.End = last
		}
	}
	return stats, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
