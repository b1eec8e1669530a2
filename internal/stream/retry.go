package stream

import (
	"sync"
	"time"

	"github.com/sawpanic/depthwatch/internal/orderbook"
)

// CombinedKey is the synthetic retry-queue key for the combined futures
// stream, which has no replica of its own.
var CombinedKey = orderbook.PairKey{Symbol: "combined", Segment: orderbook.Futures}

// FailedEntry is one retry-queue item.
type FailedEntry struct {
	Key           orderbook.PairKey `json:"key"`
	RetryCount    int               `json:"retryCount"`
	FirstFailedAt time.Time         `json:"firstFailedAt"`
	LastRetryAt   time.Time         `json:"lastRetryAt"`
	Reason        string            `json:"reason"`
}

// retryQueue tracks failed subscriptions awaiting supervisor attention.
type retryQueue struct {
	mu      sync.Mutex
	entries map[orderbook.PairKey]*FailedEntry
	now     func() time.Time
}

func newRetryQueue(now func() time.Time) *retryQueue {
	return &retryQueue{
		entries: make(map[orderbook.PairKey]*FailedEntry),
		now:     now,
	}
}

// Add records a failure. An existing entry keeps its history and updates the
// reason.
func (q *retryQueue) Add(key orderbook.PairKey, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[key]; ok {
		e.Reason = reason
		return
	}
	q.entries[key] = &FailedEntry{
		Key:           key,
		FirstFailedAt: q.now(),
		Reason:        reason,
	}
}

// Has reports whether the key is queued.
func (q *retryQueue) Has(key orderbook.PairKey) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[key]
	return ok
}

// Remove drops the entry, typically after the subscription came alive.
func (q *retryQueue) Remove(key orderbook.PairKey) {
	q.mu.Lock()
	delete(q.entries, key)
	q.mu.Unlock()
}

// NextReady returns the oldest entry whose last retry is at least minDelay
// ago, marking it retried. Nil when nothing is due.
func (q *retryQueue) NextReady(minDelay time.Duration) *FailedEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var oldest *FailedEntry
	for _, e := range q.entries {
		if now.Sub(e.LastRetryAt) < minDelay {
			continue
		}
		if oldest == nil || e.FirstFailedAt.Before(oldest.FirstFailedAt) {
			oldest = e
		}
	}
	if oldest == nil {
		return nil
	}
	oldest.LastRetryAt = now
	oldest.RetryCount++
	copied := *oldest
	return &copied
}

// List snapshots all entries.
func (q *retryQueue) List() []FailedEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]FailedEntry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, *e)
	}
	return out
}

func (q *retryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// attemptWindow is a sliding-window counter of connection attempts, bucketed
// per second so memory stays bounded.
type attemptWindow struct {
	mu      sync.Mutex
	buckets [60]int
	stamps  [60]int64 // unix second each bucket belongs to
	limit   int
	now     func() time.Time
}

func newAttemptWindow(limit int, now func() time.Time) *attemptWindow {
	return &attemptWindow{limit: limit, now: now}
}

// Allow records an attempt when under the limit and reports whether the
// attempt may proceed.
func (w *attemptWindow) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	sec := w.now().Unix()
	if w.countLocked(sec) >= w.limit {
		return false
	}
	idx := sec % 60
	if w.stamps[idx] != sec {
		w.stamps[idx] = sec
		w.buckets[idx] = 0
	}
	w.buckets[idx]++
	return true
}

// Count reports attempts within the last 60 seconds.
func (w *attemptWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.countLocked(w.now().Unix())
}

func (w *attemptWindow) countLocked(nowSec int64) int {
	total := 0
	for i := 0; i < 60; i++ {
		if nowSec-w.stamps[i] < 60 {
			total += w.buckets[i]
		}
	}
	return total
}
