package policy

import (
	"sync"
	"time"
)

const (
	// DefaultQuotaTTL is how long a request's call counter is retained.
	DefaultQuotaTTL = time.Hour

	// DefaultQuotaMaxEntries bounds the number of tracked requests.
	DefaultQuotaMaxEntries = 10000
)

type quotaKey struct {
	workspaceID string
	requestID   string
}

type quotaEntry struct {
	count   int
	limit   int
	created time.Time
}

func (e *quotaEntry) exhausted() bool {
	return e.count >= e.limit
}

// QuotaTracker counts tool calls per (workspace, request id).
//
// Expired entries are swept on every Acquire; there is no background timer.
// When the tracker is full the oldest entry still below its limit is
// evicted. Exhausted entries are only dropped by TTL expiry, so a flood of
// fresh request ids cannot reset a spent counter.
type QuotaTracker struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
	entries    map[quotaKey]*quotaEntry
}

// NewQuotaTracker creates a tracker. Non-positive ttl or maxEntries select
// the defaults; a nil clock selects time.Now.
func NewQuotaTracker(ttl time.Duration, maxEntries int, now func() time.Time) *QuotaTracker {
	if ttl <= 0 {
		ttl = DefaultQuotaTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultQuotaMaxEntries
	}
	if now == nil {
		now = time.Now
	}
	return &QuotaTracker{
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        now,
		entries:    make(map[quotaKey]*quotaEntry),
	}
}

// Acquire records one call against (workspaceID, requestID) if fewer than
// limit calls have been recorded, and reports whether it did. The counter
// never exceeds limit.
//
// A new key is refused with count 0 when the tracker is full and every
// tracked entry is exhausted.
func (q *QuotaTracker) Acquire(workspaceID, requestID string, limit int) (count int, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.sweepLocked(now)

	key := quotaKey{workspaceID: workspaceID, requestID: requestID}
	entry, exists := q.entries[key]
	if !exists {
		if len(q.entries) >= q.maxEntries && !q.evictOldestLocked() {
			return 0, false
		}
		entry = &quotaEntry{created: now}
		q.entries[key] = entry
	}
	entry.limit = limit
	if entry.exhausted() {
		return entry.count, false
	}
	entry.count++
	return entry.count, true
}

// Len returns the number of tracked requests.
func (q *QuotaTracker) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Reset drops every counter.
func (q *QuotaTracker) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = make(map[quotaKey]*quotaEntry)
}

func (q *QuotaTracker) sweepLocked(now time.Time) {
	for k, e := range q.entries {
		if now.Sub(e.created) >= q.ttl {
			delete(q.entries, k)
		}
	}
}

// evictOldestLocked drops the oldest entry that has not reached its limit
// and reports whether one was found.
func (q *QuotaTracker) evictOldestLocked() bool {
	var (
		oldestKey quotaKey
		oldest    time.Time
		found     bool
	)
	for k, e := range q.entries {
		if e.exhausted() {
			continue
		}
		if !found || e.created.Before(oldest) {
			oldestKey, oldest, found = k, e.created, true
		}
	}
	if found {
		delete(q.entries, oldestKey)
	}
	return found
}
