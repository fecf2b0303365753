// SPDX-License-Identifier: GPL-3.0-or-later

package dnssink

import (
	"net/netip"
	"sync"
	"time"
)

// trackerCapacity is the maximum number of outstanding query records;
// when full, the oldest record is evicted to make room.
const trackerCapacity = 1024

// queryTimeout is how long a query record may remain outstanding before
// the periodic sweep removes it.
const queryTimeout = 10 * time.Second

// queryRecord is one outstanding DNS Query Record: enough to reframe an
// upstream response back to the client that originated it.
type queryRecord struct {
	clientAddr   netip.AddrPort
	clientID     uint16
	upstreamID   uint16
	name         string
	dispatchedAt time.Time
}

// QueryTracker correlates upstream-assigned query ids with the client
// 5-tuple and original id that originated the query. It is shared by
// three goroutines — the tunnel reader ([*QueryTracker.Register], and
// hasID via [*UpstreamPool.Send]'s collision check), the upstream reader
// ([*QueryTracker.Match]), and the control goroutine's periodic sweep
// ([*QueryTracker.Sweep]) — so every method guards the map with mu.
type QueryTracker struct {
	TimeNow func() time.Time

	mu      sync.Mutex
	records map[uint16]*queryRecord
	order   []uint16 // insertion order, for capacity eviction and sweep
}

// NewQueryTracker returns an empty [*QueryTracker].
func NewQueryTracker(timeNow func() time.Time) *QueryTracker {
	return &QueryTracker{
		TimeNow: timeNow,
		records: make(map[uint16]*queryRecord, trackerCapacity),
	}
}

// Register inserts a new outstanding record keyed by upstreamID. If the
// tracker is at capacity, the oldest outstanding record is evicted
// first; its late response, if any, will simply fail to match.
func (t *QueryTracker) Register(upstreamID uint16, clientAddr netip.AddrPort, clientID uint16, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.records) >= trackerCapacity {
		t.evictOldest()
	}
	t.records[upstreamID] = &queryRecord{
		clientAddr:   clientAddr,
		clientID:     clientID,
		upstreamID:   upstreamID,
		name:         name,
		dispatchedAt: t.TimeNow(),
	}
	t.order = append(t.order, upstreamID)
}

// Match removes and returns the record for upstreamID, or nil if none is
// outstanding (already matched, swept, or never registered — e.g. a
// resolver-health probe id, which is never registered).
func (t *QueryTracker) Match(upstreamID uint16) *queryRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[upstreamID]
	if !ok {
		return nil
	}
	delete(t.records, upstreamID)
	return rec
}

// hasID implements [hasOutstandingID] for [*UpstreamPool.Send]'s
// collision check.
func (t *QueryTracker) hasID(id uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.records[id]
	return ok
}

// Len reports the number of currently outstanding records.
func (t *QueryTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Sweep removes every record older than [queryTimeout], called once per
// second by the engine's control loop. Returns the number of records
// evicted.
func (t *QueryTracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.TimeNow()
	evicted := 0
	kept := t.order[:0]
	for _, id := range t.order {
		rec, ok := t.records[id]
		if !ok {
			continue // already matched
		}
		if now.Sub(rec.dispatchedAt) > queryTimeout {
			delete(t.records, id)
			evicted++
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept
	return evicted
}

// evictOldest drops the single oldest still-outstanding record to make
// room for a new one.
func (t *QueryTracker) evictOldest() {
	for len(t.order) > 0 {
		id := t.order[0]
		t.order = t.order[1:]
		if _, ok := t.records[id]; ok {
			delete(t.records, id)
			return
		}
	}
}
