package conntrack

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/untangle/flowscope/internal/l4"
	"github.com/untangle/flowscope/internal/session"
)

// TerminationHook is invoked whenever a connection leaves the table,
// whether by inactivity expiry, TCP FIN/RST termination, or LRU eviction
// at capacity. drained holds any sessions the parser had buffered.
type TerminationHook func(conn *Conn, drained []session.Session)

// ConnTracker is the per-core, single-goroutine-owned connection table:
// an LRU-ordered map bounded by MaxConnections, with inactivity expiry
// driven by a TimerWheel. One ConnTracker belongs to exactly one worker;
// there is no cross-tracker locking (SPEC_FULL.md §4.2 concurrency note).
type ConnTracker struct {
	table          *lru.LRU[l4.ConnId, *Conn]
	wheel          *TimerWheel
	onTerminate    TerminationHook
	capacityDrops  uint64
	explicitRemove bool
}

// NewConnTracker builds a tracker bounded to maxConnections entries; when
// full, inserting a new connection evicts the least-recently-touched one
// (counted as a capacity drop, never a crash).
func NewConnTracker(maxConnections int, wheel *TimerWheel, onTerminate TerminationHook) *ConnTracker {
	t := &ConnTracker{wheel: wheel, onTerminate: onTerminate}
	table, err := lru.NewLRU[l4.ConnId, *Conn](maxConnections, t.onEvict)
	if err != nil {
		panic(err)
	}
	t.table = table
	return t
}

// onEvict is simplelru's eviction callback: it fires both on genuine
// capacity eviction (from Add) and on Remove, so it must be the single
// place a Conn actually gets terminated. Remove and expire set
// explicitRemove around their t.table.Remove call so this doesn't count
// those as capacity drops; the tracker is single-goroutine-owned, so the
// flag needs no synchronization.
func (t *ConnTracker) onEvict(id l4.ConnId, conn *Conn) {
	if !t.explicitRemove {
		t.capacityDrops++
	}
	drained := conn.Terminate()
	if t.onTerminate != nil {
		t.onTerminate(conn, drained)
	}
}

// Insert adds a new connection and schedules its first timer-wheel bucket.
func (t *ConnTracker) Insert(conn *Conn) {
	t.table.Add(conn.ID, conn)
	t.wheel.Insert(conn.ID, conn.LastSeenTS, conn.InactivityWindow)
}

// Get returns a connection and marks it most-recently-used.
func (t *ConnTracker) Get(id l4.ConnId) (*Conn, bool) {
	return t.table.Get(id)
}

// Peek returns a connection without affecting LRU order.
func (t *ConnTracker) Peek(id l4.ConnId) (*Conn, bool) {
	return t.table.Peek(id)
}

// Touch refreshes a connection's last-seen time and reschedules it on the
// timer wheel, following renewed activity.
func (t *ConnTracker) Touch(conn *Conn, now time.Time) {
	conn.Touch(now)
	t.wheel.Insert(conn.ID, conn.LastSeenTS, conn.InactivityWindow)
}

// Remove terminates and removes a connection, e.g. on TCP FIN/RST
// termination detected during reassembly (invariant 7). The actual
// Terminate/onTerminate call happens once, inside onEvict, which
// t.table.Remove triggers.
func (t *ConnTracker) Remove(id l4.ConnId) {
	t.explicitRemove = true
	t.table.Remove(id)
	t.explicitRemove = false
}

// Len reports the number of tracked connections.
func (t *ConnTracker) Len() int { return t.table.Len() }

// CapacityDrops reports how many connections were evicted purely due to
// the table being at capacity (a per-core counter contributor).
func (t *ConnTracker) CapacityDrops() uint64 { return t.capacityDrops }

// Ticker exposes the underlying timer wheel's ticker, so a pipeline
// worker can select on it directly alongside its packet channel.
func (t *ConnTracker) Ticker() *time.Ticker { return t.wheel.Ticker() }

// Stop releases the timer wheel's ticker.
func (t *ConnTracker) Stop() { t.wheel.Stop() }

// CheckInactive sweeps the timer wheel for connections past their
// inactivity window (invariant 8, scenario S5). Call this once per
// resolution tick.
func (t *ConnTracker) CheckInactive(now time.Time) int {
	return t.wheel.RemoveInactive(now, t)
}

// peekLastSeen implements timerwheel.expireLookup.
func (t *ConnTracker) peekLastSeen(id l4.ConnId) (time.Time, time.Duration, bool) {
	conn, ok := t.table.Peek(id)
	if !ok {
		return time.Time{}, 0, false
	}
	return conn.LastSeenTS, conn.InactivityWindow, true
}

// expire implements timerwheel.expireLookup. Like Remove, it defers the
// actual termination to onEvict via t.table.Remove.
func (t *ConnTracker) expire(id l4.ConnId) {
	t.explicitRemove = true
	t.table.Remove(id)
	t.explicitRemove = false
}
