package conntrack

import (
	"time"

	"github.com/untangle/flowscope/internal/l4"
)

// TimerWheel tracks inactive-connection expiration using a bucketed array
// swept on each resolution tick, ported from the bucket-sweep algorithm in
// the Rust core's timer wheel (same next_bucket/last_expire_bucket loop,
// same re-insertion of not-yet-expired entries into their new bucket).
type TimerWheel struct {
	periodMs   int
	startTS    time.Time
	ticker     *time.Ticker
	nextBucket int
	buckets    [][]l4.ConnId
}

// NewTimerWheel builds a wheel with maxTimeoutMs/resolutionMs buckets,
// ticking every resolutionMs.
func NewTimerWheel(maxTimeoutMs, resolutionMs int, start time.Time) *TimerWheel {
	if resolutionMs <= 0 || maxTimeoutMs < resolutionMs {
		panic("conntrack: timeout resolution must be smaller than maximum inactivity timeout")
	}
	n := maxTimeoutMs / resolutionMs
	return &TimerWheel{
		periodMs: resolutionMs,
		startTS:  start,
		ticker:   time.NewTicker(time.Duration(resolutionMs) * time.Millisecond),
		buckets:  make([][]l4.ConnId, n),
	}
}

// Ticker exposes the underlying ticker so a pipeline worker can select on
// it with a default branch (SPEC_FULL.md §5: non-blocking ticks).
func (w *TimerWheel) Ticker() *time.Ticker { return w.ticker }

// Stop releases the ticker's resources.
func (w *TimerWheel) Stop() { w.ticker.Stop() }

// Insert schedules id to be checked for expiry once its inactivity window
// elapses after lastSeen.
func (w *TimerWheel) Insert(id l4.ConnId, lastSeen time.Time, inactivityWindow time.Duration) {
	currentMs := int(lastSeen.Sub(w.startTS).Milliseconds())
	idx := ((currentMs + int(inactivityWindow.Milliseconds())) / w.periodMs) % len(w.buckets)
	if idx < 0 {
		idx += len(w.buckets)
	}
	w.buckets[idx] = append(w.buckets[idx], id)
}

// expireLookup is the minimal view RemoveInactive needs of a connection's
// tracker entry, to avoid conntrack.go and timerwheel.go needing each
// other's full types in both directions.
type expireLookup interface {
	peekLastSeen(id l4.ConnId) (lastSeen time.Time, inactivityWindow time.Duration, ok bool)
	expire(id l4.ConnId)
}

// RemoveInactive sweeps every bucket between the wheel's next-expiring
// bucket and the bucket for now, expiring connections whose inactivity
// window has elapsed and re-inserting the rest. Returns the number
// expired (SPEC_FULL.md §8 invariant 8, scenario S5).
func (w *TimerWheel) RemoveInactive(now time.Time, table expireLookup) int {
	period := w.periodMs
	nBuckets := len(w.buckets)
	checkTimeMs := int(now.Sub(w.startTS).Milliseconds()) / period * period
	lastExpireBucket := checkTimeMs / period

	expired := 0
	type reinsert struct {
		idx int
		id  l4.ConnId
	}
	var notExpired []reinsert

	for bucket := w.nextBucket; bucket < lastExpireBucket; bucket++ {
		idx := bucket % nBuckets
		ids := w.buckets[idx]
		w.buckets[idx] = nil

		for _, id := range ids {
			lastSeen, inactivityWindow, ok := table.peekLastSeen(id)
			if !ok {
				continue
			}
			lastSeenMs := int(lastSeen.Sub(w.startTS).Milliseconds())
			expireTimeMs := lastSeenMs + int(inactivityWindow.Milliseconds())
			if expireTimeMs < checkTimeMs {
				expired++
				table.expire(id)
			} else {
				newIdx := (expireTimeMs / period) % nBuckets
				notExpired = append(notExpired, reinsert{idx: newIdx, id: id})
			}
		}
	}
	for _, r := range notExpired {
		w.buckets[r.idx] = append(w.buckets[r.idx], r.id)
	}
	w.nextBucket = lastExpireBucket
	return expired
}
