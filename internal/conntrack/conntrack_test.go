package conntrack

import (
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/untangle/flowscope/internal/l4"
	"github.com/untangle/flowscope/internal/session"
)

func tuple(i int) l4.FiveTuple {
	return l4.FiveTuple{
		Orig:  netip.MustParseAddrPort(fmt.Sprintf("10.0.0.1:%d", 10000+i)),
		Resp:  netip.MustParseAddrPort("10.0.0.2:443"),
		Proto: l4.ProtoTCP,
	}
}

func TestFinBothDirectionsTerminates(t *testing.T) {
	c := NewConn(tuple(1).ConnId(), tuple(1), time.Minute, time.Unix(0, 0))
	assert.False(t, c.IsTerminated())
	c.ObserveTCPFlags(true, l4.TCPFlagFIN)
	assert.False(t, c.IsTerminated())
	c.ObserveTCPFlags(false, l4.TCPFlagFIN)
	assert.True(t, c.IsTerminated())
}

func TestRstEitherDirectionTerminates(t *testing.T) {
	c := NewConn(tuple(2).ConnId(), tuple(2), time.Minute, time.Unix(0, 0))
	c.ObserveTCPFlags(false, l4.TCPFlagRST)
	assert.True(t, c.IsTerminated())
}

func TestInactivityEvictionS5(t *testing.T) {
	start := time.Unix(0, 0)
	wheel := NewTimerWheel(10_000, 100, start)
	defer wheel.Stop()

	var terminatedCount int
	tracker := NewConnTracker(2000, wheel, func(conn *Conn, drained []session.Session) {
		terminatedCount++
	})

	for i := 0; i < 1000; i++ {
		ft := tuple(i)
		conn := NewConn(ft.ConnId(), ft, time.Second, start)
		tracker.Insert(conn)
	}
	require.Equal(t, 1000, tracker.Len())

	// Advance the clock 1100ms with no traffic: tcp_inactivity=1000ms,
	// resolution=100ms, so all 1000 connections should be evicted.
	expired := tracker.CheckInactive(start.Add(1100 * time.Millisecond))
	assert.Equal(t, 1000, expired)
	assert.Equal(t, 0, tracker.Len())
	assert.Equal(t, 1000, terminatedCount)
}

func TestRemoveTriggersTerminationHookOnce(t *testing.T) {
	start := time.Unix(0, 0)
	wheel := NewTimerWheel(10_000, 100, start)
	defer wheel.Stop()

	calls := 0
	tracker := NewConnTracker(10, wheel, func(conn *Conn, drained []session.Session) {
		calls++
	})

	ft := tuple(1)
	conn := NewConn(ft.ConnId(), ft, time.Second, start)
	tracker.Insert(conn)

	tracker.Remove(conn.ID)
	tracker.Remove(conn.ID) // second remove on an absent id is a no-op

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, tracker.Len())
}

func TestCapacityEvictionCountsDrop(t *testing.T) {
	start := time.Unix(0, 0)
	wheel := NewTimerWheel(10_000, 100, start)
	defer wheel.Stop()

	tracker := NewConnTracker(1, wheel, nil)
	ft1, ft2 := tuple(1), tuple(2)
	tracker.Insert(NewConn(ft1.ConnId(), ft1, time.Second, start))
	tracker.Insert(NewConn(ft2.ConnId(), ft2, time.Second, start))

	assert.Equal(t, 1, tracker.Len())
	assert.Equal(t, uint64(1), tracker.CapacityDrops())
}
