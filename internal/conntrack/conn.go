// Package conntrack implements the connection tracker: the per-connection
// Conn entry, an LRU-ordered connection table bounded by configured
// capacity, and the inactivity timer wheel (SPEC_FULL.md §4.2).
package conntrack

import (
	"time"

	"github.com/untangle/flowscope/internal/action"
	"github.com/untangle/flowscope/internal/l4"
	"github.com/untangle/flowscope/internal/parser"
	"github.com/untangle/flowscope/internal/reassembly"
	"github.com/untangle/flowscope/internal/session"
	"github.com/untangle/flowscope/internal/track"
)

// Fire bits record which terminal delivery has already happened for one
// subscription on one connection (SPEC_FULL.md §4.6 "Exactly-once").
type Fire uint8

const (
	FirePacket Fire = 1 << iota
	FireSession
	FireConn
)

// SubState is the per-subscription, per-connection bookkeeping the filter
// stages and dispatcher consult: what has fired, plus streaming-cadence
// fields. Nothing in the pipeline advances StreamCounter or sets
// StreamLatched, so a streaming cadence has no effect on delivery.
type SubState struct {
	Fired          Fire
	StreamCounter  uint64
	StreamLatched  bool
}

// Conn is one tracked connection: five-tuple identity, accumulated
// actions, per-protocol flow/reassembly state, parser selection, tracked
// data, and per-subscription delivery bookkeeping.
type Conn struct {
	ID     l4.ConnId
	Tuple  l4.FiveTuple
	Actions action.Set

	// TCPOrig/TCPResp hold per-direction reassembly state; TCP sequence
	// spaces are independent in each direction (SPEC_FULL.md §4.3).
	TCPOrig *reassembly.TcpFlow
	TCPResp *reassembly.TcpFlow
	UDP     *reassembly.UdpFlow

	Selection *parser.Selection
	// ParserName and ProtoEvaluated let the pipeline run the Protocol
	// filter stage exactly once per connection, as soon as parser
	// selection locks a winner.
	ParserName     string
	ProtoEvaluated bool
	Tracked        *track.Tracked

	LastSeenTS       time.Time
	InactivityWindow time.Duration

	FinSeenOrig bool
	FinSeenResp bool
	RstSeen     bool

	SubStates map[int]*SubState

	terminated bool
}

// NewConn creates a fresh Conn for a newly observed five-tuple.
func NewConn(id l4.ConnId, tuple l4.FiveTuple, inactivityWindow time.Duration, now time.Time) *Conn {
	return &Conn{
		ID:               id,
		Tuple:            tuple,
		LastSeenTS:       now,
		InactivityWindow: inactivityWindow,
		SubStates:        map[int]*SubState{},
	}
}

// SubState returns (creating if absent) the per-subscription bookkeeping
// for subscription index idx.
func (c *Conn) SubState(idx int) *SubState {
	s, ok := c.SubStates[idx]
	if !ok {
		s = &SubState{}
		c.SubStates[idx] = s
	}
	return s
}

// Touch records fresh activity, used both to refresh LastSeenTS and to
// re-schedule the connection's timer-wheel bucket.
func (c *Conn) Touch(now time.Time) { c.LastSeenTS = now }

// TCPFlow returns the per-direction reassembly state for dir (true ==
// originator-to-responder).
func (c *Conn) TCPFlow(dir bool) *reassembly.TcpFlow {
	if dir {
		return c.TCPOrig
	}
	return c.TCPResp
}

// ObserveTCPFlags updates FIN/RST tracking for invariant 7 ("is_terminated
// == true iff FIN seen both directions, or RST either direction").
func (c *Conn) ObserveTCPFlags(dir bool, flags l4.TCPFlags) {
	if flags.Has(l4.TCPFlagRST) {
		c.RstSeen = true
	}
	if flags.Has(l4.TCPFlagFIN) {
		if dir {
			c.FinSeenOrig = true
		} else {
			c.FinSeenResp = true
		}
	}
}

// IsTerminated reports invariant 7 directly.
func (c *Conn) IsTerminated() bool {
	return c.RstSeen || (c.FinSeenOrig && c.FinSeenResp)
}

// Terminated reports whether Terminate has already run for this entry.
func (c *Conn) Terminated() bool { return c.terminated }

// Terminate drains any parser sessions and tracked packet lists and marks
// the connection done; the caller (ConnTracker) is responsible for
// removing it from the table and for any subscription ConnDeliver.
func (c *Conn) Terminate() []session.Session {
	if c.terminated {
		return nil
	}
	c.terminated = true

	var drained []session.Session
	if c.Selection != nil {
		drained = c.Selection.DrainSessions()
	}
	if c.Tracked != nil {
		c.Tracked.DrainPacketLists()
	}
	return drained
}
