// Package track implements the per-connection Tracked record and its
// update components (SPEC_FULL.md §4.6), generalizing the teacher's
// string-keyed conndict field/value store into a typed, spec-loaded
// component set.
package track

import (
	"time"

	"github.com/untangle/flowscope/internal/l4"
	"github.com/untangle/flowscope/internal/mbuf"
	"github.com/untangle/flowscope/internal/session"
)

// Component is one piece of tracked per-connection state a subscription's
// datatype set can require. Only components actually required by an
// active subscription are materialized on a Tracked record.
type Component interface {
	// Update runs once per arriving PDU (reassembled=false) and again
	// when the payload is consumed in reassembled order (reassembled=true).
	Update(pdu l4.L4Pdu, reassembled bool)
}

// Datatype names the known Tracked components a subscription may request.
type Datatype uint8

const (
	DatatypeCounts Datatype = iota
	DatatypeReassembledBytes
	DatatypeTiming
	DatatypeHistory
	DatatypePacketList
	DatatypeFiveTuple
	DatatypeSessions
	DatatypeGeo
)

// Counts tracks per-direction packet/byte counts.
type Counts struct {
	OrigPackets, OrigBytes uint64
	RespPackets, RespBytes uint64
}

func (c *Counts) Update(pdu l4.L4Pdu, reassembled bool) {
	if reassembled {
		return
	}
	if pdu.Dir {
		c.OrigPackets++
		c.OrigBytes += uint64(len(pdu.Payload))
	} else {
		c.RespPackets++
		c.RespBytes += uint64(len(pdu.Payload))
	}
}

// ReassembledBytes tracks byte-accurate in-order delivery totals.
type ReassembledBytes struct {
	Orig, Resp uint64
}

func (r *ReassembledBytes) Update(pdu l4.L4Pdu, reassembled bool) {
	if !reassembled {
		return
	}
	if pdu.Dir {
		r.Orig += uint64(len(pdu.Payload))
	} else {
		r.Resp += uint64(len(pdu.Payload))
	}
}

// Timing tracks the connection's start and last-activity timestamps.
type Timing struct {
	Start time.Time
	Last  time.Time
}

func NewTiming(now time.Time) *Timing { return &Timing{Start: now, Last: now} }

func (t *Timing) Update(pdu l4.L4Pdu, reassembled bool) {
	if reassembled {
		return
	}
	t.Last = nowFunc()
}

// nowFunc is indirected so tests can control elapsed time if needed.
var nowFunc = time.Now

// HistoryEvent tags one entry in a connection's causal event history.
type HistoryEvent byte

const (
	HistoryPacket       HistoryEvent = 'P'
	HistoryReassembled  HistoryEvent = 'R'
	HistorySessionStart HistoryEvent = 'S'
	HistorySessionEnd   HistoryEvent = 'E'
)

// History is an append-only byte vector encoding the causal sequence of
// significant per-connection events.
type History struct {
	Events []HistoryEvent
}

func (h *History) Update(pdu l4.L4Pdu, reassembled bool) {
	if reassembled {
		h.Events = append(h.Events, HistoryReassembled)
		return
	}
	h.Events = append(h.Events, HistoryPacket)
}

func (h *History) RecordSessionStart() { h.Events = append(h.Events, HistorySessionStart) }
func (h *History) RecordSessionEnd()   { h.Events = append(h.Events, HistorySessionEnd) }

// PacketList owns Mbuf references for one direction: the originator's list
// fills Orig, the responder's list fills Resp. Drain clears and disables it.
type PacketList struct {
	Orig, Resp []*mbuf.Mbuf
	resp       bool // true for the responder-direction list
	drained    bool
}

func (p *PacketList) Update(pdu l4.L4Pdu, reassembled bool) {
	if reassembled || p.drained || pdu.Mbuf == nil || pdu.Dir == p.resp {
		return
	}
	pdu.Mbuf.Ref()
	if pdu.Dir {
		p.Orig = append(p.Orig, pdu.Mbuf)
	} else {
		p.Resp = append(p.Resp, pdu.Mbuf)
	}
}

// Drain releases all retained Mbuf references and disables further
// tracking (SPEC_FULL.md §4.6: "FrameDrain clears tracked packet lists
// and disables further tracking").
func (p *PacketList) Drain() {
	for _, m := range p.Orig {
		m.Release()
	}
	for _, m := range p.Resp {
		m.Release()
	}
	p.Orig, p.Resp = nil, nil
	p.drained = true
}

// FiveTupleComponent snapshots the connection's five-tuple; it never
// changes after connection creation so Update is a no-op.
type FiveTupleComponent struct {
	Tuple l4.FiveTuple
}

func (f *FiveTupleComponent) Update(l4.L4Pdu, bool) {}

// Sessions owns the parsed-sessions list delivered on termination.
type Sessions struct {
	Completed []session.Session
}

func (s *Sessions) Update(l4.L4Pdu, bool) {}

func (s *Sessions) Append(sess session.Session) { s.Completed = append(s.Completed, sess) }

// GeoLookup resolves a remote address to a country code, backed by an
// optional GeoIP database (see internal/track/geo.go).
type GeoLookup interface {
	Lookup(addr string) (country string, ok bool)
}

// Geo records the responder's GeoIP country in Country, resolved once on
// first Update; it does not write to History.
type Geo struct {
	lookup   GeoLookup
	resolved bool
	Country  string
}

func NewGeo(lookup GeoLookup) *Geo { return &Geo{lookup: lookup} }

func (g *Geo) Update(pdu l4.L4Pdu, reassembled bool) {
	if g.resolved || reassembled || g.lookup == nil {
		return
	}
	if country, ok := g.lookup.Lookup(pdu.Ctx.Dst.Addr().String()); ok {
		g.Country = country
	}
	g.resolved = true
}

// Tracked is the per-connection record materialized from exactly the
// components required by the active subscription set.
type Tracked struct {
	Counts           *Counts
	ReassembledBytes *ReassembledBytes
	Timing           *Timing
	History          *History
	OrigPackets      *PacketList
	RespPackets      *PacketList
	FiveTuple        *FiveTupleComponent
	Sessions         *Sessions
	Geo              *Geo

	components []Component
}

// New materializes a Tracked record containing exactly the components
// named by datatypes (spec-load-time deduplication: a component-registry
// keyed on which subscriptions are active, per SPEC_FULL.md §4.6).
func New(datatypes map[Datatype]bool, tuple l4.FiveTuple, now time.Time, geo GeoLookup) *Tracked {
	t := &Tracked{}
	add := func(c Component) { t.components = append(t.components, c) }

	if datatypes[DatatypeCounts] {
		t.Counts = &Counts{}
		add(t.Counts)
	}
	if datatypes[DatatypeReassembledBytes] {
		t.ReassembledBytes = &ReassembledBytes{}
		add(t.ReassembledBytes)
	}
	if datatypes[DatatypeTiming] {
		t.Timing = NewTiming(now)
		add(t.Timing)
	}
	if datatypes[DatatypeHistory] {
		t.History = &History{}
		add(t.History)
	}
	if datatypes[DatatypePacketList] {
		t.OrigPackets = &PacketList{}
		t.RespPackets = &PacketList{resp: true}
		add(t.OrigPackets)
		add(t.RespPackets)
	}
	if datatypes[DatatypeFiveTuple] {
		t.FiveTuple = &FiveTupleComponent{Tuple: tuple}
		add(t.FiveTuple)
	}
	if datatypes[DatatypeSessions] {
		t.Sessions = &Sessions{}
		add(t.Sessions)
	}
	if datatypes[DatatypeGeo] && geo != nil {
		t.Geo = NewGeo(geo)
		add(t.Geo)
	}
	return t
}

// Update runs every materialized component's Update, matching the
// SPEC_FULL.md §4.6 update cadence (called once per PDU arrival, once
// again on reassembled in-order consumption).
func (t *Tracked) Update(pdu l4.L4Pdu, reassembled bool) {
	for _, c := range t.components {
		c.Update(pdu, reassembled)
	}
}

// DrainPacketLists releases retained Mbuf references; the pipeline calls it
// whenever a packet is handled while FrameTrack is not set.
func (t *Tracked) DrainPacketLists() {
	if t.OrigPackets != nil {
		t.OrigPackets.Drain()
	}
	if t.RespPackets != nil {
		t.RespPackets.Drain()
	}
}
