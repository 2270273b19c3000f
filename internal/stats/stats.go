// Package stats implements per-core packet/drop counters. The teacher's
// overseer package kept one global map behind a single mutex
// (AddCounter/GetCounter/GenerateReport); this core instead gives every
// worker its own counter struct it updates without locking, publishing
// values through atomic fields for the reporter goroutine to read — no
// global mutable state, per SPEC_FULL.md §9's redesign note.
package stats

import (
	"bytes"
	"fmt"
	"sync/atomic"
)

// CoreCounters is the set of drop/throughput counters one pipeline worker
// owns. Every field is only ever incremented by that worker's goroutine;
// atomic.Uint64 lets a separate reporter goroutine read a consistent
// value without a mutex.
type CoreCounters struct {
	PacketsReceived  atomic.Uint64
	PacketsDropped   atomic.Uint64
	MempoolExhausted atomic.Uint64
	OooEvicted       atomic.Uint64
	DispatchDropped   atomic.Uint64
	CapacityEvicted   atomic.Uint64
	InactivityEvicted atomic.Uint64
	ParserFatal       atomic.Uint64
}

// Snapshot is a point-in-time copy of a CoreCounters (or an aggregate
// across cores), safe to pass around and print without further locking.
type Snapshot struct {
	PacketsReceived  uint64
	PacketsDropped   uint64
	MempoolExhausted uint64
	OooEvicted       uint64
	DispatchDropped   uint64
	CapacityEvicted   uint64
	InactivityEvicted uint64
	ParserFatal       uint64
}

// Snapshot reads every counter's current value.
func (c *CoreCounters) Snapshot() Snapshot {
	return Snapshot{
		PacketsReceived:  c.PacketsReceived.Load(),
		PacketsDropped:   c.PacketsDropped.Load(),
		MempoolExhausted: c.MempoolExhausted.Load(),
		OooEvicted:       c.OooEvicted.Load(),
		DispatchDropped:   c.DispatchDropped.Load(),
		CapacityEvicted:   c.CapacityEvicted.Load(),
		InactivityEvicted: c.InactivityEvicted.Load(),
		ParserFatal:       c.ParserFatal.Load(),
	}
}

// Add merges another snapshot's counts into s, used when aggregating
// across cores.
func (s *Snapshot) Add(other Snapshot) {
	s.PacketsReceived += other.PacketsReceived
	s.PacketsDropped += other.PacketsDropped
	s.MempoolExhausted += other.MempoolExhausted
	s.OooEvicted += other.OooEvicted
	s.DispatchDropped += other.DispatchDropped
	s.CapacityEvicted += other.CapacityEvicted
	s.InactivityEvicted += other.InactivityEvicted
	s.ParserFatal += other.ParserFatal
}

// Registry owns one CoreCounters per configured worker core.
type Registry struct {
	cores []*CoreCounters
}

// NewRegistry allocates numCores independent counter sets.
func NewRegistry(numCores int) *Registry {
	r := &Registry{cores: make([]*CoreCounters, numCores)}
	for i := range r.cores {
		r.cores[i] = &CoreCounters{}
	}
	return r
}

// Core returns the counters owned by worker i.
func (r *Registry) Core(i int) *CoreCounters { return r.cores[i] }

// NumCores reports how many per-core counter sets exist.
func (r *Registry) NumCores() int { return len(r.cores) }

// Aggregate sums every core's counters into one Snapshot.
func (r *Registry) Aggregate() Snapshot {
	var total Snapshot
	for _, c := range r.cores {
		total.Add(c.Snapshot())
	}
	return total
}

// Report renders an HTML table of per-core and aggregate counters,
// keeping the teacher's GenerateReport table-markup idiom.
func (r *Registry) Report() string {
	var buf bytes.Buffer
	buf.WriteString("<TABLE BORDER=2 CELLPADDING=4 BGCOLOR=#EEEEEE>\r\n")
	buf.WriteString("<TR><TD><B>Core</B></TD><TD><B>Received</B></TD><TD><B>Dropped</B></TD>" +
		"<TD><B>MempoolExhausted</B></TD><TD><B>OooEvicted</B></TD><TD><B>DispatchDropped</B></TD>" +
		"<TD><B>CapacityEvicted</B></TD><TD><B>InactivityEvicted</B></TD><TD><B>ParserFatal</B></TD></TR>\r\n")

	writeRow := func(label string, s Snapshot) {
		buf.WriteString("<TR><TD><TT>")
		buf.WriteString(label)
		buf.WriteString("</TT></TD>")
		for _, v := range []uint64{s.PacketsReceived, s.PacketsDropped, s.MempoolExhausted, s.OooEvicted, s.DispatchDropped, s.CapacityEvicted, s.InactivityEvicted, s.ParserFatal} {
			buf.WriteString("<TD><TT>")
			buf.WriteString(fmt.Sprintf("%v", v))
			buf.WriteString("</TT></TD>")
		}
		buf.WriteString("</TR>\n\n")
	}

	for i, c := range r.cores {
		writeRow(fmt.Sprintf("core-%d", i), c.Snapshot())
	}
	writeRow("total", r.Aggregate())

	buf.WriteString("</TABLE>\r\n")
	return buf.String()
}
