// Package reassembly implements the per-direction TCP byte-stream
// reordering state machine and the trivial UDP flow counters
// (SPEC_FULL.md §4.3).
package reassembly

import (
	"sort"

	"github.com/untangle/flowscope/internal/l4"
	"github.com/untangle/flowscope/internal/mbuf"
)

// Segment is one buffered out-of-order TCP segment.
type Segment struct {
	Seq     uint32
	Flags   l4.TCPFlags
	Payload []byte
	Mbuf    *mbuf.Mbuf
}

// seqLess compares sequence numbers with 32-bit wraparound, matching
// invariant 6's "mod 2^32" wording.
func seqLess(a, b uint32) bool {
	return int32(a-b) < 0
}

func seqLessEq(a, b uint32) bool {
	return a == b || seqLess(a, b)
}

// TcpFlow tracks one direction of a TCP connection's reassembly state.
type TcpFlow struct {
	NextSeq        uint32
	Initialized    bool
	ConsumedFlags  l4.TCPFlags
	Ooo            []Segment
	MaxOoo         int
	BytesReassembled uint64
	OooGapCount      uint64
	OooEvictCount    uint64
}

// NewTcpFlow returns a flow ready to absorb the SYN (or mid-stream first
// segment) that establishes NextSeq.
func NewTcpFlow(maxOoo int) *TcpFlow {
	if maxOoo <= 0 {
		maxOoo = 100
	}
	return &TcpFlow{MaxOoo: maxOoo}
}

// seqConsumed returns how many sequence numbers a segment with the given
// flags and payload length occupies: SYN and FIN each count one extra,
// per SPEC_FULL.md §4.3 step 1.
func seqConsumed(flags l4.TCPFlags, payloadLen int) uint32 {
	n := uint32(payloadLen)
	if flags&l4.TCPFlagSYN != 0 {
		n++
	}
	if flags&l4.TCPFlagFIN != 0 {
		n++
	}
	return n
}

// Consumer is invoked for every segment consumed in order (reassembled).
type Consumer func(seg Segment)

// Insert runs the insert-segment algorithm of SPEC_FULL.md §4.3 for one
// newly arrived segment, invoking onReassembled for every segment that
// becomes in-order as a result (the original segment, plus any drained
// from the ooo buffer).
func (f *TcpFlow) Insert(seg Segment, onReassembled Consumer) {
	if !f.Initialized {
		f.NextSeq = seg.Seq
		f.Initialized = true
	}

	switch {
	case seg.Seq == f.NextSeq:
		f.consume(seg, onReassembled)
		f.drainOoo(onReassembled)
	case seqLess(seg.Seq, f.NextSeq):
		f.handleOldSegment(seg, onReassembled)
	default:
		f.bufferOoo(seg)
	}
}

func (f *TcpFlow) consume(seg Segment, onReassembled Consumer) {
	f.NextSeq += seqConsumed(seg.Flags, len(seg.Payload))
	f.ConsumedFlags |= seg.Flags
	f.BytesReassembled += uint64(len(seg.Payload))
	if onReassembled != nil {
		onReassembled(seg)
	}
}

// handleOldSegment trims any already-consumed prefix; if bytes remain
// beyond what was already seen, they are treated as a fresh in-order
// segment (a retransmission carrying new tail data), else discarded.
func (f *TcpFlow) handleOldSegment(seg Segment, onReassembled Consumer) {
	overlap := f.NextSeq - seg.Seq // how many leading bytes were already consumed
	if uint32(len(seg.Payload)) <= overlap {
		// pure retransmission, nothing new: release the buffer reference
		// the caller handed us, since it will never reach onReassembled.
		if seg.Mbuf != nil {
			seg.Mbuf.Release()
		}
		return
	}
	trimmed := Segment{
		Seq:     f.NextSeq,
		Flags:   seg.Flags,
		Payload: seg.Payload[overlap:],
		Mbuf:    seg.Mbuf,
	}
	f.consume(trimmed, onReassembled)
	f.drainOoo(onReassembled)
}

func (f *TcpFlow) bufferOoo(seg Segment) {
	f.OooGapCount++
	f.Ooo = append(f.Ooo, seg)
	sort.Slice(f.Ooo, func(i, j int) bool { return seqLess(f.Ooo[i].Seq, f.Ooo[j].Seq) })
	if len(f.Ooo) > f.MaxOoo {
		// evict the highest-seq segment (drop policy, SPEC_FULL §4.3 step 3)
		evicted := f.Ooo[len(f.Ooo)-1]
		f.Ooo = f.Ooo[:len(f.Ooo)-1]
		f.OooEvictCount++
		if evicted.Mbuf != nil {
			evicted.Mbuf.Release()
		}
	}
}

func (f *TcpFlow) drainOoo(onReassembled Consumer) {
	for len(f.Ooo) > 0 {
		head := f.Ooo[0]
		switch {
		case head.Seq == f.NextSeq:
			f.Ooo = f.Ooo[1:]
			f.consume(head, onReassembled)
		case seqLess(head.Seq, f.NextSeq):
			// the buffered head now overlaps bytes a later segment already
			// filled in; trim and consume it the same way a late-arriving
			// retransmission is handled, instead of stranding it in Ooo.
			f.Ooo = f.Ooo[1:]
			f.handleOldSegment(head, onReassembled)
		default:
			return
		}
	}
}

// HasFin reports whether a FIN has been consumed in order on this flow.
func (f *TcpFlow) HasFin() bool { return f.ConsumedFlags&l4.TCPFlagFIN != 0 }

// HasRst reports whether an RST has been consumed in order on this flow.
// RST is checked against raw arrival, not reassembly order, by callers
// that union flags directly; HasRst here covers the common case where RST
// rides with in-order data.
func (f *TcpFlow) HasRst() bool { return f.ConsumedFlags&l4.TCPFlagRST != 0 }

// UdpFlow tracks one direction of a UDP "connection": no reassembly,
// every datagram is immediately both arrived and reassembled.
type UdpFlow struct {
	Datagrams uint64
	Bytes     uint64
}

func (f *UdpFlow) Observe(payloadLen int) {
	f.Datagrams++
	f.Bytes += uint64(payloadLen)
}
