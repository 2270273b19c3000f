// Package l4 defines the connection-identity and layer-4 parsing primitives
// shared by the rest of the pipeline: FiveTuple, ConnId, L4Context and
// L4Pdu (SPEC_FULL.md §3, §4.4).
package l4

import (
	"errors"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/untangle/flowscope/internal/mbuf"
)

// Proto is an L4 protocol number.
type Proto uint8

const (
	ProtoTCP Proto = 6
	ProtoUDP Proto = 17
)

// TCPFlags is a compact bitset mirroring the TCP header flag bits this
// core cares about (gopacket exposes them as individual bools; this
// package consolidates them so reassembly/termination logic can use
// ordinary bitwise operations, matching spec.md §4.2's "bitwise-AND of
// consumed flags" wording).
type TCPFlags uint8

const (
	TCPFlagFIN TCPFlags = 1 << iota
	TCPFlagSYN
	TCPFlagRST
	TCPFlagPSH
	TCPFlagACK
	TCPFlagURG
)

// Has reports whether all bits in flags are set.
func (f TCPFlags) Has(flags TCPFlags) bool { return f&flags == flags }

// ErrUnsupported is returned by L4ContextFrom for packets this core does
// not parse (anything but Ethernet/IPv4|IPv6/TCP|UDP, truncated frames,
// IPv6 extension headers beyond the fixed header, QinQ).
var ErrUnsupported = errors.New("l4: unsupported or truncated packet")

// FiveTuple identifies a connection by its originator and responder
// endpoints. Orig is whichever side sent the first observed packet.
type FiveTuple struct {
	Orig  netip.AddrPort
	Resp  netip.AddrPort
	Proto Proto
}

// compareAddrPort orders two AddrPorts deterministically: by address, then
// by port.
func compareAddrPort(a, b netip.AddrPort) int {
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c
	}
	if a.Port() < b.Port() {
		return -1
	}
	if a.Port() > b.Port() {
		return 1
	}
	return 0
}

// ConnId is a direction-independent connection key: the two endpoints are
// canonicalized (larger AddrPort stored first) so that a packet in either
// direction hashes to the same key (invariant 1: connection-identity
// symmetry). It is a plain comparable struct, usable directly as a map key.
type ConnId struct {
	hi    netip.AddrPort
	lo    netip.AddrPort
	proto Proto
}

// NewConnId canonicalizes (src, dst, proto) into a direction-independent key.
func NewConnId(src, dst netip.AddrPort, proto Proto) ConnId {
	if compareAddrPort(src, dst) >= 0 {
		return ConnId{hi: src, lo: dst, proto: proto}
	}
	return ConnId{hi: dst, lo: src, proto: proto}
}

// ConnId derives the canonical connection key for this FiveTuple
// (invariant 10: round-trips regardless of which side is "orig").
func (f FiveTuple) ConnId() ConnId {
	return NewConnId(f.Orig, f.Resp, f.Proto)
}

// L4Context is an immutable snapshot of one packet's L2-L4 parse: socket
// addresses, protocol, payload location, and TCP-specific fields.
type L4Context struct {
	Src           netip.AddrPort
	Dst           netip.AddrPort
	Proto         Proto
	PayloadOffset int
	PayloadLength int
	Seq           uint32
	Flags         TCPFlags
	hasFlags      bool
}

// HasTCPFlags reports whether Flags/Seq are meaningful (Proto == ProtoTCP).
func (c L4Context) HasTCPFlags() bool { return c.hasFlags }

// L4ContextFrom parses the layer-4 context out of a decoded gopacket.Packet.
func L4ContextFrom(packet gopacket.Packet) (L4Context, []byte, error) {
	netLayer := packet.NetworkLayer()
	if netLayer == nil {
		return L4Context{}, nil, ErrUnsupported
	}

	var srcIP, dstIP netip.Addr
	switch nl := netLayer.(type) {
	case *layers.IPv4:
		var ok bool
		srcIP, ok = netip.AddrFromSlice(nl.SrcIP.To4())
		if !ok {
			return L4Context{}, nil, ErrUnsupported
		}
		dstIP, ok = netip.AddrFromSlice(nl.DstIP.To4())
		if !ok {
			return L4Context{}, nil, ErrUnsupported
		}
	case *layers.IPv6:
		if nl.NextHeader != layers.IPProtocolTCP && nl.NextHeader != layers.IPProtocolUDP {
			return L4Context{}, nil, ErrUnsupported
		}
		var ok bool
		srcIP, ok = netip.AddrFromSlice(nl.SrcIP.To16())
		if !ok {
			return L4Context{}, nil, ErrUnsupported
		}
		dstIP, ok = netip.AddrFromSlice(nl.DstIP.To16())
		if !ok {
			return L4Context{}, nil, ErrUnsupported
		}
	default:
		return L4Context{}, nil, ErrUnsupported
	}

	transLayer := packet.TransportLayer()
	if transLayer == nil || packet.Metadata().Truncated {
		return L4Context{}, nil, ErrUnsupported
	}
	vlanTags := 0
	for _, l := range packet.Layers() {
		if l.LayerType() == layers.LayerTypeDot1Q {
			vlanTags++
		}
	}
	if vlanTags > 1 {
		return L4Context{}, nil, ErrUnsupported
	}

	switch tl := transLayer.(type) {
	case *layers.TCP:
		ctx := L4Context{
			Src:           netip.AddrPortFrom(srcIP, uint16(tl.SrcPort)),
			Dst:           netip.AddrPortFrom(dstIP, uint16(tl.DstPort)),
			Proto:         ProtoTCP,
			PayloadOffset: 0,
			PayloadLength: len(tl.Payload),
			Seq:           tl.Seq,
			Flags:         tcpFlags(tl),
			hasFlags:      true,
		}
		return ctx, tl.Payload, nil
	case *layers.UDP:
		ctx := L4Context{
			Src:           netip.AddrPortFrom(srcIP, uint16(tl.SrcPort)),
			Dst:           netip.AddrPortFrom(dstIP, uint16(tl.DstPort)),
			Proto:         ProtoUDP,
			PayloadLength: len(tl.Payload),
		}
		return ctx, tl.Payload, nil
	default:
		return L4Context{}, nil, ErrUnsupported
	}
}

func tcpFlags(tcp *layers.TCP) TCPFlags {
	var f TCPFlags
	if tcp.FIN {
		f |= TCPFlagFIN
	}
	if tcp.SYN {
		f |= TCPFlagSYN
	}
	if tcp.RST {
		f |= TCPFlagRST
	}
	if tcp.PSH {
		f |= TCPFlagPSH
	}
	if tcp.ACK {
		f |= TCPFlagACK
	}
	if tcp.URG {
		f |= TCPFlagURG
	}
	return f
}

// FiveTupleFrom builds a FiveTuple treating ctx's source as the originator;
// callers establishing a new connection pass the first-seen PDU's context.
func FiveTupleFrom(ctx L4Context) FiveTuple {
	return FiveTuple{Orig: ctx.Src, Resp: ctx.Dst, Proto: ctx.Proto}
}

// Dir reports whether ctx flows Orig->Resp (true) relative to ft.
func Dir(ft FiveTuple, ctx L4Context) bool {
	return ctx.Src == ft.Orig
}

// L4Pdu is the unit passed to reassembly and tracked-data updates: a
// packet buffer plus its parsed L4 context and direction relative to the
// owning connection's FiveTuple.
type L4Pdu struct {
	Mbuf    *mbuf.Mbuf
	Ctx     L4Context
	Payload []byte
	Dir     bool
}
