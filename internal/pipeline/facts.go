package pipeline

import (
	"strings"

	"github.com/untangle/flowscope/internal/l4"
	"github.com/untangle/flowscope/internal/session"
)

// syntheticCtx rebuilds a minimal L4Context for a reassembled segment,
// which no longer carries the original packet's header (reassembly.Segment
// keeps Seq/Flags/Payload and an Mbuf holding only the payload): everything
// the fact builders need beyond
// the payload itself comes from the connection's five-tuple.
func syntheticCtx(tuple l4.FiveTuple, dir bool) l4.L4Context {
	if dir {
		return l4.L4Context{Src: tuple.Orig, Dst: tuple.Resp, Proto: tuple.Proto}
	}
	return l4.L4Context{Src: tuple.Resp, Dst: tuple.Orig, Proto: tuple.Proto}
}

// protocolPresenceFacts reports the L3/L4 protocol-presence facts the
// Packet-Continue filter stage can decide before a connection entry
// exists (SPEC_FULL.md §4.1 step 1).
func protocolPresenceFacts(ctx l4.L4Context) map[string]any {
	facts := map[string]any{"ethernet": true}
	switch ctx.Proto {
	case l4.ProtoTCP:
		facts["tcp"] = true
		facts["udp"] = false
	case l4.ProtoUDP:
		facts["udp"] = true
		facts["tcp"] = false
	}
	if ctx.Dst.Addr().Is4() {
		facts["ipv4"] = true
		facts["ipv6"] = false
	} else {
		facts["ipv6"] = true
		facts["ipv4"] = false
	}
	return facts
}

// packetFacts adds five-tuple and header-field facts once the connection
// entry exists (§4.1 step 2).
func packetFacts(tuple l4.FiveTuple, ctx l4.L4Context, payload []byte) map[string]any {
	facts := protocolPresenceFacts(ctx)
	proto := "udp"
	if ctx.Proto == l4.ProtoTCP {
		proto = "tcp"
	}
	facts[proto+".src_ip"] = ctx.Src.Addr().String()
	facts[proto+".dst_ip"] = ctx.Dst.Addr().String()
	facts[proto+".src_port"] = float64(ctx.Src.Port())
	facts[proto+".dst_port"] = float64(ctx.Dst.Port())
	facts["ipv4.addr"] = ctx.Dst.Addr().String()
	facts["ipv6.addr"] = ctx.Dst.Addr().String()
	if len(payload) > 0 {
		facts[proto+".payload"] = string(payload)
	}
	return facts
}

// protocolDecidedFacts layers in the L7 protocol-presence fact once a
// parser has locked in as the winner for this connection (§4.1 step 3).
func protocolDecidedFacts(base map[string]any, name string) map[string]any {
	out := make(map[string]any, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	if name != "" {
		out[strings.ToLower(name)] = true
	}
	return out
}

// sessionFactsFor layers in the session-field facts a completed parser
// session makes available (§4.1 step 4).
func sessionFactsFor(base map[string]any, sess session.Session) map[string]any {
	out := make(map[string]any, len(base)+4)
	for k, v := range base {
		out[k] = v
	}
	switch sess.Kind {
	case session.KindTLSHandshake:
		if p, ok := sess.Payload.(session.TLSHandshake); ok {
			out["tls.sni"] = p.SNI
		}
	case session.KindHTTPTransaction:
		if p, ok := sess.Payload.(session.HTTPTransaction); ok {
			out["http.host"] = p.Host
			out["http.uri"] = p.URI
			out["http.method"] = p.Method
			out["http.user_agent"] = p.UserAgent
		}
	case session.KindDNSTransaction:
		if p, ok := sess.Payload.(session.DNSTransaction); ok {
			out["dns.qname"] = p.QName
			out["dns.qtype"] = p.QType
			out["dns.rcode"] = p.RCode
		}
	case session.KindQUICStream:
		if p, ok := sess.Payload.(session.QUICStream); ok {
			out["quic.header_type"] = p.HeaderType
		}
	case session.KindSSHHandshake:
		if p, ok := sess.Payload.(session.SSHHandshake); ok {
			out["ssh.client_version"] = p.ClientVersion
			out["ssh.server_version"] = p.ServerVersion
		}
	}
	return out
}
