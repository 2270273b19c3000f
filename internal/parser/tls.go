package parser

import (
	"encoding/binary"

	"github.com/untangle/flowscope/internal/l4"
	"github.com/untangle/flowscope/internal/session"
)

// TLSParser recognizes a TLS ClientHello and extracts the SNI extension.
// The byte-walk below is adapted from the teacher's SNI plugin, which
// inspected the same handshake layout to pull the hostname out of a
// ClientHello for firewall policy matching.
type TLSParser struct {
	buf      []byte
	sid      uint64
	done     bool
	session  *session.Session
}

// NewTLSParser is the Factory for TLSParser.
func NewTLSParser() Parser { return &TLSParser{} }

func (p *TLSParser) Name() string { return "tls" }

func (p *TLSParser) Probe(pdu l4.L4Pdu) ProbeResult {
	b := pdu.Payload
	if len(b) < 6 {
		return ProbeUnsure
	}
	if b[0] != 0x16 { // handshake content type
		return ProbeNotForUs
	}
	if b[1] != 0x03 { // SSLv3+ major version
		return ProbeNotForUs
	}
	if b[5] != 0x01 { // ClientHello handshake type
		return ProbeNotForUs
	}
	return ProbeCertain
}

func (p *TLSParser) Parse(pdu l4.L4Pdu) (ParseResult, error) {
	if p.done {
		return ParseResult{Kind: ParseSkipped}, nil
	}
	p.buf = append(p.buf, pdu.Payload...)

	ok, hostname := extractSNIHostname(p.buf)
	if !ok {
		return ParseResult{Kind: ParseContinue, SessionID: p.sid}, nil
	}
	p.done = true
	p.session = &session.Session{
		ID:   p.sid,
		Kind: session.KindTLSHandshake,
		Payload: session.TLSHandshake{
			SNI: hostname,
		},
	}
	return ParseResult{Kind: ParseDone, SessionID: p.sid}, nil
}

func (p *TLSParser) RemoveSession(sid uint64) (session.Session, bool) {
	if p.session == nil || p.session.ID != sid {
		return session.Session{}, false
	}
	s := *p.session
	p.session = nil
	return s, true
}

func (p *TLSParser) DrainSessions() []session.Session {
	if p.session == nil {
		return nil
	}
	return []session.Session{*p.session}
}

func (p *TLSParser) SessionMatchState() ConnState   { return StateParsing }
func (p *TLSParser) SessionNoMatchState() ConnState { return StateRemove }

// extractSNIHostname walks a (possibly partial) ClientHello looking for
// the server_name extension. It returns ok=false if more bytes are needed,
// and ok=true with an empty hostname if the handshake completed without
// an SNI extension.
func extractSNIHostname(buf []byte) (ok bool, hostname string) {
	if len(buf) < 43 {
		return false, ""
	}
	// record header (5) + handshake header (4) + version (2) + random (32)
	pos := 5 + 4 + 2 + 32
	if len(buf) < pos+1 {
		return false, ""
	}
	sessionIDLen := int(buf[pos])
	pos += 1 + sessionIDLen
	if len(buf) < pos+2 {
		return false, ""
	}
	cipherSuitesLen := int(binary.BigEndian.Uint16(buf[pos : pos+2]))
	pos += 2 + cipherSuitesLen
	if len(buf) < pos+1 {
		return false, ""
	}
	compressionLen := int(buf[pos])
	pos += 1 + compressionLen
	if len(buf) < pos+2 {
		return false, ""
	}
	extensionsLen := int(binary.BigEndian.Uint16(buf[pos : pos+2]))
	pos += 2
	end := pos + extensionsLen
	if len(buf) < end {
		return false, ""
	}
	for pos+4 <= end {
		extType := binary.BigEndian.Uint16(buf[pos : pos+2])
		extLen := int(binary.BigEndian.Uint16(buf[pos+2 : pos+4]))
		extStart := pos + 4
		if extStart+extLen > len(buf) {
			return false, ""
		}
		if extType == 0 { // server_name
			name := parseServerNameExtension(buf[extStart : extStart+extLen])
			return true, name
		}
		pos = extStart + extLen
	}
	return true, ""
}

func parseServerNameExtension(ext []byte) string {
	if len(ext) < 2 {
		return ""
	}
	listLen := int(binary.BigEndian.Uint16(ext[0:2]))
	pos := 2
	end := pos + listLen
	if end > len(ext) {
		end = len(ext)
	}
	for pos+3 <= end {
		nameType := ext[pos]
		nameLen := int(binary.BigEndian.Uint16(ext[pos+1 : pos+3]))
		pos += 3
		if pos+nameLen > len(ext) {
			return ""
		}
		if nameType == 0 { // host_name
			return string(ext[pos : pos+nameLen])
		}
		pos += nameLen
	}
	return ""
}
