package parser

import (
	"bytes"
	"encoding/binary"

	"github.com/untangle/flowscope/internal/l4"
	"github.com/untangle/flowscope/internal/session"
)

// SSHParser extracts the two sides' version-exchange strings and the
// client KEXINIT random cookie. It tracks client and server bytes
// separately using pdu.Dir (true = originator direction).
type SSHParser struct {
	clientVersion string
	serverVersion string
	clientBuf     []byte
	serverBuf     []byte
	cookie        [16]byte
	haveCookie    bool
	sid           uint64
	done          bool
	session       *session.Session
}

// NewSSHParser is the Factory for SSHParser.
func NewSSHParser() Parser { return &SSHParser{} }

func (p *SSHParser) Name() string { return "ssh" }

func (p *SSHParser) Probe(pdu l4.L4Pdu) ProbeResult {
	if bytes.HasPrefix(pdu.Payload, []byte("SSH-")) {
		return ProbeCertain
	}
	if len(pdu.Payload) < 4 {
		return ProbeUnsure
	}
	return ProbeNotForUs
}

func (p *SSHParser) Parse(pdu l4.L4Pdu) (ParseResult, error) {
	if p.done {
		return ParseResult{Kind: ParseSkipped}, nil
	}

	if pdu.Dir {
		p.clientBuf = append(p.clientBuf, pdu.Payload...)
	} else {
		p.serverBuf = append(p.serverBuf, pdu.Payload...)
	}

	if p.clientVersion == "" {
		if v, ok := extractVersionLine(p.clientBuf); ok {
			p.clientVersion = v
		}
	}
	if p.serverVersion == "" {
		if v, ok := extractVersionLine(p.serverBuf); ok {
			p.serverVersion = v
		}
	}
	if !p.haveCookie {
		if cookie, ok := extractKexCookie(p.clientBuf); ok {
			p.cookie = cookie
			p.haveCookie = true
		}
	}

	if p.clientVersion == "" || p.serverVersion == "" || !p.haveCookie {
		return ParseResult{Kind: ParseContinue, SessionID: p.sid}, nil
	}

	p.done = true
	p.session = &session.Session{
		ID:   p.sid,
		Kind: session.KindSSHHandshake,
		Payload: session.SSHHandshake{
			ClientVersion: p.clientVersion,
			ServerVersion: p.serverVersion,
			KexCookie:     p.cookie,
		},
	}
	return ParseResult{Kind: ParseDone, SessionID: p.sid}, nil
}

func extractVersionLine(buf []byte) (string, bool) {
	if !bytes.HasPrefix(buf, []byte("SSH-")) {
		if len(buf) > 0 {
			return "", false
		}
		return "", false
	}
	idx := bytes.IndexByte(buf, '\n')
	if idx < 0 {
		return "", false
	}
	line := buf[:idx]
	line = bytes.TrimRight(line, "\r")
	return string(line), true
}

// extractKexCookie finds the first SSH binary packet (after the
// version-exchange line) and pulls the 16-byte KEXINIT cookie that
// follows the packet length/padding/message-type header.
func extractKexCookie(buf []byte) ([16]byte, bool) {
	var zero [16]byte
	nl := bytes.IndexByte(buf, '\n')
	if nl < 0 {
		return zero, false
	}
	rest := buf[nl+1:]
	if len(rest) < 5 {
		return zero, false
	}
	packetLen := binary.BigEndian.Uint32(rest[0:4])
	if int(packetLen) < 1 || len(rest) < 5 {
		return zero, false
	}
	payload := rest[5:]
	if len(payload) < 1+16 {
		return zero, false
	}
	if payload[0] != 20 { // SSH_MSG_KEXINIT
		return zero, false
	}
	var cookie [16]byte
	copy(cookie[:], payload[1:17])
	return cookie, true
}

func (p *SSHParser) RemoveSession(sid uint64) (session.Session, bool) {
	if p.session == nil || p.session.ID != sid {
		return session.Session{}, false
	}
	s := *p.session
	p.session = nil
	return s, true
}

func (p *SSHParser) DrainSessions() []session.Session {
	if p.session == nil {
		return nil
	}
	return []session.Session{*p.session}
}

func (p *SSHParser) SessionMatchState() ConnState   { return StateParsing }
func (p *SSHParser) SessionNoMatchState() ConnState { return StateRemove }
