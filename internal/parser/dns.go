package parser

import (
	"github.com/miekg/dns"

	"github.com/untangle/flowscope/internal/l4"
	"github.com/untangle/flowscope/internal/session"
)

// DNSParser decodes the first complete DNS message (query or response) on
// a connection (scenario S2); later messages on the same connection are
// skipped. UDP messages arrive whole in a single PDU; TCP messages are
// length-prefixed and get reassembled across PDUs before decoding.
type DNSParser struct {
	tcp     bool
	buf     []byte
	sid     uint64
	done    bool
	session *session.Session
}

// NewDNSParser is the Factory for DNSParser.
func NewDNSParser() Parser { return &DNSParser{} }

func (p *DNSParser) Name() string { return "dns" }

func (p *DNSParser) Probe(pdu l4.L4Pdu) ProbeResult {
	if pdu.Ctx.Proto == l4.ProtoTCP {
		p.tcp = true
		if len(pdu.Payload) < 2 {
			return ProbeUnsure
		}
		msgLen := int(pdu.Payload[0])<<8 | int(pdu.Payload[1])
		if len(pdu.Payload) < 2+msgLen {
			return ProbeUnsure
		}
		var m dns.Msg
		if err := m.Unpack(pdu.Payload[2 : 2+msgLen]); err != nil {
			return ProbeNotForUs
		}
		return ProbeCertain
	}
	var m dns.Msg
	if err := m.Unpack(pdu.Payload); err != nil {
		if len(pdu.Payload) < 12 {
			return ProbeUnsure
		}
		return ProbeNotForUs
	}
	return ProbeCertain
}

func (p *DNSParser) Parse(pdu l4.L4Pdu) (ParseResult, error) {
	if p.done {
		return ParseResult{Kind: ParseSkipped}, nil
	}
	p.buf = append(p.buf, pdu.Payload...)

	var wire []byte
	if p.tcp {
		if len(p.buf) < 2 {
			return ParseResult{Kind: ParseContinue, SessionID: p.sid}, nil
		}
		msgLen := int(p.buf[0])<<8 | int(p.buf[1])
		if len(p.buf) < 2+msgLen {
			return ParseResult{Kind: ParseContinue, SessionID: p.sid}, nil
		}
		wire = p.buf[2 : 2+msgLen]
	} else {
		wire = p.buf
	}

	var m dns.Msg
	if err := m.Unpack(wire); err != nil {
		return ParseResult{Kind: ParseError}, err
	}

	txn := session.DNSTransaction{RCode: dns.RcodeToString[m.Rcode]}
	if len(m.Question) > 0 {
		txn.QName = m.Question[0].Name
		txn.QType = dns.TypeToString[m.Question[0].Qtype]
	}
	for _, rr := range m.Answer {
		txn.Answers = append(txn.Answers, rr.String())
	}

	p.done = true
	p.session = &session.Session{ID: p.sid, Kind: session.KindDNSTransaction, Payload: txn}
	return ParseResult{Kind: ParseDone, SessionID: p.sid}, nil
}

func (p *DNSParser) RemoveSession(sid uint64) (session.Session, bool) {
	if p.session == nil || p.session.ID != sid {
		return session.Session{}, false
	}
	s := *p.session
	p.session = nil
	return s, true
}

func (p *DNSParser) DrainSessions() []session.Session {
	if p.session == nil {
		return nil
	}
	return []session.Session{*p.session}
}

func (p *DNSParser) SessionMatchState() ConnState   { return StateParsing }
func (p *DNSParser) SessionNoMatchState() ConnState { return StateRemove }
