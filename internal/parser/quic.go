package parser

import (
	"github.com/quic-go/quic-go/quicvarint"

	"github.com/untangle/flowscope/internal/l4"
	"github.com/untangle/flowscope/internal/session"
)

// QUICParser recognizes a QUIC long-header packet and extracts the header
// type and version. Short-header (1-RTT) packets carry no usable plaintext
// beyond the connection ID, so this parser only fires on the long-header
// form seen during the handshake.
type QUICParser struct {
	sid     uint64
	done    bool
	session *session.Session
}

// NewQUICParser is the Factory for QUICParser.
func NewQUICParser() Parser { return &QUICParser{} }

func (p *QUICParser) Name() string { return "quic" }

const quicLongHeaderBit = 0x80

func (p *QUICParser) Probe(pdu l4.L4Pdu) ProbeResult {
	b := pdu.Payload
	if len(b) < 5 {
		return ProbeUnsure
	}
	if b[0]&quicLongHeaderBit == 0 {
		return ProbeNotForUs
	}
	version := uint32(b[1])<<24 | uint32(b[2])<<16 | uint32(b[3])<<8 | uint32(b[4])
	if version == 0 {
		// version negotiation packet, still QUIC
		return ProbeCertain
	}
	return ProbeCertain
}

func quicLongHeaderType(firstByte byte, version uint32) string {
	if version == 0 {
		return "VersionNegotiation"
	}
	switch (firstByte >> 4) & 0x03 {
	case 0x00:
		return "Initial"
	case 0x01:
		return "ZeroRTT"
	case 0x02:
		return "Handshake"
	case 0x03:
		return "Retry"
	default:
		return "Unknown"
	}
}

func (p *QUICParser) Parse(pdu l4.L4Pdu) (ParseResult, error) {
	if p.done {
		return ParseResult{Kind: ParseSkipped}, nil
	}
	b := pdu.Payload
	if len(b) < 5 {
		return ParseResult{Kind: ParseContinue, SessionID: p.sid}, nil
	}
	version := uint32(b[1])<<24 | uint32(b[2])<<16 | uint32(b[3])<<8 | uint32(b[4])

	// Read one varint past the version with the QUIC varint reader and
	// discard it; the connection-ID fields are not walked and nothing
	// after the version is validated.
	r := quicvarint.NewReader(&byteReader{b[5:]})
	_, _ = quicvarint.Read(r)

	p.done = true
	p.session = &session.Session{
		ID:   p.sid,
		Kind: session.KindQUICStream,
		Payload: session.QUICStream{
			HeaderType: quicLongHeaderType(b[0], version),
			Version:    version,
		},
	}
	return ParseResult{Kind: ParseDone, SessionID: p.sid}, nil
}

// byteReader adapts a []byte to io.ByteReader for quicvarint.Reader.
type byteReader struct {
	b []byte
}

func (r *byteReader) ReadByte() (byte, error) {
	if len(r.b) == 0 {
		return 0, errEOF
	}
	c := r.b[0]
	r.b = r.b[1:]
	return c, nil
}

var errEOF = shortBufferError{}

type shortBufferError struct{}

func (shortBufferError) Error() string { return "quic: short buffer" }

func (p *QUICParser) RemoveSession(sid uint64) (session.Session, bool) {
	if p.session == nil || p.session.ID != sid {
		return session.Session{}, false
	}
	s := *p.session
	p.session = nil
	return s, true
}

func (p *QUICParser) DrainSessions() []session.Session {
	if p.session == nil {
		return nil
	}
	return []session.Session{*p.session}
}

func (p *QUICParser) SessionMatchState() ConnState   { return StateParsing }
func (p *QUICParser) SessionNoMatchState() ConnState { return StateRemove }
