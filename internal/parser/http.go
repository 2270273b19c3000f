package parser

import (
	"bufio"
	"bytes"
	"net/http"
	"net/textproto"

	"github.com/untangle/flowscope/internal/l4"
	"github.com/untangle/flowscope/internal/session"
)

// HTTPParser parses pipelined HTTP/1.1 requests off the client->server
// direction, tracking a trans_depth counter the way real packet captures
// report pipelined transaction ordering (SPEC_FULL.md §4.5, scenario S3).
type HTTPParser struct {
	buf       bytes.Buffer
	nextSID   uint64
	depth     int
	pending   map[uint64]session.Session
}

// NewHTTPParser is the Factory for HTTPParser.
func NewHTTPParser() Parser {
	return &HTTPParser{pending: map[uint64]session.Session{}}
}

func (p *HTTPParser) Name() string { return "http" }

var httpMethods = [][]byte{
	[]byte("GET "), []byte("POST "), []byte("PUT "), []byte("DELETE "),
	[]byte("HEAD "), []byte("OPTIONS "), []byte("PATCH "), []byte("CONNECT "),
	[]byte("TRACE "),
}

func (p *HTTPParser) Probe(pdu l4.L4Pdu) ProbeResult {
	for _, m := range httpMethods {
		if bytes.HasPrefix(pdu.Payload, m) {
			return ProbeCertain
		}
	}
	if len(pdu.Payload) < 4 {
		return ProbeUnsure
	}
	return ProbeNotForUs
}

func (p *HTTPParser) Parse(pdu l4.L4Pdu) (ParseResult, error) {
	if !pdu.Dir {
		return ParseResult{Kind: ParseSkipped}, nil
	}
	p.buf.Write(pdu.Payload)

	result := ParseResult{Kind: ParseContinue}
	for {
		data := p.buf.Bytes()
		idx := bytes.Index(data, []byte("\r\n\r\n"))
		if idx < 0 {
			return result, nil
		}
		headerBlock := data[:idx+4]
		reader := bufio.NewReader(bytes.NewReader(headerBlock))
		tp := textproto.NewReader(reader)

		requestLine, err := tp.ReadLine()
		if err != nil {
			p.buf.Next(idx + 4)
			continue
		}
		mimeHeader, _ := tp.ReadMIMEHeader()
		header := http.Header(mimeHeader)

		method, uri := splitRequestLine(requestLine)
		sid := p.nextSID
		p.nextSID++
		depth := p.depth
		p.depth++

		p.pending[sid] = session.Session{
			ID:   sid,
			Kind: session.KindHTTPTransaction,
			Payload: session.HTTPTransaction{
				TransDepth: depth,
				Method:     method,
				URI:        uri,
				Host:       header.Get("Host"),
				UserAgent:  header.Get("User-Agent"),
			},
		}
		p.buf.Next(idx + 4)
		result = ParseResult{Kind: ParseDone, SessionID: sid}
		return result, nil
	}
}

func splitRequestLine(line string) (method, uri string) {
	var rest string
	method, rest, _ = cut(line, ' ')
	uri, _, _ = cut(rest, ' ')
	return method, uri
}

func cut(s string, sep byte) (before, after string, found bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}

func (p *HTTPParser) RemoveSession(sid uint64) (session.Session, bool) {
	s, ok := p.pending[sid]
	if ok {
		delete(p.pending, sid)
	}
	return s, ok
}

func (p *HTTPParser) DrainSessions() []session.Session {
	out := make([]session.Session, 0, len(p.pending))
	for _, s := range p.pending {
		out = append(out, s)
	}
	return out
}

func (p *HTTPParser) SessionMatchState() ConnState   { return StateParsing }
func (p *HTTPParser) SessionNoMatchState() ConnState { return StateRemove }
