package parser

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/untangle/flowscope/internal/l4"
	"github.com/untangle/flowscope/internal/session"
)

func pdu(payload []byte, dir bool) l4.L4Pdu {
	return l4.L4Pdu{Payload: payload, Dir: dir}
}

// buildClientHello assembles a minimal TLS 1.2 ClientHello record carrying
// a single server_name extension, mirroring scenario S1.
func buildClientHello(sni string) []byte {
	var nameEntry []byte
	nameEntry = append(nameEntry, 0x00) // host_name
	nameLen := make([]byte, 2)
	binary.BigEndian.PutUint16(nameLen, uint16(len(sni)))
	nameEntry = append(nameEntry, nameLen...)
	nameEntry = append(nameEntry, []byte(sni)...)

	listLen := make([]byte, 2)
	binary.BigEndian.PutUint16(listLen, uint16(len(nameEntry)))
	extData := append(listLen, nameEntry...)

	var ext []byte
	ext = append(ext, 0x00, 0x00) // extension type: server_name
	extLen := make([]byte, 2)
	binary.BigEndian.PutUint16(extLen, uint16(len(extData)))
	ext = append(ext, extLen...)
	ext = append(ext, extData...)

	var body []byte
	body = append(body, 0x03, 0x03)     // client version
	body = append(body, make([]byte, 32)...) // random
	body = append(body, 0x00)           // session id len
	body = append(body, 0x00, 0x02, 0x00, 0x2f) // cipher suites len + one suite
	body = append(body, 0x01, 0x00)     // compression methods len + null method
	extsLen := make([]byte, 2)
	binary.BigEndian.PutUint16(extsLen, uint16(len(ext)))
	body = append(body, extsLen...)
	body = append(body, ext...)

	var handshake []byte
	handshake = append(handshake, 0x01) // ClientHello
	hsLen := make([]byte, 4)
	binary.BigEndian.PutUint32(hsLen, uint32(len(body)))
	handshake = append(handshake, hsLen[1:]...) // 3-byte length
	handshake = append(handshake, body...)

	var record []byte
	record = append(record, 0x16, 0x03, 0x01) // handshake, TLS 1.0 record version
	recLen := make([]byte, 2)
	binary.BigEndian.PutUint16(recLen, uint16(len(handshake)))
	record = append(record, recLen...)
	record = append(record, handshake...)
	return record
}

func TestTLSParserExtractsSNI(t *testing.T) {
	record := buildClientHello("example.com")
	p := NewTLSParser()
	require.Equal(t, ProbeCertain, p.Probe(pdu(record, true)))

	result, err := p.Parse(pdu(record, true))
	require.NoError(t, err)
	require.Equal(t, ParseDone, result.Kind)

	s, ok := p.RemoveSession(result.SessionID)
	require.True(t, ok)
	hs, ok := s.Payload.(session.TLSHandshake)
	require.True(t, ok)
	assert.Equal(t, "example.com", hs.SNI)
}

func TestTLSParserIncompleteRecord(t *testing.T) {
	record := buildClientHello("example.com")
	p := NewTLSParser()
	first := record[:10]
	result, err := p.Parse(pdu(first, true))
	require.NoError(t, err)
	assert.Equal(t, ParseContinue, result.Kind)
}

func TestHTTPParserPipelinedTransactions(t *testing.T) {
	req1 := "GET /a HTTP/1.1\r\nHost: example.com\r\n\r\n"
	req2 := "GET /b HTTP/1.1\r\nHost: example.com\r\n\r\n"

	p := NewHTTPParser()
	require.Equal(t, ProbeCertain, p.Probe(pdu([]byte(req1), true)))

	r1, err := p.Parse(pdu([]byte(req1), true))
	require.NoError(t, err)
	require.Equal(t, ParseDone, r1.Kind)
	s1, ok := p.RemoveSession(r1.SessionID)
	require.True(t, ok)
	txn1 := s1.Payload.(session.HTTPTransaction)
	assert.Equal(t, 0, txn1.TransDepth)
	assert.Equal(t, "/a", txn1.URI)

	r2, err := p.Parse(pdu([]byte(req2), true))
	require.NoError(t, err)
	require.Equal(t, ParseDone, r2.Kind)
	s2, ok := p.RemoveSession(r2.SessionID)
	require.True(t, ok)
	txn2 := s2.Payload.(session.HTTPTransaction)
	assert.Equal(t, 1, txn2.TransDepth)
	assert.Equal(t, "/b", txn2.URI)
}

func TestHTTPParserProbeRejectsNonHTTP(t *testing.T) {
	p := NewHTTPParser()
	assert.Equal(t, ProbeNotForUs, p.Probe(pdu([]byte("\x16\x03\x01\x00\x05junk"), true)))
}

func TestDNSParserUDPQuery(t *testing.T) {
	// A minimal well-formed DNS query for example.com A record.
	msg := []byte{
		0x12, 0x34, // ID
		0x01, 0x00, // flags: standard query
		0x00, 0x01, // QDCOUNT
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		7, 'e', 'x', 'a', 'm', 'p', 'l', 'e',
		3, 'c', 'o', 'm',
		0,
		0x00, 0x01, // QTYPE A
		0x00, 0x01, // QCLASS IN
	}
	p := NewDNSParser()
	require.Equal(t, ProbeCertain, p.Probe(pdu(msg, true)))
	result, err := p.Parse(pdu(msg, true))
	require.NoError(t, err)
	require.Equal(t, ParseDone, result.Kind)

	s, ok := p.RemoveSession(result.SessionID)
	require.True(t, ok)
	txn := s.Payload.(session.DNSTransaction)
	assert.Equal(t, "example.com.", txn.QName)
}

func TestQUICParserLongHeaderInitial(t *testing.T) {
	b := []byte{0xc3, 0x00, 0x00, 0x00, 0x01, 0x00}
	p := NewQUICParser()
	require.Equal(t, ProbeCertain, p.Probe(pdu(b, true)))
	result, err := p.Parse(pdu(b, true))
	require.NoError(t, err)
	require.Equal(t, ParseDone, result.Kind)
	s, ok := p.RemoveSession(result.SessionID)
	require.True(t, ok)
	qs := s.Payload.(session.QUICStream)
	assert.Equal(t, uint32(1), qs.Version)
	assert.Equal(t, "Initial", qs.HeaderType)
}

func TestSSHParserVersionExchangeAndCookie(t *testing.T) {
	p := NewSSHParser()
	clientVersion := []byte("SSH-2.0-OpenSSH_9.0\r\n")
	require.Equal(t, ProbeCertain, p.Probe(pdu(clientVersion, true)))

	cookie := make([]byte, 16)
	for i := range cookie {
		cookie[i] = byte(i)
	}
	payload := append([]byte{20}, cookie...) // SSH_MSG_KEXINIT
	packet := make([]byte, 4)
	binary.BigEndian.PutUint32(packet, uint32(1+len(payload)))
	packet = append(packet, 0x00) // padding length
	packet = append(packet, payload...)
	clientMsg := append(append([]byte{}, clientVersion...), packet...)

	serverVersion := []byte("SSH-2.0-libssh_0.9\r\n")

	r1, err := p.Parse(pdu(clientMsg, true))
	require.NoError(t, err)
	assert.Equal(t, ParseContinue, r1.Kind)

	r2, err := p.Parse(pdu(serverVersion, false))
	require.NoError(t, err)
	require.Equal(t, ParseDone, r2.Kind)

	s, ok := p.RemoveSession(r2.SessionID)
	require.True(t, ok)
	hs := s.Payload.(session.SSHHandshake)
	assert.Equal(t, "SSH-2.0-OpenSSH_9.0", hs.ClientVersion)
	assert.Equal(t, "SSH-2.0-libssh_0.9", hs.ServerVersion)
	assert.Equal(t, cookie, hs.KexCookie[:])
}

func TestSelectionLocksWinnerOnCertainProbe(t *testing.T) {
	reg := NewRegistry()
	reg.Register("tls", NewTLSParser)
	reg.Register("http", NewHTTPParser)

	sel := NewSelection(reg, 4)
	req := []byte("GET / HTTP/1.1\r\nHost: a\r\n\r\n")
	_, err := sel.Feed(pdu(req, true))
	require.NoError(t, err)

	_, name, ok := sel.Winner()
	require.True(t, ok)
	assert.Equal(t, "http", name)
}

func TestSelectionEliminatesWhenNoCandidateMatches(t *testing.T) {
	reg := NewRegistry()
	reg.Register("tls", NewTLSParser)
	reg.Register("ssh", NewSSHParser)

	sel := NewSelection(reg, 2)
	junk := []byte{0xff, 0xff, 0xff, 0xff, 0xff}
	for i := 0; i < 2 && !sel.Eliminated(); i++ {
		_, _ = sel.Feed(pdu(junk, true))
	}
	assert.True(t, sel.Eliminated())
	_, _, ok := sel.Winner()
	assert.False(t, ok)
}
