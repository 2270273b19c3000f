// Package session defines the closed variant of application-layer
// sessions a parser can produce (SPEC_FULL.md §3, design note in §9: a
// closed tag set with a single payload field, not an open trait
// hierarchy).
package session

// Kind tags which parser produced a Session's Payload.
type Kind uint8

const (
	KindTLSHandshake Kind = iota
	KindHTTPTransaction
	KindDNSTransaction
	KindQUICStream
	KindSSHHandshake
)

func (k Kind) String() string {
	switch k {
	case KindTLSHandshake:
		return "TlsHandshake"
	case KindHTTPTransaction:
		return "HttpTransaction"
	case KindDNSTransaction:
		return "DnsTransaction"
	case KindQUICStream:
		return "QuicStream"
	case KindSSHHandshake:
		return "SshHandshake"
	default:
		return "Unknown"
	}
}

// Session is one parsed application-layer message or transaction.
type Session struct {
	ID      uint64
	Kind    Kind
	Payload any
}

// TLSHandshake is the payload for KindTLSHandshake.
type TLSHandshake struct {
	SNI         string
	CipherSuites []uint16
}

// HTTPTransaction is the payload for KindHTTPTransaction.
type HTTPTransaction struct {
	TransDepth int
	Method     string
	URI        string
	Host       string
	UserAgent  string
	StatusCode int
}

// DNSTransaction is the payload for KindDNSTransaction.
type DNSTransaction struct {
	QName    string
	QType    string
	RCode    string
	Answers  []string
}

// QUICStream is the payload for KindQUICStream.
type QUICStream struct {
	HeaderType string
	Version    uint32
}

// SSHHandshake is the payload for KindSSHHandshake.
type SSHHandshake struct {
	ClientVersion string
	ServerVersion string
	KexCookie     [16]byte
}
