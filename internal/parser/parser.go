// Package parser defines the application-layer parser contract
// (SPEC_FULL.md §4.5) and the registry that selects and drives parsers
// for a connection, plus the five built-in parser implementations.
package parser

import (
	"github.com/untangle/flowscope/internal/l4"
	"github.com/untangle/flowscope/internal/session"
)

// ProbeResult is the outcome of a parser's cheap first-bytes check.
type ProbeResult int8

const (
	ProbeUnsure ProbeResult = iota
	ProbeCertain
	ProbeNotForUs
	ProbeError
)

// ParseResultKind is the outcome of feeding a parser one PDU's in-order
// payload bytes.
type ParseResultKind int8

const (
	ParseSkipped ParseResultKind = iota
	ParseContinue
	ParseDone
	ParseOk
	ParseError
)

// ParseResult reports the outcome, and the session ID affected for
// Continue/Done.
type ParseResult struct {
	Kind      ParseResultKind
	SessionID uint64
}

// ConnState is the state the tracker adopts for a connection after a
// filter decision about its parser (SPEC_FULL.md §4.5).
type ConnState int8

const (
	// StateParsing: keep feeding the parser, sessions may still match.
	StateParsing ConnState = iota
	// StateRemove: no subscription wants this connection's sessions;
	// drop the parser.
	StateRemove
	// StateTracking: keep tracked-data updates flowing without parser
	// feed (ConnParse clear, ConnDataTrack still set).
	StateTracking
)

// Parser is the contract every application-layer protocol decoder must
// satisfy. A parser owns zero or more open sessions, identified by a
// connection-scoped session ID it allocates itself.
type Parser interface {
	// Name identifies the parser for diagnostics and the protocol filter
	// stage's protocol-presence fact.
	Name() string

	// Probe is a cheap first-bytes check run on the first in-order bytes
	// of a connection once ConnParse is set.
	Probe(pdu l4.L4Pdu) ProbeResult

	// Parse incrementally feeds in-order application bytes.
	Parse(pdu l4.L4Pdu) (ParseResult, error)

	// RemoveSession extracts a completed session by ID.
	RemoveSession(sid uint64) (session.Session, bool)

	// DrainSessions returns all sessions still buffered, for connection
	// termination (SPEC_FULL.md §4.5 "Session lifecycle").
	DrainSessions() []session.Session

	// SessionMatchState/SessionNoMatchState report which ConnState to
	// adopt after a filter decision.
	SessionMatchState() ConnState
	SessionNoMatchState() ConnState
}

// Factory constructs a fresh parser instance (parsers carry per-connection
// state, so the registry needs a new one per connection).
type Factory func() Parser
