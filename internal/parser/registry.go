package parser

import (
	"github.com/untangle/flowscope/internal/l4"
	"github.com/untangle/flowscope/internal/session"
)

// Registry holds the known parser factories and drives per-connection
// probing/selection (SPEC_FULL.md §4.5).
type Registry struct {
	factories map[string]Factory
	order     []string
}

// NewRegistry returns an empty registry; call Register for each built-in
// parser you want available (see tls.go/http.go/dns.go/quic.go/ssh.go for
// their factories).
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register adds a parser factory under name, preserving registration
// order for deterministic probe iteration.
func (r *Registry) Register(name string, f Factory) {
	if _, exists := r.factories[name]; !exists {
		r.order = append(r.order, name)
	}
	r.factories[name] = f
}

// Names returns the registered protocol set, used to seed per-connection
// candidate lists.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// New instantiates a fresh parser for name.
func (r *Registry) New(name string) Parser {
	f, ok := r.factories[name]
	if !ok {
		return nil
	}
	return f()
}

// Candidate tracks one in-progress candidate parser for a connection
// during the probe phase.
type Candidate struct {
	Name   string
	Parser Parser
}

// Selection drives probe/parse for one connection: it starts with every
// registered protocol as a candidate, narrows to a single winner on the
// first Certain probe, and gives up after maxProbeBudget probe rounds.
type Selection struct {
	registry        *Registry
	candidates      []Candidate
	winner          Parser
	winnerName      string
	probedSegments  int
	maxProbeBudget  int
	eliminated      bool
}

// NewSelection starts parser selection for a connection, trying every
// registered protocol.
func NewSelection(reg *Registry, maxProbeBudget int) *Selection {
	if maxProbeBudget <= 0 {
		maxProbeBudget = 4
	}
	s := &Selection{registry: reg, maxProbeBudget: maxProbeBudget}
	for _, name := range reg.Names() {
		s.candidates = append(s.candidates, Candidate{Name: name, Parser: reg.New(name)})
	}
	return s
}

// Winner returns the selected parser, if probing has concluded with a
// match.
func (s *Selection) Winner() (Parser, string, bool) {
	if s.winner != nil {
		return s.winner, s.winnerName, true
	}
	return nil, "", false
}

// Eliminated reports whether every candidate has been ruled out
// (SPEC_FULL.md §4.5: "If all parsers are eliminated, ConnParse is
// cleared").
func (s *Selection) Eliminated() bool {
	return s.eliminated
}

// Feed runs one in-order PDU through the selection process: probing while
// undecided, parsing once a winner is locked in.
func (s *Selection) Feed(pdu l4.L4Pdu) (ParseResult, error) {
	if s.winner != nil {
		return s.winner.Parse(pdu)
	}
	if s.eliminated {
		return ParseResult{Kind: ParseSkipped}, nil
	}

	s.probedSegments++
	remaining := s.candidates[:0]
	for _, c := range s.candidates {
		switch c.Parser.Probe(pdu) {
		case ProbeCertain:
			s.winner = c.Parser
			s.winnerName = c.Name
		case ProbeUnsure:
			remaining = append(remaining, c)
		case ProbeNotForUs, ProbeError:
			// dropped
		}
		if s.winner != nil {
			break
		}
	}
	s.candidates = remaining

	if s.winner != nil {
		return s.winner.Parse(pdu)
	}
	if len(s.candidates) == 0 || s.probedSegments >= s.maxProbeBudget {
		s.eliminated = true
		return ParseResult{Kind: ParseSkipped}, nil
	}
	return ParseResult{Kind: ParseSkipped}, nil
}

// DrainSessions flushes any sessions still buffered by the winning parser.
func (s *Selection) DrainSessions() []session.Session {
	if s.winner == nil {
		return nil
	}
	return s.winner.DrainSessions()
}
