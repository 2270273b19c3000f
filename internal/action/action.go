// Package action defines the Action bitset that drives the pipeline for a
// given packet/connection/session (SPEC_FULL.md §3). Actions from every
// matching subscription are unioned together; the filter engine collapses
// redundant flags (e.g. SessionParse subsumes ConnParse).
package action

import "strings"

// Set is a bitset of pipeline directives.
type Set uint32

const (
	// PacketContinue means the packet survived the Packet-Continue stage
	// and should be handed to the connection tracker.
	PacketContinue Set = 1 << iota
	// FrameDeliver invokes the packet-level callback now with the
	// current Mbuf.
	FrameDeliver
	// FrameTrack retains the Mbuf against the connection for later
	// delivery.
	FrameTrack
	// FrameDrain releases any tracked Mbufs; buffered frames will not be
	// delivered.
	FrameDrain
	// ConnDataTrack updates tracked connection aggregates on each PDU.
	ConnDataTrack
	// ConnParse runs application-layer parsers on this connection.
	ConnParse
	// SessionParse continues parsing sessions after the first match.
	SessionParse
	// SessionDeliver delivers completed sessions matching session-level
	// predicates.
	SessionDeliver
	// ConnDeliver delivers the tracked connection record on termination.
	ConnDeliver
	// Drop marks the packet as having no further use.
	Drop
)

var names = []struct {
	flag Set
	name string
}{
	{PacketContinue, "PacketContinue"},
	{FrameDeliver, "FrameDeliver"},
	{FrameTrack, "FrameTrack"},
	{FrameDrain, "FrameDrain"},
	{ConnDataTrack, "ConnDataTrack"},
	{ConnParse, "ConnParse"},
	{SessionParse, "SessionParse"},
	{SessionDeliver, "SessionDeliver"},
	{ConnDeliver, "ConnDeliver"},
	{Drop, "Drop"},
}

// String renders the set as a pipe-joined list of flag names, for logging.
func (s Set) String() string {
	if s == 0 {
		return "none"
	}
	var parts []string
	for _, n := range names {
		if s.Has(n.flag) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Has reports whether all bits in flags are set.
func (s Set) Has(flags Set) bool {
	return s&flags == flags
}

// Union merges two action sets. Union is commutative, associative and
// idempotent (invariant 11), since it is ordinary bitwise OR.
func Union(a, b Set) Set {
	return a | b
}

// Add returns s with flags set.
func (s Set) Add(flags Set) Set {
	return s | flags
}

// Clear returns s with flags unset.
func (s Set) Clear(flags Set) Set {
	return s &^ flags
}

// Collapse applies the redundant-flag reduction rules from SPEC_FULL.md
// §4.1: a stronger flag implies (and therefore need not separately carry)
// a weaker one for logging/accounting purposes, but the stronger flag
// always also keeps the weaker bit set so downstream stage checks that
// only look for the weaker flag keep working. Concretely:
//   - SessionParse implies ConnParse (can't parse sessions without
//     parsing the connection).
//   - SessionDeliver implies SessionParse.
//   - ConnDeliver implies ConnDataTrack (nothing to deliver otherwise).
func Collapse(s Set) Set {
	if s.Has(SessionDeliver) {
		s = s.Add(SessionParse)
	}
	if s.Has(SessionParse) {
		s = s.Add(ConnParse)
	}
	if s.Has(ConnDeliver) {
		s = s.Add(ConnDataTrack)
	}
	return s
}
