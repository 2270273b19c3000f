package subscription

import (
	"fmt"

	"github.com/untangle/flowscope/internal/filter"
	"github.com/untangle/flowscope/internal/l4"
	"github.com/untangle/flowscope/internal/session"
	"github.com/untangle/flowscope/internal/track"
)

// PacketEvent is delivered on FrameDeliver.
type PacketEvent struct {
	ConnID  l4.ConnId
	Tuple   l4.FiveTuple
	Payload []byte
	Tracked *track.Tracked
}

// SessionEvent is delivered on SessionDeliver.
type SessionEvent struct {
	ConnID  l4.ConnId
	Tuple   l4.FiveTuple
	Session session.Session
	Tracked *track.Tracked
}

// ConnEvent is delivered on ConnDeliver (connection termination).
type ConnEvent struct {
	ConnID  l4.ConnId
	Tuple   l4.FiveTuple
	Tracked *track.Tracked
	Drained []session.Session
}

// Handler groups the optional callbacks a subscription's symbol may
// resolve to; a subscription need not populate all three.
type Handler struct {
	OnPacket  func(PacketEvent)
	OnSession func(SessionEvent)
	OnConn    func(ConnEvent)
}

// Registry maps callback symbol names (as referenced from a spec file's
// `callback=` field) to their Handler implementation.
type Registry map[string]Handler

// Subscription is one compiled, callback-bound spec entry: its index is
// stable for the lifetime of the process and is used as the key into a
// Conn's per-subscription SubState/fire-bitmask bookkeeping.
type Subscription struct {
	Index     int
	Name      string
	Tree      filter.Node
	Datatypes map[track.Datatype]bool
	Streaming *StreamingCadence
	Handler   Handler
}

// Compile builds the active Subscription set from parsed spec entries,
// resolving each entry's callback symbol against registry and compiling
// its filter DSL string into a predicate tree.
func Compile(entries []Entry, registry Registry) ([]*Subscription, error) {
	subs := make([]*Subscription, 0, len(entries))
	for i, e := range entries {
		handler, ok := registry[e.Callback]
		if !ok {
			return nil, fmt.Errorf("subscription: unknown callback %q", e.Callback)
		}
		ast, err := filter.ParseDSL(e.Filter)
		if err != nil {
			return nil, fmt.Errorf("subscription: filter %q: %w", e.Filter, err)
		}
		tree, err := filter.Compile(ast)
		if err != nil {
			return nil, fmt.Errorf("subscription: filter %q: %w", e.Filter, err)
		}
		dt := make(map[track.Datatype]bool, len(e.Datatypes))
		for _, d := range e.Datatypes {
			dt[d] = true
		}
		subs = append(subs, &Subscription{
			Index:     i,
			Name:      e.Callback,
			Tree:      tree,
			Datatypes: dt,
			Streaming: e.Streaming,
			Handler:   handler,
		})
	}
	return subs, nil
}

// Datatypes collates the union of every subscription's required
// Tracked components (SPEC_FULL.md §4.6's component-registry
// deduplication).
func Datatypes(subs []*Subscription) map[track.Datatype]bool {
	union := map[track.Datatype]bool{}
	for _, s := range subs {
		for dt := range s.Datatypes {
			union[dt] = true
		}
	}
	return union
}
