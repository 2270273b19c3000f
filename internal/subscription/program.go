package subscription

import (
	"strconv"

	"github.com/untangle/flowscope/internal/action"
	"github.com/untangle/flowscope/internal/filter"
)

// BuildProgram compiles one filter.Rule per subscription, so the four
// staged filters of SPEC_FULL.md §4.1 can be evaluated once per packet
// against every subscription's predicate tree at the same time. A rule's
// ID is the subscription's Index (as a string), letting callers map
// per-rule RuleResults back to the subscription that produced them.
func BuildProgram(subs []*Subscription) *filter.Program {
	rules := make([]filter.Rule, len(subs))
	for i, s := range subs {
		match, pending := actionsFor(s.Handler)
		rules[i] = filter.Rule{
			ID:             strconv.Itoa(s.Index),
			Tree:           s.Tree,
			MatchActions:   match,
			PendingActions: pending,
		}
	}
	return filter.NewProgram(rules)
}

// actionsFor derives a rule's terminal (MatchActions) and non-terminal
// (PendingActions) action sets from which of a subscription's callbacks
// are populated: a subscription that never populated OnPacket has no
// reason to keep FrameTrack alive while its predicate is still unknown,
// etc.
func actionsFor(h Handler) (match, pending action.Set) {
	match = action.PacketContinue
	// A rule whose predicate is still Unknown at the Packet-Continue stage
	// (no protocol decided yet, only presence facts) must not drop the
	// packet outright: it may still resolve true once more facts are
	// available downstream, so PacketContinue belongs in pending as well.
	pending = action.PacketContinue
	if h.OnPacket != nil {
		match = match.Add(action.FrameDeliver)
		pending = pending.Add(action.FrameTrack)
	}
	if h.OnSession != nil {
		match = match.Add(action.SessionDeliver)
		pending = pending.Add(action.ConnParse)
	}
	if h.OnConn != nil {
		match = match.Add(action.ConnDeliver)
		pending = pending.Add(action.ConnDataTrack)
	}
	return match, pending
}

// VerdictByIndex maps per-rule RuleResults back onto subscription index,
// for callers deciding which subscriptions to actually deliver to.
func VerdictByIndex(results []filter.RuleResult) map[int]filter.Verdict {
	out := make(map[int]filter.Verdict, len(results))
	for _, r := range results {
		idx, err := strconv.Atoi(r.ID)
		if err != nil {
			continue
		}
		out[idx] = r.Verdict
	}
	return out
}
