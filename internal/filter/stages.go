package filter

import "github.com/untangle/flowscope/internal/action"

// Rule binds a compiled predicate tree to the actions that should be
// unioned in once it resolves true, and the actions to union in while it
// is still undecided (SPEC_FULL.md §4.1: "non-terminal" subscriptions keep
// FrameTrack/ConnParse set until their predicate can be fully evaluated).
type Rule struct {
	ID             string
	Tree           Node
	MatchActions   action.Set
	PendingActions action.Set
}

// RuleResult reports one rule's outcome for a single evaluation.
type RuleResult struct {
	ID      string
	Verdict Verdict
}

// Program is a compiled, stage-agnostic set of rules. The same Program is
// evaluated at all four staged filters; what differs between stages is
// which facts are present in the EvalContext passed in, which in turn
// decides which rules resolve to True/False versus stay Unknown.
type Program struct {
	Rules []Rule
}

// NewProgram builds a Program from a set of rules, applying the collapse
// rules from SPEC_FULL.md §4.1 to each rule's declared actions up front.
func NewProgram(rules []Rule) *Program {
	out := make([]Rule, len(rules))
	for i, r := range rules {
		r.MatchActions = action.Collapse(r.MatchActions)
		out[i] = r
	}
	return &Program{Rules: out}
}

// Evaluate runs every rule against ctx, returning the unioned action set
// and the per-rule verdicts (callers use verdicts to permanently drop
// False rules from later stages and to detect exactly-once matches).
func (p *Program) Evaluate(ctx *EvalContext) (action.Set, []RuleResult) {
	var actions action.Set
	results := make([]RuleResult, len(p.Rules))
	for i, r := range p.Rules {
		v := r.Tree.Eval(ctx)
		switch v {
		case VerdictTrue:
			actions = action.Union(actions, r.MatchActions)
		case VerdictUnknown:
			actions = action.Union(actions, r.PendingActions)
		}
		results[i] = RuleResult{ID: r.ID, Verdict: v}
	}
	return action.Collapse(actions), results
}

// PacketContinueFilter is the Packet-Continue stage (§4.1 step 1): a pure
// function of whatever protocol-presence facts can be read straight off
// the Mbuf before a connection entry exists.
func (p *Program) PacketContinueFilter(facts map[string]any) (action.Set, []RuleResult) {
	return p.Evaluate(NewEvalContext(nil, facts))
}

// PacketFilter is the Packet filter stage (§4.1 step 2): adds five-tuple
// and header-field facts once the connection entry exists.
func (p *Program) PacketFilter(facts map[string]any) (action.Set, []RuleResult) {
	return p.Evaluate(NewEvalContext(nil, facts))
}

// ProtocolFilter is the Protocol filter stage (§4.1 step 3): adds the
// decided L7 protocol presence fact.
func (p *Program) ProtocolFilter(facts map[string]any) (action.Set, []RuleResult) {
	return p.Evaluate(NewEvalContext(nil, facts))
}

// SessionFilter is the Session filter stage (§4.1 step 4): adds
// session-field facts from a completed parser session.
func (p *Program) SessionFilter(facts map[string]any) (action.Set, []RuleResult) {
	return p.Evaluate(NewEvalContext(nil, facts))
}
