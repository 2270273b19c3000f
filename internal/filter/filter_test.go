package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/untangle/flowscope/internal/action"
)

func mustCompile(t *testing.T, src string) Node {
	t.Helper()
	expr, err := ParseDSL(src)
	require.NoError(t, err, "parse %q", src)
	node, err := Compile(expr)
	require.NoError(t, err, "compile %q", src)
	return node
}

func TestProtocolPresence(t *testing.T) {
	node := mustCompile(t, "tcp")
	assert.Equal(t, StagePacketContinue, node.Stage())

	ctx := NewEvalContext(nil, map[string]any{"tcp": true})
	assert.Equal(t, VerdictTrue, node.Eval(ctx))

	ctx2 := NewEvalContext(nil, map[string]any{"udp": true})
	assert.Equal(t, VerdictFalse, node.Eval(ctx2))

	ctx3 := NewEvalContext(nil, nil)
	assert.Equal(t, VerdictUnknown, node.Eval(ctx3))
}

func TestTLSSniEquality(t *testing.T) {
	node := mustCompile(t, "tls.sni = 'example.com'")
	assert.Equal(t, StageSession, node.Stage())

	ctx := NewEvalContext(nil, map[string]any{"tls.sni": "example.com"})
	assert.Equal(t, VerdictTrue, node.Eval(ctx))

	ctx2 := NewEvalContext(nil, map[string]any{"tls.sni": "other.com"})
	assert.Equal(t, VerdictFalse, node.Eval(ctx2))
}

func TestRegexOperator(t *testing.T) {
	node := mustCompile(t, "tls.sni ~ /\\.com$/")
	ctx := NewEvalContext(nil, map[string]any{"tls.sni": "x.com"})
	assert.Equal(t, VerdictTrue, node.Eval(ctx))

	ctx2 := NewEvalContext(nil, map[string]any{"tls.sni": "x.org"})
	assert.Equal(t, VerdictFalse, node.Eval(ctx2))
}

func TestCIDRMembership(t *testing.T) {
	node := mustCompile(t, "ipv4.addr in 8.8.8.0/24")
	ctx := NewEvalContext(nil, map[string]any{"ipv4.addr": "8.8.8.8"})
	assert.Equal(t, VerdictTrue, node.Eval(ctx))

	ctx2 := NewEvalContext(nil, map[string]any{"ipv4.addr": "1.1.1.1"})
	assert.Equal(t, VerdictFalse, node.Eval(ctx2))
}

func TestAndOrNot(t *testing.T) {
	node := mustCompile(t, "tcp and not udp")
	ctx := NewEvalContext(nil, map[string]any{"tcp": true, "udp": false})
	assert.Equal(t, VerdictTrue, node.Eval(ctx))

	node2 := mustCompile(t, "tls or http")
	ctx2 := NewEvalContext(nil, map[string]any{"tls": false, "http": true})
	assert.Equal(t, VerdictTrue, node2.Eval(ctx2))
}

func TestUnknownPropagatesThroughAnd(t *testing.T) {
	node := mustCompile(t, "tcp and tls.sni = 'x.com'")
	// tcp known true, tls.sni not yet known (packet stage, before parse)
	ctx := NewEvalContext(nil, map[string]any{"tcp": true})
	assert.Equal(t, VerdictUnknown, node.Eval(ctx))
}

func TestProgramEvaluateUnionsActions(t *testing.T) {
	p := NewProgram([]Rule{
		{
			ID:           "sub-a",
			Tree:         mustCompile(t, "tls.sni = 'example.com'"),
			MatchActions: action.SessionDeliver,
		},
		{
			ID:             "sub-b",
			Tree:           mustCompile(t, "tls.sni ~ /\\.com$/"),
			MatchActions:   action.SessionDeliver,
			PendingActions: action.ConnParse,
		},
	})

	actions, results := p.SessionFilter(map[string]any{"tls.sni": "example.com"})
	assert.True(t, actions.Has(action.SessionDeliver))
	assert.True(t, actions.Has(action.SessionParse), "collapse should imply SessionParse")
	for _, r := range results {
		assert.Equal(t, VerdictTrue, r.Verdict)
	}
}

func TestByteSequenceContains(t *testing.T) {
	node := mustCompile(t, "tcp.payload contains |16 03|")
	ctx := NewEvalContext(nil, map[string]any{"tcp.payload": string([]byte{0x16, 0x03, 0x01})})
	assert.Equal(t, VerdictTrue, node.Eval(ctx))
}
