package subscription

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/untangle/flowscope/internal/action"
	"github.com/untangle/flowscope/internal/filter"
)

func TestBuildProgramDerivesActionsFromHandler(t *testing.T) {
	entries := []Entry{
		{Filter: "tcp", Callback: "packetOnly"},
		{Filter: "http.method = 'GET'", Callback: "sessionOnly"},
	}
	reg := Registry{
		"packetOnly":  {OnPacket: func(PacketEvent) {}},
		"sessionOnly": {OnSession: func(SessionEvent) {}},
	}
	subs, err := Compile(entries, reg)
	require.NoError(t, err)

	program := BuildProgram(subs)
	require.Len(t, program.Rules, 2)

	assert.True(t, program.Rules[0].MatchActions.Has(action.FrameDeliver))
	assert.False(t, program.Rules[0].MatchActions.Has(action.SessionDeliver))

	assert.True(t, program.Rules[1].MatchActions.Has(action.SessionDeliver))
	assert.True(t, program.Rules[1].PendingActions.Has(action.ConnParse))
}

func TestBuildProgramEvaluatesAndVerdictByIndexMapsBack(t *testing.T) {
	entries := []Entry{
		{Filter: "tcp", Callback: "a"},
		{Filter: "udp", Callback: "b"},
	}
	reg := Registry{
		"a": {OnPacket: func(PacketEvent) {}},
		"b": {OnPacket: func(PacketEvent) {}},
	}
	subs, err := Compile(entries, reg)
	require.NoError(t, err)

	program := BuildProgram(subs)
	_, results := program.PacketFilter(map[string]any{"tcp": true, "udp": false})

	verdicts := VerdictByIndex(results)
	assert.Equal(t, filter.VerdictTrue, verdicts[subs[0].Index])
	assert.Equal(t, filter.VerdictFalse, verdicts[subs[1].Index])
}
