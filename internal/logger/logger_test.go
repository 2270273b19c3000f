package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nil)
	EnableTimestamp(false)
	SetDefaultLevel(LevelWarn)

	Info("should not appear")
	assert.Empty(t, buf.String())

	Warn("should appear %d", 1)
	assert.True(t, strings.Contains(buf.String(), "should appear 1"))
}

func TestAdjustSourceLevel(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nil)
	EnableTimestamp(false)
	SetDefaultLevel(LevelErr)

	// findCaller skips every frame inside package logger, this test
	// included, so the resolved source is the testing package's runner.
	AdjustSourceLevel("testing", LevelTrace)
	Trace("now visible")
	assert.Contains(t, buf.String(), "now visible")
}

func TestParseLevel(t *testing.T) {
	lvl, ok := ParseLevel("debug")
	require.True(t, ok)
	assert.Equal(t, LevelDebug, lvl)

	_, ok = ParseLevel("bogus")
	assert.False(t, ok)
}

func TestWriterBuffersUntilNewline(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nil)
	EnableTimestamp(false)
	SetDefaultLevel(LevelInfo)

	w := &Writer{Level: LevelInfo}
	w.Write([]byte("partial"))
	assert.Empty(t, buf.String())
	w.Write([]byte(" line\n"))
	assert.Contains(t, buf.String(), "partial line")
}
