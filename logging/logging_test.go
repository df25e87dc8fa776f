package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestWriteToLogLevels(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{App: "socquery", Level: zerolog.InfoLevel, JSON: true, Out: &buf})

	l.WriteToLog("Send: ID: 0x7E4", LogTypeCanbusLog)
	require.Zero(t, buf.Len())

	l.WriteToLog("driver running", LogTypeLog)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "driver running", entry["message"])
	require.Equal(t, "info", entry["level"])
	require.Equal(t, "socquery", entry["app"])
}

func TestCanbusLogAtDebug(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: zerolog.DebugLevel, JSON: true, Out: &buf})

	l.WriteToLog("Read: ID: 0x7EC", LogTypeCanbusLog)
	require.Contains(t, buf.String(), `"component":"canbus"`)
}

func TestSinkReceivesLines(t *testing.T) {
	var console, sink bytes.Buffer
	l := New(Config{Level: zerolog.InfoLevel, JSON: true, Out: &console})
	l.AddSink(&sink)

	l.Warn().Int("attempt", 2).Msg("battery query retry")
	require.Contains(t, console.String(), "battery query retry")
	require.True(t, strings.Contains(sink.String(), "battery query retry"))
	require.Contains(t, sink.String(), "attempt=2")
}

func TestParseLevel(t *testing.T) {
	lvl, ok := ParseLevel(" Warning ")
	require.True(t, ok)
	require.Equal(t, zerolog.WarnLevel, lvl)

	lvl, ok = ParseLevel("off")
	require.True(t, ok)
	require.Equal(t, zerolog.Disabled, lvl)

	_, ok = ParseLevel("loud")
	require.False(t, ok)
}

func TestNop(t *testing.T) {
	l := Nop()
	l.WriteToLog("dropped", LogTypeLog)
	l.Error().Msg("dropped")
}
