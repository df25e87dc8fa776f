package gui

import (
	"context"
	"strings"
	"testing"
	"time"

	"fyne.io/fyne/v2/test"
	"github.com/stretchr/testify/require"

	"socquery/battery"
	"socquery/drivers"
	"socquery/ecus"
	"socquery/logging"
)

func newTestGUI(t *testing.T) (*GUI, *drivers.VirtualDriver) {
	t.Helper()
	a := test.NewApp()
	t.Cleanup(a.Quit)

	d := drivers.NewVirtualDriver("gui", logging.Nop())
	t.Cleanup(d.Cleanup)
	ecu, err := ecus.Lookup(ecus.DefaultECU)
	require.NoError(t, err)
	return New(d, ecu, logging.Nop()), d
}

func TestShowReading(t *testing.T) {
	g, _ := newTestGUI(t)
	at := time.Date(2024, 5, 1, 8, 30, 0, 0, time.Local)

	g.ShowReading(battery.Reading{Identifier: battery.IdentifierBMS, SOC: 85.5, Available: true, At: at})
	require.Equal(t, "85.5 %", g.socLabels[battery.IdentifierBMS].Text)
	require.Equal(t, unknownSOC, g.socLabels[battery.IdentifierDisplay].Text)
	require.Equal(t, "updated 08:30:00", g.updatedLabel.Text)

	g.ShowReading(battery.Reading{Identifier: battery.IdentifierBMS, At: at})
	require.Equal(t, unknownSOC, g.socLabels[battery.IdentifierBMS].Text)
}

func TestWriteKeepsNewestText(t *testing.T) {
	g, _ := newTestGUI(t)

	n, err := g.Write([]byte("first line\n"))
	require.NoError(t, err)
	require.Equal(t, len("first line\n"), n)
	require.Equal(t, "first line\n", g.logLabel.Text)

	_, err = g.Write([]byte(strings.Repeat("x", maxLogCharsLen)))
	require.NoError(t, err)
	require.Len(t, []rune(g.logLabel.Text), maxLogCharsLen)
	require.NotContains(t, g.logLabel.Text, "first")
}

func TestLogSink(t *testing.T) {
	g, _ := newTestGUI(t)
	l := logging.New(logging.Config{Out: &strings.Builder{}})
	l.AddSink(g)

	l.WriteToLog("bus opened", logging.LogTypeLog)
	require.Contains(t, g.logLabel.Text, "bus opened")
}

func TestSendManualFrame(t *testing.T) {
	g, d := newTestGUI(t)
	frames := d.SubscribeReadFrames()

	g.manualFrameEntry.SetText("02 3E 00")
	g.sendManualFrame(context.Background())

	select {
	case f := <-frames:
		require.Equal(t, uint16(0x7E4), f.ID)
		require.Equal(t, []byte{0x02, 0x3E, 0x00}, f.Payload())
	case <-time.After(time.Second):
		t.Fatal("frame not sent")
	}
	require.Empty(t, g.manualFrameEntry.Text)

	g.manualFrameEntry.SetText("not hex")
	g.sendManualFrame(context.Background())
	require.Equal(t, "not hex", g.manualFrameEntry.Text)
}

func TestOnQuery(t *testing.T) {
	g, _ := newTestGUI(t)
	require.True(t, g.queryButton.Disabled())

	called := make(chan struct{})
	g.OnQuery(context.Background(), func(context.Context) { close(called) })
	require.False(t, g.queryButton.Disabled())

	test.Tap(g.queryButton)
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("query not run")
	}
}
