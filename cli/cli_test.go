package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func simulatorConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "socquery.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
settle = "0s"
timeout = "500ms"
retries = 3
`+body), 0o600))
	return path
}

func TestQuerySimulated(t *testing.T) {
	cfg := simulatorConfig(t, `
[simulator]
bms_raw = 171
display_raw = 156
`)
	out, err := run(t, "--simulate", "--config", cfg, "--log-level", "off", "query")
	require.NoError(t, err)
	require.Equal(t, "bms(0x0101): 85.5%\ndisplay(0x0105): 78.0%\n", out)
}

func TestQuerySingleIdentifier(t *testing.T) {
	out, err := run(t, "--simulate", "--config", simulatorConfig(t, ""), "--log-level", "off", "query", "display")
	require.NoError(t, err)
	require.Equal(t, "display(0x0105): 84.0%\n", out)
}

func TestQueryRetriesDroppedRequests(t *testing.T) {
	cfg := simulatorConfig(t, `
[simulator]
bms_raw = 100
drop_every = 2
`)
	out, err := run(t, "--simulate", "--config", cfg, "--log-level", "off", "query", "bms", "bms")
	require.NoError(t, err)
	require.Equal(t, "bms(0x0101): 50.0%\nbms(0x0101): 50.0%\n", out)
}

func TestQueryNothingAvailable(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "socquery.toml")
	require.NoError(t, os.WriteFile(cfg, []byte(`
settle = "0s"
timeout = "10ms"
retries = 2

[simulator]
drop_every = 1
`), 0o600))

	out, err := run(t, "--simulate", "--config", cfg, "--log-level", "off", "query")
	require.ErrorIs(t, err, errNoReading)
	require.True(t, strings.HasSuffix(out, "display(0x0105): unavailable\n"))
}

func TestQueryRejectsUnknownIdentifier(t *testing.T) {
	_, err := run(t, "--simulate", "--config", simulatorConfig(t, ""), "query", "cells")
	require.ErrorContains(t, err, "want bms or display")
}

func TestBadLogLevel(t *testing.T) {
	_, err := run(t, "--simulate", "--log-level", "shouty", "query")
	require.ErrorContains(t, err, "unknown log level")
}

func TestBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte(`retries = 0`), 0o600))
	_, err := run(t, "--config", path, "query")
	require.Error(t, err)
}
