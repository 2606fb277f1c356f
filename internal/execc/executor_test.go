package execc

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
}

func TestCheckOnlineReportsZeroExitAsSuccess(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "vpn-check-online.sh", `echo reachable; exit 0`)

	e := New(dir, log.New(io.Discard))
	res, err := e.CheckOnline(context.Background(), "10.0.0.1", 3, "dynvpn1")

	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "reachable")
}

func TestCheckOnlineNonZeroExitIsNotAGoError(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "vpn-check-online.sh", `echo unreachable >&2; exit 7`)

	e := New(dir, log.New(io.Discard))
	res, err := e.CheckOnline(context.Background(), "10.0.0.1", 3, "dynvpn1")

	require.NoError(t, err, "a non-zero exit must not surface as a Go error")
	assert.False(t, res.Success())
	assert.Equal(t, 7, res.ExitCode)
	assert.Contains(t, res.Stderr, "unreachable")
}

func TestMissingScriptIsAnExecutorError(t *testing.T) {
	dir := t.TempDir() // no scripts written

	e := New(dir, log.New(io.Discard))
	_, err := e.CheckPID(context.Background(), "dynvpn1", "10.0.0.1", "/var/lib/vpn")

	require.Error(t, err, "a script that never launched must surface as a Go error, not a Result")
}

func TestSetOnlinePassesArgsInPositionalOrder(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "vpn-set-online.sh", `echo "$1|$2|$3|$4|$5"`)

	e := New(dir, log.New(io.Discard))
	res, err := e.SetOnline(context.Background(), "dynvpn1", "10.1.0.1", "/var/lib/vpn", "site-a", "10.0.0.254")

	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.Contains(t, res.Stdout, "dynvpn1|10.1.0.1|/var/lib/vpn|site-a|10.0.0.254")
}
