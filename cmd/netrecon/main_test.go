package main

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aspnmy/netrecon/internal/store"
)

func TestFlagKeys_OnlyChangedFlags(t *testing.T) {
	cmd := newScanCmd(&globalOptions{})
	require.NoError(t, cmd.Flags().Parse([]string{"--qps", "200", "-p", "22,80", "--progress"}))

	got := scanFlagKeys.overrides(cmd.Flags())
	assert.Equal(t, map[string]any{
		"scan.qps":        "200",
		"scan.ports":      "22,80",
		"output.progress": "true",
	}, got)
}

func TestFlagKeys_EveryScanFlagIsMapped(t *testing.T) {
	cmd := newScanCmd(&globalOptions{})
	for name := range scanFlagKeys {
		assert.NotNil(t, cmd.Flags().Lookup(name), "flag %q", name)
	}
	cmd = newDiscoverCmd(&globalOptions{})
	for name := range discoverFlagKeys {
		assert.NotNil(t, cmd.Flags().Lookup(name), "flag %q", name)
	}
}

func TestVersionCmd(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.True(t, strings.HasPrefix(out.String(), "netrecon "+version))
}

func TestScanCmd_InvalidPortSpec(t *testing.T) {
	t.Chdir(t.TempDir())

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"scan", "127.0.0.1", "--ports", "80-22"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "80-22")
}

func TestScanAndRunsCmd_Loopback(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()
	port := strconv.Itoa(l.Addr().(*net.TCPAddr).Port)
	db := filepath.Join(dir, "results.db")

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"scan", "127.0.0.1", "--ports", port, "--timeout-ms", "300", "--db", db})
	require.NoError(t, root.Execute())
	assert.True(t, strings.HasPrefix(out.String(), "127.0.0.1: open ports ["+port+"] (1 scanned, "), out.String())

	root = newRootCmd()
	out.Reset()
	root.SetOut(&out)
	root.SetArgs([]string{"runs", "--db", db})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "RUN ID")
	assert.Contains(t, out.String(), store.StatusCompleted)
	assert.Contains(t, out.String(), "1/1")

	s, err := store.Open(db)
	require.NoError(t, err)
	runs, err := s.ListRuns(context.Background(), store.StatusCompleted)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.Len(t, runs, 1)

	root = newRootCmd()
	out.Reset()
	var status bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&status)
	root.SetArgs([]string{"runs", runs[0].ID, "--db", db, "--format", "jsonl"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), `"target":"127.0.0.1"`)
	assert.Contains(t, out.String(), `"open":[`+port+`]`)
	assert.Contains(t, status.String(), "run "+runs[0].ID+": completed, 1/1 hosts recorded")

	root = newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"runs", "no-such-run", "--db", db})
	assert.ErrorIs(t, root.Execute(), store.ErrRunNotFound)
}

func TestRenderRuns(t *testing.T) {
	now := time.Now()
	out := renderRuns(&bytes.Buffer{}, []store.RunInfo{
		{ID: "a", StartedAt: now, Status: store.StatusInterrupted, HostCount: 2, Targets: []string{"h1", "h2", "h3", "h4", "h5"}},
		{ID: "b", StartedAt: now, FinishedAt: now, Status: store.StatusCompleted, HostCount: 1, Targets: []string{"h1"}},
		{ID: "c", StartedAt: now, FinishedAt: now, Status: store.StatusFailed, ErrorCount: 3, Targets: []string{"h9"}},
	})

	assert.Contains(t, out, "interrupted")
	assert.Contains(t, out, "2/5")
	assert.Contains(t, out, "h1,h2,h3,... (+2)")
	assert.Contains(t, out, "1/1")
	assert.Contains(t, out, "failed")
	assert.Contains(t, out, "0/1")
}
