package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aspnmy/netrecon/internal/core"
	"github.com/aspnmy/netrecon/internal/models"
	"github.com/aspnmy/netrecon/internal/output"
	"github.com/aspnmy/netrecon/internal/store"
	"github.com/aspnmy/netrecon/pkg/cidr"
)

// listen opens a loopback listener that accepts and drops connections
func listen(t *testing.T) uint16 {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()
	return uint16(l.Addr().(*net.TCPAddr).Port) //nolint:gosec // G115: listener ports fit uint16
}

// closedPort returns a loopback port nothing listens on
func closedPort(t *testing.T) uint16 {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(l.Addr().(*net.TCPAddr).Port) //nolint:gosec // G115: listener ports fit uint16
	require.NoError(t, l.Close())
	return port
}

func testConfig(ports ...uint16) *core.Config {
	cfg := core.Default()
	specs := make([]string, len(ports))
	for i, p := range ports {
		specs[i] = strconv.Itoa(int(p))
	}
	cfg.Scan.Ports = strings.Join(specs, ",")
	cfg.Scan.TimeoutMS = 300
	cfg.Scan.Concurrency = 4
	cfg.Output.Format = string(output.FormatJSONL)
	return cfg
}

func decodeRecords(t *testing.T, buf *bytes.Buffer) map[string]output.Record {
	t.Helper()
	records := make(map[string]output.Record)
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var r output.Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		records[r.Target] = r
	}
	require.NoError(t, sc.Err())
	return records
}

func TestScan_LoopbackWithStore(t *testing.T) {
	open := listen(t)
	closed := closedPort(t)

	cfg := testConfig(closed, open)
	cfg.Store.Path = filepath.Join(t.TempDir(), "results.db")

	var out bytes.Buffer
	a := New(Deps{Config: cfg, Version: "test", Stdout: &out})

	summary, err := a.Scan(context.Background(), ScanRequest{Targets: []string{"127.0.0.1"}})
	require.NoError(t, err)
	require.NotEmpty(t, summary.RunID)
	assert.Equal(t, 1, summary.Targets)
	assert.Equal(t, int64(1), summary.Stats.OpenHosts)

	records := decodeRecords(t, &out)
	require.Contains(t, records, "127.0.0.1")
	assert.Equal(t, []uint16{open}, records["127.0.0.1"].Open)
	assert.Equal(t, 2, records["127.0.0.1"].Scanned)

	runs, err := a.Runs(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, summary.RunID, runs[0].ID)
	assert.Equal(t, store.StatusCompleted, runs[0].Status)
	assert.Equal(t, int64(1), runs[0].HostCount)
	assert.Equal(t, "test", runs[0].ToolVersion)
}

func TestScan_ResumeSkipsRecordedHosts(t *testing.T) {
	open := listen(t)
	dbPath := filepath.Join(t.TempDir(), "results.db")
	ctx := context.Background()

	db, err := store.Open(dbPath)
	require.NoError(t, err)
	runID, err := db.BeginRun(ctx, store.RunMeta{
		ToolVersion: "test",
		Targets:     []string{"127.0.0.1", "127.0.0.2"},
	})
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, db.RecordHost(ctx, runID, &models.ScanResult{
		Target: "127.0.0.1", Open: []uint16{open}, Scanned: 1, StartedAt: now, EndedAt: now,
	}))
	require.NoError(t, db.FinishRun(ctx, runID, store.StatusInterrupted))
	require.NoError(t, db.Close())

	cfg := testConfig(open)
	cfg.Store.Path = dbPath

	var out bytes.Buffer
	a := New(Deps{Config: cfg, Version: "test", Stdout: &out})
	summary, err := a.Scan(ctx, ScanRequest{ResumeRunID: runID})
	require.NoError(t, err)
	assert.Equal(t, runID, summary.RunID)
	assert.Equal(t, int64(1), summary.Stats.Skipped)

	records := decodeRecords(t, &out)
	assert.NotContains(t, records, "127.0.0.1", "recorded hosts are not rescanned")
	assert.Contains(t, records, "127.0.0.2")

	runs, err := a.Runs(ctx, store.StatusCompleted)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, int64(2), runs[0].HostCount)
}

func TestScan_UnwritableOutputLeavesNoRun(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	cfg := testConfig(closedPort(t))
	cfg.Store.Path = filepath.Join(dir, "results.db")
	cfg.Output.File = filepath.Join(blocker, "out.jsonl")

	a := New(Deps{Config: cfg, Stdout: &bytes.Buffer{}})
	_, err := a.Scan(context.Background(), ScanRequest{Targets: []string{"127.0.0.1"}})
	require.ErrorIs(t, err, output.ErrOutputFileNotWritable)

	runs, err := a.Runs(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestShowRun(t *testing.T) {
	open := listen(t)
	cfg := testConfig(open)
	cfg.Store.Path = filepath.Join(t.TempDir(), "results.db")

	a := New(Deps{Config: cfg, Version: "test", Stdout: &bytes.Buffer{}})
	summary, err := a.Scan(context.Background(), ScanRequest{Targets: []string{"127.0.0.1"}})
	require.NoError(t, err)

	var out bytes.Buffer
	a = New(Deps{Config: cfg, Stdout: &out})
	info, err := a.ShowRun(context.Background(), summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, info.Status)
	assert.Equal(t, []string{"127.0.0.1"}, info.Targets)

	records := decodeRecords(t, &out)
	require.Contains(t, records, "127.0.0.1")
	assert.Equal(t, []uint16{open}, records["127.0.0.1"].Open)
	assert.Equal(t, 1, records["127.0.0.1"].Scanned)

	_, err = a.ShowRun(context.Background(), "no-such-run")
	assert.ErrorIs(t, err, store.ErrRunNotFound)

	_, err = New(Deps{Config: testConfig(80)}).ShowRun(context.Background(), summary.RunID)
	assert.ErrorIs(t, err, ErrNoStore)
}

func TestScan_ExpandsCIDRTargets(t *testing.T) {
	closed := closedPort(t)
	cfg := testConfig(closed)

	var out bytes.Buffer
	a := New(Deps{Config: cfg, Stdout: &out})
	summary, err := a.Scan(context.Background(), ScanRequest{Targets: []string{"127.0.0.0/30"}})
	require.NoError(t, err)

	// /30 keeps .1 and .2
	assert.Equal(t, 2, summary.Targets)
	records := decodeRecords(t, &out)
	assert.Contains(t, records, "127.0.0.1")
	assert.Contains(t, records, "127.0.0.2")
}

func TestScan_ConfigErrors(t *testing.T) {
	ctx := context.Background()

	a := New(Deps{Config: testConfig(80)})
	_, err := a.Scan(ctx, ScanRequest{})
	assert.ErrorIs(t, err, cidr.ErrNoTargets)

	_, err = a.Scan(ctx, ScanRequest{Targets: []string{"10.0.0.0/33"}})
	assert.ErrorIs(t, err, cidr.ErrInvalidCIDR)

	_, err = a.Scan(ctx, ScanRequest{ResumeRunID: "abc"})
	assert.ErrorIs(t, err, ErrNoStore)

	_, err = a.Runs(ctx, "")
	assert.ErrorIs(t, err, ErrNoStore)

	bad := testConfig(80)
	bad.Scan.Concurrency = 0
	_, err = New(Deps{Config: bad}).Scan(ctx, ScanRequest{Targets: []string{"127.0.0.1"}})
	assert.ErrorIs(t, err, models.ErrInvalidPolicy)
}

func TestScan_Cancelled(t *testing.T) {
	cfg := testConfig(closedPort(t))
	cfg.Store.Path = filepath.Join(t.TempDir(), "results.db")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	a := New(Deps{Config: cfg, Stdout: &out})
	summary, err := a.Scan(ctx, ScanRequest{Targets: []string{"127.0.0.1", "127.0.0.2"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, summary)

	runs, err := a.Runs(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.StatusInterrupted, runs[0].Status)
}

func TestDiscover_Loopback(t *testing.T) {
	open := listen(t)

	cfg := core.Default()
	cfg.Discover.Ports = strconv.Itoa(int(open))
	cfg.Discover.TimeoutMS = 300

	var out bytes.Buffer
	a := New(Deps{Config: cfg, Stdout: &out})
	result, err := a.Discover(context.Background(), "127.0.0.1/32")
	require.NoError(t, err)

	require.Len(t, result.Live, 1)
	assert.Equal(t, "127.0.0.1", result.Live[0].String())
	assert.True(t, strings.HasPrefix(out.String(), "live hosts (1):\n127.0.0.1\n"), out.String())
}

func TestDiscover_KeepsPortOrder(t *testing.T) {
	first, second := listen(t), listen(t)

	cfg := core.Default()
	cfg.Discover.Ports = strconv.Itoa(int(second)) + "," + strconv.Itoa(int(first)) + "," + strconv.Itoa(int(second))
	cfg.Discover.TimeoutMS = 300

	a := New(Deps{Config: cfg, Stdout: &bytes.Buffer{}})
	result, err := a.Discover(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, []uint16{second, first}, result.Ports)
}

func TestDiscover_JSONL(t *testing.T) {
	open := listen(t)

	cfg := core.Default()
	cfg.Discover.Ports = strconv.Itoa(int(open))
	cfg.Output.Format = "jsonl"

	var out bytes.Buffer
	a := New(Deps{Config: cfg, Stdout: &out})
	_, err := a.Discover(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "{\"host\":\"127.0.0.1\"}\n", out.String())
}
