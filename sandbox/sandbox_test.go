package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/sandboxreport/sandboxcore/policy"
	"github.com/sandboxreport/sandboxcore/report"
	"github.com/sandboxreport/sandboxcore/sbconfig"
	"github.com/stretchr/testify/require"
)

func testInfo(t *testing.T, args ...string) *sbconfig.SandboxedProcessInfo {
	t.Helper()
	m := policy.New(false, policy.AllowRead, policy.AllowRead|policy.AllowWrite)
	return &sbconfig.SandboxedProcessInfo{
		FileName:           "/bin/sh",
		Arguments:          args,
		WorkingDirectory:   "/",
		FileAccessManifest: m,
		Timeout:            5 * time.Second,
	}
}

func TestRunCapturesExitCodeAndOutput(t *testing.T) {
	info := testInfo(t, "-c", "echo hello")
	c := New(info, nil)
	res, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(0), res.ExitCode)
	require.False(t, res.Killed)
	require.Contains(t, string(res.StandardOutput.Inline), "hello")
}

// P6 — a wall-clock timeout moves the run to Killed and is reflected on
// the result.
func TestRunTimesOutAndKills(t *testing.T) {
	info := testInfo(t, "-c", "sleep 30")
	info.Timeout = 200 * time.Millisecond
	c := New(info, nil)

	start := time.Now()
	res, err := c.Run(context.Background())
	elapsed := time.Since(start)

	require.True(t, res.Killed)
	require.True(t, res.TimedOut)
	require.Less(t, elapsed, 5*time.Second)
	var rf *RunFailure
	_ = rf
	_ = err
	require.Equal(t, StateKilled, c.State())
}

func TestRunSurfacesSpawnFailure(t *testing.T) {
	info := testInfo(t)
	info.FileName = "/no/such/binary-xyz"
	c := New(info, nil)
	_, err := c.Run(context.Background())
	require.Error(t, err)
	rf, ok := err.(*RunFailure)
	require.True(t, ok)
	require.Equal(t, KindSpawnFailure, rf.Kind)
}

// S6 — root exits but a detached grandchild keeps the report pipe's
// write end open past the nested-process-termination grace period; the
// controller force-kills the group and reports the still-open pid as a
// surviving child.
func TestRunForceKillsSurvivingChildrenAfterGracePeriod(t *testing.T) {
	script := "printf '\\001CreateFile:2a|0|1|0|2|1|0|0|0|0|0|0|0|0|0|0|/tmp/x\\r\\n' >&3; (sleep 5 >&3 &); exit 0"
	info := testInfo(t, "-c", script)
	info.NestedProcessTerminationTimeout = 150 * time.Millisecond
	info.Timeout = 5 * time.Second
	c := New(info, nil)

	start := time.Now()
	res, err := c.Run(context.Background())
	elapsed := time.Since(start)

	require.Less(t, elapsed, 2*time.Second)
	require.True(t, res.Killed)
	require.False(t, res.TimedOut)
	require.Contains(t, res.SurvivingChildProcesses, report.ProcessID(0x2a))

	rf, ok := err.(*RunFailure)
	require.True(t, ok)
	require.Equal(t, KindSurvivingChildren, rf.Kind)
}

// Surviving children matching AllowedSurvivingChildProcessNames don't
// count as a reportable failure.
func TestSurvivingChildrenExcludesAllowlistedNames(t *testing.T) {
	info := testInfo(t)
	info.AllowedSurvivingChildProcessNames = []string{"allowed-tool"}
	c := New(info, nil)

	c.agg.Feed(report.DecodedReport{
		Operation: report.OpProcess,
		Access: report.FileAccess{
			Process: &report.ReportedProcess{ProcessID: 42, ExecutablePath: "/usr/bin/allowed-tool"},
		},
	})
	c.agg.Feed(report.DecodedReport{
		Operation: report.OpProcess,
		Access: report.FileAccess{
			Process: &report.ReportedProcess{ProcessID: 43, ExecutablePath: "/usr/bin/unexpected-tool"},
		},
	})

	survivors := c.survivingChildren()
	require.NotContains(t, survivors, report.ProcessID(42))
	require.Contains(t, survivors, report.ProcessID(43))
}

// A ProcessTreeCompletedAck claiming more messages than the controller
// actually folded in yields KindMessageCountMismatch (spec.md §4.5).
func TestRunReportsMessageCountMismatch(t *testing.T) {
	script := "printf '\\001CreateFile:2a|0|1|0|2|1|0|0|0|0|0|0|0|0|0|0|/tmp/x\\r\\n\\006ProcessTreeCompletedAck:5\\r\\n' >&3; exit 0"
	info := testInfo(t, "-c", script)
	c := New(info, nil)

	res, err := c.Run(context.Background())
	require.True(t, res.MessageCountSemaphoreCreated)
	require.Equal(t, uint32(5), res.LastMessageCount)
	require.Equal(t, uint32(1), res.LastConfirmedMessageCount)

	rf, ok := err.(*RunFailure)
	require.True(t, ok)
	require.Equal(t, KindMessageCountMismatch, rf.Kind)
}

// DebugMessage records are logged, not aggregated, and never
// participate in the message-count check (spec.md §4.5).
func TestDebugMessageDoesNotAffectAggregateState(t *testing.T) {
	script := `printf '\005DebugMessage:{"level":"info","msg":"hello"}\r\n' >&3; exit 0`
	info := testInfo(t, "-c", script)
	c := New(info, nil)

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Empty(t, res.Processes)
	require.Equal(t, "", res.MessageProcessingFailure)
	require.Equal(t, uint32(0), res.LastConfirmedMessageCount)
}

func TestStateStringCovers(t *testing.T) {
	require.Equal(t, "Created", StateCreated.String())
	require.Equal(t, "Completed", StateCompleted.String())
}
