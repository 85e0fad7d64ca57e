package aggregate

import (
	"testing"

	"github.com/sandboxreport/sandboxcore/policy"
	"github.com/sandboxreport/sandboxcore/report"
	"github.com/sandboxreport/sandboxcore/resolve"
	"github.com/stretchr/testify/require"
)

func newTestAggregator(m *policy.Manifest) *Aggregator {
	return New(m, resolve.New(nil), nil, 16)
}

func accessRecord(pid report.ProcessID, op report.Operation, reqAccess report.RequestedAccess, path string) report.DecodedReport {
	return report.DecodedReport{
		Operation: op,
		Access: report.FileAccess{
			Operation:       op,
			Process:         &report.ReportedProcess{ProcessID: pid},
			RequestedAccess: reqAccess,
			Path:            path,
		},
	}
}

// S1 — single read, allowed.
func TestScenarioS1SingleReadAllowed(t *testing.T) {
	m := policy.New(false, 0, policy.AllowRead|policy.AllowReadIfNonexistent)
	m.AddPath("/a").Policy = policy.AllowRead | policy.AllowReadIfNonexistent
	m.AddPath("/a").Scope = policy.AllowRead | policy.AllowReadIfNonexistent

	agg := newTestAggregator(m)
	agg.Feed(accessRecord(1, report.OpCreateFile, report.AccessRead, "/a/b"))

	require.Len(t, agg.FileAccesses(), 1)
	require.Equal(t, report.StatusAllowed, agg.FileAccesses()[0].Status)
	require.False(t, agg.FileAccesses()[0].ExplicitlyReported)
	require.Empty(t, agg.Unexpected())
}

// S2 — write outside write-scope.
func TestScenarioS2WriteOutsideScopeDenied(t *testing.T) {
	m := policy.New(false, 0, policy.AllowRead)
	a := m.AddPath("/a")
	a.Policy = policy.AllowRead
	a.Scope = policy.AllowRead

	agg := newTestAggregator(m)
	agg.Feed(accessRecord(1, report.OpCreateFile, report.AccessWrite, "/a/x"))

	require.Len(t, agg.Unexpected(), 1)
	require.Equal(t, report.StatusDenied, agg.Unexpected()[0].Status)
	require.Len(t, agg.FileAccesses(), 1)
}

func TestI1SyntheticProcessOnUnseenPid(t *testing.T) {
	m := policy.New(false, 0, policy.AllowRead)
	agg := newTestAggregator(m)
	agg.Feed(accessRecord(42, report.OpCreateFile, report.AccessRead, "/x"))

	procs := agg.Processes()
	require.Len(t, procs, 1)
	require.Equal(t, report.ProcessID(42), procs[0].ProcessID)
	require.Equal(t, report.ProcessID(0), procs[0].ParentProcessID)
}

func TestDedupOrsRequestedAccessAndWriteWins(t *testing.T) {
	m := policy.New(false, 0, policy.AllowRead|policy.AllowWrite)
	a := m.AddPath("/a")
	a.Policy = policy.AllowRead | policy.AllowWrite
	a.Scope = policy.AllowRead | policy.AllowWrite

	agg := newTestAggregator(m)
	agg.Feed(accessRecord(1, report.OpCreateFile, report.AccessProbe, "/a/f"))
	agg.Feed(accessRecord(1, report.OpCreateFile, report.AccessWrite, "/a/f"))

	require.Len(t, agg.FileAccesses(), 1)
	first := agg.FileAccesses()[0]
	require.Equal(t, report.AccessProbe|report.AccessWrite, first.RequestedAccess)
	require.Equal(t, report.StatusAllowed, first.Status)
}

func TestChangedReadWriteToReadAccessFlag(t *testing.T) {
	m := policy.New(false, 0, 0)
	agg := newTestAggregator(m)
	dr := report.DecodedReport{
		Operation: report.OpChangedReadWriteToReadAccess,
		Access:    report.FileAccess{Process: &report.ReportedProcess{ProcessID: 1}},
	}
	agg.Feed(dr)
	require.True(t, agg.HasReadWriteToReadFileAccessRequest())
}

func TestProcessExitFinalizes(t *testing.T) {
	m := policy.New(false, 0, 0)
	agg := newTestAggregator(m)
	agg.Feed(report.DecodedReport{
		Operation: report.OpProcess,
		Access:    report.FileAccess{Process: &report.ReportedProcess{ProcessID: 1, ExecutablePath: "a.exe"}},
	})
	agg.Feed(report.DecodedReport{
		Operation: report.OpProcessExit,
		Access:    report.FileAccess{Process: &report.ReportedProcess{ProcessID: 1}, Error: 7},
	})
	procs := agg.Processes()
	require.Len(t, procs, 1)
	require.True(t, procs[0].Exited())
	require.Equal(t, int32(7), procs[0].ExitCode)
}

func TestDrainExplicitReturnsBufferedAccesses(t *testing.T) {
	m := policy.New(false, 0, policy.ReportAccessIfExistent|policy.AllowRead)
	a := m.AddPath("/a")
	a.Policy = policy.ReportAccessIfExistent | policy.AllowRead
	a.Scope = policy.ReportAccessIfExistent | policy.AllowRead

	agg := newTestAggregator(m)
	agg.Feed(accessRecord(1, report.OpCreateFile, report.AccessRead, "/a/1"))
	agg.Feed(accessRecord(1, report.OpCreateFile, report.AccessRead, "/a/2"))

	drained := agg.DrainExplicit(10)
	require.Len(t, drained, 2)
}

func TestMessageProcessingFailureAccumulates(t *testing.T) {
	m := policy.New(false, 0, 0)
	agg := newTestAggregator(m)
	require.Equal(t, "", agg.MessageProcessingFailure())
	agg.RecordDecodeFailure(report.ErrMissingSeparator)
	require.Contains(t, agg.MessageProcessingFailure(), "1 decode error")
}

func TestMessageCountExcludesDebugAndUntunableAugmented(t *testing.T) {
	m := policy.New(false, 0, policy.AllowRead)
	agg := newTestAggregator(m)

	agg.Feed(accessRecord(1, report.OpCreateFile, report.AccessRead, "/a"))
	agg.Feed(report.DecodedReport{Type: report.ReportTypeDebugMessage, CommandLineTail: "hello"})
	augmented := accessRecord(1, report.OpCreateFile, report.AccessRead, "/b")
	augmented.Type = report.ReportTypeAugmentedFileAccess
	agg.Feed(augmented)

	require.Equal(t, uint32(1), agg.ConfirmedMessageCount())
}

func TestMessageCountTunableIncludesAugmented(t *testing.T) {
	m := policy.New(false, 0, policy.AllowRead)
	agg := newTestAggregator(m)
	agg.MessageCountTunable = true

	augmented := accessRecord(1, report.OpCreateFile, report.AccessRead, "/b")
	augmented.Type = report.ReportTypeAugmentedFileAccess
	agg.Feed(augmented)

	require.Equal(t, uint32(1), agg.ConfirmedMessageCount())
}

func TestProcessTreeCompletedAckRecordsSentCount(t *testing.T) {
	m := policy.New(false, 0, 0)
	agg := newTestAggregator(m)

	require.False(t, agg.MessageCountAckSeen())
	agg.Feed(report.DecodedReport{Type: report.ReportTypeProcessTreeCompletedAck, CommandLineTail: "3"})

	require.True(t, agg.MessageCountAckSeen())
	require.Equal(t, uint32(3), agg.SentMessageCount())
}

func TestFeedIgnoresNonFileAccessShapedRecordsSafely(t *testing.T) {
	m := policy.New(false, 0, 0)
	agg := newTestAggregator(m)

	require.NotPanics(t, func() {
		agg.Feed(report.DecodedReport{Type: report.ReportTypeProcessData, Operation: report.OpProcess})
		agg.Feed(report.DecodedReport{Type: report.ReportTypeProcessDetouringStatus, Operation: report.OpProcessExit})
	})
	require.Empty(t, agg.Processes())
}
