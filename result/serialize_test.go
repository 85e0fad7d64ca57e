package result

import (
	"testing"
	"time"

	"github.com/sandboxreport/sandboxcore/report"
	"github.com/stretchr/testify/require"
)

// P7 — SandboxedProcessResult survives a serialize/deserialize round
// trip byte-for-byte in its observable fields.
func TestSerializeDeserializeRoundTrip(t *testing.T) {
	proc := &report.ReportedProcess{ProcessID: 10, ParentProcessID: 1, ExecutablePath: "/bin/tool"}
	proc.SetExited(true)

	access := &report.FileAccess{
		Operation:          report.OpCreateFile,
		Process:            proc,
		RequestedAccess:    report.AccessRead,
		Status:             report.StatusAllowed,
		ExplicitlyReported: true,
		Path:               "/a/b",
		ManifestPath:       "/a",
	}
	access.SetID(1)

	r := &SandboxedProcessResult{
		ExitCode:                0,
		SurvivingChildProcesses: []report.ProcessID{99},
		PrimaryProcessTimes:     ProcessTimes{CreationTime: time.Unix(100, 0), ExitTime: time.Unix(200, 0)},
		AccountingInformation:   AccountingInformation{IOReadBytes: 4096},
		StandardOutput:          InlineOrFile{Inline: []byte("hello")},
		Processes:               []*report.ReportedProcess{proc},
		FileAccesses:            []*report.FileAccess{access},
		ExplicitlyReportedFileAccesses: []*report.FileAccess{access},
		MessageProcessingFailure: "",
		LastMessageCount:         5,
		LastConfirmedMessageCount: 5,
	}

	data, err := Serialize(r)
	require.NoError(t, err)

	got, err := Deserialize(data)
	require.NoError(t, err)

	require.Equal(t, r.ExitCode, got.ExitCode)
	require.Equal(t, r.SurvivingChildProcesses, got.SurvivingChildProcesses)
	require.Equal(t, r.AccountingInformation, got.AccountingInformation)
	require.Equal(t, []byte("hello"), got.StandardOutput.Inline)
	require.Len(t, got.Processes, 1)
	require.Equal(t, proc.ProcessID, got.Processes[0].ProcessID)
	require.True(t, got.Processes[0].Exited())
	require.Len(t, got.FileAccesses, 1)
	require.Equal(t, "/a/b", got.FileAccesses[0].Path)
	require.Len(t, got.ExplicitlyReportedFileAccesses, 1)
	require.Same(t, got.FileAccesses[0], got.ExplicitlyReportedFileAccesses[0])
}

func TestSerializeCompressesLargeInlineOutput(t *testing.T) {
	big := make([]byte, inlineCompressThreshold*4)
	for i := range big {
		big[i] = byte(i % 7)
	}
	r := &SandboxedProcessResult{StandardOutput: InlineOrFile{Inline: big}}
	data, err := Serialize(r)
	require.NoError(t, err)
	require.Less(t, len(data), len(big))

	got, err := Deserialize(data)
	require.NoError(t, err)
	require.Equal(t, big, got.StandardOutput.Inline)
}
