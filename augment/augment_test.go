package augment

import (
	"os"
	"sync"
	"testing"

	"github.com/sandboxreport/sandboxcore/report"
	"github.com/stretchr/testify/require"
)

// S4 — augmented read injection round-trips through the line codec.
func TestInjectRoundTripsThroughCodec(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	writer := &Writer{f: w, pid: 7}
	require.True(t, writer.Inject("/b/c", false))
	w.Close()

	buf := make([]byte, 4096)
	n, err := r.Read(buf)
	require.NoError(t, err)

	dr, err := report.DecodeLine(trimCRLF(buf[:n]))
	require.NoError(t, err)
	require.Equal(t, report.ReportTypeAugmentedFileAccess, dr.Type)
	require.Equal(t, report.OpCreateFile, dr.Operation)
	require.Equal(t, report.AccessRead, dr.Access.RequestedAccess)
	require.Equal(t, "/b/c", dr.Access.Path)
	require.Equal(t, "/b/c", dr.RawManifestPath)
}

func TestInjectRejectsRelativePath(t *testing.T) {
	_, w, err := os.Pipe()
	require.NoError(t, err)
	defer w.Close()
	writer := &Writer{f: w, pid: 7}
	require.False(t, writer.Inject("relative/path", false))
}

func TestOpenFailsWithoutEnvVar(t *testing.T) {
	os.Unsetenv(reportFDEnvVar)
	singletonOnce = sync.Once{}
	singletonErr = nil
	singleton = nil
	_, err := Open(1)
	require.ErrorIs(t, err, ErrNoPipeHandle)
}

func trimCRLF(b []byte) []byte {
	n := len(b)
	if n > 0 && b[n-1] == '\n' {
		n--
	}
	if n > 0 && b[n-1] == '\r' {
		n--
	}
	return b[:n]
}
