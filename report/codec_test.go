package report

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func buildLine(fields ...string) []byte {
	out := []byte{byte(ReportTypeFileAccess)}
	out = append(out, "CreateFile:"...)
	for i, f := range fields {
		if i > 0 {
			out = append(out, '|')
		}
		out = append(out, f...)
	}
	out = append(out, '\r', '\n')
	return out
}

func minimalFields(path string) []string {
	return []string{
		"1", "0", "1", "0", "1", "1", "0", "0", "0", "0",
		"0", "0", "0", "0", "0", "0", path,
	}
}

func TestDecodeLineMinimalFileAccess(t *testing.T) {
	line := buildLine(minimalFields("2f612f62")...)
	line = line[:len(line)-2] // DecodeLine expects CRLF already stripped
	dr, err := DecodeLine(line)
	require.NoError(t, err)
	require.Equal(t, OpCreateFile, dr.Operation)
	require.Equal(t, AccessRead, dr.Access.RequestedAccess)
	require.Equal(t, StatusAllowed, dr.Access.Status)
	require.Equal(t, "2f612f62", dr.Access.Path)
}

func TestDecodeLineInvalidManifestPathMeansLookupRequired(t *testing.T) {
	line := buildLine(minimalFields("invalid")...)
	dr, err := DecodeLine(line[:len(line)-2])
	require.NoError(t, err)
	require.Equal(t, "", dr.Access.Path)
	require.Equal(t, "invalid", dr.RawManifestPath)
}

func TestDecodeLineMissingSeparator(t *testing.T) {
	_, err := DecodeLine([]byte{byte(ReportTypeFileAccess), 'x', 'y'})
	require.Error(t, err)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
}

func TestDecodeLineTooFewFields(t *testing.T) {
	line := []byte{byte(ReportTypeFileAccess)}
	line = append(line, "CreateFile:1|0"...)
	_, err := DecodeLine(line)
	require.Error(t, err)
}

func TestDecodeLineBadHex(t *testing.T) {
	fields := minimalFields("2f78")
	fields[0] = "zz"
	line := buildLine(fields...)
	_, err := DecodeLine(line[:len(line)-2])
	require.Error(t, err)
}

func TestDecodeLineAccessOutOfRange(t *testing.T) {
	fields := minimalFields("2f78")
	fields[4] = "ff"
	line := buildLine(fields...)
	_, err := DecodeLine(line[:len(line)-2])
	require.Error(t, err)
}

func TestDecodeLineUnknownOperationStillDecodes(t *testing.T) {
	out := []byte{byte(ReportTypeFileAccess)}
	out = append(out, "SomeFutureOp:"...)
	for i, f := range minimalFields("2f78") {
		if i > 0 {
			out = append(out, '|')
		}
		out = append(out, f...)
	}
	dr, err := DecodeLine(out)
	require.NoError(t, err)
	require.Equal(t, OpUnknown, dr.Operation)
}

func TestEncodeAugmentedRoundTripsManifestPathField(t *testing.T) {
	a := FileAccess{
		Operation:       OpCreateFile,
		Process:         &ReportedProcess{ProcessID: 7, ParentProcessID: 3},
		RequestedAccess: AccessRead,
		Status:          StatusAllowed,
		Path:            "/b/c",
	}
	line := EncodeAugmented(a)
	require.Equal(t, byte(ReportTypeAugmentedFileAccess), line[0])
	dr, err := DecodeLine(line[:len(line)-2])
	require.NoError(t, err)
	require.Equal(t, "/b/c", dr.RawManifestPath)
	require.Equal(t, ProcessID(7), dr.Access.Process.ProcessID)
}

func TestEffectivePathFallsBackToManifestPath(t *testing.T) {
	a := &FileAccess{ManifestPath: "/a"}
	require.Equal(t, "/a", a.EffectivePath())
	a.Path = "/a/b"
	require.Equal(t, "/a/b", a.EffectivePath())
}

func TestParseOperationUnknown(t *testing.T) {
	require.Equal(t, OpUnknown, ParseOperation("NotARealOp"))
	require.Equal(t, OpCreateFile, ParseOperation("CreateFile"))
}
