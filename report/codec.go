package report

import (
	"strconv"
)

// minFileAccessFields is the minimum number of '|'-separated fields
// required before the optional enumeratePattern / command-line tail
// (spec.md §4.1): processId, parentProcessId, id, correlationId,
// requestedAccess, status, explicitlyReported, error, rawError, usn,
// desiredAccess, shareMode, creationDisposition, flagsAndAttributes,
// openedFileOrDirectoryAttributes, manifestPathId, path.
const minFileAccessFields = 17

// DecodedReport is the parsed form of one framed line, handed from C1
// to the resolver/aggregator (C3/C4).
type DecodedReport struct {
	Type          ReportType
	Operation     Operation
	OperationName string

	Access FileAccess

	// CorrelationID threads ProcessExec/ProcessExit records with their
	// originating Process record.
	CorrelationID uint64

	// CommandLineTail holds the raw remainder for Process* operations,
	// where any '|' inside the command line is preserved verbatim
	// (spec.md §4.1).
	CommandLineTail string

	// RawManifestPath is the textual path field as it appeared on the
	// wire. For a real interception-layer record this is "invalid" and
	// the path is resolved via ManifestPathID instead; for an augmented
	// record (C7) it is the literal path the producer already had in
	// hand.
	RawManifestPath string
}

// DecodeLine parses one CRLF-stripped report line. Field spans are
// sliced directly out of line rather than copied; the FileAccess path
// still allocates the slice of field spans, the path string and the
// ReportedProcess it points at.
func DecodeLine(line []byte) (DecodedReport, error) {
	var out DecodedReport
	if len(line) < 2 {
		return out, &DecodeError{Offset: 0, Reason: ErrTooFewFields}
	}
	out.Type = ReportType(line[0])
	rest := line[1:]

	colon := indexByte(rest, ':')
	if colon < 0 {
		return out, &DecodeError{Offset: 1, Reason: ErrMissingSeparator}
	}
	out.OperationName = string(rest[:colon])
	out.Operation = ParseOperation(out.OperationName)

	fieldsBuf := rest[colon+1:]
	fieldStart := colon + 2 // +1 for the tag byte, +1 for ':'

	if out.Type == ReportTypeFileAccess || out.Type == ReportTypeAugmentedFileAccess {
		return decodeFileAccess(out, fieldsBuf, fieldStart)
	}

	// ProcessData / ProcessDetouringStatus / DebugMessage / ack: the
	// codec still frames them but only FileAccess shapes are validated
	// field-by-field here; the remaining payload is carried verbatim
	// for the consuming component to interpret.
	out.CommandLineTail = string(fieldsBuf)
	return out, nil
}

func decodeFileAccess(out DecodedReport, buf []byte, bufOffset int) (DecodedReport, error) {
	fields, tailOffset, ok := splitFields(buf, minFileAccessFields)
	if !ok {
		return out, &DecodeError{Offset: bufOffset, Reason: ErrTooFewFields}
	}

	pid, err := parseHex32(fields[0])
	if err != nil {
		return out, &DecodeError{Offset: bufOffset, Reason: ErrBadHexField}
	}
	ppid, err := parseHex32(fields[1])
	if err != nil {
		return out, &DecodeError{Offset: bufOffset, Reason: ErrBadHexField}
	}
	id, err := parseHex64(fields[2])
	if err != nil {
		return out, &DecodeError{Offset: bufOffset, Reason: ErrBadHexField}
	}
	corr, err := parseHex64(fields[3])
	if err != nil {
		return out, &DecodeError{Offset: bufOffset, Reason: ErrBadHexField}
	}
	reqAccess, err := parseHex8(fields[4])
	if err != nil {
		return out, &DecodeError{Offset: bufOffset, Reason: ErrBadHexField}
	}
	if reqAccess > uint8(AccessRead|AccessWrite|AccessProbe|AccessEnumerate|AccessEnumerationProbe) {
		return out, &DecodeError{Offset: bufOffset, Reason: ErrAccessOutOfRange}
	}
	status, err := parseHex8(fields[5])
	if err != nil {
		return out, &DecodeError{Offset: bufOffset, Reason: ErrBadHexField}
	}
	if status > uint8(StatusCannotDeterminePolicy) {
		return out, &DecodeError{Offset: bufOffset, Reason: ErrStatusOutOfRange}
	}
	explicit, err := parseHex8(fields[6])
	if err != nil {
		return out, &DecodeError{Offset: bufOffset, Reason: ErrBadHexField}
	}
	errCode, err := parseHex32(fields[7])
	if err != nil {
		return out, &DecodeError{Offset: bufOffset, Reason: ErrBadHexField}
	}
	rawErr, err := parseHex64(fields[8])
	if err != nil {
		return out, &DecodeError{Offset: bufOffset, Reason: ErrBadHexField}
	}
	usn, err := parseHex64(fields[9])
	if err != nil {
		return out, &DecodeError{Offset: bufOffset, Reason: ErrBadHexField}
	}
	desired, err := parseHex32(fields[10])
	if err != nil {
		return out, &DecodeError{Offset: bufOffset, Reason: ErrBadHexField}
	}
	share, err := parseHex32(fields[11])
	if err != nil {
		return out, &DecodeError{Offset: bufOffset, Reason: ErrBadHexField}
	}
	disp, err := parseHex32(fields[12])
	if err != nil {
		return out, &DecodeError{Offset: bufOffset, Reason: ErrBadHexField}
	}
	flags, err := parseHex32(fields[13])
	if err != nil {
		return out, &DecodeError{Offset: bufOffset, Reason: ErrBadHexField}
	}
	opened, err := parseHex32(fields[14])
	if err != nil {
		return out, &DecodeError{Offset: bufOffset, Reason: ErrBadHexField}
	}
	manifestPathID, err := parseHex32(fields[15])
	if err != nil {
		return out, &DecodeError{Offset: bufOffset, Reason: ErrBadHexField}
	}
	path := string(fields[16])

	out.CorrelationID = corr
	out.Access = FileAccess{
		Operation:           out.Operation,
		Process:             &ReportedProcess{ProcessID: ProcessID(pid), ParentProcessID: ProcessID(ppid)},
		RequestedAccess:     RequestedAccess(reqAccess),
		Status:              Status(status),
		ExplicitlyReported:  explicit != 0,
		Error:               int32(errCode),
		RawError:            int64(rawErr),
		Usn:                 usn,
		DesiredAccess:       uint32(desired),
		ShareMode:           uint32(share),
		CreationDisposition: uint32(disp),
		FlagsAndAttributes:  uint32(flags),
		OpenedAttributes:    uint32(opened),
		ManifestPathID:      uint32(manifestPathID),
	}
	if path != "invalid" {
		out.Access.Path = path
	}
	out.RawManifestPath = path
	out.Access.id = id

	// Remaining fields: optional enumeratePattern, then (for Process
	// operations) the command line tail, any '|' preserved verbatim.
	if len(fields) > minFileAccessFields {
		remainder := fields[minFileAccessFields:]
		switch out.Operation {
		case OpProcess, OpProcessExec, OpCreateProcess:
			out.CommandLineTail = joinPipe(remainder)
			out.Access.Process.CommandLine = out.CommandLineTail
		default:
			if out.Access.RequestedAccess&AccessEnumerate != 0 {
				out.Access.EnumeratePattern = string(remainder[0])
			}
		}
	}
	_ = tailOffset
	return out, nil
}

// EncodeAugmented renders an augmented FileAccess (C7) back into the
// wire line format. Unlike a real interception-layer record, an
// augmented record carries its path directly rather than a resolved
// manifest-path id (spec.md §4.1/§4.7): the producer already has the
// literal path in hand and there is no separate resolution pass to
// recompute it from.
func EncodeAugmented(a FileAccess) []byte {
	op := a.Operation.String()
	buf := make([]byte, 0, 128+len(a.Path))
	buf = append(buf, byte(ReportTypeAugmentedFileAccess))
	buf = append(buf, op...)
	buf = append(buf, ':')
	buf = appendHex32(buf, uint32(a.Process.ProcessID))
	buf = append(buf, '|')
	buf = appendHex32(buf, uint32(a.Process.ParentProcessID))
	buf = append(buf, '|')
	buf = appendHex64(buf, a.id)
	buf = append(buf, '|')
	buf = appendHex64(buf, 0) // correlationId: none for synthetic records
	buf = append(buf, '|')
	buf = appendHex8(buf, uint8(a.RequestedAccess))
	buf = append(buf, '|')
	buf = appendHex8(buf, uint8(a.Status))
	buf = append(buf, '|')
	if a.ExplicitlyReported {
		buf = appendHex8(buf, 1)
	} else {
		buf = appendHex8(buf, 0)
	}
	buf = append(buf, '|')
	buf = appendHex32(buf, uint32(a.Error))
	buf = append(buf, '|')
	buf = appendHex64(buf, uint64(a.RawError))
	buf = append(buf, '|')
	buf = appendHex64(buf, a.Usn)
	buf = append(buf, '|')
	buf = appendHex32(buf, a.DesiredAccess)
	buf = append(buf, '|')
	buf = appendHex32(buf, a.ShareMode)
	buf = append(buf, '|')
	buf = appendHex32(buf, a.CreationDisposition)
	buf = append(buf, '|')
	buf = appendHex32(buf, a.FlagsAndAttributes)
	buf = append(buf, '|')
	buf = appendHex32(buf, a.OpenedAttributes)
	buf = append(buf, '|')
	buf = appendHex32(buf, a.ManifestPathID)
	buf = append(buf, '|')
	buf = append(buf, a.Path...)
	buf = append(buf, '\r', '\n')
	return buf
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// splitFields splits buf on '|' into at least min fields (the last
// returned field absorbs nothing extra; callers slice further fields
// themselves via the returned slice length). Returns ok=false if fewer
// than min fields are present.
func splitFields(buf []byte, min int) (fields [][]byte, tailOffset int, ok bool) {
	start := 0
	for i := 0; i <= len(buf); i++ {
		if i == len(buf) || buf[i] == '|' {
			fields = append(fields, buf[start:i])
			start = i + 1
		}
	}
	if len(fields) < min {
		return nil, 0, false
	}
	return fields, start, true
}

func joinPipe(fields [][]byte) string {
	total := 0
	for i, f := range fields {
		total += len(f)
		if i > 0 {
			total++
		}
	}
	out := make([]byte, 0, total)
	for i, f := range fields {
		if i > 0 {
			out = append(out, '|')
		}
		out = append(out, f...)
	}
	return string(out)
}

func parseHex32(b []byte) (uint32, error) {
	v, err := strconv.ParseUint(string(b), 16, 32)
	return uint32(v), err
}

func parseHex64(b []byte) (uint64, error) {
	return strconv.ParseUint(string(b), 16, 64)
}

func parseHex8(b []byte) (uint8, error) {
	v, err := strconv.ParseUint(string(b), 16, 8)
	return uint8(v), err
}

func appendHex32(buf []byte, v uint32) []byte {
	return strconv.AppendUint(buf, uint64(v), 16)
}

func appendHex64(buf []byte, v uint64) []byte {
	return strconv.AppendUint(buf, v, 16)
}

func appendHex8(buf []byte, v uint8) []byte {
	return strconv.AppendUint(buf, uint64(v), 16)
}
