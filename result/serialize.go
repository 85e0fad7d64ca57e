package result

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/sandboxreport/sandboxcore/report"
)

const wireVersion = 1

var (
	ErrUnsupportedVersion = errors.New("result: unsupported serialization version")
	ErrTruncated          = errors.New("result: truncated buffer")
)

// inlineCompressThreshold is the size above which StandardOutput/
// StandardError inline bytes are zstd-compressed before framing, since
// a result carrying captured console output can be large enough to
// make the difference worth it (spec.md §6 non-goal: no compression of
// the report stream itself, only of the assembled result's blobs).
const inlineCompressThreshold = 4096

// Serialize renders r into the wire format handed to an out-of-process
// consumer of a completed run. Every ReportedProcess referenced from
// FileAccesses is interned once and referred to by index, mirroring the
// teacher's tag-interning discipline in ingest's wire protocol
// (TAG_MAGIC/CONFIRM_TAG_MAGIC keep tag names out of the hot path).
func Serialize(r *SandboxedProcessResult) ([]byte, error) {
	var buf bytes.Buffer
	var hdr [2]byte
	binary.LittleEndian.PutUint16(hdr[:], wireVersion)
	buf.Write(hdr[:])

	var scalars [4]byte
	binary.LittleEndian.PutUint32(scalars[:], uint32(r.ExitCode))
	buf.Write(scalars[:])
	writeBool(&buf, r.Killed)
	writeBool(&buf, r.TimedOut)
	writeBool(&buf, r.HasInjectionFailures)

	writeVarint(&buf, uint64(len(r.SurvivingChildProcesses)))
	for _, pid := range r.SurvivingChildProcesses {
		writeUint32(&buf, uint32(pid))
	}

	writeTimes(&buf, r.PrimaryProcessTimes)
	writeAccounting(&buf, r.AccountingInformation)

	if err := writeBlob(&buf, r.StandardOutput); err != nil {
		return nil, err
	}
	if err := writeBlob(&buf, r.StandardError); err != nil {
		return nil, err
	}
	writeString(&buf, r.TraceFile)

	procIndex := internProcesses(r)
	writeVarint(&buf, uint64(len(r.Processes)))
	for _, p := range r.Processes {
		writeProcess(&buf, p)
	}

	writeAccessList(&buf, r.FileAccesses, procIndex)
	writeAccessIndices(&buf, r.FileAccesses, r.ExplicitlyReportedFileAccesses, procIndex)
	writeAccessIndices(&buf, r.FileAccesses, r.AllUnexpectedFileAccesses, procIndex)

	writeString(&buf, r.MessageProcessingFailure)

	writeVarint(&buf, uint64(len(r.DetouringStatuses)))
	for _, ds := range r.DetouringStatuses {
		writeUint32(&buf, uint32(ds.ProcessID))
		writeUint32(&buf, ds.ReportedStatus)
		writeString(&buf, ds.ProcessName)
		writeString(&buf, ds.StartApplicationName)
		writeString(&buf, ds.StartCommandLine)
	}

	writeUint32(&buf, r.LastMessageCount)
	writeUint32(&buf, r.LastConfirmedMessageCount)
	writeBool(&buf, r.MessageCountSemaphoreCreated)

	return buf.Bytes(), nil
}

// Deserialize parses a buffer produced by Serialize.
func Deserialize(data []byte) (*SandboxedProcessResult, error) {
	rd := bytes.NewReader(data)
	var hdr [2]byte
	if _, err := io.ReadFull(rd, hdr[:]); err != nil {
		return nil, ErrTruncated
	}
	if binary.LittleEndian.Uint16(hdr[:]) != wireVersion {
		return nil, ErrUnsupportedVersion
	}

	out := &SandboxedProcessResult{}
	var scalars [4]byte
	if _, err := io.ReadFull(rd, scalars[:]); err != nil {
		return nil, ErrTruncated
	}
	out.ExitCode = int32(binary.LittleEndian.Uint32(scalars[:]))

	var err error
	if out.Killed, err = readBool(rd); err != nil {
		return nil, err
	}
	if out.TimedOut, err = readBool(rd); err != nil {
		return nil, err
	}
	if out.HasInjectionFailures, err = readBool(rd); err != nil {
		return nil, err
	}

	n, err := readVarint(rd)
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < n; i++ {
		pid, err := readUint32(rd)
		if err != nil {
			return nil, err
		}
		out.SurvivingChildProcesses = append(out.SurvivingChildProcesses, report.ProcessID(pid))
	}

	if out.PrimaryProcessTimes, err = readTimes(rd); err != nil {
		return nil, err
	}
	if out.AccountingInformation, err = readAccounting(rd); err != nil {
		return nil, err
	}
	if out.StandardOutput, err = readBlob(rd); err != nil {
		return nil, err
	}
	if out.StandardError, err = readBlob(rd); err != nil {
		return nil, err
	}
	if out.TraceFile, err = readString(rd); err != nil {
		return nil, err
	}

	procCount, err := readVarint(rd)
	if err != nil {
		return nil, err
	}
	procs := make([]*report.ReportedProcess, procCount)
	for i := range procs {
		p, err := readProcess(rd)
		if err != nil {
			return nil, err
		}
		procs[i] = p
	}
	out.Processes = procs

	if out.FileAccesses, err = readAccessList(rd, procs); err != nil {
		return nil, err
	}
	if out.ExplicitlyReportedFileAccesses, err = readAccessIndices(rd, out.FileAccesses); err != nil {
		return nil, err
	}
	if out.AllUnexpectedFileAccesses, err = readAccessIndices(rd, out.FileAccesses); err != nil {
		return nil, err
	}

	if out.MessageProcessingFailure, err = readString(rd); err != nil {
		return nil, err
	}

	dsCount, err := readVarint(rd)
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < dsCount; i++ {
		var ds ProcessDetouringStatus
		pid, err := readUint32(rd)
		if err != nil {
			return nil, err
		}
		ds.ProcessID = report.ProcessID(pid)
		if ds.ReportedStatus, err = readUint32(rd); err != nil {
			return nil, err
		}
		if ds.ProcessName, err = readString(rd); err != nil {
			return nil, err
		}
		if ds.StartApplicationName, err = readString(rd); err != nil {
			return nil, err
		}
		if ds.StartCommandLine, err = readString(rd); err != nil {
			return nil, err
		}
		out.DetouringStatuses = append(out.DetouringStatuses, ds)
	}

	if out.LastMessageCount, err = readUint32(rd); err != nil {
		return nil, err
	}
	if out.LastConfirmedMessageCount, err = readUint32(rd); err != nil {
		return nil, err
	}
	if out.MessageCountSemaphoreCreated, err = readBool(rd); err != nil {
		return nil, err
	}
	return out, nil
}

func internProcesses(r *SandboxedProcessResult) map[*report.ReportedProcess]int {
	idx := make(map[*report.ReportedProcess]int, len(r.Processes))
	for i, p := range r.Processes {
		idx[p] = i
	}
	return idx
}

func writeAccessList(buf *bytes.Buffer, accesses []*report.FileAccess, procIndex map[*report.ReportedProcess]int) {
	writeVarint(buf, uint64(len(accesses)))
	for _, a := range accesses {
		writeAccess(buf, a, procIndex)
	}
}

func readAccessList(r *bytes.Reader, procs []*report.ReportedProcess) ([]*report.FileAccess, error) {
	n, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	out := make([]*report.FileAccess, n)
	for i := range out {
		a, err := readAccess(r, procs)
		if err != nil {
			return nil, err
		}
		out[i] = a
	}
	return out, nil
}

// writeAccessIndices encodes subset as a list of indices into full,
// since ExplicitlyReported/Unexpected are always subsets of FileAccesses.
func writeAccessIndices(buf *bytes.Buffer, full, subset []*report.FileAccess, _ map[*report.ReportedProcess]int) {
	pos := make(map[*report.FileAccess]int, len(full))
	for i, a := range full {
		pos[a] = i
	}
	writeVarint(buf, uint64(len(subset)))
	for _, a := range subset {
		writeVarint(buf, uint64(pos[a]))
	}
}

func readAccessIndices(r *bytes.Reader, full []*report.FileAccess) ([]*report.FileAccess, error) {
	n, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	out := make([]*report.FileAccess, 0, n)
	for i := uint64(0); i < n; i++ {
		idx, err := readVarint(r)
		if err != nil {
			return nil, err
		}
		if idx >= uint64(len(full)) {
			return nil, ErrTruncated
		}
		out = append(out, full[idx])
	}
	return out, nil
}

func writeAccess(buf *bytes.Buffer, a *report.FileAccess, procIndex map[*report.ReportedProcess]int) {
	writeVarint(buf, uint64(a.Operation))
	buf.WriteByte(uint8(a.RequestedAccess))
	buf.WriteByte(uint8(a.Status))
	writeBool(buf, a.ExplicitlyReported)
	writeInt32(buf, a.Error)
	writeInt64(buf, a.RawError)
	writeUint64(buf, a.Usn)
	writeUint32(buf, a.DesiredAccess)
	writeUint32(buf, a.ShareMode)
	writeUint32(buf, a.CreationDisposition)
	writeUint32(buf, a.FlagsAndAttributes)
	writeUint32(buf, a.OpenedAttributes)
	writeUint32(buf, a.ManifestPathID)
	writeString(buf, a.ManifestPath)
	writeString(buf, a.Path)
	writeString(buf, a.EnumeratePattern)
	buf.WriteByte(uint8(a.Method))
	writeUint64(buf, a.ID())
	if idx, ok := procIndex[a.Process]; ok {
		writeVarint(buf, uint64(idx+1))
	} else {
		writeVarint(buf, 0)
	}
}

func readAccess(r *bytes.Reader, procs []*report.ReportedProcess) (*report.FileAccess, error) {
	a := &report.FileAccess{}
	op, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	a.Operation = report.Operation(op)

	b, err := r.ReadByte()
	if err != nil {
		return nil, ErrTruncated
	}
	a.RequestedAccess = report.RequestedAccess(b)
	if b, err = r.ReadByte(); err != nil {
		return nil, ErrTruncated
	}
	a.Status = report.Status(b)
	if a.ExplicitlyReported, err = readBool(r); err != nil {
		return nil, err
	}
	if a.Error, err = readInt32(r); err != nil {
		return nil, err
	}
	if a.RawError, err = readInt64(r); err != nil {
		return nil, err
	}
	if a.Usn, err = readUint64(r); err != nil {
		return nil, err
	}
	if a.DesiredAccess, err = readUint32(r); err != nil {
		return nil, err
	}
	if a.ShareMode, err = readUint32(r); err != nil {
		return nil, err
	}
	if a.CreationDisposition, err = readUint32(r); err != nil {
		return nil, err
	}
	if a.FlagsAndAttributes, err = readUint32(r); err != nil {
		return nil, err
	}
	if a.OpenedAttributes, err = readUint32(r); err != nil {
		return nil, err
	}
	if a.ManifestPathID, err = readUint32(r); err != nil {
		return nil, err
	}
	if a.ManifestPath, err = readString(r); err != nil {
		return nil, err
	}
	if a.Path, err = readString(r); err != nil {
		return nil, err
	}
	if a.EnumeratePattern, err = readString(r); err != nil {
		return nil, err
	}
	if b, err = r.ReadByte(); err != nil {
		return nil, ErrTruncated
	}
	a.Method = report.Method(b)
	id, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	a.SetID(id)

	procIdx, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	if procIdx > 0 && int(procIdx-1) < len(procs) {
		a.Process = procs[procIdx-1]
	}
	return a, nil
}

func writeProcess(buf *bytes.Buffer, p *report.ReportedProcess) {
	writeUint32(buf, uint32(p.ProcessID))
	writeUint32(buf, uint32(p.ParentProcessID))
	writeString(buf, p.ExecutablePath)
	writeString(buf, p.CommandLine)
	writeInt64(buf, p.CreationTime)
	writeInt64(buf, p.ExitTime)
	writeInt64(buf, p.KernelTime)
	writeInt64(buf, p.UserTime)
	writeInt32(buf, p.ExitCode)
	writeUint64(buf, p.IOReadBytes)
	writeUint64(buf, p.IOWriteBytes)
	writeUint64(buf, p.IOReadOps)
	writeUint64(buf, p.IOWriteOps)
	writeBool(buf, p.Exited())
}

func readProcess(r *bytes.Reader) (*report.ReportedProcess, error) {
	p := &report.ReportedProcess{}
	pid, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	p.ProcessID = report.ProcessID(pid)
	ppid, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	p.ParentProcessID = report.ProcessID(ppid)
	if p.ExecutablePath, err = readString(r); err != nil {
		return nil, err
	}
	if p.CommandLine, err = readString(r); err != nil {
		return nil, err
	}
	if p.CreationTime, err = readInt64(r); err != nil {
		return nil, err
	}
	if p.ExitTime, err = readInt64(r); err != nil {
		return nil, err
	}
	if p.KernelTime, err = readInt64(r); err != nil {
		return nil, err
	}
	if p.UserTime, err = readInt64(r); err != nil {
		return nil, err
	}
	if p.ExitCode, err = readInt32(r); err != nil {
		return nil, err
	}
	if p.IOReadBytes, err = readUint64(r); err != nil {
		return nil, err
	}
	if p.IOWriteBytes, err = readUint64(r); err != nil {
		return nil, err
	}
	if p.IOReadOps, err = readUint64(r); err != nil {
		return nil, err
	}
	if p.IOWriteOps, err = readUint64(r); err != nil {
		return nil, err
	}
	exited, err := readBool(r)
	if err != nil {
		return nil, err
	}
	p.SetExited(exited)
	return p, nil
}

func writeTimes(buf *bytes.Buffer, t ProcessTimes) {
	writeInt64(buf, t.CreationTime.UnixNano())
	writeInt64(buf, t.ExitTime.UnixNano())
	writeInt64(buf, int64(t.KernelTime))
	writeInt64(buf, int64(t.UserTime))
}

func readTimes(r *bytes.Reader) (ProcessTimes, error) {
	var t ProcessTimes
	creation, err := readInt64(r)
	if err != nil {
		return t, err
	}
	exit, err := readInt64(r)
	if err != nil {
		return t, err
	}
	kernel, err := readInt64(r)
	if err != nil {
		return t, err
	}
	user, err := readInt64(r)
	if err != nil {
		return t, err
	}
	t.CreationTime = time.Unix(0, creation)
	t.ExitTime = time.Unix(0, exit)
	t.KernelTime = time.Duration(kernel)
	t.UserTime = time.Duration(user)
	return t, nil
}

func writeAccounting(buf *bytes.Buffer, a AccountingInformation) {
	writeUint64(buf, a.PeakMemoryUsageBytes)
	writeInt64(buf, int64(a.KernelTime))
	writeInt64(buf, int64(a.UserTime))
	writeUint64(buf, a.IOReadBytes)
	writeUint64(buf, a.IOWriteBytes)
	writeUint64(buf, a.IOReadOperations)
	writeUint64(buf, a.IOWriteOperations)
}

func readAccounting(r *bytes.Reader) (AccountingInformation, error) {
	var a AccountingInformation
	var err error
	if a.PeakMemoryUsageBytes, err = readUint64(r); err != nil {
		return a, err
	}
	kernel, err := readInt64(r)
	if err != nil {
		return a, err
	}
	user, err := readInt64(r)
	if err != nil {
		return a, err
	}
	a.KernelTime = time.Duration(kernel)
	a.UserTime = time.Duration(user)
	if a.IOReadBytes, err = readUint64(r); err != nil {
		return a, err
	}
	if a.IOWriteBytes, err = readUint64(r); err != nil {
		return a, err
	}
	if a.IOReadOperations, err = readUint64(r); err != nil {
		return a, err
	}
	if a.IOWriteOperations, err = readUint64(r); err != nil {
		return a, err
	}
	return a, nil
}

// writeBlob frames an InlineOrFile, zstd-compressing inline content
// above inlineCompressThreshold (spec.md §6 leaves the result's own
// wire shape unspecified; only the report-stream codec is required to
// stay uncompressed).
func writeBlob(buf *bytes.Buffer, f InlineOrFile) error {
	writeBool(buf, f.IsFile())
	writeString(buf, f.Path)
	if f.IsFile() {
		return nil
	}
	compressed := len(f.Inline) > inlineCompressThreshold
	writeBool(buf, compressed)
	if !compressed {
		writeVarint(buf, uint64(len(f.Inline)))
		buf.Write(f.Inline)
		return nil
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}
	defer enc.Close()
	out := enc.EncodeAll(f.Inline, nil)
	writeVarint(buf, uint64(len(out)))
	buf.Write(out)
	return nil
}

func readBlob(r *bytes.Reader) (InlineOrFile, error) {
	var f InlineOrFile
	isFile, err := readBool(r)
	if err != nil {
		return f, err
	}
	if f.Path, err = readString(r); err != nil {
		return f, err
	}
	if isFile {
		return f, nil
	}
	compressed, err := readBool(r)
	if err != nil {
		return f, err
	}
	n, err := readVarint(r)
	if err != nil {
		return f, err
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return f, ErrTruncated
	}
	if !compressed {
		f.Inline = raw
		return f, nil
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return f, err
	}
	defer dec.Close()
	out, err := dec.DecodeAll(raw, nil)
	if err != nil {
		return f, err
	}
	f.Inline = out
	return f, nil
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, ErrTruncated
	}
	return b != 0, nil
}

func writeString(buf *bytes.Buffer, s string) {
	writeVarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readVarint(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", ErrTruncated
	}
	return string(b), nil
}

func writeVarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func readVarint(r *bytes.Reader) (uint64, error) {
	v, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, ErrTruncated
	}
	return v, nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, ErrTruncated
	}
	return binary.LittleEndian.Uint32(tmp[:]), nil
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var tmp [8]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, ErrTruncated
	}
	return binary.LittleEndian.Uint64(tmp[:]), nil
}

func writeInt32(buf *bytes.Buffer, v int32) { writeUint32(buf, uint32(v)) }
func readInt32(r *bytes.Reader) (int32, error) {
	v, err := readUint32(r)
	return int32(v), err
}

func writeInt64(buf *bytes.Buffer, v int64) { writeUint64(buf, uint64(v)) }
func readInt64(r *bytes.Reader) (int64, error) {
	v, err := readUint64(r)
	return int64(v), err
}
