// Package report implements the line-oriented report codec (C1): the
// framing between the interception layer and the host, and the data
// model for a single decoded access record.
package report

import "errors"

// ReportType is the one-byte tag that opens every framed line.
type ReportType byte

const (
	ReportTypeFileAccess ReportType = iota + 1
	ReportTypeAugmentedFileAccess
	ReportTypeProcessData
	ReportTypeProcessDetouringStatus
	ReportTypeDebugMessage
	ReportTypeProcessTreeCompletedAck
)

// Operation is the closed enumeration of intercepted call-sites.
type Operation int

const (
	OpUnknown Operation = iota
	OpCreateFile
	OpCreateDirectory
	OpRemoveDirectory
	OpGetFileAttributes
	OpGetFileAttributesEx
	OpFindFirstFileEx
	OpFindNextFile
	OpCopyFileSource
	OpCopyFileDestination
	OpCreateHardLinkSource
	OpCreateHardLinkDestination
	OpMoveFileSource
	OpMoveFileDestination
	OpRenameSource
	OpRenameDestination
	OpSetFileInformationSource
	OpSetFileInformationDestination
	OpDeleteFile
	OpProcess
	OpProcessExec
	OpProcessExit
	OpProcessBreakaway
	OpCreateSymbolicLinkSource
	OpReparsePointTarget
	OpReparsePointTargetCached
	OpChangedReadWriteToReadAccess
	OpFirstAllowWriteCheckInProcess
	OpReadlink
	OpReadFile
	OpWriteFile
	OpOpenDirectory
	OpClose
	OpProbe
	OpMultipleOperations
	OpCreateProcess
	OpProcessTreeCompletedAck
)

var opNames = map[string]Operation{
	"CreateFile":                  OpCreateFile,
	"CreateDirectory":             OpCreateDirectory,
	"RemoveDirectory":             OpRemoveDirectory,
	"GetFileAttributes":           OpGetFileAttributes,
	"GetFileAttributesEx":         OpGetFileAttributesEx,
	"FindFirstFileEx":             OpFindFirstFileEx,
	"FindNextFile":                OpFindNextFile,
	"CopyFileSource":              OpCopyFileSource,
	"CopyFileDestination":         OpCopyFileDestination,
	"CreateHardLinkSource":        OpCreateHardLinkSource,
	"CreateHardLinkDestination":   OpCreateHardLinkDestination,
	"MoveFileSource":              OpMoveFileSource,
	"MoveFileDestination":         OpMoveFileDestination,
	"RenameSource":                OpRenameSource,
	"RenameDestination":           OpRenameDestination,
	"SetFileInformationSource":      OpSetFileInformationSource,
	"SetFileInformationDestination": OpSetFileInformationDestination,
	"DeleteFile":                  OpDeleteFile,
	"Process":                     OpProcess,
	"ProcessExec":                 OpProcessExec,
	"ProcessExit":                 OpProcessExit,
	"ProcessBreakaway":            OpProcessBreakaway,
	"CreateSymbolicLinkSource":    OpCreateSymbolicLinkSource,
	"ReparsePointTarget":          OpReparsePointTarget,
	"ReparsePointTargetCached":    OpReparsePointTargetCached,
	"ChangedReadWriteToReadAccess":   OpChangedReadWriteToReadAccess,
	"FirstAllowWriteCheckInProcess":  OpFirstAllowWriteCheckInProcess,
	"Readlink":      OpReadlink,
	"ReadFile":      OpReadFile,
	"WriteFile":     OpWriteFile,
	"OpenDirectory": OpOpenDirectory,
	"Close":         OpClose,
	"Probe":         OpProbe,
	"MultipleOperations":       OpMultipleOperations,
	"CreateProcess":            OpCreateProcess,
	"ProcessTreeCompletedAck":  OpProcessTreeCompletedAck,
}

// ParseOperation maps an operation name to its enumerated value.
// Unknown names are not an error: Operation = Unknown and the record
// still flows through policy lookup and aggregation.
func ParseOperation(name string) Operation {
	if op, ok := opNames[name]; ok {
		return op
	}
	return OpUnknown
}

func (op Operation) String() string {
	for name, v := range opNames {
		if v == op {
			return name
		}
	}
	return "Unknown"
}

// RequestedAccess is a bitset of access kinds requested by one record.
type RequestedAccess uint8

const (
	AccessNone RequestedAccess = 0
	AccessRead RequestedAccess = 1 << (iota - 1)
	AccessWrite
	AccessProbe
	AccessEnumerate
	AccessEnumerationProbe
)

// Status is the outcome assigned by the policy engine.
type Status uint8

const (
	StatusNone Status = iota
	StatusAllowed
	StatusDenied
	StatusCannotDeterminePolicy
)

// Method records how Status was decided.
type Method uint8

const (
	MethodUnspecified Method = iota
	MethodPolicyBased
	MethodTrustedTool
	MethodAllowedBySingletonRule
)

// ProcessID identifies a reported process; CreationTime disambiguates
// reused OS pids.
type ProcessID uint32

// ReportedProcess is immutable after ProcessExit (spec.md §3).
type ReportedProcess struct {
	ProcessID       ProcessID
	ParentProcessID ProcessID
	ExecutablePath  string
	CommandLine     string
	CreationTime    int64 // unix nanos
	ExitTime        int64
	KernelTime      int64
	UserTime        int64
	ExitCode        int32
	IOReadBytes     uint64
	IOWriteBytes    uint64
	IOReadOps       uint64
	IOWriteOps      uint64
	exited          bool
}

// Exited reports whether a ProcessExit record has been folded in.
func (p *ReportedProcess) Exited() bool { return p.exited }

// SetExited restores the exited flag; used when reconstructing a
// ReportedProcess from a serialized result rather than live records.
func (p *ReportedProcess) SetExited(v bool) { p.exited = v }

// Equal implements the (ProcessId, CreationTime) equality rule of §3.
func (p ReportedProcess) Equal(o ReportedProcess) bool {
	return p.ProcessID == o.ProcessID && p.CreationTime == o.CreationTime
}

// FlagOpenReparsePoint is the Windows FILE_FLAG_OPEN_REPARSE_POINT bit
// in FlagsAndAttributes (spec.md §4.3): a create/open that sets it
// addresses the reparse point itself rather than following it, the
// same final-segment exemption CreateSymbolicLinkSource/DeleteFile get
// from their operation alone.
const FlagOpenReparsePoint uint32 = 0x00200000

// FileAccess is the unit of observation (ReportedFileAccess, §3).
type FileAccess struct {
	Operation          Operation
	Process            *ReportedProcess
	RequestedAccess    RequestedAccess
	Status             Status
	ExplicitlyReported bool
	Error              int32
	RawError           int64
	Usn                uint64
	DesiredAccess      uint32
	ShareMode          uint32
	CreationDisposition uint32
	FlagsAndAttributes uint32
	OpenedAttributes   uint32

	// ManifestPathID is the nearest covering manifest node, resolved by
	// the policy lookup; always valid even when Path is null (I2).
	ManifestPathID uint32
	ManifestPath   string

	// Path is empty iff it textually equals ManifestPath (I2/I7); the
	// codec and aggregator both treat "" as "use ManifestPath".
	Path string

	// EnumeratePattern is meaningful iff RequestedAccess includes
	// Enumerate (I3); zero value otherwise.
	EnumeratePattern string

	Method Method

	// id is the record's position within its process's stream,
	// supporting P3 (per-process receive order).
	id uint64
}

// ID returns the record's per-process sequence id, used to test P3.
func (a *FileAccess) ID() uint64 { return a.id }

// SetID is used by the decode loop to stamp per-process sequence
// numbers; exported so C4 can assign it without an import cycle back
// into this package's internals.
func (a *FileAccess) SetID(id uint64) { a.id = id }

// EffectivePath returns Path if set, else ManifestPath, implementing
// the I2/I7 null-means-equal-to-manifest-path convention for callers
// that just want "the path".
func (a *FileAccess) EffectivePath() string {
	if a.Path != "" {
		return a.Path
	}
	return a.ManifestPath
}

// IsPathNotFound reports whether Error denotes "path/file not found"
// on the platform that produced this record.
func (a *FileAccess) IsPathNotFound() bool {
	return a.Error == ErrCodePathNotFound || a.Error == ErrCodeFileNotFound
}

// Platform error codes recognised by IsPathNotFound. These mirror the
// well-known Win32 codes because the report stream's producer is most
// commonly a Detours-style interception layer; a Unix producer maps
// ENOENT onto ErrCodeFileNotFound at the boundary.
const (
	ErrCodeFileNotFound int32 = 2
	ErrCodePathNotFound int32 = 3
)

var (
	ErrMissingSeparator  = errors.New("report: missing ':' separator")
	ErrTooFewFields      = errors.New("report: too few fields for record type")
	ErrBadHexField       = errors.New("report: field is not valid hexadecimal")
	ErrAccessOutOfRange  = errors.New("report: requestedAccess out of range")
	ErrStatusOutOfRange  = errors.New("report: status out of range")
)

// DecodeError describes a single malformed record (record-local,
// non-fatal per spec.md §7).
type DecodeError struct {
	Offset int
	Reason error
}

func (e *DecodeError) Error() string {
	return e.Reason.Error()
}

func (e *DecodeError) Unwrap() error { return e.Reason }
