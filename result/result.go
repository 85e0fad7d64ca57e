// Package result implements C8: the SandboxedProcessResult returned to
// the embedding host at the end of a run, and its binary serialization
// for out-of-process consumption (spec.md §3/§6).
package result

import (
	"time"

	"github.com/sandboxreport/sandboxcore/report"
)

// AccountingInformation carries the process-tree resource totals
// rolled up from every ReportedProcess (spec.md §3).
type AccountingInformation struct {
	PeakMemoryUsageBytes uint64
	KernelTime           time.Duration
	UserTime             time.Duration
	IOReadBytes          uint64
	IOWriteBytes         uint64
	IOReadOperations     uint64
	IOWriteOperations    uint64
}

// SandboxedProcessResult is the terminal value of one run (spec.md §3).
type SandboxedProcessResult struct {
	ExitCode int32
	Killed   bool
	TimedOut bool

	// HasInjectionFailures is true when the augmented (C7) path
	// reported it could not deliver an access to the pipe.
	HasInjectionFailures bool

	SurvivingChildProcesses []report.ProcessID

	PrimaryProcessTimes   ProcessTimes
	AccountingInformation AccountingInformation

	StandardOutput InlineOrFile
	StandardError  InlineOrFile
	TraceFile      string

	FileAccesses                 []*report.FileAccess
	ExplicitlyReportedFileAccesses []*report.FileAccess
	AllUnexpectedFileAccesses    []*report.FileAccess

	Processes []*report.ReportedProcess

	// MessageProcessingFailure, non-empty, means one or more records
	// could not be decoded; the result is still usable (spec.md §7).
	MessageProcessingFailure string

	DetouringStatuses []ProcessDetouringStatus

	LastMessageCount          uint32
	LastConfirmedMessageCount uint32
	MessageCountSemaphoreCreated bool
}

// ProcessTimes mirrors the Windows-flavoured timing quad the teacher's
// own process accounting carries across; on a Unix producer, KernelTime
// and UserTime come from wait4's rusage and CreationTime/ExitTime are
// wall-clock stamps taken by the controller.
type ProcessTimes struct {
	CreationTime time.Time
	ExitTime     time.Time
	KernelTime   time.Duration
	UserTime     time.Duration
}

// ProcessDetouringStatus is one ReportType=ProcessDetouringStatus
// record folded into the result (spec.md §3).
type ProcessDetouringStatus struct {
	ProcessID       report.ProcessID
	ReportedStatus  uint32
	ProcessName     string
	StartApplicationName string
	StartCommandLine     string
}

// InlineOrFile holds captured process output either inline or, once it
// exceeds a configured threshold, spilled to a backing file on disk
// (spec.md §6; mirrors the teacher's entry-vs-overflow-file split for
// oversized ingest records).
type InlineOrFile struct {
	Inline []byte
	Path   string
}

// IsFile reports whether the content was spilled to disk.
func (f InlineOrFile) IsFile() bool { return f.Path != "" }
