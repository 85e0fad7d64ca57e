// Package aggregate implements the per-run report aggregator (C4): it
// folds decoded records (from report and resolve) into per-process
// state, deduplicates accesses, and classifies violations against the
// policy engine.
//
// State here is touched only by the single decode-loop goroutine
// (spec.md §5); no internal locking is used, matching the "single
// producer" discipline the controller (package sandbox) guarantees.
package aggregate

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sandboxreport/sandboxcore/policy"
	"github.com/sandboxreport/sandboxcore/report"
	"github.com/sandboxreport/sandboxcore/resolve"
	"github.com/sandboxreport/sandboxcore/sblog"
	"github.com/sandboxreport/sandboxcore/sideband"
)

// fingerprint keys the dedup map by (Path, Operation): records that
// share a fingerprint but differ in RequestedAccess are the tie-break
// case in spec.md §4.4 — their RequestedAccess flags are OR'd into the
// first record seen rather than creating a second entry.
type fingerprint struct {
	path      string
	operation report.Operation
}

// Aggregator holds one run's mutable report state.
type Aggregator struct {
	manifest *policy.Manifest
	resolver *resolve.Resolver
	log      *sblog.Logger

	processes map[report.ProcessID]*report.ReportedProcess

	fileAccesses          []*report.FileAccess
	explicitlyReported    []*report.FileAccess
	unexpected            []*report.FileAccess
	seen                  map[fingerprint]*report.FileAccess

	hasReadWriteToReadAccess bool

	// MessageCountTunable resolves spec.md §9(a): whether
	// AugmentedFileAccess records participate in the message-count
	// semaphore check. Default false (excluded), matching the
	// documented current protocol.
	MessageCountTunable bool

	messageFailures []string

	// confirmedMessageCount tallies count-participating records folded
	// in this run; sentMessageCount is the interception layer's own
	// claimed count, read off ProcessTreeCompletedAck (spec.md §4.5).
	confirmedMessageCount uint32
	sentMessageCount      uint32
	ackSeen               bool

	drain *explicitAccessBuffer

	perProcessSeq map[report.ProcessID]uint64

	// sideband, when non-nil, journals every allowed write under a
	// declared write-scope root (spec.md §4.6; "if the access falls
	// inside a declared write-scope, C6 journals it").
	sideband *sideband.Writer
}

// SetSidebandWriter attaches the per-pip write journal. Nil disables
// sideband journaling for the run.
func (a *Aggregator) SetSidebandWriter(w *sideband.Writer) { a.sideband = w }

// New creates an Aggregator bound to manifest and resolver for one run.
// drainCapacity sizes the explicit-access drain buffer (spec.md §4.4's
// "small write-side buffer that downstream consumers can drain without
// waiting for process termination").
func New(manifest *policy.Manifest, resolver *resolve.Resolver, log *sblog.Logger, drainCapacity int) *Aggregator {
	return &Aggregator{
		manifest:      manifest,
		resolver:      resolver,
		log:           log,
		processes:     make(map[report.ProcessID]*report.ReportedProcess),
		seen:          make(map[fingerprint]*report.FileAccess),
		drain:         newExplicitAccessBuffer(drainCapacity),
		perProcessSeq: make(map[report.ProcessID]uint64),
	}
}

// Feed folds one decoded record into the aggregate (spec.md §4.4's
// per-record pipeline). dr.Type distinguishes the OS-intercepted path
// from the augmented (C7) path, both of which land here.
func (a *Aggregator) Feed(dr report.DecodedReport) {
	switch dr.Type {
	case report.ReportTypeProcessTreeCompletedAck:
		a.recordAck(dr)
		return
	case report.ReportTypeProcessData, report.ReportTypeProcessDetouringStatus, report.ReportTypeDebugMessage:
		// Neither shape carries an Access.Process to dereference; a
		// DebugMessage additionally never participates in message-count
		// accounting (spec.md §4.5).
		return
	}

	a.tallyMessageCount(dr)

	switch dr.Operation {
	case report.OpProcess, report.OpProcessExec, report.OpCreateProcess:
		a.upsertProcess(dr)
		return
	case report.OpProcessExit:
		a.finalizeProcess(dr)
		return
	case report.OpChangedReadWriteToReadAccess:
		a.hasReadWriteToReadAccess = true
		return
	}

	access := dr.Access
	proc := a.ensureProcess(access.Process.ProcessID)
	access.Process = proc
	a.perProcessSeq[proc.ProcessID]++
	access.SetID(a.perProcessSeq[proc.ProcessID])

	canonical := access.EffectivePath()
	if canonical != "" {
		res := a.resolver.Resolve(access.Operation, canonical, access.FlagsAndAttributes)
		if res.Canonical != canonical {
			access.Path = res.Canonical
			for _, link := range res.TraversedLinks {
				a.emitSyntheticProbe(proc, link)
			}
		}
	}

	decision := a.manifest.Decide(policy.AccessRequest{
		Path:                 access.EffectivePath(),
		ProcessImage:         proc.ExecutablePath,
		RequestsWrite:        access.RequestedAccess&report.AccessWrite != 0,
		RequestsRead:         access.RequestedAccess&report.AccessRead != 0,
		RequestsProbe:        access.RequestedAccess&report.AccessProbe != 0,
		RequestsEnumerate:    access.RequestedAccess&report.AccessEnumerate != 0,
		PathExists:           !access.IsPathNotFound(),
		IsNonexistentError:   access.IsPathNotFound(),
		IsEnumerationOutcome: access.RequestedAccess&report.AccessEnumerate != 0,
		EnumeratePattern:     access.EnumeratePattern,
	})

	access.ManifestPath = decision.ManifestPath
	if access.Path == decision.ManifestPath {
		access.Path = ""
	}
	access.ExplicitlyReported = decision.ExplicitlyReported
	switch decision.Method {
	case policy.DecisionCannotDeterminePolicy:
		access.Status = report.StatusCannotDeterminePolicy
		access.Method = report.MethodPolicyBased
	case policy.DecisionTrustedTool:
		access.Status = report.StatusAllowed
		access.Method = report.MethodTrustedTool
	default:
		access.Method = report.MethodPolicyBased
		if decision.Allowed {
			access.Status = report.StatusAllowed
		} else {
			access.Status = report.StatusDenied
		}
	}

	a.insert(&access)
}

func (a *Aggregator) insert(access *report.FileAccess) {
	fp := fingerprint{path: access.EffectivePath(), operation: access.Operation}
	if existing, ok := a.seen[fp]; ok {
		// Tie-break: OR the requested-access flags into the first
		// record seen; a Write always wins for violation purposes
		// (spec.md §4.4).
		existing.RequestedAccess |= access.RequestedAccess
		if access.RequestedAccess&report.AccessWrite != 0 {
			wasUnexpected := existing.Status == report.StatusDenied || existing.Status == report.StatusCannotDeterminePolicy
			existing.Status = access.Status
			if !wasUnexpected && (access.Status == report.StatusDenied || access.Status == report.StatusCannotDeterminePolicy) {
				a.unexpected = append(a.unexpected, existing)
			}
			if a.sideband != nil && access.Status == report.StatusAllowed {
				a.sideband.RecordWrite(existing.EffectivePath())
			}
		}
		return
	}
	a.seen[fp] = access

	a.fileAccesses = append(a.fileAccesses, access)
	if access.ExplicitlyReported {
		a.explicitlyReported = append(a.explicitlyReported, access)
		a.drain.Push(access)
	}
	if access.Status == report.StatusDenied || access.Status == report.StatusCannotDeterminePolicy {
		a.unexpected = append(a.unexpected, access)
	}
	if a.sideband != nil && access.Status == report.StatusAllowed && access.RequestedAccess&report.AccessWrite != 0 {
		a.sideband.RecordWrite(access.EffectivePath())
	}
}

func (a *Aggregator) emitSyntheticProbe(proc *report.ReportedProcess, path string) {
	a.perProcessSeq[proc.ProcessID]++
	probe := &report.FileAccess{
		Operation:       report.OpProbe,
		Process:         proc,
		RequestedAccess: report.AccessProbe,
		Path:            path,
	}
	probe.SetID(a.perProcessSeq[proc.ProcessID])
	decision := a.manifest.Decide(policy.AccessRequest{Path: path, ProcessImage: proc.ExecutablePath, RequestsProbe: true})
	probe.ManifestPath = decision.ManifestPath
	if probe.Path == decision.ManifestPath {
		probe.Path = ""
	}
	probe.ExplicitlyReported = decision.ExplicitlyReported
	if decision.Allowed {
		probe.Status = report.StatusAllowed
	} else {
		probe.Status = report.StatusDenied
	}
	a.insert(probe)
}

// ensureProcess implements I1: an access whose processId has never
// been seen creates a synthetic ReportedProcess with
// ParentProcessId = 0 and logs a diagnostic.
func (a *Aggregator) ensureProcess(pid report.ProcessID) *report.ReportedProcess {
	if p, ok := a.processes[pid]; ok {
		return p
	}
	p := &report.ReportedProcess{ProcessID: pid, ParentProcessID: 0}
	a.processes[pid] = p
	if a.log != nil {
		a.log.Warnf("aggregate: synthesized ReportedProcess for unseen pid %d", uint32(pid))
	}
	return p
}

func (a *Aggregator) upsertProcess(dr report.DecodedReport) {
	pid := dr.Access.Process.ProcessID
	p, ok := a.processes[pid]
	if !ok {
		p = &report.ReportedProcess{ProcessID: pid, ParentProcessID: dr.Access.Process.ParentProcessID}
		a.processes[pid] = p
	}
	if dr.Access.Process.ExecutablePath != "" {
		p.ExecutablePath = dr.Access.Process.ExecutablePath
	}
	if dr.CommandLineTail != "" {
		p.CommandLine = dr.CommandLineTail
	}
}

func (a *Aggregator) finalizeProcess(dr report.DecodedReport) {
	pid := dr.Access.Process.ProcessID
	p := a.ensureProcess(pid)
	p.ExitCode = int32(dr.Access.Error)
	p.SetExited(true)
}

// tallyMessageCount increments the confirmed count for every
// count-participating record (spec.md §4.5): DebugMessage never
// participates (excluded before this is reached) and
// AugmentedFileAccess participates only when MessageCountTunable
// opts into it.
func (a *Aggregator) tallyMessageCount(dr report.DecodedReport) {
	if dr.Type == report.ReportTypeAugmentedFileAccess && !a.MessageCountTunable {
		return
	}
	a.confirmedMessageCount++
}

// recordAck folds a ProcessTreeCompletedAck's sent-message count,
// carried as a decimal string in the record's raw tail (spec.md §4.5).
func (a *Aggregator) recordAck(dr report.DecodedReport) {
	a.ackSeen = true
	n, err := strconv.ParseUint(strings.TrimSpace(dr.CommandLineTail), 10, 32)
	if err != nil {
		if a.log != nil {
			a.log.Warnf("aggregate: malformed ProcessTreeCompletedAck count %q: %v", dr.CommandLineTail, err)
		}
		return
	}
	a.sentMessageCount = uint32(n)
}

// ConfirmedMessageCount returns the number of count-participating
// records this run folded in.
func (a *Aggregator) ConfirmedMessageCount() uint32 { return a.confirmedMessageCount }

// SentMessageCount returns the interception layer's own claimed count
// from the ProcessTreeCompletedAck record, or 0 if none arrived.
func (a *Aggregator) SentMessageCount() uint32 { return a.sentMessageCount }

// MessageCountAckSeen reports whether a ProcessTreeCompletedAck record
// was observed this run (spec.md's MessageCountSemaphoreCreated).
func (a *Aggregator) MessageCountAckSeen() bool { return a.ackSeen }

// RecordDecodeFailure accumulates a non-fatal decode error into
// MessageProcessingFailure (spec.md §4.4/§7); repeated failures are
// the controller's signal to promote to PipeCorruption, not this
// package's concern.
func (a *Aggregator) RecordDecodeFailure(err error) {
	a.messageFailures = append(a.messageFailures, err.Error())
	if a.log != nil {
		a.log.Debugf("aggregate: decode error: %v", err)
	}
}

// MessageProcessingFailure renders the accumulated decode errors for
// the result, or "" if none occurred.
func (a *Aggregator) MessageProcessingFailure() string {
	if len(a.messageFailures) == 0 {
		return ""
	}
	return fmt.Sprintf("%d decode error(s): %v", len(a.messageFailures), a.messageFailures)
}

func (a *Aggregator) FileAccesses() []*report.FileAccess       { return a.fileAccesses }
func (a *Aggregator) ExplicitlyReported() []*report.FileAccess { return a.explicitlyReported }
func (a *Aggregator) Unexpected() []*report.FileAccess         { return a.unexpected }
func (a *Aggregator) HasReadWriteToReadFileAccessRequest() bool { return a.hasReadWriteToReadAccess }

// Processes returns every ReportedProcess seen this run, exited or not.
func (a *Aggregator) Processes() []*report.ReportedProcess {
	out := make([]*report.ReportedProcess, 0, len(a.processes))
	for _, p := range a.processes {
		out = append(out, p)
	}
	return out
}

// DrainExplicit drains up to n buffered explicitly-reported accesses
// without waiting for process termination (spec.md §4.4).
func (a *Aggregator) DrainExplicit(n int) []*report.FileAccess {
	return a.drain.Drain(n)
}
