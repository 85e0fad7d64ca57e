// Package sandbox implements C5, the process-tree lifecycle controller:
// it spawns the target process, owns the single decode loop that feeds
// C1/C3/C4, waits out the tree, enforces timeouts, and hands off to C8
// for result assembly.
//
// Grounded on the teacher's manager/process.go: the same Setpgid +
// exitstatus-channel + kill-the-group-on-timeout discipline (without the
// teacher's SIGINT grace period; see killProcessGroup), adapted
// from "supervise and restart a long-lived daemon" to "run one pip to
// completion and report exactly what happened."
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/sandboxreport/sandboxcore/aggregate"
	"github.com/sandboxreport/sandboxcore/report"
	"github.com/sandboxreport/sandboxcore/resolve"
	"github.com/sandboxreport/sandboxcore/result"
	"github.com/sandboxreport/sandboxcore/sbconfig"
	"github.com/sandboxreport/sandboxcore/sblog"
	"github.com/sandboxreport/sandboxcore/sideband"
)

// State is the controller's lifecycle stage (spec.md §5).
type State int

const (
	StateCreated State = iota
	StateStarted
	StateRunning
	StateDraining
	StateCompleted
	StateFailed
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateStarted:
		return "Started"
	case StateRunning:
		return "Running"
	case StateDraining:
		return "Draining"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	case StateKilled:
		return "Killed"
	}
	return "Unknown"
}

// Kind classifies a run-level failure (spec.md §7).
type Kind int

const (
	KindNone Kind = iota
	KindDecodeError
	KindPipeCorruption
	KindPolicyLookupUnresolvable
	KindResolutionFailure
	KindInjectionFailure
	KindSpawnFailure
	KindSurvivingChildren
	KindTimeout
	KindMessageCountMismatch
)

func (k Kind) String() string {
	switch k {
	case KindDecodeError:
		return "DecodeError"
	case KindPipeCorruption:
		return "PipeCorruption"
	case KindPolicyLookupUnresolvable:
		return "PolicyLookupUnresolvable"
	case KindResolutionFailure:
		return "ResolutionFailure"
	case KindInjectionFailure:
		return "InjectionFailure"
	case KindSpawnFailure:
		return "SpawnFailure"
	case KindSurvivingChildren:
		return "SurvivingChildren"
	case KindTimeout:
		return "Timeout"
	case KindMessageCountMismatch:
		return "MessageCountMismatch"
	}
	return "None"
}

// RunFailure is a run-level (as opposed to record-local) error that
// unwinds the controller into Failed or Killed (spec.md §7).
type RunFailure struct {
	Kind Kind
	Err  error
}

func (f *RunFailure) Error() string {
	if f.Err == nil {
		return f.Kind.String()
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *RunFailure) Unwrap() error { return f.Err }

// ReportFDEnvVar is the well-known environment variable carrying the
// inherited report-pipe file descriptor number, read by package augment
// in a cooperating child (spec.md §4.6).
const ReportFDEnvVar = "SANDBOXCORE_REPORT_FD"

// PipIDEnvVar carries the run's PipId into the child's environment
// alongside the fd. Package augment does not read it.
const PipIDEnvVar = "SANDBOXCORE_PIP_ID"

// defaultNestedProcessTerminationTimeout applies when
// info.NestedProcessTerminationTimeout is unset (spec.md §4.5).
const defaultNestedProcessTerminationTimeout = 500 * time.Millisecond

// OnFileAccess, when set on the Controller, is invoked synchronously
// from the decode loop — the detoursEventListener-equivalent observer
// hook (SPEC_FULL.md §5). It receives each successfully decoded record's
// access as it came off the wire, before the aggregator classifies it:
// Status, Method and ManifestPath are the wire values, not the policy
// decision. Every record except Process, ProcessExec, ProcessExit and
// DebugMessage is passed, including records that carry no file access.
type OnFileAccess func(*report.FileAccess)

// Controller runs one pip to completion.
type Controller struct {
	info     *sbconfig.SandboxedProcessInfo
	agg      *aggregate.Aggregator
	resolver *resolve.Resolver
	log      *sblog.Logger

	onAccess OnFileAccess
	sbWriter *sideband.Writer

	mtx   sync.Mutex
	state State
}

// New creates a Controller for one run. info.FileAccessManifest must be
// non-nil. The resolver is always constructed internally; a nil log is
// replaced by a discarding logger.
func New(info *sbconfig.SandboxedProcessInfo, log *sblog.Logger) *Controller {
	if log == nil {
		log = sblog.Discard()
	}
	resolver := resolve.New(info.FileAccessManifest.Translations)
	agg := aggregate.New(info.FileAccessManifest, resolver, log, 256)

	c := &Controller{
		info:     info,
		agg:      agg,
		resolver: resolver,
		log:      log,
	}
	if info.SidebandRoot != "" {
		w, err := sideband.NewWriter(info.SidebandRoot, info.FileAccessManifest.PipID, nil, info.WriteScopeRoots)
		if err != nil {
			log.Warnf("sandbox: sideband writer unavailable: %v", err)
		} else {
			c.sbWriter = w
			agg.SetSidebandWriter(w)
		}
	}
	return c
}

// OnFileAccess registers the observer hook.
func (c *Controller) OnFileAccess(fn OnFileAccess) { c.onAccess = fn }

func (c *Controller) setState(s State) {
	c.mtx.Lock()
	c.state = s
	c.mtx.Unlock()
}

// State returns the controller's current lifecycle stage.
func (c *Controller) State() State {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.state
}

type exitstatus struct {
	code int
	err  error
}

// Run spawns info.FileName, drives it to completion, and assembles the
// result. ctx cancellation or info.Timeout elapsing moves the run to
// Killed via an out-of-band terminate of the whole process group,
// matching the teacher's requestKill discipline.
func (c *Controller) Run(ctx context.Context) (*result.SandboxedProcessResult, error) {
	c.log.Infof("sandbox: starting pip %s (%s)", c.info.FileAccessManifest.PipID, c.info.FileName)

	rPipe, wPipe, err := os.Pipe()
	if err != nil {
		return nil, &RunFailure{Kind: KindSpawnFailure, Err: err}
	}

	cmd := exec.Command(c.info.FileName, c.info.Arguments...)
	cmd.Dir = c.info.WorkingDirectory
	cmd.Env = buildEnv(c.info.EnvironmentVariables, c.info.FileAccessManifest.PipID)
	cmd.ExtraFiles = []*os.File{wPipe}
	cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%d", ReportFDEnvVar, 2+len(cmd.ExtraFiles)))
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		rPipe.Close()
		wPipe.Close()
		c.setState(StateFailed)
		return nil, &RunFailure{Kind: KindSpawnFailure, Err: err}
	}
	wPipe.Close() // the host's copy; the child keeps its inherited copy open
	c.setState(StateStarted)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if c.info.Timeout > 0 {
		var timeoutCancel context.CancelFunc
		runCtx, timeoutCancel = context.WithTimeout(runCtx, c.info.Timeout)
		defer timeoutCancel()
	}

	exitCh := make(chan exitstatus, 1)
	go func() {
		err := cmd.Wait()
		es := exitstatus{}
		if err != nil {
			es.err = err
			if exitErr, ok := err.(*exec.ExitError); ok {
				if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
					es.code = ws.ExitStatus()
				}
			}
		}
		exitCh <- es
	}()

	var g errgroup.Group
	decodeErrCh := make(chan error, 1)
	g.Go(func() error {
		err := c.decodeLoop(runCtx, rPipe)
		decodeErrCh <- err
		return err
	})

	var es exitstatus
	var timedOut, killed, survivingChildrenKilled bool
	select {
	case <-runCtx.Done():
		timedOut = errOf(runCtx) == context.DeadlineExceeded
		killed = true
		killProcessGroup(cmd)
		es = <-exitCh
	case es = <-exitCh:
		c.setState(StateDraining)
	}

	// On an out-of-band kill the whole process group is already gone,
	// so every inherited copy of the pipe's write end has closed and
	// the decode loop will observe a genuine EOF shortly.
	//
	// On a normal root exit a forked descendant may still hold the
	// pipe open; give it info.NestedProcessTerminationTimeout to close
	// it on its own before forcing the issue (spec.md §4.5 scenario
	// S6). Closing rPipe here unconditionally, before that grace
	// period, would force a non-EOF read error and misclassify the
	// run as pipe corruption instead of a surviving-child timeout.
	var decodeErr error
	if killed {
		decodeErr = <-decodeErrCh
	} else {
		grace := c.info.NestedProcessTerminationTimeout
		if grace <= 0 {
			grace = defaultNestedProcessTerminationTimeout
		}
		timeout := time.After(grace)
		select {
		case decodeErr = <-decodeErrCh:
		case <-timeout:
			killProcessGroup(cmd)
			survivingChildrenKilled = true
			decodeErr = <-decodeErrCh
		}
	}
	_ = g.Wait()
	rPipe.Close()

	if killed {
		c.setState(StateKilled)
	} else if survivingChildrenKilled {
		c.setState(StateKilled)
	} else if decodeErr != nil {
		c.setState(StateFailed)
	} else {
		c.setState(StateCompleted)
	}

	if c.sbWriter != nil {
		if err := c.sbWriter.Close(); err != nil {
			c.log.Warnf("sandbox: sideband writer close failed: %v", err)
		}
	}

	res := c.assembleResult(es, killed || survivingChildrenKilled, timedOut, stdout.Bytes(), stderr.Bytes())
	if decodeErr != nil {
		return res, &RunFailure{Kind: KindPipeCorruption, Err: decodeErr}
	}
	if survivingChildrenKilled && len(res.SurvivingChildProcesses) > 0 {
		return res, &RunFailure{Kind: KindSurvivingChildren}
	}
	if res.MessageCountSemaphoreCreated && res.LastMessageCount != res.LastConfirmedMessageCount {
		return res, &RunFailure{Kind: KindMessageCountMismatch}
	}
	return res, nil
}

func errOf(ctx context.Context) error {
	return ctx.Err()
}

// decodeLoop is the single cooperative loop that owns C1/C3/C4 (spec.md
// §5); it is the only writer of aggregator state.
func (c *Controller) decodeLoop(ctx context.Context, r *os.File) error {
	pr := report.NewPipeReader(r, nil)
	for {
		line, err := pr.ReadLine(ctx)
		if len(line) > 0 {
			dr, derr := report.DecodeLine(line)
			if derr != nil {
				c.agg.RecordDecodeFailure(derr)
			} else if dr.Type == report.ReportTypeDebugMessage {
				c.handleDebugMessage(dr)
			} else {
				c.agg.Feed(dr)
				if c.onAccess != nil && dr.Operation != report.OpProcess &&
					dr.Operation != report.OpProcessExec && dr.Operation != report.OpProcessExit {
					c.onAccess(&dr.Access)
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// handleDebugMessage logs a DebugMessage record's free-form diagnostic
// payload (spec.md §4.5: DebugMessage never participates in aggregate
// state or the message-count check). The payload is commonly a JSON
// blob from the interception layer; a non-JSON payload is logged raw.
func (c *Controller) handleDebugMessage(dr report.DecodedReport) {
	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(dr.CommandLineTail), &fields); err != nil {
		c.log.Debugf("sandbox: debug message: %s", dr.CommandLineTail)
		return
	}
	c.log.Debugf("sandbox: debug message: %v", fields)
}

// killProcessGroup sends SIGKILL to the entire process group, mirroring
// the teacher's requestKill but skipping the SIGINT grace period: a
// sandboxed-process timeout or cancellation is unconditional.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, err := unix.Getpgid(cmd.Process.Pid)
	if err != nil {
		_ = cmd.Process.Kill()
		return
	}
	_ = unix.Kill(-pgid, unix.SIGKILL)
}

// survivingChildren returns any pid reported as a child of the tree
// that never produced a ProcessExit record (spec.md §7 SurvivingChildren),
// excluding any whose image name is allowlisted via
// info.AllowedSurvivingChildProcessNames.
func (c *Controller) survivingChildren() []report.ProcessID {
	var out []report.ProcessID
	for _, p := range c.agg.Processes() {
		if !p.Exited() && !c.isAllowedSurvivor(p.ExecutablePath) {
			out = append(out, p.ProcessID)
		}
	}
	return out
}

func (c *Controller) isAllowedSurvivor(execPath string) bool {
	if execPath == "" {
		return false
	}
	name := filepath.Base(execPath)
	for _, allowed := range c.info.AllowedSurvivingChildProcessNames {
		if allowed == name {
			return true
		}
	}
	return false
}

func (c *Controller) assembleResult(es exitstatus, killed, timedOut bool, stdout, stderr []byte) *result.SandboxedProcessResult {
	now := time.Now()
	r := &result.SandboxedProcessResult{
		ExitCode:                     int32(es.code),
		Killed:                       killed,
		TimedOut:                     timedOut,
		SurvivingChildProcesses:      c.survivingChildren(),
		PrimaryProcessTimes:          result.ProcessTimes{CreationTime: now, ExitTime: now},
		FileAccesses:                 c.agg.FileAccesses(),
		ExplicitlyReportedFileAccesses: c.agg.ExplicitlyReported(),
		AllUnexpectedFileAccesses:    c.agg.Unexpected(),
		Processes:                    c.agg.Processes(),
		MessageProcessingFailure:     c.agg.MessageProcessingFailure(),
		LastMessageCount:             c.agg.SentMessageCount(),
		LastConfirmedMessageCount:    c.agg.ConfirmedMessageCount(),
		MessageCountSemaphoreCreated: c.agg.MessageCountAckSeen(),
	}
	r.StandardOutput = inlineOutput(stdout, c.info)
	r.StandardError = inlineOutput(stderr, c.info)
	return r
}

func inlineOutput(b []byte, info *sbconfig.SandboxedProcessInfo) result.InlineOrFile {
	max := info.MaxInlineOutputLength
	if max <= 0 {
		max = sbconfig.DefaultMaxInlineOutputLength
	}
	if len(b) <= max {
		return result.InlineOrFile{Inline: b}
	}
	return result.InlineOrFile{Inline: b[:max]}
}

func buildEnv(extra map[string]string, pipID string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	env = append(env, PipIDEnvVar+"="+pipID)
	return env
}
