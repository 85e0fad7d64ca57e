// Package augment implements C7: the trusted in-process API that lets
// a cooperating child inject synthetic FileAccess records into the
// same report stream the interception layer writes to.
//
// Grounded on the teacher's ingest/conn.go discipline for a mutex-
// guarded, lazily-initialised singleton connection handle (the
// augmented reporter's handle is process-wide and acquired on first
// use, per spec.md §9's explicit "no implicit initialisation order
// dependencies" note).
package augment

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/sandboxreport/sandboxcore/report"
)

// ErrNoPipeHandle is returned when the well-known environment variable
// carrying the inherited report-pipe fd is absent (spec.md §4.7).
var ErrNoPipeHandle = errors.New("augment: no report pipe handle in environment")

const (
	reportFDEnvVar = "SANDBOXCORE_REPORT_FD"
	pipIDEnvVar    = "SANDBOXCORE_PIP_ID"
)

// Writer injects synthetic FileAccess records through the inherited
// report pipe. Multi-thread safe: every Inject serialises bytes
// through a single pipe-write mutex (spec.md §5).
type Writer struct {
	mtx sync.Mutex
	f   *os.File
	pid report.ProcessID
}

var (
	singleton     *Writer
	singletonOnce sync.Once
	singletonErr  error
)

// Open acquires the process-wide Writer, reading the fd from
// reportFDEnvVar. Safe to call repeatedly; subsequent calls return the
// same handle. pid identifies the calling process in every injected
// record.
func Open(pid report.ProcessID) (*Writer, error) {
	singletonOnce.Do(func() {
		raw, ok := os.LookupEnv(reportFDEnvVar)
		if !ok {
			singletonErr = ErrNoPipeHandle
			return
		}
		fdNum, err := strconv.Atoi(raw)
		if err != nil {
			singletonErr = ErrNoPipeHandle
			return
		}
		singleton = &Writer{f: os.NewFile(uintptr(fdNum), "report-pipe"), pid: pid}
	})
	if singletonErr != nil {
		return nil, singletonErr
	}
	return singleton, nil
}

// Inject records op against path as a read or write access, per the
// fixed CreateFile template in spec.md §4.7: RequestedAccess is Read
// or Write, CreationDisposition is OPEN_ALWAYS for a read injection and
// CREATE_ALWAYS for a write injection. Non-absolute or empty paths are
// rejected; an unresolvable io error on the pipe write is swallowed
// (the access is silently dropped) to mirror interception-layer
// behaviour, but is counted so the caller can surface
// HasInjectionFailures.
func (w *Writer) Inject(path string, write bool) (ok bool) {
	if path == "" || !filepath.IsAbs(path) {
		return false
	}
	clean := filepath.Clean(path)

	access := report.AccessRead
	disposition := uint32(opOpenAlways)
	if write {
		access = report.AccessWrite
		disposition = uint32(opCreateAlways)
	}

	fa := report.FileAccess{
		Operation:           report.OpCreateFile,
		Process:             &report.ReportedProcess{ProcessID: w.pid},
		RequestedAccess:     access,
		Status:              report.StatusAllowed,
		CreationDisposition: disposition,
		Path:                clean,
	}

	line := report.EncodeAugmented(fa)

	w.mtx.Lock()
	defer w.mtx.Unlock()
	_, err := w.f.Write(line)
	return err == nil
}

// InjectAll injects every path in paths with the same access kind,
// returning the count that failed (for HasInjectionFailures).
func (w *Writer) InjectAll(paths []string, write bool) (failures int) {
	for _, p := range paths {
		if !w.Inject(p, write) {
			failures++
		}
	}
	return failures
}

// The two dispositions the fixed injection template may carry; named
// to mirror the CreateFile disposition constants the codec's
// CreationDisposition field otherwise carries verbatim from the
// interception layer.
const (
	opOpenAlways   = 4
	opCreateAlways = 2
)
