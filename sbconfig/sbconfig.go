// Package sbconfig carries the host-supplied run configuration: the
// in-memory info object described in spec.md §6, plus a small on-disk
// manifest-description loader for cmd/sandboxrun.
package sbconfig

import (
	"time"

	"github.com/sandboxreport/sandboxcore/policy"
)

// SandboxedProcessInfo mirrors the recognised fields of spec.md §6's
// in-memory info object. The core is a library: this struct is always
// constructed programmatically by the embedding host; cmd/sandboxrun
// is the only caller that also accepts one from disk (LoadManifestFile).
type SandboxedProcessInfo struct {
	FileName             string
	Arguments            []string
	WorkingDirectory     string
	EnvironmentVariables map[string]string

	StandardInputSource string

	MaxInlineOutputLength int

	Timeout                           time.Duration
	NestedProcessTerminationTimeout   time.Duration
	AllowedSurvivingChildProcessNames []string
	TimeoutDumpDirectory              string

	FileAccessManifest *policy.Manifest

	// SidebandRoot, when non-empty, enables the sideband journal under
	// this directory for the run (spec.md §4.6); empty disables C6.
	SidebandRoot string

	// WriteScopeRoots are the shared-opaque write-scope roots the
	// sideband journal records writes under (spec.md §4.6/I5); writes
	// outside every listed root are not journaled.
	WriteScopeRoots []string

	// OnFileAccess is a path-only observer slot. sandbox.Controller does
	// not read it; its observer hook is registered with
	// Controller.OnFileAccess instead.
	OnFileAccess func(path string)
}

// DefaultMaxInlineOutputLength bounds how much of stdout/stderr is
// kept inline in the result when MaxInlineOutputLength is unset. The
// controller keeps only the first that many bytes inline; it does not
// write the rest to a backing file, so output beyond the limit is not
// in the result.
const DefaultMaxInlineOutputLength = 16 * 1024
