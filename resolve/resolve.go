// Package resolve implements the reparse-point / symbolic-link
// resolver (C3): it canonicalises reported paths through any
// intermediate indirection while leaving the final segment alone for
// operations that act on the link itself.
package resolve

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sandboxreport/sandboxcore/policy"
	"github.com/sandboxreport/sandboxcore/report"
)

var ErrNotResolved = errors.New("resolve: path could not be canonicalised")

// finalSegmentOperations is the set of operations for which the last
// path component must NOT be resolved through a link (spec.md §4.3):
// the operation acts on the link itself.
var finalSegmentOperations = map[report.Operation]bool{
	report.OpCreateSymbolicLinkSource: true,
	report.OpCreateHardLinkSource:     true,
	report.OpGetFileAttributes:        true,
	report.OpGetFileAttributesEx:      true,
	report.OpDeleteFile:               true,
}

// ActsOnLinkItself reports whether op's final path segment should be
// left unresolved: either op is intrinsically link-acting, or flags
// carries OPEN_REPARSE_POINT (spec.md §4.3) — a CreateFile that opens
// the reparse point itself rather than following it.
func ActsOnLinkItself(op report.Operation, flags uint32) bool {
	return finalSegmentOperations[op] || flags&report.FlagOpenReparsePoint != 0
}

// osLookup abstracts the platform call that resolves one ancestor
// component to its "final name" (readlink / GetFinalPathNameByHandle
// equivalent); swappable in tests.
type osLookup func(path string) (resolved string, isReparsePoint bool, err error)

func defaultOSLookup(path string) (string, bool, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return "", false, err
	}
	if fi.Mode()&os.ModeSymlink == 0 {
		return path, false, nil
	}
	target, err := os.Readlink(path)
	if err != nil {
		return "", true, err
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(path), target)
	}
	return filepath.Clean(target), true, nil
}

// Resolver canonicalises ancestor chains and memoises the result. Its
// two caches are concurrent, insert-wins maps (spec.md §5): duplicated
// resolution work on a race is acceptable since reparse probing is
// idempotent.
type Resolver struct {
	lookup       osLookup
	translations []policy.PathTranslation

	resCacheMtx sync.RWMutex
	resCache    map[string]string // ancestor path -> resolved path

	reparseCacheMtx sync.RWMutex
	reparseCache    map[string]bool // path -> "last segment is a reparse point"

	multiHop bool
}

// Option configures a Resolver at construction.
type Option func(*Resolver)

// WithMultiHopProbes controls whether transitive reparse indirections
// each emit a synthetic Probe, or only the first hop does (spec.md
// §9 Open Question b; default false, matching the single-hop
// recommendation).
func WithMultiHopProbes(enabled bool) Option {
	return func(r *Resolver) { r.multiHop = enabled }
}

// WithLookup overrides the OS resolution call, for testing.
func WithLookup(fn osLookup) Option {
	return func(r *Resolver) { r.lookup = fn }
}

// New creates a Resolver. translations are applied to an ancestor's
// resolved path before caching (directory substitution / bind-mount
// rewriting, spec.md §3 Manifest.Translations).
func New(translations []policy.PathTranslation, opts ...Option) *Resolver {
	r := &Resolver{
		lookup:       defaultOSLookup,
		translations: translations,
		resCache:     make(map[string]string),
		reparseCache: make(map[string]bool),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Result is the outcome of resolving one reported path.
type Result struct {
	Canonical string
	// TraversedLinks holds each intermediate directory link traversed
	// on the canonical<->original delta, for synthetic Probe emission.
	TraversedLinks []string
	// FinalIsReparsePoint reports whether path's own final segment is
	// itself a reparse point (consulted by the classifier, spec.md
	// §4.3, independent of whether this resolution touched it).
	FinalIsReparsePoint bool
}

// Resolve canonicalises path. If op acts on the link itself (including
// a create/open that set OPEN_REPARSE_POINT in flags), the final
// segment is left unresolved; only ancestor directories are resolved.
// On OS failure the path is returned as already-canonical and the
// cache is not poisoned (spec.md §4.3).
func (r *Resolver) Resolve(op report.Operation, path string, flags uint32) Result {
	clean := filepath.Clean(path)
	dir, base := filepath.Split(clean)
	dir = strings.TrimSuffix(dir, string(filepath.Separator))

	resolvedDir, traversed := r.resolveAncestor(dir)

	if ActsOnLinkItself(op, flags) {
		final := filepath.Join(resolvedDir, base)
		isReparse := r.isReparsePoint(clean)
		return Result{Canonical: final, TraversedLinks: traversed, FinalIsReparsePoint: isReparse}
	}

	full := filepath.Join(resolvedDir, base)
	resolvedFull, more := r.resolveSegment(full)
	traversed = append(traversed, more...)
	isReparse := r.isReparsePoint(resolvedFull)
	return Result{Canonical: resolvedFull, TraversedLinks: dedupe(traversed), FinalIsReparsePoint: isReparse}
}

// resolveAncestor resolves every component of dir, root first, using
// the cache, and returns the fully resolved directory path plus the
// set of intermediate links actually traversed.
func (r *Resolver) resolveAncestor(dir string) (string, []string) {
	if dir == "" || dir == string(filepath.Separator) {
		return dir, nil
	}
	if cached, ok := r.getCached(dir); ok {
		return cached, nil
	}

	parent := filepath.Dir(dir)
	var traversed []string
	resolvedParent := parent
	if parent != dir {
		resolvedParent, traversed = r.resolveAncestor(parent)
	}
	candidate := filepath.Join(resolvedParent, filepath.Base(dir))

	resolved, more := r.resolveSegment(candidate)
	if resolved != candidate {
		traversed = append(traversed, candidate)
		if r.multiHop {
			traversed = append(traversed, more...)
		}
	}
	r.setCached(dir, resolved)
	return resolved, dedupe(traversed)
}

// resolveSegment resolves one path, following a single hop of
// indirection (or, with multiHop, following the full chain).
func (r *Resolver) resolveSegment(path string) (string, []string) {
	resolved, isReparse, err := r.lookup(path)
	if err != nil {
		// ResolutionFailure: non-fatal, treat as already canonical,
		// do not poison the cache (spec.md §4.3/§7).
		r.recordReparse(path, false)
		return path, nil
	}
	r.recordReparse(path, isReparse)
	resolved = r.translate(resolved)
	if resolved == path {
		return path, nil
	}
	if !r.multiHop {
		return resolved, []string{path}
	}
	next, more := r.resolveSegment(resolved)
	return next, append([]string{path}, more...)
}

func (r *Resolver) translate(path string) string {
	for _, t := range r.translations {
		if strings.HasPrefix(path, t.Source) {
			return t.Target + strings.TrimPrefix(path, t.Source)
		}
	}
	return path
}

func (r *Resolver) getCached(path string) (string, bool) {
	r.resCacheMtx.RLock()
	defer r.resCacheMtx.RUnlock()
	v, ok := r.resCache[path]
	return v, ok
}

func (r *Resolver) setCached(path, resolved string) {
	r.resCacheMtx.Lock()
	defer r.resCacheMtx.Unlock()
	// insert-wins: if another goroutine already cached a value, keep it
	if _, ok := r.resCache[path]; !ok {
		r.resCache[path] = resolved
	}
}

func (r *Resolver) recordReparse(path string, isReparse bool) {
	r.reparseCacheMtx.Lock()
	defer r.reparseCacheMtx.Unlock()
	if _, ok := r.reparseCache[path]; !ok {
		r.reparseCache[path] = isReparse
	}
}

func (r *Resolver) isReparsePoint(path string) bool {
	r.reparseCacheMtx.RLock()
	defer r.reparseCacheMtx.RUnlock()
	return r.reparseCache[path]
}

func dedupe(paths []string) []string {
	if len(paths) < 2 {
		return paths
	}
	seen := make(map[string]bool, len(paths))
	out := paths[:0]
	for _, p := range paths {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
