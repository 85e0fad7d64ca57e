// Package policy implements the hierarchical path-policy tree (the
// "manifest") that the core evaluates every reported access against,
// and the compact buffer format used to ship it to the interception
// layer at process spawn.
package policy

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gobwas/glob"
	"github.com/google/uuid"
)

// Rights is the 16-bit PathPolicy bitset. A ScopeMask uses the same
// type but restricts (ANDs) rather than grants.
type Rights uint16

const (
	AllowRead Rights = 1 << iota
	AllowReadIfNonexistent
	AllowWrite
	AllowCreateDirectory
	AllowSymlinkCreation
	ReportAccessIfExistent
	ReportAccessIfNonexistent
	ReportDirectoryEnumeration
	ReportUsnAfterOpen
	AllowRealTimestamps
	OverrideAllowWriteForExistingFiles
)

// Has reports whether all bits in want are set in r.
func (r Rights) Has(want Rights) bool { return r&want == want }

// Any reports whether any bit in want is set in r.
func (r Rights) Any(want Rights) bool { return r&want != 0 }

// GlobSet is a list of glob patterns (gobwas/glob syntax), compiled
// lazily and cached on first match. It is the wire-friendly form of a
// matcher set: raw patterns serialize trivially, and glob.Glob is
// compiled back in on demand.
type GlobSet struct {
	Patterns []string
	compiled []glob.Glob
}

// Match reports whether name matches any pattern in the set.
func (g *GlobSet) Match(name string) bool {
	g.ensureCompiled()
	for _, c := range g.compiled {
		if c.Match(name) {
			return true
		}
	}
	return false
}

func (g *GlobSet) ensureCompiled() {
	if len(g.compiled) == len(g.Patterns) {
		return
	}
	g.compiled = make([]glob.Glob, 0, len(g.Patterns))
	for _, p := range g.Patterns {
		if c, err := glob.Compile(p); err == nil {
			g.compiled = append(g.compiled, c)
		}
	}
}

// NewGlobSet compiles patterns eagerly, panicking on an invalid
// pattern; intended for manifest construction from trusted config,
// mirroring glob.MustCompile's contract.
func NewGlobSet(patterns ...string) GlobSet {
	gs := GlobSet{Patterns: patterns}
	gs.ensureCompiled()
	return gs
}

// Node is one component of the policy trie.
type Node struct {
	Name         string
	Policy       Rights
	Scope        Rights
	ExpectedHash []byte // optional, nil when not pinned
	Children     map[string]*Node

	// ConeAllowlist names children which escape the subtree's scope
	// mask entirely (cone semantics): a child whose name matches one
	// of these globs is evaluated with its own declared Scope instead
	// of having the parent's Scope ANDed in.
	ConeAllowlist GlobSet

	// TrustedTools are process-image globs which, when matched by the
	// accessing process, force Method=TrustedTool/Status=Allowed
	// regardless of policy, for this node and its descendants.
	TrustedTools GlobSet

	// EnumeratePatterns are doublestar patterns (supporting recursive
	// "**" the way build manifests commonly express them) that a
	// directory-enumeration outcome's EnumeratePattern is matched
	// against; a match marks the enumeration explicitly reported even
	// when ReportDirectoryEnumeration alone would not.
	EnumeratePatterns []string
}

func newNode(name string) *Node {
	return &Node{Name: name, Children: make(map[string]*Node)}
}

// PathTranslation rewrites a resolved source prefix to a target prefix;
// used by the reparse resolver when the interception layer reports a
// path under a substituted drive or bind mount.
type PathTranslation struct {
	Source string
	Target string
}

// Manifest is the policy tree root plus the run-scoped metadata shipped
// alongside it.
type Manifest struct {
	Root *Node

	// BreakawayImages lists process image name globs permitted to
	// escape interception entirely (see the Breakaway glossary entry).
	BreakawayImages GlobSet

	// ReportingMode, when true, means accesses are observed and
	// classified but never denied by the interception layer; the core
	// still computes Status as if enforcing.
	ReportingMode bool

	Translations []PathTranslation

	// PipID correlates this manifest with the interception layer's
	// view of the same run.
	PipID string

	foldCase bool
}

// New creates an empty manifest with a default root policy and a fresh
// opaque PipID (spec.md §3's "PipId correlates this manifest with the
// interception layer's view of the same run").
func New(foldCase bool, defaultRootPolicy, defaultRootScope Rights) *Manifest {
	root := newNode("")
	root.Policy = defaultRootPolicy
	root.Scope = defaultRootScope
	return &Manifest{Root: root, foldCase: foldCase, PipID: uuid.New().String()}
}

func (m *Manifest) splitComponents(path string) []string {
	clean := strings.TrimRight(strings.ReplaceAll(path, `\`, `/`), "/")
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" {
		return nil
	}
	parts := strings.Split(clean, "/")
	if m.foldCase {
		for i := range parts {
			parts[i] = strings.ToLower(parts[i])
		}
	}
	return parts
}

// AddPath inserts (or fetches) the node at path, creating intermediate
// components with a zero policy/scope as needed, and returns it so the
// caller can set Policy/Scope/ExpectedHash/TrustedTools.
func (m *Manifest) AddPath(path string) *Node {
	cur := m.Root
	for _, part := range m.splitComponents(path) {
		child, ok := cur.Children[part]
		if !ok {
			child = newNode(part)
			cur.Children[part] = child
		}
		cur = child
	}
	return cur
}

// Lookup returns the deepest manifest node whose textual path is a
// prefix of path (I6), along with the node's own granted rights and the
// effective scope mask accumulated (ANDed) from root to node. found is
// false only if path could not be parsed into components at all; the
// root always matches otherwise, satisfying "if no ancestor matches,
// the root's default policy applies".
func (m *Manifest) Lookup(path string) (node *Node, nodePolicy, effectiveScope Rights, trustedTools []*GlobSet, found bool) {
	n, _, pol, scope, tools := m.lookupFull(path)
	found = len(m.splitComponents(path)) > 0 || path == "/"
	return n, pol, scope, tools, found
}

// lookupFull is Lookup plus the reconstructed textual manifest path,
// needed by Decide to populate Decision.ManifestPath. trustedTools
// accumulates every ancestor's rule set, nearest-first, since a
// trusted-tool grant at any covering node applies to the subtree
// (spec.md §4.2 step 5).
func (m *Manifest) lookupFull(path string) (node *Node, textualPath string, nodePolicy, effectiveScope Rights, trustedTools []*GlobSet) {
	parts := m.splitComponents(path)
	node = m.Root
	effectiveScope = m.Root.Scope
	if len(m.Root.TrustedTools.Patterns) > 0 {
		trustedTools = append(trustedTools, &m.Root.TrustedTools)
	}

	var matched []string
	cur := m.Root
	for _, part := range parts {
		child, ok := cur.Children[part]
		if !ok {
			break
		}
		// cone semantics: a listed escapee doesn't inherit the
		// running AND of ancestor scope masks, it starts fresh from
		// its own declared scope.
		if coneEscapes(cur, part) {
			effectiveScope = child.Scope
		} else {
			effectiveScope &= child.Scope
		}
		if len(child.TrustedTools.Patterns) > 0 {
			trustedTools = append(trustedTools, &child.TrustedTools)
		}
		matched = append(matched, part)
		node = child
		cur = child
	}
	nodePolicy = node.Policy
	textualPath = "/" + strings.Join(matched, "/")
	if len(matched) == 0 {
		textualPath = "/"
	}
	return
}

func coneEscapes(parent *Node, childName string) bool {
	return parent.ConeAllowlist.Match(childName)
}

// IsBreakaway reports whether imageName matches one of the manifest's
// declared breakaway process images.
func (m *Manifest) IsBreakaway(imageName string) bool {
	return m.BreakawayImages.Match(imageName)
}

// AccessRequest is the policy engine's view of one reported access,
// deliberately decoupled from package report's FileAccess so that
// policy never imports report (package aggregate is the translation
// layer between the two).
type AccessRequest struct {
	Path            string
	ProcessImage    string
	RequestsWrite   bool
	RequestsRead    bool
	RequestsProbe   bool
	RequestsEnumerate bool
	PathExists      bool // best-effort existence check, false when unknown/nonexistent
	IsNonexistentError bool
	IsEnumerationOutcome bool

	// EnumeratePattern is the reported enumeration filter (I3), matched
	// against the covering node's EnumeratePatterns when
	// IsEnumerationOutcome is set.
	EnumeratePattern string
}

// DecisionMethod mirrors report.Method without importing it.
type DecisionMethod uint8

const (
	DecisionPolicyBased DecisionMethod = iota
	DecisionTrustedTool
	DecisionAllowedBySingletonRule
	DecisionCannotDeterminePolicy
)

// Decision is the output of evaluating one AccessRequest (spec.md §4.2
// steps 1-6).
type Decision struct {
	Allowed            bool
	ExplicitlyReported bool
	Method             DecisionMethod
	ManifestPath       string
	EffectiveRights    Rights
}

// Decide implements the deterministic policy decision in spec.md §4.2.
func (m *Manifest) Decide(req AccessRequest) Decision {
	if len(m.splitComponents(req.Path)) == 0 && req.Path != "/" {
		return Decision{Method: DecisionCannotDeterminePolicy}
	}
	node, textualPath, nodePolicy, scope, trustedTools := m.lookupFull(req.Path)

	for _, g := range trustedTools {
		if g.Match(req.ProcessImage) {
			return Decision{
				Allowed:      true,
				Method:       DecisionTrustedTool,
				ManifestPath: textualPath,
			}
		}
	}

	effective := nodePolicy & scope
	d := Decision{ManifestPath: textualPath, EffectiveRights: effective, Method: DecisionPolicyBased}

	switch {
	case req.RequestsWrite:
		canOverride := effective.Has(OverrideAllowWriteForExistingFiles) && req.PathExists
		d.Allowed = effective.Has(AllowWrite) || canOverride
	case req.RequestsRead, req.RequestsProbe:
		if effective.Has(AllowRead) {
			d.Allowed = true
		} else if effective.Has(AllowReadIfNonexistent) && req.IsNonexistentError {
			d.Allowed = true
		}
	default:
		d.Allowed = true
	}

	d.ExplicitlyReported = explicitlyReported(effective, req) || matchesEnumeratePattern(node, req)
	return d
}

func explicitlyReported(effective Rights, req AccessRequest) bool {
	if req.IsEnumerationOutcome {
		return effective.Has(ReportDirectoryEnumeration)
	}
	if req.IsNonexistentError {
		return effective.Has(ReportAccessIfNonexistent)
	}
	return effective.Has(ReportAccessIfExistent)
}

// matchesEnumeratePattern reports whether req's enumeration filter
// matches one of node's declared EnumeratePatterns, forcing the
// outcome explicitly reported regardless of ReportDirectoryEnumeration.
func matchesEnumeratePattern(node *Node, req AccessRequest) bool {
	if !req.IsEnumerationOutcome || req.EnumeratePattern == "" || node == nil {
		return false
	}
	for _, pattern := range node.EnumeratePatterns {
		if ok, err := doublestar.Match(pattern, req.EnumeratePattern); err == nil && ok {
			return true
		}
	}
	return false
}

