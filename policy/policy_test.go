package policy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLookupDeepestAncestorWins(t *testing.T) {
	m := New(false, 0, AllowRead)
	m.AddPath("/a").Policy = AllowRead
	m.AddPath("/a/b").Policy = AllowRead | AllowWrite

	node, pol, _, _, found := m.Lookup("/a/b/c")
	require.True(t, found)
	require.Equal(t, "b", node.Name)
	require.Equal(t, AllowRead|AllowWrite, pol)
}

func TestLookupFallsBackToRoot(t *testing.T) {
	m := New(false, AllowRead, AllowRead)
	node, pol, scope, _, found := m.Lookup("/nowhere/at/all")
	require.True(t, found)
	require.Equal(t, m.Root, node)
	require.Equal(t, AllowRead, pol)
	require.Equal(t, AllowRead, scope)
}

func TestEffectiveScopeIsAndOfAncestors(t *testing.T) {
	m := New(false, 0, AllowRead|AllowWrite)
	m.AddPath("/a").Scope = AllowRead // drops AllowWrite for the whole subtree
	m.AddPath("/a/b").Scope = AllowRead | AllowWrite

	_, _, scope, _, _ := m.Lookup("/a/b/c")
	require.Equal(t, AllowRead, scope) // AllowWrite masked out by /a
}

func TestCaseFoldedLookup(t *testing.T) {
	m := New(true, 0, AllowRead)
	m.AddPath("/Foo/Bar").Policy = AllowRead | AllowWrite

	node, pol, _, _, found := m.Lookup("/foo/bar")
	require.True(t, found)
	require.Equal(t, "bar", node.Name)
	require.Equal(t, AllowRead|AllowWrite, pol)
}

func TestConeAllowlistEscapesScopeMask(t *testing.T) {
	m := New(false, 0, AllowRead)
	a := m.AddPath("/a")
	a.Scope = AllowRead // no write anywhere under /a...
	a.ConeAllowlist = NewGlobSet("escape")
	m.AddPath("/a/escape").Scope = AllowRead | AllowWrite // ...except this cone

	_, _, scope, _, _ := m.Lookup("/a/escape/out.txt")
	require.Equal(t, AllowRead|AllowWrite, scope)

	_, _, otherScope, _, _ := m.Lookup("/a/normal/out.txt")
	require.Equal(t, AllowRead, otherScope)
}

func TestTrustedToolOverridesPolicy(t *testing.T) {
	m := New(false, 0, 0)
	m.Root.TrustedTools = NewGlobSet("cl.exe")
	d := m.Decide(AccessRequest{Path: "/denied/anything", ProcessImage: "cl.exe", RequestsWrite: true})
	require.True(t, d.Allowed)
	require.Equal(t, DecisionTrustedTool, d.Method)
}

func TestIsBreakaway(t *testing.T) {
	m := New(false, 0, 0)
	m.BreakawayImages = NewGlobSet("trusted*.exe")
	require.True(t, m.IsBreakaway("trusted-tool.exe"))
	require.False(t, m.IsBreakaway("untrusted.exe"))
}

func TestRightsHasAndAny(t *testing.T) {
	r := AllowRead | AllowWrite
	require.True(t, r.Has(AllowRead))
	require.False(t, r.Has(AllowRead|AllowCreateDirectory))
	require.True(t, r.Any(AllowCreateDirectory|AllowWrite))
}

func TestDecideWriteDeniedOutsideScope(t *testing.T) {
	m := New(false, 0, AllowRead)
	m.AddPath("/a").Policy = AllowRead
	d := m.Decide(AccessRequest{Path: "/a/x", RequestsWrite: true})
	require.False(t, d.Allowed)
}

func TestDecideWriteAllowedWithOverrideOnExistingFile(t *testing.T) {
	m := New(false, 0, OverrideAllowWriteForExistingFiles)
	a := m.AddPath("/a")
	a.Policy = OverrideAllowWriteForExistingFiles
	a.Scope = OverrideAllowWriteForExistingFiles
	d := m.Decide(AccessRequest{Path: "/a/x", RequestsWrite: true, PathExists: true})
	require.True(t, d.Allowed)
}

func TestDecideReadIfNonexistent(t *testing.T) {
	m := New(false, 0, AllowReadIfNonexistent)
	a := m.AddPath("/a")
	a.Policy = AllowReadIfNonexistent
	a.Scope = AllowReadIfNonexistent
	d := m.Decide(AccessRequest{Path: "/a/missing", RequestsRead: true, IsNonexistentError: true})
	require.True(t, d.Allowed)
}

func TestDecideMatchesEnumeratePatternRecursively(t *testing.T) {
	m := New(false, 0, 0)
	a := m.AddPath("/a")
	a.Scope = ReportDirectoryEnumeration
	a.EnumeratePatterns = []string{"**/*.obj"}
	d := m.Decide(AccessRequest{
		Path:                 "/a/x",
		RequestsEnumerate:    true,
		IsEnumerationOutcome: true,
		EnumeratePattern:     "sub/dir/out.obj",
	})
	require.True(t, d.ExplicitlyReported)
}

func TestDecideEnumeratePatternMismatchFallsBackToRights(t *testing.T) {
	m := New(false, 0, 0)
	a := m.AddPath("/a")
	a.EnumeratePatterns = []string{"*.obj"}
	d := m.Decide(AccessRequest{
		Path:                 "/a/x",
		RequestsEnumerate:    true,
		IsEnumerationOutcome: true,
		EnumeratePattern:     "out.txt",
	})
	require.False(t, d.ExplicitlyReported)
}

func TestDecideCannotDeterminePolicyOnEmptyPath(t *testing.T) {
	m := New(false, 0, 0)
	d := m.Decide(AccessRequest{Path: ""})
	require.Equal(t, DecisionCannotDeterminePolicy, d.Method)
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	m := New(true, AllowRead, AllowRead|AllowWrite)
	m.PipID = "pip-123"
	m.ReportingMode = true
	m.Translations = []PathTranslation{{Source: "/src", Target: "/dst"}}
	m.BreakawayImages = NewGlobSet("trusted*.exe")
	a := m.AddPath("/a")
	a.Policy = AllowRead | AllowWrite
	a.Scope = AllowRead
	a.TrustedTools = NewGlobSet("cl.exe")
	m.AddPath("/a/b").Policy = AllowRead

	buf := Serialize(m)
	m2, err := Deserialize(buf)
	require.NoError(t, err)

	require.Equal(t, m.PipID, m2.PipID)
	require.Equal(t, m.ReportingMode, m2.ReportingMode)
	require.Equal(t, m.Translations, m2.Translations)
	require.True(t, m2.IsBreakaway("trusted-tool.exe"))

	node, pol, scope, _, found := m2.Lookup("/a/b")
	require.True(t, found)
	require.Equal(t, "b", node.Name)
	require.Equal(t, AllowRead, pol)
	require.Equal(t, Rights(0), scope) // /a/b's own Scope is zero, so the AND is empty
}
