package pathtable

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInternIdempotent(t *testing.T) {
	tbl := New(false)
	id1, err := tbl.Intern("/a/b/c")
	require.NoError(t, err)
	id2, err := tbl.Intern("/a/b/c")
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestInternDistinctPaths(t *testing.T) {
	tbl := New(false)
	id1, err := tbl.Intern("/a/b")
	require.NoError(t, err)
	id2, err := tbl.Intern("/a/c")
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)
}

func TestParentChain(t *testing.T) {
	tbl := New(false)
	id, err := tbl.Intern("/a/b/c")
	require.NoError(t, err)

	parent := tbl.Parent(id)
	require.Equal(t, "/a/b", tbl.Expand(parent))

	root := tbl.Parent(parent)
	require.Equal(t, "/a", tbl.Expand(root))
}

func TestCaseFolding(t *testing.T) {
	tbl := New(true)
	id1, err := tbl.Intern("/Foo/Bar")
	require.NoError(t, err)
	id2, err := tbl.Intern("/foo/bar")
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestIsAncestor(t *testing.T) {
	tbl := New(false)
	child, err := tbl.Intern("/a/b/c")
	require.NoError(t, err)
	anc, err := tbl.Intern("/a")
	require.NoError(t, err)
	require.True(t, tbl.IsAncestor(anc, child))
	require.False(t, tbl.IsAncestor(child, anc))
}
