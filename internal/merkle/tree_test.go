package merkle

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"shieldedpool/internal/field"
)

var hasher = field.MiMC{}

func leavesN(n int) []field.Element {
	out := make([]field.Element, n)
	for i := range out {
		out[i] = field.FromUint64(uint64(1000 + i))
	}
	return out
}

// naiveRoot hashes a fully materialized tree level by level.
func naiveRoot(levels int, leaves []field.Element) field.Element {
	layer := make([]field.Element, 1<<levels)
	zero := ZeroValue()
	for i := range layer {
		if i < len(leaves) {
			layer[i] = leaves[i]
		} else {
			layer[i] = zero
		}
	}
	for len(layer) > 1 {
		next := make([]field.Element, len(layer)/2)
		for i := range next {
			next[i] = hasher.Hash(layer[2*i], layer[2*i+1])
		}
		layer = next
	}
	return layer[0]
}

func TestZeroValueMatchesTornadoConstant(t *testing.T) {
	want, ok := new(big.Int).SetString("21663839004416932945382355908790599225266501822907911457504978515578255421292", 10)
	require.True(t, ok)
	require.Equal(t, 0, field.ToBig(ZeroValue()).Cmp(want))
}

func TestEmptyRootIsZeroChain(t *testing.T) {
	tree, err := New(5, 10, hasher)
	require.NoError(t, err)
	require.True(t, field.Equal(naiveRoot(5, nil), tree.Root()))
	require.True(t, tree.IsKnownRoot(tree.Root()))
}

func TestInsertMatchesNaiveRootAndPaths(t *testing.T) {
	tree, err := New(4, 10, hasher)
	require.NoError(t, err)
	leaves := leavesN(7)
	for i := 0; i < len(leaves); i += 2 {
		end := i + 2
		if end > len(leaves) {
			end = len(leaves)
		}
		_, err := tree.Insert(leaves[i:end]...)
		require.NoError(t, err)
	}
	require.Equal(t, uint64(7), tree.Len())
	require.True(t, field.Equal(naiveRoot(4, leaves), tree.Root()))

	for i, leaf := range leaves {
		p, err := tree.PathTo(leaf)
		require.NoError(t, err)
		require.Equal(t, uint64(i), p.Index)
		require.Len(t, p.Elements, 4)
		require.True(t, field.Equal(tree.Root(), p.Root(hasher, leaf)))
	}
}

func TestNewFromLeavesEqualsIncremental(t *testing.T) {
	leaves := leavesN(6)
	a, err := New(5, 10, hasher, leaves...)
	require.NoError(t, err)
	b, err := New(5, 10, hasher)
	require.NoError(t, err)
	_, err = b.Insert(leaves...)
	require.NoError(t, err)
	require.True(t, field.Equal(a.Root(), b.Root()))
}

func TestProjectRootDoesNotMutate(t *testing.T) {
	tree, err := New(5, 10, hasher, leavesN(3)...)
	require.NoError(t, err)
	before := tree.Root()
	batch := []field.Element{field.FromUint64(7), field.FromUint64(8)}

	projected, err := tree.ProjectRoot(batch...)
	require.NoError(t, err)
	require.True(t, field.Equal(before, tree.Root()))
	require.Equal(t, uint64(3), tree.Len())

	got, err := tree.Insert(batch...)
	require.NoError(t, err)
	require.True(t, field.Equal(projected, got))
}

func TestRootHistoryWindow(t *testing.T) {
	const k = 3
	tree, err := New(5, k, hasher)
	require.NoError(t, err)
	r0 := tree.Root()

	var roots []field.Element
	for i := 0; i < k-1; i++ {
		r, err := tree.Insert(field.FromUint64(uint64(2*i+1)), field.FromUint64(uint64(2*i+2)))
		require.NoError(t, err)
		roots = append(roots, r)
	}
	// k-1 batches after r0: still inside the window
	require.True(t, tree.IsKnownRoot(r0))
	require.Len(t, tree.Roots(), k)
	require.True(t, field.Equal(r0, tree.Roots()[0]))

	_, err = tree.Insert(field.FromUint64(100), field.FromUint64(101))
	require.NoError(t, err)
	require.False(t, tree.IsKnownRoot(r0))
	for _, r := range roots {
		require.True(t, tree.IsKnownRoot(r))
	}
	require.False(t, tree.IsKnownRoot(field.Element{}))
	require.False(t, tree.IsKnownRoot(field.FromUint64(42)))
}

func TestTreeFullAndErrors(t *testing.T) {
	tree, err := New(2, 4, hasher)
	require.NoError(t, err)
	_, err = tree.Insert(leavesN(4)...)
	require.NoError(t, err)
	_, err = tree.Insert(field.FromUint64(1))
	require.ErrorIs(t, err, ErrTreeFull)
	_, err = tree.ProjectRoot(field.FromUint64(1))
	require.ErrorIs(t, err, ErrTreeFull)
	_, err = tree.Insert()
	require.ErrorIs(t, err, ErrEmptyBatch)
	_, err = tree.PathTo(field.FromUint64(999))
	require.ErrorIs(t, err, ErrNotFound)
	_, err = tree.Path(4)
	require.ErrorIs(t, err, ErrBadIndex)

	_, err = New(0, 4, hasher)
	require.Error(t, err)
	_, err = New(2, 0, hasher)
	require.Error(t, err)
}

func TestCloneIsIndependent(t *testing.T) {
	tree, err := New(5, 10, hasher, leavesN(2)...)
	require.NoError(t, err)
	snap := tree.Clone()
	_, err = tree.Insert(field.FromUint64(5), field.FromUint64(6))
	require.NoError(t, err)
	require.Equal(t, uint64(2), snap.Len())
	require.False(t, field.Equal(snap.Root(), tree.Root()))
	require.True(t, tree.IsKnownRoot(snap.Root()))
}

func TestSetHistory(t *testing.T) {
	tree, err := New(5, 2, hasher)
	require.NoError(t, err)
	r1, err := tree.Insert(field.FromUint64(1), field.FromUint64(2))
	require.NoError(t, err)
	r2, err := tree.Insert(field.FromUint64(3), field.FromUint64(4))
	require.NoError(t, err)

	rebuilt, err := New(5, 2, hasher, tree.Leaves(0)...)
	require.NoError(t, err)
	require.False(t, rebuilt.IsKnownRoot(r1))
	require.NoError(t, rebuilt.SetHistory([]field.Element{r1, r2}))
	require.True(t, rebuilt.IsKnownRoot(r1))
	require.ErrorIs(t, rebuilt.SetHistory([]field.Element{r1}), ErrHistoryMismatch)
}

func TestPathAtReachesDuplicates(t *testing.T) {
	dup := field.FromUint64(7)
	tree, err := New(3, 4, hasher, dup, field.FromUint64(8), dup)
	require.NoError(t, err)

	first, err := tree.PathTo(dup)
	require.NoError(t, err)
	require.Equal(t, uint64(0), first.Index)

	second, err := tree.PathAt(2, dup)
	require.NoError(t, err)
	require.Equal(t, uint64(2), second.Index)
	want, err := tree.Path(2)
	require.NoError(t, err)
	require.Equal(t, want, second)

	_, err = tree.PathAt(1, dup)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = tree.PathAt(3, dup)
	require.ErrorIs(t, err, ErrBadIndex)
}
