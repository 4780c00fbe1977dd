// tree.go - Fixed-depth append-only Merkle accumulator with a bounded root history.
//
// Leaves are commitments in insertion order. Every node of every level is stored, so
// paths are read directly and an insert only rehashes the path of each new leaf.
// Unused slots hash as precomputed zero subtrees derived from ZeroValue.

package merkle

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"

	"shieldedpool/internal/field"
)

const (
	// DefaultLevels is the production tree height.
	DefaultLevels = 23
	// DefaultHistorySize is the number of recent roots accepted for proofs.
	DefaultHistorySize = 100
	// MaxLevels bounds the height so leaf indices fit in uint64 arithmetic.
	MaxLevels = 32
)

var (
	ErrTreeFull        = errors.New("merkle: tree is full")
	ErrBadIndex        = errors.New("merkle: index out of range")
	ErrNotFound        = errors.New("merkle: commitment not in tree")
	ErrEmptyBatch      = errors.New("merkle: empty batch")
	ErrHistoryMismatch = errors.New("merkle: root history does not end at the current root")
)

// ZeroValue is the empty-leaf constant keccak256("tornado") mod p.
func ZeroValue() field.Element {
	return field.FromBig(crypto.Keccak256Hash([]byte("tornado")).Big())
}

// Path is the authentication path of one leaf.
type Path struct {
	Index    uint64
	Elements []field.Element
}

// Root recomputes the root reached by hashing leaf up along p.
func (p Path) Root(h field.Hasher, leaf field.Element) field.Element {
	cur := leaf
	idx := p.Index
	for _, sib := range p.Elements {
		if idx&1 == 0 {
			cur = h.Hash(cur, sib)
		} else {
			cur = h.Hash(sib, cur)
		}
		idx >>= 1
	}
	return cur
}

// Tree is safe for concurrent use.
type Tree struct {
	mu      sync.RWMutex
	levels  int
	hasher  field.Hasher
	zeros   []field.Element
	layers  [][]field.Element
	index   map[field.Element]uint64
	history []field.Element
	head    int
	filled  int
}

// New builds a tree of the given height over leaves. The resulting root is the first
// history entry; building from leaves does not replay per-batch history.
func New(levels, historySize int, hasher field.Hasher, leaves ...field.Element) (*Tree, error) {
	if levels < 1 || levels > MaxLevels {
		return nil, fmt.Errorf("merkle: levels must be in [1,%d], got %d", MaxLevels, levels)
	}
	if historySize < 1 {
		return nil, fmt.Errorf("merkle: history size must be positive, got %d", historySize)
	}
	t := &Tree{
		levels:  levels,
		hasher:  hasher,
		zeros:   make([]field.Element, levels+1),
		layers:  make([][]field.Element, levels+1),
		index:   make(map[field.Element]uint64, len(leaves)),
		history: make([]field.Element, historySize),
	}
	t.zeros[0] = ZeroValue()
	for i := 1; i <= levels; i++ {
		t.zeros[i] = hasher.Hash(t.zeros[i-1], t.zeros[i-1])
	}
	if uint64(len(leaves)) > t.capacity() {
		return nil, ErrTreeFull
	}
	for _, leaf := range leaves {
		t.appendLeaf(leaf)
	}
	t.history[0] = t.root()
	t.filled = 1
	return t, nil
}

// Levels returns the tree height.
func (t *Tree) Levels() int { return t.levels }

// Hasher returns the node hash.
func (t *Tree) Hasher() field.Hasher { return t.hasher }

// Zeros returns the zero subtree hash for each level, leaf level first.
func (t *Tree) Zeros() []field.Element {
	out := make([]field.Element, len(t.zeros))
	copy(out, t.zeros)
	return out
}

// Len returns the number of leaves.
func (t *Tree) Len() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return uint64(len(t.layers[0]))
}

// Capacity returns 2^levels.
func (t *Tree) Capacity() uint64 { return t.capacity() }

func (t *Tree) capacity() uint64 { return uint64(1) << uint(t.levels) }

// Root returns the current root.
func (t *Tree) Root() field.Element {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root()
}

func (t *Tree) root() field.Element { return t.node(t.levels, 0) }

func (t *Tree) node(level int, idx uint64) field.Element {
	if idx < uint64(len(t.layers[level])) {
		return t.layers[level][idx]
	}
	return t.zeros[level]
}

func (t *Tree) appendLeaf(leaf field.Element) {
	i := uint64(len(t.layers[0]))
	t.layers[0] = append(t.layers[0], leaf)
	if _, dup := t.index[leaf]; !dup {
		t.index[leaf] = i
	}
	idx := i
	for lvl := 1; lvl <= t.levels; lvl++ {
		idx >>= 1
		h := t.hasher.Hash(t.node(lvl-1, 2*idx), t.node(lvl-1, 2*idx+1))
		if idx < uint64(len(t.layers[lvl])) {
			t.layers[lvl][idx] = h
		} else {
			t.layers[lvl] = append(t.layers[lvl], h)
		}
	}
}

// Insert appends a batch of leaves at the next free indices and records the new root
// as one history entry.
func (t *Tree) Insert(leaves ...field.Element) (field.Element, error) {
	if len(leaves) == 0 {
		return field.Element{}, ErrEmptyBatch
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if uint64(len(t.layers[0]))+uint64(len(leaves)) > t.capacity() {
		return field.Element{}, ErrTreeFull
	}
	for _, leaf := range leaves {
		t.appendLeaf(leaf)
	}
	root := t.root()
	t.head = (t.head + 1) % len(t.history)
	t.history[t.head] = root
	if t.filled < len(t.history) {
		t.filled++
	}
	return root, nil
}

// ProjectRoot returns the root Insert(leaves...) would produce, leaving the tree untouched.
func (t *Tree) ProjectRoot(leaves ...field.Element) (field.Element, error) {
	if len(leaves) == 0 {
		return field.Element{}, ErrEmptyBatch
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := uint64(len(t.layers[0]))
	if n+uint64(len(leaves)) > t.capacity() {
		return field.Element{}, ErrTreeFull
	}
	overlay := make([]map[uint64]field.Element, t.levels+1)
	for i := range overlay {
		overlay[i] = make(map[uint64]field.Element)
	}
	get := func(level int, idx uint64) field.Element {
		if v, ok := overlay[level][idx]; ok {
			return v
		}
		return t.node(level, idx)
	}
	for k, leaf := range leaves {
		idx := n + uint64(k)
		overlay[0][idx] = leaf
		for lvl := 1; lvl <= t.levels; lvl++ {
			idx >>= 1
			overlay[lvl][idx] = t.hasher.Hash(get(lvl-1, 2*idx), get(lvl-1, 2*idx+1))
		}
	}
	return get(t.levels, 0), nil
}

// Path returns the authentication path of the leaf at index.
func (t *Tree) Path(index uint64) (Path, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.path(index)
}

func (t *Tree) path(index uint64) (Path, error) {
	if index >= uint64(len(t.layers[0])) {
		return Path{}, fmt.Errorf("%w: %d", ErrBadIndex, index)
	}
	p := Path{Index: index, Elements: make([]field.Element, t.levels)}
	idx := index
	for lvl := 0; lvl < t.levels; lvl++ {
		p.Elements[lvl] = t.node(lvl, idx^1)
		idx >>= 1
	}
	return p, nil
}

// PathTo looks up a commitment and returns the path of its first copy.
func (t *Tree) PathTo(commitment field.Element) (Path, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, ok := t.index[commitment]
	if !ok {
		return Path{}, fmt.Errorf("%w: %s", ErrNotFound, field.ToHex(commitment))
	}
	return t.path(i)
}

// PathAt returns the path of the leaf at index after checking it holds commitment. Unlike
// PathTo it reaches every copy of a commitment inserted more than once.
func (t *Tree) PathAt(index uint64, commitment field.Element) (Path, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if index >= uint64(len(t.layers[0])) {
		return Path{}, fmt.Errorf("%w: %d", ErrBadIndex, index)
	}
	if !field.Equal(t.layers[0][index], commitment) {
		return Path{}, fmt.Errorf("%w: %s at %d", ErrNotFound, field.ToHex(commitment), index)
	}
	return t.path(index)
}

// IndexOf returns the position of the first copy of a commitment.
func (t *Tree) IndexOf(commitment field.Element) (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, ok := t.index[commitment]
	return i, ok
}

// IsKnownRoot reports whether root is the current root or one of the last history entries.
// The zero element is never a known root.
func (t *Tree) IsKnownRoot(root field.Element) bool {
	if root.IsZero() {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	slot := t.head
	for n := 0; n < t.filled; n++ {
		if t.history[slot].Equal(&root) {
			return true
		}
		slot = (slot - 1 + len(t.history)) % len(t.history)
	}
	return false
}

// Roots returns the root history from oldest to newest.
func (t *Tree) Roots() []field.Element {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]field.Element, t.filled)
	slot := t.head
	for n := t.filled - 1; n >= 0; n-- {
		out[n] = t.history[slot]
		slot = (slot - 1 + len(t.history)) % len(t.history)
	}
	return out
}

// SetHistory replaces the root history, oldest first. The newest entry must equal
// the current root; entries beyond the history size are dropped from the old end.
func (t *Tree) SetHistory(roots []field.Element) error {
	if len(roots) == 0 {
		return ErrHistoryMismatch
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cur := t.root()
	if !roots[len(roots)-1].Equal(&cur) {
		return ErrHistoryMismatch
	}
	if len(roots) > len(t.history) {
		roots = roots[len(roots)-len(t.history):]
	}
	copy(t.history, roots)
	t.head = len(roots) - 1
	t.filled = len(roots)
	return nil
}

// Leaves returns a copy of the leaves starting at from.
func (t *Tree) Leaves(from uint64) []field.Element {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if from >= uint64(len(t.layers[0])) {
		return nil
	}
	out := make([]field.Element, uint64(len(t.layers[0]))-from)
	copy(out, t.layers[0][from:])
	return out
}

// Clone returns an independent copy, used as a read-only snapshot by transaction builders.
func (t *Tree) Clone() *Tree {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c := &Tree{
		levels:  t.levels,
		hasher:  t.hasher,
		zeros:   t.zeros,
		layers:  make([][]field.Element, len(t.layers)),
		index:   make(map[field.Element]uint64, len(t.index)),
		history: make([]field.Element, len(t.history)),
		head:    t.head,
		filled:  t.filled,
	}
	for i := range t.layers {
		c.layers[i] = append([]field.Element(nil), t.layers[i]...)
	}
	for k, v := range t.index {
		c.index[k] = v
	}
	copy(c.history, t.history)
	return c
}
