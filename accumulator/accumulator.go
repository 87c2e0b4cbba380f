/*
Package accumulator implements the fixed height append-only merkle tree that
holds the note commitments of a pool.

The tree is stored as an arena of leaves (layers[0]) plus the internal
layers computed from it.  Nodes on the right edge of the tree are hashed
against the precomputed zero subtree of their level, so the root of a tree
with n leaves only depends on those n leaves in insertion order.  Rolling
back to a previous leaf count is a truncation of every layer followed by a
recompute of the new right edge.

All the methods are safe for concurrent use: mutations are serialized and
never run while a reader holds the tree.
*/
package accumulator

import (
	"fmt"
	"math/big"
	"sync"

	"shielded-pool/common"
)

const (
	// MaxHeight is the maximum supported tree height
	MaxHeight = 32
)

// DefaultZeroValue is the empty leaf: keccak256("tornado") mod P
var DefaultZeroValue, _ = new(big.Int).SetString(
	"21663839004416932945382355908790599225266501822907911457504978515578255421292", 10)

// Config of an Accumulator
type Config struct {
	// Height is the number of levels of the tree, the capacity is
	// 2^Height leaves
	Height int
	// ZeroValue is the value of an empty leaf.  DefaultZeroValue is used
	// if nil.
	ZeroValue *big.Int
	// Hasher hashes two children into their parent.  Poseidon is used if
	// nil.
	Hasher common.Hasher
}

// Accumulator is an incremental merkle tree over field elements
type Accumulator struct {
	height   int
	capacity uint64
	hasher   common.Hasher
	zeros    []*big.Int
	layers   [][]*big.Int
	rw       sync.RWMutex
}

// Path is the inclusion proof of a leaf
type Path struct {
	Index   int
	Element *big.Int
	Root    *big.Int
	// PathElements[l] is the sibling at level l
	PathElements []*big.Int
	// PathIndices[l] is 1 when the node at level l is a right child
	PathIndices []uint8
}

// Snapshot identifies a state of the tree that can be restored
type Snapshot struct {
	Len  int
	Root *big.Int
}

// GenerateZeroHashes returns zeros[0..height] where zeros[0] is the empty
// leaf and zeros[i] = H(zeros[i-1], zeros[i-1])
func GenerateZeroHashes(hasher common.Hasher, zeroValue *big.Int, height int) ([]*big.Int, error) {
	zeros := make([]*big.Int, height+1)
	zeros[0] = new(big.Int).Set(zeroValue)
	for i := 1; i <= height; i++ {
		h, err := hasher.Hash(zeros[i-1], zeros[i-1])
		if err != nil {
			return nil, common.Wrap(err)
		}
		zeros[i] = h
	}
	return zeros, nil
}

// New creates an empty Accumulator
func New(cfg Config) (*Accumulator, error) {
	if cfg.Height < 1 || cfg.Height > MaxHeight {
		return nil, common.Wrap(fmt.Errorf("invalid tree height %d, must be in [1, %d]",
			cfg.Height, MaxHeight))
	}
	zeroValue := cfg.ZeroValue
	if zeroValue == nil {
		zeroValue = DefaultZeroValue
	}
	if !common.CheckInField(zeroValue) {
		return nil, common.Wrap(common.ErrNotInFF)
	}
	hasher := cfg.Hasher
	if hasher == nil {
		hasher = common.PoseidonHasher{}
	}
	zeros, err := GenerateZeroHashes(hasher, zeroValue, cfg.Height)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &Accumulator{
		height:   cfg.Height,
		capacity: uint64(1) << uint(cfg.Height),
		hasher:   hasher,
		zeros:    zeros,
		layers:   make([][]*big.Int, cfg.Height+1),
	}, nil
}

// Height returns the number of levels of the tree
func (a *Accumulator) Height() int { return a.height }

// Capacity returns the maximum number of leaves
func (a *Accumulator) Capacity() uint64 { return a.capacity }

// Hasher returns the hash function of the tree
func (a *Accumulator) Hasher() common.Hasher { return a.hasher }

// Zeros returns a copy of the zero subtree hashes
func (a *Accumulator) Zeros() []*big.Int {
	return common.CopyBigInts(a.zeros)
}

// Len returns the number of inserted leaves
func (a *Accumulator) Len() int {
	a.rw.RLock()
	defer a.rw.RUnlock()
	return len(a.layers[0])
}

// Root returns the current root, or the zero hash of the top level if the
// tree is empty
func (a *Accumulator) Root() *big.Int {
	a.rw.RLock()
	defer a.rw.RUnlock()
	return a.root()
}

func (a *Accumulator) root() *big.Int {
	if len(a.layers[a.height]) == 0 {
		return new(big.Int).Set(a.zeros[a.height])
	}
	return new(big.Int).Set(a.layers[a.height][0])
}

// Element returns the leaf at index
func (a *Accumulator) Element(index int) (*big.Int, error) {
	a.rw.RLock()
	defer a.rw.RUnlock()
	if index < 0 || index >= len(a.layers[0]) {
		return nil, common.Wrap(common.ErrIndexOutOfRange)
	}
	return new(big.Int).Set(a.layers[0][index]), nil
}

// Leaves returns a copy of the inserted leaves in insertion order
func (a *Accumulator) Leaves() []*big.Int {
	a.rw.RLock()
	defer a.rw.RUnlock()
	return common.CopyBigInts(a.layers[0])
}

// IndexOf returns the index of the first leaf equal to value, or -1
func (a *Accumulator) IndexOf(value *big.Int) int {
	a.rw.RLock()
	defer a.rw.RUnlock()
	for i, leaf := range a.layers[0] {
		if leaf.Cmp(value) == 0 {
			return i
		}
	}
	return -1
}

// Insert appends value and recomputes the path from the new leaf to the root
func (a *Accumulator) Insert(value *big.Int) error {
	if !common.CheckInField(value) {
		return common.Wrap(common.ErrNotInFF)
	}
	a.rw.Lock()
	defer a.rw.Unlock()
	return a.insert(value)
}

func (a *Accumulator) insert(value *big.Int) error {
	n := len(a.layers[0])
	if uint64(n) >= a.capacity {
		return common.Wrap(common.ErrCapacityExceeded)
	}
	a.layers[0] = append(a.layers[0], new(big.Int).Set(value))
	if err := a.updatePath(n); err != nil {
		a.truncate(n) //nolint:errcheck
		return common.Wrap(err)
	}
	return nil
}

// BulkInsert appends values.  All but the last value only update the nodes
// whose pair of children just became complete; the last value goes through
// Insert, which recomputes the whole right edge.  No leaf is inserted if the
// values do not fit.
func (a *Accumulator) BulkInsert(values []*big.Int) error {
	if len(values) == 0 {
		return nil
	}
	for _, v := range values {
		if !common.CheckInField(v) {
			return common.Wrap(common.ErrNotInFF)
		}
	}
	a.rw.Lock()
	defer a.rw.Unlock()
	prevLen := len(a.layers[0])
	if uint64(prevLen)+uint64(len(values)) > a.capacity {
		return common.Wrap(common.ErrCapacityExceeded)
	}
	for _, v := range values[:len(values)-1] {
		a.layers[0] = append(a.layers[0], new(big.Int).Set(v))
		level := 0
		index := len(a.layers[0]) - 1
		for index%2 == 1 {
			level++
			index >>= 1
			h, err := a.hasher.Hash(a.layers[level-1][index*2], a.layers[level-1][index*2+1])
			if err != nil {
				a.truncate(prevLen) //nolint:errcheck
				return common.Wrap(err)
			}
			a.setNode(level, index, h)
		}
	}
	if err := a.insert(values[len(values)-1]); err != nil {
		a.truncate(prevLen) //nolint:errcheck
		return common.Wrap(err)
	}
	return nil
}

// Update replaces the leaf at index and recomputes its path
func (a *Accumulator) Update(index int, value *big.Int) error {
	if !common.CheckInField(value) {
		return common.Wrap(common.ErrNotInFF)
	}
	a.rw.Lock()
	defer a.rw.Unlock()
	if index < 0 || index >= len(a.layers[0]) {
		return common.Wrap(common.ErrIndexOutOfRange)
	}
	prev := a.layers[0][index]
	a.layers[0][index] = new(big.Int).Set(value)
	if err := a.updatePath(index); err != nil {
		a.layers[0][index] = prev
		return common.Wrap(err)
	}
	return nil
}

// Path returns the inclusion proof of the leaf at index
func (a *Accumulator) Path(index int) (*Path, error) {
	a.rw.RLock()
	defer a.rw.RUnlock()
	if index < 0 || index >= len(a.layers[0]) {
		return nil, common.Wrap(common.ErrIndexOutOfRange)
	}
	path := &Path{
		Index:        index,
		Element:      new(big.Int).Set(a.layers[0][index]),
		Root:         a.root(),
		PathElements: make([]*big.Int, a.height),
		PathIndices:  make([]uint8, a.height),
	}
	for level := 0; level < a.height; level++ {
		sibling := index ^ 1
		if sibling < len(a.layers[level]) {
			path.PathElements[level] = new(big.Int).Set(a.layers[level][sibling])
		} else {
			path.PathElements[level] = new(big.Int).Set(a.zeros[level])
		}
		path.PathIndices[level] = uint8(index % 2)
		index >>= 1
	}
	return path, nil
}

// Snapshot returns the current state so that it can be restored later
func (a *Accumulator) Snapshot() Snapshot {
	a.rw.RLock()
	defer a.rw.RUnlock()
	return Snapshot{Len: len(a.layers[0]), Root: a.root()}
}

// Restore rolls the tree back to a snapshot taken earlier.  It fails if the
// leaves below the snapshot length were modified since.
func (a *Accumulator) Restore(s Snapshot) error {
	a.rw.Lock()
	defer a.rw.Unlock()
	if err := a.truncate(s.Len); err != nil {
		return common.Wrap(err)
	}
	if s.Root != nil && a.root().Cmp(s.Root) != 0 {
		return common.Wrap(fmt.Errorf("restored root %v does not match snapshot root %v",
			a.root(), s.Root))
	}
	return nil
}

// Truncate drops every leaf with index >= n
func (a *Accumulator) Truncate(n int) error {
	a.rw.Lock()
	defer a.rw.Unlock()
	return a.truncate(n)
}

func (a *Accumulator) truncate(n int) error {
	if n < 0 || n > len(a.layers[0]) {
		return common.Wrap(common.ErrIndexOutOfRange)
	}
	for level := 0; level <= a.height; level++ {
		size := (n + (1 << uint(level)) - 1) >> uint(level)
		if size < len(a.layers[level]) {
			for i := size; i < len(a.layers[level]); i++ {
				a.layers[level][i] = nil
			}
			a.layers[level] = a.layers[level][:size]
		}
	}
	if n == 0 {
		return nil
	}
	return a.updatePath(n - 1)
}

// updatePath recomputes every ancestor of the leaf at index
func (a *Accumulator) updatePath(index int) error {
	for level := 1; level <= a.height; level++ {
		index >>= 1
		below := a.layers[level-1]
		left := below[index*2]
		right := a.zeros[level-1]
		if index*2+1 < len(below) {
			right = below[index*2+1]
		}
		h, err := a.hasher.Hash(left, right)
		if err != nil {
			return common.Wrap(err)
		}
		a.setNode(level, index, h)
	}
	return nil
}

func (a *Accumulator) setNode(level, index int, value *big.Int) {
	for len(a.layers[level]) < index {
		a.layers[level] = append(a.layers[level], new(big.Int).Set(a.zeros[level]))
	}
	if index == len(a.layers[level]) {
		a.layers[level] = append(a.layers[level], value)
		return
	}
	a.layers[level][index] = value
}

// ComputeRoot folds element with the siblings of a path
func ComputeRoot(hasher common.Hasher, element *big.Int, pathElements []*big.Int,
	pathIndices []uint8) (*big.Int, error) {
	if len(pathElements) != len(pathIndices) {
		return nil, common.Wrap(fmt.Errorf("path elements (%d) and indices (%d) length mismatch",
			len(pathElements), len(pathIndices)))
	}
	cur := element
	for i, sibling := range pathElements {
		var err error
		if pathIndices[i] == 0 {
			cur, err = hasher.Hash(cur, sibling)
		} else {
			cur, err = hasher.Hash(sibling, cur)
		}
		if err != nil {
			return nil, common.Wrap(err)
		}
	}
	return cur, nil
}

// VerifyPath returns true if the path leads from its element to its root
func VerifyPath(hasher common.Hasher, path *Path) (bool, error) {
	root, err := ComputeRoot(hasher, path.Element, path.PathElements, path.PathIndices)
	if err != nil {
		return false, common.Wrap(err)
	}
	return root.Cmp(path.Root) == 0, nil
}
