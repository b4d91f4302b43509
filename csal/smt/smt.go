// Package smt implements the authenticated key-value store backing every
// contract's storage root: a depth-256 sparse Merkle tree over 32-byte
// keys with default-zero leaves, blake2b node hashing, read/write-set
// tracking and compact proof generation.
//
// Shaped after go-ethereum/thor's trie package (New/Get/Update/Commit).
// Node hashing goes through golang.org/x/crypto/blake2b.
package smt

import (
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

// Depth is the fixed tree height: one level per key bit.
const Depth = 256

// Key is a 32-byte sparse-Merkle-tree key (a contract's storage slot).
type Key [32]byte

// Value is a 32-byte leaf value. The zero value means "never written".
type Value [32]byte

// Node is an internal branch: the hashes of its two children.
type Node struct {
	Left  [32]byte
	Right [32]byte
}

var zeroHash [Depth + 1][32]byte

func init() {
	// zeroHash[d] is the root hash of an empty subtree of height d.
	// zeroHash[0] is the empty leaf value itself.
	for d := 1; d <= Depth; d++ {
		zeroHash[d] = hashPair(zeroHash[d-1], zeroHash[d-1])
	}
}

func hashPair(left, right [32]byte) [32]byte {
	h, _ := blake2b.New256(nil)
	h.Write(left[:])
	h.Write(right[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// EmptyRoot is the root hash of a tree with no entries set.
func EmptyRoot() [32]byte { return zeroHash[Depth] }

// Tree is a sparse Merkle tree rooted at a single 32-byte hash, backed by
// a content-addressed Store.
type Tree struct {
	root  [32]byte
	store Store
}

// New opens a tree at the given root over store. Pass smt.EmptyRoot() for
// a fresh contract.
func New(root [32]byte, store Store) *Tree {
	return &Tree{root: root, store: store}
}

// Root returns the tree's current root hash.
func (t *Tree) Root() [32]byte { return t.root }

// Store returns the tree's backing node store.
func (t *Tree) Store() Store { return t.store }

func bitAt(key Key, depth int) int {
	byteIdx := depth / 8
	bitIdx := 7 - uint(depth%8)
	return int((key[byteIdx] >> bitIdx) & 1)
}

// Get returns the value stored at key, or the zero Value if never set.
func (t *Tree) Get(key Key) (Value, error) {
	h := t.root
	for depth := 0; depth < Depth; depth++ {
		remaining := Depth - depth
		if h == zeroHash[remaining] {
			return Value{}, nil
		}
		node, ok, err := t.store.GetNode(h)
		if err != nil {
			return Value{}, errors.Wrap(err, "smt: get node")
		}
		if !ok {
			return Value{}, errors.Errorf("smt: missing node at depth %d", depth)
		}
		if bitAt(key, depth) == 0 {
			h = node.Left
		} else {
			h = node.Right
		}
	}
	return Value(h), nil
}

// Update sets key to value and returns the new root. It does not mutate
// t.root; call Commit (or assign the return value) to make the write
// durable, matching thor's trie.Update/Hash split.
func (t *Tree) Update(key Key, value Value) ([32]byte, error) {
	var siblings [Depth][32]byte
	var wentLeft [Depth]bool

	h := t.root
	for depth := 0; depth < Depth; depth++ {
		remaining := Depth - depth
		var node Node
		if h == zeroHash[remaining] {
			node = Node{Left: zeroHash[remaining-1], Right: zeroHash[remaining-1]}
		} else {
			n, ok, err := t.store.GetNode(h)
			if err != nil {
				return [32]byte{}, errors.Wrap(err, "smt: update get node")
			}
			if !ok {
				return [32]byte{}, errors.Errorf("smt: missing node at depth %d", depth)
			}
			node = n
		}
		if bitAt(key, depth) == 0 {
			siblings[depth] = node.Right
			wentLeft[depth] = true
			h = node.Left
		} else {
			siblings[depth] = node.Left
			wentLeft[depth] = false
			h = node.Right
		}
	}

	cur := [32]byte(value)
	for depth := Depth - 1; depth >= 0; depth-- {
		var left, right [32]byte
		if wentLeft[depth] {
			left, right = cur, siblings[depth]
		} else {
			left, right = siblings[depth], cur
		}
		newHash := hashPair(left, right)
		if err := t.store.PutNode(newHash, Node{Left: left, Right: right}); err != nil {
			return [32]byte{}, errors.Wrap(err, "smt: update put node")
		}
		cur = newHash
	}
	return cur, nil
}

// Commit applies Update's returned root as the tree's current root.
func (t *Tree) Commit(root [32]byte) { t.root = root }

// Tracker wraps a Tree with read/write-set bookkeeping, recording every
// storage access an invocation makes so the transaction builder can emit
// a minimal run proof.
type Tracker struct {
	tree   *Tree
	reads  map[Key]Value
	writes map[Key]writeEntry
	order  []Key
}

type writeEntry struct {
	old, new Value
}

// Tree returns the tree this tracker wraps.
func (tr *Tracker) Tree() *Tree { return tr.tree }

// NewTracker wraps tree for one invocation's storage accesses.
func NewTracker(tree *Tree) *Tracker {
	return &Tracker{
		tree:   tree,
		reads:  make(map[Key]Value),
		writes: make(map[Key]writeEntry),
	}
}

// Get reads key, recording it in the read set unless it was already
// recorded as a write (the original value is what a correct proof needs).
func (tr *Tracker) Get(key Key) (Value, error) {
	if w, ok := tr.writes[key]; ok {
		return w.new, nil
	}
	if v, ok := tr.reads[key]; ok {
		return v, nil
	}
	v, err := tr.tree.Get(key)
	if err != nil {
		return Value{}, err
	}
	tr.reads[key] = v
	tr.order = append(tr.order, key)
	return v, nil
}

// Set writes value to key, recording the write set entry's original value
// (from the read set or the underlying tree if never read).
func (tr *Tracker) Set(key Key, value Value) error {
	if _, ok := tr.writes[key]; !ok {
		old, ok := tr.reads[key]
		if !ok {
			v, err := tr.tree.Get(key)
			if err != nil {
				return err
			}
			old = v
		}
		tr.writes[key] = writeEntry{old: old, new: value}
		tr.order = append(tr.order, key)
	} else {
		w := tr.writes[key]
		w.new = value
		tr.writes[key] = w
	}
	return nil
}

// Commit applies every tracked write to the underlying tree and returns
// the new root.
func (tr *Tracker) Commit() ([32]byte, error) {
	root := tr.tree.Root()
	seen := make(map[Key]bool)
	for _, key := range tr.order {
		w, ok := tr.writes[key]
		if !ok || seen[key] {
			continue
		}
		seen[key] = true
		var err error
		tr.tree.Commit(root)
		root, err = tr.tree.Update(key, w.new)
		if err != nil {
			return [32]byte{}, err
		}
		_ = w.old
	}
	tr.tree.Commit(root)
	return root, nil
}

// ReadSet returns the keys read (but not written) during this invocation
// whose value was non-default, in first-access order. A read that only
// observes a slot's default zero value carries no information a proof
// needs to reconstruct, so it's excluded here even though Get still
// caches it.
func (tr *Tracker) ReadSet() []Key {
	var out []Key
	for _, key := range tr.order {
		if _, isWrite := tr.writes[key]; isWrite {
			continue
		}
		if tr.reads[key] == (Value{}) {
			continue
		}
		out = append(out, key)
	}
	return out
}

// WriteSet returns the keys written during this invocation, in
// first-access order, along with their pre- and post-images.
func (tr *Tracker) WriteSet() []Write {
	var out []Write
	seen := make(map[Key]bool)
	for _, key := range tr.order {
		w, ok := tr.writes[key]
		if !ok || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, Write{Key: key, Old: w.old, New: w.new})
	}
	return out
}

// Write is one write-set entry: a key's value before and after the
// invocation that touched it.
type Write struct {
	Key      Key
	Old, New Value
}
