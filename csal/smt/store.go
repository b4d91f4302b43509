package smt

import (
	"encoding/hex"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
)

// ErrNotFound names the missing-node condition. The stores in this
// package do not return it: GetNode reports an unknown hash as ok ==
// false with a nil error. Tree lookups never ask the store for a known
// zero-subtree hash; they handle those internally.
var ErrNotFound = errors.New("smt: node not found")

// Store persists tree nodes keyed by their own hash, the same
// content-addressed shape as go-ethereum/thor's trie database.
type Store interface {
	GetNode(hash [32]byte) (Node, bool, error)
	PutNode(hash [32]byte, node Node) error
}

// MemStore is an in-memory Store, used by tests and by short-lived
// single-invocation runs that never persist state across processes.
type MemStore struct {
	nodes map[[32]byte]Node
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{nodes: make(map[[32]byte]Node)}
}

// GetNode implements Store.
func (s *MemStore) GetNode(hash [32]byte) (Node, bool, error) {
	n, ok := s.nodes[hash]
	return n, ok, nil
}

// PutNode implements Store.
func (s *MemStore) PutNode(hash [32]byte, node Node) error {
	s.nodes[hash] = node
	return nil
}

// LevelDBStore persists tree nodes in a LevelDB database. csal/runtime
// builds its trees over MemStore and does not open one.
type LevelDBStore struct {
	db *leveldb.DB
}

// OpenLevelDBStore opens (creating if absent) a LevelDB-backed node store
// at path.
func OpenLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "smt: open leveldb store")
	}
	return &LevelDBStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *LevelDBStore) Close() error {
	return s.db.Close()
}

// GetNode implements Store.
func (s *LevelDBStore) GetNode(hash [32]byte) (Node, bool, error) {
	data, err := s.db.Get(nodeDBKey(hash), nil)
	if err == leveldb.ErrNotFound {
		return Node{}, false, nil
	}
	if err != nil {
		return Node{}, false, errors.Wrap(err, "smt: leveldb get")
	}
	if len(data) != 64 {
		return Node{}, false, errors.Errorf("smt: corrupt node record for %s", hex.EncodeToString(hash[:]))
	}
	var n Node
	copy(n.Left[:], data[:32])
	copy(n.Right[:], data[32:])
	return n, true, nil
}

// PutNode implements Store.
func (s *LevelDBStore) PutNode(hash [32]byte, node Node) error {
	data := make([]byte, 64)
	copy(data[:32], node.Left[:])
	copy(data[32:], node.Right[:])
	if err := s.db.Put(nodeDBKey(hash), data, nil); err != nil {
		return errors.Wrap(err, "smt: leveldb put")
	}
	return nil
}

func nodeDBKey(hash [32]byte) []byte {
	key := make([]byte, 1+32)
	key[0] = 'n'
	copy(key[1:], hash[:])
	return key
}
