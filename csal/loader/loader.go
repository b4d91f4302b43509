// Package loader defines the chain-data access boundary the runtime needs
// to resolve contract state, live cells and block headers. It is
// interface-only: csal/rpcclient is the concrete JSON-RPC-backed
// implementation; tests use an in-memory fake.
package loader

import "github.com/nervosnetwork/polyjuice-runner/csal/address"

// OutPoint identifies a cell by the transaction that created it and its
// output index within that transaction.
type OutPoint struct {
	TxHash [32]byte
	Index  uint32
}

// CellInput references a cell being consumed, plus the since field every
// CKB-style transaction input carries.
type CellInput struct {
	PreviousOutput OutPoint
	Since          uint64
}

// Bytes returns a deterministic byte encoding of the input: tx_hash(32) ||
// index(4 LE) || since(8 LE). csal/runtime derives a CREATE's contract
// address from the entrance call's first cell input via exactly this
// encoding; it's this package's own layout, used consistently by both the
// derivation and anything that needs to recognize the same input later.
func (ci CellInput) Bytes() []byte {
	out := make([]byte, 0, 44)
	out = append(out, ci.PreviousOutput.TxHash[:]...)
	var idx [4]byte
	for i := 0; i < 4; i++ {
		idx[i] = byte(ci.PreviousOutput.Index >> (8 * uint(i)))
	}
	out = append(out, idx[:]...)
	var since [8]byte
	for i := 0; i < 8; i++ {
		since[i] = byte(ci.Since >> (8 * uint(i)))
	}
	out = append(out, since[:]...)
	return out
}

// CellOutput is a cell's capacity/lock/type triple.
type CellOutput struct {
	Capacity uint64
	Lock     Script
	Type     *Script
}

// Script is a CKB-style lock/type script reference: a code hash plus
// caller-defined args.
type Script struct {
	CodeHash   [32]byte
	HashType   byte
	Args       []byte
}

// CellDep is a dependency cell a transaction reads but does not consume.
type CellDep struct {
	OutPoint OutPoint
	DepType  byte
}

// Header is the subset of a block header the runtime and its syscalls
// need for BLOCKHASH and header-dep resolution.
type Header struct {
	Number     uint64
	Hash       [32]byte
	Timestamp  uint64
	Difficulty [32]byte
}

// Block carries the header plus whatever else callers key proofs against.
// Coinbase derivation reads the cellbase transaction, so CellbaseLock is
// the cellbase's output-0 lock script, pre-decoded by the Loader
// implementation since this module carries no CKB molecule codec to
// parse CellbaseTx's raw bytes itself.
//
// TransactionsRoot/WitnessesRoot and the CellbaseProof* fields are the
// CBMT merkle-root and inclusion-proof-of-index-0 a Loader computes over
// the block's transaction list, so csal/txbuilder's Coinbase proof is
// built entirely from these pre-computed fields rather than recomputing
// the proof from raw transactions.
type Block struct {
	Header            Header
	CellbaseTx        []byte
	CellbaseLock      *Script
	Transactions      [][]byte
	WitnessesRoot     [32]byte
	TransactionsRoot  [32]byte
	CellbaseProofLemmas [][32]byte
	CellbaseProofIndex  uint32
}

// ContractMeta is a contract's identity and current balance/lifecycle
// state.
type ContractMeta struct {
	Address    address.ContractAddress
	Code       []byte
	TxHash     [32]byte
	OutputIdx  uint32
	Balance    uint64
	Destructed bool
}

// Change is one committed contract-call's effect on chain state. Its
// NewStorage map is the contract's full post-call key/value delta, used
// to rebuild a sparse Merkle tree when no cached tree is available.
type Change struct {
	TxOrigin    address.EoaAddress
	Address     address.ContractAddress
	Number      uint64
	TxIndex     uint32
	OutputIndex uint32
	TxHash      [32]byte
	NewStorage  map[[32]byte][32]byte
	Logs        []Log
	Capacity    uint64
	Balance     uint64
	IsCreate    bool
}

// Log is one emitted event: topics plus opaque data.
type Log struct {
	Topics [][32]byte
	Data   []byte
}

// OutPoint reconstructs the cell this change lives in.
func (c *Change) OutPoint() OutPoint {
	return OutPoint{TxHash: c.TxHash, Index: c.OutputIndex}
}

// Loader is the read-only chain-data surface the runtime depends on.
type Loader interface {
	// LoadContractMeta resolves a contract address to its current
	// on-chain metadata.
	LoadContractMeta(addr address.ContractAddress) (ContractMeta, error)

	// LoadLatestContractChange finds the most recent committed change
	// for addr, optionally bounded by blockNumber (nil means "tip").
	LoadLatestContractChange(addr address.ContractAddress, blockNumber *uint64, includeTxPool, reverse bool) (Change, error)

	// LoadContractLiveCell fetches a contract's current cell output and
	// data blob by the transaction/output that produced it.
	LoadContractLiveCell(txHash [32]byte, outputIndex uint32) (CellOutput, []byte, error)

	// LoadBlock loads a block by number, or the tip block when number is
	// nil.
	LoadBlock(number *uint64) (Block, error)

	// LoadHeader loads a header by number, or the tip header when number
	// is nil.
	LoadHeader(number *uint64) (Header, error)

	// CollectCells gathers live cells locked by owner with total capacity
	// at least minCapacity, returning the cells found and their summed
	// capacity. csal/runtime uses this to fund a CREATE's fuel input.
	CollectCells(owner address.EoaAddress, minCapacity uint64) ([]OutPoint, uint64, error)

	// LoadHeaderDeps resolves the block hashes whose headers must be
	// attached as header_deps to validate inputs' since rules.
	LoadHeaderDeps(inputs []CellInput) ([][32]byte, error)
}
