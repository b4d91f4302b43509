// Package contract holds the per-address execution frame: ContractInfo
// tracks one contract's storage tree, code, pending input cell and the
// ordered list of invocations made against it during a run; ExecuteRecord
// is a single invocation's program, logs, return data and storage proof.
package contract

import (
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"github.com/nervosnetwork/polyjuice-runner/csal/address"
	"github.com/nervosnetwork/polyjuice-runner/csal/codec"
	"github.com/nervosnetwork/polyjuice-runner/csal/loader"
	"github.com/nervosnetwork/polyjuice-runner/csal/smt"
)

// CallRef is one outbound sub-call: the callee's address and the index
// of the ExecuteRecord it produced on that callee's own ContractInfo.
type CallRef struct {
	Destination   address.ContractAddress
	ExecuteRecord uint32
}

// Input is the live cell a ContractInfo was loaded from. It is nil for a
// contract being created in this same run.
type Input struct {
	OutPoint loader.OutPoint
	Output   loader.CellOutput
	Data     []byte
}

// CellInput returns the consuming cell input for this contract's current
// cell, with since 0.
func (in *Input) CellInput() loader.CellInput {
	return loader.CellInput{PreviousOutput: in.OutPoint, Since: 0}
}

// Capacity returns the input cell's CKB capacity.
func (in *Input) Capacity() uint64 { return in.Output.Capacity }

// ExecuteRecord is one invocation made against a ContractInfo: the
// program that ran, the logs and return data it produced, the storage
// proof for its reads/writes, and the sub-calls it made.
type ExecuteRecord struct {
	Program    codec.Program
	Logs       [][]byte
	ReturnData []byte
	RunProof   []byte
	Calls      []CallRef
}

// NewExecuteRecord starts a fresh record for program.
func NewExecuteRecord(program codec.Program) *ExecuteRecord {
	return &ExecuteRecord{Program: program}
}

// WitnessData builds this record's WitnessData entry. firstProgram
// controls whether the contract's code is embedded (only the first
// program in a contract's frame carries it, to avoid repeating it across
// every invocation) and whether a coinbase proof is attached.
func (r *ExecuteRecord) WitnessData(firstProgram bool, coinbase *codec.Coinbase) *codec.WitnessData {
	program := r.Program
	if !firstProgram {
		program.Code = nil
	}
	w := codec.NewWitnessData(program)
	w.ReturnData = r.ReturnData
	w.RunProof = r.RunProof
	if firstProgram {
		w.Coinbase = coinbase
	}
	for _, c := range r.Calls {
		w.Calls = append(w.Calls, codec.CallRecord{
			Destination:  c.Destination,
			ProgramIndex: c.ExecuteRecord,
		})
	}
	return w
}

// ContractInfo is one contract's execution frame for the duration of a
// run: its storage tracker, code, the cell it was loaded from (nil for a
// fresh CREATE), and the ordered invocations made against it.
type ContractInfo struct {
	Address      address.ContractAddress
	Tracker      *smt.Tracker
	Code         []byte
	Input        *Input
	Selfdestruct *codec.Selfdestruct

	records      []*ExecuteRecord
	executeIndex int
	pendingCalls []CallRef
}

// New builds a fresh ContractInfo. input is nil when the contract is
// being created in this run.
func New(addr address.ContractAddress, input *Input, tree *smt.Tree) *ContractInfo {
	return &ContractInfo{
		Address: addr,
		Tracker: smt.NewTracker(tree),
		Input:   input,
	}
}

// StorageRoot returns the contract's current storage tree root. Writes
// from the in-flight invocation (if any) are committed by
// csal/runtime.Context.Run before this is called, so this only ever reads
// the tracker's already-settled tree.
func (c *ContractInfo) StorageRoot() [32]byte {
	return c.Tracker.Tree().Root()
}

// CodeHash returns blake2b-256(code). It panics if code is empty: callers
// must not call this before the contract's code is known.
func (c *ContractInfo) CodeHash() [32]byte {
	if len(c.Code) == 0 {
		panic(errors.Errorf("contract: code hash requested before code is set for %s", c.Address))
	}
	return blake2b.Sum256(c.Code)
}

// OutputData serializes the cell data this contract's output cell must
// carry: storage_root(32) || code_hash(32).
func (c *ContractInfo) OutputData() []byte {
	root := c.StorageRoot()
	hash := c.CodeHash()
	out := make([]byte, 0, 64)
	out = append(out, root[:]...)
	out = append(out, hash[:]...)
	return out
}

// IsCreate reports whether this contract's frame began with a CREATE/
// CREATE2 program.
func (c *ContractInfo) IsCreate() bool {
	return len(c.records) > 0 && c.records[0].Program.IsCreate()
}

// AddRecord starts a new ExecuteRecord for program. The first non-create
// program's code becomes the contract's tracked code.
func (c *ContractInfo) AddRecord(program codec.Program) {
	if !program.IsCreate() && len(c.Code) == 0 {
		c.Code = program.Code
	}
	c.records = append(c.records, NewExecuteRecord(program))
	c.executeIndex = len(c.records)
}

// GetLastCall returns the index of the most recently added record.
func (c *ContractInfo) GetLastCall() uint32 { return uint32(c.executeIndex - 1) }

// ExecuteIndex returns the record count AddRecord has advanced to so far.
// csal/runtime saves this right after adding the invocation's own record
// and restores it once the VM returns, so that a nested special call
// (which shares this same ContractInfo and adds its own record meanwhile)
// can't shift which record the invocation's finalization step targets.
func (c *ContractInfo) ExecuteIndex() int { return c.executeIndex }

// SetExecuteIndex restores a previously saved ExecuteIndex.
func (c *ContractInfo) SetExecuteIndex(idx int) { c.executeIndex = idx }

// CurrentRecord returns the record currently being executed.
func (c *ContractInfo) CurrentRecord() *ExecuteRecord {
	return c.records[c.executeIndex-1]
}

// Records returns every execute record in invocation order.
func (c *ContractInfo) Records() []*ExecuteRecord { return c.records }

// AppendPendingCall records a sub-call made during the invocation
// currently in flight against this contract. It accumulates across
// CALLCODE/DELEGATECALL boundaries and is drained onto the finishing
// invocation's ExecuteRecord by DrainCurrentCalls.
func (c *ContractInfo) AppendPendingCall(ref CallRef) {
	c.pendingCalls = append(c.pendingCalls, ref)
}

// DrainCurrentCalls returns and clears the accumulated pending calls.
func (c *ContractInfo) DrainCurrentCalls() []CallRef {
	calls := c.pendingCalls
	c.pendingCalls = nil
	return calls
}

// GetLogs flattens every record's logs in invocation order.
func (c *ContractInfo) GetLogs() [][]byte {
	var all [][]byte
	for _, r := range c.records {
		all = append(all, r.Logs...)
	}
	return all
}

// WitnessBlob concatenates every record's WitnessData for this contract
// into the single opaque payload csal/txbuilder places in one witness
// slot: the entrance record carries coinbase (when provided), the final
// record carries the contract's selfdestruct target (when set), and the
// whole thing ends with the zero-length sentinel LoadWitnessData expects.
// csal/txbuilder is responsible for the surrounding WitnessArgs
// input_type/output_type placement.
func (c *ContractInfo) WitnessBlob(coinbase *codec.Coinbase) []byte {
	var out []byte
	for i, r := range c.records {
		var recordCoinbase *codec.Coinbase
		if i == 0 {
			recordCoinbase = coinbase
		}
		w := r.WitnessData(i == 0, recordCoinbase)
		if i == len(c.records)-1 {
			w.Selfdestruct = c.Selfdestruct
		}
		out = append(out, w.Serialize()...)
	}
	// Zero-length varSlice: the sentinel that ends a contract's witness
	// payload.
	out = append(out, 0, 0, 0, 0)
	return out
}
