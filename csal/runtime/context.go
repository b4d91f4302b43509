// Package runtime is the recursive call-stack state machine driving one
// CSAL transaction: it resolves which contract a Program targets,
// hydrates its storage tree from the chain (or starts a fresh one for
// CREATE), drives the injected VM through the syscalls in csal/xenv, and
// folds the result into a per-contract, per-invocation ExecuteRecord
// with its own storage proof.
package runtime

import (
	"github.com/pkg/errors"

	"github.com/nervosnetwork/polyjuice-runner/csal/address"
	"github.com/nervosnetwork/polyjuice-runner/csal/codec"
	"github.com/nervosnetwork/polyjuice-runner/csal/contract"
	"github.com/nervosnetwork/polyjuice-runner/csal/loader"
	"github.com/nervosnetwork/polyjuice-runner/csal/smt"
	"github.com/nervosnetwork/polyjuice-runner/csal/xenv"
)

// MinFuelCapacity is the CKB capacity (in shannons) an entrance CREATE's
// funding cell must carry: 61 CKB, the minimum a cell can hold on its
// own.
const MinFuelCapacity = 61 * 100_000_000

// VMRunner drives a program's bytecode against host, routing every
// storage/call/log/context effect through xenv.Handle as the program
// traps on an ecall. The actual RISC-V/EVM interpreter is out of scope;
// this interface is the seam a concrete interpreter is wired in through.
type VMRunner interface {
	Execute(host xenv.Host, program codec.Program) error
}

type contractEntry struct {
	address address.ContractAddress
	info    *contract.ContractInfo
}

// Context is one transaction's full run: every contract frame touched,
// the entrance program that started it, and the bookkeeping build_tx
// later needs (header deps, the fuel/contract input that anchors CREATE
// address derivation, whether any write was observed).
type Context struct {
	Loader   loader.Loader
	VM       VMRunner
	TipBlock loader.Block

	headerDeps map[[32]byte]bool

	txOrigin address.EoaAddress

	firstFuelOutPoints []loader.OutPoint
	firstFuelCapacity  uint64
	firstContractInput *contract.Input

	entranceProgram *codec.Program

	contractIndex int
	contracts     []*contractEntry

	stateChanged bool
}

// New builds an empty Context for a single transaction run.
func New(ld loader.Loader, vm VMRunner, tip loader.Block) *Context {
	return &Context{
		Loader:     ld,
		VM:         vm,
		TipBlock:   tip,
		headerDeps: make(map[[32]byte]bool),
	}
}

// TxOrigin returns the entrance program's sender.
func (c *Context) TxOrigin() address.EoaAddress { return c.txOrigin }

// HeaderDeps returns the set of block hashes BLOCKHASH queries have
// pulled in during this run. The tip is not in this set; csal/txbuilder
// puts the tip hash first in the built transaction's header deps.
func (c *Context) HeaderDeps() map[[32]byte]bool { return c.headerDeps }

// StateChanged reports whether any storage write was observed anywhere
// in this run. The transaction builder's static/non-static guard is
// checked against this.
func (c *Context) StateChanged() bool { return c.stateChanged }

// FirstFuelOutPoints returns the live cells collected to fund an entrance
// CREATE, set by SetEntranceProgram. Empty when the entrance program was
// a CALL/DELEGATECALL/CALLCODE.
func (c *Context) FirstFuelOutPoints() []loader.OutPoint { return c.firstFuelOutPoints }

// FirstFuelCapacity returns the summed capacity of FirstFuelOutPoints.
func (c *Context) FirstFuelCapacity() uint64 { return c.firstFuelCapacity }

// FirstContractInput returns the entrance program's target contract's
// live cell, set by SetEntranceProgram. Nil when the entrance program was
// a CREATE/CREATE2.
func (c *Context) FirstContractInput() *contract.Input { return c.firstContractInput }

// EntranceProgram returns the program the run started with.
func (c *Context) EntranceProgram() *codec.Program { return c.entranceProgram }

// SetEntranceProgram bootstraps the run from its first program: for a
// CREATE it collects fuel cells to fund the new contract's address
// derivation and output; for a call it loads the target's current live
// cell.
func (c *Context) SetEntranceProgram(program *codec.Program) error {
	c.txOrigin = address.EoaAddress(program.Sender)
	if program.IsCreate() {
		outPoints, capacity, err := c.Loader.CollectCells(c.txOrigin, MinFuelCapacity)
		if err != nil {
			return errors.Wrap(err, "runtime: collect fuel cells for entrance create")
		}
		if len(outPoints) == 0 {
			return errors.Errorf("runtime: no spendable cell found for %s", c.txOrigin)
		}
		c.firstFuelOutPoints = outPoints
		c.firstFuelCapacity = capacity
	} else {
		destination := address.ContractAddress(program.Destination)
		change, err := c.Loader.LoadLatestContractChange(destination, nil, false, false)
		if err != nil {
			return errors.Wrap(err, "runtime: load latest contract change for entrance call")
		}
		output, data, err := c.Loader.LoadContractLiveCell(change.TxHash, change.OutputIndex)
		if err != nil {
			return errors.Wrap(err, "runtime: load contract live cell for entrance call")
		}
		c.firstContractInput = &contract.Input{OutPoint: change.OutPoint(), Output: output, Data: data}
	}
	c.entranceProgram = program
	return nil
}

// firstCellInput returns the cell input every CREATE address in this run
// is derived from: the entrance contract input if the entrance was a
// call, else the first collected fuel cell. Returns an error if called
// before the entrance program is set, since there is no cell input yet
// to derive from.
func (c *Context) firstCellInput() (loader.CellInput, error) {
	if c.firstContractInput != nil {
		return c.firstContractInput.CellInput(), nil
	}
	if len(c.firstFuelOutPoints) > 0 {
		return loader.CellInput{PreviousOutput: c.firstFuelOutPoints[0]}, nil
	}
	return loader.CellInput{}, errors.New("runtime: no first cell input available before the entrance program is set")
}

// destination resolves program's target contract address: itself, for a
// non-create program, or the type-id derived from the run's first cell
// input and outputIndex for a CREATE/CREATE2.
//
// outputIndex is the caller's count of contracts touched so far in this
// run, not a count scoped to the entrance program's own created
// contracts. Call sites pass len(c.contracts) at the point of the call,
// kept that way to stay bit-compatible with how existing chain state
// derived its addresses.
func (c *Context) destination(program *codec.Program, outputIndex uint64) (address.ContractAddress, error) {
	if !program.IsCreate() {
		return address.ContractAddress(program.Destination), nil
	}
	first, err := c.firstCellInput()
	if err != nil {
		return address.ContractAddress{}, err
	}
	return address.DeriveContractAddress(first.Bytes(), outputIndex)
}

func (c *Context) getContractIndex(addr address.ContractAddress) (int, bool) {
	for i, entry := range c.contracts {
		if entry.address == addr {
			return i, true
		}
	}
	return 0, false
}

func (c *Context) getContractInfo(addr address.ContractAddress) (*contract.ContractInfo, bool) {
	idx, ok := c.getContractIndex(addr)
	if !ok {
		return nil, false
	}
	return c.contracts[idx].info, true
}

// CurrentContractAddress returns the address of the frame currently
// executing.
func (c *Context) CurrentContractAddress() (address.ContractAddress, error) {
	if c.contractIndex < 0 || c.contractIndex >= len(c.contracts) {
		return address.ContractAddress{}, errors.New("runtime: no contract frame is currently active")
	}
	return c.contracts[c.contractIndex].address, nil
}

// CurrentContractInfo returns the ContractInfo of the frame currently
// executing.
func (c *Context) CurrentContractInfo() (*contract.ContractInfo, error) {
	if c.contractIndex < 0 || c.contractIndex >= len(c.contracts) {
		return nil, errors.New("runtime: no contract frame is currently active")
	}
	return c.contracts[c.contractIndex].info, nil
}

// IsCreate reports whether the entrance program created a contract.
func (c *Context) IsCreate() bool {
	return len(c.contracts) > 0 && c.contracts[0].info.IsCreate()
}

// EntranceContract returns the entrance program's contract address.
func (c *Context) EntranceContract() address.ContractAddress { return c.contracts[0].address }

// EntranceInfo returns the entrance program's ContractInfo.
func (c *Context) EntranceInfo() *contract.ContractInfo { return c.contracts[0].info }

// CreatedContracts returns every contract address created during this
// run, in touch order.
func (c *Context) CreatedContracts() []address.ContractAddress {
	var out []address.ContractAddress
	for _, entry := range c.contracts {
		if entry.info.IsCreate() {
			out = append(out, entry.address)
		}
	}
	return out
}

// DestructedContracts returns every contract address selfdestructed
// during this run, in touch order.
func (c *Context) DestructedContracts() []address.ContractAddress {
	var out []address.ContractAddress
	for _, entry := range c.contracts {
		if entry.info.Selfdestruct != nil {
			out = append(out, entry.address)
		}
	}
	return out
}

// ContractFrame pairs a touched contract's address with its execution
// frame.
type ContractFrame struct {
	Address address.ContractAddress
	Info    *contract.ContractInfo
}

// Contracts returns every contract frame touched during this run, in
// touch order; the entrance contract is always first. csal/txbuilder
// assembles a transaction's outputs/witnesses in this same order.
func (c *Context) Contracts() []ContractFrame {
	out := make([]ContractFrame, len(c.contracts))
	for i, entry := range c.contracts {
		out[i] = ContractFrame{Address: entry.address, Info: entry.info}
	}
	return out
}

// LogEntry is one emitted log, tagged with the contract that emitted it.
type LogEntry struct {
	Address address.ContractAddress
	Data    []byte
}

// GetLogs flattens every contract's logs, in touch then invocation order.
func (c *Context) GetLogs() []LogEntry {
	var out []LogEntry
	for _, entry := range c.contracts {
		for _, data := range entry.info.GetLogs() {
			out = append(out, LogEntry{Address: entry.address, Data: data})
		}
	}
	return out
}

// GetContractCode resolves addr's code: the in-flight value tracked on
// its ContractInfo if this run has touched it already, else the code
// recorded on-chain.
func (c *Context) GetContractCode(addr address.ContractAddress) ([]byte, error) {
	if info, ok := c.getContractInfo(addr); ok && len(info.Code) > 0 {
		return info.Code, nil
	}
	meta, err := c.Loader.LoadContractMeta(addr)
	if err != nil {
		return nil, errors.Wrapf(err, "runtime: load contract meta for %s", addr)
	}
	return meta.Code, nil
}

// loadChangeTree hydrates a fresh SMT from a committed Change's full
// storage delta, since Change carries a plain key/value map rather than
// a pre-serialized tree.
func loadChangeTree(change loader.Change) (*smt.Tree, error) {
	tree := smt.New(smt.EmptyRoot(), smt.NewMemStore())
	for key, value := range change.NewStorage {
		root, err := tree.Update(smt.Key(key), smt.Value(value))
		if err != nil {
			return nil, errors.Wrap(err, "runtime: hydrate tree from change")
		}
		tree.Commit(root)
	}
	return tree, nil
}

// addSpecialCall records a CALLCODE/DELEGATECALL program against the
// callee's own ContractInfo: a proof-empty, evidentiary record distinct
// from the one Run attaches to the caller's frame for the actual storage
// activity.
func (c *Context) addSpecialCall(program codec.Program) error {
	infoAddress := address.ContractAddress(program.Destination)
	idx, existing := c.getContractIndex(infoAddress)
	if !existing {
		change, err := c.Loader.LoadLatestContractChange(infoAddress, nil, false, false)
		if err != nil {
			return errors.Wrapf(err, "runtime: load latest contract change for %s", infoAddress)
		}
		output, data, err := c.Loader.LoadContractLiveCell(change.TxHash, change.OutputIndex)
		if err != nil {
			return errors.Wrapf(err, "runtime: load contract live cell for %s", infoAddress)
		}
		input := &contract.Input{OutPoint: change.OutPoint(), Output: output, Data: data}
		tree, err := loadChangeTree(change)
		if err != nil {
			return err
		}
		info := contract.New(infoAddress, input, tree)
		c.contracts = append(c.contracts, &contractEntry{address: infoAddress, info: info})
		idx = len(c.contracts) - 1
	}
	c.contractIndex = idx
	entry := c.contracts[idx]
	entry.info.AddRecord(program)
	entry.info.CurrentRecord().RunProof = smt.RunProof{}.Serialize()
	return nil
}

// Run executes program as the next step of this context: CALL/CREATE
// against its destination, or CALLCODE/DELEGATECALL against the
// currently executing frame. It resolves (or creates) the target's
// ContractInfo, drives the VM, and folds the resulting storage proof (or,
// for a special call, an empty one) into the invocation's ExecuteRecord.
func (c *Context) Run(program codec.Program) error {
	if len(c.contracts) == 0 {
		if err := c.SetEntranceProgram(&program); err != nil {
			return err
		}
	}

	special := program.Kind.IsSpecialCall()
	infoAddress := address.ContractAddress(program.Destination)
	if special {
		addr, err := c.CurrentContractAddress()
		if err != nil {
			return errors.Wrap(err, "runtime: special call with no active frame")
		}
		infoAddress = addr
	}

	if program.IsCreate() {
		c.stateChanged = true
	}

	idx, existing := c.getContractIndex(infoAddress)
	var input *contract.Input
	var tree *smt.Tree
	if existing {
		input = c.contracts[idx].info.Input
		tree = c.contracts[idx].info.Tracker.Tree()
	} else if !program.IsCreate() {
		change, err := c.Loader.LoadLatestContractChange(infoAddress, nil, false, false)
		if err != nil {
			return errors.Wrapf(err, "runtime: load latest contract change for %s", infoAddress)
		}
		output, data, err := c.Loader.LoadContractLiveCell(change.TxHash, change.OutputIndex)
		if err != nil {
			return errors.Wrapf(err, "runtime: load contract live cell for %s", infoAddress)
		}
		input = &contract.Input{OutPoint: change.OutPoint(), Output: output, Data: data}
		tree, err = loadChangeTree(change)
		if err != nil {
			return err
		}
	} else {
		tree = smt.New(smt.EmptyRoot(), smt.NewMemStore())
	}

	destination, err := c.destination(&program, uint64(len(c.contracts)))
	if err != nil {
		return err
	}
	if program.IsCreate() {
		infoAddress = destination
		program.Destination = destination
		idx, existing = c.getContractIndex(infoAddress)
	}

	if !existing {
		info := contract.New(infoAddress, input, tree)
		c.contracts = append(c.contracts, &contractEntry{address: infoAddress, info: info})
		idx = len(c.contracts) - 1
	}

	entry := c.contracts[idx]
	entry.info.AddRecord(program)

	savedIndex := c.contractIndex
	c.contractIndex = idx

	// A nested special call triggered from within this VM execution adds
	// its own record onto this same ContractInfo (see addSpecialCall);
	// saving/restoring the execute index keeps CurrentRecord below
	// pointed at THIS invocation's record regardless.
	savedExecuteIndex := entry.info.ExecuteIndex()

	if err := c.VM.Execute(c, program); err != nil {
		c.contractIndex = savedIndex
		return errors.Wrap(err, "runtime: vm execution failed")
	}
	c.contractIndex = savedIndex
	entry.info.SetExecuteIndex(savedExecuteIndex)

	if special {
		entry.info.CurrentRecord().RunProof = smt.RunProof{}.Serialize()
		return nil
	}

	tracker := entry.info.Tracker
	proof, err := smt.BuildRunProof(tracker.Tree(), tracker)
	if err != nil {
		return errors.Wrap(err, "runtime: build run proof")
	}
	newRoot, err := tracker.Commit()
	if err != nil {
		return errors.Wrap(err, "runtime: commit storage writes")
	}
	writes := tracker.WriteSet()
	// "Take" the run result: a fresh tracker over the now-updated tree, so
	// the next invocation against this contract starts with an empty
	// read/write set.
	entry.info.Tracker = smt.NewTracker(smt.New(newRoot, tracker.Tree().Store()))
	entry.info.CurrentRecord().RunProof = proof.Serialize()
	entry.info.CurrentRecord().Calls = entry.info.DrainCurrentCalls()
	if len(writes) > 0 {
		c.stateChanged = true
	}
	return nil
}
