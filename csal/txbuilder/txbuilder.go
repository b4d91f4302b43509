// Package txbuilder assembles a finished csal/runtime.Context into the
// CKB-style transaction a signer/submitter sends on chain: one input/
// output pair per contract touched, a change or extra-fuel-cell capacity
// balance, deduped header deps, and one witness slot per contract
// carrying its replayable WitnessData trail.
package txbuilder

import (
	"bytes"
	"sort"

	"github.com/pkg/errors"

	"github.com/nervosnetwork/polyjuice-runner/csal/codec"
	"github.com/nervosnetwork/polyjuice-runner/csal/config"
	"github.com/nervosnetwork/polyjuice-runner/csal/loader"
	"github.com/nervosnetwork/polyjuice-runner/csal/runtime"
)

// OneCKB is the base CKB capacity unit, in shannons.
const OneCKB = 100_000_000

// TxFee is the flat fee every built transaction pays.
const TxFee = OneCKB

// MinCellCapacity is the smallest capacity a change output is allowed to
// carry; leftover capacity below this is folded into the fee instead of
// spawning a dust cell. Shared with csal/runtime.MinFuelCapacity: both
// name the same 61 CKB minimum a cell can hold on its own.
const MinCellCapacity = 61 * OneCKB

// CreateOutputCapacity is the capacity a freshly created contract's
// output cell is built with.
const CreateOutputCapacity = 200 * OneCKB

// Transaction is the assembled, not-yet-signed transaction Build
// produces. It is this module's own wire-agnostic shape; Build stops at
// this struct and leaves molecule encoding/broadcast to whatever submits
// it.
type Transaction struct {
	CellDeps    []loader.CellDep
	HeaderDeps  [][32]byte
	Inputs      []loader.CellInput
	Outputs     []loader.CellOutput
	OutputsData [][]byte
	Witnesses   [][]byte
}

// WitnessSlot is one transaction witness entry: the input_type and/or
// output_type blob a real CKB WitnessArgs would carry for the cell at
// this same index. Serialized as a flat length-prefixed pair rather than
// WitnessArgs's molecule table, for the same reason Transaction itself
// isn't molecule-encoded.
type WitnessSlot struct {
	InputType  []byte
	OutputType []byte
}

// Serialize encodes the slot as len(input_type)(4 LE) || input_type ||
// len(output_type)(4 LE) || output_type.
func (w WitnessSlot) Serialize() []byte {
	out := make([]byte, 0, 8+len(w.InputType)+len(w.OutputType))
	out = appendU32LE(out, uint32(len(w.InputType)))
	out = append(out, w.InputType...)
	out = appendU32LE(out, uint32(len(w.OutputType)))
	out = append(out, w.OutputType...)
	return out
}

func appendU32LE(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// sighashLock builds the EOA-style sighash lock script the config
// carries a template for, with args set to target's 20 bytes.
func sighashLock(cfg *config.RunConfig, target [20]byte) loader.Script {
	lock := cfg.EoaLockScript
	lock.Args = append([]byte(nil), target[:]...)
	return lock
}

// Build assembles ctx's finished run into a Transaction.
func Build(ctx *runtime.Context, cfg *config.RunConfig) (*Transaction, error) {
	entrance := ctx.EntranceProgram()
	if entrance == nil {
		return nil, errors.New("txbuilder: context has no entrance program")
	}
	if entrance.IsStatic() && ctx.StateChanged() {
		return nil, errors.New("txbuilder: state changed in a static call")
	}
	if !entrance.IsStatic() && !ctx.StateChanged() {
		return nil, errors.New("txbuilder: state not changed in a create/call")
	}

	cellDeps := []loader.CellDep{cfg.EoaLockDep, cfg.TypeDep, cfg.LockDep}

	contracts := ctx.Contracts()

	// Inputs, stage 0: one cell_input per non-create contract, plus the
	// run's fuel cell when the entrance program was a CREATE. Only the
	// first collected fuel cell becomes an actual input, even though
	// CollectCells may have summed several cells' capacity to reach
	// MinFuelCapacity: there must be only one live fuel cell in the built
	// transaction.
	var otherInputs []loader.CellInput
	var otherTotalCapacity uint64
	for _, frame := range contracts {
		if frame.Info.Input != nil {
			otherInputs = append(otherInputs, frame.Info.Input.CellInput())
			otherTotalCapacity += frame.Info.Input.Capacity()
		}
	}
	firstFuelCapacity := ctx.FirstFuelCapacity()
	totalInputCapacity := firstFuelCapacity + otherTotalCapacity

	// Outputs/outputs_data.
	outputs := make([]loader.CellOutput, len(contracts))
	outputsData := make([][]byte, len(contracts))
	for i, frame := range contracts {
		if frame.Info.Selfdestruct != nil {
			if frame.Info.Input == nil {
				return nil, errors.Errorf("txbuilder: %s selfdestructed with no input cell to reuse", frame.Address)
			}
			outputs[i] = loader.CellOutput{
				Capacity: frame.Info.Input.Capacity(),
				Lock:     sighashLock(cfg, frame.Info.Selfdestruct.Target),
			}
			outputsData[i] = nil
			continue
		}
		if frame.Info.Input != nil {
			outputs[i] = frame.Info.Input.Output
		} else {
			typeScript := cfg.TypeScript
			typeScript.Args = append([]byte(nil), frame.Address.Bytes()...)
			outputs[i] = loader.CellOutput{
				Capacity: CreateOutputCapacity,
				Lock:     cfg.LockScript,
				Type:     &typeScript,
			}
		}
		outputsData[i] = frame.Info.OutputData()
	}
	var totalOutputCapacity uint64
	for _, o := range outputs {
		totalOutputCapacity += o.Capacity
	}

	// Collect more fuel cells if outputs + fee exceed what's already
	// being consumed; otherwise the surplus becomes capacityLeft.
	var inputs []loader.CellInput
	if len(ctx.FirstFuelOutPoints()) > 0 {
		inputs = append(inputs, loader.CellInput{PreviousOutput: ctx.FirstFuelOutPoints()[0]})
	}
	inputs = append(inputs, otherInputs...)

	var capacityLeft uint64
	if totalOutputCapacity+TxFee > totalInputCapacity {
		restCapacity := totalOutputCapacity + TxFee - totalInputCapacity
		liveCells, actualRestCapacity, err := ctx.Loader.CollectCells(ctx.TxOrigin(), restCapacity)
		if err != nil {
			return nil, errors.Wrap(err, "txbuilder: collect cells to cover fee/output capacity")
		}
		for _, op := range liveCells {
			inputs = append(inputs, loader.CellInput{PreviousOutput: op})
		}
		capacityLeft = actualRestCapacity - restCapacity
	} else {
		capacityLeft = totalInputCapacity - (totalOutputCapacity + TxFee)
	}
	if capacityLeft >= MinCellCapacity {
		outputs = append(outputs, loader.CellOutput{
			Capacity: capacityLeft,
			Lock:     sighashLock(cfg, [20]byte(ctx.TxOrigin())),
		})
		outputsData = append(outputsData, nil)
	}

	// Header deps: the loader's per-input deps, plus whatever BLOCKHASH
	// pulled in during execution, deduped against the tip (which always
	// goes first).
	tipHash := ctx.TipBlock.Header.Hash
	loaderDeps, err := ctx.Loader.LoadHeaderDeps(inputs)
	if err != nil {
		return nil, errors.Wrap(err, "txbuilder: load header deps")
	}
	seen := map[[32]byte]bool{tipHash: true}
	var rest [][32]byte
	for _, h := range loaderDeps {
		if !seen[h] {
			seen[h] = true
			rest = append(rest, h)
		}
	}
	for h := range ctx.HeaderDeps() {
		if !seen[h] {
			seen[h] = true
			rest = append(rest, h)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return bytes.Compare(rest[i][:], rest[j][:]) < 0 })
	headerDeps := append([][32]byte{tipHash}, rest...)

	// Witnesses: one slot per touched contract, placed at the input
	// position of the cell it consumes (non-create) or the output
	// position it was built at (create). Those positions are the same
	// touch-order index `i` for outputs/creates, and a running counter
	// for inputs since the fuel cell (if any) occupies input slot 0.
	var coinbase *codec.Coinbase
	if len(contracts) > 0 {
		coinbase = &codec.Coinbase{
			WitnessesRoot:       ctx.TipBlock.WitnessesRoot,
			RawTransactionsRoot: ctx.TipBlock.TransactionsRoot,
			ProofLemmas:         ctx.TipBlock.CellbaseProofLemmas,
			ProofIndex:          ctx.TipBlock.CellbaseProofIndex,
			RawCellbaseTx:       ctx.TipBlock.CellbaseTx,
		}
	}
	slots := make([]WitnessSlot, len(contracts))
	inputIndex := 0
	if len(ctx.FirstFuelOutPoints()) > 0 {
		inputIndex = 1
	}
	for i, frame := range contracts {
		var frameCoinbase *codec.Coinbase
		if i == 0 {
			frameCoinbase = coinbase
		}
		blob := frame.Info.WitnessBlob(frameCoinbase)
		if frame.Info.IsCreate() {
			slots[i].OutputType = blob
		} else {
			slots[inputIndex].InputType = blob
			inputIndex++
		}
	}

	var witnesses [][]byte
	for _, slot := range slots {
		if slot.InputType == nil && slot.OutputType == nil {
			break
		}
		witnesses = append(witnesses, slot.Serialize())
	}

	return &Transaction{
		CellDeps:    cellDeps,
		HeaderDeps:  headerDeps,
		Inputs:      inputs,
		Outputs:     outputs,
		OutputsData: outputsData,
		Witnesses:   witnesses,
	}, nil
}
