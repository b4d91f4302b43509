package runtime_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nervosnetwork/polyjuice-runner/csal/address"
	"github.com/nervosnetwork/polyjuice-runner/csal/codec"
	"github.com/nervosnetwork/polyjuice-runner/csal/loader"
	"github.com/nervosnetwork/polyjuice-runner/csal/loader/loadertest"
	"github.com/nervosnetwork/polyjuice-runner/csal/runtime"
	"github.com/nervosnetwork/polyjuice-runner/csal/smt"
	"github.com/nervosnetwork/polyjuice-runner/csal/xenv"
)

// fakeVM lets each test script exactly what the "VM" does against the
// host for a given invocation, without a real RISC-V/EVM interpreter.
type fakeVM struct {
	fn func(host xenv.Host, program codec.Program) error
}

func (f fakeVM) Execute(host xenv.Host, program codec.Program) error {
	return f.fn(host, program)
}

func addr20(b byte) (a [20]byte) {
	a[19] = b
	return a
}

func contractAddr(b byte) address.ContractAddress { return address.ContractAddress(addr20(b)) }
func eoaAddr(b byte) address.EoaAddress           { return address.EoaAddress(addr20(b)) }

func hash32(b byte) (h [32]byte) {
	h[31] = b
	return h
}

func newFakeLoader() *loadertest.Fake {
	f := loadertest.New()
	f.PutTip(loader.Block{Header: loader.Header{Number: 10, Timestamp: 1000}})
	return f
}

func TestRunEntranceCallBuildsNonEmptyProof(t *testing.T) {
	ld := newFakeLoader()
	dest := contractAddr(1)
	ld.PutContractMeta(loader.ContractMeta{Address: dest, Code: []byte{0x60}})
	ld.PutContractChange(loader.Change{
		Address:     dest,
		TxHash:      hash32(1),
		OutputIndex: 0,
		NewStorage:  map[[32]byte][32]byte{},
	})
	ld.PutLiveCell(hash32(1), 0, loader.CellOutput{Capacity: 1000}, []byte{})

	vm := fakeVM{fn: func(host xenv.Host, program codec.Program) error {
		return host.StorageSet(hash32(0x11), hash32(0x22))
	}}

	ctx := runtime.New(ld, vm, loader.Block{})
	program := codec.Program{Kind: codec.CallKindCall, Sender: addr20(9), Destination: addr20(1)}
	require.NoError(t, ctx.Run(program))

	info, err := ctx.CurrentContractInfo()
	require.NoError(t, err)
	require.Len(t, info.Records(), 1)
	assert.NotEmpty(t, info.Records()[0].RunProof)
	assert.Equal(t, eoaAddr(9), ctx.TxOrigin())
}

func TestRunEntranceCreateDerivesAddressFromFuelCell(t *testing.T) {
	ld := newFakeLoader()
	sender := eoaAddr(7)
	ld.PutSpendableCell(sender, loader.OutPoint{TxHash: hash32(5), Index: 0}, runtime.MinFuelCapacity)

	vm := fakeVM{fn: func(host xenv.Host, program codec.Program) error {
		host.SetReturnData([]byte{0xde, 0xad})
		return nil
	}}

	ctx := runtime.New(ld, vm, loader.Block{})
	program := codec.Program{Kind: codec.CallKindCreate, Sender: addr20(7), Code: []byte{0x60, 0x60}}
	require.NoError(t, ctx.Run(program))

	assert.True(t, ctx.IsCreate())
	assert.False(t, ctx.EntranceContract().IsZero())
	assert.Equal(t, []byte{0xde, 0xad}, ctx.EntranceInfo().Code)
	assert.Len(t, ctx.FirstFuelOutPoints(), 1)
}

func TestNestedCallRecordsSubCallOnCaller(t *testing.T) {
	ld := newFakeLoader()
	callerAddr := contractAddr(1)
	calleeAddr := contractAddr(2)

	ld.PutContractMeta(loader.ContractMeta{Address: callerAddr, Code: []byte{0x01}})
	ld.PutContractChange(loader.Change{Address: callerAddr, TxHash: hash32(1), NewStorage: map[[32]byte][32]byte{}})
	ld.PutLiveCell(hash32(1), 0, loader.CellOutput{Capacity: 1000}, nil)

	ld.PutContractMeta(loader.ContractMeta{Address: calleeAddr, Code: []byte{0x02}})
	ld.PutContractChange(loader.Change{Address: calleeAddr, TxHash: hash32(2), NewStorage: map[[32]byte][32]byte{}})
	ld.PutLiveCell(hash32(2), 0, loader.CellOutput{Capacity: 1000}, nil)

	calleeRan := false
	vm := fakeVM{fn: func(host xenv.Host, program codec.Program) error {
		if program.Kind.IsSpecialCall() {
			t.Fatalf("unexpected special call")
		}
		if address.ContractAddress(program.Destination) == calleeAddr {
			calleeRan = true
			host.SetReturnData([]byte{0x42})
			return nil
		}
		// Caller's frame makes a nested CALL to the callee.
		_, _, err := host.Call(xenv.CallMessage{
			Kind:        codec.CallKindCall,
			Destination: addr20(2),
			Sender:      addr20(1),
		})
		return err
	}}

	ctx := runtime.New(ld, vm, loader.Block{})
	program := codec.Program{Kind: codec.CallKindCall, Sender: addr20(9), Destination: addr20(1)}
	require.NoError(t, ctx.Run(program))
	assert.True(t, calleeRan)

	callerEntry, err := ctx.CurrentContractInfo()
	require.NoError(t, err)
	require.Len(t, callerEntry.Records(), 1)
	require.Len(t, callerEntry.Records()[0].Calls, 1)
	assert.Equal(t, calleeAddr, callerEntry.Records()[0].Calls[0].Destination)
}

func TestSpecialCallCreatesCallerAndCalleeRecords(t *testing.T) {
	ld := newFakeLoader()
	callerAddr := contractAddr(1)
	calleeAddr := contractAddr(2)

	ld.PutContractMeta(loader.ContractMeta{Address: callerAddr, Code: []byte{0x01}})
	ld.PutContractChange(loader.Change{Address: callerAddr, TxHash: hash32(1), NewStorage: map[[32]byte][32]byte{}})
	ld.PutLiveCell(hash32(1), 0, loader.CellOutput{Capacity: 1000}, nil)

	ld.PutContractMeta(loader.ContractMeta{Address: calleeAddr, Code: []byte{0x02}})
	ld.PutContractChange(loader.Change{Address: calleeAddr, TxHash: hash32(2), NewStorage: map[[32]byte][32]byte{}})
	ld.PutLiveCell(hash32(2), 0, loader.CellOutput{Capacity: 1000}, nil)

	vm := fakeVM{fn: func(host xenv.Host, program codec.Program) error {
		if program.Kind == codec.CallKindDelegateCall {
			host.SetReturnData([]byte{0x99})
			return nil
		}
		_, _, err := host.Call(xenv.CallMessage{
			Kind:        codec.CallKindDelegateCall,
			Destination: addr20(2),
			Sender:      addr20(9),
		})
		return err
	}}

	ctx := runtime.New(ld, vm, loader.Block{})
	program := codec.Program{Kind: codec.CallKindCall, Sender: addr20(9), Destination: addr20(1)}
	require.NoError(t, ctx.Run(program))

	// After the run the current frame is restored to the caller.
	assert.Equal(t, callerAddr, mustCurrentAddress(t, ctx))

	callerInfo, err := ctx.CurrentContractInfo()
	require.NoError(t, err)
	require.Len(t, callerInfo.Records(), 2, "the entrance call and the delegatecall each get their own record")

	entranceRecord := callerInfo.Records()[0]
	assert.NotEmpty(t, entranceRecord.RunProof, "the entrance record's proof covers both invocations' accesses")
	require.Len(t, entranceRecord.Calls, 1)
	assert.Equal(t, calleeAddr, entranceRecord.Calls[0].Destination)

	delegateRecord := callerInfo.Records()[1]
	assert.Equal(t, []byte{0x99}, delegateRecord.ReturnData)
	assert.Equal(t, smt.RunProof{}.Serialize(), delegateRecord.RunProof, "special-call records carry only the empty-proof sentinel")

	frames := ctx.Contracts()
	require.Len(t, frames, 2)
	assert.Equal(t, calleeAddr, frames[1].Address)
	require.Len(t, frames[1].Info.Records(), 1, "the callee gets one evidentiary record for the borrowed code")
	assert.Equal(t, smt.RunProof{}.Serialize(), frames[1].Info.Records()[0].RunProof)
}

func mustCurrentAddress(t *testing.T, ctx *runtime.Context) address.ContractAddress {
	t.Helper()
	a, err := ctx.CurrentContractAddress()
	require.NoError(t, err)
	return a
}

func TestSelfDestructTwiceErrors(t *testing.T) {
	ld := newFakeLoader()
	dest := contractAddr(1)
	ld.PutContractMeta(loader.ContractMeta{Address: dest, Code: []byte{0x01}})
	ld.PutContractChange(loader.Change{Address: dest, TxHash: hash32(1), NewStorage: map[[32]byte][32]byte{}})
	ld.PutLiveCell(hash32(1), 0, loader.CellOutput{Capacity: 1000}, nil)

	vm := fakeVM{fn: func(host xenv.Host, program codec.Program) error {
		if err := host.SelfDestruct(addr20(0xaa)); err != nil {
			return err
		}
		return host.SelfDestruct(addr20(0xbb))
	}}

	ctx := runtime.New(ld, vm, loader.Block{})
	program := codec.Program{Kind: codec.CallKindCall, Sender: addr20(9), Destination: addr20(1)}
	err := ctx.Run(program)
	require.Error(t, err)
}

func TestDelegateCallRejectsSenderNotTxOrigin(t *testing.T) {
	ld := newFakeLoader()
	dest := contractAddr(1)
	ld.PutContractMeta(loader.ContractMeta{Address: dest, Code: []byte{0x01}})
	ld.PutContractChange(loader.Change{Address: dest, TxHash: hash32(1), NewStorage: map[[32]byte][32]byte{}})
	ld.PutLiveCell(hash32(1), 0, loader.CellOutput{Capacity: 1000}, nil)

	vm := fakeVM{fn: func(host xenv.Host, program codec.Program) error {
		_, _, err := host.Call(xenv.CallMessage{
			Kind:        codec.CallKindDelegateCall,
			Destination: addr20(2),
			Sender:      addr20(0xff), // not the tx origin
		})
		return err
	}}

	ctx := runtime.New(ld, vm, loader.Block{})
	program := codec.Program{Kind: codec.CallKindCall, Sender: addr20(9), Destination: addr20(1)}
	err := ctx.Run(program)
	require.Error(t, err)
}

func TestBlockHashAccumulatesHeaderDeps(t *testing.T) {
	ld := newFakeLoader()
	dest := contractAddr(1)
	ld.PutContractMeta(loader.ContractMeta{Address: dest, Code: []byte{0x01}})
	ld.PutContractChange(loader.Change{Address: dest, TxHash: hash32(1), NewStorage: map[[32]byte][32]byte{}})
	ld.PutLiveCell(hash32(1), 0, loader.CellOutput{Capacity: 1000}, nil)
	ld.PutTip(loader.Block{Header: loader.Header{Number: 10}})
	ld.Blocks[3] = loader.Block{Header: loader.Header{Number: 3, Hash: hash32(3)}}

	vm := fakeVM{fn: func(host xenv.Host, program codec.Program) error {
		_, err := host.BlockHash(3)
		return err
	}}

	ctx := runtime.New(ld, vm, loader.Block{})
	program := codec.Program{Kind: codec.CallKindCall, Sender: addr20(9), Destination: addr20(1)}
	require.NoError(t, ctx.Run(program))
	assert.True(t, ctx.HeaderDeps()[hash32(3)])
}
