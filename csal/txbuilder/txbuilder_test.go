package txbuilder_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nervosnetwork/polyjuice-runner/csal/address"
	"github.com/nervosnetwork/polyjuice-runner/csal/codec"
	"github.com/nervosnetwork/polyjuice-runner/csal/config"
	"github.com/nervosnetwork/polyjuice-runner/csal/loader"
	"github.com/nervosnetwork/polyjuice-runner/csal/loader/loadertest"
	"github.com/nervosnetwork/polyjuice-runner/csal/runtime"
	"github.com/nervosnetwork/polyjuice-runner/csal/txbuilder"
	"github.com/nervosnetwork/polyjuice-runner/csal/xenv"
)

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

func hash32(b byte) (h [32]byte) {
	h[31] = b
	return h
}

func testConfig() *config.RunConfig {
	return &config.RunConfig{
		TypeDep:       loader.CellDep{OutPoint: loader.OutPoint{TxHash: hash32(0xa1)}},
		TypeScript:    loader.Script{CodeHash: hash32(0xa2)},
		LockDep:       loader.CellDep{OutPoint: loader.OutPoint{TxHash: hash32(0xa3)}},
		LockScript:    loader.Script{CodeHash: hash32(0xa4)},
		EoaLockDep:    loader.CellDep{OutPoint: loader.OutPoint{TxHash: hash32(0xa5)}},
		EoaLockScript: loader.Script{CodeHash: hash32(0xa6)},
	}
}

func TestBuildCallProducesChangeOutput(t *testing.T) {
	ld := loadertest.New()
	ld.PutTip(loader.Block{Header: loader.Header{Number: 10, Hash: hash32(0x01)}})
	dest := contractAddr(1)
	ld.PutContractMeta(loader.ContractMeta{Address: dest, Code: []byte{0x60}})
	ld.PutContractChange(loader.Change{Address: dest, TxHash: hash32(1), NewStorage: map[[32]byte][32]byte{}})
	ld.PutLiveCell(hash32(1), 0, loader.CellOutput{Capacity: 1000 * txbuilder.OneCKB}, []byte{})
	ld.PutSpendableCell(address.EoaAddress(addr20(9)), loader.OutPoint{TxHash: hash32(9), Index: 0}, 200*txbuilder.OneCKB)

	vm := fakeVM{fn: func(host xenv.Host, program codec.Program) error {
		return host.StorageSet(hash32(0x11), hash32(0x22))
	}}

	ctx := runtime.New(ld, vm, ld.Tip)
	program := codec.Program{Kind: codec.CallKindCall, Sender: addr20(9), Destination: addr20(1)}
	require.NoError(t, ctx.Run(program))

	tx, err := txbuilder.Build(ctx, testConfig())
	require.NoError(t, err)

	require.Len(t, tx.Inputs, 2, "the reused contract cell plus the sender's fee/change cell")
	require.Len(t, tx.Outputs, 2, "the contract output plus a change output")
	require.Len(t, tx.OutputsData, 2)
	assert.NotEmpty(t, tx.OutputsData[0])
	assert.Equal(t, hash32(0x01), tx.HeaderDeps[0], "tip hash always leads header_deps")
	require.Len(t, tx.Witnesses, 1)
}

func TestBuildStaticCallRejectsStateChange(t *testing.T) {
	ld := loadertest.New()
	ld.PutTip(loader.Block{Header: loader.Header{Number: 10, Hash: hash32(0x01)}})
	dest := contractAddr(1)
	ld.PutContractMeta(loader.ContractMeta{Address: dest, Code: []byte{0x60}})
	ld.PutContractChange(loader.Change{Address: dest, TxHash: hash32(1), NewStorage: map[[32]byte][32]byte{}})
	ld.PutLiveCell(hash32(1), 0, loader.CellOutput{Capacity: 1000 * txbuilder.OneCKB}, []byte{})

	vm := fakeVM{fn: func(host xenv.Host, program codec.Program) error {
		return host.StorageSet(hash32(0x11), hash32(0x22))
	}}

	ctx := runtime.New(ld, vm, ld.Tip)
	program := codec.Program{Kind: codec.CallKindCall, Flags: codec.FlagStatic, Sender: addr20(9), Destination: addr20(1)}
	require.NoError(t, ctx.Run(program))

	_, err := txbuilder.Build(ctx, testConfig())
	require.Error(t, err)
}

func TestBuildCallRejectsNoStateChange(t *testing.T) {
	ld := loadertest.New()
	ld.PutTip(loader.Block{Header: loader.Header{Number: 10, Hash: hash32(0x01)}})
	dest := contractAddr(1)
	ld.PutContractMeta(loader.ContractMeta{Address: dest, Code: []byte{0x60}})
	ld.PutContractChange(loader.Change{Address: dest, TxHash: hash32(1), NewStorage: map[[32]byte][32]byte{}})
	ld.PutLiveCell(hash32(1), 0, loader.CellOutput{Capacity: 1000 * txbuilder.OneCKB}, []byte{})

	vm := fakeVM{fn: func(host xenv.Host, program codec.Program) error {
		_, err := host.StorageGet(hash32(0x11))
		return err
	}}

	ctx := runtime.New(ld, vm, ld.Tip)
	program := codec.Program{Kind: codec.CallKindCall, Sender: addr20(9), Destination: addr20(1)}
	require.NoError(t, ctx.Run(program))

	_, err := txbuilder.Build(ctx, testConfig())
	require.Error(t, err)
}

func TestBuildCreatePlacesWitnessOnOutputSlot(t *testing.T) {
	ld := loadertest.New()
	ld.PutTip(loader.Block{Header: loader.Header{Number: 10, Hash: hash32(0x01)}})
	sender := address.EoaAddress(addr20(7))
	ld.PutSpendableCell(sender, loader.OutPoint{TxHash: hash32(5), Index: 0}, runtime.MinFuelCapacity)
	ld.PutSpendableCell(sender, loader.OutPoint{TxHash: hash32(6), Index: 0}, 20*txbuilder.OneCKB*1000)

	vm := fakeVM{fn: func(host xenv.Host, program codec.Program) error {
		host.SetReturnData(program.Code) // the constructor's return becomes the deployed code
		return host.StorageSet(hash32(0x01), hash32(0x02))
	}}

	ctx := runtime.New(ld, vm, ld.Tip)
	program := codec.Program{Kind: codec.CallKindCreate, Sender: addr20(7), Code: []byte{0x60, 0x60}}
	require.NoError(t, ctx.Run(program))

	tx, err := txbuilder.Build(ctx, testConfig())
	require.NoError(t, err)

	require.Len(t, tx.Inputs, 3, "the fuel cell plus the cells collected to cover the created contract's output capacity")
	require.Len(t, tx.Outputs, 1+1, "the created contract plus a change output, assuming leftover capacity")
	assert.NotNil(t, tx.Outputs[0].Type, "a created contract's output carries a type script")
	require.Len(t, tx.Witnesses, 1)
}
