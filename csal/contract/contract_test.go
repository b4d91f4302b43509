package contract_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nervosnetwork/polyjuice-runner/csal/codec"
	"github.com/nervosnetwork/polyjuice-runner/csal/contract"
	"github.com/nervosnetwork/polyjuice-runner/csal/smt"
)

func TestAddRecordTracksCodeOnce(t *testing.T) {
	tree := smt.New(smt.EmptyRoot(), smt.NewMemStore())
	info := contract.New(address20(1), nil, tree)

	p1 := codec.Program{Kind: codec.CallKindCall, Code: []byte{1, 2, 3}}
	info.AddRecord(p1)
	assert.Equal(t, []byte{1, 2, 3}, info.Code)

	p2 := codec.Program{Kind: codec.CallKindCall, Code: []byte{9, 9, 9}}
	info.AddRecord(p2)
	assert.Equal(t, []byte{1, 2, 3}, info.Code, "code should not change after the first record")

	assert.Equal(t, uint32(1), info.GetLastCall())
	assert.Same(t, info.Records()[1], info.CurrentRecord())
}

func TestIsCreate(t *testing.T) {
	tree := smt.New(smt.EmptyRoot(), smt.NewMemStore())
	info := contract.New(address20(2), nil, tree)
	info.AddRecord(codec.Program{Kind: codec.CallKindCreate2})
	assert.True(t, info.IsCreate())
}

func TestOutputDataIncludesStorageRootAndCodeHash(t *testing.T) {
	tree := smt.New(smt.EmptyRoot(), smt.NewMemStore())
	info := contract.New(address20(3), nil, tree)
	info.AddRecord(codec.Program{Kind: codec.CallKindCall, Code: []byte{0x60}})

	data := info.OutputData()
	assert.Len(t, data, 64)
}

func TestGetLogsFlattensAcrossRecords(t *testing.T) {
	tree := smt.New(smt.EmptyRoot(), smt.NewMemStore())
	info := contract.New(address20(4), nil, tree)
	info.AddRecord(codec.Program{Kind: codec.CallKindCall})
	info.CurrentRecord().Logs = [][]byte{{1}, {2}}
	info.AddRecord(codec.Program{Kind: codec.CallKindCall})
	info.CurrentRecord().Logs = [][]byte{{3}}

	logs := info.GetLogs()
	assert.Equal(t, [][]byte{{1}, {2}, {3}}, logs)
}

func TestWitnessDataOmitsCodeForLaterPrograms(t *testing.T) {
	rec := contract.NewExecuteRecord(codec.Program{Kind: codec.CallKindCall, Code: []byte{1, 2, 3}})
	w := rec.WitnessData(false, nil)
	assert.Empty(t, w.Program.Code)

	w2 := rec.WitnessData(true, &codec.Coinbase{ProofIndex: 1})
	assert.Equal(t, []byte{1, 2, 3}, w2.Program.Code)
	require.NotNil(t, w2.Coinbase)
}

func address20(b byte) (a [20]byte) {
	a[19] = b
	return a
}
