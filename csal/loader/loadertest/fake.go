// Package loadertest provides an in-memory loader.Loader for unit and
// integration tests, in the spirit of thor's fortest helpers (prebuilt
// fixtures rather than a live chain connection).
package loadertest

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/nervosnetwork/polyjuice-runner/csal/address"
	"github.com/nervosnetwork/polyjuice-runner/csal/loader"
)

// Fake is an in-memory loader.Loader backed by maps a test populates
// directly.
type Fake struct {
	mu sync.Mutex

	Metas    map[address.ContractAddress]loader.ContractMeta
	Changes  map[address.ContractAddress]loader.Change
	LiveData map[[32]byte]liveCell
	Blocks   map[uint64]loader.Block
	Tip      loader.Block
	Cells    map[address.EoaAddress][]cellFixture
}

type liveCell struct {
	output loader.CellOutput
	data   []byte
}

type cellFixture struct {
	outPoint loader.OutPoint
	capacity uint64
}

// New returns an empty fake loader ready for a test to populate.
func New() *Fake {
	return &Fake{
		Metas:    make(map[address.ContractAddress]loader.ContractMeta),
		Changes:  make(map[address.ContractAddress]loader.Change),
		LiveData: make(map[[32]byte]liveCell),
		Blocks:   make(map[uint64]loader.Block),
		Cells:    make(map[address.EoaAddress][]cellFixture),
	}
}

// PutContractMeta registers a contract's metadata.
func (f *Fake) PutContractMeta(meta loader.ContractMeta) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Metas[meta.Address] = meta
}

// PutContractChange registers a contract's latest change record.
func (f *Fake) PutContractChange(change loader.Change) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Changes[change.Address] = change
}

// PutLiveCell registers the live cell data for a tx hash/output index pair.
func (f *Fake) PutLiveCell(txHash [32]byte, outputIndex uint32, output loader.CellOutput, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LiveData[liveCellKey(txHash, outputIndex)] = liveCell{output: output, data: data}
}

// PutTip sets the chain tip block returned when LoadBlock/LoadHeader is
// called with a nil number.
func (f *Fake) PutTip(block loader.Block) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Tip = block
	f.Blocks[block.Header.Number] = block
}

// PutSpendableCell registers a spendable cell owned by owner with the
// given capacity, for CollectCells fixtures.
func (f *Fake) PutSpendableCell(owner address.EoaAddress, outPoint loader.OutPoint, capacity uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Cells[owner] = append(f.Cells[owner], cellFixture{outPoint: outPoint, capacity: capacity})
}

func liveCellKey(txHash [32]byte, outputIndex uint32) [32]byte {
	// txHash is already 32 bytes; mixing in the output index keeps
	// distinct outputs of the same transaction from colliding.
	k := txHash
	k[0] ^= byte(outputIndex)
	k[1] ^= byte(outputIndex >> 8)
	return k
}

// LoadContractMeta implements loader.Loader.
func (f *Fake) LoadContractMeta(addr address.ContractAddress) (loader.ContractMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	meta, ok := f.Metas[addr]
	if !ok {
		return loader.ContractMeta{}, errors.Errorf("loadertest: no meta fixture for %s", addr)
	}
	return meta, nil
}

// LoadLatestContractChange implements loader.Loader.
func (f *Fake) LoadLatestContractChange(addr address.ContractAddress, _ *uint64, _, _ bool) (loader.Change, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	change, ok := f.Changes[addr]
	if !ok {
		return loader.Change{}, errors.Errorf("loadertest: no change fixture for %s", addr)
	}
	return change, nil
}

// LoadContractLiveCell implements loader.Loader.
func (f *Fake) LoadContractLiveCell(txHash [32]byte, outputIndex uint32) (loader.CellOutput, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cell, ok := f.LiveData[liveCellKey(txHash, outputIndex)]
	if !ok {
		return loader.CellOutput{}, nil, errors.Errorf("loadertest: no live cell fixture for tx %x:%d", txHash, outputIndex)
	}
	return cell.output, cell.data, nil
}

// LoadBlock implements loader.Loader.
func (f *Fake) LoadBlock(number *uint64) (loader.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if number == nil {
		return f.Tip, nil
	}
	b, ok := f.Blocks[*number]
	if !ok {
		return loader.Block{}, errors.Errorf("loadertest: no block fixture for number %d", *number)
	}
	return b, nil
}

// LoadHeader implements loader.Loader.
func (f *Fake) LoadHeader(number *uint64) (loader.Header, error) {
	b, err := f.LoadBlock(number)
	if err != nil {
		return loader.Header{}, err
	}
	return b.Header, nil
}

// CollectCells implements loader.Loader.
func (f *Fake) CollectCells(owner address.EoaAddress, minCapacity uint64) ([]loader.OutPoint, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fixtures := f.Cells[owner]
	var (
		outPoints []loader.OutPoint
		total     uint64
	)
	for _, c := range fixtures {
		outPoints = append(outPoints, c.outPoint)
		total += c.capacity
		if total >= minCapacity {
			return outPoints, total, nil
		}
	}
	if total < minCapacity {
		return nil, 0, errors.Errorf("loadertest: insufficient cells for %s: have %d, need %d", owner, total, minCapacity)
	}
	return outPoints, total, nil
}

// LoadHeaderDeps implements loader.Loader. The fake has no notion of
// per-input header dependencies, so it always reports none; tests that
// care about header_deps assembly get their non-tip hashes from BLOCKHASH
// lookups (Context.BlockHash) instead.
func (f *Fake) LoadHeaderDeps(_ []loader.CellInput) ([][32]byte, error) {
	return nil, nil
}

var _ loader.Loader = (*Fake)(nil)
