package rpcclient

import (
	"context"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"github.com/nervosnetwork/polyjuice-runner/csal/address"
	"github.com/nervosnetwork/polyjuice-runner/csal/loader"
)

// defaultCacheSize bounds the contract-meta LRU cache. Contract metadata
// rarely changes within a single run (code never changes; balance does), so
// a modest cache avoids re-querying the indexer for every touch of the same
// contract across a batch of replayed calls.
const defaultCacheSize = 1024

// Loader is the concrete loader.Loader backing a live CSAL deployment: a
// vanilla CKB node for chain data (blocks, headers, live cells, fee-cell
// collection, header deps) plus a companion CSAL indexer (see indexer.go)
// for the two lookups a vanilla node has no method for at all (contract
// meta/latest change).
type Loader struct {
	chain   *Client
	indexer *indexerClient

	// eoaLockScript is the code_hash/hash_type template CollectCells uses
	// to compute an owner's lock hash for get_cells_by_lock_hash. The
	// Loader interface only ever receives an EoaAddress (20 raw args
	// bytes), so it needs the surrounding script's template to hash
	// against; this matches what config.RunConfig.EoaLockScript carries
	// (csal/loader can't import csal/config directly: config already
	// imports loader, and Go forbids the cycle).
	eoaLockScript loader.Script

	metaCache *lru.Cache
}

// NewLoader returns a Loader talking to a CKB node at chainURL and a
// companion CSAL indexer at indexerURL, hashing CollectCells lookups
// against eoaLockScript (normally cfg.EoaLockScript from csal/config).
func NewLoader(chainURL, indexerURL string, eoaLockScript loader.Script) (*Loader, error) {
	metaCache, err := lru.New(defaultCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "rpcclient: new contract meta cache")
	}
	return &Loader{
		chain:         NewClient(chainURL),
		indexer:       newIndexerClient(indexerURL),
		eoaLockScript: eoaLockScript,
		metaCache:     metaCache,
	}, nil
}

func hashTypeToByte(s string) byte {
	switch s {
	case "type":
		return 1
	case "data1":
		return 2
	default:
		return 0
	}
}

func hashTypeToString(b byte) string {
	switch b {
	case 1:
		return "type"
	case 2:
		return "data1"
	default:
		return "data"
	}
}

func scriptFromJSON(s jsonScript) loader.Script {
	return loader.Script{
		CodeHash: [32]byte(s.CodeHash),
		HashType: hashTypeToByte(s.HashType),
		Args:     []byte(s.Args),
	}
}

func scriptToJSON(s loader.Script) jsonScript {
	return jsonScript{
		CodeHash: hexHash(s.CodeHash),
		HashType: hashTypeToString(s.HashType),
		Args:     hexBytes(s.Args),
	}
}

// scriptHash is the lock/type script hash get_cells_by_lock_hash keys on,
// this package's own stand-in for CKB's molecule-encoded script hash
// (see encode.go's appendScript), since no molecule codec exists in this
// repo.
func scriptHash(s loader.Script) [32]byte {
	return blake2b.Sum256(appendScript(nil, scriptToJSON(s)))
}

func cellOutputFromJSON(o jsonCellOutput) loader.CellOutput {
	out := loader.CellOutput{
		Capacity: uint64(o.Capacity),
		Lock:     scriptFromJSON(o.Lock),
	}
	if o.Type != nil {
		t := scriptFromJSON(*o.Type)
		out.Type = &t
	}
	return out
}

// LoadContractMeta implements loader.Loader by asking the companion indexer
// for the contract's meta record and copying its code, live-cell out
// point, capacity and destructed flag. The indexer hands back the contract's
// code directly rather than this package re-deriving it by walking witness
// history itself.
func (l *Loader) LoadContractMeta(addr address.ContractAddress) (loader.ContractMeta, error) {
	if v, ok := l.metaCache.Get(addr); ok {
		return v.(loader.ContractMeta), nil
	}
	meta, err := l.indexer.getContractMeta(context.Background(), hexBytes(addr.Bytes()))
	if err != nil {
		return loader.ContractMeta{}, errors.Wrapf(err, "rpcclient: load contract meta for %s", addr)
	}
	if meta == nil {
		return loader.ContractMeta{}, errors.Errorf("rpcclient: no contract meta for %s", addr)
	}
	out := loader.ContractMeta{
		Address:    addr,
		Code:       []byte(meta.Code),
		TxHash:     [32]byte(meta.OutPoint.TxHash),
		OutputIdx:  uint32(meta.OutPoint.Index),
		Balance:    uint64(meta.Capacity),
		Destructed: meta.Destructed,
	}
	l.metaCache.Add(addr, out)
	return out, nil
}

// LoadLatestContractChange implements loader.Loader.
// blockNumber/includeTxPool/reverse are forwarded to the indexer
// verbatim; results aren't cached since "latest" is relative to an
// in-flight run and the tx pool flag makes the answer mutate quickly.
func (l *Loader) LoadLatestContractChange(addr address.ContractAddress, blockNumber *uint64, includeTxPool, reverse bool) (loader.Change, error) {
	change, err := l.indexer.getContractChange(context.Background(), hexBytes(addr.Bytes()), blockNumber, includeTxPool, reverse)
	if err != nil {
		return loader.Change{}, errors.Wrapf(err, "rpcclient: load latest change for %s", addr)
	}
	if change == nil {
		return loader.Change{}, errors.Errorf("rpcclient: no change found for %s", addr)
	}
	storage := make(map[[32]byte][32]byte, len(change.NewStorage))
	for _, e := range change.NewStorage {
		storage[[32]byte(e.Key)] = [32]byte(e.Value)
	}
	logs := make([]loader.Log, len(change.Logs))
	for i, lg := range change.Logs {
		topics := make([][32]byte, len(lg.Topics))
		for j, t := range lg.Topics {
			topics[j] = [32]byte(t)
		}
		logs[i] = loader.Log{Topics: topics, Data: []byte(lg.Data)}
	}
	return loader.Change{
		TxOrigin:    address.BytesToEoaAddress(change.TxOrigin),
		Address:     addr,
		Number:      uint64(change.Number),
		TxIndex:     uint32(change.TxIndex),
		OutputIndex: uint32(change.OutputIndex),
		TxHash:      [32]byte(change.TxHash),
		NewStorage:  storage,
		Logs:        logs,
		Capacity:    uint64(change.Capacity),
		Balance:     uint64(change.Balance),
		IsCreate:    change.IsCreate,
	}, nil
}

// LoadContractLiveCell implements loader.Loader via the node's plain
// get_live_cell RPC.
func (l *Loader) LoadContractLiveCell(txHash [32]byte, outputIndex uint32) (loader.CellOutput, []byte, error) {
	cell, err := l.chain.getLiveCell(context.Background(), jsonOutPoint{TxHash: hexHash(txHash), Index: hexU32(outputIndex)}, true)
	if err != nil {
		return loader.CellOutput{}, nil, errors.Wrapf(err, "rpcclient: get_live_cell %x:%d", txHash, outputIndex)
	}
	if cell == nil || cell.Cell == nil {
		return loader.CellOutput{}, nil, errors.Errorf("rpcclient: live cell %x:%d not found (status %s)", txHash, outputIndex, cellStatus(cell))
	}
	var data []byte
	if cell.Cell.Data != nil {
		data = []byte(cell.Cell.Data.Content)
	}
	return cellOutputFromJSON(cell.Cell.Output), data, nil
}

func cellStatus(cell *jsonCellWithStatus) string {
	if cell == nil {
		return "unknown"
	}
	return cell.Status
}

// LoadBlock implements loader.Loader. It fetches the block (tip when number
// is nil), decodes the cellbase's output-0 lock, and computes the CBMT
// root/proof over the block's transaction hashes (see cbmt.go) so
// csal/txbuilder never needs to touch raw transactions itself.
func (l *Loader) LoadBlock(number *uint64) (loader.Block, error) {
	ctx := context.Background()
	var view *jsonBlockView
	var err error
	if number == nil {
		tip, terr := l.chain.getTipHeader(ctx)
		if terr != nil {
			return loader.Block{}, errors.Wrap(terr, "rpcclient: get_tip_header")
		}
		view, err = l.chain.getBlockByNumber(ctx, uint64(tip.Number))
	} else {
		view, err = l.chain.getBlockByNumber(ctx, *number)
	}
	if err != nil {
		return loader.Block{}, errors.Wrap(err, "rpcclient: load block")
	}
	if view == nil {
		return loader.Block{}, errors.New("rpcclient: block not found")
	}
	if len(view.Transactions) == 0 {
		return loader.Block{}, errors.New("rpcclient: block has no transactions")
	}

	leaves := make([][32]byte, len(view.Transactions))
	rawTxs := make([][]byte, len(view.Transactions))
	witnessHashes := make([][32]byte, len(view.Transactions))
	for i, tx := range view.Transactions {
		leaves[i] = [32]byte(tx.Hash)
		rawTxs[i] = encodeTransaction(tx.Inner)
		witnessHashes[i] = witnessHash(tx)
	}
	cellbase := view.Transactions[0]
	if len(cellbase.Inner.Outputs) == 0 {
		return loader.Block{}, errors.New("rpcclient: cellbase has no outputs")
	}
	cellbaseLock := scriptFromJSON(cellbase.Inner.Outputs[0].Lock)

	// TransactionsRoot/WitnessesRoot are this module's own CBMT roots (see
	// cbmt.go) over the block's tx hashes and witness hashes respectively,
	// not the node's single merged transactions_root field, since the
	// Coinbase proof (codec.Coinbase) needs the raw tx root and the
	// witnesses root as two separate values to rebuild the same commitment
	// shape.
	return loader.Block{
		Header: loader.Header{
			Number:    uint64(view.Header.Number),
			Hash:      [32]byte(view.Header.Hash),
			Timestamp: uint64(view.Header.Timestamp),
		},
		CellbaseTx:          rawTxs[0],
		CellbaseLock:        &cellbaseLock,
		Transactions:        rawTxs,
		WitnessesRoot:       cbmtRoot(witnessHashes),
		TransactionsRoot:    cbmtRoot(leaves),
		CellbaseProofLemmas: cbmtProof(leaves, 0),
		CellbaseProofIndex:  0,
	}, nil
}

// LoadHeader implements loader.Loader via get_header_by_number/get_tip_header.
func (l *Loader) LoadHeader(number *uint64) (loader.Header, error) {
	ctx := context.Background()
	var h *jsonHeader
	var err error
	if number == nil {
		h, err = l.chain.getTipHeader(ctx)
	} else {
		h, err = l.chain.getHeaderByNumber(ctx, *number)
	}
	if err != nil {
		return loader.Header{}, errors.Wrap(err, "rpcclient: load header")
	}
	if h == nil {
		return loader.Header{}, errors.New("rpcclient: header not found")
	}
	return loader.Header{
		Number:    uint64(h.Number),
		Hash:      [32]byte(h.Hash),
		Timestamp: uint64(h.Timestamp),
	}, nil
}

// CollectCells implements loader.Loader against a real node: hash owner
// against the configured EOA lock template, list that lock's live cells
// via get_cells_by_lock_hash over the full chain range, and sum until
// minCapacity is met.
func (l *Loader) CollectCells(owner address.EoaAddress, minCapacity uint64) ([]loader.OutPoint, uint64, error) {
	ctx := context.Background()
	script := l.eoaLockScript
	script.Args = owner.Bytes()
	lockHash := scriptHash(script)

	tip, err := l.chain.getTipBlockNumber(ctx)
	if err != nil {
		return nil, 0, errors.Wrap(err, "rpcclient: get_tip_block_number")
	}
	cells, err := l.chain.getCellsByLockHash(ctx, lockHash, 0, tip)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "rpcclient: collect cells for %s", owner)
	}
	var out []loader.OutPoint
	var total uint64
	for _, c := range cells {
		out = append(out, loader.OutPoint{TxHash: [32]byte(c.OutPoint.TxHash), Index: uint32(c.OutPoint.Index)})
		total += uint64(c.CellOutput.Capacity)
		if total >= minCapacity {
			return out, total, nil
		}
	}
	return nil, 0, errors.Errorf("rpcclient: insufficient cells for %s: have %d, need %d", owner, total, minCapacity)
}

// LoadHeaderDeps implements loader.Loader by resolving each input's
// previous-cell transaction's committing block hash via get_transaction:
// the header_deps a since-rule validator needs to check the cells'
// maturity against.
func (l *Loader) LoadHeaderDeps(inputs []loader.CellInput) ([][32]byte, error) {
	ctx := context.Background()
	seen := make(map[[32]byte]bool, len(inputs))
	var out [][32]byte
	for _, in := range inputs {
		twr, err := l.chain.getTransaction(ctx, in.PreviousOutput.TxHash)
		if err != nil {
			return nil, errors.Wrapf(err, "rpcclient: get_transaction %x", in.PreviousOutput.TxHash)
		}
		if twr == nil {
			continue
		}
		blockHash := [32]byte(twr.TxStatus.BlockHash)
		if blockHash == ([32]byte{}) || seen[blockHash] {
			continue
		}
		seen[blockHash] = true
		out = append(out, blockHash)
	}
	return out, nil
}

var _ loader.Loader = (*Loader)(nil)
