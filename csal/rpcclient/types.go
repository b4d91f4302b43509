package rpcclient

import (
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// The CKB JSON-RPC wire format encodes every integer and byte string as a
// "0x"-prefixed hex string (ckb_jsonrpc_types's Uint64/Uint32/JsonBytes/H256).
// These four helper types carry that encoding so the typed methods below can
// talk in plain Go numbers and byte slices.

type hexU64 uint64

func (h hexU64) MarshalJSON() ([]byte, error) {
	return json.Marshal("0x" + strconv.FormatUint(uint64(h), 16))
}

func (h *hexU64) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return errors.Wrapf(err, "rpcclient: parse hex uint64 %q", s)
	}
	*h = hexU64(v)
	return nil
}

type hexU32 uint32

func (h hexU32) MarshalJSON() ([]byte, error) {
	return json.Marshal("0x" + strconv.FormatUint(uint64(h), 16))
}

func (h *hexU32) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 32)
	if err != nil {
		return errors.Wrapf(err, "rpcclient: parse hex uint32 %q", s)
	}
	*h = hexU32(v)
	return nil
}

type hexBytes []byte

func (h hexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal("0x" + hex.EncodeToString(h))
}

func (h *hexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return errors.Wrapf(err, "rpcclient: parse hex bytes %q", s)
	}
	*h = b
	return nil
}

type hexHash [32]byte

func (h hexHash) MarshalJSON() ([]byte, error) {
	return json.Marshal("0x" + hex.EncodeToString(h[:]))
}

func (h *hexHash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return errors.Wrapf(err, "rpcclient: parse hash %q", s)
	}
	if len(b) != 32 {
		return errors.Errorf("rpcclient: hash %q is not 32 bytes", s)
	}
	copy(h[:], b)
	return nil
}

// jsonScript/jsonOutPoint/jsonCellOutput/jsonCellInput mirror
// ckb_jsonrpc_types's corresponding packed-molecule-to-JSON shapes, the bits
// this module actually touches to build and inspect cells and headers.

type jsonScript struct {
	CodeHash hexHash  `json:"code_hash"`
	HashType string   `json:"hash_type"`
	Args     hexBytes `json:"args"`
}

type jsonOutPoint struct {
	TxHash hexHash `json:"tx_hash"`
	Index  hexU32  `json:"index"`
}

type jsonCellInput struct {
	Since          hexU64       `json:"since"`
	PreviousOutput jsonOutPoint `json:"previous_output"`
}

type jsonCellOutput struct {
	Capacity hexU64      `json:"capacity"`
	Lock     jsonScript  `json:"lock"`
	Type     *jsonScript `json:"type"`
}

type jsonCellDep struct {
	OutPoint jsonOutPoint `json:"out_point"`
	DepType  string       `json:"dep_type"`
}

type jsonCellOutputWithOutPoint struct {
	CellOutput jsonCellOutput `json:"cell_output"`
	OutPoint   jsonOutPoint   `json:"out_point"`
	BlockHash  hexHash        `json:"block_hash"`
}

type jsonCellWithStatus struct {
	Cell *struct {
		Output jsonCellOutput `json:"output"`
		Data   *struct {
			Content hexBytes `json:"content"`
		} `json:"data"`
	} `json:"cell"`
	Status string `json:"status"`
}

type jsonHeader struct {
	Number           hexU64  `json:"number"`
	Hash             hexHash `json:"hash"`
	Timestamp        hexU64  `json:"timestamp"`
	CompactTarget    hexU32  `json:"compact_target"`
	TransactionsRoot hexHash `json:"transactions_root"`
}

type jsonTransaction struct {
	CellDeps    []jsonCellDep    `json:"cell_deps"`
	HeaderDeps  []hexHash        `json:"header_deps"`
	Inputs      []jsonCellInput  `json:"inputs"`
	Outputs     []jsonCellOutput `json:"outputs"`
	OutputsData []hexBytes       `json:"outputs_data"`
	Witnesses   []hexBytes       `json:"witnesses"`
}

type jsonTransactionView struct {
	Hash  hexHash         `json:"hash"`
	Inner jsonTransaction `json:"inner"`
}

type jsonBlockView struct {
	Header       jsonHeader            `json:"header"`
	Transactions []jsonTransactionView `json:"transactions"`
}

type jsonTransactionWithStatus struct {
	Transaction *jsonTransaction `json:"transaction"`
	TxStatus    struct {
		Status    string  `json:"status"`
		BlockHash hexHash `json:"block_hash"`
	} `json:"tx_status"`
}
