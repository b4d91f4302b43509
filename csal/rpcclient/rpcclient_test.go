package rpcclient_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nervosnetwork/polyjuice-runner/csal/address"
	"github.com/nervosnetwork/polyjuice-runner/csal/loader"
	"github.com/nervosnetwork/polyjuice-runner/csal/rpcclient"
)

// fakeRPCServer answers JSON-RPC 2.0 requests from a method->result map,
// enough to exercise Client/Loader without a live CKB node.
func fakeRPCServer(t *testing.T, results map[string]interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64      `json:"id"`
			Method string      `json:"method"`
			Params interface{} `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		result, ok := results[req.Method]
		if !ok {
			t.Fatalf("unexpected method %s", req.Method)
		}
		resp := map[string]interface{}{
			"id":      req.ID,
			"jsonrpc": "2.0",
			"result":  result,
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestClientSendTransactionRoundTrips(t *testing.T) {
	srv := fakeRPCServer(t, map[string]interface{}{
		"send_transaction": "0x" + "1122334455667788112233445566778811223344556677881122334455667788",
	})
	defer srv.Close()

	c := rpcclient.NewClient(srv.URL)
	hash, err := c.SendTransaction(context.Background(), map[string]interface{}{"dummy": true})
	require.NoError(t, err)
	assert.Equal(t, byte(0x11), hash[0])
}

func TestClientPropagatesRPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":1,"jsonrpc":"2.0","error":{"code":-32000,"message":"boom"}}`))
	}))
	defer srv.Close()

	c := rpcclient.NewClient(srv.URL)
	_, err := c.SendTransaction(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestLoaderLoadBlockBuildsCellbaseProof(t *testing.T) {
	cellbaseHash := "0x" + repeatHex("aa", 32)
	callHash := "0x" + repeatHex("bb", 32)
	srv := fakeRPCServer(t, map[string]interface{}{
		"get_tip_header": map[string]interface{}{
			"number":            "0xa",
			"hash":              "0x" + repeatHex("01", 32),
			"timestamp":         "0x1",
			"compact_target":    "0x1",
			"transactions_root": "0x" + repeatHex("00", 32),
		},
		"get_block_by_number": map[string]interface{}{
			"header": map[string]interface{}{
				"number":            "0xa",
				"hash":              "0x" + repeatHex("01", 32),
				"timestamp":         "0x1",
				"compact_target":    "0x1",
				"transactions_root": "0x" + repeatHex("00", 32),
			},
			"transactions": []interface{}{
				map[string]interface{}{
					"hash": cellbaseHash,
					"inner": map[string]interface{}{
						"cell_deps":    []interface{}{},
						"header_deps":  []interface{}{},
						"inputs":       []interface{}{},
						"outputs": []interface{}{
							map[string]interface{}{
								"capacity": "0x1",
								"lock": map[string]interface{}{
									"code_hash": "0x" + repeatHex("02", 32),
									"hash_type": "type",
									"args":      "0x00",
								},
							},
						},
						"outputs_data": []interface{}{"0x"},
						"witnesses":    []interface{}{"0x"},
					},
				},
				map[string]interface{}{
					"hash": callHash,
					"inner": map[string]interface{}{
						"cell_deps":    []interface{}{},
						"header_deps":  []interface{}{},
						"inputs":       []interface{}{},
						"outputs":      []interface{}{},
						"outputs_data": []interface{}{},
						"witnesses":    []interface{}{},
					},
				},
			},
		},
	})
	defer srv.Close()

	ld, err := rpcclient.NewLoader(srv.URL, srv.URL, loader.Script{})
	require.NoError(t, err)

	block, err := ld.LoadBlock(nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), block.Header.Number)
	assert.NotNil(t, block.CellbaseLock)
	assert.Len(t, block.CellbaseProofLemmas, 1, "two leaves means one sibling proves index 0")
}

func TestLoaderCollectCellsSumsUntilTarget(t *testing.T) {
	srv := fakeRPCServer(t, map[string]interface{}{
		"get_tip_block_number": "0x64",
		"get_cells_by_lock_hash": []interface{}{
			map[string]interface{}{
				"cell_output": map[string]interface{}{
					"capacity": "0x2540be400",
					"lock":     map[string]interface{}{"code_hash": "0x" + repeatHex("03", 32), "hash_type": "type", "args": "0x00"},
				},
				"out_point": map[string]interface{}{"tx_hash": "0x" + repeatHex("cc", 32), "index": "0x0"},
				"block_hash": "0x" + repeatHex("01", 32),
			},
		},
	})
	defer srv.Close()

	ld, err := rpcclient.NewLoader(srv.URL, srv.URL, loader.Script{CodeHash: [32]byte{0x01}})
	require.NoError(t, err)

	outPoints, total, err := ld.CollectCells(address.EoaAddress{0x09}, 1)
	require.NoError(t, err)
	assert.Len(t, outPoints, 1)
	assert.Equal(t, uint64(10000000000), total)
}

func TestLoaderLoadHeaderDepsDedupsBlockHashes(t *testing.T) {
	srv := fakeRPCServer(t, map[string]interface{}{
		"get_transaction": map[string]interface{}{
			"transaction": nil,
			"tx_status":   map[string]interface{}{"status": "committed", "block_hash": "0x" + repeatHex("07", 32)},
		},
	})
	defer srv.Close()

	ld, err := rpcclient.NewLoader(srv.URL, srv.URL, loader.Script{})
	require.NoError(t, err)

	deps, err := ld.LoadHeaderDeps([]loader.CellInput{
		{PreviousOutput: loader.OutPoint{TxHash: [32]byte{0x01}}},
		{PreviousOutput: loader.OutPoint{TxHash: [32]byte{0x02}}},
	})
	require.NoError(t, err)
	assert.Len(t, deps, 1, "both inputs resolve to the same committing block")
}

func TestLoaderLoadContractMetaCachesResult(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64 `json:"id"`
			Method string `json:"method"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "csal_get_contract_meta", req.Method)
		calls++
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]interface{}{
			"id":      req.ID,
			"jsonrpc": "2.0",
			"result": map[string]interface{}{
				"code":       "0x1122",
				"out_point":  map[string]interface{}{"tx_hash": "0x" + repeatHex("dd", 32), "index": "0x1"},
				"capacity":   "0x64",
				"destructed": false,
			},
		}))
	}))
	defer srv.Close()

	ld, err := rpcclient.NewLoader(srv.URL, srv.URL, loader.Script{})
	require.NoError(t, err)

	addr := address.BytesToContractAddress(make([]byte, 20))
	meta, err := ld.LoadContractMeta(addr)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x11, 0x22}, meta.Code)
	assert.Equal(t, uint64(0x64), meta.Balance)
	assert.Equal(t, uint32(1), meta.OutputIdx)

	meta2, err := ld.LoadContractMeta(addr)
	require.NoError(t, err)
	assert.Equal(t, meta, meta2)
	assert.Equal(t, 1, calls, "second lookup must be served from the meta cache")
}

func TestLoaderLoadLatestContractChangeDecodesLogsAndStorage(t *testing.T) {
	srv := fakeRPCServer(t, map[string]interface{}{
		"csal_get_contract_change": map[string]interface{}{
			"tx_origin":    "0x" + repeatHex("09", 20),
			"number":       "0x5",
			"tx_index":     "0x0",
			"output_index": "0x1",
			"tx_hash":      "0x" + repeatHex("ee", 32),
			"new_storage": []interface{}{
				map[string]interface{}{"key": "0x" + repeatHex("01", 32), "value": "0x" + repeatHex("02", 32)},
			},
			"logs": []interface{}{
				map[string]interface{}{"topics": []interface{}{"0x" + repeatHex("03", 32)}, "data": "0xbeef"},
			},
			"capacity":  "0x64",
			"balance":   "0xc8",
			"is_create": true,
		},
	})
	defer srv.Close()

	ld, err := rpcclient.NewLoader(srv.URL, srv.URL, loader.Script{})
	require.NoError(t, err)

	addr := address.BytesToContractAddress(make([]byte, 20))
	change, err := ld.LoadLatestContractChange(addr, nil, false, false)
	require.NoError(t, err)
	assert.True(t, change.IsCreate)
	assert.Equal(t, uint64(5), change.Number)
	assert.Len(t, change.Logs, 1)
	assert.Equal(t, []byte{0xbe, 0xef}, change.Logs[0].Data)
	assert.Len(t, change.NewStorage, 1)
}

func TestLoaderLoadHeaderByNumber(t *testing.T) {
	srv := fakeRPCServer(t, map[string]interface{}{
		"get_header_by_number": map[string]interface{}{
			"number":            "0x7",
			"hash":              "0x" + repeatHex("01", 32),
			"timestamp":         "0x2",
			"compact_target":    "0x1",
			"transactions_root": "0x" + repeatHex("00", 32),
		},
	})
	defer srv.Close()

	ld, err := rpcclient.NewLoader(srv.URL, srv.URL, loader.Script{})
	require.NoError(t, err)

	number := uint64(7)
	h, err := ld.LoadHeader(&number)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), h.Number)
	assert.Equal(t, uint64(2), h.Timestamp)
}

func TestLoaderLoadContractLiveCellReturnsOutputAndData(t *testing.T) {
	srv := fakeRPCServer(t, map[string]interface{}{
		"get_live_cell": map[string]interface{}{
			"cell": map[string]interface{}{
				"output": map[string]interface{}{
					"capacity": "0x64",
					"lock":     map[string]interface{}{"code_hash": "0x" + repeatHex("01", 32), "hash_type": "type", "args": "0x00"},
				},
				"data": map[string]interface{}{"content": "0xcafe"},
			},
			"status": "live",
		},
	})
	defer srv.Close()

	ld, err := rpcclient.NewLoader(srv.URL, srv.URL, loader.Script{})
	require.NoError(t, err)

	out, data, err := ld.LoadContractLiveCell([32]byte{0x01}, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x64), out.Capacity)
	assert.Equal(t, []byte{0xca, 0xfe}, data)
}

func repeatHex(pair string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += pair
	}
	return out
}
