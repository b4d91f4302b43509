package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cli "gopkg.in/urfave/cli.v1"

	"github.com/nervosnetwork/polyjuice-runner/csal/codec"
	"github.com/nervosnetwork/polyjuice-runner/csal/xenv"
)

func TestTrim0xStripsPrefixCaseInsensitively(t *testing.T) {
	assert.Equal(t, "abcd", trim0x("0xabcd"))
	assert.Equal(t, "abcd", trim0x("0Xabcd"))
	assert.Equal(t, "abcd", trim0x("abcd"))
}

func TestEchoVMReturnsInputOnCall(t *testing.T) {
	var returned []byte
	host := &recordingHost{}
	vm := echoVM{}

	program := codec.Program{Kind: codec.CallKindCall, Input: []byte{0x01, 0x02}}
	require.NoError(t, vm.Execute(host, program))
	returned = host.returnData
	assert.Equal(t, []byte{0x01, 0x02}, returned)
}

func TestEchoVMReturnsCodeOnCreate(t *testing.T) {
	host := &recordingHost{}
	vm := echoVM{}

	program := codec.Program{Kind: codec.CallKindCreate, Code: []byte{0x0a, 0x0b}}
	require.NoError(t, vm.Execute(host, program))
	assert.Equal(t, []byte{0x0a, 0x0b}, host.returnData)
}

func TestActionReplayLogDecodesWitnessEntries(t *testing.T) {
	w := codec.NewWitnessData(codec.Program{Kind: codec.CallKindCall, Depth: 1})
	w.ReturnData = []byte{0xca, 0xfe}

	path := filepath.Join(t.TempDir(), "witness.bin")
	require.NoError(t, os.WriteFile(path, w.Serialize(), 0o600))

	app := cli.NewApp()
	app.Commands = []cli.Command{{Name: "replay-log", Action: actionReplayLog}}
	require.NoError(t, app.Run([]string{"csal-runner", "replay-log", path}))
}

func TestActionReplayLogRejectsWrongArgCount(t *testing.T) {
	app := cli.NewApp()
	app.Commands = []cli.Command{{Name: "replay-log", Action: actionReplayLog}}
	assert.Error(t, app.Run([]string{"csal-runner", "replay-log"}))
}

// recordingHost implements xenv.Host with just enough behavior to
// observe what echoVM does to it.
type recordingHost struct {
	returnData []byte
}

func (h *recordingHost) StorageGet(key [32]byte) ([32]byte, error)    { return [32]byte{}, nil }
func (h *recordingHost) StorageSet(key, value [32]byte) error         { return nil }
func (h *recordingHost) SetReturnData(data []byte)                    { h.returnData = data }
func (h *recordingHost) AppendLog(data []byte)                        {}
func (h *recordingHost) SelfDestruct(beneficiary [20]byte) error      { return nil }
func (h *recordingHost) ContractCode(addr [20]byte) ([]byte, error)   { return nil, nil }
func (h *recordingHost) BlockHash(number uint64) ([32]byte, error)    { return [32]byte{}, nil }
func (h *recordingHost) TxContext() (xenv.TxContext, error)           { return xenv.TxContext{}, nil }
func (h *recordingHost) Call(msg xenv.CallMessage) ([]byte, [20]byte, error) {
	return nil, [20]byte{}, nil
}

var _ xenv.Host = (*recordingHost)(nil)
