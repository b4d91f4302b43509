package runtime

import (
	"github.com/pkg/errors"

	"github.com/nervosnetwork/polyjuice-runner/csal/address"
	"github.com/nervosnetwork/polyjuice-runner/csal/codec"
	"github.com/nervosnetwork/polyjuice-runner/csal/contract"
	"github.com/nervosnetwork/polyjuice-runner/csal/smt"
	"github.com/nervosnetwork/polyjuice-runner/csal/xenv"
)

var _ xenv.Host = (*Context)(nil)

// secpBlake160CodeHash is the well-known sighash lock's code hash.
// Syscall 3082's coinbase derivation only recognizes a cellbase lock of
// this type for now.
var secpBlake160CodeHash = [32]byte{
	0x9b, 0xd7, 0xe0, 0x6f, 0x3e, 0xcf, 0x4b, 0xe0, 0xf2, 0xfc, 0xd2, 0x18,
	0x8b, 0x23, 0xf1, 0xb9, 0xfc, 0xc8, 0x8e, 0x5d, 0x4b, 0x65, 0xa8, 0x63,
	0x7b, 0x17, 0x72, 0x3b, 0xbd, 0xa3, 0xcc, 0xe8,
}

const scriptHashTypeType = 1

// StorageGet implements xenv.Host, matching ecall 3074 (fetch).
func (c *Context) StorageGet(key [32]byte) ([32]byte, error) {
	info, err := c.CurrentContractInfo()
	if err != nil {
		return [32]byte{}, err
	}
	v, err := info.Tracker.Get(smt.Key(key))
	if err != nil {
		return [32]byte{}, errors.Wrap(err, "runtime: storage get")
	}
	return [32]byte(v), nil
}

// StorageSet implements xenv.Host, matching ecall 3073 (insert).
func (c *Context) StorageSet(key, value [32]byte) error {
	info, err := c.CurrentContractInfo()
	if err != nil {
		return err
	}
	if err := info.Tracker.Set(smt.Key(key), smt.Value(value)); err != nil {
		return errors.Wrap(err, "runtime: storage set")
	}
	return nil
}

// SetReturnData implements xenv.Host, matching ecall 3075 (return). A
// CREATE's first execution also installs its returned bytes as the
// contract's code: the mechanism by which a constructor's runtime return
// value becomes the deployed contract.
func (c *Context) SetReturnData(data []byte) {
	info, err := c.CurrentContractInfo()
	if err != nil {
		return
	}
	info.CurrentRecord().ReturnData = data
	if info.IsCreate() && len(info.Records()) == 1 {
		info.Code = data
	}
}

// AppendLog implements xenv.Host, matching ecall 3076 (LOG).
func (c *Context) AppendLog(data []byte) {
	info, err := c.CurrentContractInfo()
	if err != nil {
		return
	}
	info.CurrentRecord().Logs = append(info.CurrentRecord().Logs, data)
}

// SelfDestruct implements xenv.Host, matching ecall 3077. A repeated
// selfdestruct within the same frame is rejected as an error.
func (c *Context) SelfDestruct(beneficiary [20]byte) error {
	info, err := c.CurrentContractInfo()
	if err != nil {
		return err
	}
	if info.Selfdestruct != nil {
		addr, _ := c.CurrentContractAddress()
		return errors.Errorf("runtime: selfdestruct called twice for %s", addr)
	}
	info.Selfdestruct = &codec.Selfdestruct{Target: beneficiary}
	c.stateChanged = true
	return nil
}

// ContractCode implements xenv.Host, matching ecalls 3079/3080's code
// lookup.
func (c *Context) ContractCode(addr [20]byte) ([]byte, error) {
	return c.GetContractCode(address.ContractAddress(addr))
}

// BlockHash implements xenv.Host, matching ecall 3081. The looked-up
// header's hash is also added to the run's header deps, since the
// eventual transaction must declare it.
func (c *Context) BlockHash(number uint64) ([32]byte, error) {
	header, err := c.Loader.LoadHeader(&number)
	if err != nil {
		return [32]byte{}, errors.Wrapf(err, "runtime: load header %d", number)
	}
	c.headerDeps[header.Hash] = true
	return header.Hash, nil
}

// TxContext implements xenv.Host, matching ecall 3082. chain_id is
// hardcoded to 1; a configurable chain ID is a future improvement.
func (c *Context) TxContext() (xenv.TxContext, error) {
	ctx := xenv.TxContext{
		BlockNumber: c.TipBlock.Header.Number,
		Timestamp:   c.TipBlock.Header.Timestamp / 1000,
		Difficulty:  c.TipBlock.Header.Difficulty,
	}
	ctx.ChainID[31] = 1
	if lock := c.TipBlock.CellbaseLock; lock != nil &&
		lock.HashType == scriptHashTypeType &&
		lock.CodeHash == secpBlake160CodeHash &&
		len(lock.Args) == 20 {
		copy(ctx.Coinbase[:], lock.Args)
	}
	return ctx, nil
}

// Call implements xenv.Host, matching ecall 3078: it decodes the nested
// message already parsed by csal/xenv, resolves code, recurses into Run,
// and records the sub-call on the caller's frame.
func (c *Context) Call(msg xenv.CallMessage) ([]byte, [20]byte, error) {
	destination := address.BytesToContractAddress(msg.Destination[:])
	kind := msg.Kind

	if kind == codec.CallKindDelegateCall && address.EoaAddress(msg.Sender) != c.txOrigin {
		return nil, [20]byte{}, errors.Errorf(
			"runtime: invalid DELEGATECALL sender=%x tx_origin=%s", msg.Sender, c.txOrigin)
	}

	var code, input []byte
	if kind.IsCreate() {
		code = msg.Input
	} else {
		var err error
		code, err = c.GetContractCode(destination)
		if err != nil {
			return nil, [20]byte{}, errors.Wrapf(err, "runtime: load code for call to %s", destination)
		}
		input = msg.Input
	}

	program := codec.Program{
		Kind:        kind,
		Flags:       msg.Flags,
		Depth:       uint32(msg.Depth),
		TxOrigin:    c.txOrigin,
		Sender:      msg.Sender,
		Destination: destination,
		Code:        code,
		Input:       input,
	}

	callerIndex := c.contractIndex
	resolvedDestination, err := c.destination(&program, uint64(len(c.contracts)))
	if err != nil {
		return nil, [20]byte{}, err
	}

	if err := c.Run(program); err != nil {
		return nil, [20]byte{}, errors.Wrap(err, "runtime: nested call")
	}

	// A CALLCODE/DELEGATECALL also gets a (proof-empty) record on the
	// callee itself: evidence that its code was borrowed, and the thing
	// GetLastCall below points at, distinct from the record Run just
	// created on the caller's own frame for the storage activity.
	if kind.IsSpecialCall() {
		if err := c.addSpecialCall(program); err != nil {
			return nil, [20]byte{}, err
		}
	}
	c.contractIndex = callerIndex

	infoAddress := resolvedDestination
	if kind.IsSpecialCall() {
		infoAddress = c.contracts[callerIndex].address
	}
	destInfo, ok := c.getContractInfo(infoAddress)
	if !ok {
		return nil, [20]byte{}, errors.Errorf("runtime: missing contract info for %s after call", infoAddress)
	}
	destReturnData := destInfo.CurrentRecord().ReturnData

	calleeInfo, ok := c.getContractInfo(resolvedDestination)
	if !ok {
		return nil, [20]byte{}, errors.Errorf("runtime: missing contract info for %s after call", resolvedDestination)
	}
	programIndex := calleeInfo.GetLastCall()

	callerInfo := c.contracts[callerIndex].info
	callerInfo.AppendPendingCall(contract.CallRef{Destination: resolvedDestination, ExecuteRecord: programIndex})

	var createAddress [20]byte
	if kind.IsCreate() {
		createAddress = resolvedDestination
	}
	return destReturnData, createAddress, nil
}
