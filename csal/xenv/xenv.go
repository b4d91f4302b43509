// Package xenv is the syscall (ecall) dispatch table a running contract's
// VM sees. It knows nothing about how state is stored or how nested
// calls are executed; it only decodes VM registers/memory into domain
// calls against a Host interface that csal/runtime implements, the same
// separation thor's xenv package draws between "what a clause execution
// can do" and how the EVM itself works.
package xenv

import (
	"github.com/pkg/errors"

	"github.com/nervosnetwork/polyjuice-runner/csal/codec"
)

// Register indices into the VM's eight syscall argument/return slots.
const (
	A0 = iota
	A1
	A2
	A3
	A4
	A5
	A6
	A7
)

// Syscall numbers dispatched by Handle.
const (
	SyscallDebug          = 2177
	SyscallStorageSet     = 3073
	SyscallStorageGet     = 3074
	SyscallReturn         = 3075
	SyscallLog            = 3076
	SyscallSelfDestruct   = 3077
	SyscallCall           = 3078
	SyscallExtCodeSize    = 3079
	SyscallExtCodeCopy    = 3080
	SyscallBlockHash      = 3081
	SyscallTxContext      = 3082
)

// Machine is the VM-facing surface a handler needs: register read/write
// and guest-memory access. It abstracts away the concrete VM so xenv
// carries no dependency on any particular RISC-V interpreter.
type Machine interface {
	Register(i int) uint64
	SetRegister(i int, v uint64)
	Load8(addr uint64) (byte, error)
	LoadBytes(addr uint64, length uint32) ([]byte, error)
	StoreBytes(addr uint64, data []byte) error
}

// CallMessage is the decoded form of syscall 3078's argument struct:
// kind, flags, depth, gas, destination, sender, input, value, and
// create2 salt.
type CallMessage struct {
	Kind        codec.CallKind
	Flags       uint32
	Depth       int32
	Gas         int64
	Destination [20]byte
	Sender      [20]byte
	Input       []byte
	Value       [32]byte
	Create2Salt [32]byte
}

// TxContext is the block/transaction context syscall 3082 exposes. Its
// wire buffer layout is block_number(8) || block_timestamp(8) ||
// difficulty(32) || coinbase(20) || chain_id(32).
type TxContext struct {
	BlockNumber uint64
	Timestamp   uint64
	Difficulty  [32]byte
	Coinbase    [20]byte
	ChainID     [32]byte
}

// Host is everything a syscall handler needs from the runtime executing
// the current contract frame. csal/runtime.Context implements this.
type Host interface {
	StorageGet(key [32]byte) ([32]byte, error)
	StorageSet(key, value [32]byte) error

	SetReturnData(data []byte)
	AppendLog(data []byte)
	SelfDestruct(beneficiary [20]byte) error

	// Call executes msg as a nested invocation (CALL/DELEGATECALL/
	// CALLCODE/CREATE/CREATE2) and returns the callee's return data plus
	// the address a CREATE/CREATE2 produced (the zero address otherwise).
	Call(msg CallMessage) (returnData []byte, createAddress [20]byte, err error)

	ContractCode(addr [20]byte) ([]byte, error)

	BlockHash(number uint64) ([32]byte, error)
	TxContext() (TxContext, error)
}

// Handle decodes the syscall number in register A7 and dispatches to
// host. It returns (false, nil) for an unrecognized syscall number,
// letting the VM's default trap handling take over.
func Handle(m Machine, host Host) (bool, error) {
	switch m.Register(A7) {
	case SyscallDebug:
		return handleDebug(m)
	case SyscallStorageSet:
		return handleStorageSet(m, host)
	case SyscallStorageGet:
		return handleStorageGet(m, host)
	case SyscallReturn:
		return handleReturn(m, host)
	case SyscallLog:
		return handleLog(m, host)
	case SyscallSelfDestruct:
		return handleSelfDestruct(m, host)
	case SyscallCall:
		return handleCall(m, host)
	case SyscallExtCodeSize:
		return handleExtCodeSize(m, host)
	case SyscallExtCodeCopy:
		return handleExtCodeCopy(m, host)
	case SyscallBlockHash:
		return handleBlockHash(m, host)
	case SyscallTxContext:
		return handleTxContext(m, host)
	default:
		return false, nil
	}
}

func handleDebug(m Machine) (bool, error) {
	addr := m.Register(A0)
	var buf []byte
	for {
		b, err := m.Load8(addr)
		if err != nil {
			return false, errors.Wrap(err, "xenv: debug load8")
		}
		if b == 0 {
			break
		}
		buf = append(buf, b)
		addr++
	}
	// The decoded message goes to debugSink rather than being printed
	// here: xenv has no logging dependency of its own.
	return true, debugSink(string(buf))
}

// debugSink is overridable by runtime wiring via SetDebugSink; by default
// it discards the message.
var debugSink = func(string) error { return nil }

// SetDebugSink installs the function ckb_debug messages are forwarded to.
func SetDebugSink(fn func(string) error) { debugSink = fn }

func handleStorageSet(m Machine, host Host) (bool, error) {
	key, err := loadH256(m, m.Register(A0))
	if err != nil {
		return false, errors.Wrap(err, "xenv: storage set key")
	}
	value, err := loadH256(m, m.Register(A1))
	if err != nil {
		return false, errors.Wrap(err, "xenv: storage set value")
	}
	if err := host.StorageSet(key, value); err != nil {
		return false, errors.Wrap(err, "xenv: storage set")
	}
	m.SetRegister(A0, 0)
	return true, nil
}

func handleStorageGet(m Machine, host Host) (bool, error) {
	key, err := loadH256(m, m.Register(A0))
	if err != nil {
		return false, errors.Wrap(err, "xenv: storage get key")
	}
	value, err := host.StorageGet(key)
	if err != nil {
		return false, errors.Wrap(err, "xenv: storage get")
	}
	if err := m.StoreBytes(m.Register(A1), value[:]); err != nil {
		return false, errors.Wrap(err, "xenv: storage get store result")
	}
	return true, nil
}

func handleReturn(m Machine, host Host) (bool, error) {
	length := uint32(m.Register(A1))
	data, err := m.LoadBytes(m.Register(A0), length)
	if err != nil {
		return false, errors.Wrap(err, "xenv: return load data")
	}
	host.SetReturnData(data)
	return true, nil
}

func handleLog(m Machine, host Host) (bool, error) {
	length := uint32(m.Register(A1))
	data, err := m.LoadBytes(m.Register(A0), length)
	if err != nil {
		return false, errors.Wrap(err, "xenv: log load data")
	}
	host.AppendLog(data)
	return true, nil
}

func handleSelfDestruct(m Machine, host Host) (bool, error) {
	length := uint32(m.Register(A1))
	data, err := m.LoadBytes(m.Register(A0), length)
	if err != nil {
		return false, errors.Wrap(err, "xenv: selfdestruct load beneficiary")
	}
	if len(data) != 20 {
		return false, errors.Errorf("xenv: selfdestruct beneficiary must be 20 bytes, got %d", len(data))
	}
	var beneficiary [20]byte
	copy(beneficiary[:], data)
	if err := host.SelfDestruct(beneficiary); err != nil {
		return false, errors.Wrap(err, "xenv: selfdestruct")
	}
	return true, nil
}

func handleCall(m Machine, host Host) (bool, error) {
	addr := m.Register(A1)
	kindByte, err := m.Load8(addr)
	if err != nil {
		return false, errors.Wrap(err, "xenv: call kind")
	}
	addr++
	flags, err := loadU32(m, addr)
	if err != nil {
		return false, errors.Wrap(err, "xenv: call flags")
	}
	addr += 4
	depth, err := loadU32(m, addr)
	if err != nil {
		return false, errors.Wrap(err, "xenv: call depth")
	}
	addr += 4
	gas, err := loadU64(m, addr)
	if err != nil {
		return false, errors.Wrap(err, "xenv: call gas")
	}
	addr += 8
	destination, err := loadH160(m, addr)
	if err != nil {
		return false, errors.Wrap(err, "xenv: call destination")
	}
	addr += 20
	sender, err := loadH160(m, addr)
	if err != nil {
		return false, errors.Wrap(err, "xenv: call sender")
	}
	addr += 20
	inputSize, err := loadU32(m, addr)
	if err != nil {
		return false, errors.Wrap(err, "xenv: call input size")
	}
	addr += 4
	input, err := m.LoadBytes(addr, inputSize)
	if err != nil {
		return false, errors.Wrap(err, "xenv: call input")
	}
	addr += uint64(inputSize)
	value, err := loadH256(m, addr)
	if err != nil {
		return false, errors.Wrap(err, "xenv: call value")
	}
	addr += 32
	salt, err := loadH256(m, addr)
	if err != nil {
		return false, errors.Wrap(err, "xenv: call create2 salt")
	}

	msg := CallMessage{
		Kind:        codec.CallKind(kindByte),
		Flags:       flags,
		Depth:       int32(depth),
		Gas:         int64(gas),
		Destination: destination,
		Sender:      sender,
		Input:       input,
		Value:       value,
		Create2Salt: salt,
	}

	returnData, createAddress, err := host.Call(msg)
	if err != nil {
		return false, errors.Wrap(err, "xenv: call")
	}

	resultAddr := m.Register(A0)
	result := make([]byte, 0, 4+len(returnData)+20)
	result = append(result, leU32(uint32(len(returnData)))...)
	result = append(result, returnData...)
	result = append(result, createAddress[:]...)
	if err := m.StoreBytes(resultAddr, result); err != nil {
		return false, errors.Wrap(err, "xenv: call store result")
	}
	m.SetRegister(A0, 0)
	return true, nil
}

func handleExtCodeSize(m Machine, host Host) (bool, error) {
	addr, err := loadH160(m, m.Register(A0))
	if err != nil {
		return false, errors.Wrap(err, "xenv: extcodesize address")
	}
	code, err := host.ContractCode(addr)
	if err != nil {
		return false, errors.Wrap(err, "xenv: extcodesize load code")
	}
	if err := m.StoreBytes(m.Register(A1), leU32(uint32(len(code)))); err != nil {
		return false, errors.Wrap(err, "xenv: extcodesize store result")
	}
	m.SetRegister(A0, 0)
	return true, nil
}

func handleExtCodeCopy(m Machine, host Host) (bool, error) {
	addr, err := loadH160(m, m.Register(A0))
	if err != nil {
		return false, errors.Wrap(err, "xenv: extcodecopy address")
	}
	offset := uint32(m.Register(A1))
	bufferPtr := m.Register(A2)
	bufferSize := uint32(m.Register(A3))
	doneSizePtr := m.Register(A4)

	code, err := host.ContractCode(addr)
	if err != nil {
		return false, errors.Wrap(err, "xenv: extcodecopy load code")
	}
	if int(offset) > len(code) {
		return false, errors.Errorf("xenv: extcodecopy offset %d beyond code length %d", offset, len(code))
	}
	doneSize := uint32(len(code)) - offset
	if doneSize > bufferSize {
		doneSize = bufferSize
	}
	slice := code[offset : offset+doneSize]
	if err := m.StoreBytes(bufferPtr, slice); err != nil {
		return false, errors.Wrap(err, "xenv: extcodecopy store slice")
	}
	if err := m.StoreBytes(doneSizePtr, leU32(doneSize)); err != nil {
		return false, errors.Wrap(err, "xenv: extcodecopy store done size")
	}
	m.SetRegister(A0, 0)
	return true, nil
}

func handleBlockHash(m Machine, host Host) (bool, error) {
	number := m.Register(A1)
	hash, err := host.BlockHash(number)
	if err != nil {
		return false, errors.Wrap(err, "xenv: block hash")
	}
	if err := m.StoreBytes(m.Register(A0), hash[:]); err != nil {
		return false, errors.Wrap(err, "xenv: block hash store result")
	}
	m.SetRegister(A0, 0)
	return true, nil
}

func handleTxContext(m Machine, host Host) (bool, error) {
	ctx, err := host.TxContext()
	if err != nil {
		return false, errors.Wrap(err, "xenv: tx context")
	}
	data := make([]byte, 8+8+32+20+32)
	copy(data[0:8], leU64(ctx.BlockNumber))
	copy(data[8:16], leU64(ctx.Timestamp))
	copy(data[16:48], ctx.Difficulty[:])
	copy(data[48:68], ctx.Coinbase[:])
	copy(data[68:100], ctx.ChainID[:])
	if err := m.StoreBytes(m.Register(A0), data); err != nil {
		return false, errors.Wrap(err, "xenv: tx context store result")
	}
	m.SetRegister(A0, 0)
	return true, nil
}

// --- VM memory helpers -----------------------------------------------

func loadH160(m Machine, addr uint64) ([20]byte, error) {
	var out [20]byte
	data, err := m.LoadBytes(addr, 20)
	if err != nil {
		return out, err
	}
	copy(out[:], data)
	return out, nil
}

func loadH256(m Machine, addr uint64) ([32]byte, error) {
	var out [32]byte
	data, err := m.LoadBytes(addr, 32)
	if err != nil {
		return out, err
	}
	copy(out[:], data)
	return out, nil
}

func loadU32(m Machine, addr uint64) (uint32, error) {
	data, err := m.LoadBytes(addr, 4)
	if err != nil {
		return 0, err
	}
	return uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24, nil
}

func loadU64(m Machine, addr uint64) (uint64, error) {
	data, err := m.LoadBytes(addr, 8)
	if err != nil {
		return 0, err
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(data[i]) << (8 * uint(i))
	}
	return v, nil
}

func leU32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func leU64(v uint64) []byte {
	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		out[i] = byte(v >> (8 * uint(i)))
	}
	return out
}
