package main

import (
	"github.com/nervosnetwork/polyjuice-runner/csal/codec"
	"github.com/nervosnetwork/polyjuice-runner/csal/xenv"
)

// echoVM is a stand-in for the RISC-V/EVM interpreter, which is out of
// scope for this repo: csal/xenv only specifies the syscall table a real
// Machine would drive through xenv.Handle, and no such Machine lives
// here. A live deployment plugs in a real ckb-vm-backed
// runtime.VMRunner instead; echoVM exists only so `call`/`static-call`/`create`
// have something to run end to end here, in the CLI and in this
// package's own tests.
//
// It runs no bytecode at all: it hands the program's input (for a CREATE,
// its init code) straight back as return data, touches no storage, and
// never calls host.Call. Good
// enough to exercise csal/runtime's bookkeeping and csal/txbuilder's
// assembly, nothing more.
type echoVM struct{}

func (echoVM) Execute(host xenv.Host, program codec.Program) error {
	if program.IsCreate() {
		host.SetReturnData(program.Code)
		return nil
	}
	host.SetReturnData(program.Input)
	return nil
}
