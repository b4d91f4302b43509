package runtime

import (
	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"

	"github.com/nervosnetwork/polyjuice-runner/csal/address"
	"github.com/nervosnetwork/polyjuice-runner/csal/codec"
	"github.com/nervosnetwork/polyjuice-runner/csal/loader"
)

// Runner is the top-level entry point a caller (the CLI, an RPC server)
// drives a single transaction through. StaticCall/Call/Create each build
// an entrance Program, run it against a fresh Context, and hand the
// finished Context back for csal/txbuilder to turn into a transaction.
type Runner struct {
	Loader loader.Loader
	VM     VMRunner
}

// NewRunner builds a Runner over ld, driving execution through vm.
func NewRunner(ld loader.Loader, vm VMRunner) *Runner {
	return &Runner{Loader: ld, VM: vm}
}

func (r *Runner) tipContext() (*Context, loader.Block, error) {
	tip, err := r.Loader.LoadBlock(nil)
	if err != nil {
		return nil, loader.Block{}, errors.Wrap(err, "runtime: load tip block")
	}
	return New(r.Loader, r.VM, tip), tip, nil
}

// StaticCall runs destination's code with the STATIC flag
// (codec.FlagStatic) set. Storage writes are still recorded;
// txbuilder.Build refuses to build a transaction for a static run that
// changed state.
func (r *Runner) StaticCall(sender address.EoaAddress, destination address.ContractAddress, input []byte) (*Context, error) {
	return r.runCall(sender, destination, input, codec.FlagStatic)
}

// Call runs destination's code with writes allowed.
func (r *Runner) Call(sender address.EoaAddress, destination address.ContractAddress, input []byte) (*Context, error) {
	return r.runCall(sender, destination, input, 0)
}

func (r *Runner) runCall(sender address.EoaAddress, destination address.ContractAddress, input []byte, flags uint32) (*Context, error) {
	meta, err := r.Loader.LoadContractMeta(destination)
	if err != nil {
		return nil, errors.Wrapf(err, "runtime: load contract meta for %s", destination)
	}
	if meta.Destructed {
		return nil, errors.Errorf("runtime: contract already destructed: %s", destination)
	}

	program := codec.Program{
		Kind:        codec.CallKindCall,
		Flags:       flags,
		TxOrigin:    sender,
		Sender:      [20]byte(sender),
		Destination: [20]byte(destination),
		Code:        meta.Code,
		Input:       input,
	}

	context, _, err := r.tipContext()
	if err != nil {
		return nil, err
	}
	if err := context.Run(program); err != nil {
		log.Warn("runtime: call failed", "destination", destination, "err", err)
		return nil, err
	}
	return context, nil
}

// Create runs code as a fresh contract's constructor, deriving the new
// contract's address from the entrance transaction's first funding cell.
func (r *Runner) Create(sender address.EoaAddress, code []byte) (*Context, error) {
	program := codec.Program{
		Kind:     codec.CallKindCreate,
		TxOrigin: sender,
		Sender:   [20]byte(sender),
		Code:     code,
	}

	context, _, err := r.tipContext()
	if err != nil {
		return nil, err
	}
	if err := context.Run(program); err != nil {
		log.Warn("runtime: create failed", "sender", sender, "err", err)
		return nil, err
	}
	return context, nil
}
