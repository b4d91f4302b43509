// Package codec implements the fixed-width and length-prefixed wire formats
// for every value that crosses the CSAL boundary: Program messages, the
// per-invocation WitnessData entries, coinbase proofs and the SMT run
// proof blob. Backwards-incompatible changes to these layouts break the
// on-chain validator, so all offsets live in this one package rather than
// being inlined into business logic.
package codec

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// CallKind is an EVM-style message kind.
type CallKind uint8

const (
	CallKindCall CallKind = iota
	CallKindDelegateCall
	CallKindCallCode
	CallKindCreate
	CallKindCreate2
)

// FlagStatic is the only defined Program flag bit.
const FlagStatic uint32 = 1

func (k CallKind) String() string {
	switch k {
	case CallKindCall:
		return "CALL"
	case CallKindDelegateCall:
		return "DELEGATECALL"
	case CallKindCallCode:
		return "CALLCODE"
	case CallKindCreate:
		return "CREATE"
	case CallKindCreate2:
		return "CREATE2"
	default:
		return "UNKNOWN"
	}
}

// IsCreate reports whether the call kind creates a new contract.
func (k CallKind) IsCreate() bool { return k == CallKindCreate || k == CallKindCreate2 }

// IsSpecialCall reports whether the call kind is CALLCODE/DELEGATECALL, a
// "special call" that executes callee code in the caller's frame.
func (k CallKind) IsSpecialCall() bool { return k == CallKindCallCode || k == CallKindDelegateCall }

func callKindFromByte(b byte) (CallKind, error) {
	switch CallKind(b) {
	case CallKindCall, CallKindDelegateCall, CallKindCallCode, CallKindCreate, CallKindCreate2:
		return CallKind(b), nil
	default:
		return 0, errors.Errorf("codec: invalid call kind %d", b)
	}
}

// Program is an Ethereum-style message, serialized as:
//
//	kind(1) || flags(4 LE) || depth(4 LE) || tx_origin(20) || sender(20) ||
//	destination(20) || value(32 BE) || len(code)(4 LE) || code ||
//	len(input)(4 LE) || input
type Program struct {
	Kind        CallKind
	Flags       uint32
	Depth       uint32
	TxOrigin    [20]byte
	Sender      [20]byte
	Destination [20]byte
	Value       uint64
	Code        []byte
	Input       []byte
}

// IsCreate reports whether this program creates a new contract.
func (p *Program) IsCreate() bool { return p.Kind.IsCreate() }

// IsStatic reports whether the STATIC flag is set.
func (p *Program) IsStatic() bool { return p.Flags&FlagStatic != 0 }

// IsTransferOnly reports whether the program carries no input and does not
// create a contract: a plain value transfer.
func (p *Program) IsTransferOnly() bool { return !p.IsCreate() && len(p.Input) == 0 }

// Serialize encodes the program in its wire format.
func (p *Program) Serialize() []byte {
	buf := newBuf()
	buf.putByte(byte(p.Kind))
	buf.putU32LE(p.Flags)
	buf.putU32LE(p.Depth)
	buf.putFixed(p.TxOrigin[:])
	buf.putFixed(p.Sender[:])
	buf.putFixed(p.Destination[:])
	buf.putU256BE(p.Value)
	buf.putVarSlice(p.Code)
	buf.putVarSlice(p.Input)
	return buf.bytes()
}

// DecodeProgram is the inverse of Program.Serialize.
func DecodeProgram(data []byte) (*Program, error) {
	if len(data) == 0 {
		return nil, errors.Errorf("codec: empty program data")
	}
	r := newReader(data)
	kindByte, err := r.readByte()
	if err != nil {
		return nil, errors.Wrap(err, "codec: program kind")
	}
	kind, err := callKindFromByte(kindByte)
	if err != nil {
		return nil, err
	}
	flags, err := r.readU32LE()
	if err != nil {
		return nil, errors.Wrap(err, "codec: program flags")
	}
	depth, err := r.readU32LE()
	if err != nil {
		return nil, errors.Wrap(err, "codec: program depth")
	}
	txOrigin, err := r.readFixed(20)
	if err != nil {
		return nil, errors.Wrap(err, "codec: program tx_origin")
	}
	sender, err := r.readFixed(20)
	if err != nil {
		return nil, errors.Wrap(err, "codec: program sender")
	}
	dest, err := r.readFixed(20)
	if err != nil {
		return nil, errors.Wrap(err, "codec: program destination")
	}
	value, err := r.readU256BE()
	if err != nil {
		return nil, errors.Wrap(err, "codec: program value")
	}
	code, err := r.readVarSlice()
	if err != nil {
		return nil, errors.Wrap(err, "codec: program code")
	}
	input, err := r.readVarSlice()
	if err != nil {
		return nil, errors.Wrap(err, "codec: program input")
	}
	if !r.atEnd() {
		return nil, errors.Errorf("codec: trailing data after program: %d bytes", r.remaining())
	}
	p := &Program{Kind: kind, Flags: flags, Depth: depth, Value: value}
	copy(p.TxOrigin[:], txOrigin)
	copy(p.Sender[:], sender)
	copy(p.Destination[:], dest)
	p.Code = code
	p.Input = input
	return p, nil
}

// CallRecord is one outbound sub-call recorded on a caller's frame:
// destination(20) || program_index(4 LE) || value(8 LE) ||
// transfer_only(1) || is_eoa(1).
type CallRecord struct {
	Destination  [20]byte
	ProgramIndex uint32
	Value        uint64
	TransferOnly bool
	IsEoa        bool
}

func (c *CallRecord) serializeInto(buf *buffer) {
	buf.putFixed(c.Destination[:])
	buf.putU32LE(c.ProgramIndex)
	buf.putU64LE(c.Value)
	buf.putBool(c.TransferOnly)
	buf.putBool(c.IsEoa)
}

func decodeCallRecord(r *reader) (CallRecord, error) {
	var c CallRecord
	dest, err := r.readFixed(20)
	if err != nil {
		return c, errors.Wrap(err, "codec: call record destination")
	}
	idx, err := r.readU32LE()
	if err != nil {
		return c, errors.Wrap(err, "codec: call record program_index")
	}
	value, err := r.readU64LE()
	if err != nil {
		return c, errors.Wrap(err, "codec: call record value")
	}
	transferOnly, err := r.readBool()
	if err != nil {
		return c, errors.Wrap(err, "codec: call record transfer_only")
	}
	isEoa, err := r.readBool()
	if err != nil {
		return c, errors.Wrap(err, "codec: call record is_eoa")
	}
	copy(c.Destination[:], dest)
	c.ProgramIndex = idx
	c.Value = value
	c.TransferOnly = transferOnly
	c.IsEoa = isEoa
	return c, nil
}

// Coinbase is the block-producer Merkle proof carried on the entrance
// program's WitnessData.
type Coinbase struct {
	WitnessesRoot       [32]byte
	RawTransactionsRoot [32]byte
	ProofLemmas         [][32]byte
	ProofIndex          uint32
	RawCellbaseTx       []byte
}

// Serialize encodes the coinbase proof:
//
//	witnesses_root(32) || raw_transactions_root(32) || len(lemmas)(4 LE) ||
//	lemmas[32 each] || proof_index(4 LE) || len(raw_cellbase_tx)(4 LE) ||
//	raw_cellbase_tx
func (c *Coinbase) Serialize() []byte {
	buf := newBuf()
	buf.putFixed(c.WitnessesRoot[:])
	buf.putFixed(c.RawTransactionsRoot[:])
	buf.putU32LE(uint32(len(c.ProofLemmas)))
	for _, lemma := range c.ProofLemmas {
		buf.putFixed(lemma[:])
	}
	buf.putU32LE(c.ProofIndex)
	buf.putVarSlice(c.RawCellbaseTx)
	return buf.bytes()
}

// DecodeCoinbase is the inverse of Coinbase.Serialize.
func DecodeCoinbase(data []byte) (*Coinbase, error) {
	r := newReader(data)
	wr, err := r.readFixed(32)
	if err != nil {
		return nil, errors.Wrap(err, "codec: coinbase witnesses_root")
	}
	rtr, err := r.readFixed(32)
	if err != nil {
		return nil, errors.Wrap(err, "codec: coinbase raw_transactions_root")
	}
	lemmasLen, err := r.readU32LE()
	if err != nil {
		return nil, errors.Wrap(err, "codec: coinbase lemmas length")
	}
	lemmas := make([][32]byte, lemmasLen)
	for i := range lemmas {
		l, err := r.readFixed(32)
		if err != nil {
			return nil, errors.Wrapf(err, "codec: coinbase lemma %d", i)
		}
		copy(lemmas[i][:], l)
	}
	idx, err := r.readU32LE()
	if err != nil {
		return nil, errors.Wrap(err, "codec: coinbase proof_index")
	}
	raw, err := r.readVarSlice()
	if err != nil {
		return nil, errors.Wrap(err, "codec: coinbase raw_cellbase_tx")
	}
	c := &Coinbase{ProofLemmas: lemmas, ProofIndex: idx, RawCellbaseTx: raw}
	copy(c.WitnessesRoot[:], wr)
	copy(c.RawTransactionsRoot[:], rtr)
	return c, nil
}

// Selfdestruct is the recorded beneficiary and balance of a selfdestructed
// contract.
type Selfdestruct struct {
	Target [20]byte
	Value  uint64
}

// WitnessData is one execute record's replayable program trace.
type WitnessData struct {
	Signature    [65]byte
	Program      Program
	ReturnData   []byte
	Selfdestruct *Selfdestruct
	Calls        []CallRecord
	Coinbase     *Coinbase
	RunProof     []byte
}

// NewWitnessData builds a WitnessData with a zeroed signature; signing
// happens downstream of this package.
func NewWitnessData(program Program) *WitnessData {
	return &WitnessData{Program: program}
}

// ProgramData encodes the signed portion of the witness: everything the
// validator authenticates except the run proof.
//
//	signature(65) || len(program_serial)(4 LE) || program_serial ||
//	len(return_data)(4 LE) || return_data || selfdestruct_target(20) ||
//	selfdestruct_value(8 LE) || len(calls)(4 LE) || calls[] ||
//	len(coinbase_bytes)(4 LE) || coinbase_bytes
func (w *WitnessData) ProgramData() []byte {
	buf := newBuf()
	buf.putFixed(w.Signature[:])
	buf.putVarSlice(w.Program.Serialize())
	buf.putVarSlice(w.ReturnData)
	if w.Selfdestruct != nil {
		buf.putFixed(w.Selfdestruct.Target[:])
		buf.putU64LE(w.Selfdestruct.Value)
	} else {
		buf.putFixed(make([]byte, 20))
		buf.putU64LE(0)
	}
	buf.putU32LE(uint32(len(w.Calls)))
	for i := range w.Calls {
		w.Calls[i].serializeInto(buf)
	}
	var coinbaseBytes []byte
	if w.Coinbase != nil {
		coinbaseBytes = w.Coinbase.Serialize()
	}
	buf.putVarSlice(coinbaseBytes)
	return buf.bytes()
}

// Serialize encodes the full witness entry: len(program_data)(4 LE) ||
// program_data || run_proof.
func (w *WitnessData) Serialize() []byte {
	buf := newBuf()
	buf.putVarSlice(w.ProgramData())
	buf.putRaw(w.RunProof)
	return buf.bytes()
}

// LoadWitnessData parses one WitnessData entry from the head of data and
// returns the number of bytes consumed. It returns (0, nil, nil) when data
// begins with the zero-length sentinel that terminates a frame's witness
// payload.
func LoadWitnessData(data []byte) (int, *WitnessData, error) {
	r := newReader(data)
	programData, err := r.readVarSlice()
	if err != nil {
		return 0, nil, errors.Wrap(err, "codec: witness program_data")
	}
	if len(programData) == 0 {
		return 0, nil, nil
	}

	inner := newReader(programData)
	sig, err := inner.readFixed(65)
	if err != nil {
		return 0, nil, errors.Wrap(err, "codec: witness signature")
	}
	programBytes, err := inner.readVarSlice()
	if err != nil {
		return 0, nil, errors.Wrap(err, "codec: witness program")
	}
	program, err := DecodeProgram(programBytes)
	if err != nil {
		return 0, nil, errors.Wrap(err, "codec: witness program decode")
	}
	returnData, err := inner.readVarSlice()
	if err != nil {
		return 0, nil, errors.Wrap(err, "codec: witness return_data")
	}
	sdTarget, err := inner.readFixed(20)
	if err != nil {
		return 0, nil, errors.Wrap(err, "codec: witness selfdestruct target")
	}
	sdValue, err := inner.readU64LE()
	if err != nil {
		return 0, nil, errors.Wrap(err, "codec: witness selfdestruct value")
	}
	var sd *Selfdestruct
	var zero [20]byte
	if !bytesEqual(sdTarget, zero[:]) {
		sd = &Selfdestruct{Value: sdValue}
		copy(sd.Target[:], sdTarget)
	}
	callsLen, err := inner.readU32LE()
	if err != nil {
		return 0, nil, errors.Wrap(err, "codec: witness calls length")
	}
	calls := make([]CallRecord, callsLen)
	for i := range calls {
		calls[i], err = decodeCallRecord(inner)
		if err != nil {
			return 0, nil, errors.Wrapf(err, "codec: witness call %d", i)
		}
	}
	coinbaseBytes, err := inner.readVarSlice()
	if err != nil {
		return 0, nil, errors.Wrap(err, "codec: witness coinbase")
	}
	var coinbase *Coinbase
	if len(coinbaseBytes) > 0 {
		coinbase, err = DecodeCoinbase(coinbaseBytes)
		if err != nil {
			return 0, nil, errors.Wrap(err, "codec: witness coinbase decode")
		}
	}

	// The run proof's own length-prefixed sections let us find its end
	// without a redundant outer length prefix.
	proofLen, err := peekRunProofLength(data[r.pos:])
	if err != nil {
		return 0, nil, errors.Wrap(err, "codec: witness run_proof length")
	}
	runProof := data[r.pos : r.pos+proofLen]

	w := &WitnessData{
		Program:      *program,
		ReturnData:   returnData,
		Selfdestruct: sd,
		Calls:        calls,
		Coinbase:     coinbase,
		RunProof:     append([]byte(nil), runProof...),
	}
	copy(w.Signature[:], sig)
	return r.pos + proofLen, w, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// --- low-level buffer/reader helpers -------------------------------------

type buffer struct {
	b []byte
}

func newBuf() *buffer { return &buffer{} }

func (b *buffer) bytes() []byte { return b.b }

func (b *buffer) putByte(v byte) { b.b = append(b.b, v) }

func (b *buffer) putBool(v bool) {
	if v {
		b.putByte(1)
	} else {
		b.putByte(0)
	}
}

func (b *buffer) putU32LE(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.b = append(b.b, tmp[:]...)
}

func (b *buffer) putU64LE(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	b.b = append(b.b, tmp[:]...)
}

// putU256BE encodes v, a uint64-range transfer value, as a big-endian
// 32-byte word.
func (b *buffer) putU256BE(v uint64) {
	var tmp [32]byte
	binary.BigEndian.PutUint64(tmp[24:], v)
	b.b = append(b.b, tmp[:]...)
}

func (b *buffer) putFixed(v []byte) { b.b = append(b.b, v...) }

func (b *buffer) putRaw(v []byte) { b.b = append(b.b, v...) }

func (b *buffer) putVarSlice(v []byte) {
	b.putU32LE(uint32(len(v)))
	b.b = append(b.b, v...)
}

type reader struct {
	data []byte
	pos  int
}

func newReader(data []byte) *reader { return &reader{data: data} }

func (r *reader) atEnd() bool    { return r.pos >= len(r.data) }
func (r *reader) remaining() int { return len(r.data) - r.pos }

func (r *reader) need(n int) error {
	if r.remaining() < n {
		return errors.Errorf("codec: need %d bytes, have %d", n, r.remaining())
	}
	return nil
}

func (r *reader) readByte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) readBool() (bool, error) {
	b, err := r.readByte()
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, errors.Errorf("codec: invalid bool byte %d", b)
	}
}

func (r *reader) readU32LE() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) readU64LE() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) readU256BE() (uint64, error) {
	if err := r.need(32); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.data[r.pos+24 : r.pos+32])
	r.pos += 32
	return v, nil
}

func (r *reader) readFixed(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	v := r.data[r.pos : r.pos+n]
	r.pos += n
	return v, nil
}

func (r *reader) readVarSlice() ([]byte, error) {
	n, err := r.readU32LE()
	if err != nil {
		return nil, err
	}
	return r.readFixed(int(n))
}

// peekRunProofLength inspects the four length-prefixed sections of a
// RunProof blob (see smt.RunProof) and returns its total byte length
// without fully decoding it.
func peekRunProofLength(data []byte) (int, error) {
	r := newReader(data)
	readValuesLen, err := r.readU32LE()
	if err != nil {
		return 0, err
	}
	if err := r.need(int(readValuesLen) * 64); err != nil {
		return 0, err
	}
	r.pos += int(readValuesLen) * 64

	readProofLen, err := r.readU32LE()
	if err != nil {
		return 0, err
	}
	if err := r.need(int(readProofLen)); err != nil {
		return 0, err
	}
	r.pos += int(readProofLen)

	writeValuesLen, err := r.readU32LE()
	if err != nil {
		return 0, err
	}
	if err := r.need(int(writeValuesLen) * 96); err != nil {
		return 0, err
	}
	r.pos += int(writeValuesLen) * 96

	writeOldProofLen, err := r.readU32LE()
	if err != nil {
		return 0, err
	}
	if err := r.need(int(writeOldProofLen)); err != nil {
		return 0, err
	}
	r.pos += int(writeOldProofLen)

	return r.pos, nil
}
