package smt

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// keyProof is one key's compact sibling path: a 256-bit map marking which
// of the 256 levels carry a non-default sibling, followed by only those
// siblings' hashes. Levels whose sibling is the well-known zero-subtree
// hash for that depth are elided; the verifier recomputes them locally.
type keyProof struct {
	Bitmap   [32]byte
	Siblings [][32]byte
}

func bitmapSet(bitmap *[32]byte, depth int) {
	bitmap[depth/8] |= 1 << uint(7-depth%8)
}

func bitmapGet(bitmap [32]byte, depth int) bool {
	return bitmap[depth/8]&(1<<uint(7-depth%8)) != 0
}

// MerkleProof is a compact batch proof: one keyProof per queried key, in
// the same order the keys were supplied to GenerateProof.
type MerkleProof struct {
	perKey []keyProof
}

// Serialize flattens the proof: per key, bitmap(32) || len(siblings)(4 LE)
// || siblings[32 each].
func (p MerkleProof) Serialize() []byte {
	var buf []byte
	for _, kp := range p.perKey {
		buf = append(buf, kp.Bitmap[:]...)
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], uint32(len(kp.Siblings)))
		buf = append(buf, tmp[:]...)
		for _, s := range kp.Siblings {
			buf = append(buf, s[:]...)
		}
	}
	return buf
}

// DecodeMerkleProofForKeys is the inverse of MerkleProof.Serialize, given
// the number of keys the proof was built against (the count isn't
// self-describing since callers always know it from context).
func DecodeMerkleProofForKeys(data []byte, numKeys int) (MerkleProof, error) {
	var p MerkleProof
	pos := 0
	for i := 0; i < numKeys; i++ {
		if len(data)-pos < 36 {
			return MerkleProof{}, errors.Errorf("smt: truncated proof for key %d", i)
		}
		var kp keyProof
		copy(kp.Bitmap[:], data[pos:pos+32])
		pos += 32
		n := binary.LittleEndian.Uint32(data[pos : pos+4])
		pos += 4
		if len(data)-pos < int(n)*32 {
			return MerkleProof{}, errors.Errorf("smt: truncated sibling list for key %d", i)
		}
		for j := uint32(0); j < n; j++ {
			var s [32]byte
			copy(s[:], data[pos:pos+32])
			pos += 32
			kp.Siblings = append(kp.Siblings, s)
		}
		p.perKey = append(p.perKey, kp)
	}
	if pos != len(data) {
		return MerkleProof{}, errors.Errorf("smt: %d trailing bytes in proof", len(data)-pos)
	}
	return p, nil
}

// GenerateProof returns the compact sibling proof for every key in keys,
// against the tree's current root.
func (t *Tree) GenerateProof(keys []Key) (MerkleProof, error) {
	var proof MerkleProof
	for _, key := range keys {
		kp, err := t.proofForKey(key)
		if err != nil {
			return MerkleProof{}, err
		}
		proof.perKey = append(proof.perKey, kp)
	}
	return proof, nil
}

func (t *Tree) proofForKey(key Key) (keyProof, error) {
	var kp keyProof
	h := t.root
	for depth := 0; depth < Depth; depth++ {
		remaining := Depth - depth
		var node Node
		if h == zeroHash[remaining] {
			node = Node{Left: zeroHash[remaining-1], Right: zeroHash[remaining-1]}
		} else {
			n, ok, err := t.store.GetNode(h)
			if err != nil {
				return kp, errors.Wrap(err, "smt: proof get node")
			}
			if !ok {
				return kp, errors.Errorf("smt: missing node at depth %d", depth)
			}
			node = n
		}
		var sib [32]byte
		if bitAt(key, depth) == 0 {
			sib, h = node.Right, node.Left
		} else {
			sib, h = node.Left, node.Right
		}
		if sib != zeroHash[remaining-1] {
			bitmapSet(&kp.Bitmap, depth)
			kp.Siblings = append(kp.Siblings, sib)
		}
	}
	return kp, nil
}

// VerifyProof recomputes root from keys/values against proof and reports
// whether the result matches. len(proof.perKey) must equal len(keys).
func VerifyProof(root [32]byte, keys []Key, values []Value, proof MerkleProof) (bool, error) {
	if len(keys) != len(values) || len(keys) != len(proof.perKey) {
		return false, errors.New("smt: keys/values/proof length mismatch")
	}
	for i, key := range keys {
		kp := proof.perKey[i]
		h := [32]byte(values[i])
		// Siblings are listed root-first; this walk goes leaf-first, so it
		// consumes them from the end.
		next := len(kp.Siblings)
		for depth := Depth - 1; depth >= 0; depth-- {
			remaining := Depth - depth
			var sib [32]byte
			if bitmapGet(kp.Bitmap, depth) {
				if next == 0 {
					return false, errors.Errorf("smt: proof exhausted for key %d at depth %d", i, depth)
				}
				next--
				sib = kp.Siblings[next]
			} else {
				sib = zeroHash[remaining-1]
			}
			if bitAt(key, depth) == 0 {
				h = hashPair(h, sib)
			} else {
				h = hashPair(sib, h)
			}
		}
		if h != root {
			return false, nil
		}
	}
	return true, nil
}

// --- RunProof: the bit-exact wire blob codec.LoadWitnessData expects -----

// ReadEntry is one read-set record: the key and the value observed.
type ReadEntry struct {
	Key   Key
	Value Value
}

// WriteEntry is one write-set record: the key and its pre/post values.
type WriteEntry struct {
	Key      Key
	Old, New Value
}

// RunProof is the self-describing proof blob WitnessData carries: the
// read set plus a proof those values were in the tree before the call,
// and the write set plus a proof the old values (the pre-image of the
// new root) were in the tree too.
type RunProof struct {
	ReadValues    []ReadEntry
	ReadProof     MerkleProof
	WriteValues   []WriteEntry
	WriteOldProof MerkleProof
}

// BuildRunProof assembles a RunProof from a Tracker's recorded accesses,
// proved against tree as it stood before this invocation's writes landed.
func BuildRunProof(tree *Tree, tr *Tracker) (RunProof, error) {
	var rp RunProof
	var readKeys []Key
	for _, k := range tr.ReadSet() {
		v, err := tr.tree.Get(k)
		if err != nil {
			return RunProof{}, err
		}
		rp.ReadValues = append(rp.ReadValues, ReadEntry{Key: k, Value: v})
		readKeys = append(readKeys, k)
	}
	if len(readKeys) > 0 {
		proof, err := tree.GenerateProof(readKeys)
		if err != nil {
			return RunProof{}, errors.Wrap(err, "smt: build read proof")
		}
		rp.ReadProof = proof
	}

	var writeKeys []Key
	for _, w := range tr.WriteSet() {
		rp.WriteValues = append(rp.WriteValues, WriteEntry{Key: w.Key, Old: w.Old, New: w.New})
		writeKeys = append(writeKeys, w.Key)
	}
	if len(writeKeys) > 0 {
		proof, err := tree.GenerateProof(writeKeys)
		if err != nil {
			return RunProof{}, errors.Wrap(err, "smt: build write proof")
		}
		rp.WriteOldProof = proof
	}
	return rp, nil
}

// Serialize encodes the proof in the four-section, self-describing layout
// codec.LoadWitnessData's lookahead expects:
//
//	len(read_values)(4 LE) || read_values[64 each: key(32)+value(32)] ||
//	len(read_proof)(4 LE) || read_proof ||
//	len(write_values)(4 LE) || write_values[96 each: key+old+new] ||
//	len(write_old_proof)(4 LE) || write_old_proof
func (p RunProof) Serialize() []byte {
	var buf []byte
	putU32 := func(v uint32) {
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], v)
		buf = append(buf, tmp[:]...)
	}

	putU32(uint32(len(p.ReadValues)))
	for _, e := range p.ReadValues {
		buf = append(buf, e.Key[:]...)
		buf = append(buf, e.Value[:]...)
	}
	readProof := p.ReadProof.Serialize()
	putU32(uint32(len(readProof)))
	buf = append(buf, readProof...)

	putU32(uint32(len(p.WriteValues)))
	for _, e := range p.WriteValues {
		buf = append(buf, e.Key[:]...)
		buf = append(buf, e.Old[:]...)
		buf = append(buf, e.New[:]...)
	}
	writeProof := p.WriteOldProof.Serialize()
	putU32(uint32(len(writeProof)))
	buf = append(buf, writeProof...)

	return buf
}

// DecodeRunProof is the inverse of RunProof.Serialize. The embedded proof
// sections are decoded with DecodeMerkleProofForKeys, taking the number
// of read values and of write values as their key counts.
func DecodeRunProof(data []byte) (RunProof, int, error) {
	pos := 0
	need := func(n int) error {
		if len(data)-pos < n {
			return errors.Errorf("smt: run proof needs %d bytes, have %d", n, len(data)-pos)
		}
		return nil
	}
	readU32 := func() (uint32, error) {
		if err := need(4); err != nil {
			return 0, err
		}
		v := binary.LittleEndian.Uint32(data[pos:])
		pos += 4
		return v, nil
	}

	var rp RunProof
	var rawReadProof, rawWriteProof []byte

	readValuesLen, err := readU32()
	if err != nil {
		return rp, 0, err
	}
	if err := need(int(readValuesLen) * 64); err != nil {
		return rp, 0, err
	}
	for i := uint32(0); i < readValuesLen; i++ {
		var e ReadEntry
		copy(e.Key[:], data[pos:pos+32])
		copy(e.Value[:], data[pos+32:pos+64])
		pos += 64
		rp.ReadValues = append(rp.ReadValues, e)
	}

	readProofLen, err := readU32()
	if err != nil {
		return rp, 0, err
	}
	if err := need(int(readProofLen)); err != nil {
		return rp, 0, err
	}
	rawReadProof = data[pos : pos+int(readProofLen)]
	pos += int(readProofLen)

	writeValuesLen, err := readU32()
	if err != nil {
		return rp, 0, err
	}
	if err := need(int(writeValuesLen) * 96); err != nil {
		return rp, 0, err
	}
	for i := uint32(0); i < writeValuesLen; i++ {
		var e WriteEntry
		copy(e.Key[:], data[pos:pos+32])
		copy(e.Old[:], data[pos+32:pos+64])
		copy(e.New[:], data[pos+64:pos+96])
		pos += 96
		rp.WriteValues = append(rp.WriteValues, e)
	}

	writeOldProofLen, err := readU32()
	if err != nil {
		return rp, 0, err
	}
	if err := need(int(writeOldProofLen)); err != nil {
		return rp, 0, err
	}
	rawWriteProof = data[pos : pos+int(writeOldProofLen)]
	pos += int(writeOldProofLen)

	if readProof, err := DecodeMerkleProofForKeys(rawReadProof, len(rp.ReadValues)); err == nil {
		rp.ReadProof = readProof
	} else if len(rawReadProof) > 0 {
		return rp, 0, errors.Wrap(err, "smt: decode read proof")
	}
	if writeProof, err := DecodeMerkleProofForKeys(rawWriteProof, len(rp.WriteValues)); err == nil {
		rp.WriteOldProof = writeProof
	} else if len(rawWriteProof) > 0 {
		return rp, 0, errors.Wrap(err, "smt: decode write proof")
	}

	return rp, pos, nil
}
