package rpcclient

import "golang.org/x/crypto/blake2b"

// cbmtRoot and cbmtProof build a Complete Binary Merkle Tree root and
// inclusion proof over a block's transaction hashes, proving the
// cellbase transaction (always index 0) sits inside the block's
// committed transaction list.
//
// This is a hand-rolled merge-pair tree: merge(a, b) = blake2b(a || b),
// odd layers carry their last node up unmerged rather than duplicating
// it. It gives csal/txbuilder's Coinbase proof the shape a verifier
// needs: a root plus a sibling-hash path it can walk back up to.
func cbmtMerge(a, b [32]byte) [32]byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, a[:]...)
	buf = append(buf, b[:]...)
	return blake2b.Sum256(buf)
}

// cbmtRoot returns the merkle root over leaves, or the zero hash for an
// empty list.
func cbmtRoot(leaves [][32]byte) [32]byte {
	if len(leaves) == 0 {
		return [32]byte{}
	}
	layer := append([][32]byte(nil), leaves...)
	for len(layer) > 1 {
		var next [][32]byte
		for i := 0; i < len(layer); i += 2 {
			if i+1 < len(layer) {
				next = append(next, cbmtMerge(layer[i], layer[i+1]))
			} else {
				next = append(next, layer[i])
			}
		}
		layer = next
	}
	return layer[0]
}

// cbmtProof returns the sibling hashes needed to walk leaves[index] back up
// to cbmtRoot(leaves), bottom layer first.
func cbmtProof(leaves [][32]byte, index uint32) [][32]byte {
	if len(leaves) == 0 {
		return nil
	}
	var lemmas [][32]byte
	layer := append([][32]byte(nil), leaves...)
	idx := int(index)
	for len(layer) > 1 {
		var sibling [32]byte
		hasSibling := false
		if idx%2 == 0 {
			if idx+1 < len(layer) {
				sibling = layer[idx+1]
				hasSibling = true
			}
		} else {
			sibling = layer[idx-1]
			hasSibling = true
		}
		if hasSibling {
			lemmas = append(lemmas, sibling)
		}

		var next [][32]byte
		for i := 0; i < len(layer); i += 2 {
			if i+1 < len(layer) {
				next = append(next, cbmtMerge(layer[i], layer[i+1]))
			} else {
				next = append(next, layer[i])
			}
		}
		layer = next
		idx /= 2
	}
	return lemmas
}
