package rpcclient

import "golang.org/x/crypto/blake2b"

// witnessHash is the leaf this package's witnesses-root CBMT hashes: a
// transaction's hash salted with its witnesses, so the same transaction
// with different witness data still commits to a distinct leaf.
func witnessHash(tx jsonTransactionView) [32]byte {
	buf := append([]byte(nil), tx.Hash[:]...)
	for _, w := range tx.Inner.Witnesses {
		buf = append(buf, w...)
	}
	return blake2b.Sum256(buf)
}

// encodeTransaction produces the flat byte encoding loader.Block's
// CellbaseTx/Transactions fields carry. Real CKB transactions are
// molecule-encoded; this package defines its own fixed layout instead,
// which is not on-chain wire compatible. csal/txbuilder copies
// CellbaseTx into the coinbase proof as is.
func encodeTransaction(tx jsonTransaction) []byte {
	var out []byte
	for _, dep := range tx.CellDeps {
		out = appendOutPoint(out, dep.OutPoint)
		out = append(out, dep.DepType[0])
	}
	for _, h := range tx.HeaderDeps {
		out = append(out, h[:]...)
	}
	for _, in := range tx.Inputs {
		out = appendOutPoint(out, in.PreviousOutput)
		out = appendU64LE(out, uint64(in.Since))
	}
	for _, o := range tx.Outputs {
		out = appendU64LE(out, uint64(o.Capacity))
		out = appendScript(out, o.Lock)
		if o.Type != nil {
			out = appendScript(out, *o.Type)
		}
	}
	for _, d := range tx.OutputsData {
		out = append(out, d...)
	}
	for _, w := range tx.Witnesses {
		out = append(out, w...)
	}
	return out
}

func appendOutPoint(b []byte, op jsonOutPoint) []byte {
	b = append(b, op.TxHash[:]...)
	return appendU32LE(b, uint32(op.Index))
}

func appendScript(b []byte, s jsonScript) []byte {
	b = append(b, s.CodeHash[:]...)
	b = append(b, s.HashType[0])
	return append(b, s.Args...)
}

func appendU32LE(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendU64LE(b []byte, v uint64) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24), byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}
