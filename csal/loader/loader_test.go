package loader_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nervosnetwork/polyjuice-runner/csal/loader"
)

func TestChangeOutPoint(t *testing.T) {
	c := loader.Change{TxHash: [32]byte{1, 2, 3}, OutputIndex: 4}
	op := c.OutPoint()
	assert.Equal(t, c.TxHash, op.TxHash)
	assert.Equal(t, uint32(4), op.Index)
}
