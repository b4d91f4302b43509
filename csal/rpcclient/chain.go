package rpcclient

import "context"

// The methods below are ordinary typed wrappers over a vanilla CKB node's
// JSON-RPC surface, each taking a context.Context the way every blocking
// call in this module does.

func (c *Client) getBlockByNumber(ctx context.Context, number uint64) (*jsonBlockView, error) {
	var out *jsonBlockView
	if err := c.call(ctx, "get_block_by_number", []interface{}{hexU64(number)}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) getCellsByLockHash(ctx context.Context, lockHash [32]byte, from, to uint64) ([]jsonCellOutputWithOutPoint, error) {
	var out []jsonCellOutputWithOutPoint
	if err := c.call(ctx, "get_cells_by_lock_hash", []interface{}{hexHash(lockHash), hexU64(from), hexU64(to)}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) getHeaderByNumber(ctx context.Context, number uint64) (*jsonHeader, error) {
	var out *jsonHeader
	if err := c.call(ctx, "get_header_by_number", []interface{}{hexU64(number)}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) getLiveCell(ctx context.Context, op jsonOutPoint, withData bool) (*jsonCellWithStatus, error) {
	var out *jsonCellWithStatus
	if err := c.call(ctx, "get_live_cell", []interface{}{op, withData}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) getTipBlockNumber(ctx context.Context) (uint64, error) {
	var out hexU64
	if err := c.call(ctx, "get_tip_block_number", nil, &out); err != nil {
		return 0, err
	}
	return uint64(out), nil
}

func (c *Client) getTipHeader(ctx context.Context) (*jsonHeader, error) {
	var out *jsonHeader
	if err := c.call(ctx, "get_tip_header", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) getTransaction(ctx context.Context, hash [32]byte) (*jsonTransactionWithStatus, error) {
	var out *jsonTransactionWithStatus
	if err := c.call(ctx, "get_transaction", []interface{}{hexHash(hash)}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendTransaction broadcasts tx and returns its hash.
func (c *Client) SendTransaction(ctx context.Context, tx interface{}) ([32]byte, error) {
	var out hexHash
	if err := c.call(ctx, "send_transaction", []interface{}{tx}, &out); err != nil {
		return [32]byte{}, err
	}
	return [32]byte(out), nil
}
