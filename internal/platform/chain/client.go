// Package chain implements domain.PositionReader against the margin pool
// contract over JSON-RPC.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/alanyoungcy/preauthlend/internal/domain"
)

// getPositionSelector is the 4-byte selector of getPosition(address) on the
// margin pool contract, which returns (uint256 collateral, uint256 debt,
// bool isActive).
var getPositionSelector = crypto.Keccak256([]byte("getPosition(address)"))[:4]

// Client reads wallet positions from the margin pool contract via eth_call.
type Client struct {
	rpc     *rpc.Client
	pool    common.Address
	timeout time.Duration
}

// Dial connects to the JSON-RPC endpoint and returns a Client bound to the
// given margin pool contract address.
func Dial(ctx context.Context, rpcURL, poolAddress string, timeout time.Duration) (*Client, error) {
	if !common.IsHexAddress(poolAddress) {
		return nil, fmt.Errorf("chain: invalid pool address %q", poolAddress)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	c, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}

	return &Client{
		rpc:     c,
		pool:    common.HexToAddress(poolAddress),
		timeout: timeout,
	}, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.rpc.Close()
}

// callArgs is the eth_call parameter object.
type callArgs struct {
	To   common.Address `json:"to"`
	Data hexutil.Bytes  `json:"data"`
}

// GetPositionDetails fetches the wallet's position from the pool contract.
// It returns nil (and no error) when the pool has no position for the
// wallet.
func (c *Client) GetPositionDetails(ctx context.Context, wallet string) (*domain.Position, error) {
	if !common.IsHexAddress(wallet) {
		return nil, fmt.Errorf("chain: %w: invalid wallet address %q", domain.ErrValidation, wallet)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// ABI-encode getPosition(address): selector + left-padded address.
	data := make([]byte, 0, 4+32)
	data = append(data, getPositionSelector...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(wallet).Bytes(), 32)...)

	var result hexutil.Bytes
	err := c.rpc.CallContext(ctx, &result, "eth_call",
		callArgs{To: c.pool, Data: data}, "latest")
	if err != nil {
		return nil, fmt.Errorf("chain: eth_call getPosition(%s): %w", wallet, err)
	}

	// Expect three 32-byte words: collateral, debt, isActive.
	if len(result) < 96 {
		if len(result) == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("chain: getPosition(%s): short return of %d bytes", wallet, len(result))
	}

	collateral := new(big.Int).SetBytes(result[0:32])
	debt := new(big.Int).SetBytes(result[32:64])
	isActive := new(big.Int).SetBytes(result[64:96]).Sign() != 0

	if !isActive && collateral.Sign() == 0 && debt.Sign() == 0 {
		// Pool has never seen this wallet.
		return nil, nil
	}

	return &domain.Position{
		Wallet:     wallet,
		IsActive:   isActive,
		Collateral: collateral,
		Debt:       debt,
		FetchedAt:  time.Now().UTC(),
	}, nil
}

// Compile-time interface check.
var _ domain.PositionReader = (*Client)(nil)
