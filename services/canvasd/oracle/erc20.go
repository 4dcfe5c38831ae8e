package oracle

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
)

var balanceOfSelector = gethcrypto.Keccak256([]byte("balanceOf(address)"))[:4]

// ContractCaller is the subset of the Ethereum RPC needed for balance reads.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// DialRPC initialises an EVM RPC client for the provided endpoint.
func DialRPC(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// ERC20Oracle reads whole-token balances from an ERC-20 contract.
type ERC20Oracle struct {
	caller   ContractCaller
	token    common.Address
	decimals uint8
	timeout  time.Duration
}

// NewERC20Oracle constructs an oracle for the token contract at token.
func NewERC20Oracle(caller ContractCaller, token string, decimals uint8, timeout time.Duration) (*ERC20Oracle, error) {
	if caller == nil {
		return nil, fmt.Errorf("contract caller required")
	}
	if !common.IsHexAddress(token) {
		return nil, fmt.Errorf("invalid token contract %q", token)
	}
	if decimals > 77 {
		return nil, fmt.Errorf("token decimals %d out of range", decimals)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ERC20Oracle{caller: caller, token: common.HexToAddress(token), decimals: decimals, timeout: timeout}, nil
}

// Balance returns the holder's balance truncated to whole tokens and
// clamped to the int64 range.
func (o *ERC20Oracle) Balance(ctx context.Context, address string) (int64, error) {
	if o == nil || o.caller == nil {
		return 0, fmt.Errorf("erc20 oracle not configured")
	}
	if !common.IsHexAddress(address) {
		return 0, fmt.Errorf("invalid holder address %q", address)
	}
	holder := common.HexToAddress(address)
	data := make([]byte, 0, 4+32)
	data = append(data, balanceOfSelector...)
	data = append(data, common.LeftPadBytes(holder.Bytes(), 32)...)

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	out, err := o.caller.CallContract(callCtx, ethereum.CallMsg{To: &o.token, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("balanceOf %s: %w", holder.Hex(), err)
	}
	if len(out) == 0 {
		return 0, fmt.Errorf("balanceOf %s: empty result", holder.Hex())
	}
	return wholeTokens(new(big.Int).SetBytes(out), o.decimals), nil
}

func wholeTokens(raw *big.Int, decimals uint8) int64 {
	value, overflow := uint256.FromBig(raw)
	if overflow {
		return math.MaxInt64
	}
	scale := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(decimals)))
	whole := new(uint256.Int).Div(value, scale)
	if !whole.IsUint64() || whole.Uint64() > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(whole.Uint64())
}
