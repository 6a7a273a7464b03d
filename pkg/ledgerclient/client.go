/**
 * @description
 * This package is the thin boundary to the external EVM ledger. It exposes the
 * token contract's Transfer logs as domain.TransferEvent values, either as a live
 * subscription or as a bounded historical scan. Retry and reconnect policy belong
 * to the caller; every call here runs under a fixed deadline.
 *
 * @dependencies
 * - github.com/ethereum/go-ethereum: JSON-RPC client, log filtering and ABI topics.
 */
package ledgerclient

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	"github.com/transfa/checkout-service/internal/domain"
)

// TransferTopic is keccak256("Transfer(address,address,uint256)").
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Backend is the subset of ethclient.Client the reader needs.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// Subscription is a live transfer feed. Err delivers at most one error when the
// feed breaks and is closed on Unsubscribe.
type Subscription = event.Subscription

// Client reads Transfer logs of a single token contract.
type Client struct {
	backend     Backend
	contract    common.Address
	callTimeout time.Duration
	closer      func()
}

// Dial connects to the ledger RPC endpoint. Live subscriptions need a websocket
// (ws:// or wss://) endpoint.
func Dial(ctx context.Context, rpcURL, contract string, callTimeout time.Duration) (*Client, error) {
	if !common.IsHexAddress(contract) {
		return nil, fmt.Errorf("invalid token contract address %q", contract)
	}
	dialCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	rpc, err := ethclient.DialContext(dialCtx, strings.TrimSpace(rpcURL))
	if err != nil {
		return nil, fmt.Errorf("dial ledger rpc: %w", err)
	}
	client := NewClient(rpc, contract, callTimeout)
	client.closer = rpc.Close
	return client, nil
}

// NewClient wraps an existing backend.
func NewClient(backend Backend, contract string, callTimeout time.Duration) *Client {
	if callTimeout <= 0 {
		callTimeout = 15 * time.Second
	}
	return &Client{
		backend:     backend,
		contract:    common.HexToAddress(contract),
		callTimeout: callTimeout,
	}
}

// Close releases the RPC connection when the client owns it.
func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// HeadBlock returns the current chain head.
func (c *Client) HeadBlock(ctx context.Context) (uint64, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	head, err := c.backend.BlockNumber(callCtx)
	if err != nil {
		return 0, fmt.Errorf("fetch head block: %w", err)
	}
	return head, nil
}

// ScanTransfers returns transfers of the token to the given recipient in
// [fromBlock, toBlock].
func (c *Client) ScanTransfers(ctx context.Context, to string, fromBlock, toBlock uint64) ([]domain.TransferEvent, error) {
	if !common.IsHexAddress(to) {
		return nil, fmt.Errorf("invalid recipient address %q", to)
	}
	if fromBlock > toBlock {
		return nil, nil
	}

	recipient := common.BytesToHash(common.HexToAddress(to).Bytes())
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{TransferTopic}, nil, {recipient}},
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	logs, err := c.backend.FilterLogs(callCtx, query)
	if err != nil {
		return nil, fmt.Errorf("filter transfer logs %d-%d: %w", fromBlock, toBlock, err)
	}

	events := make([]domain.TransferEvent, 0, len(logs))
	for _, lg := range logs {
		if ev, ok := DecodeTransferLog(lg); ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

// SubscribeTransfers streams every Transfer log of the token contract into sink.
// Recipient filtering is left to the consumer. The returned subscription fails
// (via Err) when the underlying connection drops; it is never re-established here.
func (c *Client) SubscribeTransfers(ctx context.Context, sink chan<- domain.TransferEvent) (Subscription, error) {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{TransferTopic}},
	}

	logs := make(chan types.Log, 128)
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	raw, err := c.backend.SubscribeFilterLogs(callCtx, query, logs)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("subscribe transfer logs: %w", err)
	}

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer raw.Unsubscribe()
		for {
			select {
			case lg := <-logs:
				ev, ok := DecodeTransferLog(lg)
				if !ok {
					continue
				}
				select {
				case sink <- ev:
				case <-quit:
					return nil
				}
			case err := <-raw.Err():
				if err == nil {
					err = errors.New("ledger subscription closed")
				}
				return err
			case <-quit:
				return nil
			}
		}
	}), nil
}

// DecodeTransferLog converts a raw Transfer log. Removed (reorged) logs and logs
// that are not well-formed ERC-20 transfers are rejected.
func DecodeTransferLog(lg types.Log) (domain.TransferEvent, bool) {
	if lg.Removed || len(lg.Topics) != 3 || lg.Topics[0] != TransferTopic || len(lg.Data) < 32 {
		return domain.TransferEvent{}, false
	}
	return domain.TransferEvent{
		From:        domain.NormalizeAddress(common.BytesToAddress(lg.Topics[1].Bytes()).Hex()),
		To:          domain.NormalizeAddress(common.BytesToAddress(lg.Topics[2].Bytes()).Hex()),
		Value:       new(big.Int).SetBytes(lg.Data[:32]),
		TxHash:      strings.ToLower(lg.TxHash.Hex()),
		BlockNumber: lg.BlockNumber,
		LogIndex:    lg.Index,
	}, true
}
