package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const defaultRPCTimeout = 20 * time.Second

// Backend captures the subset of ethclient used by the client.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Dial connects an ethclient backend.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial evm rpc: %w", err)
	}
	return c, nil
}

// Options configures a Client.
type Options struct {
	Contract    common.Address
	ChainID     *big.Int
	OperatorKey string
	Binding     *Binding
	RPCTimeout  time.Duration
	GasLimit    uint64
	Logger      *slog.Logger
}

// Client reads contract events and submits settlement transactions. All
// submissions from the operator account go through one queue goroutine.
type Client struct {
	backend  Backend
	contract common.Address
	binding  *Binding
	chainID  *big.Int
	key      *ecdsa.PrivateKey
	operator common.Address
	timeout  time.Duration
	gasLimit uint64
	log      *slog.Logger

	pollInterval time.Duration

	jobs      chan submitJob
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// owned by the queue goroutine
	nonce    *uint64
	pendMu   sync.Mutex
	inflight map[common.Hash]uint64
}

// NewClient builds a client and starts its submission queue. Close stops it.
func NewClient(ctx context.Context, backend Backend, opts Options) (*Client, error) {
	if backend == nil {
		return nil, errors.New("chain backend required")
	}
	if opts.Binding == nil {
		return nil, errors.New("contract binding required")
	}
	if opts.Contract == (common.Address{}) {
		return nil, errors.New("contract address required")
	}
	timeout := opts.RPCTimeout
	if timeout <= 0 {
		timeout = defaultRPCTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &Client{
		backend:  backend,
		contract: opts.Contract,
		binding:  opts.Binding,
		timeout:  timeout,
		gasLimit: opts.GasLimit,
		log:      log,
		jobs:     make(chan submitJob),
		done:     make(chan struct{}),
		inflight: map[common.Hash]uint64{},
	}

	if opts.OperatorKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(opts.OperatorKey), "0x"))
		if err != nil {
			return nil, errors.New("parse operator key: invalid hex private key")
		}
		c.key = key
		c.operator = crypto.PubkeyToAddress(key.PublicKey)
	}

	c.chainID = opts.ChainID
	if c.chainID == nil || c.chainID.Sign() == 0 {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		id, err := backend.ChainID(callCtx)
		if err != nil {
			return nil, fmt.Errorf("chain id: %w", err)
		}
		c.chainID = id
	}

	c.wg.Add(1)
	go c.loop()
	return c, nil
}

// Close stops the submission queue.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
	})
}

// Operator returns the signing account address.
func (c *Client) Operator() common.Address { return c.operator }

// ChainID returns the chain id transactions are signed for.
func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

// Binding returns the resolved contract binding.
func (c *Client) Binding() *Binding { return c.binding }

// SettlesRedeems reports whether redeem events are acknowledged on-chain.
func (c *Client) SettlesRedeems() bool { return c.binding.SettlesRedeems() }

// Head returns the latest block number.
func (c *Client) Head(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	n, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, classify("block number", err)
	}
	return n, nil
}

// Ping checks node connectivity.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Head(ctx)
	return err
}

// Events returns decoded events of kind in [from, to], ordered by block number
// then log index. Logs removed by a reorg are dropped.
func (c *Client) Events(ctx context.Context, kind EventKind, from, to uint64) ([]Event, error) {
	if to < from {
		return nil, nil
	}
	ev := c.binding.event(kind)
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{ev.ID}},
	})
	if err != nil {
		return nil, classify("filter logs", err)
	}

	out := make([]Event, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed || lg.Address != c.contract || len(lg.Topics) == 0 || lg.Topics[0] != ev.ID {
			continue
		}
		decoded := decodeLog(kind, ev, lg)
		if decoded.DecodeError != "" {
			c.log.Warn("undecodable contract log", "event_id", decoded.ID(), "error", decoded.DecodeError)
		}
		out = append(out, decoded)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}

// Inflight returns the hashes broadcast by this process and not yet seen mined.
func (c *Client) Inflight() []common.Hash {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	out := make([]common.Hash, 0, len(c.inflight))
	for h := range c.inflight {
		out = append(out, h)
	}
	return out
}

func (c *Client) track(hash common.Hash, nonce uint64) {
	c.pendMu.Lock()
	c.inflight[hash] = nonce
	c.pendMu.Unlock()
}

func (c *Client) untrack(hash common.Hash) {
	c.pendMu.Lock()
	delete(c.inflight, hash)
	c.pendMu.Unlock()
}
