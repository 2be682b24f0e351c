package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/biequity/reconciler/internal/fault"
)

// ErrClosed is returned when the submission queue has been stopped.
var ErrClosed = errors.New("chain client closed")

const defaultPollInterval = 2 * time.Second

// TxState describes what is known about a broadcast settlement transaction.
type TxState int

const (
	// TxPending: broadcast and accepted by the node, no receipt yet.
	TxPending TxState = iota
	// TxMined: included with a successful receipt.
	TxMined
	// TxReverted: included with a failed receipt.
	TxReverted
	// TxDropped: no receipt and the node refuses the signed transaction, so it
	// must be signed again.
	TxDropped
)

func (s TxState) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxMined:
		return "mined"
	case TxReverted:
		return "reverted"
	case TxDropped:
		return "dropped"
	}
	return fmt.Sprintf("TxState(%d)", int(s))
}

// Settlement describes one settlement call to sign and broadcast.
type Settlement struct {
	Kind   EventKind
	Symbol string
	Amount *big.Int
	// Prepared is invoked with the signed transaction before broadcast. A
	// non-nil error aborts the broadcast.
	Prepared func(hash common.Hash, raw []byte) error
}

// Submitted identifies a broadcast settlement transaction.
type Submitted struct {
	Hash  common.Hash
	Raw   []byte
	Nonce uint64
}

type submitJob struct {
	run  func()
	done chan struct{}
}

func (c *Client) loop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case j := <-c.jobs:
			j.run()
			close(j.done)
		}
	}
}

// exec runs fn on the queue goroutine and waits for it to finish.
func (c *Client) exec(ctx context.Context, fn func()) error {
	j := submitJob{run: fn, done: make(chan struct{})}
	select {
	case c.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
	<-j.done
	return nil
}

// SubmitSettlement simulates, signs and broadcasts a settlement call. The
// signed transaction is handed to s.Prepared before it leaves the process.
func (c *Client) SubmitSettlement(ctx context.Context, s Settlement) (Submitted, error) {
	var (
		out Submitted
		err error
	)
	if qerr := c.exec(ctx, func() { out, err = c.submit(ctx, s) }); qerr != nil {
		return Submitted{}, fault.Transient("settle", qerr)
	}
	return out, err
}

func (c *Client) submit(ctx context.Context, s Settlement) (Submitted, error) {
	if c.key == nil {
		return Submitted{}, fault.Terminal("settle", errors.New("operator key not configured"))
	}
	method := c.binding.method(s.Kind)
	if method == nil {
		return Submitted{}, fault.Terminal("settle", fmt.Errorf("no settlement method for %s events", s.Kind))
	}
	if s.Amount == nil || s.Amount.Sign() <= 0 {
		return Submitted{}, fault.Validation("settle", "amount must be positive")
	}
	data, err := c.binding.abi.Pack(method.Name, s.Symbol, s.Amount)
	if err != nil {
		return Submitted{}, fault.Validation("settle", "pack %s: %v", method.Name, err)
	}

	msg := ethereum.CallMsg{From: c.operator, To: &c.contract, Data: data}
	if err := c.call(ctx, func(ctx context.Context) error {
		_, err := c.backend.CallContract(ctx, msg, nil)
		return err
	}); err != nil {
		return Submitted{}, classify("simulate settlement", err)
	}

	nonce, err := c.nextNonce(ctx)
	if err != nil {
		return Submitted{}, err
	}
	gas, err := c.gas(ctx, msg)
	if err != nil {
		return Submitted{}, err
	}
	tip, feeCap, err := c.fees(ctx)
	if err != nil {
		return Submitted{}, err
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &c.contract,
		Value:     big.NewInt(0),
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return Submitted{}, fault.Terminal("sign settlement", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return Submitted{}, fault.Terminal("encode settlement", err)
	}
	out := Submitted{Hash: signed.Hash(), Raw: raw, Nonce: nonce}

	if s.Prepared != nil {
		if err := s.Prepared(out.Hash, raw); err != nil {
			return Submitted{}, fmt.Errorf("persist signed settlement: %w", err)
		}
	}

	sendErr := c.call(ctx, func(ctx context.Context) error {
		return c.backend.SendTransaction(ctx, signed)
	})
	if sendErr != nil {
		cerr := classify("send settlement", sendErr)
		if CodeOf(cerr) != CodeAlreadyKnown {
			// The pool may or may not hold the transaction; re-read the nonce next time.
			c.nonce = nil
			return out, cerr
		}
	}
	next := nonce + 1
	c.nonce = &next
	c.track(out.Hash, nonce)
	c.log.Info("settlement broadcast", "kind", s.Kind, "symbol", s.Symbol, "tx_hash", out.Hash.Hex(), "nonce", nonce)
	return out, nil
}

func (c *Client) nextNonce(ctx context.Context) (uint64, error) {
	if c.nonce != nil {
		return *c.nonce, nil
	}
	var n uint64
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		n, err = c.backend.PendingNonceAt(ctx, c.operator)
		return err
	})
	if err != nil {
		return 0, classify("pending nonce", err)
	}
	return n, nil
}

func (c *Client) gas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if c.gasLimit > 0 {
		return c.gasLimit, nil
	}
	var est uint64
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		est, err = c.backend.EstimateGas(ctx, msg)
		return err
	})
	if err != nil {
		return 0, classify("estimate gas", err)
	}
	return est + est/5, nil
}

func (c *Client) fees(ctx context.Context) (tip, feeCap *big.Int, err error) {
	err = c.call(ctx, func(ctx context.Context) error {
		var err error
		tip, err = c.backend.SuggestGasTipCap(ctx)
		return err
	})
	if err != nil {
		return nil, nil, classify("suggest tip", err)
	}
	var head *types.Header
	err = c.call(ctx, func(ctx context.Context) error {
		var err error
		head, err = c.backend.HeaderByNumber(ctx, nil)
		return err
	})
	if err != nil {
		return nil, nil, classify("latest header", err)
	}
	if head == nil || head.BaseFee == nil {
		return tip, new(big.Int).Mul(tip, big.NewInt(2)), nil
	}
	feeCap = new(big.Int).Mul(head.BaseFee, big.NewInt(2))
	feeCap.Add(feeCap, tip)
	return tip, feeCap, nil
}

// Resume reports the state of a previously signed settlement and rebroadcasts
// it when no receipt exists yet. A transaction is reported dropped only when the
// node refuses it for its nonce or fee cap and it still has no receipt.
func (c *Client) Resume(ctx context.Context, raw []byte) (TxState, error) {
	var (
		state TxState
		err   error
	)
	if qerr := c.exec(ctx, func() { state, err = c.resume(ctx, raw) }); qerr != nil {
		return TxPending, fault.Transient("resume settlement", qerr)
	}
	return state, err
}

func (c *Client) resume(ctx context.Context, raw []byte) (TxState, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return TxPending, fault.Terminal("resume settlement", fmt.Errorf("decode stored transaction: %w", err))
	}
	hash := tx.Hash()

	state, found, err := c.receiptState(ctx, hash)
	if err != nil {
		return TxPending, err
	}
	if found {
		return state, nil
	}

	sendErr := c.call(ctx, func(ctx context.Context) error {
		return c.backend.SendTransaction(ctx, tx)
	})
	if sendErr == nil || isAlreadyKnown(strings.ToLower(sendErr.Error())) {
		c.track(hash, tx.Nonce())
		c.log.Info("settlement rebroadcast", "tx_hash", hash.Hex(), "nonce", tx.Nonce())
		return TxPending, nil
	}
	msg := strings.ToLower(sendErr.Error())
	if !isNonceError(msg) && !isUnderpriced(msg) {
		return TxPending, classify("rebroadcast settlement", sendErr)
	}

	// The pool will not take this exact transaction again: its nonce was
	// consumed, it sits in a nonce gap, or its fee cap is below the base fee.
	// It can only still matter if it was mined after the first check.
	state, found, err = c.receiptState(ctx, hash)
	if err != nil {
		return TxPending, err
	}
	if found {
		return state, nil
	}
	c.nonce = nil
	c.untrack(hash)
	c.log.Warn("settlement transaction dropped", "tx_hash", hash.Hex(), "nonce", tx.Nonce(), "reason", sendErr)
	return TxDropped, nil
}

// WaitMined polls for the receipt of hash until it is found or timeout
// elapses. On timeout it returns TxPending without an error.
func (c *Client) WaitMined(ctx context.Context, hash common.Hash, timeout time.Duration) (TxState, error) {
	if timeout <= 0 {
		timeout = time.Minute
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	interval := c.pollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		state, found, err := c.receiptState(ctx, hash)
		if err != nil && !fault.IsTransient(err) {
			return TxPending, err
		}
		if found {
			return state, nil
		}
		select {
		case <-ctx.Done():
			return TxPending, ctx.Err()
		case <-deadline.C:
			return TxPending, nil
		case <-ticker.C:
		}
	}
}

func (c *Client) receiptState(ctx context.Context, hash common.Hash) (TxState, bool, error) {
	var receipt *types.Receipt
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		receipt, err = c.backend.TransactionReceipt(ctx, hash)
		return err
	})
	if errors.Is(err, ethereum.NotFound) || (err == nil && receipt == nil) {
		return TxPending, false, nil
	}
	if err != nil {
		return TxPending, false, fault.Transient("transaction receipt", err)
	}
	c.untrack(hash)
	if receipt.Status != types.ReceiptStatusSuccessful {
		return TxReverted, true, nil
	}
	return TxMined, true, nil
}

// call bounds a single RPC call by the client timeout.
func (c *Client) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return fn(ctx)
}
