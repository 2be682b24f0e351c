package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/biequity/reconciler/internal/brokerage"
	"github.com/biequity/reconciler/internal/catalog"
	"github.com/biequity/reconciler/internal/chain"
	"github.com/biequity/reconciler/internal/fault"
	"github.com/biequity/reconciler/internal/sink"
	"github.com/biequity/reconciler/internal/storage"
)

const (
	stepValidate = "validate"
	stepOrder    = "order"
	stepSettle   = "settle"
	stepResume   = "resume"
	stepConfirm  = "confirm"
)

// process advances one event as far as it can go in this run. A returned error
// aborts the run; dependency failures are recorded on the event instead.
func (e *Engine) process(ctx context.Context, cy *cycle, item workItem) (EventResult, error) {
	rec, created, err := e.store.EnsureRecord(ctx, newRecord(item.id, item.ev))
	if err != nil {
		return EventResult{}, fmt.Errorf("ensure record %s: %w", item.id, err)
	}
	if rec.Status.Terminal() {
		res := resultOf(rec)
		res.Skipped = true
		return res, nil
	}
	if created {
		e.log.Info("event discovered", "event_id", rec.EventID, "kind", rec.Kind, "symbol", rec.Symbol,
			"amount", rec.Amount, "block", rec.BlockNumber)
	}

	rec, err = e.drive(ctx, cy, item.ev, rec)
	if errors.Is(err, storage.ErrConflict) {
		// Another writer moved the record; report what is stored.
		e.log.Warn("record changed concurrently", "event_id", rec.EventID, "error", err)
		if stored, gerr := e.store.GetRecord(ctx, rec.EventID); gerr == nil {
			rec = stored
		}
		return resultOf(rec), nil
	}
	return resultOf(rec), err
}

type step func(ctx context.Context, cy *cycle, ev chain.Event, rec storage.Record) (storage.Record, bool, error)

// drive runs steps until the record is terminal or a step parks it.
func (e *Engine) drive(ctx context.Context, cy *cycle, ev chain.Event, rec storage.Record) (storage.Record, error) {
	for !rec.Status.Terminal() {
		var run step
		switch rec.Status {
		case storage.StatusDiscovered:
			run = e.validate
		case storage.StatusOrderPending:
			run = e.placeOrder
		case storage.StatusOrderPlaced:
			run = e.settle
		case storage.StatusSettlementPending:
			run = e.resumeSettlement
		default:
			return rec, fmt.Errorf("record %s: unknown status %q", rec.EventID, rec.Status)
		}
		next, more, err := run(ctx, cy, ev, rec)
		if err != nil {
			return next, err
		}
		rec = next
		if !more {
			break
		}
	}
	return rec, nil
}

func (e *Engine) validate(ctx context.Context, cy *cycle, ev chain.Event, rec storage.Record) (storage.Record, bool, error) {
	if ev.DecodeError != "" {
		return e.fail(ctx, rec, stepValidate, 1, fault.Validation("decode event", "%s", ev.DecodeError))
	}
	symbol := strings.TrimSpace(ev.Symbol)
	if symbol == "" {
		return e.fail(ctx, rec, stepValidate, 1, fault.Validation("validate", "symbol is empty"))
	}
	qty, err := Quantity(ev.Amount, e.opts.QtyPrecision)
	if err != nil {
		return e.fail(ctx, rec, stepValidate, 1, err)
	}

	var asset catalog.SupportedAsset
	supported := false
	for n := 1; ; n++ {
		a, ok, err := e.catalog.Lookup(ctx, symbol)
		if err == nil {
			asset, supported = a, ok
			break
		}
		if !fault.IsTransient(err) || n >= e.opts.MaxAttempts {
			return e.fail(ctx, rec, stepValidate, n, err)
		}
		e.log.Warn("catalog lookup failed, retrying", "event_id", rec.EventID, "symbol", symbol, "attempt", n, "error", err)
		if err := e.sleep(ctx, backoff(n, e.opts.BaseBackoff, e.opts.MaxBackoff)); err != nil {
			return rec, false, err
		}
	}
	if !supported {
		return e.fail(ctx, rec, stepValidate, 1, fault.Validation("validate", "symbol %q is not a supported asset", symbol))
	}
	if !qty.IsInteger() && !asset.Fractionable {
		return e.fail(ctx, rec, stepValidate, 1, fault.Validation("validate", "fractional quantity %s for non-fractionable asset %s", qty, symbol))
	}

	if err := e.checkEligible(ctx, cy); err != nil {
		return rec, false, err
	}

	expect := rec.Status
	rec.Status = storage.StatusOrderPending
	rec.ClientOrderID = ClientOrderID(rec.EventID)
	rec, err = e.save(ctx, rec, expect, &storage.Attempt{Step: stepValidate, Number: 1, Outcome: "ok"})
	if err != nil {
		return rec, false, err
	}
	return rec, true, nil
}

func (e *Engine) placeOrder(ctx context.Context, cy *cycle, ev chain.Event, rec storage.Record) (storage.Record, bool, error) {
	qty, err := Quantity(ev.Amount, e.opts.QtyPrecision)
	if err != nil {
		return e.fail(ctx, rec, stepOrder, rec.Attempts+1, err)
	}
	if err := e.checkEligible(ctx, cy); err != nil {
		return rec, false, err
	}
	if rec.ClientOrderID == "" {
		rec.ClientOrderID = ClientOrderID(rec.EventID)
	}
	req := brokerage.MarketOrderRequest{
		Symbol:        rec.Symbol,
		Qty:           qty,
		Side:          sideFor(ev.Kind),
		TimeInForce:   e.opts.TimeInForce,
		ExtendedHours: e.opts.ExtendedHours,
		ClientOrderID: rec.ClientOrderID,
	}

	for {
		lookupFirst := rec.Attempts > 0
		rec.Attempts++
		n := rec.Attempts
		expect := rec.Status

		order, err := e.submitOrder(ctx, req, lookupFirst)
		if err == nil && deadOrder(order.Status) {
			err = fault.Terminal("place order", fmt.Errorf("order %s is %s", order.ID, order.Status))
		}
		if err == nil {
			rec.Status = storage.StatusOrderPlaced
			rec.OrderID = order.ID
			rec.OrderStatus = order.Status
			rec.LastError = ""
			rec, err = e.save(ctx, rec, expect, &storage.Attempt{Step: stepOrder, Number: n, Outcome: "ok"})
			if err != nil {
				return rec, false, err
			}
			e.metrics.OrderPlaced(string(req.Side))
			e.log.Info("order placed", "event_id", rec.EventID, "symbol", rec.Symbol, "qty", qty.String(),
				"side", req.Side, "order_id", order.ID, "order_status", order.Status, "attempts", n)
			return rec, true, nil
		}

		if !fault.IsTransient(err) {
			return e.fail(ctx, rec, stepOrder, n, err)
		}
		if n >= e.opts.MaxAttempts {
			return e.fail(ctx, rec, stepOrder, n, fault.Transient("place order", fmt.Errorf("gave up after %d attempts: %w", n, err)))
		}
		rec.LastError = err.Error()
		if _, err := e.save(ctx, rec, expect, &storage.Attempt{Step: stepOrder, Number: n, Outcome: string(fault.KindTransient), Error: err.Error()}); err != nil {
			return rec, false, err
		}
		e.log.Warn("order attempt failed, retrying", "event_id", rec.EventID, "attempt", n, "error", err)
		if err := e.sleep(ctx, backoff(n, e.opts.BaseBackoff, e.opts.MaxBackoff)); err != nil {
			return rec, false, err
		}
	}
}

// submitOrder places req, adopting an order already created under the same
// client order id.
func (e *Engine) submitOrder(ctx context.Context, req brokerage.MarketOrderRequest, lookupFirst bool) (*brokerage.Order, error) {
	if lookupFirst {
		existing, err := e.broker.GetOrderByClientID(ctx, req.ClientOrderID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			e.log.Info("adopting existing order", "client_order_id", req.ClientOrderID, "order_id", existing.ID)
			return existing, nil
		}
	}
	order, err := e.broker.PlaceMarketOrder(ctx, req)
	if err != nil && brokerage.IsDuplicateClientOrderID(err) {
		existing, lerr := e.broker.GetOrderByClientID(ctx, req.ClientOrderID)
		if lerr != nil {
			return nil, lerr
		}
		if existing != nil {
			e.log.Info("adopting existing order", "client_order_id", req.ClientOrderID, "order_id", existing.ID)
			return existing, nil
		}
	}
	return order, err
}

func (e *Engine) settle(ctx context.Context, _ *cycle, ev chain.Event, rec storage.Record) (storage.Record, bool, error) {
	if ev.Kind == chain.KindRedeem && !e.settler.SettlesRedeems() {
		expect := rec.Status
		rec.Status = storage.StatusSettled
		rec.LastError = ""
		if _, err := e.save(ctx, rec, expect, &storage.Attempt{Step: stepSettle, Number: rec.SettleAttempts + 1, Outcome: "not_required"}); err != nil {
			return rec, false, err
		}
		e.log.Info("redeem completed without on-chain settlement", "event_id", rec.EventID, "order_id", rec.OrderID)
		return rec, false, nil
	}

	// The order has executed: settlement runs to completion even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	for tries := 1; ; tries++ {
		if rec.SettleAttempts >= e.opts.MaxSettleAttempts {
			return e.fail(ctx, rec, stepSettle, rec.SettleAttempts,
				fault.ConsistencyGap("settle", fmt.Errorf("no settlement after %d attempts: %s", rec.SettleAttempts, rec.LastError)))
		}
		rec.SettleAttempts++
		n := rec.SettleAttempts
		expect := rec.Status

		var persistErr error
		prepared := false
		sub, err := e.settler.SubmitSettlement(ctx, chain.Settlement{
			Kind:   ev.Kind,
			Symbol: rec.Symbol,
			Amount: ev.Amount,
			Prepared: func(hash common.Hash, raw []byte) error {
				next := rec
				next.Status = storage.StatusSettlementPending
				next.SettlementTx = hash.Hex()
				next.SettlementRaw = raw
				saved, err := e.save(ctx, next, expect, &storage.Attempt{Step: stepSettle, Number: n, Outcome: "signed"})
				if err != nil {
					persistErr = err
					return err
				}
				rec, prepared = saved, true
				return nil
			},
		})
		if persistErr != nil {
			return rec, false, persistErr
		}
		if err == nil {
			e.metrics.Settlement("broadcast")
			e.log.Info("settlement broadcast", "event_id", rec.EventID, "tx_hash", sub.Hash.Hex(), "nonce", sub.Nonce)
			return e.confirm(ctx, rec, sub.Hash)
		}
		if prepared {
			// Signed and persisted but the broadcast outcome is unknown.
			rec.LastError = err.Error()
			if _, err := e.save(ctx, rec, storage.StatusSettlementPending, &storage.Attempt{Step: stepSettle, Number: n, Outcome: string(fault.KindOf(err)), Error: err.Error()}); err != nil {
				return rec, false, err
			}
			e.log.Warn("settlement broadcast failed after signing", "event_id", rec.EventID, "tx_hash", rec.SettlementTx, "error", err)
			return rec, true, nil
		}
		if !fault.IsTransient(err) {
			return e.fail(ctx, rec, stepSettle, n, fault.ConsistencyGap("settle", err))
		}
		rec.LastError = err.Error()
		if tries >= e.opts.MaxAttempts || n >= e.opts.MaxSettleAttempts {
			return e.fail(ctx, rec, stepSettle, n, fault.ConsistencyGap("settle", fmt.Errorf("gave up after %d attempts: %w", n, err)))
		}
		if _, err := e.save(ctx, rec, expect, &storage.Attempt{Step: stepSettle, Number: n, Outcome: string(fault.KindTransient), Error: err.Error()}); err != nil {
			return rec, false, err
		}
		e.log.Warn("settlement attempt failed, retrying", "event_id", rec.EventID, "attempt", n, "error", err)
		if err := e.sleep(ctx, backoff(n, e.opts.BaseBackoff, e.opts.MaxBackoff)); err != nil {
			return rec, false, err
		}
	}
}

// resumeSettlement resolves a signed settlement from an earlier attempt. The
// stored transaction is rebroadcast as-is and only re-signed once it is known
// to be dropped. Every resume counts against MaxSettleAttempts, so a
// transaction that never resolves ends as a consistency gap instead of
// staying pending.
func (e *Engine) resumeSettlement(ctx context.Context, _ *cycle, _ chain.Event, rec storage.Record) (storage.Record, bool, error) {
	ctx = context.WithoutCancel(ctx)
	if len(rec.SettlementRaw) == 0 {
		expect := rec.Status
		rec.Status = storage.StatusOrderPlaced
		rec.SettlementTx = ""
		if _, err := e.save(ctx, rec, expect, nil); err != nil {
			return rec, false, err
		}
		return rec, true, nil
	}

	for tries := 1; ; tries++ {
		if rec.SettleAttempts >= e.opts.MaxSettleAttempts {
			e.metrics.Settlement("exhausted")
			return e.fail(ctx, rec, stepResume, rec.SettleAttempts,
				fault.ConsistencyGap("resume settlement", fmt.Errorf("settlement %s unresolved after %d attempts: %s",
					rec.SettlementTx, rec.SettleAttempts, rec.LastError)))
		}
		rec.SettleAttempts++
		n := rec.SettleAttempts

		state, err := e.settler.Resume(ctx, rec.SettlementRaw)
		if err != nil {
			if !fault.IsTransient(err) {
				return e.fail(ctx, rec, stepResume, n, fault.ConsistencyGap("resume settlement", err))
			}
			rec.LastError = err.Error()
			saved, serr := e.save(ctx, rec, rec.Status, &storage.Attempt{Step: stepResume, Number: n, Outcome: string(fault.KindTransient), Error: err.Error()})
			if serr != nil {
				return rec, false, serr
			}
			rec = saved
			if tries >= e.opts.MaxAttempts {
				// The signed transaction may still land; keep it for the next run.
				e.metrics.Settlement("stalled")
				e.log.Warn("settlement unresolved, will resume next run", "event_id", rec.EventID, "tx_hash", rec.SettlementTx,
					"attempts", n, "max_attempts", e.opts.MaxSettleAttempts, "error", err)
				return rec, false, nil
			}
			if err := e.sleep(ctx, backoff(tries, e.opts.BaseBackoff, e.opts.MaxBackoff)); err != nil {
				return rec, false, err
			}
			continue
		}

		switch state {
		case chain.TxPending:
			saved, err := e.save(ctx, rec, rec.Status, &storage.Attempt{Step: stepResume, Number: n, Outcome: "pending"})
			if err != nil {
				return rec, false, err
			}
			return e.confirm(ctx, saved, common.HexToHash(saved.SettlementTx))
		case chain.TxMined:
			return e.settled(ctx, rec, "mined")
		case chain.TxReverted:
			e.metrics.Settlement("reverted")
			return e.fail(ctx, rec, stepConfirm, n,
				fault.ConsistencyGap("settle", fmt.Errorf("settlement transaction %s reverted", rec.SettlementTx)))
		case chain.TxDropped:
			e.metrics.Settlement("dropped")
			e.log.Warn("settlement transaction dropped, re-signing", "event_id", rec.EventID, "tx_hash", rec.SettlementTx)
			expect := rec.Status
			rec.Status = storage.StatusOrderPlaced
			rec.LastError = fmt.Sprintf("settlement transaction %s dropped", rec.SettlementTx)
			rec.SettlementTx = ""
			rec.SettlementRaw = nil
			if _, err := e.save(ctx, rec, expect, &storage.Attempt{Step: stepResume, Number: n, Outcome: "dropped"}); err != nil {
				return rec, false, err
			}
			return rec, true, nil
		default:
			return rec, false, fmt.Errorf("record %s: unexpected transaction state %s", rec.EventID, state)
		}
	}
}

// confirm finishes a broadcast settlement, waiting for the receipt when configured.
func (e *Engine) confirm(ctx context.Context, rec storage.Record, hash common.Hash) (storage.Record, bool, error) {
	if !e.opts.WaitMined {
		return e.settled(ctx, rec, "accepted")
	}
	state, err := e.settler.WaitMined(ctx, hash, e.opts.MinedTimeout)
	switch {
	case err != nil:
		e.log.Warn("waiting for settlement receipt failed", "event_id", rec.EventID, "tx_hash", hash.Hex(), "error", err)
		return rec, false, nil
	case state == chain.TxMined:
		return e.settled(ctx, rec, "mined")
	case state == chain.TxReverted:
		e.metrics.Settlement("reverted")
		return e.fail(ctx, rec, stepConfirm, rec.SettleAttempts,
			fault.ConsistencyGap("settle", fmt.Errorf("settlement transaction %s reverted", hash.Hex())))
	}
	e.log.Info("settlement not mined yet, will check next run", "event_id", rec.EventID, "tx_hash", hash.Hex())
	return rec, false, nil
}

func (e *Engine) settled(ctx context.Context, rec storage.Record, outcome string) (storage.Record, bool, error) {
	expect := rec.Status
	rec.Status = storage.StatusSettled
	rec.LastError = ""
	rec, err := e.save(ctx, rec, expect, &storage.Attempt{Step: stepConfirm, Number: rec.SettleAttempts, Outcome: outcome})
	if err != nil {
		return rec, false, err
	}
	e.metrics.Settlement(outcome)
	e.log.Info("event settled", "event_id", rec.EventID, "symbol", rec.Symbol, "order_id", rec.OrderID, "tx_hash", rec.SettlementTx)
	return rec, false, nil
}

// fail moves rec to the failed state with the kind of cause and alerts operators.
func (e *Engine) fail(ctx context.Context, rec storage.Record, stepName string, n int, cause error) (storage.Record, bool, error) {
	kind := fault.KindOf(cause)
	expect := rec.Status
	rec.Status = storage.StatusFailed
	rec.ErrorKind = string(kind)
	rec.LastError = cause.Error()
	if n <= 0 {
		n = 1
	}
	rec, err := e.save(ctx, rec, expect, &storage.Attempt{Step: stepName, Number: n, Outcome: string(kind), Error: cause.Error()})
	if err != nil {
		return rec, false, err
	}
	if kind == fault.KindConsistencyGap {
		e.metrics.ConsistencyGap()
		e.log.Error("consistency gap: order executed without settlement", "event_id", rec.EventID, "symbol", rec.Symbol,
			"order_id", rec.OrderID, "error", cause)
	} else {
		e.log.Warn("event failed", "event_id", rec.EventID, "step", stepName, "error_kind", kind, "error", cause)
	}
	e.alert(ctx, rec)
	return rec, false, nil
}

func (e *Engine) save(ctx context.Context, rec storage.Record, expect storage.Status, a *storage.Attempt) (storage.Record, error) {
	var err error
	if a != nil {
		a.EventID = rec.EventID
		err = e.store.SaveAttempt(ctx, rec, expect, *a)
	} else {
		err = e.store.UpdateRecord(ctx, rec, expect)
	}
	if err != nil {
		return rec, fmt.Errorf("persist %s (%s -> %s): %w", rec.EventID, expect, rec.Status, err)
	}
	return rec, nil
}

func (e *Engine) alert(ctx context.Context, rec storage.Record) {
	if e.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	err := e.notifier.Send(ctx, sink.Alert{
		EventID:          rec.EventID,
		Kind:             rec.Kind,
		Symbol:           rec.Symbol,
		Amount:           rec.Amount,
		BlockNumber:      rec.BlockNumber,
		TxHash:           rec.TxHash,
		Status:           string(rec.Status),
		ErrorKind:        rec.ErrorKind,
		Error:            rec.LastError,
		BrokerageOrderID: rec.OrderID,
		SettlementTxHash: rec.SettlementTx,
		Time:             e.now(),
	})
	if err != nil {
		e.log.Warn("alert delivery failed", "event_id", rec.EventID, "error", err)
	}
}

func sideFor(kind chain.EventKind) brokerage.Side {
	if kind == chain.KindRedeem {
		return brokerage.SideSell
	}
	return brokerage.SideBuy
}

// deadOrder reports order statuses that can never fill.
func deadOrder(status string) bool {
	switch strings.ToLower(status) {
	case "rejected", "canceled", "cancelled", "expired", "suspended":
		return true
	}
	return false
}
