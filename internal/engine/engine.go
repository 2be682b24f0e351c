// Package engine drives chain events through brokerage orders and on-chain
// settlement, keeping one durable record per event.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/biequity/reconciler/internal/brokerage"
	"github.com/biequity/reconciler/internal/catalog"
	"github.com/biequity/reconciler/internal/chain"
	"github.com/biequity/reconciler/internal/metrics"
	"github.com/biequity/reconciler/internal/sink"
	"github.com/biequity/reconciler/internal/storage"
)

// DefaultWatermark names the single scan watermark of a deployment.
const DefaultWatermark = "main"

// EventSource reads contract events.
type EventSource interface {
	Head(ctx context.Context) (uint64, error)
	Events(ctx context.Context, kind chain.EventKind, from, to uint64) ([]chain.Event, error)
}

// Settler writes settlements on-chain.
type Settler interface {
	SubmitSettlement(ctx context.Context, s chain.Settlement) (chain.Submitted, error)
	Resume(ctx context.Context, raw []byte) (chain.TxState, error)
	WaitMined(ctx context.Context, hash common.Hash, timeout time.Duration) (chain.TxState, error)
	SettlesRedeems() bool
}

// Broker places and looks up brokerage orders.
type Broker interface {
	GetAccount(ctx context.Context) (*brokerage.Account, error)
	PlaceMarketOrder(ctx context.Context, req brokerage.MarketOrderRequest) (*brokerage.Order, error)
	GetOrderByClientID(ctx context.Context, clientOrderID string) (*brokerage.Order, error)
}

// Catalog answers allow-list lookups.
type Catalog interface {
	Lookup(ctx context.Context, symbol string) (catalog.SupportedAsset, bool, error)
}

// Store persists the watermark and processing records.
type Store interface {
	GetWatermark(ctx context.Context, name string) (uint64, bool, error)
	CompareAndSetWatermark(ctx context.Context, name string, prev uint64, hasPrev bool, next uint64) error
	EnsureRecord(ctx context.Context, rec storage.Record) (storage.Record, bool, error)
	GetRecord(ctx context.Context, eventID string) (storage.Record, error)
	UpdateRecord(ctx context.Context, rec storage.Record, expect storage.Status) error
	SaveAttempt(ctx context.Context, rec storage.Record, expect storage.Status, a storage.Attempt) error
	ListRecords(ctx context.Context, f storage.RecordFilter) ([]storage.Record, error)
}

// Notifier delivers operator alerts.
type Notifier interface {
	Send(ctx context.Context, alert sink.Alert) error
}

// Options tunes the engine.
type Options struct {
	WatermarkName string
	Window        chain.Window
	// MaxAttempts bounds retries of one step within a run.
	MaxAttempts int
	// MaxSettleAttempts bounds settlement submissions and resumes of one
	// record across runs; past it the record fails as a consistency gap.
	MaxSettleAttempts int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	TimeInForce       brokerage.TimeInForce
	ExtendedHours     bool
	QtyPrecision      int32
	WaitMined         bool
	MinedTimeout      time.Duration
}

// Deps are the collaborators of the engine. Notifier and Metrics may be nil.
type Deps struct {
	Source   EventSource
	Settler  Settler
	Broker   Broker
	Catalog  Catalog
	Store    Store
	Notifier Notifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Engine runs processing cycles. Callers must not run cycles concurrently;
// the scheduler's guard enforces this.
type Engine struct {
	source   EventSource
	settler  Settler
	broker   Broker
	catalog  Catalog
	store    Store
	notifier Notifier
	metrics  *metrics.Metrics
	log      *slog.Logger
	opts     Options

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New validates deps and builds an engine.
func New(deps Deps, opts Options) (*Engine, error) {
	switch {
	case deps.Source == nil:
		return nil, errors.New("engine: event source required")
	case deps.Settler == nil:
		return nil, errors.New("engine: settler required")
	case deps.Broker == nil:
		return nil, errors.New("engine: broker required")
	case deps.Catalog == nil:
		return nil, errors.New("engine: catalog required")
	case deps.Store == nil:
		return nil, errors.New("engine: store required")
	}
	if opts.WatermarkName == "" {
		opts.WatermarkName = DefaultWatermark
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.MaxSettleAttempts <= 0 {
		opts.MaxSettleAttempts = defaultMaxSettleAttempts
	}
	if opts.MaxSettleAttempts < opts.MaxAttempts {
		opts.MaxSettleAttempts = opts.MaxAttempts
	}
	if opts.TimeInForce == "" {
		opts.TimeInForce = brokerage.TimeInForceDay
	}
	if opts.QtyPrecision <= 0 {
		opts.QtyPrecision = DefaultQtyPrecision
	}
	if opts.MinedTimeout <= 0 {
		opts.MinedTimeout = 2 * time.Minute
	}
	log := deps.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		source:   deps.Source,
		settler:  deps.Settler,
		broker:   deps.Broker,
		catalog:  deps.Catalog,
		store:    deps.Store,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		log:      log,
		opts:     opts,
		now:      time.Now,
		sleep:    sleepCtx,
	}, nil
}

type workItem struct {
	id string
	ev chain.Event
}

// cycle holds per-run state.
type cycle struct {
	checked     bool
	eligibility error
}

// Run executes one processing cycle. A non-nil error means the cycle was
// aborted and the watermark was not advanced; the summary still reports the
// events handled before the abort.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	started := e.now()
	sum := newSummary()
	err := e.run(ctx, &sum)
	outcome := "completed"
	if err != nil {
		outcome = "aborted"
		sum.Aborted = err.Error()
		e.metrics.Errors()
		e.log.Error("run aborted", "error", err, "from_block", sum.FromBlock, "to_block", sum.ToBlock)
	} else {
		e.log.Info("run complete",
			"from_block", sum.FromBlock, "to_block", sum.ToBlock,
			"settled", sum.Settled, "failed", sum.Failed, "pending", sum.Pending, "skipped", sum.Skipped,
			"watermark", sum.Watermark, "advanced", sum.WatermarkAdvanced)
	}
	e.metrics.Run(outcome, e.now().Sub(started).Seconds())
	return sum, err
}

func (e *Engine) run(ctx context.Context, sum *Summary) error {
	wm, hasWM, err := e.store.GetWatermark(ctx, e.opts.WatermarkName)
	if err != nil {
		return fmt.Errorf("read watermark: %w", err)
	}
	sum.Watermark = wm

	rng, err := e.opts.Window.Next(ctx, e.source, wm, hasWM)
	if err != nil {
		return fmt.Errorf("plan block range: %w", err)
	}

	var events []chain.Event
	if !rng.Empty() {
		sum.FromBlock, sum.ToBlock = rng.From, rng.To
		events, err = e.fetch(ctx, rng)
		if err != nil {
			return err
		}
	}

	stranded, err := e.stranded(ctx, wm, hasWM, events)
	if err != nil {
		return err
	}
	if rng.Empty() && len(stranded) == 0 {
		e.log.Debug("nothing to scan", "watermark", wm)
		return nil
	}

	work := stranded
	for _, ev := range events {
		work = append(work, workItem{id: ev.ID(), ev: ev})
	}
	cy := &cycle{}
	for _, item := range work {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := e.process(ctx, cy, item)
		if res.EventID != "" {
			sum.add(res)
			if !res.Skipped {
				e.metrics.EventProcessed(res.Kind, string(res.Status))
			}
		}
		if err != nil {
			return err
		}
	}

	if rng.Empty() {
		return nil
	}
	if err := e.store.CompareAndSetWatermark(context.WithoutCancel(ctx), e.opts.WatermarkName, wm, hasWM, rng.To); err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	sum.Watermark = rng.To
	sum.WatermarkAdvanced = true
	e.metrics.Watermark(rng.To)
	return nil
}

// fetch reads both event kinds in rng and merges them into chain order.
func (e *Engine) fetch(ctx context.Context, rng chain.Range) ([]chain.Event, error) {
	mints, err := e.source.Events(ctx, chain.KindMint, rng.From, rng.To)
	if err != nil {
		return nil, fmt.Errorf("fetch mint events: %w", err)
	}
	redeems, err := e.source.Events(ctx, chain.KindRedeem, rng.From, rng.To)
	if err != nil {
		return nil, fmt.Errorf("fetch redeem events: %w", err)
	}
	events := append(mints, redeems...)
	sort.SliceStable(events, func(i, j int) bool { return events[i].Less(events[j]) })
	return events, nil
}

// stranded returns unfinished records at or below the watermark that are not
// part of the current batch, such as settlements still waiting to be mined.
func (e *Engine) stranded(ctx context.Context, wm uint64, hasWM bool, batch []chain.Event) ([]workItem, error) {
	if !hasWM {
		return nil, nil
	}
	recs, err := e.store.ListRecords(ctx, storage.RecordFilter{Open: true, MaxBlock: wm})
	if err != nil {
		return nil, fmt.Errorf("list unfinished records: %w", err)
	}
	inBatch := make(map[string]struct{}, len(batch))
	for _, ev := range batch {
		inBatch[ev.ID()] = struct{}{}
	}
	out := make([]workItem, 0, len(recs))
	for _, rec := range recs {
		if rec.BlockNumber > wm {
			continue
		}
		if _, ok := inBatch[rec.EventID]; ok {
			continue
		}
		out = append(out, workItem{id: rec.EventID, ev: eventFromRecord(rec)})
	}
	return out, nil
}

func (e *Engine) checkEligible(ctx context.Context, cy *cycle) error {
	if cy.checked {
		return cy.eligibility
	}
	cy.checked = true
	acct, err := e.broker.GetAccount(ctx)
	if err == nil {
		err = acct.CheckEligibility()
	}
	if err != nil {
		cy.eligibility = fmt.Errorf("account pre-flight: %w", err)
	}
	return cy.eligibility
}

func newRecord(id string, ev chain.Event) storage.Record {
	amount := ""
	if ev.Amount != nil {
		amount = ev.Amount.String()
	}
	return storage.Record{
		EventID:     id,
		Kind:        string(ev.Kind),
		Symbol:      ev.Symbol,
		Amount:      amount,
		BlockNumber: ev.BlockNumber,
		LogIndex:    ev.LogIndex,
		TxHash:      ev.TxHash.Hex(),
	}
}

func eventFromRecord(rec storage.Record) chain.Event {
	ev := chain.Event{
		Kind:        chain.EventKind(rec.Kind),
		Symbol:      rec.Symbol,
		BlockNumber: rec.BlockNumber,
		LogIndex:    rec.LogIndex,
		TxHash:      common.HexToHash(rec.TxHash),
	}
	if amount, ok := new(big.Int).SetString(rec.Amount, 10); ok {
		ev.Amount = amount
	} else {
		ev.DecodeError = fmt.Sprintf("stored amount %q is not an integer", rec.Amount)
	}
	return ev
}
