package engine

import (
	"github.com/biequity/reconciler/internal/chain"
	"github.com/biequity/reconciler/internal/storage"
)

// EventResult is the per-event outcome reported to the caller of a run.
type EventResult struct {
	EventID          string         `json:"event_id"`
	Kind             string         `json:"kind"`
	Symbol           string         `json:"symbol"`
	Amount           string         `json:"amount"`
	BlockNumber      uint64         `json:"block_number"`
	LogIndex         uint           `json:"log_index"`
	Status           storage.Status `json:"status"`
	Success          bool           `json:"success"`
	Skipped          bool           `json:"skipped,omitempty"`
	OrderID          string         `json:"order_id,omitempty"`
	SettlementTxHash string         `json:"settlement_tx_hash,omitempty"`
	ErrorKind        string         `json:"error_kind,omitempty"`
	Error            string         `json:"error,omitempty"`
	Attempts         int            `json:"attempts"`
}

// Summary aggregates one run.
type Summary struct {
	FromBlock         uint64        `json:"from_block"`
	ToBlock           uint64        `json:"to_block"`
	Watermark         uint64        `json:"watermark"`
	WatermarkAdvanced bool          `json:"watermark_advanced"`
	Buys              []EventResult `json:"buys"`
	Sells             []EventResult `json:"sells"`
	Settled           int           `json:"settled"`
	Failed            int           `json:"failed"`
	Pending           int           `json:"pending"`
	Skipped           int           `json:"skipped"`
	Aborted           string        `json:"aborted,omitempty"`
}

func newSummary() Summary {
	return Summary{Buys: []EventResult{}, Sells: []EventResult{}}
}

func (s *Summary) add(r EventResult) {
	if r.Kind == string(chain.KindRedeem) {
		s.Sells = append(s.Sells, r)
	} else {
		s.Buys = append(s.Buys, r)
	}
	switch {
	case r.Skipped:
		s.Skipped++
	case r.Status == storage.StatusSettled:
		s.Settled++
	case r.Status == storage.StatusFailed:
		s.Failed++
	default:
		s.Pending++
	}
}

func resultOf(rec storage.Record) EventResult {
	return EventResult{
		EventID:          rec.EventID,
		Kind:             rec.Kind,
		Symbol:           rec.Symbol,
		Amount:           rec.Amount,
		BlockNumber:      rec.BlockNumber,
		LogIndex:         rec.LogIndex,
		Status:           rec.Status,
		Success:          rec.Status == storage.StatusSettled,
		OrderID:          rec.OrderID,
		SettlementTxHash: rec.SettlementTx,
		ErrorKind:        rec.ErrorKind,
		Error:            rec.LastError,
		Attempts:         rec.Attempts,
	}
}
