package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// EventKind distinguishes the two watched contract events.
type EventKind string

const (
	KindMint   EventKind = "mint"
	KindRedeem EventKind = "redeem"
)

// String returns the protocol-level name of the event kind.
func (k EventKind) String() string {
	switch k {
	case KindMint:
		return "MintRequested"
	case KindRedeem:
		return "RedeemRequested"
	}
	return string(k)
}

// Event is a decoded mint or redeem request.
type Event struct {
	Kind        EventKind
	Symbol      string
	Amount      *big.Int
	NetAmount   *big.Int
	BlockNumber uint64
	LogIndex    uint
	TxHash      common.Hash
	DecodeError string
}

// ID is the event identity: transaction hash and log index.
func (e Event) ID() string {
	return fmt.Sprintf("%s:%d", e.TxHash.Hex(), e.LogIndex)
}

// Less orders events by block number, then log index.
func (e Event) Less(o Event) bool {
	if e.BlockNumber != o.BlockNumber {
		return e.BlockNumber < o.BlockNumber
	}
	return e.LogIndex < o.LogIndex
}

// decodeLog unpacks a log into an Event. Undecodable logs still yield an
// Event carrying DecodeError so the caller can fail it explicitly.
func decodeLog(kind EventKind, ev abi.Event, lg types.Log) Event {
	out := Event{
		Kind:        kind,
		BlockNumber: lg.BlockNumber,
		LogIndex:    lg.Index,
		TxHash:      lg.TxHash,
	}
	_, nonIndexed := splitIndexed(ev.Inputs)
	args := map[string]any{}
	if err := nonIndexed.UnpackIntoMap(args, lg.Data); err != nil {
		out.DecodeError = fmt.Sprintf("unpack %s: %v", ev.Name, err)
		return out
	}
	if s, ok := args[nonIndexed[0].Name].(string); ok {
		out.Symbol = s
	}
	if v, ok := args[nonIndexed[1].Name].(*big.Int); ok {
		out.Amount = v
	}
	if len(nonIndexed) > 2 {
		if v, ok := args[nonIndexed[2].Name].(*big.Int); ok {
			out.NetAmount = v
		}
	}
	return out
}

func splitIndexed(args abi.Arguments) (indexed abi.Arguments, nonIndexed abi.Arguments) {
	for _, a := range args {
		if a.Indexed {
			indexed = append(indexed, a)
		} else {
			nonIndexed = append(nonIndexed, a)
		}
	}
	return indexed, nonIndexed
}
