package chain

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Range is an inclusive block range to scan.
type Range struct {
	From uint64
	To   uint64
}

// Empty reports whether the range holds no blocks.
func (r Range) Empty() bool { return r.To < r.From }

// Window plans scan ranges behind the chain head.
type Window struct {
	Confirmations uint64
	StartBlock    string
	MaxRange      uint64
}

// HeadSource reports the latest block number.
type HeadSource interface {
	Head(ctx context.Context) (uint64, error)
}

// Next returns the range after the watermark, bounded by the confirmation-safe
// head and MaxRange. Without a watermark the range starts at StartBlock.
func (w Window) Next(ctx context.Context, heads HeadSource, watermark uint64, hasWatermark bool) (Range, error) {
	head, err := heads.Head(ctx)
	if err != nil {
		return Range{From: 1}, err
	}
	if w.Confirmations > head {
		return Range{From: 1}, nil
	}
	safe := head - w.Confirmations

	from := watermark + 1
	if !hasWatermark {
		from, err = resolveStartHeight(w.StartBlock, safe)
		if err != nil {
			return Range{From: 1}, err
		}
	}
	if from > safe {
		return Range{From: from, To: from - 1}, nil
	}
	to := safe
	if w.MaxRange > 0 && to-from+1 > w.MaxRange {
		to = from + w.MaxRange - 1
	}
	return Range{From: from, To: to}, nil
}

// DefaultLookback is how far behind the safe head a first run starts when no
// start block is configured.
const DefaultLookback = 100

// resolveStartHeight accepts a block number, "latest", "latest-N", or empty for
// DefaultLookback blocks behind the safe head.
func resolveStartHeight(start string, safeHeight uint64) (uint64, error) {
	start = strings.TrimSpace(start)
	if start == "latest" {
		return safeHeight, nil
	}
	if start == "" {
		if safeHeight < DefaultLookback {
			return 0, nil
		}
		return safeHeight - DefaultLookback, nil
	}
	if strings.HasPrefix(start, "latest-") {
		offsetStr := strings.TrimPrefix(start, "latest-")
		n, err := strconv.ParseUint(offsetStr, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse start_block %q: %w", start, err)
		}
		if n > safeHeight {
			return 0, nil
		}
		return safeHeight - n, nil
	}

	n, err := strconv.ParseUint(start, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse start_block %q: %w", start, err)
	}
	return n, nil
}

// ValidStartBlock reports whether start parses as a start block expression.
func ValidStartBlock(start string) error {
	_, err := resolveStartHeight(start, 0)
	return err
}
