package engine

import (
	"math/big"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/biequity/reconciler/internal/fault"
)

// tokenDecimals is the fixed-point scale of token amounts. One whole token
// backs one brokerage share.
const tokenDecimals = 18

// DefaultQtyPrecision is the number of share decimals accepted by the brokerage.
const DefaultQtyPrecision = 9

// Quantity converts a base-unit token amount into a share quantity. Amounts
// with more precision than precision decimals are rejected rather than rounded.
func Quantity(amount *big.Int, precision int32) (decimal.Decimal, error) {
	if amount == nil || amount.Sign() <= 0 {
		return decimal.Zero, fault.Validation("quantity", "amount must be a positive integer")
	}
	if precision <= 0 || precision > tokenDecimals {
		precision = DefaultQtyPrecision
	}
	qty := decimal.NewFromBigInt(amount, -tokenDecimals)
	if !qty.Truncate(precision).Equal(qty) {
		return decimal.Zero, fault.Validation("quantity", "amount %s has more than %d share decimals", amount, precision)
	}
	return qty, nil
}

// ClientOrderID derives the brokerage idempotency key for an event.
func ClientOrderID(eventID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("biequity:"+eventID)).String()
}
