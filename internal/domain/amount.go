package domain

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

var ErrAmountPrecision = errors.New("amount has more decimal places than the asset supports")

// ToBaseUnits converts a currency-denominated amount into the token's integer base units.
// Amounts that cannot be represented exactly at the given precision are rejected.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	shifted := amount.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("%w: %s at %d decimals", ErrAmountPrecision, amount.String(), decimals)
	}
	return shifted.BigInt(), nil
}

// FromBaseUnits converts raw token units back into a currency-denominated amount.
func FromBaseUnits(units *big.Int, decimals int32) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -decimals)
}
